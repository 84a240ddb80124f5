package notify

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/tabhub/internal/loop"
)

const testMessage = "Focus loop stopped after 3 iterations (of 5): check the build"

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestSendPostsMessage(t *testing.T) {
	ctx := context.Background()

	var receivedMethod string
	var receivedPath string
	var receivedBody string
	var receivedContentType string

	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			receivedMethod = r.Method
			receivedPath = r.URL.Path
			receivedContentType = r.Header.Get("Content-Type")
			rawBody, err := io.ReadAll(r.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			receivedBody = string(rawBody)
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("ok")),
				Header:     make(http.Header),
			}, nil
		}),
	}

	if err := Send(ctx, client, "http://example.com/notifications", testMessage); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got, want := receivedMethod, http.MethodPost; got != want {
		t.Fatalf("method = %q; want %q", got, want)
	}
	if got, want := receivedPath, "/notifications"; got != want {
		t.Fatalf("path = %q; want %q", got, want)
	}
	if got, want := receivedContentType, "text/plain"; got != want {
		t.Fatalf("content-type = %q; want %q", got, want)
	}
	if got, want := receivedBody, testMessage; got != want {
		t.Fatalf("body = %q; want %q", got, want)
	}
}

func TestSendReturnsErrorForServerError(t *testing.T) {
	ctx := context.Background()

	client := &http.Client{
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader("server failure")),
				Header:     make(http.Header),
			}, nil
		}),
	}

	err := Send(ctx, client, "http://example.com/notifications", testMessage)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "notification failed") {
		t.Fatalf("error = %q; want to contain %q", err, "notification failed")
	}
}

func TestSendDisallowsMissingEndpoint(t *testing.T) {
	ctx := context.Background()
	err := Send(ctx, http.DefaultClient, "", testMessage)
	if err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}

func TestLoopMessage(t *testing.T) {
	got := LoopMessage(loop.Snapshot{Prompt: "check the build", Iteration: 3, MaxIterations: 5, EndReason: loop.EndStopped})
	if got != testMessage {
		t.Fatalf("LoopMessage() = %q; want %q", got, testMessage)
	}

	got = LoopMessage(loop.Snapshot{Prompt: strings.Repeat("p", 200), Iteration: 7, EndReason: loop.EndTimeout})
	if !strings.Contains(got, "one hour limit") || !strings.Contains(got, "unbounded") {
		t.Fatalf("unexpected timeout message %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected long prompt to be shortened, got %q", got)
	}
}

func TestLoopNotifierSkipsActiveSnapshots(t *testing.T) {
	sent := make(chan string, 2)
	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(r.Body)
			sent <- string(body)
			return &http.Response{StatusCode: http.StatusNoContent, Body: io.NopCloser(strings.NewReader("")), Header: make(http.Header)}, nil
		}),
	}
	n := &LoopNotifier{Endpoint: "http://example.com/loop", Client: client}

	n.OnChange(loop.Snapshot{Active: true, Prompt: "x"})
	n.OnChange(loop.Snapshot{Prompt: "x", Iteration: 1, EndReason: loop.EndStopped})

	select {
	case body := <-sent:
		if !strings.HasPrefix(body, "Focus loop stopped") {
			t.Fatalf("unexpected body %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not sent")
	}
	select {
	case body := <-sent:
		t.Fatalf("unexpected extra notification %q", body)
	case <-time.After(50 * time.Millisecond):
	}
}
