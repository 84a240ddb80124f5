package devtools

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
)

func send(tr *Tracker, tab, id string, typ network.ResourceType) {
	tr.OnRequestWillBeSent(tab, &network.EventRequestWillBeSent{
		RequestID: network.RequestID(id),
		Request:   &network.Request{URL: "https://example.com/" + id, Method: "GET"},
		Type:      typ,
	})
}

func TestOutstandingByClass(t *testing.T) {
	tr := NewTracker(Options{})
	defer tr.Close()

	send(tr, "1", "doc", network.ResourceTypeDocument)
	send(tr, "1", "xhr", network.ResourceTypeXHR)
	send(tr, "1", "img", network.ResourceTypeImage)
	send(tr, "1", "ws", network.ResourceTypeWebSocket)
	send(tr, "2", "other-tab", network.ResourceTypeScript)

	a := tr.Outstanding("1")
	if a.Critical != 2 || a.Visual != 1 {
		t.Fatalf("expected 2 critical 1 visual, got %+v", a)
	}

	tr.OnLoadingFinished("1", &network.EventLoadingFinished{RequestID: "doc", EncodedDataLength: 1024})
	tr.OnLoadingFailed("1", &network.EventLoadingFailed{RequestID: "xhr", ErrorText: "net::ERR_ABORTED"})

	a = tr.Outstanding("1")
	if a.Critical != 0 || a.Visual != 1 || a.Completed != 2 {
		t.Fatalf("unexpected activity after completion: %+v", a)
	}

	reqs := tr.NetworkRequests("1", 0)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 finished requests, got %d", len(reqs))
	}
	if reqs[0].RequestID != "doc" || reqs[0].EncodedBytes != 1024 {
		t.Fatalf("unexpected first request: %+v", reqs[0])
	}
	if !reqs[1].Failed || reqs[1].ErrorText != "net::ERR_ABORTED" {
		t.Fatalf("expected failed xhr, got %+v", reqs[1])
	}
}

func TestResponseReclassifies(t *testing.T) {
	tr := NewTracker(Options{})
	defer tr.Close()

	send(tr, "1", "r1", network.ResourceTypeOther)
	tr.OnResponseReceived("1", &network.EventResponseReceived{
		RequestID: "r1",
		Type:      network.ResourceTypeFont,
		Response:  &network.Response{Status: 200, StatusText: "OK", MimeType: "font/woff2"},
	})
	if a := tr.Outstanding("1"); a.Visual != 1 {
		t.Fatalf("expected font to count as visual, got %+v", a)
	}
	tr.OnLoadingFinished("1", &network.EventLoadingFinished{RequestID: "r1"})
	got := tr.NetworkRequests("1", 1)[0]
	if got.Status != 200 || got.MimeType != "font/woff2" {
		t.Fatalf("response fields not kept: %+v", got)
	}
}

func TestPostDataDecodedAndTruncated(t *testing.T) {
	tr := NewTracker(Options{MaxPostBytes: 4})
	defer tr.Close()

	tr.OnRequestWillBeSent("1", &network.EventRequestWillBeSent{
		RequestID: "p",
		Type:      network.ResourceTypeFetch,
		Request: &network.Request{
			URL:             "https://example.com/api",
			Method:          "POST",
			HasPostData:     true,
			PostDataEntries: []*network.PostDataEntry{{Bytes: base64.StdEncoding.EncodeToString([]byte("abcdef"))}},
		},
	})
	tr.OnLoadingFinished("1", &network.EventLoadingFinished{RequestID: "p"})

	got := tr.NetworkRequests("1", 0)[0]
	if got.PostData != "abcd" || !got.Truncated || got.OriginalSize != 6 {
		t.Fatalf("unexpected post data handling: %+v", got)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	tr := NewTracker(Options{History: 3})
	defer tr.Close()

	for i := 0; i < 5; i++ {
		tr.OnConsole("1", "log", string(rune('a'+i)), "", 0)
	}
	logs := tr.ConsoleLogs("1", 0)
	if len(logs) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(logs))
	}
	if logs[0].Text != "c" || logs[2].Text != "e" {
		t.Fatalf("expected newest three in order, got %q..%q", logs[0].Text, logs[2].Text)
	}
	if got := tr.ConsoleLogs("1", 2); got[0].Text != "d" {
		t.Fatalf("expected limit to keep newest, got %q", got[0].Text)
	}
}

func TestCleanupDropsStalePending(t *testing.T) {
	tr := NewTracker(Options{})
	defer tr.Close()

	base := time.Now()
	tr.now = func() time.Time { return base }
	send(tr, "1", "old", network.ResourceTypeScript)

	tr.now = func() time.Time { return base.Add(6 * time.Minute) }
	send(tr, "1", "new", network.ResourceTypeScript)
	tr.cleanupStale()

	if a := tr.Outstanding("1"); a.Critical != 1 {
		t.Fatalf("expected only the fresh request to remain, got %+v", a)
	}
}

func TestForgetTab(t *testing.T) {
	tr := NewTracker(Options{})
	defer tr.Close()

	send(tr, "1", "a", network.ResourceTypeScript)
	tr.ForgetTab("1")
	if a := tr.Outstanding("1"); a.Critical != 0 {
		t.Fatalf("expected empty activity, got %+v", a)
	}
	if got := tr.NetworkRequests("1", 0); len(got) != 0 {
		t.Fatalf("expected no history, got %d", len(got))
	}
}
