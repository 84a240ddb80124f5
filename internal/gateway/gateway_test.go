package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/tabhub/internal/apperr"
	"github.com/dgnsrekt/tabhub/internal/audit"
	"github.com/dgnsrekt/tabhub/internal/netutil"
	"github.com/dgnsrekt/tabhub/internal/protocol"
)

const testToken = "t0ken"

type fakeForwarder struct {
	mu    sync.Mutex
	calls []string
	fn    func(command string, params json.RawMessage) (json.RawMessage, error)
	// hold delays every answer until it elapses or the request is cancelled.
	hold time.Duration
}

func (f *fakeForwarder) Send(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, command)
	f.mu.Unlock()
	if f.hold > 0 {
		select {
		case <-time.After(f.hold):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fn != nil {
		return f.fn(command, params)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeForwarder) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type memRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memRecorder) Record(e audit.Entry) {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
}

func line(command string, params any, token string) []byte {
	req := map[string]any{"command": command, "authToken": token}
	if params != nil {
		req["params"] = params
	}
	data, _ := json.Marshal(req)
	return data
}

func TestHandleRejectsBadToken(t *testing.T) {
	fwd := &fakeForwarder{}
	s := NewServer(Config{Token: testToken, Forward: fwd})

	for _, tok := range []string{"", "wrong", testToken + "x"} {
		resp := s.Handle(context.Background(), line("getTabs", nil, tok))
		assert.False(t, resp.Success)
		assert.Equal(t, "Invalid or missing auth token", resp.Error)
	}
	assert.Empty(t, fwd.Calls())
}

func TestHandleRejectsUnlistedCommand(t *testing.T) {
	fwd := &fakeForwarder{}
	s := NewServer(Config{Token: testToken, Forward: fwd})

	resp := s.Handle(context.Background(), line("deleteAllCookies", nil, testToken))
	assert.False(t, resp.Success)
	assert.Equal(t, "Command not allowed: deleteAllCookies", resp.Error)
	assert.Empty(t, fwd.Calls())
}

func TestHandleInvalidJSON(t *testing.T) {
	s := NewServer(Config{Token: testToken, Forward: &fakeForwarder{}})
	resp := s.Handle(context.Background(), []byte(`{"command":`))
	assert.Equal(t, protocol.Fail("Invalid JSON"), resp)
}

func TestHandleForwardsAndAudits(t *testing.T) {
	rec := &memRecorder{}
	fwd := &fakeForwarder{fn: func(command string, params json.RawMessage) (json.RawMessage, error) {
		if command == "closeTab" {
			return nil, apperr.New(apperr.CodeOwnership, "cannot close tab 5: owned by a (requested by b)", nil)
		}
		return json.RawMessage(`{"tabId":"5"}`), nil
	}}
	s := NewServer(Config{Token: testToken, Forward: fwd, Recorder: rec})

	resp := s.Handle(context.Background(), line("navigate", map[string]any{"url": "https://example.com", "ownerId": "a"}, testToken))
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"tabId":"5"}`, string(resp.Result.(json.RawMessage)))

	resp = s.Handle(context.Background(), line("closeTab", map[string]any{"tabId": "5", "ownerId": "b"}, testToken))
	assert.False(t, resp.Success)
	assert.Equal(t, "cannot close tab 5: owned by a (requested by b)", resp.Error)

	require.Len(t, rec.entries, 2)
	assert.Equal(t, "a", rec.entries[0].Owner)
	assert.True(t, rec.entries[0].Success)
	assert.Equal(t, "5", rec.entries[1].TabID)
	assert.Equal(t, apperr.CodeOwnership, rec.entries[1].Code)
}

func TestLoopCommandsStayLocal(t *testing.T) {
	fwd := &fakeForwarder{}
	s := NewServer(Config{Token: testToken, Forward: fwd})
	ctx := context.Background()

	resp := s.Handle(ctx, line("startLoop", map[string]any{"prompt": "x", "maxIterations": 20}, testToken))
	require.True(t, resp.Success, resp.Error)
	for i := 0; i < 21; i++ {
		require.True(t, s.Handle(ctx, line("incrementLoopIteration", nil, testToken)).Success)
	}
	resp = s.Handle(ctx, line("getLoopState", nil, testToken))
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"iteration":20`)
	assert.Contains(t, string(data), `"active":true`)

	resp = s.Handle(ctx, line("startLoop", map[string]any{"prompt": "y"}, testToken))
	assert.False(t, resp.Success)

	resp = s.Handle(ctx, line("startLoop", map[string]any{"prompt": "y", "maxIterations": 10001}, testToken))
	assert.False(t, resp.Success)

	resp = s.Handle(ctx, line("stopLoop", nil, testToken))
	require.True(t, resp.Success)
	data, _ = json.Marshal(resp.Result)
	assert.Contains(t, string(data), `"wasActive":true`)

	assert.Empty(t, fwd.Calls())
}

func serve(t *testing.T, s *Server) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "gw")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "g.sock")
	ln, err := netutil.ListenUnix(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return path
}

func TestConnectionAnswersEachLineInOrder(t *testing.T) {
	fwd := &fakeForwarder{fn: func(command string, _ json.RawMessage) (json.RawMessage, error) {
		if command == "getContent" {
			time.Sleep(30 * time.Millisecond)
		}
		return json.Marshal(map[string]string{"command": command})
	}}
	path := serve(t, NewServer(Config{Token: testToken, Forward: fwd}))

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	var payload []byte
	payload = append(payload, line("getContent", nil, testToken)...)
	payload = append(payload, "\nnot json\n"...)
	payload = append(payload, line("getTabs", nil, testToken)...)
	payload = append(payload, '\n')
	_, err = conn.Write(payload)
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	var got []protocol.Response
	for i := 0; i < 3; i++ {
		raw, err := r.ReadBytes('\n')
		require.NoError(t, err)
		var resp protocol.Response
		require.NoError(t, json.Unmarshal(raw, &resp))
		got = append(got, resp)
	}
	assert.True(t, got[0].Success)
	assert.Contains(t, mustJSON(t, got[0].Result), "getContent")
	assert.Equal(t, "Invalid JSON", got[1].Error)
	assert.Contains(t, mustJSON(t, got[2].Result), "getTabs")
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestOversizedInputClosesConnection(t *testing.T) {
	s := NewServer(Config{Token: testToken, Forward: &fakeForwarder{}, MaxLine: 1024})
	path := serve(t, s)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	go func() { _, _ = conn.Write([]byte(strings.Repeat("a", 4096))) }()

	r := bufio.NewReader(conn)
	raw, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "Message too large", resp.Error)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = r.ReadByte()
	assert.Error(t, err)
}

func TestOversizedInputClosesWithoutWaitingForForwards(t *testing.T) {
	fwd := &fakeForwarder{hold: 5 * time.Second}
	s := NewServer(Config{Token: testToken, Forward: fwd, MaxLine: 1024})
	path := serve(t, s)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(append(line("getTabs", nil, testToken), '\n'))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(fwd.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	go func() { _, _ = conn.Write([]byte(strings.Repeat("a", 4096))) }()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	raw, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "Message too large", resp.Error)

	_, err = r.ReadByte()
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTokenFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "token")
	tok, err := GenerateToken()
	require.NoError(t, err)
	assert.Len(t, tok, 64)

	require.NoError(t, WriteTokenFile(path, tok))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	got, err := ReadTokenFile(path)
	require.NoError(t, err)
	assert.Equal(t, tok, got)
	assert.True(t, TokenMatches(tok, got))
	assert.False(t, TokenMatches("", ""))
}
