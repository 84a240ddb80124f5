package cdpbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var errClosed = errors.New("cdp: connection closed")

// rpcError is a protocol-level error returned by the browser.
type rpcError struct {
	Method  string `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("cdp: %s: %s (%d)", e.Method, e.Message, e.Code)
}

type reply struct {
	result json.RawMessage
	err    *rpcError
}

type eventHandler struct {
	id int64
	fn func(sessionID string, params json.RawMessage)
}

// rawConn is a single browser-level CDP websocket. Page commands travel on
// flattened sessions, so one connection serves every tab.
type rawConn struct {
	httpBase string

	wmu  sync.Mutex
	conn net.Conn
	seq  atomic.Int64

	pmu     sync.Mutex
	pending map[int64]chan reply
	closed  bool

	emu      sync.RWMutex
	handlers map[string][]eventHandler

	done chan struct{}
}

func newRawConn(httpBase string) *rawConn {
	return &rawConn{
		httpBase: strings.TrimRight(httpBase, "/"),
		pending:  make(map[int64]chan reply),
		handlers: make(map[string][]eventHandler),
		done:     make(chan struct{}),
	}
}

// dial connects to the browser websocket advertised by /json/version.
func (r *rawConn) dial(ctx context.Context) error {
	wsURL, err := r.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("cdp: browser ws url: %w", err)
	}
	slog.Debug("cdp connecting", "ws_url", wsURL)
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("cdp: dial: %w", err)
	}
	r.conn = conn
	go r.readLoop()
	return nil
}

// Done is closed once the websocket has stopped reading.
func (r *rawConn) Done() <-chan struct{} { return r.done }

func (r *rawConn) close() {
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

func (r *rawConn) readLoop() {
	defer close(r.done)
	defer r.failPending()
	for {
		data, err := wsutil.ReadServerText(r.conn)
		if err != nil {
			slog.Debug("cdp read loop exit", "error", err)
			return
		}
		var msg struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
			Result    json.RawMessage `json:"result"`
			Error     *rpcError       `json:"error"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.ID > 0 {
			r.pmu.Lock()
			ch, ok := r.pending[msg.ID]
			delete(r.pending, msg.ID)
			r.pmu.Unlock()
			if ok {
				ch <- reply{result: msg.Result, err: msg.Error}
			}
			continue
		}
		if msg.Method != "" {
			r.dispatch(msg.Method, msg.SessionID, msg.Params)
		}
	}
}

func (r *rawConn) failPending() {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	r.closed = true
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

func (r *rawConn) forget(id int64) {
	r.pmu.Lock()
	delete(r.pending, id)
	r.pmu.Unlock()
}

// call sends method on sessionID (empty for the browser target) and decodes
// the result into out when out is non-nil.
func (r *rawConn) call(ctx context.Context, sessionID, method string, params, out any) error {
	id := r.seq.Add(1)
	ch := make(chan reply, 1)

	r.pmu.Lock()
	if r.closed || r.conn == nil {
		r.pmu.Unlock()
		return errClosed
	}
	r.pending[id] = ch
	r.pmu.Unlock()

	data, err := json.Marshal(struct {
		ID        int64  `json:"id"`
		Method    string `json:"method"`
		SessionID string `json:"sessionId,omitempty"`
		Params    any    `json:"params,omitempty"`
	}{ID: id, Method: method, SessionID: sessionID, Params: params})
	if err != nil {
		r.forget(id)
		return fmt.Errorf("cdp: marshal %s: %w", method, err)
	}

	r.wmu.Lock()
	err = wsutil.WriteClientText(r.conn, data)
	r.wmu.Unlock()
	if err != nil {
		r.forget(id)
		return fmt.Errorf("cdp: send %s: %w", method, err)
	}

	select {
	case rep, ok := <-ch:
		if !ok {
			return errClosed
		}
		if rep.err != nil {
			rep.err.Method = method
			return rep.err
		}
		if out != nil && len(rep.result) > 0 {
			if err := json.Unmarshal(rep.result, out); err != nil {
				return fmt.Errorf("cdp: decode %s: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		r.forget(id)
		return ctx.Err()
	}
}

// on registers fn for a CDP event method and returns an unregister func.
func (r *rawConn) on(method string, fn func(sessionID string, params json.RawMessage)) func() {
	id := r.seq.Add(1)
	r.emu.Lock()
	r.handlers[method] = append(r.handlers[method], eventHandler{id: id, fn: fn})
	r.emu.Unlock()
	return func() {
		r.emu.Lock()
		defer r.emu.Unlock()
		hs := r.handlers[method]
		for i, h := range hs {
			if h.id == id {
				r.handlers[method] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

func (r *rawConn) dispatch(method, sessionID string, params json.RawMessage) {
	r.emu.RLock()
	hs := append([]eventHandler(nil), r.handlers[method]...)
	r.emu.RUnlock()
	for _, h := range hs {
		h.fn(sessionID, params)
	}
}

// evaluate runs js in the page behind sessionID and returns the JSON value.
func (r *rawConn) evaluate(ctx context.Context, sessionID, js string) (json.RawMessage, error) {
	var resp struct {
		Result struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	params := map[string]any{"expression": js, "returnByValue": true, "awaitPromise": true}
	if err := r.call(ctx, sessionID, "Runtime.evaluate", params, &resp); err != nil {
		return nil, err
	}
	if ex := resp.ExceptionDetails; ex != nil {
		msg := ex.Text
		if ex.Exception != nil && ex.Exception.Description != "" {
			msg = ex.Exception.Description
		}
		return nil, fmt.Errorf("cdp: evaluate: %s", msg)
	}
	if len(resp.Result.Value) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Result.Value, nil
}

func (r *rawConn) mouseClick(ctx context.Context, sessionID string, x, y float64) error {
	for _, typ := range []string{"mousePressed", "mouseReleased"} {
		ev := map[string]any{"type": typ, "x": x, "y": y, "button": "left", "clickCount": 1}
		if err := r.call(ctx, sessionID, "Input.dispatchMouseEvent", ev, nil); err != nil {
			return fmt.Errorf("cdp: %s: %w", typ, err)
		}
	}
	return nil
}

func (r *rawConn) mouseWheel(ctx context.Context, sessionID string, x, y, dx, dy float64) error {
	ev := map[string]any{"type": "mouseWheel", "x": x, "y": y, "deltaX": dx, "deltaY": dy}
	return r.call(ctx, sessionID, "Input.dispatchMouseEvent", ev, nil)
}

func (r *rawConn) insertText(ctx context.Context, sessionID, text string) error {
	return r.call(ctx, sessionID, "Input.insertText", map[string]string{"text": text}, nil)
}

// keyPress sends keyDown then keyUp. modifiers is the CDP bitmask:
// 1=Alt, 2=Ctrl, 4=Meta, 8=Shift.
func (r *rawConn) keyPress(ctx context.Context, sessionID string, k keyDef, modifiers int) error {
	down := map[string]any{
		"type": "keyDown", "key": k.Key, "code": k.Code,
		"windowsVirtualKeyCode": k.KeyCode, "modifiers": modifiers,
	}
	if k.Text != "" && modifiers&^8 == 0 {
		down["text"] = k.Text
	}
	if err := r.call(ctx, sessionID, "Input.dispatchKeyEvent", down, nil); err != nil {
		return fmt.Errorf("cdp: keyDown: %w", err)
	}
	up := map[string]any{
		"type": "keyUp", "key": k.Key, "code": k.Code,
		"windowsVirtualKeyCode": k.KeyCode, "modifiers": modifiers,
	}
	if err := r.call(ctx, sessionID, "Input.dispatchKeyEvent", up, nil); err != nil {
		return fmt.Errorf("cdp: keyUp: %w", err)
	}
	return nil
}

// captureScreenshot returns the base64 image of the visible surface.
func (r *rawConn) captureScreenshot(ctx context.Context, sessionID, format string, quality int) (string, error) {
	params := map[string]any{"format": format, "fromSurface": true}
	if format == "jpeg" && quality > 0 {
		params["quality"] = quality
	}
	var resp struct {
		Data string `json:"data"`
	}
	if err := r.call(ctx, sessionID, "Page.captureScreenshot", params, &resp); err != nil {
		return "", fmt.Errorf("cdp: captureScreenshot: %w", err)
	}
	return resp.Data, nil
}

func (r *rawConn) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("/json/version: HTTP %d", resp.StatusCode)
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", errors.New("empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}
