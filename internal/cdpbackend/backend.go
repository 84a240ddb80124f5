// Package cdpbackend drives a Chromium instance over the DevTools protocol:
// window and tab lifecycle, visible-surface capture, render probes and the
// page operations used by the executor.
package cdpbackend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/tabhub/internal/apperr"
	"github.com/dgnsrekt/tabhub/internal/devtools"
	"github.com/dgnsrekt/tabhub/internal/readiness"
)

const DefaultDOMTimeout = 10 * time.Second

type Options struct {
	// CDPURL is the browser's HTTP debugging endpoint, e.g. http://127.0.0.1:9220.
	CDPURL     string
	Tracker    *devtools.Tracker
	DOMTimeout time.Duration
	// OnTabClosed is called from its own goroutine when a tracked tab
	// disappears without going through CloseTab.
	OnTabClosed func(tabID string)
}

type tab struct {
	id        string
	windowID  string
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
}

// Backend owns one browser-level CDP connection plus a chromedp context per
// tracked tab.
type Backend struct {
	opts Options
	raw  *rawConn

	allocCtx    context.Context
	allocCancel context.CancelFunc

	mu       sync.Mutex
	tabs     map[string]*tab
	sessions map[string]string
}

// Connect dials the browser and subscribes to target lifecycle events.
func Connect(ctx context.Context, opts Options) (*Backend, error) {
	if opts.DOMTimeout <= 0 {
		opts.DOMTimeout = DefaultDOMTimeout
	}
	if opts.Tracker == nil {
		opts.Tracker = devtools.NewTracker(devtools.Options{})
	}
	b := newBackend(opts, newRawConn(opts.CDPURL))
	if err := b.raw.dial(ctx); err != nil {
		return nil, apperr.New(apperr.CodeBrowserUnavailable, "browser not reachable", err)
	}
	b.allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(context.Background(), opts.CDPURL)

	b.raw.on("Target.targetDestroyed", b.onTargetDestroyed)
	if err := b.raw.call(ctx, "", "Target.setDiscoverTargets", map[string]bool{"discover": true}, nil); err != nil {
		b.Close()
		return nil, fmt.Errorf("discover targets: %w", err)
	}
	slog.Info("cdp backend connected", "url", opts.CDPURL)
	return b, nil
}

func newBackend(opts Options, raw *rawConn) *Backend {
	return &Backend{
		opts:     opts,
		raw:      raw,
		tabs:     make(map[string]*tab),
		sessions: make(map[string]string),
	}
}

// Done is closed when the browser connection drops.
func (b *Backend) Done() <-chan struct{} { return b.raw.Done() }

func (b *Backend) Close() {
	b.mu.Lock()
	tabs := b.tabs
	b.tabs = make(map[string]*tab)
	b.sessions = make(map[string]string)
	b.mu.Unlock()
	for _, t := range tabs {
		if t.cancel != nil {
			t.cancel()
		}
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.raw.close()
}

func (b *Backend) onTargetDestroyed(_ string, params json.RawMessage) {
	var ev struct {
		TargetID target.ID `json:"targetId"`
	}
	if json.Unmarshal(params, &ev) != nil {
		return
	}
	id := string(ev.TargetID)
	if !b.drop(id) {
		return
	}
	slog.Info("cdp tab destroyed externally", "tab_id", id)
	if b.opts.OnTabClosed != nil {
		// The pool lock may be held by a caller waiting on this read loop.
		go b.opts.OnTabClosed(id)
	}
}

// drop forgets a tab and reports whether it was tracked.
func (b *Backend) drop(tabID string) bool {
	b.mu.Lock()
	t, ok := b.tabs[tabID]
	if ok {
		delete(b.tabs, tabID)
		delete(b.sessions, t.sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	if t.cancel != nil {
		t.cancel()
	}
	b.opts.Tracker.ForgetTab(tabID)
	return true
}

func (b *Backend) lookup(tabID string) (*tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tabs[tabID]
	if !ok {
		return nil, apperr.Errorf(apperr.CodeTabNotFound, "Tab %s not found", tabID)
	}
	return t, nil
}

func (b *Backend) tracked() []*tab {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*tab, 0, len(b.tabs))
	for _, t := range b.tabs {
		out = append(out, t)
	}
	return out
}

// attach opens a flat raw session and a chromedp context on the target and
// starts feeding its network and console events to the tracker.
func (b *Backend) attach(ctx context.Context, tabID, windowID string) error {
	var res struct {
		SessionID string `json:"sessionId"`
	}
	err := b.raw.call(ctx, "", "Target.attachToTarget", map[string]any{"targetId": tabID, "flatten": true}, &res)
	if err != nil {
		return fmt.Errorf("attach %s: %w", tabID, err)
	}

	tabCtx, cancel := chromedp.NewContext(b.allocCtx, chromedp.WithTargetID(target.ID(tabID)))
	if err := chromedp.Run(tabCtx, enableDomains()...); err != nil {
		cancel()
		return fmt.Errorf("enable domains on %s: %w", tabID, err)
	}
	chromedp.ListenTarget(tabCtx, b.eventHandler(tabID))

	b.mu.Lock()
	b.tabs[tabID] = &tab{id: tabID, windowID: windowID, sessionID: res.SessionID, ctx: tabCtx, cancel: cancel}
	b.sessions[res.SessionID] = tabID
	b.mu.Unlock()
	slog.Debug("cdp attached tab", "tab_id", tabID, "window_id", windowID)
	return nil
}

func (b *Backend) windowFor(ctx context.Context, tabID string) (string, error) {
	var res struct {
		WindowID browser.WindowID `json:"windowId"`
	}
	if err := b.raw.call(ctx, "", "Browser.getWindowForTarget", map[string]string{"targetId": tabID}, &res); err != nil {
		return "", err
	}
	return strconv.FormatInt(int64(res.WindowID), 10), nil
}

func (b *Backend) createTarget(ctx context.Context, url string, newWindow bool) (string, error) {
	if url == "" {
		url = "about:blank"
	}
	var res struct {
		TargetID target.ID `json:"targetId"`
	}
	params := map[string]any{"url": url, "newWindow": newWindow}
	if err := b.raw.call(ctx, "", "Target.createTarget", params, &res); err != nil {
		return "", apperr.New(apperr.CodeBrowserUnavailable, "could not create tab", err)
	}
	return string(res.TargetID), nil
}

func (b *Backend) CreateWindow(ctx context.Context, url string) (string, string, error) {
	tabID, err := b.createTarget(ctx, url, true)
	if err != nil {
		return "", "", err
	}
	windowID, err := b.windowFor(ctx, tabID)
	if err != nil {
		_ = b.closeTarget(ctx, tabID)
		return "", "", apperr.New(apperr.CodeBrowserUnavailable, "could not resolve window", err)
	}
	if err := b.attach(ctx, tabID, windowID); err != nil {
		_ = b.closeTarget(ctx, tabID)
		return "", "", apperr.New(apperr.CodeBrowserUnavailable, "could not attach to tab", err)
	}
	return windowID, tabID, nil
}

func (b *Backend) CreateTab(ctx context.Context, windowID, url string) (string, error) {
	// New targets open in the focused window; bring ours forward first.
	for _, t := range b.tracked() {
		if t.windowID == windowID {
			_ = b.raw.call(ctx, "", "Target.activateTarget", map[string]string{"targetId": t.id}, nil)
			break
		}
	}
	tabID, err := b.createTarget(ctx, url, false)
	if err != nil {
		return "", err
	}
	if got, err := b.windowFor(ctx, tabID); err == nil && got != windowID {
		slog.Warn("cdp tab opened outside the session window", "tab_id", tabID, "window_id", got, "want", windowID)
	}
	if err := b.attach(ctx, tabID, windowID); err != nil {
		_ = b.closeTarget(ctx, tabID)
		return "", apperr.New(apperr.CodeBrowserUnavailable, "could not attach to tab", err)
	}
	return tabID, nil
}

func (b *Backend) closeTarget(ctx context.Context, tabID string) error {
	err := b.raw.call(ctx, "", "Target.closeTarget", map[string]string{"targetId": tabID}, nil)
	var rpc *rpcError
	if errors.As(err, &rpc) {
		// Already gone.
		slog.Debug("cdp close on missing target", "tab_id", tabID, "error", rpc.Message)
		return nil
	}
	return err
}

func (b *Backend) CloseTab(ctx context.Context, tabID string) error {
	if err := b.closeTarget(ctx, tabID); err != nil {
		return apperr.New(apperr.CodeBrowserUnavailable, "could not close tab", err)
	}
	b.drop(tabID)
	return nil
}

func (b *Backend) CloseWindow(ctx context.Context, windowID string) error {
	var res struct {
		TargetInfos []struct {
			TargetID target.ID `json:"targetId"`
			Type     string    `json:"type"`
		} `json:"targetInfos"`
	}
	if err := b.raw.call(ctx, "", "Target.getTargets", nil, &res); err != nil {
		return apperr.New(apperr.CodeBrowserUnavailable, "could not list targets", err)
	}
	for _, info := range res.TargetInfos {
		if info.Type != "page" {
			continue
		}
		id := string(info.TargetID)
		if w, err := b.windowFor(ctx, id); err != nil || w != windowID {
			continue
		}
		if err := b.CloseTab(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) WindowExists(ctx context.Context, windowID string) (bool, error) {
	id, err := strconv.ParseInt(windowID, 10, 64)
	if err != nil {
		return false, nil
	}
	err = b.raw.call(ctx, "", "Browser.getWindowBounds", map[string]int64{"windowId": id}, nil)
	var rpc *rpcError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &rpc):
		return false, nil
	default:
		return false, err
	}
}

func (b *Backend) visibility(ctx context.Context, t *tab) (string, error) {
	raw, err := b.raw.evaluate(ctx, t.sessionID, "document.visibilityState")
	if err != nil {
		return "", err
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s, nil
}

// VisibleTab returns the tracked tab whose document is currently visible.
func (b *Backend) VisibleTab(ctx context.Context) (string, error) {
	for _, t := range b.tracked() {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		state, err := b.visibility(probeCtx, t)
		cancel()
		if err != nil {
			slog.Debug("cdp visibility probe failed", "tab_id", t.id, "error", err)
			continue
		}
		if state == "visible" {
			return t.id, nil
		}
	}
	return "", nil
}

// ActivateTab brings tabID to the front and waits briefly for it to report visible.
func (b *Backend) ActivateTab(ctx context.Context, tabID string) error {
	t, err := b.lookup(tabID)
	if err != nil {
		return err
	}
	if err := b.raw.call(ctx, "", "Target.activateTarget", map[string]string{"targetId": tabID}, nil); err != nil {
		return apperr.New(apperr.CodeBrowserUnavailable, "could not activate tab", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if state, err := b.visibility(ctx, t); err == nil && state == "visible" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

func (b *Backend) CaptureVisible(ctx context.Context, tabID, format string, quality int) ([]byte, error) {
	t, err := b.lookup(tabID)
	if err != nil {
		return nil, err
	}
	encoded, err := b.raw.captureScreenshot(ctx, t.sessionID, format, quality)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return data, nil
}

func (b *Backend) Outstanding(tabID string) readiness.Activity {
	return b.opts.Tracker.Outstanding(tabID)
}

const renderProbe = `new Promise(function (resolve) {
	requestAnimationFrame(function () {
		requestAnimationFrame(function () { resolve(document.readyState === "complete"); });
	});
})`

// RenderSettled waits two animation frames. Background tabs never paint, so a
// probe that outlives timeout reports false without an error.
func (b *Backend) RenderSettled(ctx context.Context, tabID string, timeout time.Duration) (bool, error) {
	t, err := b.lookup(tabID)
	if err != nil {
		return false, err
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	raw, err := b.raw.evaluate(probeCtx, t.sessionID, renderProbe)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return false, nil
		}
		return false, err
	}
	var settled bool
	_ = json.Unmarshal(raw, &settled)
	return settled, nil
}
