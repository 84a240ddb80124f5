package coordinator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgnsrekt/tabhub/internal/apperr"
	"github.com/dgnsrekt/tabhub/internal/capture"
	"github.com/dgnsrekt/tabhub/internal/pool"
	"github.com/dgnsrekt/tabhub/internal/protocol"
	"github.com/dgnsrekt/tabhub/internal/readiness"
	"github.com/dgnsrekt/tabhub/internal/snapshot"
	"github.com/dgnsrekt/tabhub/internal/version"
)

const (
	maxContentBytes = 2 << 20
	defaultLogLimit = 100
	maxLogLimit     = 500
	maxWaitForMs    = 25000
)

// target is embedded by every command that may address a tab.
type target struct {
	TabID   string `json:"tabId"`
	OwnerID string `json:"ownerId"`
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return apperr.New(apperr.CodeValidation, "Invalid params: "+err.Error(), err)
	}
	return nil
}

// resolveTab returns the tab a command acts on. An explicit tab id is
// ownership-checked; otherwise the active tab is used as is.
func (c *Coordinator) resolveTab(t target, operation string) (string, error) {
	if t.TabID != "" {
		entry, err := c.pool.Authorize(t.TabID, t.OwnerID, operation)
		if err != nil {
			return "", err
		}
		return entry.TabID, nil
	}
	entry, err := c.pool.ActiveTab()
	if err != nil {
		return "", err
	}
	return entry.TabID, nil
}

func requireSelector(sel string) error {
	if strings.TrimSpace(sel) == "" {
		return apperr.New(apperr.CodeValidation, "selector is required", nil)
	}
	return nil
}

// Dispatch runs one forwarded command.
func (c *Coordinator) Dispatch(ctx context.Context, command string, params json.RawMessage) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()

	switch command {
	case protocol.CmdPing:
		return map[string]any{"pong": true, "time": time.Now().UTC()}, nil
	case protocol.CmdVersion:
		return version.Get(), nil
	case protocol.CmdCreateWindow:
		return c.createWindow(ctx, params)
	case protocol.CmdCloseWindow:
		return c.closeWindow(ctx, params)
	case protocol.CmdCloseTab:
		return c.closeTab(ctx, params)
	case protocol.CmdGetTabs:
		return c.getTabs(), nil
	case protocol.CmdGetWindows:
		return c.getWindows(ctx)
	case protocol.CmdResizeWindow:
		return c.resizeWindow(ctx, params)
	case protocol.CmdSetViewport:
		return c.setViewport(ctx, params)
	case protocol.CmdNavigate:
		return c.navigate(ctx, params)
	case protocol.CmdCanNavigate:
		return c.canNavigate(params)
	case protocol.CmdScreenshot:
		return c.screenshot(ctx, params)
	case protocol.CmdGetConsoleLogs:
		return c.consoleLogs(params)
	case protocol.CmdGetNetworkRequests:
		return c.networkRequests(params)
	}
	if fn, ok := c.contentOps()[command]; ok {
		return fn(ctx, params)
	}
	return nil, apperr.Errorf(apperr.CodeCommandNotAllowed, "Command not allowed: %s", command)
}

type createWindowParams struct {
	URL     string `json:"url"`
	OwnerID string `json:"ownerId"`
}

func (c *Coordinator) createWindow(ctx context.Context, params json.RawMessage) (any, error) {
	var p createWindowParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := c.pool.Validate(ctx); err != nil && apperr.CodeOf(err) != apperr.CodeNoSession && apperr.CodeOf(err) != apperr.CodeSessionExpired {
		return nil, err
	}
	if sess, ok := c.pool.Snapshot(); ok {
		return map[string]any{"windowId": sess.WindowID, "created": false, "tabs": sess.Tabs, "activeTabId": sess.ActiveTabID}, nil
	}
	url := p.URL
	if url == "" {
		url = c.defaultURL
	} else if v := CheckURL(url); !v.Allowed {
		return nil, apperr.New(apperr.CodeValidation, v.Reason, nil)
	}
	res, err := c.pool.CreateTab(ctx, url, p.OwnerID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"windowId": res.WindowID, "tabId": res.TabID, "created": true}, nil
}

func (c *Coordinator) closeWindow(ctx context.Context, params json.RawMessage) (any, error) {
	var p target
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := c.pool.CloseWindow(ctx, p.OwnerID); err != nil {
		return nil, err
	}
	return map[string]any{"closed": true}, nil
}

func (c *Coordinator) closeTab(ctx context.Context, params json.RawMessage) (any, error) {
	var p target
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.TabID == "" {
		return nil, apperr.New(apperr.CodeValidation, "tabId is required", nil)
	}
	if err := c.pool.CloseTab(ctx, p.TabID, p.OwnerID); err != nil {
		return nil, err
	}
	return map[string]any{"closed": true, "tabId": p.TabID}, nil
}

type tabsResult struct {
	WindowID    string              `json:"windowId,omitempty"`
	ActiveTabID string              `json:"activeTabId,omitempty"`
	Tabs        []pool.TabEntry     `json:"tabs"`
	MaxTabs     int                 `json:"maxTabs"`
	Policy      pool.EvictionPolicy `json:"evictionPolicy"`
}

func (c *Coordinator) getTabs() tabsResult {
	out := tabsResult{Tabs: []pool.TabEntry{}, MaxTabs: c.pool.MaxTabs(), Policy: c.pool.Policy()}
	if sess, ok := c.pool.Snapshot(); ok {
		out.WindowID = sess.WindowID
		out.ActiveTabID = sess.ActiveTabID
		out.Tabs = sess.Tabs
	}
	return out
}

func (c *Coordinator) getWindows(ctx context.Context) (any, error) {
	wins, err := c.browser.Windows(ctx)
	if err != nil {
		return nil, err
	}
	if wins == nil {
		wins = []Window{}
	}
	return map[string]any{"windows": wins}, nil
}

type sizeParams struct {
	target
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	DeviceScaleFactor float64 `json:"deviceScaleFactor"`
	Mobile            bool    `json:"mobile"`
}

func validSize(w, h int) error {
	if w < 100 || h < 100 || w > 10000 || h > 10000 {
		return apperr.Errorf(apperr.CodeValidation, "width and height must be between 100 and 10000, got %dx%d", w, h)
	}
	return nil
}

func (c *Coordinator) resizeWindow(ctx context.Context, params json.RawMessage) (any, error) {
	var p sizeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := validSize(p.Width, p.Height); err != nil {
		return nil, err
	}
	sess, ok := c.pool.Snapshot()
	if !ok {
		return nil, apperr.New(apperr.CodeNoSession, "No active session; create a window first", nil)
	}
	if err := c.browser.ResizeWindow(ctx, sess.WindowID, p.Width, p.Height); err != nil {
		return nil, err
	}
	return map[string]any{"windowId": sess.WindowID, "width": p.Width, "height": p.Height}, nil
}

func (c *Coordinator) setViewport(ctx context.Context, params json.RawMessage) (any, error) {
	var p sizeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	reset := p.Width == 0 && p.Height == 0
	if !reset {
		if err := validSize(p.Width, p.Height); err != nil {
			return nil, err
		}
	}
	if p.DeviceScaleFactor < 0 || p.DeviceScaleFactor > 4 {
		return nil, apperr.New(apperr.CodeValidation, "deviceScaleFactor must be between 0 and 4", nil)
	}
	tabID, err := c.resolveTab(p.target, "setViewport")
	if err != nil {
		return nil, err
	}
	if err := c.browser.SetViewport(ctx, tabID, p.Width, p.Height, p.DeviceScaleFactor, p.Mobile); err != nil {
		return nil, err
	}
	return map[string]any{"tabId": tabID, "width": p.Width, "height": p.Height, "reset": reset}, nil
}

type navigateParams struct {
	target
	URL         string `json:"url"`
	NewTab      bool   `json:"newTab"`
	WaitForLoad *bool  `json:"waitForLoad"`
	MaxWaitMs   int    `json:"maxWaitMs"`
}

// navigate loads url in the addressed tab, the active tab, or a new tab when
// there is no session or newTab is set.
func (c *Coordinator) navigate(ctx context.Context, params json.RawMessage) (any, error) {
	var p navigateParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if v := CheckURL(p.URL); !v.Allowed {
		return nil, apperr.New(apperr.CodeValidation, v.Reason, nil)
	}

	out := map[string]any{"url": p.URL}
	var tabID string
	_, hasSession := c.pool.Snapshot()
	if p.TabID == "" && (p.NewTab || !hasSession) {
		res, err := c.pool.CreateTab(ctx, p.URL, p.OwnerID)
		if err != nil {
			return nil, err
		}
		tabID = res.TabID
		out["created"] = true
		if res.Evicted {
			out["closedOldestTab"] = res.EvictedTabID
		}
	} else {
		var err error
		if tabID, err = c.resolveTab(p.target, "navigate"); err != nil {
			return nil, err
		}
		if err := c.browser.Navigate(ctx, tabID, p.URL); err != nil {
			return nil, err
		}
	}
	out["tabId"] = tabID

	if p.WaitForLoad == nil || *p.WaitForLoad {
		opts := readiness.Options{SkipVisual: true}
		if p.MaxWaitMs > 0 {
			opts.MaxWait = time.Duration(p.MaxWaitMs) * time.Millisecond
		}
		res := c.detector.Wait(ctx, tabID, opts)
		out["readiness"] = res
	}
	if st, err := c.browser.PageState(ctx, tabID); err == nil {
		out["title"] = st.Title
		out["url"] = st.URL
	}
	return out, nil
}

func (c *Coordinator) canNavigate(params json.RawMessage) (any, error) {
	var p struct {
		URL     string `json:"url"`
		OwnerID string `json:"ownerId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	v := CheckURL(p.URL)
	out := map[string]any{"url": p.URL, "allowed": v.Allowed, "reason": v.Reason}
	sess, ok := c.pool.Snapshot()
	out["tabCount"] = 0
	if ok {
		out["tabCount"] = len(sess.Tabs)
	}
	out["maxTabs"] = c.pool.MaxTabs()
	evict, err := c.pool.WouldEvict(p.OwnerID)
	out["wouldEvict"] = evict
	if err != nil {
		out["code"] = apperr.CodeOf(err)
		if v.Allowed {
			out["allowed"] = false
			out["reason"] = err.Error()
		}
	}
	return out, nil
}

type screenshotParams struct {
	target
	Format        string  `json:"format"`
	Quality       int     `json:"quality"`
	Scale         float64 `json:"scale"`
	SkipReadiness bool    `json:"skipReadiness"`
	SkipVisual    bool    `json:"skipVisual"`
	MaxWaitMs     int     `json:"maxWaitMs"`
	Save          bool    `json:"save"`
	Notes         string  `json:"notes"`
}

func (c *Coordinator) screenshot(ctx context.Context, params json.RawMessage) (any, error) {
	var p screenshotParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.TabID != "" {
		if _, err := c.pool.Authorize(p.TabID, p.OwnerID, "screenshot"); err != nil {
			return nil, err
		}
	}
	ticket := capture.Ticket{
		TabID:         p.TabID,
		Format:        p.Format,
		Quality:       p.Quality,
		Scale:         p.Scale,
		SkipReadiness: p.SkipReadiness,
		Readiness:     readiness.Options{SkipVisual: p.SkipVisual},
	}
	if p.MaxWaitMs > 0 {
		ticket.Readiness.MaxWait = time.Duration(p.MaxWaitMs) * time.Millisecond
	}
	res, err := c.capture.Capture(ctx, ticket)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"tabId":    res.TabID,
		"format":   res.Format,
		"mimeType": "image/" + res.Format,
		"data":     base64.StdEncoding.EncodeToString(res.Data),
		"width":    res.Width,
		"height":   res.Height,
		"switched": res.Switched,
	}
	if res.Readiness != nil {
		out["readiness"] = res.Readiness
	}
	if p.Save {
		meta, err := c.saveSnapshot(ctx, p, res)
		if err != nil {
			return nil, err
		}
		out["snapshotId"] = meta.ID
	}
	return out, nil
}

func (c *Coordinator) saveSnapshot(ctx context.Context, p screenshotParams, res capture.Result) (snapshot.Meta, error) {
	if c.snapshots == nil {
		return snapshot.Meta{}, apperr.New(apperr.CodeValidation, "snapshot storage is not configured", nil)
	}
	meta := snapshot.Meta{
		TabID:     res.TabID,
		Owner:     p.OwnerID,
		Format:    res.Format,
		Width:     res.Width,
		Height:    res.Height,
		Notes:     p.Notes,
		CreatedAt: time.Now().UTC(),
	}
	if res.Readiness != nil {
		meta.ReadyWaitMs = res.Readiness.TotalWaitMs
		meta.TimedOut = res.Readiness.TimedOut
	}
	if st, err := c.browser.PageState(ctx, res.TabID); err == nil {
		meta.URL = st.URL
		meta.Title = st.Title
	} else {
		slog.Debug("coordinator snapshot page state unavailable", "tab_id", res.TabID, "error", err)
	}
	saved, err := c.snapshots.Save(meta, res.Data)
	if err != nil {
		return snapshot.Meta{}, fmt.Errorf("save snapshot: %w", err)
	}
	return saved, nil
}

type logParams struct {
	target
	Limit      int    `json:"limit"`
	Level      string `json:"level"`
	Type       string `json:"type"`
	FailedOnly bool   `json:"failedOnly"`
}

func (p logParams) limit() int {
	switch {
	case p.Limit <= 0:
		return defaultLogLimit
	case p.Limit > maxLogLimit:
		return maxLogLimit
	default:
		return p.Limit
	}
}

func (c *Coordinator) consoleLogs(params json.RawMessage) (any, error) {
	var p logParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	tabID, err := c.resolveTab(p.target, "getConsoleLogs")
	if err != nil {
		return nil, err
	}
	logs := c.tracker.ConsoleLogs(tabID, maxLogLimit)
	if p.Level != "" {
		kept := logs[:0]
		for _, l := range logs {
			if strings.EqualFold(l.Level, p.Level) {
				kept = append(kept, l)
			}
		}
		logs = kept
	}
	if n := p.limit(); len(logs) > n {
		logs = logs[len(logs)-n:]
	}
	return map[string]any{"tabId": tabID, "logs": logs, "count": len(logs)}, nil
}

func (c *Coordinator) networkRequests(params json.RawMessage) (any, error) {
	var p logParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	tabID, err := c.resolveTab(p.target, "getNetworkRequests")
	if err != nil {
		return nil, err
	}
	reqs := c.tracker.NetworkRequests(tabID, maxLogLimit)
	if p.Type != "" || p.FailedOnly {
		kept := reqs[:0]
		for _, r := range reqs {
			if p.Type != "" && !strings.EqualFold(r.Type, p.Type) {
				continue
			}
			if p.FailedOnly && !r.Failed && r.Status < 400 {
				continue
			}
			kept = append(kept, r)
		}
		reqs = kept
	}
	if n := p.limit(); len(reqs) > n {
		reqs = reqs[len(reqs)-n:]
	}
	act := c.tracker.Outstanding(tabID)
	return map[string]any{
		"tabId":    tabID,
		"requests": reqs,
		"count":    len(reqs),
		"inFlight": map[string]int{"critical": act.Critical, "visual": act.Visual},
	}, nil
}
