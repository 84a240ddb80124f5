package cdpbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/tabhub/internal/apperr"
	"github.com/dgnsrekt/tabhub/internal/coordinator"
)

// run executes chromedp actions in the tab's context, bounded by timeout and
// by the caller's ctx.
func (b *Backend) run(ctx context.Context, tabID string, timeout time.Duration, actions ...chromedp.Action) error {
	t, err := b.lookup(tabID)
	if err != nil {
		return err
	}
	if t.ctx == nil {
		return apperr.Errorf(apperr.CodeBrowserUnavailable, "tab %s has no page context", tabID)
	}
	if timeout <= 0 {
		timeout = b.opts.DOMTimeout
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	runCtx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return apperr.New(apperr.CodeTimeout, fmt.Sprintf("timed out after %s", timeout), err)
		}
		return err
	}
	return nil
}

func (b *Backend) evaluate(ctx context.Context, tabID, js string) (json.RawMessage, error) {
	t, err := b.lookup(tabID)
	if err != nil {
		return nil, err
	}
	return b.raw.evaluate(ctx, t.sessionID, js)
}

func (b *Backend) evaluateString(ctx context.Context, tabID, js string) (string, error) {
	raw, err := b.evaluate(ctx, tabID, js)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("expected string result: %w", err)
	}
	return s, nil
}

func (b *Backend) Navigate(ctx context.Context, tabID, url string) error {
	t, err := b.lookup(tabID)
	if err != nil {
		return err
	}
	b.opts.Tracker.ResetPending(tabID)
	var res struct {
		FrameID   string `json:"frameId"`
		ErrorText string `json:"errorText"`
	}
	if err := b.raw.call(ctx, t.sessionID, "Page.navigate", map[string]string{"url": url}, &res); err != nil {
		return err
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigation failed: %s", res.ErrorText)
	}
	return nil
}

const pageStateJS = `({
	url: location.href,
	title: document.title,
	readyState: document.readyState,
	scrollX: window.scrollX,
	scrollY: window.scrollY,
	viewportWidth: window.innerWidth,
	viewportHeight: window.innerHeight,
	documentHeight: document.documentElement ? document.documentElement.scrollHeight : 0
})`

func (b *Backend) PageState(ctx context.Context, tabID string) (coordinator.PageState, error) {
	var st coordinator.PageState
	raw, err := b.evaluate(ctx, tabID, pageStateJS)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("decode page state: %w", err)
	}
	return st, nil
}

func (b *Backend) Text(ctx context.Context, tabID, selector string) (string, error) {
	if selector == "" {
		return b.evaluateString(ctx, tabID, `document.body ? document.body.innerText : ""`)
	}
	var s string
	err := b.run(ctx, tabID, 0, chromedp.Text(selector, &s, chromedp.ByQuery, chromedp.NodeReady))
	return s, err
}

func (b *Backend) HTML(ctx context.Context, tabID, selector string) (string, error) {
	if selector == "" {
		return b.evaluateString(ctx, tabID, `document.documentElement ? document.documentElement.outerHTML : ""`)
	}
	var s string
	err := b.run(ctx, tabID, 0, chromedp.OuterHTML(selector, &s, chromedp.ByQuery, chromedp.NodeReady))
	return s, err
}

func (b *Backend) Click(ctx context.Context, tabID, selector string) error {
	return b.run(ctx, tabID, 0, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (b *Backend) ClickAt(ctx context.Context, tabID string, x, y float64) error {
	t, err := b.lookup(tabID)
	if err != nil {
		return err
	}
	return b.raw.mouseClick(ctx, t.sessionID, x, y)
}

func (b *Backend) Type(ctx context.Context, tabID, selector, text string, clear bool) error {
	if selector == "" {
		t, err := b.lookup(tabID)
		if err != nil {
			return err
		}
		return b.raw.insertText(ctx, t.sessionID, text)
	}
	actions := []chromedp.Action{chromedp.WaitVisible(selector, chromedp.ByQuery)}
	if clear {
		actions = append(actions, chromedp.SetValue(selector, "", chromedp.ByQuery))
	}
	actions = append(actions, chromedp.SendKeys(selector, text, chromedp.ByQuery))
	return b.run(ctx, tabID, 0, actions...)
}

func (b *Backend) PressKey(ctx context.Context, tabID, key string, modifiers []string) error {
	t, err := b.lookup(tabID)
	if err != nil {
		return err
	}
	k, err := lookupKey(key)
	if err != nil {
		return apperr.New(apperr.CodeValidation, err.Error(), nil)
	}
	mask, err := modifierMask(modifiers)
	if err != nil {
		return apperr.New(apperr.CodeValidation, err.Error(), nil)
	}
	return b.raw.keyPress(ctx, t.sessionID, k, mask)
}

func (b *Backend) Scroll(ctx context.Context, tabID, selector string, dx, dy float64) (coordinator.ScrollPosition, error) {
	var pos coordinator.ScrollPosition
	if selector != "" {
		if err := b.run(ctx, tabID, 0, chromedp.ScrollIntoView(selector, chromedp.ByQuery)); err != nil {
			return pos, err
		}
	}
	js := fmt.Sprintf(`(function () {
	window.scrollBy(%s, %s);
	return { scrollX: window.scrollX, scrollY: window.scrollY };
})()`, strconv.FormatFloat(dx, 'f', -1, 64), strconv.FormatFloat(dy, 'f', -1, 64))
	raw, err := b.evaluate(ctx, tabID, js)
	if err != nil {
		return pos, err
	}
	err = json.Unmarshal(raw, &pos)
	return pos, err
}

func (b *Backend) WaitFor(ctx context.Context, tabID, selector string, visible bool, timeout time.Duration) error {
	action := chromedp.WaitReady(selector, chromedp.ByQuery)
	if visible {
		action = chromedp.WaitVisible(selector, chromedp.ByQuery)
	}
	return b.run(ctx, tabID, timeout, action)
}

func (b *Backend) Evaluate(ctx context.Context, tabID, expression string) (json.RawMessage, error) {
	return b.evaluate(ctx, tabID, expression)
}

const elementInfoJS = `(function (sel) {
	var el = document.querySelector(sel);
	if (!el) return null;
	var r = el.getBoundingClientRect();
	var cs = window.getComputedStyle(el);
	var attrs = {};
	for (var i = 0; i < el.attributes.length; i++) attrs[el.attributes[i].name] = el.attributes[i].value;
	return {
		tagName: el.tagName.toLowerCase(),
		id: el.id || "",
		classes: Array.prototype.slice.call(el.classList),
		text: (el.innerText || "").slice(0, 2000),
		attributes: attrs,
		rect: { x: r.x, y: r.y, width: r.width, height: r.height },
		visible: r.width > 0 && r.height > 0 && cs.visibility !== "hidden" && cs.display !== "none",
		value: "value" in el ? String(el.value) : undefined
	};
})(%s)`

func (b *Backend) ElementInfo(ctx context.Context, tabID, selector string) (json.RawMessage, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return nil, err
	}
	raw, err := b.evaluate(ctx, tabID, fmt.Sprintf(elementInfoJS, quoted))
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, apperr.Errorf(apperr.CodeValidation, "No element matches selector %s", selector)
	}
	return raw, nil
}

type axValue struct {
	Value json.RawMessage `json:"value"`
}

type axNode struct {
	NodeID   string   `json:"nodeId"`
	Ignored  bool     `json:"ignored"`
	Role     *axValue `json:"role"`
	Name     *axValue `json:"name"`
	Value    *axValue `json:"value"`
	ChildIDs []string `json:"childIds"`
}

type axSummary struct {
	ID       string          `json:"id"`
	Role     json.RawMessage `json:"role,omitempty"`
	Name     json.RawMessage `json:"name,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Children []string        `json:"children,omitempty"`
}

const maxAXNodes = 5000

func (b *Backend) AccessibilityTree(ctx context.Context, tabID string, interestingOnly bool) (json.RawMessage, error) {
	t, err := b.lookup(tabID)
	if err != nil {
		return nil, err
	}
	var res struct {
		Nodes []axNode `json:"nodes"`
	}
	if err := b.raw.call(ctx, t.sessionID, "Accessibility.getFullAXTree", nil, &res); err != nil {
		return nil, err
	}
	return json.Marshal(summarizeAX(res.Nodes, interestingOnly))
}

func summarizeAX(nodes []axNode, interestingOnly bool) map[string]any {
	val := func(v *axValue) json.RawMessage {
		if v == nil || len(v.Value) == 0 || string(v.Value) == `""` {
			return nil
		}
		return v.Value
	}
	out := make([]axSummary, 0, min(len(nodes), maxAXNodes))
	for _, n := range nodes {
		if interestingOnly && (n.Ignored || (val(n.Name) == nil && val(n.Value) == nil && len(n.ChildIDs) == 0)) {
			continue
		}
		if len(out) == maxAXNodes {
			break
		}
		out = append(out, axSummary{ID: n.NodeID, Role: val(n.Role), Name: val(n.Name), Value: val(n.Value), Children: n.ChildIDs})
	}
	return map[string]any{"nodes": out, "total": len(nodes), "truncated": len(out) == maxAXNodes}
}

func (b *Backend) Windows(ctx context.Context) ([]coordinator.Window, error) {
	counts := make(map[string]int)
	var order []string
	for _, t := range b.tracked() {
		if counts[t.windowID] == 0 {
			order = append(order, t.windowID)
		}
		counts[t.windowID]++
	}
	out := make([]coordinator.Window, 0, len(order))
	for _, id := range order {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		var res struct {
			Bounds struct {
				Left        int    `json:"left"`
				Top         int    `json:"top"`
				Width       int    `json:"width"`
				Height      int    `json:"height"`
				WindowState string `json:"windowState"`
			} `json:"bounds"`
		}
		if err := b.raw.call(ctx, "", "Browser.getWindowBounds", map[string]int64{"windowId": n}, &res); err != nil {
			continue
		}
		out = append(out, coordinator.Window{
			WindowID: id, Left: res.Bounds.Left, Top: res.Bounds.Top,
			Width: res.Bounds.Width, Height: res.Bounds.Height,
			State: res.Bounds.WindowState, Tabs: counts[id],
		})
	}
	return out, nil
}

func (b *Backend) ResizeWindow(ctx context.Context, windowID string, width, height int) error {
	id, err := strconv.ParseInt(windowID, 10, 64)
	if err != nil {
		return apperr.Errorf(apperr.CodeValidation, "invalid window id %q", windowID)
	}
	// Size changes are rejected while the window is maximized or fullscreen.
	normal := map[string]any{"windowId": id, "bounds": map[string]string{"windowState": "normal"}}
	if err := b.raw.call(ctx, "", "Browser.setWindowBounds", normal, nil); err != nil {
		return err
	}
	size := map[string]any{"windowId": id, "bounds": map[string]int{"width": width, "height": height}}
	return b.raw.call(ctx, "", "Browser.setWindowBounds", size, nil)
}

func (b *Backend) SetViewport(ctx context.Context, tabID string, width, height int, scale float64, mobile bool) error {
	t, err := b.lookup(tabID)
	if err != nil {
		return err
	}
	if width == 0 && height == 0 {
		return b.raw.call(ctx, t.sessionID, "Emulation.clearDeviceMetricsOverride", nil, nil)
	}
	params := map[string]any{"width": width, "height": height, "deviceScaleFactor": scale, "mobile": mobile}
	return b.raw.call(ctx, t.sessionID, "Emulation.setDeviceMetricsOverride", params, nil)
}

var _ coordinator.Browser = (*Backend)(nil)
