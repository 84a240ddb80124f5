package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgnsrekt/tabhub/internal/apperr"
	"github.com/dgnsrekt/tabhub/internal/protocol"
)

type opFunc func(ctx context.Context, params json.RawMessage) (any, error)

type contentParams struct {
	target
	Selector        string   `json:"selector"`
	Format          string   `json:"format"`
	Text            string   `json:"text"`
	Clear           bool     `json:"clear"`
	Key             string   `json:"key"`
	Modifiers       []string `json:"modifiers"`
	X               *float64 `json:"x"`
	Y               *float64 `json:"y"`
	TimeoutMs       int      `json:"timeoutMs"`
	Visible         *bool    `json:"visible"`
	Expression      string   `json:"expression"`
	InterestingOnly *bool    `json:"interestingOnly"`
}

// contentOps maps each page command to its handler. Every handler resolves
// its tab the same way: explicit ids are ownership-checked.
func (c *Coordinator) contentOps() map[string]opFunc {
	return map[string]opFunc{
		protocol.CmdGetContent:               c.withTab(protocol.CmdGetContent, c.getContent),
		protocol.CmdClick:                    c.withTab(protocol.CmdClick, c.click),
		protocol.CmdType:                     c.withTab(protocol.CmdType, c.typeText),
		protocol.CmdPressKey:                 c.withTab(protocol.CmdPressKey, c.pressKey),
		protocol.CmdScroll:                   c.withTab(protocol.CmdScroll, c.scroll),
		protocol.CmdWaitFor:                  c.withTab(protocol.CmdWaitFor, c.waitFor),
		protocol.CmdEvaluate:                 c.withTab(protocol.CmdEvaluate, c.evaluate),
		protocol.CmdGetElementInfo:           c.withTab(protocol.CmdGetElementInfo, c.elementInfo),
		protocol.CmdGetPageState:             c.withTab(protocol.CmdGetPageState, c.pageState),
		protocol.CmdGetAccessibilitySnapshot: c.withTab(protocol.CmdGetAccessibilitySnapshot, c.accessibility),
	}
}

func (c *Coordinator) withTab(operation string, fn func(ctx context.Context, tabID string, p contentParams) (any, error)) opFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p contentParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		tabID, err := c.resolveTab(p.target, operation)
		if err != nil {
			return nil, err
		}
		return fn(ctx, tabID, p)
	}
}

func (c *Coordinator) getContent(ctx context.Context, tabID string, p contentParams) (any, error) {
	var (
		content string
		err     error
	)
	switch p.Format {
	case "", "text":
		p.Format = "text"
		content, err = c.browser.Text(ctx, tabID, p.Selector)
	case "html":
		content, err = c.browser.HTML(ctx, tabID, p.Selector)
	default:
		return nil, apperr.Errorf(apperr.CodeValidation, "format must be text or html, got %q", p.Format)
	}
	if err != nil {
		return nil, err
	}
	out := map[string]any{"tabId": tabID, "format": p.Format, "length": len(content)}
	if len(content) > maxContentBytes {
		content = truncateUTF8(content, maxContentBytes)
		out["truncated"] = true
	}
	out["content"] = content
	return out, nil
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

func (c *Coordinator) click(ctx context.Context, tabID string, p contentParams) (any, error) {
	if p.Selector == "" && p.X != nil && p.Y != nil {
		if err := c.browser.ClickAt(ctx, tabID, *p.X, *p.Y); err != nil {
			return nil, err
		}
		return map[string]any{"tabId": tabID, "clicked": true, "x": *p.X, "y": *p.Y}, nil
	}
	if err := requireSelector(p.Selector); err != nil {
		return nil, err
	}
	if err := c.browser.Click(ctx, tabID, p.Selector); err != nil {
		return nil, err
	}
	return map[string]any{"tabId": tabID, "clicked": true, "selector": p.Selector}, nil
}

func (c *Coordinator) typeText(ctx context.Context, tabID string, p contentParams) (any, error) {
	if err := c.browser.Type(ctx, tabID, p.Selector, p.Text, p.Clear); err != nil {
		return nil, err
	}
	return map[string]any{"tabId": tabID, "typed": len([]rune(p.Text))}, nil
}

func (c *Coordinator) pressKey(ctx context.Context, tabID string, p contentParams) (any, error) {
	if p.Key == "" {
		return nil, apperr.New(apperr.CodeValidation, "key is required", nil)
	}
	if err := c.browser.PressKey(ctx, tabID, p.Key, p.Modifiers); err != nil {
		return nil, err
	}
	return map[string]any{"tabId": tabID, "key": p.Key}, nil
}

func (c *Coordinator) scroll(ctx context.Context, tabID string, p contentParams) (any, error) {
	var dx, dy float64
	if p.X != nil {
		dx = *p.X
	}
	if p.Y != nil {
		dy = *p.Y
	}
	pos, err := c.browser.Scroll(ctx, tabID, p.Selector, dx, dy)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabId": tabID, "scrollX": pos.X, "scrollY": pos.Y}, nil
}

func (c *Coordinator) waitFor(ctx context.Context, tabID string, p contentParams) (any, error) {
	if err := requireSelector(p.Selector); err != nil {
		return nil, err
	}
	timeout := 10 * time.Second
	if p.TimeoutMs > 0 {
		timeout = time.Duration(min(p.TimeoutMs, maxWaitForMs)) * time.Millisecond
	}
	visible := p.Visible == nil || *p.Visible
	start := time.Now()
	if err := c.browser.WaitFor(ctx, tabID, p.Selector, visible, timeout); err != nil {
		return nil, err
	}
	return map[string]any{"tabId": tabID, "found": true, "elapsedMs": time.Since(start).Milliseconds()}, nil
}

func (c *Coordinator) evaluate(ctx context.Context, tabID string, p contentParams) (any, error) {
	if p.Expression == "" {
		return nil, apperr.New(apperr.CodeValidation, "expression is required", nil)
	}
	v, err := c.browser.Evaluate(ctx, tabID, p.Expression)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabId": tabID, "value": v}, nil
}

func (c *Coordinator) elementInfo(ctx context.Context, tabID string, p contentParams) (any, error) {
	if err := requireSelector(p.Selector); err != nil {
		return nil, err
	}
	info, err := c.browser.ElementInfo(ctx, tabID, p.Selector)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabId": tabID, "element": info}, nil
}

func (c *Coordinator) pageState(ctx context.Context, tabID string, _ contentParams) (any, error) {
	st, err := c.browser.PageState(ctx, tabID)
	if err != nil {
		return nil, err
	}
	act := c.tracker.Outstanding(tabID)
	return map[string]any{"tabId": tabID, "page": st, "pendingRequests": act.Critical + act.Visual}, nil
}

func (c *Coordinator) accessibility(ctx context.Context, tabID string, p contentParams) (any, error) {
	interesting := p.InterestingOnly == nil || *p.InterestingOnly
	tree, err := c.browser.AccessibilityTree(ctx, tabID, interesting)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabId": tabID, "tree": tree}, nil
}
