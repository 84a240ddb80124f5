package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgnsrekt/tabhub/internal/capture"
	"github.com/dgnsrekt/tabhub/internal/pool"
	"github.com/dgnsrekt/tabhub/internal/readiness"
)

// PageState is the document summary returned by getPageState and navigate.
type PageState struct {
	URL            string  `json:"url"`
	Title          string  `json:"title"`
	ReadyState     string  `json:"readyState"`
	ScrollX        float64 `json:"scrollX"`
	ScrollY        float64 `json:"scrollY"`
	ViewportWidth  int     `json:"viewportWidth"`
	ViewportHeight int     `json:"viewportHeight"`
	DocumentHeight int     `json:"documentHeight"`
}

type Window struct {
	WindowID string `json:"windowId"`
	Left     int    `json:"left"`
	Top      int    `json:"top"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	State    string `json:"state"`
	Tabs     int    `json:"tabCount"`
}

type ScrollPosition struct {
	X float64 `json:"scrollX"`
	Y float64 `json:"scrollY"`
}

// Content performs page-level operations on one tab.
type Content interface {
	Navigate(ctx context.Context, tabID, url string) error
	PageState(ctx context.Context, tabID string) (PageState, error)
	Text(ctx context.Context, tabID, selector string) (string, error)
	HTML(ctx context.Context, tabID, selector string) (string, error)
	Click(ctx context.Context, tabID, selector string) error
	ClickAt(ctx context.Context, tabID string, x, y float64) error
	Type(ctx context.Context, tabID, selector, text string, clear bool) error
	PressKey(ctx context.Context, tabID, key string, modifiers []string) error
	Scroll(ctx context.Context, tabID, selector string, dx, dy float64) (ScrollPosition, error)
	WaitFor(ctx context.Context, tabID, selector string, visible bool, timeout time.Duration) error
	Evaluate(ctx context.Context, tabID, expression string) (json.RawMessage, error)
	ElementInfo(ctx context.Context, tabID, selector string) (json.RawMessage, error)
	AccessibilityTree(ctx context.Context, tabID string, interestingOnly bool) (json.RawMessage, error)
	Windows(ctx context.Context) ([]Window, error)
	ResizeWindow(ctx context.Context, windowID string, width, height int) error
	SetViewport(ctx context.Context, tabID string, width, height int, scale float64, mobile bool) error
}

// Browser is everything the executor needs from the automation target.
type Browser interface {
	pool.Backend
	capture.Surface
	readiness.Signals
	Content
}
