// Package readiness decides when a page has settled enough to capture.
package readiness

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultMaxWait       = 10 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultIdleThreshold = 500 * time.Millisecond
	DefaultVisualBudget  = 3 * time.Second
	DefaultRenderTimeout = 1500 * time.Millisecond
)

// Timeline event names.
const (
	EventStart           = "start"
	EventFastPath        = "fast_path"
	EventCriticalIdle    = "critical_idle"
	EventCriticalStalled = "critical_stalled"
	EventCriticalTimeout = "critical_timeout"
	EventVisualIdle      = "visual_idle"
	EventVisualTimeout   = "visual_timeout"
	EventRenderSettled   = "render_settled"
	EventRenderTimeout   = "render_timeout"
	EventRenderSkipped   = "render_skipped"
	EventComplete        = "complete"
	EventTimeout         = "timeout"
)

// Activity is the in-flight network picture for one tab.
type Activity struct {
	Critical  int
	Visual    int
	Completed uint64
}

// Signals supplies network and render observations for a tab.
type Signals interface {
	Outstanding(tabID string) Activity
	RenderSettled(ctx context.Context, tabID string, timeout time.Duration) (bool, error)
}

type Options struct {
	MaxWait       time.Duration
	PollInterval  time.Duration
	IdleThreshold time.Duration
	SkipVisual    bool
	VisualBudget  time.Duration
	RenderTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = DefaultIdleThreshold
	}
	if o.VisualBudget <= 0 {
		o.VisualBudget = DefaultVisualBudget
	}
	if o.RenderTimeout <= 0 {
		o.RenderTimeout = DefaultRenderTimeout
	}
	return o
}

type Event struct {
	ElapsedMs int64          `json:"elapsedMs"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}

type Result struct {
	TotalWaitMs int64   `json:"totalWaitMs"`
	Timeline    []Event `json:"timeline"`
	TimedOut    bool    `json:"timedOut"`
}

// Detector runs bounded readiness checks. It holds no per-check state.
type Detector struct {
	signals  Signals
	defaults Options
	now      func() time.Time
}

func NewDetector(signals Signals, defaults Options) *Detector {
	return &Detector{signals: signals, defaults: defaults, now: time.Now}
}

// Defaults returns the options applied when a caller leaves a field unset.
func (d *Detector) Defaults() Options { return d.defaults.withDefaults() }

type run struct {
	d        *Detector
	opts     Options
	start    time.Time
	deadline time.Time
	res      Result
}

// elapsed is wall time since the wait began. It can exceed MaxWait when a
// signal check overruns the deadline.
func (r *run) elapsed() time.Duration {
	return r.d.now().Sub(r.start)
}

func (r *run) remaining() time.Duration {
	return r.deadline.Sub(r.d.now())
}

func (r *run) record(event string, data map[string]any) {
	ms := r.elapsed().Milliseconds()
	if n := len(r.res.Timeline); n > 0 && ms < r.res.Timeline[n-1].ElapsedMs {
		ms = r.res.Timeline[n-1].ElapsedMs
	}
	r.res.Timeline = append(r.res.Timeline, Event{ElapsedMs: ms, Event: event, Data: data})
}

// sleep waits for d or until ctx ends, reporting false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Wait blocks until tabID looks settled or the budget runs out. It always
// returns a result; a timeout is reported in the result, not as an error.
func (d *Detector) Wait(ctx context.Context, tabID string, override Options) Result {
	opts := d.merge(override)
	r := &run{d: d, opts: opts, start: d.now()}
	r.deadline = r.start.Add(opts.MaxWait)

	initial := d.signals.Outstanding(tabID)
	r.record(EventStart, map[string]any{
		"critical": initial.Critical,
		"visual":   initial.Visual,
	})

	if initial.Critical == 0 && (opts.SkipVisual || initial.Visual == 0) {
		r.record(EventFastPath, nil)
	} else {
		r.critical(ctx, tabID, initial)
		if !opts.SkipVisual && !r.res.TimedOut {
			r.visual(ctx, tabID)
		}
	}

	r.render(ctx, tabID)

	if r.res.TimedOut {
		r.record(EventTimeout, nil)
	} else {
		r.record(EventComplete, nil)
	}
	r.res.TotalWaitMs = r.elapsed().Milliseconds()
	slog.Debug("readiness done", "tab_id", tabID, "wait_ms", r.res.TotalWaitMs, "timed_out", r.res.TimedOut)
	return r.res
}

func (d *Detector) merge(o Options) Options {
	base := d.defaults
	if o.MaxWait > 0 {
		base.MaxWait = o.MaxWait
	}
	if o.PollInterval > 0 {
		base.PollInterval = o.PollInterval
	}
	if o.IdleThreshold > 0 {
		base.IdleThreshold = o.IdleThreshold
	}
	if o.VisualBudget > 0 {
		base.VisualBudget = o.VisualBudget
	}
	if o.RenderTimeout > 0 {
		base.RenderTimeout = o.RenderTimeout
	}
	if o.SkipVisual {
		base.SkipVisual = true
	}
	return base.withDefaults()
}

// critical polls until no critical requests remain, progress stalls for
// three idle thresholds, or the budget ends.
func (r *run) critical(ctx context.Context, tabID string, last Activity) {
	stallLimit := 3 * r.opts.IdleThreshold
	lastProgress := r.d.now()
	for {
		if last.Critical == 0 {
			r.record(EventCriticalIdle, nil)
			return
		}
		if r.remaining() <= 0 {
			r.res.TimedOut = true
			r.record(EventCriticalTimeout, map[string]any{"critical": last.Critical})
			return
		}
		if r.d.now().Sub(lastProgress) >= stallLimit {
			r.record(EventCriticalStalled, map[string]any{"critical": last.Critical})
			return
		}
		if !sleep(ctx, min(r.opts.PollInterval, max(r.remaining(), time.Millisecond))) {
			r.res.TimedOut = true
			r.record(EventCriticalTimeout, map[string]any{"critical": last.Critical, "cancelled": true})
			return
		}
		cur := r.d.signals.Outstanding(tabID)
		if cur.Completed != last.Completed || cur.Critical < last.Critical {
			lastProgress = r.d.now()
		}
		last = cur
	}
}

func (r *run) visual(ctx context.Context, tabID string) {
	budget := min(r.opts.VisualBudget, r.remaining())
	end := r.d.now().Add(budget)
	for {
		cur := r.d.signals.Outstanding(tabID)
		if cur.Visual == 0 {
			r.record(EventVisualIdle, nil)
			return
		}
		left := end.Sub(r.d.now())
		if left <= 0 {
			r.record(EventVisualTimeout, map[string]any{"visual": cur.Visual})
			return
		}
		if !sleep(ctx, min(r.opts.PollInterval, left)) {
			r.record(EventVisualTimeout, map[string]any{"visual": cur.Visual, "cancelled": true})
			return
		}
	}
}

func (r *run) render(ctx context.Context, tabID string) {
	left := r.remaining()
	if left <= 0 || ctx.Err() != nil {
		r.record(EventRenderSkipped, nil)
		return
	}
	timeout := min(r.opts.RenderTimeout, left)
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := r.d.signals.RenderSettled(rctx, tabID, timeout)
	switch {
	case err != nil:
		r.record(EventRenderTimeout, map[string]any{"error": err.Error()})
	case !ok:
		r.record(EventRenderTimeout, nil)
	default:
		r.record(EventRenderSettled, nil)
	}
}
