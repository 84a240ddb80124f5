// Package capture serializes screenshots of the shared window. Capturing a
// tab requires making it the visible one, so only one capture runs at a time.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/dgnsrekt/tabhub/internal/apperr"
	"github.com/dgnsrekt/tabhub/internal/pool"
	"github.com/dgnsrekt/tabhub/internal/readiness"
)

const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"

	DefaultQuality = 80
)

// Surface is the browser's visible-tab capture primitive.
type Surface interface {
	VisibleTab(ctx context.Context) (string, error)
	ActivateTab(ctx context.Context, tabID string) error
	CaptureVisible(ctx context.Context, tabID, format string, quality int) ([]byte, error)
}

// Resolver exposes the pool state a capture needs.
type Resolver interface {
	ActiveTab() (pool.TabEntry, error)
	Validate(ctx context.Context) error
	SetActive(tabID string) error
}

// Waiter blocks until a tab looks ready.
type Waiter interface {
	Wait(ctx context.Context, tabID string, opts readiness.Options) readiness.Result
}

// Ticket describes one capture. An empty TabID targets the active tab.
type Ticket struct {
	TabID         string
	Format        string
	Quality       int
	Scale         float64
	SkipReadiness bool
	Readiness     readiness.Options
}

type Result struct {
	TabID     string            `json:"tabId"`
	Format    string            `json:"format"`
	Data      []byte            `json:"-"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Switched  bool              `json:"switched"`
	Readiness *readiness.Result `json:"readiness,omitempty"`
}

// CaptureRaceError reports that the visible tab changed between switching and capturing.
type CaptureRaceError struct {
	Want string
	Got  string
}

func (e *CaptureRaceError) Error() string {
	return fmt.Sprintf("capture race: expected tab %s to be visible, found %s", e.Want, e.Got)
}

func (e *CaptureRaceError) Code() string { return apperr.CodeCaptureRace }

type job struct {
	ctx    context.Context
	ticket Ticket
	out    chan outcome
}

type outcome struct {
	res Result
	err error
}

// Serializer runs tickets one at a time in arrival order.
type Serializer struct {
	surface  Surface
	resolver Resolver
	waiter   Waiter

	jobs chan job
	done chan struct{}
}

func NewSerializer(surface Surface, resolver Resolver, waiter Waiter) *Serializer {
	s := &Serializer{
		surface:  surface,
		resolver: resolver,
		waiter:   waiter,
		jobs:     make(chan job),
		done:     make(chan struct{}),
	}
	go s.worker()
	return s
}

// Close stops the worker. Captures queued after Close fail.
func (s *Serializer) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Capture queues t behind earlier tickets and waits for its own outcome.
// A failed ticket reports its error here without affecting later tickets.
func (s *Serializer) Capture(ctx context.Context, t Ticket) (Result, error) {
	if err := normalize(&t); err != nil {
		return Result{}, err
	}
	j := job{ctx: ctx, ticket: t, out: make(chan outcome, 1)}
	select {
	case s.jobs <- j:
	case <-s.done:
		return Result{}, apperr.New(apperr.CodeInternal, "capture serializer stopped", nil)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case o := <-j.out:
		return o.res, o.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func normalize(t *Ticket) error {
	switch t.Format {
	case "":
		t.Format = FormatPNG
	case "jpg":
		t.Format = FormatJPEG
	case FormatPNG, FormatJPEG:
	default:
		return apperr.Errorf(apperr.CodeValidation, "unsupported format %q", t.Format)
	}
	if t.Quality == 0 {
		t.Quality = DefaultQuality
	}
	if t.Quality < 1 || t.Quality > 100 {
		return apperr.New(apperr.CodeValidation, "quality must be between 1 and 100", nil)
	}
	if t.Scale == 0 {
		t.Scale = 1
	}
	if t.Scale < 0.1 || t.Scale > 1 {
		return apperr.New(apperr.CodeValidation, "scale must be between 0.1 and 1", nil)
	}
	return nil
}

func (s *Serializer) worker() {
	for {
		select {
		case <-s.done:
			return
		case j := <-s.jobs:
			res, err := s.runSafe(j)
			j.out <- outcome{res: res, err: err}
		}
	}
}

func (s *Serializer) runSafe(j job) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("capture panic", "panic", r, "stack", string(debug.Stack()))
			err = apperr.Errorf(apperr.CodeInternal, "capture failed: %v", r)
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return Result{}, err
	}
	return s.run(j.ctx, j.ticket)
}

func (s *Serializer) run(ctx context.Context, t Ticket) (Result, error) {
	start := time.Now()
	if err := s.resolver.Validate(ctx); err != nil {
		return Result{}, err
	}
	target := t.TabID
	if target == "" {
		active, err := s.resolver.ActiveTab()
		if err != nil {
			return Result{}, err
		}
		target = active.TabID
	}

	res := Result{TabID: target, Format: t.Format}
	visible, err := s.surface.VisibleTab(ctx)
	if err != nil {
		return Result{}, apperr.New(apperr.CodeBrowserUnavailable, "failed to read visible tab", err)
	}
	if visible != target {
		if err := s.surface.ActivateTab(ctx, target); err != nil {
			return Result{}, apperr.New(apperr.CodeBrowserUnavailable, "failed to activate tab "+target, err)
		}
		if err := s.resolver.SetActive(target); err != nil {
			return Result{}, err
		}
		res.Switched = true
		if !t.SkipReadiness {
			rr := s.waiter.Wait(ctx, target, t.Readiness)
			res.Readiness = &rr
		}
	}

	visible, err = s.surface.VisibleTab(ctx)
	if err != nil {
		return Result{}, apperr.New(apperr.CodeBrowserUnavailable, "failed to read visible tab", err)
	}
	if visible != target {
		return Result{}, &CaptureRaceError{Want: target, Got: visible}
	}

	data, err := s.surface.CaptureVisible(ctx, target, t.Format, t.Quality)
	if err != nil {
		return Result{}, apperr.New(apperr.CodeBrowserUnavailable, "failed to capture tab "+target, err)
	}

	img, err := Downscale(data, t.Format, t.Quality, t.Scale)
	if err != nil {
		return Result{}, apperr.New(apperr.CodeInternal, "failed to scale capture", err)
	}
	res.Data = img.Data
	res.Width = img.Width
	res.Height = img.Height

	slog.Debug("capture done", "tab_id", target, "switched", res.Switched, "bytes", len(res.Data), "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}
