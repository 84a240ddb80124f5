package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/tabhub/internal/apperr"
	"github.com/dgnsrekt/tabhub/internal/pool"
	"github.com/dgnsrekt/tabhub/internal/readiness"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeSurface struct {
	mu        sync.Mutex
	visible   string
	captured  []string
	mismatch  bool
	failTab   string
	afterSwap func()
	img       []byte
}

func (f *fakeSurface) VisibleTab(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible, nil
}

func (f *fakeSurface) ActivateTab(_ context.Context, tabID string) error {
	f.mu.Lock()
	f.visible = tabID
	hook := f.afterSwap
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeSurface) CaptureVisible(_ context.Context, tabID, _ string, _ int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tabID == f.failTab {
		return nil, errors.New("surface lost")
	}
	if f.visible != tabID {
		f.mismatch = true
	}
	f.captured = append(f.captured, f.visible)
	return f.img, nil
}

type fakeResolver struct {
	mu     sync.Mutex
	active string
}

func (r *fakeResolver) ActiveTab() (pool.TabEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == "" {
		return pool.TabEntry{}, apperr.New(apperr.CodeNoSession, "no session", nil)
	}
	return pool.TabEntry{TabID: r.active, Owner: pool.UnknownOwner}, nil
}

func (r *fakeResolver) Validate(context.Context) error { return nil }

func (r *fakeResolver) SetActive(tabID string) error {
	r.mu.Lock()
	r.active = tabID
	r.mu.Unlock()
	return nil
}

type sleepyWaiter struct {
	mu    sync.Mutex
	delay time.Duration
	calls []string
}

func (w *sleepyWaiter) Wait(_ context.Context, tabID string, _ readiness.Options) readiness.Result {
	w.mu.Lock()
	w.calls = append(w.calls, tabID)
	w.mu.Unlock()
	time.Sleep(w.delay)
	return readiness.Result{TotalWaitMs: w.delay.Milliseconds(), Timeline: []readiness.Event{{Event: readiness.EventComplete}}}
}

func TestCaptureVisibleTabWithoutSwitch(t *testing.T) {
	surface := &fakeSurface{visible: "x", img: pngBytes(t, 40, 20)}
	waiter := &sleepyWaiter{}
	s := NewSerializer(surface, &fakeResolver{active: "x"}, waiter)
	defer s.Close()

	res, err := s.Capture(context.Background(), Ticket{TabID: "x"})
	require.NoError(t, err)
	assert.False(t, res.Switched)
	assert.Nil(t, res.Readiness)
	assert.Equal(t, 40, res.Width)
	assert.Equal(t, 20, res.Height)
	assert.Empty(t, waiter.calls)
}

func TestBackToBackCapturesDoNotOverlap(t *testing.T) {
	surface := &fakeSurface{visible: "x", img: pngBytes(t, 8, 8)}
	resolver := &fakeResolver{active: "x"}
	waiter := &sleepyWaiter{delay: 30 * time.Millisecond}
	s := NewSerializer(surface, resolver, waiter)
	defer s.Close()

	start := time.Now()
	var wg sync.WaitGroup
	targets := []string{"y", "z", "x", "y"}
	errs := make([]error, len(targets))
	for i, tab := range targets {
		wg.Add(1)
		go func(i int, tab string) {
			defer wg.Done()
			_, errs[i] = s.Capture(context.Background(), Ticket{TabID: tab})
		}(i, tab)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.False(t, surface.mismatch, "a capture observed another ticket's tab")
	assert.Len(t, surface.captured, 4)
	assert.GreaterOrEqual(t, time.Since(start), time.Duration(len(waiter.calls))*waiter.delay)
}

func TestCaptureRaceDetected(t *testing.T) {
	surface := &fakeSurface{visible: "x", img: pngBytes(t, 8, 8)}
	surface.afterSwap = func() {
		surface.mu.Lock()
		surface.visible = "user-tab"
		surface.mu.Unlock()
	}
	s := NewSerializer(surface, &fakeResolver{active: "x"}, &sleepyWaiter{})
	defer s.Close()

	_, err := s.Capture(context.Background(), Ticket{TabID: "y", SkipReadiness: true})
	var race *CaptureRaceError
	require.ErrorAs(t, err, &race)
	assert.Equal(t, "y", race.Want)
	assert.Equal(t, "user-tab", race.Got)
	assert.Equal(t, apperr.CodeCaptureRace, apperr.CodeOf(err))
	assert.Empty(t, surface.captured)
}

func TestFailedTicketReportsAndQueueContinues(t *testing.T) {
	surface := &fakeSurface{visible: "x", failTab: "bad", img: pngBytes(t, 8, 8)}
	s := NewSerializer(surface, &fakeResolver{active: "x"}, &sleepyWaiter{})
	defer s.Close()

	_, err := s.Capture(context.Background(), Ticket{TabID: "bad", SkipReadiness: true})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBrowserUnavailable, apperr.CodeOf(err))

	res, err := s.Capture(context.Background(), Ticket{TabID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", res.TabID)
}

func TestSwitchRunsReadinessUnlessSkipped(t *testing.T) {
	surface := &fakeSurface{visible: "x", img: pngBytes(t, 8, 8)}
	resolver := &fakeResolver{active: "x"}
	waiter := &sleepyWaiter{}
	s := NewSerializer(surface, resolver, waiter)
	defer s.Close()

	res, err := s.Capture(context.Background(), Ticket{TabID: "y"})
	require.NoError(t, err)
	assert.True(t, res.Switched)
	require.NotNil(t, res.Readiness)
	assert.Equal(t, "y", resolver.active)

	res, err = s.Capture(context.Background(), Ticket{TabID: "z", SkipReadiness: true})
	require.NoError(t, err)
	assert.Nil(t, res.Readiness)
	assert.Equal(t, []string{"y"}, waiter.calls)
}

func TestActiveTabUsedWhenNoTarget(t *testing.T) {
	surface := &fakeSurface{visible: "a", img: pngBytes(t, 8, 8)}
	s := NewSerializer(surface, &fakeResolver{active: "a"}, &sleepyWaiter{})
	defer s.Close()

	res, err := s.Capture(context.Background(), Ticket{})
	require.NoError(t, err)
	assert.Equal(t, "a", res.TabID)
	assert.Equal(t, FormatPNG, res.Format)

	s2 := NewSerializer(surface, &fakeResolver{}, &sleepyWaiter{})
	defer s2.Close()
	_, err = s2.Capture(context.Background(), Ticket{})
	assert.Equal(t, apperr.CodeNoSession, apperr.CodeOf(err))
}

func TestTicketValidation(t *testing.T) {
	s := NewSerializer(&fakeSurface{}, &fakeResolver{}, &sleepyWaiter{})
	defer s.Close()

	for _, tk := range []Ticket{{Format: "gif"}, {Quality: 101}, {Scale: 2}, {Scale: 0.01}} {
		_, err := s.Capture(context.Background(), tk)
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err), "%+v", tk)
	}
}

func TestScaledCapture(t *testing.T) {
	surface := &fakeSurface{visible: "x", img: pngBytes(t, 100, 50)}
	s := NewSerializer(surface, &fakeResolver{active: "x"}, &sleepyWaiter{})
	defer s.Close()

	res, err := s.Capture(context.Background(), Ticket{Format: "jpg", Quality: 70, Scale: 0.5})
	require.NoError(t, err)
	assert.Equal(t, FormatJPEG, res.Format)
	assert.Equal(t, 50, res.Width)
	assert.Equal(t, 25, res.Height)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 50, cfg.Width)
}
