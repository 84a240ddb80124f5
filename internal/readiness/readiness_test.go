package readiness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted returns successive activity samples, repeating the last one.
type scripted struct {
	mu      sync.Mutex
	samples []Activity
	renders int
	render  func(ctx context.Context) (bool, error)
}

func (s *scripted) Outstanding(string) Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.samples[0]
	if len(s.samples) > 1 {
		s.samples = s.samples[1:]
	}
	return a
}

func (s *scripted) RenderSettled(ctx context.Context, _ string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	s.renders++
	s.mu.Unlock()
	if s.render != nil {
		return s.render(ctx)
	}
	return true, nil
}

func fast() Options {
	return Options{
		MaxWait:       400 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		IdleThreshold: 20 * time.Millisecond,
		VisualBudget:  50 * time.Millisecond,
		RenderTimeout: 20 * time.Millisecond,
	}
}

func events(r Result) []string {
	out := make([]string, len(r.Timeline))
	for i, e := range r.Timeline {
		out[i] = e.Event
	}
	return out
}

func assertMonotonic(t *testing.T, r Result) {
	t.Helper()
	for i := 1; i < len(r.Timeline); i++ {
		assert.GreaterOrEqual(t, r.Timeline[i].ElapsedMs, r.Timeline[i-1].ElapsedMs)
	}
}

func TestFastPath(t *testing.T) {
	sig := &scripted{samples: []Activity{{}}}
	res := NewDetector(sig, fast()).Wait(context.Background(), "1", Options{})

	assert.Equal(t, []string{EventStart, EventFastPath, EventRenderSettled, EventComplete}, events(res))
	assert.False(t, res.TimedOut)
	assert.Equal(t, 1, sig.renders)
}

func TestCriticalThenVisual(t *testing.T) {
	sig := &scripted{samples: []Activity{
		{Critical: 2, Visual: 1},
		{Critical: 1, Visual: 1, Completed: 1},
		{Critical: 0, Visual: 1, Completed: 2},
		{Critical: 0, Visual: 1, Completed: 2},
		{Critical: 0, Visual: 0, Completed: 3},
	}}
	res := NewDetector(sig, fast()).Wait(context.Background(), "1", Options{})

	assert.Equal(t, []string{EventStart, EventCriticalIdle, EventVisualIdle, EventRenderSettled, EventComplete}, events(res))
	assert.False(t, res.TimedOut)
	assertMonotonic(t, res)
}

func TestSkipVisual(t *testing.T) {
	sig := &scripted{samples: []Activity{{Critical: 1, Visual: 3}, {Visual: 3, Completed: 1}}}
	res := NewDetector(sig, fast()).Wait(context.Background(), "1", Options{SkipVisual: true})

	assert.Equal(t, []string{EventStart, EventCriticalIdle, EventRenderSettled, EventComplete}, events(res))
}

func TestStalledCriticalRequests(t *testing.T) {
	sig := &scripted{samples: []Activity{{Critical: 1, Completed: 7}}}
	opts := fast()
	opts.SkipVisual = true
	res := NewDetector(sig, opts).Wait(context.Background(), "1", Options{})

	assert.Contains(t, events(res), EventCriticalStalled)
	assert.False(t, res.TimedOut)
	assert.Less(t, res.TotalWaitMs, int64(400))
}

func TestMaxWaitBoundsResult(t *testing.T) {
	sig := &scripted{samples: []Activity{
		{Critical: 1, Completed: 1}, {Critical: 1, Completed: 2}, {Critical: 1, Completed: 3},
		{Critical: 1, Completed: 4}, {Critical: 1, Completed: 5}, {Critical: 1, Completed: 6},
	}}
	// Every sample shows progress until the script runs out, then it stalls.
	opts := fast()
	opts.MaxWait = 15 * time.Millisecond
	opts.IdleThreshold = time.Second
	start := time.Now()
	res := NewDetector(sig, opts).Wait(context.Background(), "1", Options{})

	require.True(t, res.TimedOut)
	assert.GreaterOrEqual(t, res.TotalWaitMs, int64(15))
	assert.Less(t, res.TotalWaitMs, int64(1000))
	assert.Equal(t, EventTimeout, res.Timeline[len(res.Timeline)-1].Event)
	assert.Contains(t, events(res), EventCriticalTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assertMonotonic(t, res)
}

func TestTotalWaitReportsOverrun(t *testing.T) {
	var mu sync.Mutex
	clock := time.Unix(1_700_000_000, 0)
	sig := &scripted{
		samples: []Activity{{}},
		render: func(context.Context) (bool, error) {
			mu.Lock()
			clock = clock.Add(time.Second)
			mu.Unlock()
			return true, nil
		},
	}
	d := NewDetector(sig, fast())
	d.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	res := d.Wait(context.Background(), "1", Options{})

	assert.Equal(t, int64(1000), res.TotalWaitMs)
	assert.Equal(t, int64(1000), res.Timeline[len(res.Timeline)-1].ElapsedMs)
	assertMonotonic(t, res)
}

func TestVisualBudget(t *testing.T) {
	sig := &scripted{samples: []Activity{{Visual: 2}}}
	res := NewDetector(sig, fast()).Wait(context.Background(), "1", Options{})

	assert.Equal(t, []string{EventStart, EventCriticalIdle, EventVisualTimeout, EventRenderSettled, EventComplete}, events(res))
	assert.False(t, res.TimedOut)
}

func TestRenderFailureIsRecordedNotReturned(t *testing.T) {
	sig := &scripted{
		samples: []Activity{{}},
		render:  func(context.Context) (bool, error) { return false, errors.New("target closed") },
	}
	res := NewDetector(sig, fast()).Wait(context.Background(), "1", Options{})

	assert.Equal(t, []string{EventStart, EventFastPath, EventRenderTimeout, EventComplete}, events(res))
	assert.Equal(t, "target closed", res.Timeline[2].Data["error"])
}

func TestOverrideMaxWait(t *testing.T) {
	d := NewDetector(&scripted{samples: []Activity{{}}}, Options{})
	assert.Equal(t, DefaultMaxWait, d.Defaults().MaxWait)
	assert.Equal(t, 2*time.Second, d.merge(Options{MaxWait: 2 * time.Second}).MaxWait)
}

func TestCancelledContextStillReturns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sig := &scripted{samples: []Activity{{Critical: 1}}}
	res := NewDetector(sig, fast()).Wait(ctx, "1", Options{})

	assert.True(t, res.TimedOut)
	assert.Contains(t, events(res), EventRenderSkipped)
}
