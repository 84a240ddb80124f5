// Package loop tracks the optional focus loop an agent runs alongside its
// browser work.
package loop

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dgnsrekt/tabhub/internal/apperr"
)

const (
	MaxIterations = 10000
	MaxDuration   = time.Hour
	MaxPromptLen  = 10000
	MaxTokenLen   = 256
)

const (
	EndStopped = "stopped"
	EndTimeout = "timeout"
)

// Snapshot is the externally visible loop state.
type Snapshot struct {
	Active          bool      `json:"active"`
	Prompt          string    `json:"prompt,omitempty"`
	Iteration       int       `json:"iteration"`
	MaxIterations   int       `json:"maxIterations"`
	CompletionToken string    `json:"completionPromise,omitempty"`
	StartedAt       time.Time `json:"startedAt,omitzero"`
	ElapsedMs       int64     `json:"elapsedMs,omitempty"`
	EndReason       string    `json:"endReason,omitempty"`
}

// StartParams are the arguments accepted by Start.
type StartParams struct {
	Prompt          string `json:"prompt"`
	MaxIterations   int    `json:"maxIterations"`
	CompletionToken string `json:"completionPromise,omitempty"`
}

// State is the single focus loop. Every call first enforces the wall-clock
// ceiling, so a loop past MaxDuration is observed as idle.
type State struct {
	mu       sync.Mutex
	now      func() time.Time
	onChange func(Snapshot)

	active    bool
	prompt    string
	iteration int
	max       int
	token     string
	startedAt time.Time
	endReason string
}

type Option func(*State)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// WithOnChange registers a callback fired after start, stop and timeout.
func WithOnChange(fn func(Snapshot)) Option {
	return func(s *State) { s.onChange = fn }
}

func New(opts ...Option) *State {
	s := &State{now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// expireLocked reports whether the ceiling just forced the loop idle.
func (s *State) expireLocked() bool {
	if !s.active || s.now().Sub(s.startedAt) <= MaxDuration {
		return false
	}
	s.active = false
	s.endReason = EndTimeout
	return true
}

func (s *State) snapshotLocked() Snapshot {
	snap := Snapshot{
		Active:          s.active,
		Prompt:          s.prompt,
		Iteration:       s.iteration,
		MaxIterations:   s.max,
		CompletionToken: s.token,
		StartedAt:       s.startedAt,
		EndReason:       s.endReason,
	}
	if s.active {
		snap.ElapsedMs = s.now().Sub(s.startedAt).Milliseconds()
	}
	return snap
}

func (s *State) fire(snap Snapshot, changed bool) {
	if changed && s.onChange != nil {
		s.onChange(snap)
	}
}

func validate(p StartParams) error {
	if strings.TrimSpace(p.Prompt) == "" {
		return apperr.New(apperr.CodeValidation, "prompt is required", nil)
	}
	if utf8.RuneCountInString(p.Prompt) > MaxPromptLen {
		return apperr.Errorf(apperr.CodeValidation, "prompt exceeds %d characters", MaxPromptLen)
	}
	if p.MaxIterations < 0 || p.MaxIterations > MaxIterations {
		return apperr.Errorf(apperr.CodeValidation, "maxIterations must be between 0 and %d", MaxIterations)
	}
	if utf8.RuneCountInString(p.CompletionToken) > MaxTokenLen {
		return apperr.Errorf(apperr.CodeValidation, "completionPromise exceeds %d characters", MaxTokenLen)
	}
	return nil
}

// Start activates a loop. It fails when one is already active.
func (s *State) Start(p StartParams) (Snapshot, error) {
	if err := validate(p); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	expired := s.expireLocked()
	expiredSnap := s.snapshotLocked()
	if s.active {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, apperr.New(apperr.CodeLoopActive, "a loop is already active; stop it first", nil)
	}
	s.active = true
	s.prompt = p.Prompt
	s.iteration = 0
	s.max = p.MaxIterations
	s.token = p.CompletionToken
	s.startedAt = s.now()
	s.endReason = ""
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.fire(expiredSnap, expired)
	s.fire(snap, true)
	return snap, nil
}

// IncrementIteration advances an active loop, holding at MaxIterations when
// bounded. It never stops the loop.
func (s *State) IncrementIteration() Snapshot {
	s.mu.Lock()
	expired := s.expireLocked()
	if s.active && (s.max == 0 || s.iteration < s.max) {
		s.iteration++
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.fire(snap, expired)
	return snap
}

// Stop returns the loop to idle and reports whether it was active.
func (s *State) Stop() (bool, Snapshot) {
	s.mu.Lock()
	expired := s.expireLocked()
	was := s.active
	if was {
		s.active = false
		s.endReason = EndStopped
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.fire(snap, expired || was)
	return was, snap
}

// State returns the current loop.
func (s *State) State() Snapshot {
	s.mu.Lock()
	expired := s.expireLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.fire(snap, expired)
	return snap
}
