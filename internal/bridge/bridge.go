// Package bridge multiplexes forwarded commands over the single automation
// channel and correlates their responses.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/tabhub/internal/apperr"
	"github.com/dgnsrekt/tabhub/internal/protocol"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrAlreadyAttached = errors.New("bridge: a channel is already attached")
	errDisconnected    = apperr.New(apperr.CodeDisconnected, "Automation channel disconnected", nil)
	errNotConnected    = apperr.New(apperr.CodeDisconnected, "Automation channel not connected", nil)
)

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	command string
	sentAt  time.Time
	timer   *time.Timer
	done    chan outcome
}

// PendingInfo describes one outstanding request.
type PendingInfo struct {
	ID      string    `json:"id"`
	Command string    `json:"command"`
	SentAt  time.Time `json:"sentAt"`
	AgeMs   int64     `json:"ageMs"`
}

type Options struct {
	Timeout time.Duration
	// OnStateChange fires when a channel attaches or detaches.
	OnStateChange func(connected bool)
}

// Bridge owns the pending request table. Each entry is resolved exactly once:
// by its response, its timer, cancellation or a disconnect.
type Bridge struct {
	timeout  time.Duration
	onChange func(bool)

	mu      sync.Mutex
	link    Link
	pending map[string]*pendingRequest
}

func New(opts Options) *Bridge {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Bridge{
		timeout:  opts.Timeout,
		onChange: opts.OnStateChange,
		pending:  make(map[string]*pendingRequest),
	}
}

func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.link != nil
}

func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Pending lists outstanding requests, oldest first.
func (b *Bridge) Pending() []PendingInfo {
	now := time.Now()
	b.mu.Lock()
	out := make([]PendingInfo, 0, len(b.pending))
	for id, p := range b.pending {
		out = append(out, PendingInfo{ID: id, Command: p.command, SentAt: p.sentAt, AgeMs: now.Sub(p.sentAt).Milliseconds()})
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}

// resolve completes id if it is still pending and reports whether it did.
func (b *Bridge) resolve(id string, o outcome) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.done <- o
	return true
}

// Send forwards command under a fresh correlation id and waits for its outcome.
func (b *Bridge) Send(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error) {
	id := uuid.NewString()
	frame, err := json.Marshal(protocol.CommandFrame(id, command, params))
	if err != nil {
		return nil, apperr.New(apperr.CodeValidation, "invalid params", err)
	}

	p := &pendingRequest{command: command, sentAt: time.Now(), done: make(chan outcome, 1)}
	b.mu.Lock()
	link := b.link
	if link == nil {
		b.mu.Unlock()
		return nil, errNotConnected
	}
	b.pending[id] = p
	p.timer = time.AfterFunc(b.timeout, func() {
		if b.resolve(id, outcome{err: apperr.New(apperr.CodeTimeout, "Request timed out", nil)}) {
			slog.Warn("bridge request timed out", "id", id, "command", command)
		}
	})
	b.mu.Unlock()

	if err := link.WriteFrame(frame); err != nil {
		code := apperr.CodeDisconnected
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			code = apperr.CodeValidation
		}
		b.resolve(id, outcome{err: apperr.New(code, "failed to forward "+command, err)})
	}

	select {
	case o := <-p.done:
		return o.result, o.err
	case <-ctx.Done():
		if b.resolve(id, outcome{err: ctx.Err()}) {
			return nil, ctx.Err()
		}
		o := <-p.done
		return o.result, o.err
	}
}

func (b *Bridge) attach(link Link) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.link != nil {
		return ErrAlreadyAttached
	}
	b.link = link
	return nil
}

func (b *Bridge) detach(link Link) {
	b.mu.Lock()
	if b.link != link {
		b.mu.Unlock()
		return
	}
	b.link = nil
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.resolve(id, outcome{err: errDisconnected})
	}
	if len(ids) > 0 {
		slog.Warn("bridge failed pending requests on disconnect", "count", len(ids))
	}
}

// Serve attaches link as the automation channel and reads from it until it
// fails or ctx ends. A second concurrent link is rejected.
func (b *Bridge) Serve(ctx context.Context, link Link) error {
	if err := b.attach(link); err != nil {
		_ = link.Close()
		return err
	}
	slog.Info("bridge channel attached")
	if b.onChange != nil {
		b.onChange(true)
	}
	defer func() {
		_ = link.Close()
		b.detach(link)
		slog.Info("bridge channel detached")
		if b.onChange != nil {
			b.onChange(false)
		}
	}()

	stop := context.AfterFunc(ctx, func() { _ = link.Close() })
	defer stop()

	for {
		data, err := link.ReadFrame()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		b.handleFrame(link, data)
	}
}

func (b *Bridge) handleFrame(link Link, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("bridge dropped malformed frame", "error", err, "bytes", len(data))
		return
	}
	switch {
	case env.IsResponse():
		var o outcome
		if env.Success {
			o.result = env.Result
		} else {
			code := env.Code
			if code == "" {
				code = apperr.CodeInternal
			}
			msg := env.Error
			if msg == "" {
				msg = "command failed"
			}
			o.err = apperr.New(code, msg, nil)
		}
		if !b.resolve(env.ID, o) {
			slog.Debug("bridge response for unknown id", "id", env.ID)
		}
	case env.IsUnsolicited():
		if env.Command == protocol.CmdPing {
			pong, _ := json.Marshal(protocol.Envelope{Command: protocol.CmdPong})
			if err := link.WriteFrame(pong); err != nil {
				slog.Debug("bridge pong failed", "error", err)
			}
			return
		}
		slog.Debug("bridge unsolicited frame", "command", env.Command)
	default:
		slog.Debug("bridge ignored frame", "bytes", len(data))
	}
}
