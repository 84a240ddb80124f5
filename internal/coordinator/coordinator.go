// Package coordinator is the executing end of the automation channel. It owns
// the tab pool, capture serializer and readiness detector, and answers every
// command the gateway forwards.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tabhub/internal/apperr"
	"github.com/dgnsrekt/tabhub/internal/bridge"
	"github.com/dgnsrekt/tabhub/internal/capture"
	"github.com/dgnsrekt/tabhub/internal/devtools"
	"github.com/dgnsrekt/tabhub/internal/events"
	"github.com/dgnsrekt/tabhub/internal/pool"
	"github.com/dgnsrekt/tabhub/internal/protocol"
	"github.com/dgnsrekt/tabhub/internal/readiness"
	"github.com/dgnsrekt/tabhub/internal/snapshot"
)

const (
	DefaultCommandTimeout = 25 * time.Second
	DefaultPingInterval   = 20 * time.Second
)

const msgResultTooLarge = "Result too large for the automation channel"

type Options struct {
	Browser   Browser
	Tracker   *devtools.Tracker
	Snapshots *snapshot.Store
	Broker    *events.Broker

	Policy    pool.EvictionPolicy
	MaxTabs   int
	Readiness readiness.Options
	// DefaultURL opens in tabs created without a url.
	DefaultURL string

	CommandTimeout time.Duration
	PingInterval   time.Duration
}

type Coordinator struct {
	browser   Browser
	tracker   *devtools.Tracker
	snapshots *snapshot.Store
	broker    *events.Broker

	pool     *pool.Manager
	detector *readiness.Detector
	capture  *capture.Serializer

	defaultURL     string
	commandTimeout time.Duration
	pingInterval   time.Duration

	handled atomic.Uint64
}

func New(opts Options) *Coordinator {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.DefaultURL == "" {
		opts.DefaultURL = "about:blank"
	}
	c := &Coordinator{
		browser:        opts.Browser,
		tracker:        opts.Tracker,
		snapshots:      opts.Snapshots,
		broker:         opts.Broker,
		defaultURL:     opts.DefaultURL,
		commandTimeout: opts.CommandTimeout,
		pingInterval:   opts.PingInterval,
	}
	c.pool = pool.NewManager(opts.Browser, pool.Options{
		Policy:  opts.Policy,
		MaxTabs: opts.MaxTabs,
		Notify: func(ev pool.Event) {
			c.broker.Emit(string(ev.Kind), ev)
		},
	})
	c.detector = readiness.NewDetector(opts.Browser, opts.Readiness)
	c.capture = capture.NewSerializer(opts.Browser, c.pool, c.detector)
	return c
}

func (c *Coordinator) Pool() *pool.Manager { return c.pool }

// HandleTabClosed forwards an external tab close to the pool.
func (c *Coordinator) HandleTabClosed(tabID string) {
	c.pool.HandleTabClosed(tabID)
	if c.tracker != nil {
		c.tracker.ForgetTab(tabID)
	}
}

func (c *Coordinator) Close() {
	c.capture.Close()
}

// Serve answers command frames arriving on link until it fails or ctx ends.
// Commands run concurrently; each response carries its request id.
func (c *Coordinator) Serve(ctx context.Context, link bridge.Link) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = link.Close() })
	defer stop()

	var lastPong atomic.Int64
	lastPong.Store(time.Now().UnixNano())
	go c.pingLoop(ctx, link, &lastPong)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		data, err := link.ReadFrame()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("coordinator dropped malformed frame", "error", err)
			continue
		}
		switch {
		case env.Command == protocol.CmdPong:
			lastPong.Store(time.Now().UnixNano())
		case env.Command == protocol.CmdPing && env.ID == "":
			pong, _ := json.Marshal(protocol.Envelope{Command: protocol.CmdPong})
			_ = link.WriteFrame(pong)
		case env.ID != "" && env.Command != "":
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.respond(ctx, link, env)
			}()
		default:
			slog.Debug("coordinator ignored frame", "id", env.ID, "command", env.Command)
		}
	}
}

func (c *Coordinator) respond(ctx context.Context, link bridge.Link, env protocol.Envelope) {
	start := time.Now()
	result, err := c.Dispatch(ctx, env.Command, env.Params)
	c.handled.Add(1)

	var frame protocol.Envelope
	if err != nil {
		code := apperr.CodeOf(err)
		slog.Info("coordinator command failed", "command", env.Command, "code", code, "error", err, "duration_ms", time.Since(start).Milliseconds())
		frame = protocol.ErrorFrame(env.ID, code, apperr.Message(err))
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			frame = protocol.ErrorFrame(env.ID, apperr.CodeInternal, "could not encode result")
		} else {
			frame = protocol.ResultFrame(env.ID, raw)
		}
		slog.Debug("coordinator command done", "command", env.Command, "duration_ms", time.Since(start).Milliseconds())
	}
	out, _ := json.Marshal(frame)
	err = link.WriteFrame(out)
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		slog.Warn("coordinator result exceeds channel frame limit", "command", env.Command, "bytes", len(out))
		out, _ = json.Marshal(protocol.ErrorFrame(env.ID, apperr.CodeValidation, msgResultTooLarge))
		err = link.WriteFrame(out)
	}
	if err != nil {
		slog.Warn("coordinator write failed", "command", env.Command, "error", err)
	}
}

// pingLoop keeps the channel warm and closes it when pongs stop arriving.
func (c *Coordinator) pingLoop(ctx context.Context, link bridge.Link, lastPong *atomic.Int64) {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	ping, _ := json.Marshal(protocol.Envelope{Command: protocol.CmdPing})
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if time.Since(time.Unix(0, lastPong.Load())) > 3*c.pingInterval {
				slog.Warn("coordinator channel unresponsive, closing")
				_ = link.Close()
				return
			}
			if err := link.WriteFrame(ping); err != nil {
				return
			}
		}
	}
}
