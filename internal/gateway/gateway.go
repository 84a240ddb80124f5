// Package gateway serves the local command socket. Each connection carries
// newline-delimited JSON requests answered in order.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dgnsrekt/tabhub/internal/loop"
	"github.com/dgnsrekt/tabhub/internal/protocol"
)

const writeTimeout = 10 * time.Second

type Config struct {
	Token    string
	MaxLine  int
	Forward  Forwarder
	Loop     *loop.State
	Recorder Recorder
}

type Server struct {
	token   string
	maxLine int
	fwd     Forwarder
	loop    *loop.State
	rec     Recorder

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.MaxLine <= 0 {
		cfg.MaxLine = protocol.MaxLineBytes
	}
	if cfg.Loop == nil {
		cfg.Loop = loop.New()
	}
	return &Server{
		token:   cfg.Token,
		maxLine: cfg.MaxLine,
		fwd:     cfg.Forward,
		loop:    cfg.Loop,
		rec:     cfg.Recorder,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections until ctx ends, then closes open connections
// and waits for their handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	slog.Info("gateway listening", "addr", ln.Addr().String())

	var err error
	for {
		conn, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() == nil && !errors.Is(aerr, net.ErrClosed) {
				err = aerr
			}
			break
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handleConn(ctx, conn)
		}()
	}

	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	slog.Info("gateway stopped")
	return err
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// wmu orders the writer goroutine against the overflow path, which
	// answers and closes the connection without waiting for earlier lines.
	var wmu sync.Mutex
	closing := false
	write := func(resp protocol.Response) error {
		wmu.Lock()
		defer wmu.Unlock()
		if closing {
			return net.ErrClosed
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return protocol.WriteLine(conn, resp)
	}

	results := make(chan chan protocol.Response, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		broken := false
		for ch := range results {
			resp := <-ch
			if broken {
				continue
			}
			if err := write(resp); err != nil {
				slog.Debug("gateway write failed", "error", err)
				broken = true
			}
		}
	}()

	var inflight sync.WaitGroup
	lr := protocol.NewLineReader(conn, s.maxLine)
	for {
		line, err := lr.ReadLine()
		if errors.Is(err, protocol.ErrLineTooLarge) {
			slog.Warn("gateway closing connection: message too large", "limit", s.maxLine)
			if err := write(protocol.Fail(msgTooLarge)); err != nil {
				slog.Debug("gateway write failed", "error", err)
			}
			wmu.Lock()
			closing = true
			_ = conn.Close()
			wmu.Unlock()
			cancel()
			break
		}
		if err != nil {
			break
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		ch := make(chan protocol.Response, 1)
		results <- ch
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			ch <- s.safeHandle(ctx, line)
		}()
	}
	inflight.Wait()
	close(results)
	<-writerDone
}

func (s *Server) safeHandle(ctx context.Context, line []byte) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("gateway handler panic", "panic", r)
			resp = protocol.Fail("Internal error")
		}
	}()
	return s.Handle(ctx, line)
}
