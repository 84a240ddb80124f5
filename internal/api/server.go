// Package api serves the loopback HTTP surface of the host: health, pool and
// loop status, stored snapshots, the event stream and the automation channel
// endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/tabhub/internal/apperr"
	"github.com/dgnsrekt/tabhub/internal/bridge"
	"github.com/dgnsrekt/tabhub/internal/events"
	"github.com/dgnsrekt/tabhub/internal/loop"
	"github.com/dgnsrekt/tabhub/internal/protocol"
	"github.com/dgnsrekt/tabhub/internal/snapshot"
)

// Channel is the host side of the automation channel.
type Channel interface {
	Connected() bool
	PendingCount() int
	Pending() []bridge.PendingInfo
	Send(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error)
	Serve(ctx context.Context, link bridge.Link) error
}

// Commands runs one gateway request line.
type Commands interface {
	Handle(ctx context.Context, line []byte) protocol.Response
}

type Config struct {
	// Context bounds channel connections, which outlive their HTTP request.
	Context   context.Context
	Token     string
	Channel   Channel
	Loop      *loop.State
	Snapshots *snapshot.Store
	Broker    *events.Broker
	Commands  Commands
	StartedAt time.Time

	// AcceptChannel mounts the /channel websocket endpoint for a remote executor.
	AcceptChannel bool
}

func NewServer(cfg Config) http.Handler {
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	hcfg := huma.DefaultConfig("tabhub host API", "1.0.0")
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	if cfg.Broker != nil {
		router.Get("/api/v1/events", events.SSEHandler(cfg.Broker))
	}
	if cfg.Channel != nil && cfg.AcceptChannel {
		router.Get("/channel", channelHandler(cfg))
	}
	if cfg.Snapshots != nil {
		router.Get("/api/v1/snapshots/{snapshot_id}/image", snapshotImageHandler(cfg.Snapshots))
	}

	registerStatusHandlers(api, cfg)
	registerLoopHandlers(api, cfg)
	registerTabHandlers(api, cfg)
	registerSnapshotHandlers(api, cfg)
	registerCommandHandlers(api, cfg)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, snapshot.ErrNotFound) {
		return huma.Error404NotFound(err.Error())
	}
	msg := apperr.Message(err)
	switch code := apperr.CodeOf(err); code {
	case apperr.CodeValidation:
		return huma.Error400BadRequest(msg)
	case apperr.CodeAuth:
		return huma.Error401Unauthorized(msg)
	case apperr.CodeOwnership, apperr.CodeCommandNotAllowed:
		return huma.Error403Forbidden(msg)
	case apperr.CodeNoSession, apperr.CodeTabNotFound:
		return huma.Error404NotFound(msg)
	case apperr.CodeLoopActive, apperr.CodePoolFull, apperr.CodeCaptureRace, apperr.CodeSessionExpired:
		return huma.Error409Conflict(msg)
	case apperr.CodeTimeout:
		return huma.Error504GatewayTimeout(msg)
	case apperr.CodeDisconnected, apperr.CodeBrowserUnavailable:
		return huma.Error503ServiceUnavailable(msg)
	default:
		return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", code, msg))
	}
}
