package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/dgnsrekt/tabhub/internal/bridge"
	"github.com/dgnsrekt/tabhub/internal/gateway"
	"github.com/dgnsrekt/tabhub/internal/loop"
	"github.com/dgnsrekt/tabhub/internal/protocol"
	"github.com/dgnsrekt/tabhub/internal/snapshot"
	"github.com/dgnsrekt/tabhub/internal/version"
)

type authInput struct {
	Authorization string `header:"Authorization" doc:"Bearer token from the token file"`
}

func bearer(header string) string {
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func authorize(cfg Config, header string) error {
	if !gateway.TokenMatches(cfg.Token, bearer(header)) {
		return huma.Error401Unauthorized("Invalid or missing auth token")
	}
	return nil
}

func registerStatusHandlers(api huma.API, cfg Config) {
	type healthOutput struct {
		Body struct {
			Status           string       `json:"status"`
			ChannelConnected bool         `json:"channel_connected"`
			PendingRequests  int          `json:"pending_requests"`
			UptimeSeconds    int64        `json:"uptime_seconds"`
			EventClients     int          `json:"event_clients"`
			Version          version.Info `json:"version"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			if cfg.Channel != nil {
				out.Body.ChannelConnected = cfg.Channel.Connected()
				out.Body.PendingRequests = cfg.Channel.PendingCount()
				if !out.Body.ChannelConnected {
					out.Body.Status = "degraded"
				}
			}
			if cfg.Broker != nil {
				out.Body.EventClients = cfg.Broker.ClientCount()
			}
			out.Body.UptimeSeconds = int64(time.Since(cfg.StartedAt).Seconds())
			out.Body.Version = version.Get()
			return out, nil
		})

	if cfg.Channel == nil {
		return
	}
	type pendingOutput struct {
		Body struct {
			Count    int                  `json:"count"`
			Requests []bridge.PendingInfo `json:"requests"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-pending", Method: http.MethodGet, Path: "/api/v1/pending", Summary: "List requests awaiting the automation channel", Tags: []string{"Channel"}},
		func(ctx context.Context, input *struct{}) (*pendingOutput, error) {
			out := &pendingOutput{}
			out.Body.Requests = cfg.Channel.Pending()
			if out.Body.Requests == nil {
				out.Body.Requests = []bridge.PendingInfo{}
			}
			out.Body.Count = len(out.Body.Requests)
			return out, nil
		})
}

func registerLoopHandlers(api huma.API, cfg Config) {
	if cfg.Loop == nil {
		return
	}
	type loopOutput struct {
		Body loop.Snapshot
	}
	huma.Register(api, huma.Operation{OperationID: "get-loop", Method: http.MethodGet, Path: "/api/v1/loop", Summary: "Get focus loop state", Tags: []string{"Loop"}},
		func(ctx context.Context, input *struct{}) (*loopOutput, error) {
			return &loopOutput{Body: cfg.Loop.State()}, nil
		})

	type stopOutput struct {
		Body struct {
			WasActive bool          `json:"wasActive"`
			State     loop.Snapshot `json:"state"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "stop-loop", Method: http.MethodPost, Path: "/api/v1/loop/stop", Summary: "Stop the focus loop", Tags: []string{"Loop"}},
		func(ctx context.Context, input *authInput) (*stopOutput, error) {
			if err := authorize(cfg, input.Authorization); err != nil {
				return nil, err
			}
			out := &stopOutput{}
			out.Body.WasActive, out.Body.State = cfg.Loop.Stop()
			return out, nil
		})
}

func registerTabHandlers(api huma.API, cfg Config) {
	if cfg.Channel == nil {
		return
	}
	type rawOutput struct {
		Body any
	}
	forward := func(command string) func(ctx context.Context, input *struct{}) (*rawOutput, error) {
		return func(ctx context.Context, input *struct{}) (*rawOutput, error) {
			res, err := cfg.Channel.Send(ctx, command, nil)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &rawOutput{}
			if err := json.Unmarshal(res, &out.Body); err != nil {
				return nil, huma.Error502BadGateway("malformed executor response")
			}
			return out, nil
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List pooled tabs and their owners", Tags: []string{"Tabs"}},
		forward(protocol.CmdGetTabs))
	huma.Register(api, huma.Operation{OperationID: "list-windows", Method: http.MethodGet, Path: "/api/v1/windows", Summary: "List browser windows", Tags: []string{"Tabs"}},
		forward(protocol.CmdGetWindows))
}

type snapshotIDInput struct {
	SnapshotID string `path:"snapshot_id"`
}

func registerSnapshotHandlers(api huma.API, cfg Config) {
	store := cfg.Snapshots
	if store == nil {
		return
	}
	type listSnapshotsOutput struct {
		Body struct {
			Snapshots []snapshot.Meta `json:"snapshots"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-snapshots", Method: http.MethodGet, Path: "/api/v1/snapshots", Summary: "List snapshots", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *struct {
			TabID string `query:"tab_id" doc:"Only snapshots of this tab"`
		}) (*listSnapshotsOutput, error) {
			metas, err := store.List(input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listSnapshotsOutput{}
			out.Body.Snapshots = metas
			if out.Body.Snapshots == nil {
				out.Body.Snapshots = []snapshot.Meta{}
			}
			return out, nil
		})

	type getSnapshotOutput struct {
		Body snapshot.Meta
	}
	huma.Register(api, huma.Operation{OperationID: "get-snapshot-metadata", Method: http.MethodGet, Path: "/api/v1/snapshots/{snapshot_id}/metadata", Summary: "Get snapshot metadata", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *snapshotIDInput) (*getSnapshotOutput, error) {
			meta, err := store.Get(input.SnapshotID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &getSnapshotOutput{Body: meta}, nil
		})

	type deleteSnapshotOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "delete-snapshot", Method: http.MethodDelete, Path: "/api/v1/snapshots/{snapshot_id}", Summary: "Delete snapshot", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *struct {
			authInput
			snapshotIDInput
		}) (*deleteSnapshotOutput, error) {
			if err := authorize(cfg, input.Authorization); err != nil {
				return nil, err
			}
			if err := store.Delete(input.SnapshotID); err != nil {
				return nil, mapErr(err)
			}
			out := &deleteSnapshotOutput{}
			out.Body.Status = "deleted"
			return out, nil
		})
}

func snapshotImageHandler(store *snapshot.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "snapshot_id")
		data, format, err := store.ReadImage(id)
		if err != nil {
			http.Error(w, "snapshot not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/"+format)
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(data)
	}
}

func registerCommandHandlers(api huma.API, cfg Config) {
	if cfg.Commands == nil {
		return
	}
	type commandOutput struct {
		Body protocol.Response
	}
	huma.Register(api, huma.Operation{OperationID: "run-command", Method: http.MethodPost, Path: "/api/v1/command", Summary: "Run one gateway command",
		Description: "Accepts the same request object as the command socket and returns its response unchanged.", Tags: []string{"Commands"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Command   string         `json:"command" doc:"Allow-listed command name"`
				Params    map[string]any `json:"params,omitempty"`
				AuthToken string         `json:"authToken,omitempty"`
			}
		}) (*commandOutput, error) {
			params, err := json.Marshal(input.Body.Params)
			if err != nil {
				return nil, huma.Error400BadRequest("invalid params")
			}
			line, err := json.Marshal(protocol.Request{Command: input.Body.Command, Params: params, AuthToken: input.Body.AuthToken})
			if err != nil {
				return nil, huma.Error400BadRequest("invalid request")
			}
			return &commandOutput{Body: cfg.Commands.Handle(ctx, line)}, nil
		})
}
