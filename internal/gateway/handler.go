package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dgnsrekt/tabhub/internal/apperr"
	"github.com/dgnsrekt/tabhub/internal/audit"
	"github.com/dgnsrekt/tabhub/internal/loop"
	"github.com/dgnsrekt/tabhub/internal/protocol"
)

const (
	msgInvalidJSON    = "Invalid JSON"
	msgAuth           = "Invalid or missing auth token"
	msgTooLarge       = "Message too large"
	msgMissingCommand = "Missing command"
)

// Forwarder sends a command across the automation channel.
type Forwarder interface {
	Send(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error)
}

// Recorder receives one entry per authenticated command.
type Recorder interface {
	Record(audit.Entry)
}

type target struct {
	Owner string `json:"ownerId"`
	TabID string `json:"tabId"`
}

// Handle processes one request line and returns its response. It never
// panics on client input.
func (s *Server) Handle(ctx context.Context, line []byte) protocol.Response {
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return protocol.Fail(msgInvalidJSON)
	}
	if !TokenMatches(s.token, req.AuthToken) {
		slog.Warn("gateway auth rejected", "command", req.Command)
		return protocol.Fail(msgAuth)
	}
	if req.Command == "" {
		return protocol.Fail(msgMissingCommand)
	}
	if !protocol.Allowed(req.Command) {
		return protocol.Fail(apperr.Message(apperr.Errorf(apperr.CodeCommandNotAllowed, "Command not allowed: %s", req.Command)))
	}

	var tgt target
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &tgt); err != nil {
			// Params that are not an object are passed through; the
			// executor reports its own validation error.
			tgt = target{}
		}
	}

	start := time.Now()
	local := protocol.IsLoopCommand(req.Command)
	var result any
	var err error
	if local {
		result, err = s.handleLoop(req.Command, req.Params)
	} else {
		var raw json.RawMessage
		raw, err = s.fwd.Send(ctx, req.Command, req.Params)
		if len(raw) > 0 {
			result = raw
		}
	}

	entry := audit.Entry{
		Command:    req.Command,
		Owner:      tgt.Owner,
		TabID:      tgt.TabID,
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
		Local:      local,
	}
	if err != nil {
		entry.Code = apperr.CodeOf(err)
		entry.Error = apperr.Message(err)
		slog.Debug("gateway command failed", "command", req.Command, "code", entry.Code, "error", err)
	}
	if s.rec != nil {
		s.rec.Record(entry)
	}

	if err != nil {
		return protocol.Fail(apperr.Message(err))
	}
	return protocol.OK(result)
}

func (s *Server) handleLoop(command string, params json.RawMessage) (any, error) {
	switch command {
	case protocol.CmdStartLoop:
		var p loop.StartParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, apperr.New(apperr.CodeValidation, "invalid startLoop params", err)
			}
		}
		return s.loop.Start(p)
	case protocol.CmdStopLoop:
		was, snap := s.loop.Stop()
		return map[string]any{"wasActive": was, "state": snap}, nil
	case protocol.CmdGetLoopState:
		return s.loop.State(), nil
	case protocol.CmdIncrementLoopIteration:
		return s.loop.IncrementIteration(), nil
	default:
		return nil, apperr.Errorf(apperr.CodeCommandNotAllowed, "Command not allowed: %s", command)
	}
}
