package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dgnsrekt/tabhub/internal/bridge"
	"github.com/dgnsrekt/tabhub/internal/gateway"
)

// channelHandler upgrades an authenticated executor connection and serves it
// as the automation channel until it drops.
func channelHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !gateway.TokenMatches(cfg.Token, bearer(r.Header.Get("Authorization"))) {
			slog.Warn("channel auth rejected", "remote", r.RemoteAddr)
			http.Error(w, "Invalid or missing auth token", http.StatusUnauthorized)
			return
		}
		if cfg.Channel.Connected() {
			http.Error(w, "automation channel already attached", http.StatusConflict)
			return
		}
		link, err := bridge.Upgrade(w, r)
		if err != nil {
			slog.Warn("channel upgrade failed", "error", err)
			return
		}
		slog.Info("channel connected", "remote", r.RemoteAddr)
		if err := cfg.Channel.Serve(cfg.Context, link); err != nil && !errors.Is(err, bridge.ErrAlreadyAttached) {
			slog.Warn("channel ended with error", "remote", r.RemoteAddr, "error", err)
			return
		}
		slog.Info("channel closed", "remote", r.RemoteAddr)
	}
}
