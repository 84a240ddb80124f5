package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/tabhub/internal/bridge"
	"github.com/dgnsrekt/tabhub/internal/events"
	"github.com/dgnsrekt/tabhub/internal/gateway"
)

const (
	minRedial = time.Second
	maxRedial = 30 * time.Second
)

func newBrowserCmd() *cobra.Command {
	var hostURL string
	cmd := &cobra.Command{
		Use:   "browser",
		Short: "Drive the local browser for a host over its channel endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			if hostURL != "" {
				cfg.HostURL = hostURL
			}
			token, err := gateway.ReadTokenFile(cfg.TokenFile)
			if err != nil {
				return err
			}
			snapshots, err := openSnapshots(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			ex, err := newExecutor(ctx, cfg, snapshots, events.NewBroker())
			if err != nil {
				return err
			}
			defer ex.close()

			browserGone := errors.New("browser connection lost")
			go func() {
				select {
				case <-ex.backend.Done():
					cancel()
				case <-ctx.Done():
				}
			}()

			delay := minRedial
			for {
				link, err := bridge.Dial(ctx, cfg.HostURL, token)
				if err == nil {
					slog.Info("channel attached", "host", cfg.HostURL)
					delay = minRedial
					cmdLog("channel detached", ex.coord.Serve(ctx, link))
				} else if ctx.Err() == nil {
					slog.Warn("channel dial failed", "host", cfg.HostURL, "retry_in", delay, "error", err)
				}

				select {
				case <-ex.backend.Done():
					return browserGone
				case <-ctx.Done():
					select {
					case <-ex.backend.Done():
						return browserGone
					default:
					}
					return nil
				case <-time.After(delay):
				}
				delay = min(delay*2, maxRedial)
			}
		},
	}
	cmd.Flags().StringVar(&hostURL, "host", "", "channel endpoint (default TABHUB_HOST_URL)")
	return cmd
}
