package main

import (
	"context"
	"net"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/tabhub/internal/bridge"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, API and browser executor in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			h, err := newHost(cfg)
			if err != nil {
				return err
			}
			ex, err := newExecutor(ctx, cfg, h.snapshots, h.broker)
			if err != nil {
				_ = h.listener.Close()
				_ = h.audit.Close()
				return err
			}
			defer ex.close()

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case <-ex.backend.Done():
					cancel()
				case <-ctx.Done():
				}
			}()

			hostEnd, execEnd := net.Pipe()
			go func() {
				if err := ex.coord.Serve(ctx, bridge.NewStreamLink(execEnd)); err != nil {
					cmdLog("executor channel ended", err)
				}
			}()
			go func() {
				if err := h.bridge.Serve(ctx, bridge.NewStreamLink(hostEnd)); err != nil {
					cmdLog("host channel ended", err)
				}
			}()

			return h.run(ctx, false)
		},
	}
}
