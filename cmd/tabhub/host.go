package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/tabhub/internal/bridge"
)

func newHostCmd() *cobra.Command {
	var stdio bool
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run the gateway and wait for an executor on the channel endpoint",
		Long: "Run the command socket and HTTP API. An executor attaches through the\n" +
			"/channel websocket, or over stdin/stdout with --stdio when launched as a\n" +
			"native messaging host.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(stdio)
			if err != nil {
				return err
			}
			h, err := newHost(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if stdio {
				go func() {
					err := h.bridge.Serve(ctx, bridge.NewStdioLink(os.Stdin, os.Stdout))
					cmdLog("stdio channel ended", err)
				}()
				return h.run(ctx, false)
			}
			slog.Info("waiting for executor", "endpoint", cfg.HostURL)
			return h.run(ctx, true)
		},
	}
	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve the automation channel over stdin/stdout")
	return cmd
}

func cmdLog(msg string, err error) {
	if err != nil {
		slog.Warn(msg, "error", err)
		return
	}
	slog.Info(msg)
}
