package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/tabhub/internal/config"
	"github.com/dgnsrekt/tabhub/internal/gateway"
	"github.com/dgnsrekt/tabhub/internal/protocol"
)

func newSendCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <command> [params-json]",
		Short: "Send one command to a running gateway and print the response",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := gateway.ReadTokenFile(cfg.TokenFile)
			if err != nil {
				return err
			}
			req := protocol.Request{Command: args[0], AuthToken: token}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return errors.New("params must be a JSON object")
				}
				req.Params = json.RawMessage(args[1])
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			resp, err := sendOnce(ctx, cfg.SocketPath, req)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(out)); err != nil {
				return err
			}
			if !resp.Success {
				return errors.New(resp.Error)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 35*time.Second, "overall deadline for the round trip")
	return cmd
}

// sendOnce writes req as one line on the socket and reads one response line.
func sendOnce(ctx context.Context, socketPath string, req protocol.Request) (protocol.Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("connect %s: %w", socketPath, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := protocol.WriteLine(conn, req); err != nil {
		return protocol.Response{}, fmt.Errorf("write request: %w", err)
	}
	line, err := protocol.NewLineReader(conn, 0).ReadLine()
	if err != nil {
		return protocol.Response{}, fmt.Errorf("read response: %w", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return protocol.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
