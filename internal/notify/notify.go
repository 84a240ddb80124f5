// Package notify posts short plain-text messages to a webhook such as ntfy.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/tabhub/internal/loop"
)

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification failed: status=%d", resp.StatusCode)
	}
	return nil
}

// LoopMessage renders the text sent when a focus loop ends.
func LoopMessage(s loop.Snapshot) string {
	prompt := s.Prompt
	if len(prompt) > 120 {
		prompt = prompt[:117] + "..."
	}
	bound := "unbounded"
	if s.MaxIterations > 0 {
		bound = fmt.Sprintf("of %d", s.MaxIterations)
	}
	reason := "stopped"
	if s.EndReason == loop.EndTimeout {
		reason = "hit the one hour limit"
	}
	return fmt.Sprintf("Focus loop %s after %d iterations (%s): %s", reason, s.Iteration, bound, prompt)
}

// LoopNotifier posts a message whenever a loop goes idle.
type LoopNotifier struct {
	Endpoint string
	Client   *http.Client
	Timeout  time.Duration
}

// OnChange is suitable for loop.WithOnChange. Sends happen in the background.
func (n *LoopNotifier) OnChange(s loop.Snapshot) {
	if n == nil || n.Endpoint == "" || s.Active {
		return
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	msg := LoopMessage(s)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := Send(ctx, n.Client, n.Endpoint, msg); err != nil {
			slog.Warn("loop notification failed", "error", err)
		}
	}()
}
