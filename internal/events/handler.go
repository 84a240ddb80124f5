package events

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

const keepAliveInterval = 25 * time.Second

// matches reports whether eventType is selected by filter. A filter entry
// ending in "." selects a whole group, so "tab." matches "tab.closed".
func matches(filter []string, eventType string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == eventType || (strings.HasSuffix(f, ".") && strings.HasPrefix(eventType, f)) {
			return true
		}
	}
	return false
}

// SSEHandler streams events. Clients may filter via ?types=tab.,loop.stopped.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		var filter []string
		if q := r.URL.Query().Get("types"); q != "" {
			for _, f := range strings.Split(q, ",") {
				if f = strings.TrimSpace(f); f != "" {
					filter = append(filter, f)
				}
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if !matches(filter, evt.Type) {
					continue
				}
				payload := evt.Payload
				if len(payload) == 0 {
					payload = []byte("{}")
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
				flusher.Flush()
			}
		}
	}
}
