package cdpbackend

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

func enableDomains() []chromedp.Action {
	return []chromedp.Action{network.Enable(), runtime.Enable(), page.Enable()}
}

// eventHandler routes a tab's network and console events into the tracker.
// It runs on chromedp's event goroutine and must not block.
func (b *Backend) eventHandler(tabID string) func(ev any) {
	tr := b.opts.Tracker
	return func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			tr.OnRequestWillBeSent(tabID, e)
		case *network.EventResponseReceived:
			tr.OnResponseReceived(tabID, e)
		case *network.EventLoadingFinished:
			tr.OnLoadingFinished(tabID, e)
		case *network.EventLoadingFailed:
			tr.OnLoadingFailed(tabID, e)
		case *runtime.EventConsoleAPICalled:
			url, line := topFrame(e.StackTrace)
			tr.OnConsole(tabID, consoleLevel(string(e.Type)), formatArgs(e.Args), url, line)
		case *runtime.EventExceptionThrown:
			if d := e.ExceptionDetails; d != nil {
				text := d.Text
				if d.Exception != nil && d.Exception.Description != "" {
					text = d.Exception.Description
				}
				tr.OnConsole(tabID, "error", text, d.URL, d.LineNumber)
			}
		case *page.EventFrameNavigated:
			if e.Frame != nil && e.Frame.ParentID == "" {
				slog.Debug("cdp tab navigated", "tab_id", tabID, "url", truncateURL(e.Frame.URL))
			}
		}
	}
}

func consoleLevel(t string) string {
	switch t {
	case "warning":
		return "warn"
	case "error", "assert":
		return "error"
	case "debug":
		return "debug"
	case "info":
		return "info"
	default:
		return "log"
	}
}

func topFrame(st *runtime.StackTrace) (string, int64) {
	if st == nil || len(st.CallFrames) == 0 {
		return "", 0
	}
	f := st.CallFrames[0]
	return f.URL, f.LineNumber + 1
}

// formatArgs renders console arguments the way the console prints them:
// strings unquoted, primitives as JSON, objects by description.
func formatArgs(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		switch {
		case len(a.Value) > 0:
			var s string
			if json.Unmarshal(a.Value, &s) == nil {
				parts = append(parts, s)
			} else {
				parts = append(parts, string(a.Value))
			}
		case a.UnserializableValue != "":
			parts = append(parts, string(a.UnserializableValue))
		case a.Description != "":
			parts = append(parts, a.Description)
		default:
			parts = append(parts, string(a.Type))
		}
	}
	return strings.Join(parts, " ")
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
