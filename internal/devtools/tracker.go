// Package devtools follows per-tab network and console activity. It feeds the
// readiness detector and keeps bounded history for inspection commands.
package devtools

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/dgnsrekt/tabhub/internal/readiness"
)

const (
	DefaultHistory      = 500
	DefaultMaxPostBytes = 8 << 10
	DefaultMaxTextBytes = 16 << 10
	staleAfter          = 5 * time.Minute
)

// Class groups resource types by how they gate a capture.
type Class int

const (
	ClassOther Class = iota
	ClassCritical
	ClassVisual
)

// Classify maps a CDP resource type onto a readiness class.
func Classify(t network.ResourceType) Class {
	switch t {
	case network.ResourceTypeDocument, network.ResourceTypeScript, network.ResourceTypeStylesheet,
		network.ResourceTypeXHR, network.ResourceTypeFetch:
		return ClassCritical
	case network.ResourceTypeImage, network.ResourceTypeFont, network.ResourceTypeMedia:
		return ClassVisual
	default:
		return ClassOther
	}
}

// NetworkRequest is one completed or failed request kept for inspection.
type NetworkRequest struct {
	RequestID    string    `json:"requestId"`
	TabID        string    `json:"tabId"`
	URL          string    `json:"url"`
	Method       string    `json:"method"`
	Type         string    `json:"type"`
	Status       int       `json:"status,omitempty"`
	StatusText   string    `json:"statusText,omitempty"`
	MimeType     string    `json:"mimeType,omitempty"`
	PostData     string    `json:"postData,omitempty"`
	Truncated    bool      `json:"truncated,omitempty"`
	OriginalSize int       `json:"originalSize,omitempty"`
	EncodedBytes float64   `json:"encodedBytes,omitempty"`
	Failed       bool      `json:"failed,omitempty"`
	ErrorText    string    `json:"errorText,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	DurationMs   int64     `json:"durationMs"`
}

// ConsoleMessage is one console API call.
type ConsoleMessage struct {
	TabID     string    `json:"tabId"`
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	Truncated bool      `json:"truncated,omitempty"`
	URL       string    `json:"url,omitempty"`
	Line      int64     `json:"line,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type pendingRequest struct {
	req   NetworkRequest
	class Class
	seen  time.Time
}

type tabState struct {
	pending   map[string]*pendingRequest
	completed uint64
	network   *ring[NetworkRequest]
	console   *ring[ConsoleMessage]
}

type Options struct {
	History      int
	MaxPostBytes int
	MaxTextBytes int
}

// Tracker correlates network lifecycle events per tab.
type Tracker struct {
	opts Options
	now  func() time.Time

	mu   sync.Mutex
	tabs map[string]*tabState

	done chan struct{}
	once sync.Once
}

func NewTracker(opts Options) *Tracker {
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}
	if opts.MaxPostBytes <= 0 {
		opts.MaxPostBytes = DefaultMaxPostBytes
	}
	if opts.MaxTextBytes <= 0 {
		opts.MaxTextBytes = DefaultMaxTextBytes
	}
	t := &Tracker{
		opts: opts,
		now:  time.Now,
		tabs: make(map[string]*tabState),
		done: make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

func (t *Tracker) Close() {
	t.once.Do(func() { close(t.done) })
}

func (t *Tracker) tab(tabID string) *tabState {
	st, ok := t.tabs[tabID]
	if !ok {
		st = &tabState{
			pending: make(map[string]*pendingRequest),
			network: newRing[NetworkRequest](t.opts.History),
			console: newRing[ConsoleMessage](t.opts.History),
		}
		t.tabs[tabID] = st
	}
	return st
}

func (t *Tracker) OnRequestWillBeSent(tabID string, ev *network.EventRequestWillBeSent) {
	if ev == nil || ev.Request == nil {
		return
	}
	var postData []byte
	if ev.Request.HasPostData {
		for _, entry := range ev.Request.PostDataEntries {
			if entry.Bytes == "" {
				continue
			}
			decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
			if err != nil {
				postData = append(postData, entry.Bytes...)
			} else {
				postData = append(postData, decoded...)
			}
		}
	}
	body, truncated, size, _ := truncateBytes(postData, t.opts.MaxPostBytes)

	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.tab(tabID)
	// A redirect reuses the request id; the earlier hop is finished.
	if prev, ok := st.pending[string(ev.RequestID)]; ok {
		prev.req.DurationMs = now.Sub(prev.req.StartedAt).Milliseconds()
		st.network.push(prev.req)
		st.completed++
	}
	st.pending[string(ev.RequestID)] = &pendingRequest{
		req: NetworkRequest{
			RequestID:    string(ev.RequestID),
			TabID:        tabID,
			URL:          ev.Request.URL,
			Method:       ev.Request.Method,
			Type:         string(ev.Type),
			PostData:     string(body),
			Truncated:    truncated,
			OriginalSize: originalSize(truncated, size),
			StartedAt:    now,
		},
		class: Classify(ev.Type),
		seen:  now,
	}
}

func originalSize(truncated bool, size int) int {
	if truncated {
		return size
	}
	return 0
}

func (t *Tracker) OnResponseReceived(tabID string, ev *network.EventResponseReceived) {
	if ev == nil || ev.Response == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.tab(tabID).pending[string(ev.RequestID)]
	if !ok {
		return
	}
	p.req.Status = int(ev.Response.Status)
	p.req.StatusText = ev.Response.StatusText
	p.req.MimeType = ev.Response.MimeType
	if ev.Type != "" {
		p.req.Type = string(ev.Type)
		p.class = Classify(ev.Type)
	}
	p.seen = t.now()
}

func (t *Tracker) OnLoadingFinished(tabID string, ev *network.EventLoadingFinished) {
	if ev == nil {
		return
	}
	t.finish(tabID, string(ev.RequestID), func(r *NetworkRequest) {
		r.EncodedBytes = ev.EncodedDataLength
	})
}

func (t *Tracker) OnLoadingFailed(tabID string, ev *network.EventLoadingFailed) {
	if ev == nil {
		return
	}
	t.finish(tabID, string(ev.RequestID), func(r *NetworkRequest) {
		r.Failed = true
		r.ErrorText = ev.ErrorText
	})
}

func (t *Tracker) finish(tabID, requestID string, apply func(*NetworkRequest)) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.tab(tabID)
	p, ok := st.pending[requestID]
	if !ok {
		return
	}
	delete(st.pending, requestID)
	apply(&p.req)
	p.req.DurationMs = now.Sub(p.req.StartedAt).Milliseconds()
	st.network.push(p.req)
	st.completed++
}

// OnConsole records a console API call. Args are already rendered to text.
func (t *Tracker) OnConsole(tabID, level, text, url string, line int64) {
	out, truncated, _, _ := truncateStringBytes(text, t.opts.MaxTextBytes)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tab(tabID).console.push(ConsoleMessage{
		TabID:     tabID,
		Level:     level,
		Text:      out,
		Truncated: truncated,
		URL:       url,
		Line:      line,
		Timestamp: t.now(),
	})
}

// Outstanding reports the in-flight requests for tabID by class.
func (t *Tracker) Outstanding(tabID string) readiness.Activity {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.tabs[tabID]
	if !ok {
		return readiness.Activity{}
	}
	var a readiness.Activity
	for _, p := range st.pending {
		switch p.class {
		case ClassCritical:
			a.Critical++
		case ClassVisual:
			a.Visual++
		}
	}
	a.Completed = st.completed
	return a
}

// NetworkRequests returns up to limit of the newest finished requests, oldest first.
func (t *Tracker) NetworkRequests(tabID string, limit int) []NetworkRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.tabs[tabID]
	if !ok {
		return []NetworkRequest{}
	}
	return st.network.last(limit)
}

// ConsoleLogs returns up to limit of the newest console messages, oldest first.
func (t *Tracker) ConsoleLogs(tabID string, limit int) []ConsoleMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.tabs[tabID]
	if !ok {
		return []ConsoleMessage{}
	}
	return st.console.last(limit)
}

// ResetPending drops in-flight entries for a tab, as after a new navigation
// whose earlier requests will never report completion.
func (t *Tracker) ResetPending(tabID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.tabs[tabID]; ok {
		st.pending = make(map[string]*pendingRequest)
	}
}

func (t *Tracker) ForgetTab(tabID string) {
	t.mu.Lock()
	delete(t.tabs, tabID)
	t.mu.Unlock()
}

func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.cleanupStale()
		case <-t.done:
			return
		}
	}
}

func (t *Tracker) cleanupStale() {
	threshold := t.now().Add(-staleAfter)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, st := range t.tabs {
		for id, p := range st.pending {
			if p.seen.Before(threshold) {
				delete(st.pending, id)
			}
		}
	}
}
