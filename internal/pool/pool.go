package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tabhub/internal/apperr"
)

// MaxTabs bounds the shared window.
const MaxTabs = 10

// EvictionPolicy selects which entry makes room when the pool is full.
type EvictionPolicy string

const (
	// EvictFIFO evicts the oldest-inserted tab regardless of owner.
	EvictFIFO EvictionPolicy = "fifo"
	// EvictOwner evicts the requester's oldest own or unattributed tab and
	// refuses with POOL_FULL when none exists.
	EvictOwner EvictionPolicy = "owner"
)

// ParseEvictionPolicy accepts "", "fifo" and "owner".
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	switch EvictionPolicy(s) {
	case "", EvictFIFO:
		return EvictFIFO, nil
	case EvictOwner:
		return EvictOwner, nil
	default:
		return "", fmt.Errorf("unknown eviction policy %q", s)
	}
}

// TabEntry is one pooled tab. Owner never changes after insert.
type TabEntry struct {
	TabID     string    `json:"tabId"`
	Owner     string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is a point-in-time copy of the pool state.
type Session struct {
	WindowID    string     `json:"windowId"`
	Tabs        []TabEntry `json:"tabs"`
	ActiveTabID string     `json:"activeTabId"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Backend performs the browser side effects the pool decides on.
type Backend interface {
	CreateWindow(ctx context.Context, url string) (windowID, tabID string, err error)
	CreateTab(ctx context.Context, windowID, url string) (tabID string, err error)
	CloseTab(ctx context.Context, tabID string) error
	CloseWindow(ctx context.Context, windowID string) error
	WindowExists(ctx context.Context, windowID string) (bool, error)
}

// EventKind names pool transitions published to observers.
type EventKind string

const (
	EventTabCreated     EventKind = "tab.created"
	EventTabEvicted     EventKind = "tab.evicted"
	EventTabClosed      EventKind = "tab.closed"
	EventSessionCreated EventKind = "session.created"
	EventSessionClosed  EventKind = "session.closed"
)

// Event describes one pool transition.
type Event struct {
	Kind     EventKind `json:"kind"`
	TabID    string    `json:"tabId,omitempty"`
	WindowID string    `json:"windowId,omitempty"`
	Owner    string    `json:"ownerId,omitempty"`
}

type Options struct {
	Policy  EvictionPolicy
	MaxTabs int
	// Notify is called synchronously, outside the pool lock, after each transition.
	Notify func(Event)
	Now    func() time.Time
}

// CreateResult reports the tab inserted by CreateTab and any eviction it caused.
type CreateResult struct {
	TabID        string `json:"tabId"`
	WindowID     string `json:"windowId"`
	Evicted      bool   `json:"evicted"`
	EvictedTabID string `json:"closedOldestTab,omitempty"`
}

type session struct {
	windowID  string
	tabs      []TabEntry
	activeID  string
	createdAt time.Time
}

// Manager is the sole writer of the shared window session. The lock is held
// across backend calls so pool decisions and their browser effects stay in
// one order.
type Manager struct {
	backend Backend
	policy  EvictionPolicy
	maxTabs int
	notify  func(Event)
	now     func() time.Time

	mu   sync.Mutex
	sess *session
}

func NewManager(backend Backend, opts Options) *Manager {
	m := &Manager{
		backend: backend,
		policy:  opts.Policy,
		maxTabs: opts.MaxTabs,
		notify:  opts.Notify,
		now:     opts.Now,
	}
	if m.policy == "" {
		m.policy = EvictFIFO
	}
	if m.maxTabs <= 0 || m.maxTabs > MaxTabs {
		m.maxTabs = MaxTabs
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func (m *Manager) Policy() EvictionPolicy { return m.policy }

func (m *Manager) MaxTabs() int { return m.maxTabs }

// WouldEvict reports whether a tab created for owner now would evict one.
// It returns POOL_FULL when the pool is full and policy leaves no victim.
func (m *Manager) WouldEvict(owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || len(m.sess.tabs) < m.maxTabs {
		return false, nil
	}
	if _, err := m.victim(NormalizeOwner(owner)); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) emit(events []Event) {
	if m.notify == nil {
		return
	}
	for _, ev := range events {
		m.notify(ev)
	}
}

// CreateTab opens url in a new pooled tab owned by owner and makes it active.
// The first call creates the window. A full pool evicts one entry first.
func (m *Manager) CreateTab(ctx context.Context, url, owner string) (CreateResult, error) {
	owner = NormalizeOwner(owner)
	var events []Event
	defer func() { m.emit(events) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != nil {
		ok, err := m.backend.WindowExists(ctx, m.sess.windowID)
		if err != nil {
			return CreateResult{}, fmt.Errorf("check window: %w", err)
		}
		if !ok {
			slog.Warn("pool window vanished, dropping session", "window_id", m.sess.windowID)
			events = append(events, Event{Kind: EventSessionClosed, WindowID: m.sess.windowID})
			m.sess = nil
		}
	}

	if m.sess == nil {
		windowID, tabID, err := m.backend.CreateWindow(ctx, url)
		if err != nil {
			return CreateResult{}, apperr.New(apperr.CodeBrowserUnavailable, "failed to create window", err)
		}
		now := m.now()
		m.sess = &session{
			windowID:  windowID,
			tabs:      []TabEntry{{TabID: tabID, Owner: owner, CreatedAt: now}},
			activeID:  tabID,
			createdAt: now,
		}
		slog.Info("pool session created", "window_id", windowID, "tab_id", tabID, "owner", owner)
		events = append(events,
			Event{Kind: EventSessionCreated, WindowID: windowID},
			Event{Kind: EventTabCreated, TabID: tabID, WindowID: windowID, Owner: owner},
		)
		return CreateResult{TabID: tabID, WindowID: windowID}, nil
	}

	res := CreateResult{WindowID: m.sess.windowID}
	if len(m.sess.tabs) >= m.maxTabs {
		idx, err := m.victim(owner)
		if err != nil {
			return CreateResult{}, err
		}
		victim := m.sess.tabs[idx]
		if err := m.backend.CloseTab(ctx, victim.TabID); err != nil {
			return CreateResult{}, apperr.New(apperr.CodeBrowserUnavailable, "failed to evict tab "+victim.TabID, err)
		}
		m.removeAt(idx)
		res.Evicted = true
		res.EvictedTabID = victim.TabID
		slog.Info("pool evicted tab", "tab_id", victim.TabID, "owner", victim.Owner, "requester", owner, "policy", m.policy)
		events = append(events, Event{Kind: EventTabEvicted, TabID: victim.TabID, WindowID: m.sess.windowID, Owner: victim.Owner})
	}

	tabID, err := m.backend.CreateTab(ctx, m.sess.windowID, url)
	if err != nil {
		return res, apperr.New(apperr.CodeBrowserUnavailable, "failed to create tab", err)
	}
	m.sess.tabs = append(m.sess.tabs, TabEntry{TabID: tabID, Owner: owner, CreatedAt: m.now()})
	m.sess.activeID = tabID
	res.TabID = tabID
	slog.Info("pool tab created", "tab_id", tabID, "owner", owner, "size", len(m.sess.tabs))
	events = append(events, Event{Kind: EventTabCreated, TabID: tabID, WindowID: m.sess.windowID, Owner: owner})
	return res, nil
}

func (m *Manager) victim(requester string) (int, error) {
	if m.policy != EvictOwner {
		return 0, nil
	}
	for i, e := range m.sess.tabs {
		if e.Owner == requester || e.Owner == UnknownOwner {
			return i, nil
		}
	}
	return -1, apperr.Errorf(apperr.CodePoolFull, "tab pool is full (%d tabs) and none can be evicted for %s", len(m.sess.tabs), requester)
}

func (m *Manager) indexOf(tabID string) int {
	for i, e := range m.sess.tabs {
		if e.TabID == tabID {
			return i
		}
	}
	return -1
}

// removeAt drops the entry and re-derives the active tab if it was removed.
func (m *Manager) removeAt(idx int) {
	removed := m.sess.tabs[idx]
	m.sess.tabs = append(m.sess.tabs[:idx:idx], m.sess.tabs[idx+1:]...)
	if m.sess.activeID == removed.TabID {
		m.sess.activeID = ""
		if n := len(m.sess.tabs); n > 0 {
			m.sess.activeID = m.sess.tabs[n-1].TabID
		}
	}
}

func noSession() error {
	return apperr.New(apperr.CodeNoSession, "no active tab session; create a tab first", nil)
}

func tabNotFound(tabID string) error {
	return apperr.Errorf(apperr.CodeTabNotFound, "tab %s is not in the pool", tabID)
}

// CloseTab closes a pooled tab on behalf of owner.
func (m *Manager) CloseTab(ctx context.Context, tabID, owner string) error {
	owner = NormalizeOwner(owner)
	var events []Event
	defer func() { m.emit(events) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil {
		return noSession()
	}
	idx := m.indexOf(tabID)
	if idx < 0 {
		return tabNotFound(tabID)
	}
	if err := VerifyOwnership(m.sess.tabs[idx], owner, "close"); err != nil {
		return err
	}
	if err := m.backend.CloseTab(ctx, tabID); err != nil {
		return apperr.New(apperr.CodeBrowserUnavailable, "failed to close tab "+tabID, err)
	}
	m.removeAt(idx)
	slog.Info("pool tab closed", "tab_id", tabID, "owner", owner, "size", len(m.sess.tabs))
	events = append(events, Event{Kind: EventTabClosed, TabID: tabID, WindowID: m.sess.windowID, Owner: owner})
	if len(m.sess.tabs) == 0 {
		// The browser closes a window with its last tab.
		events = append(events, Event{Kind: EventSessionClosed, WindowID: m.sess.windowID})
		m.sess = nil
	}
	return nil
}

// CloseWindow destroys the session unless another agent still holds tabs.
func (m *Manager) CloseWindow(ctx context.Context, owner string) error {
	owner = NormalizeOwner(owner)
	var events []Event
	defer func() { m.emit(events) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil {
		return noSession()
	}
	for _, e := range m.sess.tabs {
		if e.Owner != UnknownOwner && e.Owner != owner {
			return &OwnershipError{Operation: "closeWindow", Owner: e.Owner, Requester: owner}
		}
	}
	if err := m.backend.CloseWindow(ctx, m.sess.windowID); err != nil {
		return apperr.New(apperr.CodeBrowserUnavailable, "failed to close window", err)
	}
	slog.Info("pool session closed", "window_id", m.sess.windowID, "owner", owner)
	events = append(events, Event{Kind: EventSessionClosed, WindowID: m.sess.windowID})
	m.sess = nil
	return nil
}

// ActiveTab returns the active entry. A stale active id is replaced by the
// most recently inserted entry and the choice is kept.
func (m *Manager) ActiveTab() (TabEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || len(m.sess.tabs) == 0 {
		return TabEntry{}, noSession()
	}
	if idx := m.indexOf(m.sess.activeID); idx >= 0 {
		return m.sess.tabs[idx], nil
	}
	last := m.sess.tabs[len(m.sess.tabs)-1]
	slog.Debug("pool active tab healed", "stale", m.sess.activeID, "active", last.TabID)
	m.sess.activeID = last.TabID
	return last, nil
}

// SetActive records tabID as the visible tab. Unknown ids are rejected.
func (m *Manager) SetActive(tabID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return noSession()
	}
	if m.indexOf(tabID) < 0 {
		return tabNotFound(tabID)
	}
	m.sess.activeID = tabID
	return nil
}

// ListTabs returns the entries in insertion order.
func (m *Manager) ListTabs() []TabEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return []TabEntry{}
	}
	out := make([]TabEntry, len(m.sess.tabs))
	copy(out, m.sess.tabs)
	return out
}

// Lookup returns the entry for tabID.
func (m *Manager) Lookup(tabID string) (TabEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return TabEntry{}, noSession()
	}
	idx := m.indexOf(tabID)
	if idx < 0 {
		return TabEntry{}, tabNotFound(tabID)
	}
	return m.sess.tabs[idx], nil
}

// Authorize looks up tabID and verifies owner may perform operation on it.
func (m *Manager) Authorize(tabID, owner, operation string) (TabEntry, error) {
	entry, err := m.Lookup(tabID)
	if err != nil {
		return TabEntry{}, err
	}
	if err := VerifyOwnership(entry, NormalizeOwner(owner), operation); err != nil {
		return TabEntry{}, err
	}
	return entry, nil
}

// Snapshot copies the session, reporting false when none exists.
func (m *Manager) Snapshot() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Session{}, false
	}
	tabs := make([]TabEntry, len(m.sess.tabs))
	copy(tabs, m.sess.tabs)
	return Session{
		WindowID:    m.sess.windowID,
		Tabs:        tabs,
		ActiveTabID: m.sess.activeID,
		CreatedAt:   m.sess.createdAt,
	}, true
}

// Validate confirms the session window still exists, dropping the session
// and returning SESSION_EXPIRED when it does not.
func (m *Manager) Validate(ctx context.Context) error {
	var events []Event
	defer func() { m.emit(events) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return noSession()
	}
	ok, err := m.backend.WindowExists(ctx, m.sess.windowID)
	if err != nil {
		return apperr.New(apperr.CodeBrowserUnavailable, "failed to validate window", err)
	}
	if !ok {
		events = append(events, Event{Kind: EventSessionClosed, WindowID: m.sess.windowID})
		m.sess = nil
		return apperr.New(apperr.CodeSessionExpired, "tab session expired; the window was closed", nil)
	}
	return nil
}

// HandleTabClosed removes a tab the browser reports closed.
func (m *Manager) HandleTabClosed(tabID string) {
	var events []Event
	defer func() { m.emit(events) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return
	}
	idx := m.indexOf(tabID)
	if idx < 0 {
		return
	}
	owner := m.sess.tabs[idx].Owner
	m.removeAt(idx)
	slog.Debug("pool tab closed externally", "tab_id", tabID)
	events = append(events, Event{Kind: EventTabClosed, TabID: tabID, WindowID: m.sess.windowID, Owner: owner})
	if len(m.sess.tabs) == 0 {
		events = append(events, Event{Kind: EventSessionClosed, WindowID: m.sess.windowID})
		m.sess = nil
	}
}

// HandleWindowClosed drops the session if windowID is the pool window.
func (m *Manager) HandleWindowClosed(windowID string) {
	var events []Event
	defer func() { m.emit(events) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.windowID != windowID {
		return
	}
	slog.Info("pool window closed externally", "window_id", windowID)
	events = append(events, Event{Kind: EventSessionClosed, WindowID: windowID})
	m.sess = nil
}
