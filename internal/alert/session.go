// Package alert tracks open voice-prompt sessions, one per dose slot.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Key identifies one slot on one calendar day.
type Key struct {
	Date       string
	MedicineID string
	Time       string
}

func (k Key) String() string {
	return k.Date + "/" + k.MedicineID + "/" + k.Time
}

type Phase int

const (
	PhaseAnnouncing Phase = iota
	PhaseListening
	PhaseResolved
	PhaseEscalating
)

func (p Phase) String() string {
	switch p {
	case PhaseAnnouncing:
		return "announcing"
	case PhaseListening:
		return "listening"
	case PhaseResolved:
		return "resolved"
	case PhaseEscalating:
		return "escalating"
	}
	return "unknown"
}

// Session is a handle to one open alert. Version is unique across the
// lifetime of a Table, so a stale handle never matches a newer session for
// the same key.
type Session struct {
	Key      Key
	Version  uint64
	OpenedAt time.Time

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	// guarded by Table.mu
	phase Phase
	timer clockwork.Timer
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Parent is the context the session was opened under; it outlives the session.
func (s *Session) Parent() context.Context { return s.parent }

// Table holds the open sessions and the per-slot idle-miss counts.
type Table struct {
	mu      sync.Mutex
	next    uint64
	active  map[Key]*Session
	idle    map[Key]int
	onClose func(s *Session, phase Phase)
}

func NewTable() *Table {
	return &Table{
		active: make(map[Key]*Session),
		idle:   make(map[Key]int),
	}
}

// Open creates a session for key unless one is already open.
func (t *Table) Open(parent context.Context, key Key, now time.Time) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.active[key]; ok {
		return nil, false
	}
	t.next++
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		Key:      key,
		Version:  t.next,
		OpenedAt: now,
		parent:   parent,
		ctx:      ctx,
		cancel:   cancel,
		phase:    PhaseAnnouncing,
	}
	t.active[key] = s
	return s, true
}

func (t *Table) currentLocked(s *Session) bool {
	cur, ok := t.active[s.Key]
	return ok && cur.Version == s.Version
}

// IsCurrent reports whether s is still the open session for its key.
func (t *Table) IsCurrent(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentLocked(s)
}

// StartListening moves s to the listening phase and attaches its no-response
// timer. If s was closed in the meantime the timer is stopped and false is
// returned.
func (t *Table) StartListening(s *Session, timer clockwork.Timer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.currentLocked(s) {
		timer.Stop()
		return false
	}
	s.phase = PhaseListening
	s.timer = timer
	return true
}

// Close ends s with the given final phase. Only the first caller for a given
// session gets true; everyone else must not act on the session.
func (t *Table) Close(s *Session, phase Phase) bool {
	t.mu.Lock()
	if !t.currentLocked(s) {
		t.mu.Unlock()
		return false
	}
	delete(t.active, s.Key)
	s.phase = phase
	if s.timer != nil {
		s.timer.Stop()
	}
	onClose := t.onClose
	t.mu.Unlock()

	s.cancel()
	if onClose != nil {
		onClose(s, phase)
	}
	return true
}

// CloseAll closes every open session as resolved and returns how many there were.
func (t *Table) CloseAll() int {
	t.mu.Lock()
	open := make([]*Session, 0, len(t.active))
	for _, s := range t.active {
		open = append(open, s)
	}
	t.mu.Unlock()

	n := 0
	for _, s := range open {
		if t.Close(s, PhaseResolved) {
			n++
		}
	}
	return n
}

// OnClose registers a hook run after a session closes.
func (t *Table) OnClose(fn func(s *Session, phase Phase)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

func (t *Table) Get(key Key) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.active[key]
	return s, ok
}

func (t *Table) Phase(s *Session) Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return s.phase
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// IncIdle records a no-response timeout and returns the new count.
func (t *Table) IncIdle(key Key) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.idle[key]++
	return t.idle[key]
}

func (t *Table) ResetIdle(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.idle, key)
}

func (t *Table) Idle(key Key) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idle[key]
}

// Rollover forgets idle counts for days other than date.
func (t *Table) Rollover(date string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.idle {
		if k.Date != date {
			delete(t.idle, k)
		}
	}
}
