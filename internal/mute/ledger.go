// Package mute keeps the system's own record of who is muted in which
// session and arbitrates between human-issued mute/unmute commands and
// platform-driven presence events.
package mute

import (
	"sort"
	"sync"
	"time"

	"github.com/aura-voice/backend/internal/clock"
)

// DefaultExplicitTTL is how long an explicit action overrides event-driven
// reconciliation for its user.
const DefaultExplicitTTL = 10 * time.Second

// Kind is the explicit action that was issued.
type Kind int

const (
	KindMute Kind = iota + 1
	KindUnmute
)

func (k Kind) String() string {
	switch k {
	case KindMute:
		return "mute"
	case KindUnmute:
		return "unmute"
	default:
		return "unknown"
	}
}

// Entry is a short-lived explicit-action record. One per user; a newer
// action overwrites the previous one.
type Entry struct {
	Kind      Kind
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
	seq       uint64
}

// Live reports whether the entry still overrides reconciliation at now.
func (e Entry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Saver is notified after every set mutation.
type Saver interface {
	Save()
}

type nopSaver struct{}

func (nopSaver) Save() {}

// Ledger is the per-session mute set plus the explicit-action journal.
type Ledger struct {
	mu       sync.Mutex
	clock    clock.Clock
	ttl      time.Duration
	seq      uint64
	sets     map[string]map[string]struct{}
	explicit map[string]Entry
	saver    Saver
}

// NewLedger creates an empty ledger. A zero ttl uses DefaultExplicitTTL.
func NewLedger(clk clock.Clock, ttl time.Duration, saver Saver) *Ledger {
	if clk == nil {
		clk = clock.Real()
	}
	if ttl <= 0 {
		ttl = DefaultExplicitTTL
	}
	if saver == nil {
		saver = nopSaver{}
	}
	return &Ledger{
		clock:    clk,
		ttl:      ttl,
		sets:     make(map[string]map[string]struct{}),
		explicit: make(map[string]Entry),
		saver:    saver,
	}
}

// SetSaver replaces the mutation observer.
func (l *Ledger) SetSaver(saver Saver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saver = saver
}

// AddMutedUser records userID as muted in sessionID and journals an
// explicit Mute. Returns false if the user was already in the set; the
// journal entry is written either way.
func (l *Ledger) AddMutedUser(sessionID, userID string) bool {
	l.mu.Lock()
	set := l.sets[sessionID]
	if set == nil {
		set = make(map[string]struct{})
		l.sets[sessionID] = set
	}
	_, had := set[userID]
	set[userID] = struct{}{}
	l.journalLocked(KindMute, sessionID, userID)
	saver := l.saver
	l.mu.Unlock()
	if !had {
		saver.Save()
	}
	return !had
}

// RemoveMutedUser removes userID from the session's set and journals an
// explicit Unmute. Returns false if the user was not in the set.
func (l *Ledger) RemoveMutedUser(sessionID, userID string) bool {
	l.mu.Lock()
	set := l.sets[sessionID]
	_, had := set[userID]
	if had {
		delete(set, userID)
		if len(set) == 0 {
			delete(l.sets, sessionID)
		}
	}
	l.journalLocked(KindUnmute, sessionID, userID)
	saver := l.saver
	l.mu.Unlock()
	if had {
		saver.Save()
	}
	return had
}

func (l *Ledger) journalLocked(kind Kind, sessionID, userID string) {
	now := l.clock.Now()
	l.seq++
	seq := l.seq
	l.explicit[userID] = Entry{Kind: kind, SessionID: sessionID, IssuedAt: now, ExpiresAt: now.Add(l.ttl), seq: seq}
	l.clock.AfterFunc(l.ttl, func() { l.expire(userID, seq) })
}

// expire removes the entry only if it was not overwritten since.
func (l *Ledger) expire(userID string, seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.explicit[userID]; ok && e.seq == seq {
		delete(l.explicit, userID)
	}
}

// IsUserMuted reports the system's view: a live Unmute for this session
// wins over set membership.
func (l *Ledger) IsUserMuted(sessionID, userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.explicit[userID]; ok && e.Kind == KindUnmute && e.SessionID == sessionID && e.Live(l.clock.Now()) {
		return false
	}
	_, muted := l.sets[sessionID][userID]
	return muted
}

// Tracked reports raw set membership, ignoring the journal.
func (l *Ledger) Tracked(sessionID, userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, muted := l.sets[sessionID][userID]
	return muted
}

// Explicit returns the live explicit entry for userID, if any. Expired
// entries are ignored even if their cleanup timer has not run yet.
func (l *Ledger) Explicit(userID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.explicit[userID]
	if !ok || !e.Live(l.clock.Now()) {
		return Entry{}, false
	}
	return e, true
}

// Muted returns the users muted in sessionID.
func (l *Ledger) Muted(sessionID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sortedKeys(l.sets[sessionID])
}

// Purge drops the session's set and any explicit entries scoped to it.
func (l *Ledger) Purge(sessionID string) bool {
	l.mu.Lock()
	for user, e := range l.explicit {
		if e.SessionID == sessionID {
			delete(l.explicit, user)
		}
	}
	if _, ok := l.sets[sessionID]; !ok {
		l.mu.Unlock()
		return false
	}
	delete(l.sets, sessionID)
	saver := l.saver
	l.mu.Unlock()
	saver.Save()
	return true
}

// Sessions returns the session ids with a non-empty mute set.
func (l *Ledger) Sessions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.sets))
	for id := range l.sets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Export returns session -> sorted muted user ids.
func (l *Ledger) Export() map[string][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]string, len(l.sets))
	for id, set := range l.sets {
		out[id] = sortedKeys(set)
	}
	return out
}

// Import replaces the mute sets without notifying the saver. The journal
// is not persisted and starts empty.
func (l *Ledger) Import(sets map[string][]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sets = make(map[string]map[string]struct{}, len(sets))
	for id, users := range sets {
		if len(users) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(users))
		for _, u := range users {
			set[u] = struct{}{}
		}
		l.sets[id] = set
	}
	l.explicit = make(map[string]Entry)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
