// Package snapshot persists the session registries as a set of JSON
// documents, one per registry, and restores them at startup.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-voice/backend/internal/clock"
	"github.com/aura-voice/backend/internal/mute"
	"github.com/aura-voice/backend/internal/ownership"
)

// Document names. Each is a JSON object keyed by session id.
const (
	DocOwners        = "owners"
	DocHidden        = "hidden"
	DocLocked        = "locked"
	DocWaitingRooms  = "waiting_rooms"
	DocBans          = "bans"
	DocSubmoderators = "submoderators"
	DocMutes         = "mutes"
)

// Documents lists every document in write order.
var Documents = []string{DocOwners, DocHidden, DocLocked, DocWaitingRooms, DocBans, DocSubmoderators, DocMutes}

// DefaultWindow coalesces bursts of mutations into one write.
const DefaultWindow = 2 * time.Second

// Store reads and writes the document set.
type Store interface {
	Write(ctx context.Context, docs map[string][]byte) error
	// Read returns the documents that exist; missing ones are omitted.
	Read(ctx context.Context) (map[string][]byte, error)
}

// Snapshotter serializes the registries to a Store. Save is cheap and
// debounced; Flush writes immediately.
type Snapshotter struct {
	store  Store
	owners *ownership.Registry
	subs   *ownership.Submoderators
	mutes  *mute.Ledger
	clock  clock.Clock
	window time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	pending bool
	writeMu sync.Mutex
}

// New creates a snapshotter and registers it as the saver of every registry.
func New(store Store, owners *ownership.Registry, subs *ownership.Submoderators, mutes *mute.Ledger, clk clock.Clock, window time.Duration, logger *zap.Logger) *Snapshotter {
	if clk == nil {
		clk = clock.Real()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Snapshotter{store: store, owners: owners, subs: subs, mutes: mutes, clock: clk, window: window, logger: logger}
	owners.SetSaver(s)
	subs.SetSaver(s)
	mutes.SetSaver(s)
	return s
}

// Save schedules a write within the debounce window. Calls made while a
// write is pending coalesce into it.
func (s *Snapshotter) Save() {
	s.mu.Lock()
	if s.pending {
		s.mu.Unlock()
		return
	}
	s.pending = true
	s.mu.Unlock()

	s.clock.AfterFunc(s.window, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Flush(ctx); err != nil {
			s.logger.Error("snapshot write failed", zap.Error(err))
		}
	})
}

// Flush writes the current registry state now.
func (s *Snapshotter) Flush(ctx context.Context) error {
	s.mu.Lock()
	s.pending = false
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	docs, err := Encode(s.capture())
	if err != nil {
		return err
	}
	if err := s.store.Write(ctx, docs); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	s.logger.Debug("snapshot written", zap.Int("documents", len(docs)))
	return nil
}

// Load restores the registries from the store. Call once at startup before
// any presence event is processed.
func (s *Snapshotter) Load(ctx context.Context) error {
	docs, err := s.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	st, err := Decode(docs)
	if err != nil {
		return err
	}
	s.owners.Import(st.Ownership)
	s.subs.Import(st.Submoderators)
	s.mutes.Import(st.Mutes)
	s.logger.Info("snapshot loaded",
		zap.Int("owned_sessions", len(st.Ownership.Owners)),
		zap.Int("submoderator_sessions", len(st.Submoderators)),
		zap.Int("muted_sessions", len(st.Mutes)),
	)
	return nil
}

// State is the full persisted state.
type State struct {
	Ownership     ownership.State
	Submoderators map[string][]string
	Mutes         map[string][]string
}

func (s *Snapshotter) capture() State {
	return State{
		Ownership:     s.owners.Export(),
		Submoderators: s.subs.Export(),
		Mutes:         s.mutes.Export(),
	}
}

// Encode renders st as one JSON document per registry.
func Encode(st State) (map[string][]byte, error) {
	values := map[string]interface{}{
		DocOwners:        st.Ownership.Owners,
		DocHidden:        st.Ownership.Hidden,
		DocLocked:        st.Ownership.Locked,
		DocWaitingRooms:  st.Ownership.WaitingRooms,
		DocBans:          st.Ownership.Bans,
		DocSubmoderators: st.Submoderators,
		DocMutes:         st.Mutes,
	}
	docs := make(map[string][]byte, len(values))
	for _, name := range Documents {
		raw, err := json.Marshal(values[name])
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		docs[name] = raw
	}
	return docs, nil
}

// Decode parses the document set. Missing documents decode as empty.
func Decode(docs map[string][]byte) (State, error) {
	var st State
	targets := map[string]interface{}{
		DocOwners:        &st.Ownership.Owners,
		DocHidden:        &st.Ownership.Hidden,
		DocLocked:        &st.Ownership.Locked,
		DocWaitingRooms:  &st.Ownership.WaitingRooms,
		DocBans:          &st.Ownership.Bans,
		DocSubmoderators: &st.Submoderators,
		DocMutes:         &st.Mutes,
	}
	for name, target := range targets {
		raw, ok := docs[name]
		if !ok || len(raw) == 0 {
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return State{}, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return st, nil
}
