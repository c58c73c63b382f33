// Package lifecycle drives ephemeral voice sessions through
// NonExistent → Active → PendingDelete → NonExistent and applies owner and
// moderator commands against them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-voice/backend/internal/apperr"
	"github.com/aura-voice/backend/internal/audit"
	"github.com/aura-voice/backend/internal/mute"
	"github.com/aura-voice/backend/internal/ownership"
	"github.com/aura-voice/backend/internal/platform"
)

// State is where a session is in its lifecycle.
type State string

const (
	StateNonExistent   State = "non_existent"
	StateActive        State = "active"
	StatePendingDelete State = "pending_delete"
)

// Config identifies the managed part of the platform.
type Config struct {
	// CategoryID parents every spawned session.
	CategoryID string
	// SpawnTriggerID is the session whose only purpose is to spawn others.
	SpawnTriggerID string
	// Permanent sessions are never deleted or recovered.
	Permanent []string
	// NameTemplate receives the requester's display name.
	NameTemplate      string
	WaitingRoomSuffix string
	DefaultUserLimit  int
	SystemUserID      string
}

// Votes is the part of the vote coordinator the manager needs.
type Votes interface {
	Forget(sessionID string)
}

// Manager owns session transitions. It is safe for concurrent use; presence
// events for different users may be handled in parallel.
type Manager struct {
	platform   platform.Client
	owners     *ownership.Registry
	subs       *ownership.Submoderators
	mutes      *mute.Ledger
	reconciler *mute.Reconciler
	votes      Votes
	audit      audit.Recorder
	logger     *zap.Logger
	cfg        Config
	permanent  map[string]struct{}

	mu       sync.Mutex
	deleting map[string]struct{}
}

// NewManager creates a lifecycle manager. votes and rec may be nil.
func NewManager(p platform.Client, owners *ownership.Registry, subs *ownership.Submoderators, mutes *mute.Ledger, reconciler *mute.Reconciler, votes Votes, rec audit.Recorder, cfg Config, logger *zap.Logger) *Manager {
	if rec == nil {
		rec = audit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NameTemplate == "" {
		cfg.NameTemplate = "%s's room"
	}
	if cfg.WaitingRoomSuffix == "" {
		cfg.WaitingRoomSuffix = " (waiting)"
	}
	permanent := make(map[string]struct{}, len(cfg.Permanent))
	for _, id := range cfg.Permanent {
		permanent[id] = struct{}{}
	}
	return &Manager{
		platform:   p,
		owners:     owners,
		subs:       subs,
		mutes:      mutes,
		reconciler: reconciler,
		votes:      votes,
		audit:      rec,
		logger:     logger,
		cfg:        cfg,
		permanent:  permanent,
		deleting:   make(map[string]struct{}),
	}
}

// State reports the lifecycle state of sessionID as far as this process
// knows it.
func (m *Manager) State(sessionID string) State {
	m.mu.Lock()
	_, deleting := m.deleting[sessionID]
	m.mu.Unlock()
	switch {
	case deleting:
		return StatePendingDelete
	case m.owners.Tracked(sessionID):
		return StateActive
	default:
		return StateNonExistent
	}
}

func (m *Manager) isPermanent(sessionID string) bool {
	_, ok := m.permanent[sessionID]
	return ok
}

// HandlePresence applies one presence event: leave-side cleanup and the
// empty transition for the session left, then spawn, ban enforcement or
// mute reconciliation for the session entered.
func (m *Manager) HandlePresence(ctx context.Context, ev platform.PresenceEvent) error {
	if ev.UserID == "" || (m.cfg.SystemUserID != "" && ev.UserID == m.cfg.SystemUserID) {
		return nil
	}
	if ev.Before == ev.After {
		return nil
	}
	log := m.logger.With(zap.String("user_id", ev.UserID), zap.String("kind", string(ev.Classify())))

	if ev.Before != "" {
		if m.reconciler != nil && m.reconciler.OnLeave(ctx, ev.UserID, ev.Before, ev.After) {
			log.Debug("platform mute cleared on leave", zap.String("session_id", ev.Before))
		}
		m.checkEmpty(ctx, ev.Before)
	}

	if ev.After == "" {
		return nil
	}
	if ev.After == m.cfg.SpawnTriggerID {
		_, err := m.Spawn(ctx, ev.UserID)
		return err
	}
	if m.owners.IsBanned(ev.After, ev.UserID) {
		if err := m.platform.DisconnectParticipant(ctx, ev.UserID); err != nil {
			log.Warn("banned user disconnect failed", zap.String("session_id", ev.After), zap.Error(err))
		} else {
			log.Info("banned user disconnected", zap.String("session_id", ev.After))
		}
		return nil
	}
	if m.reconciler != nil {
		m.reconciler.OnEnter(ev.UserID, ev.After, ev.Muted)
	}
	return nil
}

// Spawn creates a session for userID, registers them as owner and moves
// them in. A failed move is logged and leaves the session in place.
func (m *Manager) Spawn(ctx context.Context, userID string) (string, error) {
	name := fmt.Sprintf(m.cfg.NameTemplate, m.displayName(ctx, userID))
	sessionID, err := m.platform.CreateSession(ctx, platform.CreateSessionRequest{
		ParentID:  m.cfg.CategoryID,
		Name:      name,
		OwnerID:   userID,
		UserLimit: m.cfg.DefaultUserLimit,
	})
	if err != nil {
		m.logger.Error("session spawn failed", zap.String("user_id", userID), zap.Error(err))
		return "", fmt.Errorf("create session: %w", err)
	}
	m.owners.Register(sessionID, userID)

	if _, err := m.platform.SendMessage(ctx, sessionID, controlPanel(name)); err != nil {
		m.logger.Warn("control panel not sent", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := m.platform.MoveParticipant(ctx, userID, sessionID); err != nil {
		m.logger.Warn("requester not moved into spawned session",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	m.logger.Info("session spawned", zap.String("session_id", sessionID), zap.String("user_id", userID))
	m.audit.Record(ctx, audit.Entry{Action: audit.ActionSpawn, SessionID: sessionID, ActorID: userID, Detail: name})
	return sessionID, nil
}

func controlPanel(name string) string {
	return strings.Join([]string{
		"Welcome to " + name + ".",
		"Owner: claim, transfer, lock/unlock, hide/unhide, limit, rename, waiting-room, ban/unban, promote/demote.",
		"Moderators: mute, unmute, kick. Anyone: start a vote to mute.",
	}, "\n")
}

// checkEmpty runs the empty transition if sessionID has no human left.
func (m *Manager) checkEmpty(ctx context.Context, sessionID string) {
	if m.isPermanent(sessionID) || sessionID == m.cfg.SpawnTriggerID || !m.owners.Tracked(sessionID) {
		return
	}
	participants, err := m.platform.Participants(ctx, sessionID)
	if err != nil && !errors.Is(err, platform.ErrNotFound) {
		m.logger.Warn("participant lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if len(platform.Humans(participants)) > 0 {
		return
	}
	m.Teardown(ctx, sessionID)
}

// Teardown deletes an empty tracked session: waiting room first, then the
// session itself, then every registry entry. If the platform delete fails
// the registries are kept so the next empty check retries. Calling it for
// an untracked or already-deleting session does nothing.
func (m *Manager) Teardown(ctx context.Context, sessionID string) {
	if !m.owners.Tracked(sessionID) {
		return
	}
	m.mu.Lock()
	if _, busy := m.deleting[sessionID]; busy {
		m.mu.Unlock()
		return
	}
	m.deleting[sessionID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.deleting, sessionID)
		m.mu.Unlock()
	}()

	if wr, ok := m.owners.WaitingRoom(sessionID); ok {
		if err := m.platform.DeleteSession(ctx, wr); err != nil {
			m.logger.Warn("waiting room delete failed", zap.String("session_id", sessionID), zap.String("waiting_room_id", wr), zap.Error(err))
		}
	}
	if err := m.platform.DeleteSession(ctx, sessionID); err != nil {
		m.logger.Warn("session delete failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	m.purge(sessionID)
	m.logger.Info("session deleted", zap.String("session_id", sessionID))
	m.audit.Record(ctx, audit.Entry{Action: audit.ActionDelete, SessionID: sessionID})
}

func (m *Manager) purge(sessionID string) {
	m.owners.Purge(sessionID)
	m.subs.Purge(sessionID)
	m.mutes.Purge(sessionID)
	if m.votes != nil {
		m.votes.Forget(sessionID)
	}
}

// ResolveOwner returns the owner of sessionID. An untracked session under
// the managed category is recovered by registering actorID, who must be in
// it, as owner. There is no record of the real owner after state loss, so
// the first owner-only command wins.
func (m *Manager) ResolveOwner(ctx context.Context, sessionID, actorID string) (string, error) {
	if owner, ok := m.owners.Owner(sessionID); ok {
		return owner, nil
	}
	if m.isPermanent(sessionID) || sessionID == m.cfg.SpawnTriggerID {
		return "", apperr.ErrNotTracked
	}
	if _, isWaitingRoom := m.owners.PairedWith(sessionID); isWaitingRoom {
		return "", apperr.ErrNotTracked
	}
	info, err := m.platform.Session(ctx, sessionID)
	if errors.Is(err, platform.ErrNotFound) {
		return "", apperr.ErrNotTracked
	}
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if info.ParentID != m.cfg.CategoryID {
		return "", apperr.ErrNotTracked
	}
	vs, err := m.platform.VoiceState(ctx, actorID)
	if err != nil {
		return "", fmt.Errorf("voice state: %w", err)
	}
	if vs.SessionID != sessionID {
		return "", apperr.ErrNotInSession
	}
	if !m.owners.Adopt(sessionID, actorID) {
		// Lost a race with another recovery.
		owner, _ := m.owners.Owner(sessionID)
		return owner, nil
	}
	m.logger.Warn("session ownership recovered", zap.String("session_id", sessionID), zap.String("user_id", actorID))
	m.audit.Record(ctx, audit.Entry{Action: audit.ActionRecover, SessionID: sessionID, ActorID: actorID})
	return actorID, nil
}

// Sweep purges registry entries for sessions that no longer exist under
// the category and tears down tracked sessions that emptied while the
// process was down. Run once after loading the snapshot.
func (m *Manager) Sweep(ctx context.Context) error {
	sessions, err := m.platform.ListSessions(ctx, m.cfg.CategoryID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	valid := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		valid[s.ID] = struct{}{}
	}

	known := make(map[string]struct{})
	for _, ids := range [][]string{m.owners.Sessions(), m.subs.Sessions(), m.mutes.Sessions()} {
		for _, id := range ids {
			known[id] = struct{}{}
		}
	}
	purged := 0
	for id := range known {
		if _, ok := valid[id]; ok {
			continue
		}
		m.purge(id)
		purged++
	}
	for id := range known {
		if _, ok := valid[id]; ok {
			m.checkEmpty(ctx, id)
		}
	}
	m.logger.Info("stale session sweep done", zap.Int("valid", len(valid)), zap.Int("purged", purged))
	return nil
}

func (m *Manager) displayName(ctx context.Context, userID string) string {
	name, err := m.platform.DisplayName(ctx, userID)
	if err != nil || name == "" {
		return userID
	}
	return name
}
