package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/aura-voice/backend/internal/apperr"
	"github.com/aura-voice/backend/internal/audit"
	"github.com/aura-voice/backend/internal/platform"
)

const (
	MaxUserLimit  = 99
	MaxNameLength = 100
)

// SessionView is the moderation state of one session.
type SessionView struct {
	ID            string   `json:"id"`
	State         State    `json:"state"`
	OwnerID       string   `json:"owner_id"`
	Submoderators []string `json:"submoderators"`
	Muted         []string `json:"muted"`
	Banned        []string `json:"banned"`
	Hidden        bool     `json:"hidden"`
	Locked        bool     `json:"locked"`
	WaitingRoomID string   `json:"waiting_room_id,omitempty"`
}

// Info returns the moderation state of a tracked session.
func (m *Manager) Info(sessionID string) (SessionView, error) {
	owner, ok := m.owners.Owner(sessionID)
	if !ok {
		return SessionView{}, apperr.ErrNotTracked
	}
	wr, _ := m.owners.WaitingRoom(sessionID)
	return SessionView{
		ID:            sessionID,
		State:         m.State(sessionID),
		OwnerID:       owner,
		Submoderators: nonNil(m.subs.List(sessionID)),
		Muted:         nonNil(m.mutes.Muted(sessionID)),
		Banned:        nonNil(m.owners.Bans(sessionID)),
		Hidden:        m.owners.Hidden(sessionID),
		Locked:        m.owners.Locked(sessionID),
		WaitingRoomID: wr,
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// requireOwner resolves ownership (with recovery) and checks actorID holds it.
func (m *Manager) requireOwner(ctx context.Context, sessionID, actorID string) error {
	owner, err := m.ResolveOwner(ctx, sessionID, actorID)
	if err != nil {
		return err
	}
	if owner != actorID {
		return apperr.ErrNotOwner
	}
	return nil
}

func (m *Manager) requireModerator(sessionID, actorID string) error {
	if !m.owners.Tracked(sessionID) {
		return apperr.ErrNotTracked
	}
	if !m.subs.IsModerator(sessionID, actorID) {
		return apperr.ErrNotModerator
	}
	return nil
}

// checkTarget applies the targeting rules shared by mute, kick and ban.
func (m *Manager) checkTarget(sessionID, actorID, targetID string) error {
	switch {
	case targetID == actorID:
		return apperr.ErrSelfTarget
	case m.cfg.SystemUserID != "" && targetID == m.cfg.SystemUserID:
		return apperr.ErrTargetSystem
	case m.owners.IsOwner(sessionID, targetID):
		return apperr.ErrTargetOwner
	case m.subs.IsSubmoderator(sessionID, targetID) && !m.owners.IsOwner(sessionID, actorID):
		return apperr.ErrTargetModerator
	}
	return nil
}

func (m *Manager) present(ctx context.Context, sessionID, userID string) (bool, error) {
	vs, err := m.platform.VoiceState(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("voice state: %w", err)
	}
	return vs.SessionID == sessionID, nil
}

// Claim takes over a session whose owner is not present. An untracked
// managed session is recovered for the caller.
func (m *Manager) Claim(ctx context.Context, sessionID, actorID string) error {
	if !m.owners.Tracked(sessionID) {
		owner, err := m.ResolveOwner(ctx, sessionID, actorID)
		if err != nil {
			return err
		}
		if owner != actorID {
			return apperr.ErrOwnerPresent
		}
		m.audit.Record(ctx, audit.Entry{Action: audit.ActionClaim, SessionID: sessionID, ActorID: actorID})
		return nil
	}
	owner, _ := m.owners.Owner(sessionID)
	if owner == actorID {
		return apperr.ErrAlreadyOwner
	}
	participants, err := m.platform.Participants(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}
	if !platform.Contains(participants, actorID) {
		return apperr.ErrNotInSession
	}
	if !m.owners.Claim(sessionID, actorID, platform.Contains(participants, owner)) {
		return apperr.ErrOwnerPresent
	}
	m.subs.Demote(sessionID, actorID, actorID)

	m.logger.Info("session claimed", zap.String("session_id", sessionID), zap.String("user_id", actorID), zap.String("previous_owner", owner))
	m.audit.Record(ctx, audit.Entry{Action: audit.ActionClaim, SessionID: sessionID, ActorID: actorID, TargetID: owner})
	return nil
}

// Transfer hands the session to targetID. elevated callers (platform
// admins) need not be the owner.
func (m *Manager) Transfer(ctx context.Context, sessionID, actorID, targetID string, elevated bool) error {
	if elevated {
		if !m.owners.Tracked(sessionID) {
			return apperr.ErrNotTracked
		}
	} else if err := m.requireOwner(ctx, sessionID, actorID); err != nil {
		return err
	}
	switch {
	case targetID == actorID && !elevated:
		return apperr.ErrSelfTarget
	case m.cfg.SystemUserID != "" && targetID == m.cfg.SystemUserID:
		return apperr.ErrTargetSystem
	case m.owners.IsOwner(sessionID, targetID):
		return apperr.ErrAlreadyOwner
	}
	if !m.owners.Transfer(sessionID, actorID, targetID, elevated) {
		return apperr.ErrNotOwner
	}
	m.subs.Demote(sessionID, targetID, targetID)

	m.logger.Info("session transferred", zap.String("session_id", sessionID), zap.String("user_id", actorID), zap.String("target_id", targetID))
	m.audit.Record(ctx, audit.Entry{Action: audit.ActionTransfer, SessionID: sessionID, ActorID: actorID, TargetID: targetID})
	return nil
}

// Promote makes targetID a submoderator.
func (m *Manager) Promote(ctx context.Context, sessionID, actorID, targetID string) error {
	if err := m.requireOwner(ctx, sessionID, actorID); err != nil {
		return err
	}
	if targetID == actorID {
		return apperr.ErrSelfTarget
	}
	if m.cfg.SystemUserID != "" && targetID == m.cfg.SystemUserID {
		return apperr.ErrTargetSystem
	}
	changed, authorized := m.subs.Promote(sessionID, actorID, targetID)
	if !authorized {
		return apperr.ErrNotOwner
	}
	if !changed {
		return apperr.ErrAlreadySubmod
	}
	m.audit.Record(ctx, audit.Entry{Action: audit.ActionPromote, SessionID: sessionID, ActorID: actorID, TargetID: targetID})
	return nil
}

// Demote removes targetID from the submoderators.
func (m *Manager) Demote(ctx context.Context, sessionID, actorID, targetID string) error {
	if err := m.requireOwner(ctx, sessionID, actorID); err != nil {
		return err
	}
	changed, authorized := m.subs.Demote(sessionID, actorID, targetID)
	if !authorized {
		return apperr.ErrNotOwner
	}
	if !changed {
		return apperr.ErrNotSubmod
	}
	m.audit.Record(ctx, audit.Entry{Action: audit.ActionDemote, SessionID: sessionID, ActorID: actorID, TargetID: targetID})
	return nil
}

// Mute records an explicit mute and applies it on the platform. The ledger
// is written first; a failed platform call is logged only.
func (m *Manager) Mute(ctx context.Context, sessionID, actorID, targetID string) error {
	if err := m.requireModerator(sessionID, actorID); err != nil {
		return err
	}
	if err := m.checkTarget(sessionID, actorID, targetID); err != nil {
		return err
	}
	here, err := m.present(ctx, sessionID, targetID)
	if err != nil {
		return err
	}
	if !here {
		return apperr.ErrTargetNotPresent
	}
	if m.mutes.IsUserMuted(sessionID, targetID) {
		return apperr.ErrAlreadyMuted
	}
	m.mutes.AddMutedUser(sessionID, targetID)
	if err := m.platform.SetParticipantMute(ctx, sessionID, targetID, true); err != nil {
		m.logger.Warn("mute not applied", zap.String("session_id", sessionID), zap.String("target_id", targetID), zap.Error(err))
	}
	m.audit.Record(ctx, audit.Entry{Action: audit.ActionMute, SessionID: sessionID, ActorID: actorID, TargetID: targetID})
	return nil
}

// Unmute lifts a mute recorded for the session. A pending vote auto-unmute
// becomes a no-op.
func (m *Manager) Unmute(ctx context.Context, sessionID, actorID, targetID string) error {
	if err := m.requireModerator(sessionID, actorID); err != nil {
		return err
	}
	if !m.mutes.IsUserMuted(sessionID, targetID) {
		return apperr.ErrNotMuted
	}
	m.mutes.RemoveMutedUser(sessionID, targetID)
	here, err := m.present(ctx, sessionID, targetID)
	if err != nil {
		m.logger.Warn("voice state lookup failed", zap.String("target_id", targetID), zap.Error(err))
	} else if here {
		if err := m.platform.SetParticipantMute(ctx, sessionID, targetID, false); err != nil {
			m.logger.Warn("unmute not applied", zap.String("session_id", sessionID), zap.String("target_id", targetID), zap.Error(err))
		}
	}
	m.audit.Record(ctx, audit.Entry{Action: audit.ActionUnmute, SessionID: sessionID, ActorID: actorID, TargetID: targetID})
	return nil
}

// Kick disconnects targetID from the session.
func (m *Manager) Kick(ctx context.Context, sessionID, actorID, targetID string) error {
	if err := m.requireModerator(sessionID, actorID); err != nil {
		return err
	}
	if err := m.checkTarget(sessionID, actorID, targetID); err != nil {
		return err
	}
	here, err := m.present(ctx, sessionID, targetID)
	if err != nil {
		return err
	}
	if !here {
		return apperr.ErrTargetNotPresent
	}
	if err := m.platform.DisconnectParticipant(ctx, targetID); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	m.audit.Record(ctx, audit.Entry{Action: audit.ActionKick, SessionID: sessionID, ActorID: actorID, TargetID: targetID})
	return nil
}

// Ban bars targetID from the session and disconnects them if present.
func (m *Manager) Ban(ctx context.Context, sessionID, actorID, targetID string) error {
	if err := m.requireOwner(ctx, sessionID, actorID); err != nil {
		return err
	}
	if err := m.checkTarget(sessionID, actorID, targetID); err != nil {
		return err
	}
	if !m.owners.Ban(sessionID, targetID) {
		return apperr.ErrAlreadyBanned
	}
	m.subs.Demote(sessionID, actorID, targetID)
	if here, err := m.present(ctx, sessionID, targetID); err != nil {
		m.logger.Warn("voice state lookup failed", zap.String("target_id", targetID), zap.Error(err))
	} else if here {
		if err := m.platform.DisconnectParticipant(ctx, targetID); err != nil {
			m.logger.Warn("banned user disconnect failed", zap.String("session_id", sessionID), zap.String("target_id", targetID), zap.Error(err))
		}
	}
	m.audit.Record(ctx, audit.Entry{Action: audit.ActionBan, SessionID: sessionID, ActorID: actorID, TargetID: targetID})
	return nil
}

// Unban lifts a ban.
func (m *Manager) Unban(ctx context.Context, sessionID, actorID, targetID string) error {
	if err := m.requireOwner(ctx, sessionID, actorID); err != nil {
		return err
	}
	if !m.owners.Unban(sessionID, targetID) {
		return apperr.ErrNotBanned
	}
	m.audit.Record(ctx, audit.Entry{Action: audit.ActionUnban, SessionID: sessionID, ActorID: actorID, TargetID: targetID})
	return nil
}

// SetLocked locks or unlocks the session.
func (m *Manager) SetLocked(ctx context.Context, sessionID, actorID string, locked bool) error {
	if err := m.requireOwner(ctx, sessionID, actorID); err != nil {
		return err
	}
	if !m.owners.SetLocked(sessionID, locked) {
		return apperr.ErrAlreadyInState
	}
	m.applyEdit(ctx, sessionID, platform.SessionEdit{Locked: &locked})
	m.audit.Record(ctx, audit.Entry{Action: audit.ActionEdit, SessionID: sessionID, ActorID: actorID, Detail: fmt.Sprintf("locked=%t", locked)})
	return nil
}

// SetHidden hides or reveals the session.
func (m *Manager) SetHidden(ctx context.Context, sessionID, actorID string, hidden bool) error {
	if err := m.requireOwner(ctx, sessionID, actorID); err != nil {
		return err
	}
	if !m.owners.SetHidden(sessionID, hidden) {
		return apperr.ErrAlreadyInState
	}
	m.applyEdit(ctx, sessionID, platform.SessionEdit{Hidden: &hidden})
	m.audit.Record(ctx, audit.Entry{Action: audit.ActionEdit, SessionID: sessionID, ActorID: actorID, Detail: fmt.Sprintf("hidden=%t", hidden)})
	return nil
}

// applyEdit mirrors a flag change to the platform; the registry stays
// authoritative if the call fails.
func (m *Manager) applyEdit(ctx context.Context, sessionID string, edit platform.SessionEdit) {
	if err := m.platform.EditSession(ctx, sessionID, edit); err != nil {
		m.logger.Warn("session edit not applied", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// SetUserLimit caps the participant count; 0 removes the cap.
func (m *Manager) SetUserLimit(ctx context.Context, sessionID, actorID string, limit int) error {
	if limit < 0 || limit > MaxUserLimit {
		return apperr.ErrInvalidLimit
	}
	if err := m.requireOwner(ctx, sessionID, actorID); err != nil {
		return err
	}
	if err := m.platform.EditSession(ctx, sessionID, platform.SessionEdit{UserLimit: &limit}); err != nil {
		return fmt.Errorf("edit session: %w", err)
	}
	m.audit.Record(ctx, audit.Entry{Action: audit.ActionEdit, SessionID: sessionID, ActorID: actorID, Detail: fmt.Sprintf("user_limit=%d", limit)})
	return nil
}

// Rename changes the session name.
func (m *Manager) Rename(ctx context.Context, sessionID, actorID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > MaxNameLength {
		return apperr.ErrInvalidName
	}
	if err := m.requireOwner(ctx, sessionID, actorID); err != nil {
		return err
	}
	if err := m.platform.EditSession(ctx, sessionID, platform.SessionEdit{Name: &name}); err != nil {
		return fmt.Errorf("edit session: %w", err)
	}
	m.audit.Record(ctx, audit.Entry{Action: audit.ActionEdit, SessionID: sessionID, ActorID: actorID, Detail: "name=" + name})
	return nil
}

// SetWaitingRoom pairs a waiting room with the session or removes it.
func (m *Manager) SetWaitingRoom(ctx context.Context, sessionID, actorID string, enabled bool) error {
	if err := m.requireOwner(ctx, sessionID, actorID); err != nil {
		return err
	}
	current, paired := m.owners.WaitingRoom(sessionID)
	if enabled == paired {
		return apperr.ErrAlreadyInState
	}

	if !enabled {
		if err := m.platform.DeleteSession(ctx, current); err != nil {
			return fmt.Errorf("delete waiting room: %w", err)
		}
		m.owners.SetWaitingRoom(sessionID, "")
		m.audit.Record(ctx, audit.Entry{Action: audit.ActionWaitingRoom, SessionID: sessionID, ActorID: actorID, Detail: "disabled"})
		return nil
	}

	info, err := m.platform.Session(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	wr, err := m.platform.CreateSession(ctx, platform.CreateSessionRequest{
		ParentID: m.cfg.CategoryID,
		Name:     info.Name + m.cfg.WaitingRoomSuffix,
		OwnerID:  actorID,
	})
	if err != nil {
		return fmt.Errorf("create waiting room: %w", err)
	}
	m.owners.SetWaitingRoom(sessionID, wr)
	m.logger.Info("waiting room paired", zap.String("session_id", sessionID), zap.String("waiting_room_id", wr))
	m.audit.Record(ctx, audit.Entry{Action: audit.ActionWaitingRoom, SessionID: sessionID, ActorID: actorID, Detail: "enabled " + wr})
	return nil
}
