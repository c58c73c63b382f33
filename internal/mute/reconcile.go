package mute

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aura-voice/backend/internal/clock"
	"github.com/aura-voice/backend/internal/platform"
)

// DefaultEnforceDelay lets the platform finish registering a participant in
// its new session before we touch its mute flag.
const DefaultEnforceDelay = time.Second

// Platform is the slice of platform.Client reconciliation needs.
type Platform interface {
	VoiceState(ctx context.Context, userID string) (platform.VoiceState, error)
	SetParticipantMute(ctx context.Context, sessionID, userID string, muted bool) error
}

// Action is what reconciliation decided for an entering participant.
type Action int

const (
	ActionNone Action = iota
	// ActionClearDrift clears a platform mute the ledger knows nothing about.
	ActionClearDrift
	ActionUnmute
	ActionMute
)

func (a Action) String() string {
	switch a {
	case ActionClearDrift:
		return "clear_drift"
	case ActionUnmute:
		return "unmute"
	case ActionMute:
		return "mute"
	default:
		return "none"
	}
}

// Reconciler applies the ledger's view to participants entering, moving
// between and leaving sessions.
type Reconciler struct {
	ledger   *Ledger
	platform Platform
	clock    clock.Clock
	delay    time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewReconciler creates a reconciler. A zero delay uses DefaultEnforceDelay.
func NewReconciler(ledger *Ledger, p Platform, clk clock.Clock, delay time.Duration, logger *zap.Logger) *Reconciler {
	if clk == nil {
		clk = clock.Real()
	}
	if delay <= 0 {
		delay = DefaultEnforceDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{ledger: ledger, platform: p, clock: clk, delay: delay, timeout: 10 * time.Second, logger: logger}
}

// Decide evaluates the reconciliation rules for userID entering sessionID
// with the given platform mute flag. It has no side effects.
func (r *Reconciler) Decide(userID, sessionID string, platformMuted bool) Action {
	entry, live := r.ledger.Explicit(userID)
	tracked := r.ledger.Tracked(sessionID, userID)

	if platformMuted && !tracked && !(live && entry.Kind == KindMute) {
		return ActionClearDrift
	}
	if live && entry.SessionID == sessionID {
		if entry.Kind == KindUnmute {
			return ActionUnmute
		}
		return ActionMute
	}
	if r.ledger.IsUserMuted(sessionID, userID) {
		return ActionMute
	}
	return ActionNone
}

// OnEnter reconciles userID after entering (or moving into) sessionID.
// Enforcement runs after the configured delay and only if the user is
// still in sessionID by then.
func (r *Reconciler) OnEnter(userID, sessionID string, platformMuted bool) Action {
	action := r.Decide(userID, sessionID, platformMuted)
	if action == ActionNone {
		return action
	}
	muted := action == ActionMute
	r.logger.Debug("mute reconciliation scheduled",
		zap.String("user_id", userID),
		zap.String("session_id", sessionID),
		zap.Stringer("action", action),
	)
	r.clock.AfterFunc(r.delay, func() {
		r.enforce(userID, sessionID, muted, action)
	})
	return action
}

func (r *Reconciler) enforce(userID, sessionID string, muted bool, action Action) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	vs, err := r.platform.VoiceState(ctx, userID)
	if err != nil {
		r.logger.Warn("voice state lookup failed", zap.Error(err), zap.String("user_id", userID))
		return
	}
	if vs.SessionID != sessionID {
		r.logger.Debug("mute enforcement skipped, user moved on",
			zap.String("user_id", userID),
			zap.String("expected_session", sessionID),
			zap.String("actual_session", vs.SessionID),
		)
		return
	}
	if err := r.platform.SetParticipantMute(ctx, sessionID, userID, muted); err != nil {
		r.logger.Warn("mute enforcement failed", zap.Error(err),
			zap.String("user_id", userID),
			zap.String("session_id", sessionID),
			zap.Stringer("action", action),
		)
		return
	}
	r.logger.Info("mute enforced",
		zap.String("user_id", userID),
		zap.String("session_id", sessionID),
		zap.Stringer("action", action),
	)
}

// OnLeave clears a session-scoped platform mute when userID leaves
// fromSession for nowhere (toSession == "") or for a session where they are
// not muted. A pending explicit action always takes precedence. Returns
// whether a clear was issued.
func (r *Reconciler) OnLeave(ctx context.Context, userID, fromSession, toSession string) bool {
	if fromSession == "" || !r.ledger.Tracked(fromSession, userID) {
		return false
	}
	if toSession != "" && r.ledger.IsUserMuted(toSession, userID) {
		return false
	}
	if _, pending := r.ledger.Explicit(userID); pending {
		r.logger.Debug("leave cleanup suppressed by explicit action", zap.String("user_id", userID))
		return false
	}
	if err := r.platform.SetParticipantMute(ctx, fromSession, userID, false); err != nil {
		r.logger.Warn("leave cleanup unmute failed", zap.Error(err),
			zap.String("user_id", userID),
			zap.String("session_id", fromSession),
		)
	}
	return true
}
