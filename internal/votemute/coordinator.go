// Package votemute runs participant votes that temporarily mute a member of
// a voice session.
//
// A round freezes its eligible voters and threshold at start. Three
// independent timers may try to finish it: the poll chain (early exit),
// the deadline (final sample) and the failsafe. Round.completed is a
// compare-and-set flag so exactly one outcome runs.
package votemute

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-voice/backend/internal/apperr"
	"github.com/aura-voice/backend/internal/audit"
	"github.com/aura-voice/backend/internal/clock"
	"github.com/aura-voice/backend/internal/mute"
	"github.com/aura-voice/backend/internal/ownership"
	"github.com/aura-voice/backend/internal/platform"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultDeadline     = 20 * time.Second
	DefaultFailsafe     = 21 * time.Second
	DefaultEmoji        = "✅"

	MinDurationMinutes     = 1
	MaxDurationMinutes     = 30
	DefaultDurationMinutes = 5

	callTimeout = 10 * time.Second
)

// DefaultMarkers are the seconds-before-deadline at which the tally is
// refreshed.
var DefaultMarkers = []time.Duration{
	15 * time.Second, 10 * time.Second, 5 * time.Second,
	4 * time.Second, 3 * time.Second, 2 * time.Second, time.Second,
}

// Config tunes round timing. Zero fields take defaults.
type Config struct {
	PollInterval time.Duration
	Deadline     time.Duration
	Failsafe     time.Duration
	Markers      []time.Duration
	Emoji        string
	// SystemUserID is the bot's own user id; it can neither vote nor be
	// targeted.
	SystemUserID string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
	if c.Failsafe <= 0 {
		c.Failsafe = DefaultFailsafe
	}
	if c.Failsafe <= c.Deadline {
		c.Failsafe = c.Deadline + time.Second
	}
	if c.Markers == nil {
		c.Markers = DefaultMarkers
	}
	if c.Emoji == "" {
		c.Emoji = DefaultEmoji
	}
	return c
}

// Threshold returns the votes required for a round with n eligible voters.
func Threshold(n int) int {
	switch {
	case n <= 1:
		return 1
	case n <= 4:
		return 2
	default:
		return (n + 1) / 2
	}
}

type roundKey struct {
	session string
	target  string
}

// Round is one vote. Everything except the atomics is fixed at start.
type Round struct {
	ID          string
	SessionID   string
	TargetID    string
	InitiatorID string
	Duration    time.Duration
	Required    int
	StartedAt   time.Time
	MessageID   string

	eligible   map[string]struct{}
	targetName string

	completed atomic.Bool
	muted     atomic.Bool
	votes     atomic.Int32

	// msgMu orders tally edits so a late countdown refresh cannot overwrite
	// the final state.
	msgMu  sync.Mutex
	timers []clock.Timer
}

// Eligible returns the frozen voter ids.
func (r *Round) Eligible() []string {
	out := make([]string, 0, len(r.eligible))
	for id := range r.eligible {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Status is a read-only view of an open round.
type Status struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	TargetID    string    `json:"target_id"`
	InitiatorID string    `json:"initiator_id"`
	Eligible    int       `json:"eligible"`
	Required    int       `json:"required"`
	Votes       int       `json:"votes"`
	DurationMin int       `json:"duration_minutes"`
	StartedAt   time.Time `json:"started_at"`
	EndsAt      time.Time `json:"ends_at"`
}

// Coordinator owns the open rounds and the pending auto-unmute timers.
type Coordinator struct {
	platform platform.Client
	owners   *ownership.Registry
	mutes    *mute.Ledger
	clock    clock.Clock
	audit    audit.Recorder
	logger   *zap.Logger
	cfg      Config

	mu      sync.Mutex
	rounds  map[roundKey]*Round
	unmutes map[roundKey]clock.Timer
}

// NewCoordinator creates a coordinator.
func NewCoordinator(p platform.Client, owners *ownership.Registry, mutes *mute.Ledger, clk clock.Clock, rec audit.Recorder, cfg Config, logger *zap.Logger) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		platform: p,
		owners:   owners,
		mutes:    mutes,
		clock:    clk,
		audit:    rec,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		rounds:   make(map[roundKey]*Round),
		unmutes:  make(map[roundKey]clock.Timer),
	}
}

// Start validates the request, freezes the electorate and opens a round.
// durationMinutes == 0 selects the default.
func (c *Coordinator) Start(ctx context.Context, sessionID, initiatorID, targetID string, durationMinutes int) (Status, error) {
	if durationMinutes == 0 {
		durationMinutes = DefaultDurationMinutes
	}
	if durationMinutes < MinDurationMinutes || durationMinutes > MaxDurationMinutes {
		return Status{}, apperr.ErrInvalidDuration
	}
	if !c.owners.Tracked(sessionID) {
		return Status{}, apperr.ErrNotTracked
	}
	switch {
	case targetID == initiatorID:
		return Status{}, apperr.ErrSelfTarget
	case c.cfg.SystemUserID != "" && targetID == c.cfg.SystemUserID:
		return Status{}, apperr.ErrTargetSystem
	case c.owners.IsOwner(sessionID, targetID):
		return Status{}, apperr.ErrTargetOwner
	}

	all, err := c.platform.Participants(ctx, sessionID)
	if err != nil {
		return Status{}, fmt.Errorf("list participants: %w", err)
	}
	participants := c.humans(all)
	if !platform.Contains(participants, initiatorID) {
		return Status{}, apperr.ErrNotInSession
	}
	if !platform.Contains(participants, targetID) {
		if platform.Contains(all, targetID) {
			return Status{}, apperr.ErrTargetSystem
		}
		return Status{}, apperr.ErrTargetNotPresent
	}
	if len(participants) < 2 {
		return Status{}, apperr.ErrTooFewVoters
	}
	if c.mutes.IsUserMuted(sessionID, targetID) {
		return Status{}, apperr.ErrAlreadyMuted
	}

	eligible := make(map[string]struct{}, len(participants)-1)
	for _, p := range participants {
		if p.UserID != targetID {
			eligible[p.UserID] = struct{}{}
		}
	}
	r := &Round{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		TargetID:    targetID,
		InitiatorID: initiatorID,
		Duration:    time.Duration(durationMinutes) * time.Minute,
		Required:    Threshold(len(eligible)),
		StartedAt:   c.clock.Now(),
		eligible:    eligible,
	}

	key := roundKey{session: sessionID, target: targetID}
	c.mu.Lock()
	if _, exists := c.rounds[key]; exists {
		c.mu.Unlock()
		return Status{}, apperr.ErrVoteInProgress
	}
	c.rounds[key] = r
	c.mu.Unlock()

	r.targetName = c.displayName(ctx, targetID)
	msgID, err := c.platform.SendMessage(ctx, sessionID, c.tallyText(r, c.cfg.Deadline))
	if err != nil {
		c.mu.Lock()
		delete(c.rounds, key)
		c.mu.Unlock()
		return Status{}, fmt.Errorf("send tally: %w", err)
	}
	r.MessageID = msgID
	if err := c.platform.AddReaction(ctx, sessionID, msgID, c.cfg.Emoji); err != nil {
		c.logger.Warn("seed vote reaction failed", zap.String("round_id", r.ID), zap.Error(err))
	}

	c.schedule(r)

	c.logger.Info("vote round started",
		zap.String("round_id", r.ID),
		zap.String("session_id", sessionID),
		zap.String("target_id", targetID),
		zap.String("initiator_id", initiatorID),
		zap.Int("eligible", len(eligible)),
		zap.Int("required", r.Required),
	)
	c.audit.Record(ctx, audit.Entry{
		Action:    audit.ActionVoteStart,
		SessionID: sessionID,
		ActorID:   initiatorID,
		TargetID:  targetID,
		Detail:    fmt.Sprintf("required=%d eligible=%d duration=%dm", r.Required, len(eligible), durationMinutes),
	})
	return c.status(r), nil
}

func (c *Coordinator) schedule(r *Round) {
	var timers []clock.Timer
	timers = append(timers, c.clock.AfterFunc(c.cfg.PollInterval, func() { c.poll(r, c.cfg.PollInterval) }))
	for _, before := range c.cfg.Markers {
		at := c.cfg.Deadline - before
		if at <= 0 {
			continue
		}
		remaining := before
		timers = append(timers, c.clock.AfterFunc(at, func() { c.refresh(r, remaining) }))
	}
	timers = append(timers,
		c.clock.AfterFunc(c.cfg.Deadline, func() { c.deadline(r) }),
		c.clock.AfterFunc(c.cfg.Failsafe, func() { c.failsafe(r) }),
	)
	c.mu.Lock()
	r.timers = append(r.timers, timers...)
	c.mu.Unlock()
}

// poll samples the tally and reschedules itself until the deadline.
func (c *Coordinator) poll(r *Round, elapsed time.Duration) {
	if r.completed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	n, err := c.sample(ctx, r)
	if err != nil {
		c.logger.Warn("vote sample failed", zap.String("round_id", r.ID), zap.Error(err))
	} else if n >= r.Required {
		c.finish(ctx, r, true)
		return
	}
	next := elapsed + c.cfg.PollInterval
	if next >= c.cfg.Deadline || r.completed.Load() {
		return
	}
	t := c.clock.AfterFunc(c.cfg.PollInterval, func() { c.poll(r, next) })
	c.mu.Lock()
	r.timers = append(r.timers, t)
	c.mu.Unlock()
}

func (c *Coordinator) deadline(r *Round) {
	if r.completed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	n, err := c.sample(ctx, r)
	if err != nil {
		c.logger.Warn("final vote sample failed", zap.String("round_id", r.ID), zap.Error(err))
	}
	c.finish(ctx, r, err == nil && n >= r.Required)
}

func (c *Coordinator) failsafe(r *Round) {
	if r.completed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if c.finish(ctx, r, false) {
		c.logger.Warn("vote round closed by failsafe", zap.String("round_id", r.ID))
	}
}

// sample counts reactions from eligible voters still in the session.
func (c *Coordinator) sample(ctx context.Context, r *Round) (int, error) {
	voters, err := c.platform.Reactions(ctx, r.SessionID, r.MessageID, c.cfg.Emoji)
	if err != nil {
		return 0, fmt.Errorf("read reactions: %w", err)
	}
	present, err := c.platform.Participants(ctx, r.SessionID)
	if err != nil {
		return 0, fmt.Errorf("list participants: %w", err)
	}
	n := 0
	for _, v := range voters {
		if v == r.TargetID || v == c.cfg.SystemUserID {
			continue
		}
		if _, ok := r.eligible[v]; !ok {
			continue
		}
		if platform.Contains(present, v) {
			n++
		}
	}
	r.votes.Store(int32(n))
	return n, nil
}

func (c *Coordinator) refresh(r *Round, remaining time.Duration) {
	if r.completed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	r.msgMu.Lock()
	defer r.msgMu.Unlock()
	if r.completed.Load() {
		return
	}
	if err := c.platform.EditMessage(ctx, r.SessionID, r.MessageID, c.tallyText(r, remaining)); err != nil {
		c.logger.Warn("tally refresh failed", zap.String("round_id", r.ID), zap.Error(err))
	}
}

// finish runs the outcome if this caller wins the completion race.
func (c *Coordinator) finish(ctx context.Context, r *Round, muted bool) bool {
	if !r.completed.CompareAndSwap(false, true) {
		c.logger.Debug("vote round already completed", zap.String("round_id", r.ID))
		return false
	}
	r.muted.Store(muted)
	c.closeRound(r)
	if muted {
		c.executeMute(ctx, r)
	} else {
		c.executeFail(ctx, r)
	}
	return true
}

func (c *Coordinator) closeRound(r *Round) {
	key := roundKey{session: r.SessionID, target: r.TargetID}
	c.mu.Lock()
	if c.rounds[key] == r {
		delete(c.rounds, key)
	}
	timers := r.timers
	r.timers = nil
	c.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

func (c *Coordinator) executeMute(ctx context.Context, r *Round) {
	// Ledger first: a presence event racing with the platform call must
	// already see the user as muted.
	c.mutes.AddMutedUser(r.SessionID, r.TargetID)

	if vs, err := c.platform.VoiceState(ctx, r.TargetID); err != nil {
		c.logger.Warn("voice state lookup failed", zap.String("target_id", r.TargetID), zap.Error(err))
	} else if vs.SessionID == r.SessionID {
		if err := c.platform.SetParticipantMute(ctx, r.SessionID, r.TargetID, true); err != nil {
			c.logger.Warn("vote mute not applied", zap.String("round_id", r.ID), zap.Error(err))
		}
	}

	minutes := int(r.Duration / time.Minute)
	c.editFinal(ctx, r, fmt.Sprintf("Vote passed: %s is muted for %d min (%d/%d votes).", r.targetName, minutes, r.votes.Load(), r.Required))
	if _, err := c.platform.SendMessage(ctx, r.SessionID, fmt.Sprintf("%s was muted by vote for %d min.", r.targetName, minutes)); err != nil {
		c.logger.Warn("vote announcement failed", zap.String("round_id", r.ID), zap.Error(err))
	}

	c.scheduleUnmute(r)

	c.logger.Info("vote round passed",
		zap.String("round_id", r.ID),
		zap.String("session_id", r.SessionID),
		zap.String("target_id", r.TargetID),
		zap.Int32("votes", r.votes.Load()),
	)
	c.audit.Record(ctx, audit.Entry{
		Action:    audit.ActionVotePass,
		SessionID: r.SessionID,
		ActorID:   r.InitiatorID,
		TargetID:  r.TargetID,
		Detail:    fmt.Sprintf("votes=%d required=%d", r.votes.Load(), r.Required),
	})
}

func (c *Coordinator) executeFail(ctx context.Context, r *Round) {
	c.editFinal(ctx, r, fmt.Sprintf("Vote failed: %d/%d votes to mute %s.", r.votes.Load(), r.Required, r.targetName))
	c.logger.Info("vote round failed",
		zap.String("round_id", r.ID),
		zap.String("session_id", r.SessionID),
		zap.String("target_id", r.TargetID),
		zap.Int32("votes", r.votes.Load()),
	)
	c.audit.Record(ctx, audit.Entry{
		Action:    audit.ActionVoteFail,
		SessionID: r.SessionID,
		ActorID:   r.InitiatorID,
		TargetID:  r.TargetID,
		Detail:    fmt.Sprintf("votes=%d required=%d", r.votes.Load(), r.Required),
	})
}

func (c *Coordinator) editFinal(ctx context.Context, r *Round, text string) {
	r.msgMu.Lock()
	defer r.msgMu.Unlock()
	if err := c.platform.EditMessage(ctx, r.SessionID, r.MessageID, text); err != nil {
		c.logger.Warn("tally final edit failed", zap.String("round_id", r.ID), zap.Error(err))
	}
}

// scheduleUnmute arms the auto-unmute. The timer is kept by key and
// replaced if the same target is vote-muted again; it is never cancelled
// by a manual unmute, it re-checks the ledger instead.
func (c *Coordinator) scheduleUnmute(r *Round) {
	key := roundKey{session: r.SessionID, target: r.TargetID}
	var t clock.Timer
	t = c.clock.AfterFunc(r.Duration, func() {
		c.mu.Lock()
		if c.unmutes[key] == t {
			delete(c.unmutes, key)
		}
		c.mu.Unlock()
		c.autoUnmute(r)
	})
	c.mu.Lock()
	if prev, ok := c.unmutes[key]; ok {
		prev.Stop()
	}
	c.unmutes[key] = t
	c.mu.Unlock()
}

func (c *Coordinator) autoUnmute(r *Round) {
	if !c.mutes.Tracked(r.SessionID, r.TargetID) {
		c.logger.Debug("auto-unmute skipped, already unmuted",
			zap.String("session_id", r.SessionID),
			zap.String("target_id", r.TargetID),
		)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	c.mutes.RemoveMutedUser(r.SessionID, r.TargetID)
	if vs, err := c.platform.VoiceState(ctx, r.TargetID); err == nil && vs.SessionID == r.SessionID {
		if err := c.platform.SetParticipantMute(ctx, r.SessionID, r.TargetID, false); err != nil {
			c.logger.Warn("auto-unmute not applied", zap.String("target_id", r.TargetID), zap.Error(err))
		}
	}
	if _, err := c.platform.SendMessage(ctx, r.SessionID, fmt.Sprintf("%s's vote mute has expired.", r.targetName)); err != nil {
		c.logger.Warn("auto-unmute announcement failed", zap.String("target_id", r.TargetID), zap.Error(err))
	}
	c.logger.Info("vote mute expired", zap.String("session_id", r.SessionID), zap.String("target_id", r.TargetID))
	c.audit.Record(ctx, audit.Entry{Action: audit.ActionAutoUnmute, SessionID: r.SessionID, TargetID: r.TargetID})
}

// Forget closes every open round and pending auto-unmute of a session
// without announcing an outcome. Used when the session is torn down.
func (c *Coordinator) Forget(sessionID string) {
	c.mu.Lock()
	var rounds []*Round
	for key, r := range c.rounds {
		if key.session == sessionID {
			rounds = append(rounds, r)
		}
	}
	for key, t := range c.unmutes {
		if key.session == sessionID {
			t.Stop()
			delete(c.unmutes, key)
		}
	}
	c.mu.Unlock()
	for _, r := range rounds {
		if r.completed.CompareAndSwap(false, true) {
			c.closeRound(r)
		}
	}
}

// List returns the open rounds of a session, oldest first.
func (c *Coordinator) List(sessionID string) []Status {
	c.mu.Lock()
	var out []Status
	for key, r := range c.rounds {
		if key.session == sessionID {
			out = append(out, c.status(r))
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// PendingUnmute reports whether an auto-unmute is armed for the target.
func (c *Coordinator) PendingUnmute(sessionID, targetID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.unmutes[roundKey{session: sessionID, target: targetID}]
	return ok
}

func (c *Coordinator) status(r *Round) Status {
	return Status{
		ID:          r.ID,
		SessionID:   r.SessionID,
		TargetID:    r.TargetID,
		InitiatorID: r.InitiatorID,
		Eligible:    len(r.eligible),
		Required:    r.Required,
		Votes:       int(r.votes.Load()),
		DurationMin: int(r.Duration / time.Minute),
		StartedAt:   r.StartedAt,
		EndsAt:      r.StartedAt.Add(c.cfg.Deadline),
	}
}

func (c *Coordinator) humans(all []platform.Participant) []platform.Participant {
	out := platform.Humans(all)
	if c.cfg.SystemUserID == "" {
		return out
	}
	filtered := out[:0]
	for _, p := range out {
		if p.UserID != c.cfg.SystemUserID {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

func (c *Coordinator) displayName(ctx context.Context, userID string) string {
	name, err := c.platform.DisplayName(ctx, userID)
	if err != nil || name == "" {
		return userID
	}
	return name
}

func (c *Coordinator) tallyText(r *Round, remaining time.Duration) string {
	return fmt.Sprintf("Vote to mute %s for %d min: %d/%d votes, %ds left. React with %s to vote.",
		r.targetName, int(r.Duration/time.Minute), r.votes.Load(), r.Required, int(remaining/time.Second), c.cfg.Emoji)
}
