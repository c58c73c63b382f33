package votemute

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-voice/backend/internal/apperr"
	"github.com/aura-voice/backend/internal/audit"
	"github.com/aura-voice/backend/internal/clock"
	"github.com/aura-voice/backend/internal/mute"
	"github.com/aura-voice/backend/internal/ownership"
	"github.com/aura-voice/backend/internal/platform/platformtest"
)

var epoch = time.Date(2026, 5, 2, 20, 0, 0, 0, time.UTC)

type countingSaver struct {
	mu sync.Mutex
	n  int
}

func (c *countingSaver) Save() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingSaver) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type harness struct {
	c      *Coordinator
	fake   *platformtest.Fake
	owners *ownership.Registry
	ledger *mute.Ledger
	saves  *countingSaver
	clk    *clock.FakeClock
	audit  *audit.Memory
}

// newHarness puts "owner", "target", the bot and the given voters in
// session "S".
func newHarness(t *testing.T, voters ...string) *harness {
	t.Helper()
	clk := clock.Fake(epoch)
	fake := platformtest.New()
	fake.AddSession("S", "cat", "Lounge")
	owners := ownership.NewRegistry(nil)
	owners.Register("S", "owner")
	saves := &countingSaver{}
	ledger := mute.NewLedger(clk, 0, saves)
	mem := &audit.Memory{}

	fake.Connect("owner", "S")
	fake.Connect("target", "S")
	fake.Connect("bot", "S")
	fake.SetBot("bot")
	for _, v := range voters {
		fake.Connect(v, "S")
	}

	c := NewCoordinator(fake, owners, ledger, clk, mem, Config{SystemUserID: "bot"}, nil)
	return &harness{c: c, fake: fake, owners: owners, ledger: ledger, saves: saves, clk: clk, audit: mem}
}

func (h *harness) start(t *testing.T, minutes int) Status {
	t.Helper()
	st, err := h.c.Start(context.Background(), "S", "owner", "target", minutes)
	require.NoError(t, err)
	return st
}

func (h *harness) tally(t *testing.T) platformtest.Message {
	t.Helper()
	msgs := h.fake.MessagesIn("S")
	require.NotEmpty(t, msgs)
	return msgs[0]
}

func (h *harness) round(t *testing.T) *Round {
	t.Helper()
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	r, ok := h.c.rounds[roundKey{session: "S", target: "target"}]
	require.True(t, ok)
	return r
}

func TestThreshold(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 2, 4: 2, 5: 3, 6: 3, 9: 5, 10: 5}
	for eligible, want := range cases {
		t.Run(fmt.Sprintf("eligible=%d", eligible), func(t *testing.T) {
			assert.Equal(t, want, Threshold(eligible))
		})
	}
}

func TestStartPreconditions(t *testing.T) {
	cases := []struct {
		name      string
		session   string
		initiator string
		target    string
		minutes   int
		setup     func(h *harness)
		want      error
	}{
		{name: "untracked session", session: "X", initiator: "owner", target: "target", want: apperr.ErrNotTracked},
		{name: "self", session: "S", initiator: "v1", target: "v1", want: apperr.ErrSelfTarget},
		{name: "system", session: "S", initiator: "v1", target: "bot", want: apperr.ErrTargetSystem},
		{name: "owner", session: "S", initiator: "v1", target: "owner", want: apperr.ErrTargetOwner},
		{name: "target absent", session: "S", initiator: "v1", target: "ghost", want: apperr.ErrTargetNotPresent},
		{
			name: "initiator absent", session: "S", initiator: "v1", target: "target",
			setup: func(h *harness) { h.fake.Connect("v1", "") },
			want:  apperr.ErrNotInSession,
		},
		{
			name: "already muted", session: "S", initiator: "v1", target: "target",
			setup: func(h *harness) { h.ledger.AddMutedUser("S", "target") },
			want:  apperr.ErrAlreadyMuted,
		},
		{name: "duration too long", session: "S", initiator: "v1", target: "target", minutes: 31, want: apperr.ErrInvalidDuration},
		{name: "negative duration", session: "S", initiator: "v1", target: "target", minutes: -1, want: apperr.ErrInvalidDuration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, "v1")
			if tc.setup != nil {
				tc.setup(h)
			}
			_, err := h.c.Start(context.Background(), tc.session, tc.initiator, tc.target, tc.minutes)
			assert.ErrorIs(t, err, tc.want)
			assert.Empty(t, h.c.List("S"))
		})
	}
}

func TestSecondRoundAgainstSameTargetRefused(t *testing.T) {
	h := newHarness(t, "v1", "v2")
	h.start(t, 0)

	_, err := h.c.Start(context.Background(), "S", "v1", "target", 0)
	assert.ErrorIs(t, err, apperr.ErrVoteInProgress)
}

func TestStartFreezesElectorate(t *testing.T) {
	h := newHarness(t, "v1", "v2", "v3", "v4")
	st := h.start(t, 0)

	assert.Equal(t, 5, st.Eligible, "owner and four voters, not the target or the bot")
	assert.Equal(t, 3, st.Required)
	assert.Equal(t, DefaultDurationMinutes, st.DurationMin)
	assert.Equal(t, epoch.Add(DefaultDeadline), st.EndsAt)
	assert.Equal(t, []string{"owner", "v1", "v2", "v3", "v4"}, h.round(t).Eligible())
	assert.Equal(t, 1, h.audit.Count(audit.ActionVoteStart))
}

func TestEarlyExitMutes(t *testing.T) {
	h := newHarness(t, "v1", "v2", "v3")
	h.start(t, 0)
	msg := h.tally(t)

	h.fake.React(msg.ID, "v1")
	h.fake.React(msg.ID, "target") // ignored
	h.fake.React(msg.ID, "bot")    // ignored
	h.clk.Advance(DefaultPollInterval)
	assert.False(t, h.ledger.Tracked("S", "target"), "one vote is below the threshold of 2")

	h.fake.React(msg.ID, "v2")
	h.clk.Advance(DefaultPollInterval)

	assert.True(t, h.ledger.Tracked("S", "target"))
	assert.True(t, h.fake.IsMuted("target"))
	assert.Equal(t, 1, h.audit.Count(audit.ActionVotePass))
	assert.Empty(t, h.c.List("S"))
	assert.True(t, h.c.PendingUnmute("S", "target"))

	final, _ := h.fake.Message(msg.ID)
	assert.True(t, strings.HasPrefix(final.Content, "Vote passed"), final.Content)

	// Nothing else fires for this round.
	h.clk.Advance(DefaultFailsafe)
	assert.Zero(t, h.audit.Count(audit.ActionVoteFail))
	assert.Len(t, h.fake.MuteCallsFor("target"), 1)
}

func TestThresholdIsFrozenWhenVotersLeave(t *testing.T) {
	h := newHarness(t, "v1", "v2", "v3", "v4")
	st := h.start(t, 0)
	require.Equal(t, 3, st.Required)
	msg := h.tally(t)

	h.fake.React(msg.ID, "v1")
	h.fake.Connect("v1", "")
	h.fake.Connect("v2", "")
	h.fake.Connect("v3", "")
	h.fake.React(msg.ID, "v4")
	h.fake.React(msg.ID, "owner")

	h.clk.Advance(10 * time.Second)
	open := h.c.List("S")
	require.Len(t, open, 1)
	assert.Equal(t, 3, open[0].Required)
	assert.Equal(t, 2, open[0].Votes, "v1 left, so only owner and v4 count")

	h.clk.Advance(DefaultFailsafe)
	assert.False(t, h.ledger.Tracked("S", "target"))
	assert.Equal(t, 1, h.audit.Count(audit.ActionVoteFail))
	final, _ := h.fake.Message(msg.ID)
	assert.True(t, strings.HasPrefix(final.Content, "Vote failed"), final.Content)
}

func TestLateVotesCaughtByFinalSample(t *testing.T) {
	h := newHarness(t, "v1", "v2")
	h.start(t, 0)
	msg := h.tally(t)

	h.clk.Advance(19 * time.Second) // last poll ran at 18s
	h.fake.React(msg.ID, "v1")
	h.fake.React(msg.ID, "v2")
	assert.False(t, h.ledger.Tracked("S", "target"))

	h.clk.Advance(time.Second)
	assert.True(t, h.ledger.Tracked("S", "target"))
	assert.Equal(t, 1, h.audit.Count(audit.ActionVotePass))
}

func TestTallyRefreshedAtEachMarker(t *testing.T) {
	h := newHarness(t, "v1")
	h.start(t, 0)
	msg := h.tally(t)

	h.clk.Advance(DefaultDeadline - time.Second)
	refreshed, _ := h.fake.Message(msg.ID)
	assert.Equal(t, len(DefaultMarkers), refreshed.Edits)
	assert.Contains(t, refreshed.Content, "1s left")

	h.clk.Advance(time.Second)
	final, _ := h.fake.Message(msg.ID)
	assert.Equal(t, len(DefaultMarkers)+1, final.Edits)
}

func TestFailsafeClosesStuckRound(t *testing.T) {
	h := newHarness(t, "v1")
	h.start(t, 0)
	r := h.round(t)

	h.c.failsafe(r)
	assert.True(t, r.completed.Load())
	assert.False(t, r.muted.Load())
	assert.Equal(t, 1, h.audit.Count(audit.ActionVoteFail))
	assert.Empty(t, h.c.List("S"))
}

func TestConcurrentFinalizersProduceOneOutcome(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, "v1", "v2", "v3")
		h.start(t, 0)
		msg := h.tally(t)
		h.fake.React(msg.ID, "v1")
		h.fake.React(msg.ID, "v2")
		r := h.round(t)
		announcementsBefore := len(h.fake.MessagesIn("S"))

		var wg sync.WaitGroup
		for _, f := range []func(){
			func() { h.c.poll(r, 0) },
			func() { h.c.deadline(r) },
			func() { h.c.failsafe(r) },
		} {
			wg.Add(1)
			go func(f func()) {
				defer wg.Done()
				f()
			}(f)
		}
		wg.Wait()

		passed := h.audit.Count(audit.ActionVotePass)
		failed := h.audit.Count(audit.ActionVoteFail)
		require.Equal(t, 1, passed+failed)
		if passed == 1 {
			assert.Equal(t, 1, h.saves.count(), "exactly one ledger mutation")
			assert.Len(t, h.fake.MuteCallsFor("target"), 1)
			assert.Len(t, h.fake.MessagesIn("S"), announcementsBefore+1)
		} else {
			assert.Zero(t, h.saves.count())
			assert.Empty(t, h.fake.MuteCallsFor("target"))
			assert.Len(t, h.fake.MessagesIn("S"), announcementsBefore)
		}
	}
}

func TestAutoUnmuteAfterDuration(t *testing.T) {
	h := newHarness(t, "v1")
	h.start(t, 1)
	msg := h.tally(t)
	h.fake.React(msg.ID, "v1")
	h.fake.React(msg.ID, "owner")
	h.clk.Advance(DefaultPollInterval)
	require.True(t, h.ledger.Tracked("S", "target"))

	h.clk.Advance(time.Minute)
	assert.False(t, h.ledger.Tracked("S", "target"))
	assert.False(t, h.fake.IsMuted("target"))
	assert.False(t, h.c.PendingUnmute("S", "target"))
	assert.Equal(t, 1, h.audit.Count(audit.ActionAutoUnmute))
}

func TestManualUnmuteRespectedByAutoUnmute(t *testing.T) {
	h := newHarness(t, "v1")
	h.start(t, 2)
	msg := h.tally(t)
	h.fake.React(msg.ID, "v1")
	h.fake.React(msg.ID, "owner")
	h.clk.Advance(DefaultPollInterval)
	require.True(t, h.ledger.Tracked("S", "target"))

	// A moderator lifts the mute half-way through.
	h.clk.Advance(time.Minute)
	h.ledger.RemoveMutedUser("S", "target")
	require.NoError(t, h.fake.SetParticipantMute(context.Background(), "S", "target", false))
	calls := len(h.fake.MuteCallsFor("target"))

	h.clk.Advance(time.Minute)
	assert.Len(t, h.fake.MuteCallsFor("target"), calls, "timer action became a no-op")
	assert.Zero(t, h.audit.Count(audit.ActionAutoUnmute))
}

func TestTargetLeftBeforeMuteStillRecorded(t *testing.T) {
	h := newHarness(t, "v1")
	h.start(t, 0)
	msg := h.tally(t)
	h.fake.React(msg.ID, "v1")
	h.fake.React(msg.ID, "owner")
	h.fake.Connect("target", "")

	h.clk.Advance(DefaultPollInterval)
	assert.True(t, h.ledger.Tracked("S", "target"), "ledger is authoritative for a later return")
	assert.Empty(t, h.fake.MuteCallsFor("target"))
}

func TestForgetDropsRoundsAndTimers(t *testing.T) {
	h := newHarness(t, "v1")
	h.start(t, 0)
	h.c.Forget("S")

	assert.Empty(t, h.c.List("S"))
	h.clk.Advance(DefaultFailsafe)
	assert.Zero(t, h.audit.Count(audit.ActionVoteFail))
	assert.Zero(t, h.audit.Count(audit.ActionVotePass))
}
