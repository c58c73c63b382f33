package mute

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-voice/backend/internal/clock"
	"github.com/aura-voice/backend/internal/platform/platformtest"
)

func newReconciler(t *testing.T) (*Reconciler, *Ledger, *platformtest.Fake, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	fake := platformtest.New()
	ledger := NewLedger(clk, 0, nil)
	return NewReconciler(ledger, fake, clk, time.Second, nil), ledger, fake, clk
}

func TestDecideRules(t *testing.T) {
	cases := []struct {
		name          string
		setup         func(l *Ledger)
		platformMuted bool
		want          Action
	}{
		{name: "nothing known", want: ActionNone},
		{name: "drift clears stale platform mute", platformMuted: true, want: ActionClearDrift},
		{
			name:  "live unmute for this session",
			setup: func(l *Ledger) { l.RemoveMutedUser("S", "U") },
			want:  ActionUnmute,
		},
		{
			name:  "live mute for this session",
			setup: func(l *Ledger) { l.AddMutedUser("S", "U") },
			want:  ActionMute,
		},
		{
			name: "tracked mute without journal",
			setup: func(l *Ledger) {
				l.Import(map[string][]string{"S": {"U"}})
			},
			want: ActionMute,
		},
		{
			name: "tracked and platform muted is not drift",
			setup: func(l *Ledger) {
				l.Import(map[string][]string{"S": {"U"}})
			},
			platformMuted: true,
			want:          ActionMute,
		},
		{
			name:  "live mute for another session suppresses drift",
			setup: func(l *Ledger) { l.AddMutedUser("OTHER", "U") },
			platformMuted: true,
			want:          ActionNone,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, ledger, _, _ := newReconciler(t)
			if tc.setup != nil {
				tc.setup(ledger)
			}
			assert.Equal(t, tc.want, r.Decide("U", "S", tc.platformMuted))
		})
	}
}

func TestExplicitMuteThenEnterEnforcesMute(t *testing.T) {
	r, ledger, fake, clk := newReconciler(t)
	fake.Connect("U", "S")

	ledger.AddMutedUser("S", "U")
	// The enter event was generated before the platform applied the mute.
	action := r.OnEnter("U", "S", false)
	require.Equal(t, ActionMute, action)

	// Same story with a platform snapshot that already shows muted.
	assert.Equal(t, ActionMute, r.Decide("U", "S", true))

	clk.Advance(time.Second)
	calls := fake.MuteCallsFor("U")
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Muted)
	assert.True(t, fake.IsMuted("U"))
}

func TestEnforcementSkippedWhenUserMovedOn(t *testing.T) {
	r, ledger, fake, clk := newReconciler(t)
	ledger.Import(map[string][]string{"S": {"U"}})
	fake.Connect("U", "S")

	require.Equal(t, ActionMute, r.OnEnter("U", "S", false))
	fake.Connect("U", "ELSEWHERE")
	clk.Advance(2 * time.Second)

	assert.Empty(t, fake.MuteCallsFor("U"))
}

func TestDriftClearedAfterDelay(t *testing.T) {
	r, _, fake, clk := newReconciler(t)
	fake.Connect("U", "S")
	fake.SetMutedFlag("U", true)

	require.Equal(t, ActionClearDrift, r.OnEnter("U", "S", true))
	clk.Advance(500 * time.Millisecond)
	assert.Empty(t, fake.MuteCallsFor("U"), "not before the delay")

	clk.Advance(500 * time.Millisecond)
	assert.False(t, fake.IsMuted("U"))
}

func TestOnLeaveClearsWhenLeavingEntirely(t *testing.T) {
	r, ledger, fake, clk := newReconciler(t)
	ledger.AddMutedUser("S", "U")
	clk.Advance(11 * time.Second) // journal entry expired

	assert.True(t, r.OnLeave(context.Background(), "U", "S", ""))
	calls := fake.MuteCallsFor("U")
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Muted)
	assert.True(t, ledger.Tracked("S", "U"), "ledger keeps the mute for a later return")
}

func TestOnLeaveKeepsMuteWhenMutedInDestination(t *testing.T) {
	r, ledger, fake, clk := newReconciler(t)
	ledger.Import(map[string][]string{"S": {"U"}, "T": {"U"}})
	clk.Advance(time.Second)

	assert.False(t, r.OnLeave(context.Background(), "U", "S", "T"))
	assert.Empty(t, fake.MuteCallsFor("U"))
}

func TestOnLeaveSuppressedByPendingExplicitAction(t *testing.T) {
	r, ledger, fake, _ := newReconciler(t)
	ledger.AddMutedUser("S", "U")

	assert.False(t, r.OnLeave(context.Background(), "U", "S", ""))
	assert.Empty(t, fake.MuteCallsFor("U"))
}

func TestOnLeaveIgnoresUntrackedUser(t *testing.T) {
	r, _, fake, _ := newReconciler(t)
	assert.False(t, r.OnLeave(context.Background(), "U", "S", "T"))
	assert.Empty(t, fake.MuteCallsFor("U"))
}
