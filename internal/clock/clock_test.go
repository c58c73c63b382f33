package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestFakeAfterFuncRunsInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "third") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "first") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "second") })

	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, []string{"first"}, order)

	c.Advance(5 * time.Second)
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, epoch.Add(6500*time.Millisecond), c.Now())
}

func TestFakeCallbackSeesItsDeadline(t *testing.T) {
	c := Fake(epoch)
	var seen time.Time
	c.AfterFunc(2*time.Second, func() { seen = c.Now() })
	c.Advance(10 * time.Second)
	assert.Equal(t, epoch.Add(2*time.Second), seen)
}

func TestFakeNestedScheduling(t *testing.T) {
	c := Fake(epoch)
	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(5 * time.Second)
	assert.Equal(t, 5, ticks)
	assert.Equal(t, 1, c.Pending())
}

func TestFakeStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	require.True(t, timer.Stop())
	require.False(t, timer.Stop())

	c.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Zero(t, c.Pending())
}

func TestRealAfterFunc(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real AfterFunc did not fire")
	}
}
