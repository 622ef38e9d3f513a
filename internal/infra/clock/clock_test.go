package clock_test

import (
	"testing"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/infra/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFake_FiresInOrder(t *testing.T) {
	f := clock.NewFake(start)
	var fired []string

	f.AfterFunc(2*time.Hour, func() { fired = append(fired, "b") })
	f.AfterFunc(time.Hour, func() { fired = append(fired, "a") })
	f.AfterFunc(3*time.Hour, func() { fired = append(fired, "c") })

	f.Advance(150 * time.Minute)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, start.Add(150*time.Minute), f.Now())
	assert.Equal(t, 1, f.Pending())

	deadline, ok := f.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, start.Add(3*time.Hour), deadline)
}

func TestFake_CallbackSeesItsOwnDeadline(t *testing.T) {
	f := clock.NewFake(start)
	var at time.Time
	f.AfterFunc(time.Hour, func() { at = f.Now() })

	f.Advance(24 * time.Hour)
	assert.Equal(t, start.Add(time.Hour), at)
}

func TestFake_RearmedTimerFiresWhenDue(t *testing.T) {
	f := clock.NewFake(start)
	count := 0
	var tick func()
	tick = func() {
		count++
		f.AfterFunc(time.Hour, tick)
	}
	f.AfterFunc(time.Hour, tick)

	f.Advance(3*time.Hour + 30*time.Minute)
	assert.Equal(t, 3, count)
	assert.Equal(t, 1, f.Pending())
}

func TestFake_Stop(t *testing.T) {
	f := clock.NewFake(start)
	fired := false
	timer := f.AfterFunc(time.Minute, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	f.Advance(time.Hour)
	assert.False(t, fired)
	assert.Equal(t, 0, f.Pending())

	_, ok := f.NextDeadline()
	assert.False(t, ok)
}

func TestReal_AfterFunc(t *testing.T) {
	done := make(chan struct{})
	clock.NewReal().AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}
