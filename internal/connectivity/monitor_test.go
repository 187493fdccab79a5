package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_SetReportsTransitions(t *testing.T) {
	m := NewMonitor(false, nil)
	assert.False(t, m.Online())

	assert.True(t, m.Set(true))
	assert.False(t, m.Set(true))
	assert.True(t, m.Online())
	assert.True(t, m.Set(false))
}

func TestMonitor_Subscribe(t *testing.T) {
	m := NewMonitor(false, nil)
	ch, cancel := m.Subscribe()

	m.Set(true)
	m.Set(true)
	m.Set(false)

	ev := <-ch
	assert.True(t, ev.Online)
	ev = <-ch
	assert.False(t, ev.Online)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// No panic sending after unsubscribe.
	m.Set(true)
}

func TestMonitor_SlowSubscriberDoesNotBlock(t *testing.T) {
	m := NewMonitor(false, nil)
	_, cancel := m.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			m.Set(i%2 == 0)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Set blocked on a full subscriber")
	}
}

type fakeProber struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *fakeProber) Ping(ctx context.Context) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return errors.New("unreachable")
	}
	return ctx.Err()
}

func TestPoller_Probe(t *testing.T) {
	m := NewMonitor(false, nil)
	pr := &fakeProber{}
	p := NewPoller(m, pr, time.Hour, time.Second, nil)

	assert.True(t, p.Probe(context.Background()))
	assert.True(t, m.Online())

	pr.fail.Store(true)
	assert.False(t, p.Probe(context.Background()))
	assert.False(t, m.Online())
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	m := NewMonitor(false, nil)
	pr := &fakeProber{}
	p := NewPoller(m, pr, 5*time.Millisecond, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return pr.calls.Load() >= 3 }, 2*time.Second, time.Millisecond)
	assert.True(t, m.Online())
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
