package channel_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet/api/channel"
	"fleet/api/events"
	"fleet/api/model"
	"fleet/api/registry"
	"fleet/api/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestWatchdogSweep(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	rec := &events.Recorder{}
	reg := registry.New(store.NewMemory(), registry.Options{Notifier: rec, Now: clk.Now})

	tok, err := reg.IssueRegistrationToken(ctx, "acme", "eu", "")
	require.NoError(t, err)
	node, _, err := reg.CompleteRegistration(ctx, model.Registration{Token: tok.Token, CPUTotal: 1, MemoryTotal: 1, DiskTotal: 1})
	require.NoError(t, err)

	w := channel.NewWatchdog(reg, 30*time.Second, 90*time.Second)

	clk.Advance(89 * time.Second)
	assert.Empty(t, w.Sweep(ctx))

	clk.Advance(30 * time.Second)
	demoted := w.Sweep(ctx)
	require.Len(t, demoted, 1)
	assert.Equal(t, node.ID, demoted[0].ID)

	clk.Advance(30 * time.Second)
	assert.Empty(t, w.Sweep(ctx))
	assert.Len(t, rec.Events(events.NodeOffline), 1)
}

func TestWatchdogRunStopsOnCancel(t *testing.T) {
	reg := registry.New(store.NewMemory(), registry.Options{})
	w := channel.NewWatchdog(reg, 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}
}
