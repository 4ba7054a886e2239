package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet/api/events"
	"fleet/api/model"
	"fleet/api/registry"
	"fleet/api/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRegistry(t *testing.T) (*registry.Registry, *clock, *events.Recorder) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &events.Recorder{}
	r := registry.New(store.NewMemory(), registry.Options{TokenTTL: time.Hour, Notifier: rec, Now: clk.Now})
	return r, clk, rec
}

func register(t *testing.T, r *registry.Registry, region string) (*model.Node, string) {
	t.Helper()
	ctx := context.Background()
	tok, err := r.IssueRegistrationToken(ctx, "acme", region, "")
	require.NoError(t, err)
	node, secret, err := r.CompleteRegistration(ctx, model.Registration{
		Token: tok.Token, CPUTotal: 4000, MemoryTotal: 8192, DiskTotal: 50000,
	})
	require.NoError(t, err)
	return node, secret
}

func TestIssueCreatesProvisioningNode(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	tok, err := r.IssueRegistrationToken(ctx, "acme", "us-east", "edge-1")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)

	node, err := r.Get(ctx, tok.NodeID)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, model.NodeProvisioning, node.Status)
	assert.Equal(t, "edge-1", node.Name)

	online, err := r.ListOnline(ctx, "us-east")
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestCompleteRegistrationExactlyOnce(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	tok, err := r.IssueRegistrationToken(ctx, "acme", "us-east", "")
	require.NoError(t, err)

	reg := model.Registration{Token: tok.Token, CPUTotal: 4000, MemoryTotal: 8192, DiskTotal: 50000}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, invalid int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.CompleteRegistration(ctx, reg)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, model.ErrInvalidToken):
				invalid++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, invalid)
}

func TestCompleteRegistrationRejects(t *testing.T) {
	r, clk, _ := newRegistry(t)
	ctx := context.Background()

	_, _, err := r.CompleteRegistration(ctx, model.Registration{Token: "nope", CPUTotal: 1, MemoryTotal: 1, DiskTotal: 1})
	assert.ErrorIs(t, err, model.ErrInvalidToken)

	tok, err := r.IssueRegistrationToken(ctx, "acme", "eu", "")
	require.NoError(t, err)

	_, _, err = r.CompleteRegistration(ctx, model.Registration{Token: tok.Token, CPUTotal: 1000})
	assert.ErrorIs(t, err, model.ErrInvalidCapacity)

	clk.Advance(2 * time.Hour)
	_, _, err = r.CompleteRegistration(ctx, model.Registration{Token: tok.Token, CPUTotal: 1, MemoryTotal: 1, DiskTotal: 1})
	assert.ErrorIs(t, err, model.ErrInvalidToken)
}

func TestHeartbeatRevivesOfflineNode(t *testing.T) {
	r, _, rec := newRegistry(t)
	ctx := context.Background()
	node, _ := register(t, r, "eu")

	changed, err := r.MarkOffline(ctx, node.ID, events.ReasonDisconnected)
	require.NoError(t, err)
	assert.True(t, changed)

	require.NoError(t, r.Heartbeat(ctx, node.ID, model.Heartbeat{CPUUsed: 250, MemoryUsed: 512, DiskUsed: 100, ContainerCount: 3}))
	got, err := r.Get(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeOnline, got.Status)
	assert.Equal(t, int64(512), got.Usage.MemoryMB)
	assert.Equal(t, 3, got.Usage.Containers)
	assert.Len(t, rec.Events(events.NodeOnline), 1)

	assert.ErrorIs(t, r.Heartbeat(ctx, "missing", model.Heartbeat{}), model.ErrUnknownNode)
}

func TestMarkOfflineIsIdempotent(t *testing.T) {
	r, _, rec := newRegistry(t)
	ctx := context.Background()
	node, _ := register(t, r, "eu")

	first, err := r.MarkOffline(ctx, node.ID, events.ReasonDisconnected)
	require.NoError(t, err)
	second, err := r.MarkOffline(ctx, node.ID, events.ReasonDisconnected)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	offline := rec.Events(events.NodeOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, "eu", offline[0].Region)
	assert.Equal(t, events.ReasonDisconnected, offline[0].Reason)
}

func TestSweepStale(t *testing.T) {
	r, clk, rec := newRegistry(t)
	ctx := context.Background()
	stale, _ := register(t, r, "eu")
	fresh, _ := register(t, r, "eu")
	disabled, _ := register(t, r, "eu")
	_, err := r.SetOverride(ctx, disabled.ID, model.OverrideDisabled)
	require.NoError(t, err)

	clk.Advance(60 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, fresh.ID, model.Heartbeat{}))
	clk.Advance(31 * time.Second)

	demoted, err := r.SweepStale(ctx, 90*time.Second)
	require.NoError(t, err)
	require.Len(t, demoted, 1)
	assert.Equal(t, stale.ID, demoted[0].ID)

	again, err := r.SweepStale(ctx, 90*time.Second)
	require.NoError(t, err)
	assert.Empty(t, again)

	offline := rec.Events(events.NodeOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, events.ReasonHeartbeatTimeout, offline[0].Reason)

	got, err := r.Get(ctx, disabled.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeOnline, got.Status)
}

func TestSetOverride(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	node, _ := register(t, r, "eu")

	got, err := r.SetOverride(ctx, node.ID, model.OverrideMaintenance)
	require.NoError(t, err)
	assert.False(t, got.Schedulable())

	_, err = r.SetOverride(ctx, node.ID, "paused")
	assert.ErrorIs(t, err, model.ErrInvalidOverride)

	_, err = r.SetOverride(ctx, "missing", model.OverrideNone)
	assert.ErrorIs(t, err, model.ErrUnknownNode)
}

func TestVerifySession(t *testing.T) {
	r, clk, _ := newRegistry(t)
	ctx := context.Background()
	a, secretA := register(t, r, "eu")
	b, _ := register(t, r, "eu")

	token, err := registry.SignSession(a.ID, secretA, time.Hour, clk.Now())
	require.NoError(t, err)

	got, err := r.VerifySession(ctx, a.ID, token)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	// A's token presented on B's connection.
	_, err = r.VerifySession(ctx, b.ID, token)
	assert.ErrorIs(t, err, model.ErrAuthFailed)

	forged, err := registry.SignSession(a.ID, "not-the-secret", time.Hour, clk.Now())
	require.NoError(t, err)
	_, err = r.VerifySession(ctx, a.ID, forged)
	assert.ErrorIs(t, err, model.ErrAuthFailed)

	_, err = r.VerifySession(ctx, "missing", token)
	assert.ErrorIs(t, err, model.ErrAuthFailed)

	longLived, err := registry.SignSession(a.ID, secretA, 48*time.Hour, clk.Now())
	require.NoError(t, err)
	_, err = r.VerifySession(ctx, a.ID, longLived)
	assert.ErrorIs(t, err, model.ErrAuthFailed)

	clk.Advance(2 * time.Hour)
	_, err = r.VerifySession(ctx, a.ID, token)
	assert.ErrorIs(t, err, model.ErrAuthFailed)
}

func TestRemove(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	node, _ := register(t, r, "eu")

	require.NoError(t, r.Remove(ctx, node.ID))
	got, err := r.Get(ctx, node.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.ErrorIs(t, r.Remove(ctx, node.ID), model.ErrUnknownNode)
}
