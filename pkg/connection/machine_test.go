package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/metrics"
	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/pubsub"
	"github.com/dd0wney/cluso-fleet/pkg/storage"
)

type fixture struct {
	store   *storage.MemoryStore
	bus     *pubsub.PubSub
	machine *Machine
}

func newFixture(t *testing.T, status model.Status) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.PutCluster(ctx, &model.Cluster{ID: "C1", ZoneID: "Z1", HypervisorType: "KVM"}))
	require.NoError(t, store.CreateHost(ctx, &model.Host{
		ID: "h1", ClusterID: "C1", HypervisorType: "KVM", Status: status, ManagementAddress: "10.0.0.5",
	}))

	bus := pubsub.NewPubSub()
	t.Cleanup(bus.Shutdown)
	return &fixture{
		store:   store,
		bus:     bus,
		machine: NewMachine(store, bus, metrics.NewRegistry(), logging.NewNopLogger()),
	}
}

func (f *fixture) status(t *testing.T) model.Status {
	t.Helper()
	h, err := f.store.GetHost(context.Background(), "h1")
	require.NoError(t, err)
	return h.Status
}

func drain(sub *pubsub.Subscription, wait time.Duration) []pubsub.Event {
	var out []pubsub.Event
	timeout := time.After(wait)
	for {
		select {
		case e := <-sub.Channel():
			out = append(out, e)
		case <-timeout:
			return out
		}
	}
}

func TestCanTransition(t *testing.T) {
	c, d, x := model.StatusConnected, model.StatusDisconnected, model.StatusConnecting
	tests := []struct {
		from, to model.Status
		want     bool
	}{
		{x, c, true},
		{x, d, true},
		{c, d, true},
		{d, x, true},
		{c, x, true},
		{d, c, false},
		{c, c, false},
		{x, x, false},
		{d, d, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMarkConnected(t *testing.T) {
	f := newFixture(t, model.StatusConnecting)
	ctx := context.Background()
	sub, _ := f.bus.Subscribe(ctx, pubsub.TopicHostConnected)

	osInfo := model.OSInfo{Distro: "Ubuntu", Release: "22.04", Version: "5.15"}
	h, err := f.machine.MarkConnected(ctx, "h1", "n1", osInfo)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnected, h.Status)
	assert.Equal(t, "n1", h.ManagementNodeID)
	assert.Equal(t, osInfo, h.OS)

	events := drain(sub, 20*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, pubsub.HostConnected{HostID: "h1", NodeID: "n1"}, events[0])

	// Connected -> Connected has no edge
	_, err = f.machine.MarkConnected(ctx, "h1", "n1", osInfo)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDisconnect_IdempotentAndPublishesOnce(t *testing.T) {
	f := newFixture(t, model.StatusConnected)
	ctx := context.Background()
	sub, _ := f.bus.Subscribe(ctx, pubsub.TopicHostDisconnected)

	changed, err := f.machine.Disconnect(ctx, "h1", CauseOperator)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.machine.Disconnect(ctx, "h1", CauseOperator)
	require.NoError(t, err)
	assert.False(t, changed, "Disconnected -> Disconnected is a no-op")

	events := drain(sub, 20*time.Millisecond)
	assert.Len(t, events, 1)
	assert.Equal(t, model.StatusDisconnected, f.status(t))
}

func TestBeginHandshake(t *testing.T) {
	tests := []struct {
		name  string
		start model.Status
	}{
		{"from disconnected", model.StatusDisconnected},
		{"from connected", model.StatusConnected},
		{"already connecting", model.StatusConnecting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.start)
			h, err := f.machine.BeginHandshake(context.Background(), "h1", "n2")
			require.NoError(t, err)
			assert.Equal(t, model.StatusConnecting, h.Status)
			assert.Equal(t, model.StatusConnecting, f.status(t))
		})
	}
}

func TestStorageCascade_ThirdLossDisconnectsOnce(t *testing.T) {
	f := newFixture(t, model.StatusConnected)
	ctx := context.Background()
	sub, _ := f.bus.Subscribe(ctx, pubsub.TopicHostDisconnected)

	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, f.store.PutStorageLink(ctx, model.StorageLink{HostID: "h1", StorageID: id, Status: model.LinkConnected}))
	}

	lose := func(storageID string) bool {
		require.NoError(t, f.store.PutStorageLink(ctx, model.StorageLink{HostID: "h1", StorageID: storageID, Status: model.LinkDisconnected}))
		changed, err := f.machine.HandleStorageLinkChange(ctx, pubsub.StorageLinkStatusChanged{
			HostID: "h1", StorageID: storageID, Old: model.LinkConnected, New: model.LinkDisconnected,
		})
		require.NoError(t, err)
		return changed
	}

	assert.False(t, lose("s1"))
	assert.False(t, lose("s2"))
	assert.Equal(t, model.StatusConnected, f.status(t))

	assert.True(t, lose("s3"))
	assert.Equal(t, model.StatusDisconnected, f.status(t))

	// A repeated loss event on an already disconnected host changes nothing
	changed, err := f.machine.HandleStorageLinkChange(ctx, pubsub.StorageLinkStatusChanged{
		HostID: "h1", StorageID: "s3", Old: model.LinkConnected, New: model.LinkDisconnected,
	})
	require.NoError(t, err)
	assert.False(t, changed)

	events := drain(sub, 20*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, pubsub.HostDisconnected{HostID: "h1", Cause: CauseStorageLost}, events[0])
}

func TestStorageCascade_IgnoresNonLossEvents(t *testing.T) {
	f := newFixture(t, model.StatusConnected)
	ctx := context.Background()

	for _, ev := range []pubsub.StorageLinkStatusChanged{
		{HostID: "h1", Old: model.LinkDisconnected, New: model.LinkConnected},
		{HostID: "h1", Old: model.LinkDisconnected, New: model.LinkDisconnected},
	} {
		changed, err := f.machine.HandleStorageLinkChange(ctx, ev)
		require.NoError(t, err)
		assert.False(t, changed)
	}
	assert.Equal(t, model.StatusConnected, f.status(t))
}

func TestRun_ConsumesBusEvents(t *testing.T) {
	f := newFixture(t, model.StatusConnected)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disconnected, _ := f.bus.Subscribe(ctx, pubsub.TopicHostDisconnected)
	go func() { _ = f.machine.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.bus.GetSubscriberCount(pubsub.TopicStorageLinkStatusChanged) == 1
	}, time.Second, time.Millisecond)

	// Host with no links at all: a loss event leaves zero connected links
	require.NoError(t, f.bus.Publish(ctx, pubsub.StorageLinkStatusChanged{
		HostID: "h1", StorageID: "s1", Old: model.LinkConnected, New: model.LinkDisconnected,
	}))

	select {
	case e := <-disconnected.Channel():
		assert.Equal(t, "h1", e.(pubsub.HostDisconnected).HostID)
	case <-time.After(time.Second):
		t.Fatal("cascade did not publish HostDisconnected")
	}
}
