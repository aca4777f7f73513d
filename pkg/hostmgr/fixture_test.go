package hostmgr

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-fleet/pkg/auth"
	"github.com/dd0wney/cluso-fleet/pkg/connection"
	"github.com/dd0wney/cluso-fleet/pkg/extension"
	"github.com/dd0wney/cluso-fleet/pkg/hypervisor"
	"github.com/dd0wney/cluso-fleet/pkg/liveness"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/metrics"
	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/parallel"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
	"github.com/dd0wney/cluso-fleet/pkg/pubsub"
	"github.com/dd0wney/cluso-fleet/pkg/storage"
)

const (
	testNodeID   = "node-1"
	testNodeAddr = "10.1.0.1:7070"
	testSecret   = "fleet-test-secret-that-is-long-enough"
)

var ubuntu2204 = model.OSInfo{Distro: "ubuntu", Release: "22.04", Version: "5.15"}

type connectFunc func(ctx context.Context, addr string, req *protocol.ConnectRequest) (*protocol.ConnectReply, error)

// fakeTransport answers connect requests in process
type fakeTransport struct {
	mu       sync.Mutex
	requests []*protocol.ConnectRequest
	sent     []*protocol.Message
	connect  connectFunc
}

func (f *fakeTransport) Connect(ctx context.Context, addr string, req *protocol.ConnectRequest) (*protocol.ConnectReply, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.connect
	f.mu.Unlock()

	if fn == nil {
		return &protocol.ConnectReply{Success: true, OS: ubuntu2204}, nil
	}
	return fn(ctx, addr, req)
}

func (f *fakeTransport) Send(ctx context.Context, addr string, msg *protocol.Message) (*protocol.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return protocol.OK(), nil
}

func (f *fakeTransport) setConnect(fn connectFunc) {
	f.mu.Lock()
	f.connect = fn
	f.mu.Unlock()
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeTransport) lastRequest() *protocol.ConnectRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

// recordingExt implements every add hook and records failed-to-add calls
type recordingExt struct {
	name      string
	beforeErr error
	afterErr  error
	failErr   error

	mu       sync.Mutex
	before   int
	after    int
	failed   []model.Inventory
	causes   []error
	requests []*model.AddHostRequest
}

func (e *recordingExt) Name() string { return e.name }

func (e *recordingExt) BeforeAdd(ctx context.Context, req *model.AddHostRequest, host *model.Host) error {
	e.mu.Lock()
	e.before++
	e.mu.Unlock()
	return e.beforeErr
}

func (e *recordingExt) AfterAdd(ctx context.Context, host *model.Host) error {
	e.mu.Lock()
	e.after++
	e.mu.Unlock()
	return e.afterErr
}

func (e *recordingExt) FailedToAdd(ctx context.Context, snapshot model.Inventory, req *model.AddHostRequest, cause error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, snapshot)
	e.causes = append(e.causes, cause)
	e.requests = append(e.requests, req)
	return e.failErr
}

func (e *recordingExt) failedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.failed)
}

type fixtureOptions struct {
	admissionLimit int
	extensions     []extension.Extension
}

type fixture struct {
	store     *storage.MemoryStore
	bus       *pubsub.PubSub
	machine   *connection.Machine
	transport *fakeTransport
	tracker   *liveness.Tracker
	tokens    *auth.TokenManager
	reg       *metrics.Registry
	mgr       *Manager
	first     *recordingExt
	second    *recordingExt
}

func newFixture(t *testing.T, opts ...func(*fixtureOptions)) *fixture {
	t.Helper()
	o := fixtureOptions{admissionLimit: 4}
	for _, fn := range opts {
		fn(&o)
	}

	ctx := context.Background()
	logger := logging.NewNopLogger()
	store := storage.NewMemoryStore()
	require.NoError(t, store.PutCluster(ctx, &model.Cluster{ID: "C1", ZoneID: "Z1", HypervisorType: "KVM"}))
	require.NoError(t, store.PutCluster(ctx, &model.Cluster{ID: "C2", ZoneID: "Z1", HypervisorType: "XenServer"}))
	require.NoError(t, store.PutCluster(ctx, &model.Cluster{ID: "C3", ZoneID: "Z2", HypervisorType: "Hyper-V"}))

	table, err := hypervisor.Build(
		hypervisor.NewGeneric("KVM", map[string]hypervisor.CommandFunc{
			"echo": func(ctx context.Context, host *model.Host, args []byte) (*protocol.Answer, error) {
				return &protocol.Answer{Success: true, Detail: host.ID, Payload: json.RawMessage(args)}, nil
			},
		}),
		hypervisor.NewGeneric("XenServer", nil),
	)
	require.NoError(t, err)

	f := &fixture{
		store:     store,
		bus:       pubsub.NewPubSub(),
		transport: &fakeTransport{},
		reg:       metrics.NewRegistry(),
		first:     &recordingExt{name: "first"},
		second:    &recordingExt{name: "second"},
	}
	t.Cleanup(f.bus.Shutdown)

	builder := extension.NewBuilder().Register(f.first).Register(f.second)
	for _, ext := range o.extensions {
		builder.Register(ext)
	}
	dispatcher, err := builder.Build(logger)
	require.NoError(t, err)

	f.tokens, err = auth.NewTokenManager(testSecret, time.Minute, "cluso-fleet")
	require.NoError(t, err)

	f.machine = connection.NewMachine(store, f.bus, f.reg, logger)
	f.tracker = liveness.NewTracker(time.Minute, f.machine, f.reg, logger)

	f.mgr, err = NewManager(Config{NodeID: testNodeID, NodeAddr: testNodeAddr, AdmissionLimit: o.admissionLimit}, Deps{
		Store:      store,
		Machine:    f.machine,
		Table:      table,
		Extensions: dispatcher,
		Transport:  f.transport,
		Serializer: parallel.NewSerializer(logger, f.reg),
		Liveness:   f.tracker,
		Tokens:     f.tokens,
		Bus:        f.bus,
		Metrics:    f.reg,
		Logger:     logger,
	})
	require.NoError(t, err)
	return f
}

// putHost stores a host directly, bypassing the add pipeline
func (f *fixture) putHost(t *testing.T, id, addr, clusterID string, status model.Status, os model.OSInfo) *model.Host {
	t.Helper()
	cl, err := f.store.GetCluster(context.Background(), clusterID)
	require.NoError(t, err)
	h := &model.Host{
		ID:                id,
		Name:              id,
		ClusterID:         clusterID,
		ZoneID:            cl.ZoneID,
		HypervisorType:    cl.HypervisorType,
		Status:            status,
		AdminState:        model.AdminEnabled,
		ManagementAddress: addr,
		OS:                os,
	}
	require.NoError(t, f.store.CreateHost(context.Background(), h))
	return h
}

func (f *fixture) hostsIn(t *testing.T, clusterID string) []*model.Host {
	t.Helper()
	hosts, err := f.store.ListHosts(context.Background(), storage.HostFilter{ClusterID: clusterID})
	require.NoError(t, err)
	return hosts
}

func (f *fixture) subscribe(t *testing.T, topic string) *pubsub.Subscription {
	t.Helper()
	sub, err := f.bus.Subscribe(context.Background(), topic)
	require.NoError(t, err)
	t.Cleanup(sub.Unsubscribe)
	return sub
}

func receive(t *testing.T, sub *pubsub.Subscription) pubsub.Event {
	t.Helper()
	select {
	case e := <-sub.Channel():
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("no event on %s", sub.Topic())
		return nil
	}
}

func assertNoEvent(t *testing.T, sub *pubsub.Subscription) {
	t.Helper()
	select {
	case e := <-sub.Channel():
		t.Fatalf("unexpected event on %s: %+v", sub.Topic(), e)
	case <-time.After(20 * time.Millisecond):
	}
}
