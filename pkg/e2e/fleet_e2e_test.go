package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-fleet/pkg/agent"
	"github.com/dd0wney/cluso-fleet/pkg/api"
	"github.com/dd0wney/cluso-fleet/pkg/auth"
	"github.com/dd0wney/cluso-fleet/pkg/connection"
	"github.com/dd0wney/cluso-fleet/pkg/extension"
	"github.com/dd0wney/cluso-fleet/pkg/hostmgr"
	"github.com/dd0wney/cluso-fleet/pkg/hypervisor"
	"github.com/dd0wney/cluso-fleet/pkg/liveness"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/metrics"
	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/parallel"
	"github.com/dd0wney/cluso-fleet/pkg/pubsub"
	"github.com/dd0wney/cluso-fleet/pkg/storage"
	"github.com/dd0wney/cluso-fleet/pkg/transport"
)

const e2eSecret = "fleet-e2e-secret-that-is-long-enough"

var ubuntu2204 = model.OSInfo{Distro: "ubuntu", Release: "22.04", Version: "5.15"}

// stack is one management node and one agent talking over TCP loopback
type stack struct {
	store   *storage.MemoryStore
	bus     *pubsub.PubSub
	agent   *agent.Agent
	manager *hostmgr.Manager
	http    *httptest.Server
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func newStack(t *testing.T, agentCfg agent.Config) *stack {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping end-to-end test in short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := logging.NewNopLogger()
	tokens, err := auth.NewTokenManager(e2eSecret, time.Minute, "cluso-fleet")
	require.NoError(t, err)

	agentPort := freePort(t)
	nodeAddr := fmt.Sprintf("127.0.0.1:%d", freePort(t))

	cfg := transport.DefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	cfg.DefaultPort = agentPort

	// Agent side
	agentClient := transport.NewMangosTransport(cfg, logger)
	t.Cleanup(func() { agentClient.Close() })
	agentCfg.OS = ubuntu2204
	a := agent.New(agentCfg, tokens, agentClient, logger)
	agentResponder := transport.NewResponder(cfg, 2, logger)
	a.Register(agentResponder)
	require.NoError(t, agentResponder.Listen(transport.URL("127.0.0.1", agentPort)))
	go agentResponder.Serve(ctx)

	// Management node
	store := storage.NewMemoryStore()
	require.NoError(t, store.PutCluster(ctx, &model.Cluster{ID: "C1", ZoneID: "Z1", HypervisorType: "KVM"}))

	bus := pubsub.NewPubSub()
	t.Cleanup(bus.Shutdown)
	reg := metrics.NewRegistry()

	client := transport.NewMangosTransport(cfg, logger)
	t.Cleanup(func() { client.Close() })

	table, err := hypervisor.Build(hypervisor.NewGeneric("KVM", nil))
	require.NoError(t, err)
	exts, err := extension.NewBuilder().Build(logger)
	require.NoError(t, err)

	machine := connection.NewMachine(store, bus, reg, logger)
	tracker := liveness.NewTracker(time.Minute, machine, reg, logger)
	manager, err := hostmgr.NewManager(hostmgr.Config{NodeID: "node-1", NodeAddr: nodeAddr, AdmissionLimit: 2}, hostmgr.Deps{
		Store:      store,
		Machine:    machine,
		Table:      table,
		Extensions: exts,
		Transport:  client,
		Serializer: parallel.NewSerializer(logger, reg),
		Liveness:   tracker,
		Tokens:     tokens,
		Bus:        bus,
		Metrics:    reg,
		Logger:     logger,
	})
	require.NoError(t, err)
	go machine.Run(ctx)
	go manager.Run(ctx)

	nodeResponder := transport.NewResponder(cfg, 2, logger)
	nodeResponder.HandleMessage(manager.HandleMessage)
	require.NoError(t, nodeResponder.Listen(transport.URL(nodeAddr, agentPort)))
	go nodeResponder.Serve(ctx)

	srv := httptest.NewServer(api.NewServer(api.Options{
		Hosts:   manager,
		Links:   store,
		Bus:     bus,
		Metrics: reg,
		Logger:  logger,
	}).Handler())
	t.Cleanup(srv.Close)

	// Let the bus subscribers attach before events flow
	time.Sleep(50 * time.Millisecond)

	return &stack{store: store, bus: bus, agent: a, manager: manager, http: srv}
}

func (s *stack) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(method, s.http.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *stack) addHost(t *testing.T) (model.Inventory, *http.Response) {
	t.Helper()
	resp := s.request(t, http.MethodPost, "/v1/hosts", model.AddHostRequest{ManagementAddress: "127.0.0.1", ClusterID: "C1"})
	var inv model.Inventory
	if resp.StatusCode == http.StatusCreated {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&inv))
	}
	return inv, resp
}

func TestAddHostOverTheWire(t *testing.T) {
	s := newStack(t, agent.Config{PingInterval: time.Hour})

	inv, resp := s.addHost(t)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, model.StatusConnected, inv.Status)
	assert.Equal(t, "C1", inv.ClusterID)
	assert.Equal(t, "Z1", inv.ZoneID)

	hostID, nodeID, ok := s.agent.Connected()
	require.True(t, ok, "agent should hold a connection after the handshake")
	assert.Equal(t, inv.ID, hostID)
	assert.Equal(t, "node-1", nodeID)

	stored, err := s.store.GetHost(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, ubuntu2204, stored.OS)

	// The agent's ping reaches the node that connected it
	require.NoError(t, s.agent.Ping(context.Background()))
	_, _, ok = s.agent.Connected()
	assert.True(t, ok, "a tracked host's ping should be accepted")

	_, resp = s.addHost(t)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "second add of the same address")
}

func TestStorageLossDisconnectsAndReleasesAgent(t *testing.T) {
	s := newStack(t, agent.Config{PingInterval: time.Hour})

	inv, resp := s.addHost(t)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := s.bus.Subscribe(ctx, pubsub.TopicHostDisconnected)
	require.NoError(t, err)

	for _, status := range []model.LinkStatus{model.LinkConnected, model.LinkDisconnected} {
		resp := s.request(t, http.MethodPut, "/v1/storage-links",
			model.StorageLink{HostID: inv.ID, StorageID: "pool-1", Status: status})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	select {
	case e := <-sub.Channel():
		assert.Equal(t, pubsub.HostDisconnected{HostID: inv.ID, Cause: connection.CauseStorageLost}, e)
	case <-time.After(2 * time.Second):
		t.Fatal("no HostDisconnected after the last storage link was lost")
	}

	host, err := s.store.GetHost(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisconnected, host.Status)

	// The manager stops tracking the host, so the next ping tells the agent to let go
	require.Eventually(t, func() bool {
		if err := s.agent.Ping(context.Background()); err != nil {
			return false
		}
		_, _, ok := s.agent.Connected()
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRefusedHandshakeLeavesNoRow(t *testing.T) {
	s := newStack(t, agent.Config{PingInterval: time.Hour, Refuse: true})

	_, resp := s.addHost(t)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	_, err := s.store.FindHostByAddress(context.Background(), "127.0.0.1")
	assert.ErrorIs(t, err, storage.ErrHostNotFound)
}

func TestOperatorDisconnectReachesAgent(t *testing.T) {
	s := newStack(t, agent.Config{PingInterval: time.Hour})

	inv, resp := s.addHost(t)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = s.request(t, http.MethodPost, "/v1/hosts/"+inv.ID+"/disconnect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out api.DisconnectResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Changed)

	require.Eventually(t, func() bool {
		_, _, ok := s.agent.Connected()
		return !ok
	}, 2*time.Second, 20*time.Millisecond, "agent should be told about the disconnect")
}
