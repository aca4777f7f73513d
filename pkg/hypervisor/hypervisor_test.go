package hypervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

const (
	kvm = model.HypervisorType("KVM")
	xen = model.HypervisorType("XenServer")
)

func TestBuild(t *testing.T) {
	tests := []struct {
		name    string
		caps    []Capability
		wantErr error
		types   int
	}{
		{"empty", nil, nil, 0},
		{"two types", []Capability{NewGeneric(kvm, nil), NewGeneric(xen, nil)}, nil, 2},
		{"duplicate", []Capability{NewGeneric(kvm, nil), NewGeneric(kvm, nil)}, ErrDuplicateCapability, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := Build(tt.caps...)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Build() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && len(table.Types()) != tt.types {
				t.Errorf("Types() = %v, want %d entries", table.Types(), tt.types)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	table, err := Build(NewGeneric(kvm, nil))
	if err != nil {
		t.Fatal(err)
	}

	c, err := table.Lookup(kvm)
	if err != nil || c.Type() != kvm {
		t.Errorf("Lookup(KVM) = %v, %v", c, err)
	}

	if _, err := table.Lookup(xen); !errors.Is(err, ErrUnregisteredHypervisor) {
		t.Errorf("Lookup(XenServer) error = %v, want ErrUnregisteredHypervisor", err)
	}
}

func TestGenericNewHost(t *testing.T) {
	g := NewGeneric(kvm, nil)
	cluster := &model.Cluster{ID: "C1", ZoneID: "Z1", HypervisorType: kvm}

	h, err := g.NewHost(&model.AddHostRequest{
		ManagementAddress: "10.0.0.5",
		ClusterID:         "C1",
		Tags:              map[string]string{"rack": "3"},
	}, cluster)
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}
	if h.Name != "10.0.0.5" {
		t.Errorf("Name = %q, want address fallback", h.Name)
	}
	if h.ZoneID != "Z1" || h.HypervisorType != kvm || h.Tags["rack"] != "3" {
		t.Errorf("host = %+v", h)
	}

	xenCluster := &model.Cluster{ID: "C2", HypervisorType: xen}
	if _, err := g.NewHost(&model.AddHostRequest{ManagementAddress: "10.0.0.6"}, xenCluster); !errors.Is(err, ErrHypervisorMismatch) {
		t.Errorf("NewHost on foreign cluster error = %v", err)
	}
}

func TestGenericHandleCommand(t *testing.T) {
	g := NewGeneric(kvm, map[string]CommandFunc{
		"maintenance": func(_ context.Context, h *model.Host, _ []byte) (*protocol.Answer, error) {
			return &protocol.Answer{Success: true, Detail: h.ID}, nil
		},
	})

	host := &model.Host{ID: "h1"}
	a, err := g.HandleCommand(context.Background(), host, protocol.CommandPayload{Name: "maintenance"})
	if err != nil || a.Detail != "h1" {
		t.Errorf("HandleCommand = %+v, %v", a, err)
	}

	if _, err := g.HandleCommand(context.Background(), host, protocol.CommandPayload{Name: "migrate"}); !errors.Is(err, ErrUnsupportedCommand) {
		t.Errorf("unknown command error = %v", err)
	}
}
