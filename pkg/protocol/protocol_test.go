package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/dd0wney/cluso-fleet/pkg/model"
)

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}

	if _, err := ParseKind("migrate"); !errors.Is(err, ErrUnknownMessageKind) {
		t.Errorf("ParseKind(migrate) error = %v, want ErrUnknownMessageKind", err)
	}
}

func TestKindJSON(t *testing.T) {
	data, err := json.Marshal(Message{Kind: KindStartup, HostID: "h1"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"kind":"startup","host_id":"h1"}` {
		t.Errorf("Marshal = %s", data)
	}

	var m Message
	if err := json.Unmarshal([]byte(`{"kind":"reboot","host_id":"h1"}`), &m); err != nil {
		t.Fatalf("unknown kind should decode, got %v", err)
	}
	if m.Kind.Valid() {
		t.Errorf("unknown kind decoded as %v", m.Kind)
	}

	if _, err := json.Marshal(Message{Kind: Kind(42)}); err == nil {
		t.Error("marshalling an invalid kind should fail")
	}
}

func TestMessagePayload(t *testing.T) {
	want := StartupPayload{OS: model.OSInfo{Distro: "Ubuntu", Release: "22.04", Version: "5.15"}}
	m, err := NewMessage(KindStartup, "h1", want)
	if err != nil {
		t.Fatal(err)
	}

	var got StartupPayload
	if err := m.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("Decode = %+v, want %+v", got, want)
	}

	bad := &Message{Kind: KindStartup, Payload: json.RawMessage(`[1,2]`)}
	if err := bad.Decode(&got); err == nil {
		t.Error("Decode of mismatched payload should fail")
	}
}
