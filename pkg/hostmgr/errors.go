package hostmgr

import (
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/storage"
)

var (
	ErrDuplicateAddress  = storage.ErrDuplicateAddress
	ErrUnknownCluster    = errors.New("unknown cluster")
	ErrOSVersionMismatch = errors.New("host OS version does not match cluster")
	ErrAgentRefused      = errors.New("agent refused connection")
)

// HandshakeError is returned when the connect request fails or is refused
type HandshakeError struct {
	HostID  string
	Address string
	Err     error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with %s (host %s) failed: %v", e.Address, e.HostID, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// VersionMismatchError carries both OS triples
type VersionMismatchError struct {
	HostID string
	PeerID string
	Host   model.OSInfo
	Peer   model.OSInfo
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%v: host %s runs %s, cluster peer %s runs %s",
		ErrOSVersionMismatch, e.HostID, e.Host, e.PeerID, e.Peer)
}

func (e *VersionMismatchError) Unwrap() error { return ErrOSVersionMismatch }
