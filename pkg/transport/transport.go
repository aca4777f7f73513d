// Package transport delivers requests to host agents and peer management nodes
// over mangos REQ/REP sockets and returns their replies.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dd0wney/cluso-fleet/pkg/cluster"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

var (
	ErrTimeout = errors.New("transport: request timed out")
	ErrClosed  = errors.New("transport: closed")
	// ErrRemote wraps an error string reported by the remote handler
	ErrRemote = errors.New("transport: remote error")
)

// Transport is what the orchestrator needs to reach host agents
type Transport interface {
	Connect(ctx context.Context, addr string, req *protocol.ConnectRequest) (*protocol.ConnectReply, error)
	Send(ctx context.Context, addr string, msg *protocol.Message) (*protocol.Answer, error)
}

// Config tunes request handling
type Config struct {
	RequestTimeout    time.Duration
	DialTimeout       time.Duration
	CompressThreshold int
	// DefaultPort is appended to addresses that carry none
	DefaultPort int
}

// DefaultConfig returns the transport defaults
func DefaultConfig() Config {
	return Config{
		RequestTimeout:    30 * time.Second,
		DialTimeout:       5 * time.Second,
		CompressThreshold: DefaultCompressThreshold,
		DefaultPort:       7080,
	}
}

// URL turns a host or node address into a mangos tcp URL
func URL(addr string, defaultPort int) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return "tcp://" + addr
	}
	if defaultPort <= 0 {
		return "tcp://" + addr
	}
	return "tcp://" + net.JoinHostPort(addr, strconv.Itoa(defaultPort))
}

var (
	_ Transport          = (*MangosTransport)(nil)
	_ cluster.PeerClient = (*MangosTransport)(nil)
)

func remoteError(msg string) error {
	return fmt.Errorf("%w: %s", ErrRemote, msg)
}
