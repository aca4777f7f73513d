package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/req"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dd0wney/cluso-fleet/pkg/cluster"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

// MangosTransport keeps one REQ socket per remote URL and opens a socket
// context per request, so requests to the same remote run concurrently.
type MangosTransport struct {
	config Config
	logger logging.Logger

	mu      sync.Mutex
	sockets map[string]mangos.Socket
	closed  bool
}

// NewMangosTransport creates a client transport
func NewMangosTransport(config Config, logger logging.Logger) *MangosTransport {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &MangosTransport{
		config:  config,
		logger:  logging.OrDefault(logger).With(logging.Component("transport")),
		sockets: make(map[string]mangos.Socket),
	}
}

// Connect sends a connect request to the agent at addr
func (t *MangosTransport) Connect(ctx context.Context, addr string, r *protocol.ConnectRequest) (*protocol.ConnectReply, error) {
	var reply protocol.ConnectReply
	if err := t.call(ctx, addr, TypeConnect, r, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Send delivers a message to addr and returns the answer
func (t *MangosTransport) Send(ctx context.Context, addr string, msg *protocol.Message) (*protocol.Answer, error) {
	var answer protocol.Answer
	if err := t.call(ctx, addr, TypeMessage, msg, &answer); err != nil {
		return nil, err
	}
	return &answer, nil
}

// Heartbeat exchanges heartbeats with the peer management node at addr
func (t *MangosTransport) Heartbeat(ctx context.Context, addr string, hb cluster.Heartbeat) (*cluster.Heartbeat, error) {
	var reply cluster.Heartbeat
	if err := t.call(ctx, addr, TypeHeartbeat, hb, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Close closes every socket
func (t *MangosTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	for url, sock := range t.sockets {
		if err := sock.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", url, err))
		}
	}
	t.sockets = nil
	return errors.Join(errs...)
}

func (t *MangosTransport) socket(url string) (mangos.Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if sock, ok := t.sockets[url]; ok {
		return sock, nil
	}

	sock, err := req.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create REQ socket: %w", err)
	}
	opts := map[string]interface{}{mangos.OptionDialAsynch: true}
	if err := sock.DialOptions(url, opts); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	t.sockets[url] = sock
	return sock, nil
}

// timeout picks the tighter of the configured timeout and ctx's deadline
func (t *MangosTransport) timeout(ctx context.Context) time.Duration {
	d := t.config.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < d {
			d = remaining
		}
	}
	return d
}

func (t *MangosTransport) call(ctx context.Context, addr, typ string, body, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	url := URL(addr, t.config.DefaultPort)
	env, err := newEnvelope(typ, body)
	if err != nil {
		return err
	}
	frame, err := encodeFrame(env, t.config.CompressThreshold)
	if err != nil {
		return err
	}

	sock, err := t.socket(url)
	if err != nil {
		return err
	}
	mctx, err := sock.OpenContext()
	if err != nil {
		return fmt.Errorf("failed to open socket context: %w", err)
	}
	defer mctx.Close()

	d := t.timeout(ctx)
	if d <= 0 {
		return context.DeadlineExceeded
	}
	// The send deadline covers an agent that has not accepted the dial yet.
	_ = mctx.SetOption(mangos.OptionSendDeadline, d)
	_ = mctx.SetOption(mangos.OptionRecvDeadline, d)

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		if err := mctx.Send(frame); err != nil {
			done <- result{err: err}
			return
		}
		data, err := mctx.Recv()
		done <- result{data: data, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		mctx.Close()
		<-done
		return ctx.Err()
	}

	if res.err != nil {
		if errors.Is(res.err, mangos.ErrRecvTimeout) || errors.Is(res.err, mangos.ErrSendTimeout) {
			t.logger.Debug("request timed out",
				logging.Address(url), logging.Operation(typ), logging.Latency(time.Since(start)))
			return fmt.Errorf("%w: %s %s after %v", ErrTimeout, typ, url, d)
		}
		if errors.Is(res.err, mangos.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("%s %s: %w", typ, url, res.err)
	}

	var reply Reply
	if err := decodeFrame(res.data, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return remoteError(reply.Error)
	}
	if out != nil && len(reply.Body) > 0 {
		if err := json.Unmarshal(reply.Body, out); err != nil {
			return fmt.Errorf("decode %s reply: %w", typ, err)
		}
	}
	return nil
}
