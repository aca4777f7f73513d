package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"

	"github.com/dd0wney/cluso-fleet/pkg/cluster"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

// pollInterval bounds how long a worker blocks before rechecking shutdown
const pollInterval = 250 * time.Millisecond

// HandlerFunc answers one decoded request body
type HandlerFunc func(ctx context.Context, body json.RawMessage) (any, error)

// Responder serves requests on a REP socket. Each worker owns a socket
// context, so up to Workers requests are handled at once.
type Responder struct {
	config   Config
	workers  int
	logger   logging.Logger
	handlers map[string]HandlerFunc

	mu   sync.Mutex
	sock mangos.Socket
	wg   sync.WaitGroup
}

// NewResponder creates a responder; register handlers before Listen
func NewResponder(config Config, workers int, logger logging.Logger) *Responder {
	if workers < 1 {
		workers = 1
	}
	return &Responder{
		config:   config,
		workers:  workers,
		logger:   logging.OrDefault(logger).With(logging.Component("responder")),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers fn for requests of type typ
func (r *Responder) Handle(typ string, fn HandlerFunc) {
	r.handlers[typ] = fn
}

// HandleConnect registers the agent-side connect handler
func (r *Responder) HandleConnect(fn func(ctx context.Context, req *protocol.ConnectRequest) (*protocol.ConnectReply, error)) {
	r.Handle(TypeConnect, func(ctx context.Context, body json.RawMessage) (any, error) {
		var in protocol.ConnectRequest
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, fmt.Errorf("decode connect request: %w", err)
		}
		return fn(ctx, &in)
	})
}

// HandleMessage registers the handler for inbound host messages
func (r *Responder) HandleMessage(fn func(ctx context.Context, msg *protocol.Message) (*protocol.Answer, error)) {
	r.Handle(TypeMessage, func(ctx context.Context, body json.RawMessage) (any, error) {
		var in protocol.Message
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		return fn(ctx, &in)
	})
}

// HandleHeartbeat registers the peer heartbeat handler
func (r *Responder) HandleHeartbeat(fn func(ctx context.Context, hb cluster.Heartbeat) (*cluster.Heartbeat, error)) {
	r.Handle(TypeHeartbeat, func(ctx context.Context, body json.RawMessage) (any, error) {
		var in cluster.Heartbeat
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, fmt.Errorf("decode heartbeat: %w", err)
		}
		return fn(ctx, in)
	})
}

// Listen binds the REP socket to addr
func (r *Responder) Listen(addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sock != nil {
		return fmt.Errorf("responder already listening")
	}
	sock, err := rep.NewSocket()
	if err != nil {
		return fmt.Errorf("failed to create REP socket: %w", err)
	}
	url := URL(addr, r.config.DefaultPort)
	if err := sock.Listen(url); err != nil {
		sock.Close()
		return fmt.Errorf("failed to bind REP socket to %s: %w", url, err)
	}
	r.sock = sock
	r.logger.Info("responder listening", logging.Address(url))
	return nil
}

// Serve handles requests until ctx ends, then closes the socket
func (r *Responder) Serve(ctx context.Context) error {
	r.mu.Lock()
	sock := r.sock
	r.mu.Unlock()
	if sock == nil {
		return fmt.Errorf("responder not listening")
	}

	for i := 0; i < r.workers; i++ {
		mctx, err := sock.OpenContext()
		if err != nil {
			sock.Close()
			r.wg.Wait()
			return fmt.Errorf("failed to open socket context: %w", err)
		}
		r.wg.Add(1)
		go r.worker(ctx, mctx)
	}

	<-ctx.Done()
	err := sock.Close()
	r.wg.Wait()
	return err
}

func (r *Responder) worker(ctx context.Context, mctx mangos.Context) {
	defer r.wg.Done()
	defer mctx.Close()

	_ = mctx.SetOption(mangos.OptionRecvDeadline, pollInterval)
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := mctx.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrRecvTimeout) {
				continue
			}
			if errors.Is(err, mangos.ErrClosed) {
				return
			}
			r.logger.Warn("receive failed", logging.Error(err))
			continue
		}

		out, err := encodeFrame(r.dispatch(ctx, frame), r.config.CompressThreshold)
		if err != nil {
			r.logger.Error("failed to encode reply", logging.Error(err))
			out, _ = encodeFrame(Reply{Error: err.Error()}, 0)
		}
		if err := mctx.Send(out); err != nil && !errors.Is(err, mangos.ErrClosed) {
			r.logger.Warn("send failed", logging.Error(err))
		}
	}
}

func (r *Responder) dispatch(ctx context.Context, frame []byte) (reply Reply) {
	var env Envelope
	if err := decodeFrame(frame, &env); err != nil {
		return Reply{Error: err.Error()}
	}
	fn, ok := r.handlers[env.Type]
	if !ok {
		return Reply{Error: fmt.Sprintf("no handler for %q", env.Type)}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panicked", logging.Operation(env.Type), logging.Any("panic", p))
			reply = Reply{Error: fmt.Sprintf("handler panic: %v", p)}
		}
	}()

	out, err := fn(ctx, env.Body)
	if err != nil {
		return Reply{Error: err.Error()}
	}
	body, err := json.Marshal(out)
	if err != nil {
		return Reply{Error: fmt.Sprintf("encode reply: %v", err)}
	}
	return Reply{Body: body}
}
