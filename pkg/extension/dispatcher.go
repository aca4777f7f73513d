package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

// Dispatcher is immutable after Build and safe for concurrent use
type Dispatcher struct {
	names     []string
	beforeAdd []BeforeAddHook
	afterAdd  []AfterAddHook
	failedAdd []FailedAddHook
	handlers  map[protocol.Kind]MessageHandler
	logger    logging.Logger
}

// Names returns extension names in registration order
func (d *Dispatcher) Names() []string {
	return append([]string(nil), d.names...)
}

// RunBeforeAdd runs before-add hooks in order and stops at the first failure
func (d *Dispatcher) RunBeforeAdd(ctx context.Context, req *model.AddHostRequest, host *model.Host) error {
	for _, h := range d.beforeAdd {
		if err := h.BeforeAdd(ctx, req, host); err != nil {
			return &Error{Extension: h.Name(), Hook: "before-add", Err: err}
		}
	}
	return nil
}

// RunAfterAdd runs after-add hooks in order and stops at the first failure
func (d *Dispatcher) RunAfterAdd(ctx context.Context, host *model.Host) error {
	for _, h := range d.afterAdd {
		if err := h.AfterAdd(ctx, host); err != nil {
			return &Error{Extension: h.Name(), Hook: "after-add", Err: err}
		}
	}
	return nil
}

// NotifyFailedToAdd calls every failed-to-add hook once, in order. A failing hook
// does not stop the others; all failures are joined into the result.
func (d *Dispatcher) NotifyFailedToAdd(ctx context.Context, snapshot model.Inventory, req *model.AddHostRequest, cause error) error {
	var errs []error
	for _, h := range d.failedAdd {
		if err := callFailedToAdd(ctx, h, snapshot, req, cause); err != nil {
			d.logger.Warn("failed-to-add hook failed",
				logging.String("extension", h.Name()),
				logging.Address(snapshot.ManagementAddress),
				logging.Error(err))
			errs = append(errs, &Error{Extension: h.Name(), Hook: "failed-to-add", Err: err})
		}
	}
	return errors.Join(errs...)
}

func callFailedToAdd(ctx context.Context, h FailedAddHook, snapshot model.Inventory, req *model.AddHostRequest, cause error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.FailedToAdd(ctx, snapshot, req, cause)
}

// Route offers msg to the first handler that claimed its kind. handled is false when
// no extension claims the kind and core handling should take over.
func (d *Dispatcher) Route(ctx context.Context, host *model.Host, msg *protocol.Message) (answer *protocol.Answer, handled bool, err error) {
	if !msg.Kind.Valid() {
		return nil, false, fmt.Errorf("%w: %s", protocol.ErrUnknownMessageKind, msg.Kind)
	}
	h, ok := d.handlers[msg.Kind]
	if !ok {
		return nil, false, nil
	}
	answer, err = h.Handle(ctx, host, msg)
	if err != nil {
		return nil, true, &Error{Extension: h.Name(), Hook: "message:" + msg.Kind.String(), Err: err}
	}
	return answer, true, nil
}
