// Package extension holds the ordered plugin lists and message handler table built at startup.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

var (
	ErrDuplicateExtension = errors.New("duplicate extension name")
	ErrHandlerConflict    = errors.New("message kind claimed twice")
	ErrNoHooks            = errors.New("extension implements no hook")
)

// Extension is anything registered with the dispatcher
type Extension interface {
	Name() string
}

// BeforeAddHook runs before the handshake; an error aborts the add
type BeforeAddHook interface {
	Extension
	BeforeAdd(ctx context.Context, req *model.AddHostRequest, host *model.Host) error
}

// AfterAddHook runs after the OS check; an error aborts the add
type AfterAddHook interface {
	Extension
	AfterAdd(ctx context.Context, host *model.Host) error
}

// FailedAddHook is told about every failed add after the host row is gone
type FailedAddHook interface {
	Extension
	FailedToAdd(ctx context.Context, snapshot model.Inventory, req *model.AddHostRequest, cause error) error
}

// MessageHandler claims inbound message kinds ahead of core handling
type MessageHandler interface {
	Extension
	Kinds() []protocol.Kind
	Handle(ctx context.Context, host *model.Host, msg *protocol.Message) (*protocol.Answer, error)
}

// Error identifies the extension that failed
type Error struct {
	Extension string
	Hook      string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extension %s %s: %v", e.Extension, e.Hook, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
