// Package workflow runs named step lists over a shared context with single success and failure handlers.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
)

// ErrAlreadyResolved is returned when an async step is resolved a second time
var ErrAlreadyResolved = errors.New("step already resolved")

// Step is one stage of a workflow. Run returns nil to proceed or an error to fail.
type Step[C any] struct {
	Name string
	Run  func(ctx context.Context, c C) error
}

// StepError records which step failed
type StepError struct {
	Workflow string
	Step     string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("workflow %s: step %s: %v", e.Workflow, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Workflow is an ordered step list. Steps run one after another; the first failure
// skips the rest and runs OnFailure once, otherwise OnSuccess runs once after the last step.
type Workflow[C any] struct {
	Name      string
	Steps     []Step[C]
	OnSuccess func(ctx context.Context, c C) error
	OnFailure func(ctx context.Context, c C, err error) error

	Logger logging.Logger
}

// Run drives the step list. The returned error is whatever the handler returns; with
// no failure handler it is the *StepError of the failing step.
func (w *Workflow[C]) Run(ctx context.Context, c C) error {
	logger := logging.OrDefault(w.Logger).With(logging.Operation(w.Name))

	for _, step := range w.Steps {
		logger.Debug("step started", logging.String("step", step.Name))

		if err := runStep(ctx, step, c); err != nil {
			stepErr := &StepError{Workflow: w.Name, Step: step.Name, Err: err}
			logger.Warn("step failed",
				logging.String("step", step.Name),
				logging.Error(err))
			if w.OnFailure == nil {
				return stepErr
			}
			return w.OnFailure(ctx, c, stepErr)
		}
	}

	if w.OnSuccess == nil {
		return nil
	}
	return w.OnSuccess(ctx, c)
}

// runStep turns a panicking step into a failure so the failure handler still runs
func runStep[C any](ctx context.Context, step Step[C], c C) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return step.Run(ctx, c)
}

// Resolver is handed to callback-style steps. The first call wins; later calls are ignored.
type Resolver struct {
	once sync.Once
	ch   chan error
}

// Proceed resolves the step successfully
func (r *Resolver) Proceed() error {
	return r.Resolve(nil)
}

// Fail resolves the step with err
func (r *Resolver) Fail(err error) error {
	if err == nil {
		err = errors.New("step failed without a cause")
	}
	return r.Resolve(err)
}

// Resolve delivers the outcome; it returns ErrAlreadyResolved on a second call
func (r *Resolver) Resolve(err error) error {
	resolved := false
	r.once.Do(func() {
		r.ch <- err
		resolved = true
	})
	if !resolved {
		return ErrAlreadyResolved
	}
	return nil
}

// Async adapts a callback-style step. start must arrange for the resolver to be
// called exactly once, possibly from another goroutine. If ctx ends first the
// step fails with ctx.Err() and a later resolution is dropped.
func Async[C any](name string, start func(ctx context.Context, c C, r *Resolver)) Step[C] {
	return Step[C]{
		Name: name,
		Run: func(ctx context.Context, c C) error {
			r := &Resolver{ch: make(chan error, 1)}
			start(ctx, c, r)
			select {
			case err := <-r.ch:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}
