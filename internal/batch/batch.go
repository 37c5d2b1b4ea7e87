// Package batch applies an operation to an ordered list of paths with a
// per-item callback and a partial failure policy.
package batch

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/jaywantadh/ferry/internal/remote"
)

// Policy decides what happens after an item fails.
type Policy int

const (
	// ContinueOnError attempts every item and reports failures at the end.
	ContinueOnError Policy = iota
	// FailFast stops at the first failure.
	FailFast
)

// ParsePolicy maps the configuration value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "continue":
		return ContinueOnError, nil
	case "fail-fast", "failfast":
		return FailFast, nil
	}
	return ContinueOnError, fmt.Errorf("unknown batch policy %q", s)
}

func (p Policy) String() string {
	if p == FailFast {
		return "fail-fast"
	}
	return "continue"
}

// Callback is invoked once per item after its operation succeeded.
type Callback func(remote.Path)

// Options configure a batch run.
type Options struct {
	Policy Policy
}

// Option customizes Options.
type Option func(*Options)

// WithPolicy selects the failure policy.
func WithPolicy(p Policy) Option {
	return func(o *Options) { o.Policy = p }
}

// Apply returns the options with opts applied over the defaults.
func Apply(opts ...Option) Options {
	o := Options{Policy: ContinueOnError}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Result is the outcome of one item.
type Result struct {
	Path remote.Path
	Err  error
}

// Error aggregates the failed items of a batch.
type Error struct {
	Results []Result
	err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d of the batch items failed: %v", len(e.Failed()), e.err)
}

// Unwrap exposes every per-item error to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	return multierr.Errors(e.err)
}

// Failed returns the failed results.
func (e *Error) Failed() []Result {
	var failed []Result
	for _, r := range e.Results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// Run applies op to every item in order. cb runs strictly after op returned
// nil for an item. With ContinueOnError every item is attempted; with
// FailFast the run stops at the first failure. A canceled context stops the
// run before the next item.
func Run(ctx context.Context, items []remote.Path, op func(context.Context, remote.Path) error, cb Callback, opts ...Option) error {
	return RunIndexed(ctx, items, func(ctx context.Context, _ int, item remote.Path) error {
		return op(ctx, item)
	}, cb, opts...)
}

// RunIndexed is Run with the position of the item passed to op, so items
// may repeat.
func RunIndexed(ctx context.Context, items []remote.Path, op func(context.Context, int, remote.Path) error, cb Callback, opts ...Option) error {
	o := Apply(opts...)
	results := make([]Result, 0, len(items))
	var errs error
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, remote.Wrap(remote.ErrInterrupted, "batch", item.Abs(), err))
			results = append(results, Result{Path: item, Err: err})
			break
		}
		if err := op(ctx, i, item); err != nil {
			errs = multierr.Append(errs, err)
			results = append(results, Result{Path: item, Err: err})
			if o.Policy == FailFast {
				break
			}
			continue
		}
		results = append(results, Result{Path: item})
		if cb != nil {
			cb(item)
		}
	}
	if errs == nil {
		return nil
	}
	return &Error{Results: results, err: errs}
}
