// Package pool runs independent, pure tasks on a bounded set of goroutines.
//
// Contract:
//   - each task reads its own input and returns one immutable result
//   - a failing task does not stop the others; every failure is collected
//   - results come back in input order regardless of completion order
package pool

import (
	"context"
	"fmt"
	"runtime"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// MaxWorkers caps the default worker count so that disk I/O is not
// oversubscribed on large machines.
const MaxWorkers = 16

// DefaultWorkers returns min(GOMAXPROCS, MaxWorkers).
func DefaultWorkers() int {
	n := runtime.GOMAXPROCS(0)
	if n > MaxWorkers {
		return MaxWorkers
	}
	if n < 1 {
		return 1
	}
	return n
}

// Size returns the worker count used for n items under the given cap.
// A non-positive cap selects DefaultWorkers.
func Size(limit, n int) int {
	if limit <= 0 {
		limit = DefaultWorkers()
	}
	if n < limit {
		return n
	}
	return limit
}

// TaskError attributes a failure to the input it came from.
type TaskError[T any] struct {
	Index int
	Input T
	Err   error
}

func (e *TaskError[T]) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("task %d (%v): %v", e.Index, e.Input, e.Err)
}

func (e *TaskError[T]) Unwrap() error { return e.Err }

// Map applies fn to every input using at most Size(limit, len(inputs))
// goroutines. The returned slice is aligned with inputs; entries for failed
// tasks hold the zero value. The error, if any, is a *multierror.Error of
// *TaskError values ordered by input index.
//
// Cancellation of ctx stops dispatch of tasks that have not started; those
// tasks fail with ctx.Err().
func Map[T, R any](ctx context.Context, limit int, inputs []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	results := make([]R, len(inputs))
	if len(inputs) == 0 {
		return results, nil
	}
	errs := make([]error, len(inputs))

	var g errgroup.Group
	g.SetLimit(Size(limit, len(inputs)))
	for i := range inputs {
		i := i
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("panic: %v", r)
				}
			}()
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			res, err := fn(ctx, inputs[i])
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	for i, err := range errs {
		if err == nil {
			continue
		}
		merr = multierror.Append(merr, &TaskError[T]{Index: i, Input: inputs[i], Err: err})
	}
	return results, merr.ErrorOrNil()
}
