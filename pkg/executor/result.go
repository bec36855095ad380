package executor

import (
	stderrors "errors"
	"time"
)

// Result is the outcome of one item
type Result[R any] struct {
	Value R
	Err   error
}

// Results holds one Result per input item, in input order
type Results[R any] []Result[R]

// Values returns the values in input order. Failed items contribute the zero
// value of R.
func (rs Results[R]) Values() []R {
	values := make([]R, len(rs))
	for i, r := range rs {
		values[i] = r.Value
	}
	return values
}

// Err joins the errors of every failed item, or returns nil
func (rs Results[R]) Err() error {
	var errs []error
	for _, r := range rs {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return stderrors.Join(errs...)
}

// Failed returns the number of items that returned an error
func (rs Results[R]) Failed() int {
	n := 0
	for _, r := range rs {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// Batch is a finished run
type Batch[R any] struct {
	Results    Results[R]
	Elapsed    time.Duration
	Workers    int
	Sequential bool
}
