// Package cleanup provides a LIFO stack of closers for orderly shutdown.
package cleanup

import (
	"context"
	"errors"
	"io"

	"go.uber.org/multierr"
)

type errFuncCloser func() error

func (f errFuncCloser) Close() error {
	return f()
}

// Stack of closers. Close() runs them in LIFO order, like defer.
// The zero value is ready to use. Not safe for concurrent use.
type Stack struct {
	done    bool
	err     error
	closers []io.Closer

	// IgnoreContextCanceled drops context.Canceled errors during shutdown.
	IgnoreContextCanceled bool
}

// Add closers to the stack.
func (s *Stack) Add(c ...io.Closer) {
	s.closers = append(s.closers, c...)
}

// AddErrFunc adds plain functions to the stack.
func (s *Stack) AddErrFunc(fn ...func() error) {
	for _, f := range fn {
		s.closers = append(s.closers, errFuncCloser(f))
	}
}

// Close the stack in LIFO order. Runs only once and remembers the error.
func (s *Stack) Close() error {
	if s.done {
		return s.err
	}
	s.done = true

	// Later entries may depend on earlier ones, so close in reverse.
	for i := len(s.closers) - 1; i >= 0; i-- {
		err := s.closers[i].Close()
		if errors.Is(err, context.Canceled) && s.IgnoreContextCanceled {
			continue
		}
		s.err = multierr.Append(s.err, err)
	}

	return s.err
}
