package channel

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// Scope owns a set of open channels and closes all of them exactly once.
// Callers defer Close right after creating the scope so channels are released
// on every exit path.
type Scope struct {
	mu      sync.Mutex
	closers []io.Closer
	closed  bool
}

// NewScope creates an empty scope
func NewScope() *Scope {
	return &Scope{}
}

// Add registers c to be closed with the scope. Adding to a closed scope
// closes c immediately and returns ErrClosed.
func (s *Scope) Add(c io.Closer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = c.Close()
		return ErrClosed
	}
	s.closers = append(s.closers, c)
	s.mu.Unlock()
	return nil
}

// Release closes c and drops it from the scope. Channels the scope does not
// hold are closed all the same.
func (s *Scope) Release(c io.Closer) error {
	s.mu.Lock()
	for i, held := range s.closers {
		if held == c {
			s.closers = append(s.closers[:i], s.closers[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if err := c.Close(); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

// Len returns the number of channels held
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.closers)
}

// Close releases every registered channel in reverse acquisition order
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Acquire opens a typed channel and registers it with the scope
func Acquire[T any](ctx context.Context, s *Scope, tr Transport, name string, codec Codec[T], persistence time.Duration) (*Typed[T], error) {
	t, err := Open(ctx, tr, name, codec, persistence)
	if err != nil {
		return nil, err
	}
	if err := s.Add(t); err != nil {
		return nil, err
	}
	return t, nil
}
