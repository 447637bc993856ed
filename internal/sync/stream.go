package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/njoerd114/bookingsync/internal/remote"
)

// Stream is a continuous feed of merged collections for one entity type.
type Stream[T any] struct {
	c    chan []T
	done chan struct{}
	err  error
}

// C returns the channel of merged collections. It is closed when the
// subscription ends.
func (s *Stream[T]) C() <-chan []T { return s.c }

// Done is closed when the stream has ended.
func (s *Stream[T]) Done() <-chan struct{} { return s.done }

// Err returns the error that terminated the stream, or nil if it ended
// because its context was cancelled. It is only valid after Done is closed.
func (s *Stream[T]) Err() error {
	<-s.done
	return s.err
}

// Subscribe opens the remote change subscription and, for every
// notification, re-runs fetch, merge, and local persist, emitting the merged
// collection. Each notification yields exactly one cycle, in arrival order.
//
// Remote failures during a cycle are logged and the stream waits for the
// next notification. A local store failure or merge invariant violation
// ends the stream; [Stream.Err] reports it. Cancelling ctx ends the stream
// once the in-flight cycle has finished.
func (p *Pipeline[T]) Subscribe(ctx context.Context) (*Stream[T], error) {
	notes, err := p.remote.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s changes: %w", p.typ.Table(), err)
	}

	s := &Stream[T]{c: make(chan []T), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer close(s.c)

		for n := range notes {
			if ctx.Err() != nil {
				return
			}
			p.log.Debug("change notification", "event", n.Event)

			merged, err := p.refresh(context.WithoutCancel(ctx))
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if transient(err) {
					p.log.Warn("skipping change notification", "error", err)
					continue
				}
				s.err = err
				return
			}

			select {
			case s.c <- merged:
			case <-ctx.Done():
				return
			}
		}
	}()
	return s, nil
}

// transient reports whether a cycle failure should be skipped rather than
// end the stream.
func transient(err error) bool {
	return errors.Is(err, remote.ErrRemoteUnavailable) || errors.Is(err, remote.ErrRemoteRejected)
}
