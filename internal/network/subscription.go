package network

import "sync"

// Subscription is a cancellable event stream. Cancellation is part of the
// contract: Cancel closes the event channel deterministically and is safe to
// call any number of times.
type Subscription[T any] interface {
	// C is the event channel. It is closed when the subscription ends.
	C() <-chan T
	// Cancel ends the subscription. Idempotent.
	Cancel()
}

type chanSubscription[T any] struct {
	ch     chan T
	done   chan struct{}
	once   sync.Once
	cancel func()
}

func newChanSubscription[T any](buffer int, cancel func()) *chanSubscription[T] {
	if buffer <= 0 {
		buffer = defaultSubscribeBuffer
	}
	return &chanSubscription[T]{
		ch:     make(chan T, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

func (s *chanSubscription[T]) C() <-chan T {
	return s.ch
}

func (s *chanSubscription[T]) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
		close(s.ch)
	})
}

// deliver offers an event without blocking. Events are dropped when the
// subscriber falls too far behind; live streams are a change signal, not a
// durable log, and the store re-fetches on demand.
//
// Callers must hold the owning hub's lock so deliver never races Cancel:
// Cancel detaches the subscription under that same lock before closing the
// channel.
func (s *chanSubscription[T]) deliver(event T) {
	select {
	case s.ch <- event:
	default:
	}
}
