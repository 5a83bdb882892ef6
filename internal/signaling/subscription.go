// Package signaling multiplexes room-record and candidate-relay changes of one
// room into a single event stream.
package signaling

import (
	"sync"

	"github.com/mossy-p/callrelay/internal/models"
)

const eventBuffer = 64

// PumpFunc feeds events into a subscription until the source is exhausted or
// emit returns false, which means the subscription was closed.
type PumpFunc func(emit func(models.Event) bool) error

// Subscription is a cancellable, non-restartable sequence of events for one
// room. Delivery is at-least-once with no ordering between room and candidate
// events; consumers must be idempotent.
type Subscription struct {
	roomID string
	events chan models.Event
	done   chan struct{}

	closeOnce sync.Once
	closeFn   func() error

	// sendMu orders emit against the drain in Close
	sendMu sync.Mutex

	mu  sync.Mutex
	err error
}

// Start runs pump in its own goroutine and returns the subscription it feeds.
// closeFn releases the underlying source; it runs when Close is called.
func Start(roomID string, pump PumpFunc, closeFn func() error) *Subscription {
	s := &Subscription{
		roomID:  roomID,
		events:  make(chan models.Event, eventBuffer),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
	go func() {
		defer close(s.events)
		if err := pump(s.emit); err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}()
	return s
}

func (s *Subscription) RoomID() string { return s.roomID }

// Events yields events until the subscription is closed or the source ends.
func (s *Subscription) Events() <-chan models.Event { return s.events }

// Done is closed once Close has been called.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the source stopped, if it stopped on its own.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the subscription. Events still buffered are discarded, so
// none is delivered once Close returns. Releasing the network source
// finishes in the background. Safe to call more than once.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.sendMu.Lock()
		for drained := false; !drained; {
			select {
			case _, ok := <-s.events:
				drained = !ok
			default:
				drained = true
			}
		}
		s.sendMu.Unlock()

		if s.closeFn != nil {
			go func() { _ = s.closeFn() }()
		}
	})
	return nil
}

func (s *Subscription) emit(ev models.Event) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
