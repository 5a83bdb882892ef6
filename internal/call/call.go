package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/callrelay/internal/media"
	"github.com/mossy-p/callrelay/internal/models"
	"github.com/mossy-p/callrelay/internal/negotiator"
	"github.com/mossy-p/callrelay/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

const endRoomTimeout = 5 * time.Second

// Call is one attempt between two parties. A single goroutine owns the
// negotiator, the peer and the subscription; the exported methods are safe
// for concurrent use.
type Call struct {
	role    negotiator.Role
	kind    models.CallKind
	partyID string
	roomID  string
	reg     Registry
	channel Channel
	stream  *media.LocalStream
	peer    media.Peer
	neg     *negotiator.Negotiator
	sub     *signaling.Subscription
	timeout time.Duration
	log     zerolog.Logger

	// set once the registry accepted this party's handshake step
	ownsRoom bool

	ctx             context.Context
	cancel          context.CancelFunc
	localCandidates chan webrtc.ICECandidateInit
	peerStates      chan webrtc.PeerConnectionState
	endReq          chan struct{}
	endOnce         sync.Once
	teardownOnce    sync.Once
	done            chan struct{}

	mu          sync.Mutex
	state       negotiator.State
	status      Status
	err         error
	teardownErr error
	closing     bool
	statuses    chan Status
}

func (c *Call) RoomID() string             { return c.roomID }
func (c *Call) Role() negotiator.Role      { return c.role }
func (c *Call) Kind() models.CallKind      { return c.kind }
func (c *Call) Stream() *media.LocalStream { return c.stream }

// State is the last negotiator state observed.
func (c *Call) State() negotiator.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status is the latest user-visible status.
func (c *Call) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Statuses streams status updates. Slow readers miss intermediate updates;
// Status always holds the latest. The channel is closed when the call ends.
func (c *Call) Statuses() <-chan Status { return c.statuses }

// Done is closed after teardown completed.
func (c *Call) Done() <-chan struct{} { return c.done }

// Err is the reason the call ended, nil when it was ended by either party.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ToggleAudio flips every local audio track and reports whether audio is now
// enabled. The tracks stay attached to the peer.
func (c *Call) ToggleAudio() bool {
	return c.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips every local video track and reports whether video is now
// enabled. A voice call has no video tracks and always reports false.
func (c *Call) ToggleVideo() bool {
	return c.toggle(webrtc.RTPCodecTypeVideo)
}

func (c *Call) toggle(kind webrtc.RTPCodecType) bool {
	if c.stream.Toggle(kind) == 0 {
		return false
	}
	for _, t := range c.stream.Kind(kind) {
		if t.Enabled() {
			return true
		}
	}
	return false
}

// End tears the call down and waits for it. Safe to call any number of times.
func (c *Call) End() error {
	c.endOnce.Do(func() { close(c.endReq) })
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teardownErr
}

func (c *Call) bind(ctx context.Context, roomID string) error {
	c.roomID = roomID
	c.log = c.log.With().Str("room", roomID).Logger()
	if err := c.neg.Bind(ctx, roomID); err != nil {
		return err
	}
	sub, err := c.channel.Subscribe(ctx, roomID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.sub = sub
	return nil
}

// abort tears down a call that never started its loop and returns cause.
func (c *Call) abort(cause error) error {
	c.teardown(cause)
	return cause
}

func (c *Call) run() {
	var (
		events   = c.sub.Events()
		timer    *time.Timer
		deadline <-chan time.Time
		cause    error
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		c.teardown(cause)
	}()

	for {
		// the negotiation clock starts once this party owns a handshake step
		switch s := c.neg.State(); {
		case s == negotiator.StateConnected && timer != nil:
			timer.Stop()
			timer, deadline = nil, nil
		case s.OwnsHandshake() && s != negotiator.StateConnected && timer == nil && deadline == nil:
			timer = time.NewTimer(c.timeout)
			deadline = timer.C
		}

		select {
		case ev, ok := <-events:
			if !ok {
				if c.neg.State() == negotiator.StateConnected {
					c.log.Warn().AnErr("cause", c.sub.Err()).Msg("signaling lost, media continues")
					events = nil
					continue
				}
				cause = fmt.Errorf("%w: signaling channel closed: %v", models.ErrConnectivityFailed, c.sub.Err())
				return
			}
			if err := c.neg.HandleEvent(c.ctx, ev); err != nil {
				cause = err
				return
			}
			if c.neg.State() == negotiator.StateClosed {
				c.log.Info().Msg("other party ended the call")
				return
			}

		case cand := <-c.localCandidates:
			if err := c.neg.LocalCandidate(c.ctx, cand); err != nil {
				c.log.Warn().Err(err).Int("pending", c.neg.PendingLocal()).Msg("candidate not relayed, will retry")
			}

		case s := <-c.peerStates:
			c.log.Debug().Str("transport", s.String()).Msg("peer state")
			if err := c.neg.ConnectionStateChanged(c.ctx, s); err != nil {
				cause = err
				return
			}

		case <-deadline:
			cause = fmt.Errorf("%w: not connected within %s", models.ErrConnectivityFailed, c.timeout)
			c.neg.Fail(c.ctx)
			return

		case <-c.endReq:
			return
		}
	}
}

func (c *Call) onState(s negotiator.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	c.state = s
	c.publishLocked(Status{State: s, Message: stateMessage(s, c.role, c.roomID)})
}

// publishLocked must be called with mu held.
func (c *Call) publishLocked(st Status) {
	c.status = st
	select {
	case c.statuses <- st:
	default:
	}
}

// teardown releases everything the call holds. It runs once; the room is
// marked ended only when this party holds a claimed slot in it.
func (c *Call) teardown(cause error) {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		c.cancel()

		var errs error
		c.stream.Stop()
		errs = multierr.Append(errs, c.neg.Close())
		if c.sub != nil {
			errs = multierr.Append(errs, c.sub.Close())
		}
		if c.ownsRoom {
			ctx, cancel := context.WithTimeout(context.Background(), endRoomTimeout)
			_, err := c.reg.UpdateRoom(ctx, c.roomID, models.RoomUpdate{Status: models.RoomStatusEnded})
			cancel()
			if err != nil && !errors.Is(err, models.ErrRoomNotFound) {
				errs = multierr.Append(errs, fmt.Errorf("end room: %w", err))
			}
		}

		if errs != nil {
			c.log.Warn().Err(errs).Msg("teardown incomplete")
		}
		final := Status{State: negotiator.StateClosed, Message: stateMessage(negotiator.StateClosed, c.role, c.roomID)}
		if cause != nil {
			final = Status{State: negotiator.StateFailed, Message: StatusMessage(cause), Err: cause}
			c.log.Error().Err(cause).Msg("call failed")
		} else {
			c.log.Info().Msg("call ended")
		}

		c.mu.Lock()
		c.state = final.State
		c.err = cause
		c.teardownErr = errs
		c.publishLocked(final)
		close(c.statuses)
		c.mu.Unlock()
		close(c.done)
	})
}
