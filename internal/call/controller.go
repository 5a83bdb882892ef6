//go:generate mockgen -destination mock_call/mock_call.go github.com/mossy-p/callrelay/internal/call Registry,Relay,Channel

// Package call runs one call attempt: it picks the role, acquires media,
// drives the negotiator from signaling events and exposes the in-call
// controls.
package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/callrelay/internal/identity"
	"github.com/mossy-p/callrelay/internal/media"
	"github.com/mossy-p/callrelay/internal/models"
	"github.com/mossy-p/callrelay/internal/negotiator"
	"github.com/mossy-p/callrelay/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	createAttempts            = 5
	defaultNegotiationTimeout = 45 * time.Second
)

var ErrPasswordRequired = errors.New("room password required")

// ErrRoomTaken means another joiner claimed the room first.
var ErrRoomTaken = fmt.Errorf("%w: already taken", models.ErrRoomNotFound)

// Registry is the room store a call signals through.
type Registry interface {
	CreateRoom(ctx context.Context, room *models.Room) error
	FindWaitingRoom(ctx context.Context, id, password string) (*models.Room, error)
	UpdateRoom(ctx context.Context, id string, upd models.RoomUpdate) (*models.Room, error)
}

// Relay carries connectivity candidates between the parties.
type Relay interface {
	AppendCandidate(ctx context.Context, roomID, sender, payload string) (*models.Candidate, error)
}

// Channel delivers room and candidate events.
type Channel interface {
	Subscribe(ctx context.Context, roomID string) (*signaling.Subscription, error)
}

// Devices opens local capture.
type Devices interface {
	Acquire(ctx context.Context, c media.Constraints) (*media.LocalStream, error)
}

// PeerFactory opens peer connections carrying a local stream.
type PeerFactory interface {
	NewPeer(stream *media.LocalStream) (media.Peer, error)
}

// Deps are the collaborators a Controller needs.
type Deps struct {
	Registry Registry
	Relay    Relay
	Channel  Channel
	Devices  Devices
	Peers    PeerFactory
	Identity identity.Provider
}

type Controller struct {
	deps          Deps
	timeout       time.Duration
	log           zerolog.Logger
	onRemoteTrack func(*webrtc.TrackRemote)
	newRoomID     func() (string, error)
}

type Option func(*Controller)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithNegotiationTimeout bounds the time from claiming a handshake step to connected.
func WithNegotiationTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRoomIDGenerator replaces the random room identifier source.
func WithRoomIDGenerator(fn func() (string, error)) Option {
	return func(c *Controller) { c.newRoomID = fn }
}

// WithRemoteTrackHandler receives every track the other party sends.
func WithRemoteTrackHandler(fn func(*webrtc.TrackRemote)) Option {
	return func(c *Controller) { c.onRemoteTrack = fn }
}

func NewController(deps Deps, opts ...Option) *Controller {
	c := &Controller{
		deps:      deps,
		timeout:   defaultNegotiationTimeout,
		log:       zerolog.Nop(),
		newRoomID: models.NewRoomID,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.deps.Identity == nil {
		c.deps.Identity = &identity.Anonymous{}
	}
	return c
}

// Create starts a call as initiator: it opens a new room under a fresh
// identifier and waits for someone to join.
func (ctl *Controller) Create(ctx context.Context, kind models.CallKind, password string) (*Call, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown call kind %q", kind)
	}
	if password == "" {
		return nil, ErrPasswordRequired
	}
	name, err := ctl.deps.Identity.DisplayName(ctx)
	if err != nil {
		return nil, fmt.Errorf("display name: %w", err)
	}

	c, err := ctl.prepare(ctx, negotiator.RoleInitiator, kind, name)
	if err != nil {
		return nil, err
	}

	var roomID string
	for attempt := 0; attempt < createAttempts; attempt++ {
		id, err := ctl.newRoomID()
		if err != nil {
			return nil, c.abort(err)
		}
		err = ctl.deps.Registry.CreateRoom(ctx, &models.Room{
			ID:       id,
			Kind:     kind,
			Caller:   name,
			Password: password,
		})
		if errors.Is(err, models.ErrRoomExists) {
			ctl.log.Debug().Str("room", id).Msg("room id taken, retrying")
			continue
		}
		if err != nil {
			return nil, c.abort(writeErr("create room", err))
		}
		roomID = id
		break
	}
	if roomID == "" {
		return nil, c.abort(fmt.Errorf("%w: no free room id after %d attempts", models.ErrRoomExists, createAttempts))
	}
	c.ownsRoom = true

	if err := c.bind(ctx, roomID); err != nil {
		return nil, c.abort(err)
	}
	if err := c.neg.Start(ctx); err != nil {
		return nil, c.abort(err)
	}
	c.log.Info().Str("kind", string(kind)).Msg("room created")
	go c.run()
	return c, nil
}

// Join starts a call as joiner of a waiting room. The identifier is checked
// before any request is made.
func (ctl *Controller) Join(ctx context.Context, roomID, password string) (*Call, error) {
	if err := models.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	room, err := ctl.deps.Registry.FindWaitingRoom(ctx, roomID, password)
	if err != nil {
		return nil, err
	}
	name, err := ctl.deps.Identity.DisplayName(ctx)
	if err != nil {
		return nil, fmt.Errorf("display name: %w", err)
	}

	c, err := ctl.prepare(ctx, negotiator.RoleJoiner, room.Kind, name)
	if err != nil {
		return nil, err
	}
	if err := c.bind(ctx, roomID); err != nil {
		return nil, c.abort(err)
	}
	if err := c.neg.Start(ctx); err != nil {
		return nil, c.abort(err)
	}
	c.ownsRoom = true
	c.log.Info().Str("caller", room.Caller).Msg("joined room")
	go c.run()
	return c, nil
}

// prepare acquires media and opens the peer. Nothing is written to the
// registry until this succeeds.
func (ctl *Controller) prepare(ctx context.Context, role negotiator.Role, kind models.CallKind, name string) (*Call, error) {
	stream, err := ctl.deps.Devices.Acquire(ctx, media.ConstraintsFor(kind))
	if err != nil {
		if !errors.Is(err, models.ErrMediaAccessDenied) {
			err = fmt.Errorf("%w: %w", models.ErrMediaAccessDenied, err)
		}
		return nil, err
	}
	peer, err := ctl.deps.Peers.NewPeer(stream)
	if err != nil {
		stream.Stop()
		return nil, fmt.Errorf("open peer: %w", err)
	}
	return newCall(ctl, role, kind, name, stream, peer), nil
}

func newCall(ctl *Controller, role negotiator.Role, kind models.CallKind, name string, stream *media.LocalStream, peer media.Peer) *Call {
	partyID := uuid.NewString()
	c := &Call{
		role:            role,
		kind:            kind,
		partyID:         partyID,
		reg:             ctl.deps.Registry,
		channel:         ctl.deps.Channel,
		stream:          stream,
		peer:            peer,
		timeout:         ctl.timeout,
		log:             ctl.log.With().Str("party", partyID).Str("role", role.String()).Logger(),
		localCandidates: make(chan webrtc.ICECandidateInit, 64),
		peerStates:      make(chan webrtc.PeerConnectionState, 16),
		endReq:          make(chan struct{}),
		done:            make(chan struct{}),
		statuses:        make(chan Status, 32),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	sig := &signaler{reg: ctl.deps.Registry, relay: ctl.deps.Relay, partyID: partyID, name: name}
	c.neg = negotiator.New(role, peer, sig,
		negotiator.WithLogger(c.log),
		negotiator.WithPartyID(partyID),
		negotiator.WithStateHook(c.onState),
	)

	peer.OnLocalCandidate(func(cand webrtc.ICECandidateInit) {
		select {
		case c.localCandidates <- cand:
		case <-c.ctx.Done():
		}
	})
	peer.OnStateChange(func(s webrtc.PeerConnectionState) {
		select {
		case c.peerStates <- s:
		case <-c.ctx.Done():
		}
	})
	if fn := ctl.onRemoteTrack; fn != nil {
		peer.OnRemoteTrack(fn)
	}
	return c
}
