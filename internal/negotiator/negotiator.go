// Package negotiator owns the offer/answer/candidate handshake of one peer
// connection. Every transition goes through Transition; the Negotiator only
// executes the effects it returns.
package negotiator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mossy-p/callrelay/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Role is fixed for the lifetime of a session.
type Role int

const (
	// RoleInitiator created the room and answers the joiner's offer.
	RoleInitiator Role = iota
	// RoleJoiner found the waiting room and sends the offer.
	RoleJoiner
)

func (r Role) String() string {
	if r == RoleJoiner {
		return "joiner"
	}
	return "initiator"
}

// PeerConnection is the part of *webrtc.PeerConnection the handshake drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// Signaler writes this party's half of the handshake to the shared relay.
type Signaler interface {
	PublishOffer(ctx context.Context, roomID, offer string) error
	PublishAnswer(ctx context.Context, roomID, answer string) error
	SendCandidate(ctx context.Context, roomID, candidate string) error
}

// Negotiator is not safe for concurrent use: the owning call serializes every
// method on its event loop.
type Negotiator struct {
	role    Role
	pc      PeerConnection
	sig     Signaler
	partyID string
	log     zerolog.Logger
	onState func(State)

	state        State
	roomID       string
	localOffer   string
	remoteOffer  string
	remoteAnswer string

	pendingLocal  []string
	pendingRemote []webrtc.ICECandidateInit
	applied       map[string]struct{}
}

type Option func(*Negotiator)

func WithLogger(l zerolog.Logger) Option {
	return func(n *Negotiator) { n.log = l }
}

// WithPartyID identifies this party's own candidates when they echo back.
func WithPartyID(id string) Option {
	return func(n *Negotiator) { n.partyID = id }
}

// WithStateHook is called after every state change.
func WithStateHook(fn func(State)) Option {
	return func(n *Negotiator) { n.onState = fn }
}

func New(role Role, pc PeerConnection, sig Signaler, opts ...Option) *Negotiator {
	n := &Negotiator{
		role:    role,
		pc:      pc,
		sig:     sig,
		log:     zerolog.Nop(),
		applied: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With().Str("role", role.String()).Logger()
	return n
}

func (n *Negotiator) State() State       { return n.state }
func (n *Negotiator) Role() Role         { return n.role }
func (n *Negotiator) RoomID() string     { return n.roomID }
func (n *Negotiator) PendingLocal() int  { return len(n.pendingLocal) }
func (n *Negotiator) PendingRemote() int { return len(n.pendingRemote) }

// Bind sets the room this session signals through. Local candidates queued
// while the room was unknown are flushed if the handshake allows it.
func (n *Negotiator) Bind(ctx context.Context, roomID string) error {
	if err := models.ValidateRoomID(roomID); err != nil {
		return err
	}
	if n.roomID != "" && n.roomID != roomID {
		return fmt.Errorf("negotiator already bound to room %s", n.roomID)
	}
	n.roomID = roomID
	n.log = n.log.With().Str("room", roomID).Logger()
	if n.state.OwnsHandshake() {
		return n.flushLocal(ctx)
	}
	return nil
}

// Start marks local media as ready. A joiner immediately sends its offer; an
// initiator waits for one to arrive through HandleEvent.
func (n *Negotiator) Start(ctx context.Context) error {
	if err := n.fire(ctx, InputMediaReady); err != nil {
		return err
	}
	if n.role != RoleJoiner {
		return nil
	}
	if n.roomID == "" {
		return fmt.Errorf("%w: offer before room is bound", models.ErrInvalidRoomID)
	}
	return n.fire(ctx, InputStartOffer)
}

// HandleEvent consumes one signaling event. Repeated, stale and
// out-of-turn events are discarded without error; events that arrive after
// the session ended are ignored.
func (n *Negotiator) HandleEvent(ctx context.Context, ev models.Event) error {
	if n.state.Terminal() || ev.RoomID != n.roomID {
		return nil
	}
	key := ev.Key()
	if _, seen := n.applied[key]; seen {
		n.log.Debug().Str("key", key).Msg("duplicate event discarded")
		return nil
	}

	var err error
	switch {
	case ev.Type == models.SignalTypeRoom && ev.Room != nil:
		err = n.handleRoom(ctx, *ev.Room)
	case ev.Type == models.SignalTypeCandidate && ev.Candidate != nil:
		err = n.handleCandidate(*ev.Candidate)
	default:
		return nil
	}

	if errors.Is(err, ErrIllegalTransition) {
		n.log.Debug().Err(err).Msg("out-of-turn event discarded")
		return nil
	}
	if err == nil {
		n.applied[key] = struct{}{}
	}
	return err
}

func (n *Negotiator) handleRoom(ctx context.Context, room models.Room) error {
	if room.Status == models.RoomStatusEnded {
		return n.fire(ctx, InputRemoteEnded)
	}

	switch n.role {
	case RoleInitiator:
		if room.Offer == "" {
			return nil
		}
		n.remoteOffer = room.Offer
		if err := n.fire(ctx, InputRemoteOffer); err != nil {
			return err
		}
		return n.fire(ctx, InputAnswerSent)

	case RoleJoiner:
		if room.Answer == "" {
			return nil
		}
		if room.Offer != n.localOffer {
			n.log.Warn().Msg("answer belongs to another offer, ignoring")
			return nil
		}
		n.remoteAnswer = room.Answer
		return n.fire(ctx, InputRemoteAnswer)
	}
	return nil
}

func (n *Negotiator) handleCandidate(c models.Candidate) error {
	if n.partyID != "" && c.Sender == n.partyID {
		return nil
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(c.Payload), &init); err != nil {
		n.log.Warn().Err(err).Str("id", c.ID).Msg("malformed candidate discarded")
		return nil
	}
	n.AddRemoteCandidate(init)
	return nil
}

// AddRemoteCandidate applies c now if the remote description is set,
// otherwise keeps it until it is.
func (n *Negotiator) AddRemoteCandidate(c webrtc.ICECandidateInit) {
	switch {
	case n.state.Terminal():
		return
	case n.state.HasRemoteDescription():
		n.applyRemote(c)
	default:
		n.pendingRemote = append(n.pendingRemote, c)
		n.log.Debug().Int("pending", len(n.pendingRemote)).Msg("remote candidate queued")
	}
}

// LocalCandidate relays a locally gathered candidate, or queues it while the
// room is unknown or not yet claimed. A failed write keeps the candidate
// queued; it is retried with the next one.
func (n *Negotiator) LocalCandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	if n.state.Terminal() {
		return nil
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	n.pendingLocal = append(n.pendingLocal, string(payload))
	if n.roomID == "" || !n.state.OwnsHandshake() {
		return nil
	}
	return n.flushLocal(ctx)
}

// ConnectionStateChanged feeds a transport health report into the machine.
func (n *Negotiator) ConnectionStateChanged(ctx context.Context, s webrtc.PeerConnectionState) error {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		err := n.fire(ctx, InputConnected)
		if errors.Is(err, ErrIllegalTransition) {
			n.log.Debug().Err(err).Msg("early connected report ignored")
			return nil
		}
		return err
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		if n.state.Terminal() {
			return nil
		}
		if err := n.fire(ctx, InputFailed); err != nil {
			return err
		}
		return fmt.Errorf("%w: transport %s", models.ErrConnectivityFailed, s)
	}
	return nil
}

// Fail moves a live session to failed.
func (n *Negotiator) Fail(ctx context.Context) {
	if !n.state.Terminal() {
		_ = n.fire(ctx, InputFailed)
	}
}

// Close closes the peer connection. Safe to call in any state, any number of times.
func (n *Negotiator) Close() error {
	return n.fire(context.Background(), InputClose)
}

func (n *Negotiator) fire(ctx context.Context, in Input) error {
	from := n.state
	to, effects, err := Transition(from, in)
	if err != nil {
		return err
	}
	n.state = to
	if from != to {
		n.log.Debug().Str("from", from.String()).Str("to", to.String()).Str("input", in.String()).Msg("transition")
		if n.onState != nil {
			n.onState(to)
		}
	}

	for _, eff := range effects {
		if err := n.run(ctx, eff); err != nil {
			if !n.state.Terminal() {
				n.log.Error().Err(err).Str("effect", eff.String()).Msg("handshake step failed")
				_ = n.fire(ctx, InputFailed)
			}
			return err
		}
	}
	return nil
}

func (n *Negotiator) run(ctx context.Context, eff Effect) error {
	switch eff {
	case EffectSendOffer:
		offer, err := n.pc.CreateOffer(nil)
		if err != nil {
			return fmt.Errorf("create offer: %w", err)
		}
		if err := n.pc.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("set local offer: %w", err)
		}
		payload, err := encodeDescription(offer)
		if err != nil {
			return err
		}
		if err := n.sig.PublishOffer(ctx, n.roomID, payload); err != nil {
			return err
		}
		n.localOffer = payload

	case EffectApplyRemoteOffer:
		desc, err := decodeDescription(n.remoteOffer, webrtc.SDPTypeOffer)
		if err != nil {
			return err
		}
		if err := n.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}

	case EffectSendAnswer:
		answer, err := n.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := n.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		payload, err := encodeDescription(answer)
		if err != nil {
			return err
		}
		return n.sig.PublishAnswer(ctx, n.roomID, payload)

	case EffectApplyRemoteAnswer:
		desc, err := decodeDescription(n.remoteAnswer, webrtc.SDPTypeAnswer)
		if err != nil {
			return err
		}
		if err := n.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}

	case EffectDrainRemoteCandidates:
		pending := n.pendingRemote
		n.pendingRemote = nil
		for _, c := range pending {
			n.applyRemote(c)
		}

	case EffectFlushLocalCandidates:
		if err := n.flushLocal(ctx); err != nil {
			n.log.Warn().Err(err).Int("pending", len(n.pendingLocal)).Msg("candidate flush deferred")
		}

	case EffectClosePeer:
		n.pendingRemote = nil
		n.pendingLocal = nil
		return n.pc.Close()
	}
	return nil
}

func (n *Negotiator) applyRemote(c webrtc.ICECandidateInit) {
	if err := n.pc.AddICECandidate(c); err != nil {
		n.log.Warn().Err(err).Msg("remote candidate rejected")
	}
}

func (n *Negotiator) flushLocal(ctx context.Context) error {
	for len(n.pendingLocal) > 0 {
		if err := n.sig.SendCandidate(ctx, n.roomID, n.pendingLocal[0]); err != nil {
			return err
		}
		n.pendingLocal = n.pendingLocal[1:]
	}
	return nil
}

func encodeDescription(desc webrtc.SessionDescription) (string, error) {
	b, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeDescription(payload string, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(payload), &desc); err != nil {
		return desc, fmt.Errorf("decode %s: %w", want, err)
	}
	if desc.Type != want {
		return desc, fmt.Errorf("decode %s: got %s", want, desc.Type)
	}
	return desc, nil
}
