package negotiator

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned by Transition for an input the state does not accept.
var ErrIllegalTransition = errors.New("illegal transition")

// State of one peer session.
type State int

const (
	StateNew State = iota
	StateMediaReady
	StateOfferSent
	StateOfferReceived
	StateAnswerExchanged
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateMediaReady:
		return "media-ready"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerExchanged:
		return "answer-exchanged"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further handshake progress is possible.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// HasRemoteDescription reports whether remote candidates can be applied.
func (s State) HasRemoteDescription() bool {
	return s == StateOfferReceived || s == StateAnswerExchanged || s == StateConnected
}

// OwnsHandshake reports whether this party holds a claimed slot in the room,
// which is when its local candidates may be relayed.
func (s State) OwnsHandshake() bool {
	return s == StateOfferSent || s.HasRemoteDescription()
}

// Input drives the state machine.
type Input int

const (
	InputMediaReady Input = iota
	InputStartOffer
	InputRemoteOffer
	InputAnswerSent
	InputRemoteAnswer
	InputConnected
	InputFailed
	InputRemoteEnded
	InputClose
)

func (i Input) String() string {
	switch i {
	case InputMediaReady:
		return "media-ready"
	case InputStartOffer:
		return "start-offer"
	case InputRemoteOffer:
		return "remote-offer"
	case InputAnswerSent:
		return "answer-sent"
	case InputRemoteAnswer:
		return "remote-answer"
	case InputConnected:
		return "connected"
	case InputFailed:
		return "failed"
	case InputRemoteEnded:
		return "remote-ended"
	case InputClose:
		return "close"
	}
	return fmt.Sprintf("Input(%d)", int(i))
}

// Effect is a side effect the negotiator performs after entering a state.
// Effects run in order; the first failure moves the session to failed.
type Effect int

const (
	EffectSendOffer Effect = iota
	EffectApplyRemoteOffer
	EffectSendAnswer
	EffectApplyRemoteAnswer
	EffectDrainRemoteCandidates
	EffectFlushLocalCandidates
	EffectClosePeer
)

func (e Effect) String() string {
	switch e {
	case EffectSendOffer:
		return "send-offer"
	case EffectApplyRemoteOffer:
		return "apply-remote-offer"
	case EffectSendAnswer:
		return "send-answer"
	case EffectApplyRemoteAnswer:
		return "apply-remote-answer"
	case EffectDrainRemoteCandidates:
		return "drain-remote-candidates"
	case EffectFlushLocalCandidates:
		return "flush-local-candidates"
	case EffectClosePeer:
		return "close-peer"
	}
	return fmt.Sprintf("Effect(%d)", int(e))
}

type transitionKey struct {
	from State
	in   Input
}

type transitionRule struct {
	to      State
	effects []Effect
}

var transitions = map[transitionKey]transitionRule{
	{StateNew, InputMediaReady}: {to: StateMediaReady},

	// joiner
	{StateMediaReady, InputStartOffer}:  {StateOfferSent, []Effect{EffectSendOffer, EffectFlushLocalCandidates}},
	{StateOfferSent, InputRemoteAnswer}: {StateAnswerExchanged, []Effect{EffectApplyRemoteAnswer, EffectDrainRemoteCandidates}},

	// initiator
	{StateMediaReady, InputRemoteOffer}:   {StateOfferReceived, []Effect{EffectApplyRemoteOffer, EffectDrainRemoteCandidates, EffectSendAnswer}},
	{StateOfferReceived, InputAnswerSent}: {StateAnswerExchanged, []Effect{EffectFlushLocalCandidates}},

	{StateAnswerExchanged, InputConnected}: {StateConnected, []Effect{EffectFlushLocalCandidates}},
	{StateConnected, InputConnected}:       {to: StateConnected},

	{StateFailed, InputClose}: {StateClosed, []Effect{EffectClosePeer}},
	{StateClosed, InputClose}: {to: StateClosed},
}

// Transition is the whole state machine: it maps (state, input) to the next
// state and the effects to perform. Illegal pairs leave the state unchanged.
func Transition(from State, in Input) (State, []Effect, error) {
	if rule, ok := transitions[transitionKey{from, in}]; ok {
		return rule.to, rule.effects, nil
	}
	if !from.Terminal() {
		switch in {
		case InputFailed:
			return StateFailed, nil, nil
		case InputRemoteEnded, InputClose:
			return StateClosed, []Effect{EffectClosePeer}, nil
		}
	}
	return from, nil, fmt.Errorf("%w: %s in state %s", ErrIllegalTransition, in, from)
}
