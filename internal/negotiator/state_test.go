package negotiator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from    State
		in      Input
		to      State
		effects []Effect
		illegal bool
	}{
		{StateNew, InputMediaReady, StateMediaReady, nil, false},
		{StateMediaReady, InputStartOffer, StateOfferSent, []Effect{EffectSendOffer, EffectFlushLocalCandidates}, false},
		{StateMediaReady, InputRemoteOffer, StateOfferReceived, []Effect{EffectApplyRemoteOffer, EffectDrainRemoteCandidates, EffectSendAnswer}, false},
		{StateOfferReceived, InputAnswerSent, StateAnswerExchanged, []Effect{EffectFlushLocalCandidates}, false},
		{StateOfferSent, InputRemoteAnswer, StateAnswerExchanged, []Effect{EffectApplyRemoteAnswer, EffectDrainRemoteCandidates}, false},
		{StateAnswerExchanged, InputConnected, StateConnected, []Effect{EffectFlushLocalCandidates}, false},
		{StateConnected, InputConnected, StateConnected, nil, false},
		{StateConnected, InputFailed, StateFailed, nil, false},
		{StateOfferSent, InputFailed, StateFailed, nil, false},
		{StateNew, InputClose, StateClosed, []Effect{EffectClosePeer}, false},
		{StateConnected, InputRemoteEnded, StateClosed, []Effect{EffectClosePeer}, false},
		{StateFailed, InputClose, StateClosed, []Effect{EffectClosePeer}, false},
		{StateClosed, InputClose, StateClosed, nil, false},

		// out of turn
		{StateConnected, InputRemoteOffer, StateConnected, nil, true},
		{StateAnswerExchanged, InputRemoteAnswer, StateAnswerExchanged, nil, true},
		{StateNew, InputStartOffer, StateNew, nil, true},
		{StateOfferSent, InputConnected, StateOfferSent, nil, true},
		{StateMediaReady, InputRemoteAnswer, StateMediaReady, nil, true},
		{StateClosed, InputFailed, StateClosed, nil, true},
		{StateFailed, InputConnected, StateFailed, nil, true},
		{StateClosed, InputRemoteEnded, StateClosed, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.in.String(), func(t *testing.T) {
			to, effects, err := Transition(tt.from, tt.in)
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.effects, effects)
			if tt.illegal {
				assert.True(t, errors.Is(err, ErrIllegalTransition))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StateClosed.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateConnected.Terminal())

	assert.False(t, StateOfferSent.HasRemoteDescription())
	assert.True(t, StateOfferReceived.HasRemoteDescription())
	assert.True(t, StateConnected.HasRemoteDescription())

	assert.False(t, StateMediaReady.OwnsHandshake())
	assert.True(t, StateOfferSent.OwnsHandshake())
	assert.False(t, StateClosed.OwnsHandshake())
}
