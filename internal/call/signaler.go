package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/mossy-p/callrelay/internal/models"
)

// signaler writes one party's handshake steps through the registry and relay.
type signaler struct {
	reg     Registry
	relay   Relay
	partyID string
	name    string
}

// PublishOffer claims the waiting room. It fails when another joiner got there first.
func (s *signaler) PublishOffer(ctx context.Context, roomID, offer string) error {
	_, err := s.reg.UpdateRoom(ctx, roomID, models.RoomUpdate{
		Status:       models.RoomStatusNegotiating,
		Callee:       s.name,
		Offer:        offer,
		ExpectStatus: models.RoomStatusWaiting,
	})
	if errors.Is(err, models.ErrStatusConflict) {
		return fmt.Errorf("publish offer: %w: %w", ErrRoomTaken, err)
	}
	return writeErr("publish offer", err)
}

func (s *signaler) PublishAnswer(ctx context.Context, roomID, answer string) error {
	_, err := s.reg.UpdateRoom(ctx, roomID, models.RoomUpdate{
		Status:       models.RoomStatusActive,
		Answer:       answer,
		ExpectStatus: models.RoomStatusNegotiating,
	})
	return writeErr("publish answer", err)
}

func (s *signaler) SendCandidate(ctx context.Context, roomID, candidate string) error {
	_, err := s.relay.AppendCandidate(ctx, roomID, s.partyID, candidate)
	return writeErr("send candidate", err)
}

func writeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrSignalingWriteFailed):
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrSignalingWriteFailed, err)
}
