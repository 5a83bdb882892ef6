package signaling

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mossy-p/callrelay/internal/models"
	"github.com/mossy-p/callrelay/internal/redis"
	"github.com/mossy-p/callrelay/internal/registry"
	"github.com/mossy-p/callrelay/internal/relay"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Channel opens subscriptions backed by Redis pub/sub. After the subscription
// is confirmed it replays the current room record and all relayed candidates,
// so a late subscriber misses nothing; the price is duplicate delivery.
type Channel struct {
	rdb      *goredis.Client
	registry *registry.Registry
	relay    *relay.Relay
	log      zerolog.Logger
}

type Option func(*Channel)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Channel) { c.log = l }
}

func New(rdb *goredis.Client, reg *registry.Registry, rl *relay.Relay, opts ...Option) *Channel {
	c := &Channel{rdb: rdb, registry: reg, relay: rl, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe starts delivering events for roomID.
func (c *Channel) Subscribe(ctx context.Context, roomID string) (*Subscription, error) {
	if err := models.ValidateRoomID(roomID); err != nil {
		return nil, err
	}

	ps := c.rdb.Subscribe(ctx, redis.EventsChannel(roomID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	live := ps.Channel()

	replay, err := c.snapshot(ctx, roomID)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	log := c.log.With().Str("room", roomID).Logger()
	pump := func(emit func(models.Event) bool) error {
		for _, ev := range replay {
			if !emit(ev) {
				return nil
			}
		}
		for msg := range live {
			var ev models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Msg("dropping malformed event")
				continue
			}
			if ev.RoomID != roomID {
				continue
			}
			if !emit(ev) {
				return nil
			}
		}
		return nil
	}

	log.Debug().Int("replayed", len(replay)).Msg("subscribed")
	return Start(roomID, pump, ps.Close), nil
}

func (c *Channel) snapshot(ctx context.Context, roomID string) ([]models.Event, error) {
	var events []models.Event

	room, err := c.registry.GetRoom(ctx, roomID)
	switch {
	case err == nil:
		events = append(events, models.NewRoomEvent(*room))
	case !errors.Is(err, models.ErrRoomNotFound):
		return nil, err
	}

	candidates, err := c.relay.ListCandidates(ctx, roomID)
	if err != nil {
		return nil, err
	}
	for _, cand := range candidates {
		events = append(events, models.NewCandidateEvent(cand))
	}
	return events, nil
}
