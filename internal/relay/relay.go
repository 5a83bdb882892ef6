// Package relay is the Candidate Relay client: an append-only Redis stream of
// connectivity hints per room.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/callrelay/internal/models"
	"github.com/mossy-p/callrelay/internal/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultTTL = 24 * time.Hour

type Relay struct {
	rdb *goredis.Client
	ttl time.Duration
	log zerolog.Logger
	now func() time.Time
}

type Option func(*Relay)

func WithTTL(ttl time.Duration) Option {
	return func(r *Relay) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Relay) { r.log = l }
}

func New(rdb *goredis.Client, opts ...Option) *Relay {
	r := &Relay{rdb: rdb, ttl: defaultTTL, log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AppendCandidate appends payload to the room's relay and notifies subscribers.
// The room id is validated before anything is written.
func (r *Relay) AppendCandidate(ctx context.Context, roomID, sender, payload string) (*models.Candidate, error) {
	if err := models.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	if payload == "" {
		return nil, fmt.Errorf("%w: empty candidate", models.ErrSignalingWriteFailed)
	}

	created := r.now().UTC().Truncate(time.Millisecond)
	c := models.Candidate{ID: uuid.NewString(), RoomID: roomID, Sender: sender, Payload: payload, CreatedAt: created}
	event, err := json.Marshal(models.NewCandidateEvent(c))
	if err != nil {
		return nil, err
	}

	key := redis.CandidatesKey(roomID)
	_, err = r.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.XAdd(ctx, &goredis.XAddArgs{
			Stream: key,
			Values: map[string]interface{}{
				"id":         c.ID,
				"candidate":  payload,
				"sender":     sender,
				"created_at": created.UnixMilli(),
			},
		})
		p.Expire(ctx, key, r.ttl)
		p.Publish(ctx, redis.EventsChannel(roomID), event)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSignalingWriteFailed, err)
	}

	r.log.Debug().Str("room", roomID).Str("id", c.ID).Str("sender", sender).Msg("candidate appended")
	return &c, nil
}

// ListCandidates returns every candidate of the room in arrival order.
func (r *Relay) ListCandidates(ctx context.Context, roomID string) ([]models.Candidate, error) {
	if err := models.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	msgs, err := r.rdb.XRange(ctx, redis.CandidatesKey(roomID), "-", "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Candidate, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, candidateFromMessage(roomID, msg))
	}
	return out, nil
}

func candidateFromMessage(roomID string, msg goredis.XMessage) models.Candidate {
	c := models.Candidate{ID: msg.ID, RoomID: roomID}
	if v, ok := msg.Values["id"].(string); ok && v != "" {
		c.ID = v
	}
	if v, ok := msg.Values["candidate"].(string); ok {
		c.Payload = v
	}
	if v, ok := msg.Values["sender"].(string); ok {
		c.Sender = v
	}
	if v, ok := msg.Values["created_at"].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.CreatedAt = time.UnixMilli(ms).UTC()
		}
	}
	return c
}
