// Package registry is the Room Registry client: one Redis hash per room,
// mutated with WATCH/MULTI so status changes are conditional and monotonic.
package registry

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mossy-p/callrelay/internal/models"
	"github.com/mossy-p/callrelay/internal/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultTTL   = 24 * time.Hour
	maxTxRetries = 5
)

// Registry reads and writes room records.
type Registry struct {
	rdb *goredis.Client
	ttl time.Duration
	log zerolog.Logger
	now func() time.Time
}

type Option func(*Registry)

// WithTTL sets how long a room record (and its candidates) lives.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func New(rdb *goredis.Client, opts ...Option) *Registry {
	r := &Registry{
		rdb: rdb,
		ttl: defaultTTL,
		log: zerolog.Nop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateRoom inserts room in waiting status. A previous ended record under the
// same id is replaced together with its candidates; any other record wins.
func (r *Registry) CreateRoom(ctx context.Context, room *models.Room) error {
	if err := models.ValidateRoomID(room.ID); err != nil {
		return err
	}
	if !room.Kind.Valid() {
		return fmt.Errorf("invalid call type %q", room.Kind)
	}
	if room.Password == "" {
		return errors.New("room password is required")
	}

	room.Status = models.RoomStatusWaiting
	room.Callee, room.Offer, room.Answer = "", "", ""
	room.CreatedAt = r.now().UTC().Truncate(time.Millisecond)

	key := redis.RoomKey(room.ID)
	err := r.watch(ctx, key, func(tx *goredis.Tx) error {
		existing, err := readRoom(ctx, tx, key)
		switch {
		case err == nil && existing.Status != models.RoomStatusEnded:
			return fmt.Errorf("%w: %s", models.ErrRoomExists, room.ID)
		case err != nil && !errors.Is(err, models.ErrRoomNotFound):
			return err
		}

		event, err := json.Marshal(models.NewRoomEvent(*room))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Del(ctx, key, redis.CandidatesKey(room.ID))
			p.HSet(ctx, key, roomToHash(*room))
			p.Expire(ctx, key, r.ttl)
			p.Publish(ctx, redis.EventsChannel(room.ID), event)
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}

	r.log.Debug().Str("room", room.ID).Str("type", string(room.Kind)).Msg("room created")
	return nil
}

// FindWaitingRoom returns the room only if it is waiting and password matches.
func (r *Registry) FindWaitingRoom(ctx context.Context, id, password string) (*models.Room, error) {
	room, err := r.Authorize(ctx, id, password)
	if err != nil {
		return nil, err
	}
	if room.Status != models.RoomStatusWaiting {
		return nil, fmt.Errorf("%w: %s is %s", models.ErrRoomNotFound, id, room.Status)
	}
	return room, nil
}

// Authorize returns the room in any status if password matches.
func (r *Registry) Authorize(ctx context.Context, id, password string) (*models.Room, error) {
	room, err := r.GetRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(room.Password), []byte(password)) != 1 {
		return nil, fmt.Errorf("%w: %s", models.ErrRoomNotFound, id)
	}
	return room, nil
}

// GetRoom returns the stored record regardless of status.
func (r *Registry) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	if err := models.ValidateRoomID(id); err != nil {
		return nil, err
	}
	room, err := readRoom(ctx, r.rdb, redis.RoomKey(id))
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// UpdateRoom applies a partial update and publishes the resulting record.
// An update whose fields already hold succeeds without writing, so retries are
// idempotent. Status never moves backwards and an ended room is never revived.
func (r *Registry) UpdateRoom(ctx context.Context, id string, upd models.RoomUpdate) (*models.Room, error) {
	if err := models.ValidateRoomID(id); err != nil {
		return nil, err
	}
	if upd.Status != "" && !upd.Status.Valid() {
		return nil, fmt.Errorf("invalid status %q", upd.Status)
	}

	key := redis.RoomKey(id)
	var updated models.Room
	err := r.watch(ctx, key, func(tx *goredis.Tx) error {
		room, err := readRoom(ctx, tx, key)
		if err != nil {
			return err
		}
		if upd.SatisfiedBy(room) {
			updated = room
			return nil
		}
		if upd.ExpectStatus != "" && room.Status != upd.ExpectStatus {
			return fmt.Errorf("%w: room %s is %s, expected %s", models.ErrStatusConflict, id, room.Status, upd.ExpectStatus)
		}
		if room.Status == models.RoomStatusEnded {
			return fmt.Errorf("%w: room %s has ended", models.ErrStatusConflict, id)
		}
		if upd.Status != "" && upd.Status.Rank() < room.Status.Rank() {
			return fmt.Errorf("%w: room %s cannot move from %s to %s", models.ErrStatusConflict, id, room.Status, upd.Status)
		}

		upd.Apply(&room)
		event, err := json.Marshal(models.NewRoomEvent(room))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.HSet(ctx, key, updateToHash(upd))
			p.Publish(ctx, redis.EventsChannel(id), event)
			return nil
		})
		if err != nil {
			return err
		}
		updated = room
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Debug().Str("room", id).Str("status", string(updated.Status)).Msg("room updated")
	return &updated, nil
}

// watch runs fn in an optimistic transaction on key, retrying when another
// client modified the key in between.
func (r *Registry) watch(ctx context.Context, key string, fn func(*goredis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, fn, key)
		if errors.Is(err, goredis.TxFailedErr) {
			r.log.Debug().Str("key", key).Int("attempt", i+1).Msg("transaction conflict, retrying")
			continue
		}
		return err
	}
	return fmt.Errorf("%w: too much contention on %s", models.ErrSignalingWriteFailed, key)
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
}

func readRoom(ctx context.Context, c hashReader, key string) (models.Room, error) {
	vals, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return models.Room{}, err
	}
	if len(vals) == 0 {
		return models.Room{}, fmt.Errorf("%w: %s", models.ErrRoomNotFound, key)
	}
	return roomFromHash(vals), nil
}

func roomToHash(room models.Room) map[string]interface{} {
	return map[string]interface{}{
		"id":            room.ID,
		"status":        string(room.Status),
		"type":          string(room.Kind),
		"caller":        room.Caller,
		"callee":        room.Callee,
		"room_password": room.Password,
		"offer":         room.Offer,
		"answer":        room.Answer,
		"created_at":    room.CreatedAt.UnixMilli(),
	}
}

func updateToHash(upd models.RoomUpdate) map[string]interface{} {
	fields := make(map[string]interface{}, 4)
	if upd.Status != "" {
		fields["status"] = string(upd.Status)
	}
	if upd.Callee != "" {
		fields["callee"] = upd.Callee
	}
	if upd.Offer != "" {
		fields["offer"] = upd.Offer
	}
	if upd.Answer != "" {
		fields["answer"] = upd.Answer
	}
	return fields
}

func roomFromHash(vals map[string]string) models.Room {
	room := models.Room{
		ID:       vals["id"],
		Status:   models.RoomStatus(vals["status"]),
		Kind:     models.CallKind(vals["type"]),
		Caller:   vals["caller"],
		Callee:   vals["callee"],
		Password: vals["room_password"],
		Offer:    vals["offer"],
		Answer:   vals["answer"],
	}
	if ms, err := strconv.ParseInt(vals["created_at"], 10, 64); err == nil {
		room.CreatedAt = time.UnixMilli(ms).UTC()
	}
	return room
}
