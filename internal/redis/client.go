package redis

import (
	"context"
	"fmt"

	"github.com/mossy-p/callrelay/config"
	"github.com/redis/go-redis/v9"
)

// Connect opens the process-wide Redis client. It is created once at start-up
// and handed to the registry, relay and signaling components.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// RoomKey is the hash holding one room record.
func RoomKey(roomID string) string {
	return "room:" + roomID
}

// CandidatesKey is the stream holding the candidate relay of one room.
func CandidatesKey(roomID string) string {
	return "room:" + roomID + ":candidates"
}

// EventsChannel is the pub/sub channel carrying change events of one room.
func EventsChannel(roomID string) string {
	return "call:" + roomID + ":events"
}
