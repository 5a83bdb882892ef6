package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mossy-p/callrelay/config"
	"github.com/mossy-p/callrelay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stalledGateway accepts requests and never answers them.
func stalledGateway(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestSetupHonorsCancellation(t *testing.T) {
	for name, start := range map[string]func(context.Context, *session) error{
		"create": func(ctx context.Context, s *session) error { return s.create(ctx, models.CallKindVoice, "p1") },
		"join":   func(ctx context.Context, s *session) error { return s.join(ctx, "731205", "p1") },
	} {
		t.Run(name, func(t *testing.T) {
			s, err := newSession(config.Default().Call, stalledGateway(t), "alice")
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(50*time.Millisecond, cancel)

			began := time.Now()
			err = start(ctx, s)
			assert.ErrorIs(t, err, context.Canceled)
			assert.Less(t, time.Since(began), 5*time.Second)
		})
	}
}
