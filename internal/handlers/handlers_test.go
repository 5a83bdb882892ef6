package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/callrelay/internal/metrics"
	"github.com/mossy-p/callrelay/internal/models"
	"github.com/mossy-p/callrelay/internal/registry"
	"github.com/mossy-p/callrelay/internal/relay"
	"github.com/mossy-p/callrelay/internal/signaling"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	secret   = "test-secret"
	password = "p1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	reg     *registry.Registry
	relay   *relay.Relay
	metrics *metrics.Metrics
	router  *gin.Engine
	ids     []string
}

func newFixture(t *testing.T, joinRate int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		reg:     registry.New(rdb),
		relay:   relay.New(rdb),
		metrics: metrics.New(),
		ids:     []string{"100001", "100001", "100002"},
	}
	next := func() (string, error) {
		id := f.ids[0]
		f.ids = f.ids[1:]
		return id, nil
	}
	h := New(f.reg, f.relay, signaling.New(rdb, f.reg, f.relay), secret,
		WithMetrics(f.metrics),
		WithRoomIDGenerator(next),
	)
	f.router = h.NewRouter(RouterConfig{
		AllowedOrigins:    []string{"http://localhost:5173"},
		JoinRatePerMinute: joinRate,
	})
	return f
}

type request struct {
	method, path string
	token        string
	password     string
	body         any
	remoteAddr   string
	forwardedFor string
}

func (f *fixture) do(t *testing.T, r request) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if r.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(r.body))
	}
	req := httptest.NewRequest(r.method, r.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	if r.password != "" {
		req.Header.Set(models.RoomPasswordHeader, r.password)
	}
	if r.remoteAddr != "" {
		req.RemoteAddr = r.remoteAddr
	}
	if r.forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", r.forwardedFor)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (f *fixture) token(t *testing.T, name string) string {
	t.Helper()
	var body any
	if name != "" {
		body = AnonymousRequest{Name: name}
	}
	w := f.do(t, request{method: http.MethodPost, path: "/api/auth/anonymous", body: body})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[AnonymousResponse](t, w).Token
}

func TestAnonymousIdentity(t *testing.T) {
	f := newFixture(t, 100)

	w := f.do(t, request{method: http.MethodPost, path: "/api/auth/anonymous", body: AnonymousRequest{Name: "alice"}})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[AnonymousResponse](t, w)
	assert.Equal(t, "alice", resp.Name)
	assert.NotEmpty(t, resp.UserID)
	assert.NotEmpty(t, resp.Token)

	w = f.do(t, request{method: http.MethodPost, path: "/api/auth/anonymous"})
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[AnonymousResponse](t, w)
	assert.Len(t, resp.Name, 9)

	w = f.do(t, request{method: http.MethodPost, path: "/api/auth/anonymous", body: AnonymousRequest{Name: strings.Repeat("x", 65)}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateRoom(t *testing.T) {
	f := newFixture(t, 100)
	token := f.token(t, "alice")

	w := f.do(t, request{method: http.MethodPost, path: "/api/rooms", body: models.CreateRoomRequest{Kind: models.CallKindVideo, Password: password}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, request{method: http.MethodPost, path: "/api/rooms", token: token, body: models.CreateRoomRequest{Kind: models.CallKindVideo, Password: password}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	room := decode[models.Room](t, w)
	assert.Equal(t, "100001", room.ID)
	assert.Equal(t, "alice", room.Caller)
	assert.Equal(t, models.RoomStatusWaiting, room.Status)
	assert.Empty(t, room.Password)

	// generated id collides once, then a fresh one is drawn
	w = f.do(t, request{method: http.MethodPost, path: "/api/rooms", token: token, body: models.CreateRoomRequest{Kind: models.CallKindVoice, Password: password}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "100002", decode[models.Room](t, w).ID)

	// an explicit id is tried once
	w = f.do(t, request{method: http.MethodPost, path: "/api/rooms", token: token, body: models.CreateRoomRequest{ID: "100001", Kind: models.CallKindVoice, Password: password}})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, models.CodeRoomExists, decode[map[string]string](t, w)["code"])

	w = f.do(t, request{method: http.MethodPost, path: "/api/rooms", token: token, body: models.CreateRoomRequest{ID: "12ab", Kind: models.CallKindVoice, Password: password}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.CodeInvalidRoomID, decode[map[string]string](t, w)["code"])

	for _, body := range []any{
		models.CreateRoomRequest{Kind: "fax", Password: password},
		models.CreateRoomRequest{Kind: models.CallKindVoice},
	} {
		w = f.do(t, request{method: http.MethodPost, path: "/api/rooms", token: token, body: body})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RoomsCreated))
}

func createRoom(t *testing.T, f *fixture, token string) models.Room {
	t.Helper()
	w := f.do(t, request{method: http.MethodPost, path: "/api/rooms", token: token, body: models.CreateRoomRequest{Kind: models.CallKindVoice, Password: password}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Room](t, w)
}

func TestJoinRoom(t *testing.T) {
	f := newFixture(t, 100)
	token := f.token(t, "bob")
	room := createRoom(t, f, f.token(t, "alice"))
	path := "/api/rooms/" + room.ID + "/join"

	w := f.do(t, request{method: http.MethodPost, path: path, token: token, body: models.JoinRoomRequest{Password: "wrong"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, models.CodeRoomNotFound, decode[map[string]string](t, w)["code"])

	w = f.do(t, request{method: http.MethodPost, path: "/api/rooms/999999/join", token: token, body: models.JoinRoomRequest{Password: password}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, request{method: http.MethodPost, path: "/api/rooms/12345/join", token: token, body: models.JoinRoomRequest{Password: password}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, request{method: http.MethodPost, path: path, token: token, body: models.JoinRoomRequest{Password: password}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.CallKindVoice, decode[models.Room](t, w).Kind)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Joins.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Joins.WithLabelValues(models.CodeRoomNotFound)))
}

func TestJoinRoomRateLimited(t *testing.T) {
	f := newFixture(t, 2)
	token := f.token(t, "mallory")
	room := createRoom(t, f, f.token(t, "alice"))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := f.do(t, request{method: http.MethodPost, path: "/api/rooms/" + room.ID + "/join", token: token, body: models.JoinRoomRequest{Password: "guess"}})
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)
}

func TestJoinBudgetSurvivesFreshTokens(t *testing.T) {
	f := newFixture(t, 2)
	room := createRoom(t, f, f.token(t, "alice"))
	path := "/api/rooms/" + room.ID + "/join"

	codes := make([]int, 0, 4)
	for _, spoofed := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3", "203.0.113.4"} {
		w := f.do(t, request{
			method: http.MethodPost, path: path, token: f.token(t, ""),
			body: models.JoinRoomRequest{Password: "guess"},
			// a spoofed forwarding header must not look like a new client
			forwardedFor: spoofed,
		})
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)

	w := f.do(t, request{method: http.MethodPost, path: path, token: f.token(t, ""), remoteAddr: "198.51.100.7:4000", body: models.JoinRoomRequest{Password: password}})
	assert.Equal(t, http.StatusOK, w.Code, "other addresses keep their own budget")
}

func TestPasswordChecksShareJoinBudget(t *testing.T) {
	f := newFixture(t, 2)
	token := f.token(t, "mallory")
	room := createRoom(t, f, f.token(t, "alice"))

	codes := make([]int, 0, 4)
	for _, guess := range []string{"a", "b"} {
		w := f.do(t, request{method: http.MethodPatch, path: "/api/rooms/" + room.ID, token: token, password: guess, body: models.RoomUpdate{}})
		codes = append(codes, w.Code)
	}
	w := f.do(t, request{method: http.MethodPost, path: "/api/rooms/" + room.ID + "/candidates", token: token, password: "c",
		body: models.AppendCandidateRequest{Sender: "party-1", Candidate: "candidate:1"}})
	codes = append(codes, w.Code)
	w = f.do(t, request{method: http.MethodPatch, path: "/api/rooms/" + room.ID, token: token, password: password, body: models.RoomUpdate{}})
	codes = append(codes, w.Code)
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes,
		"the right password is no longer checked once the budget is spent")

	w = f.do(t, request{method: http.MethodPost, path: "/api/rooms/" + room.ID + "/join", token: f.token(t, ""), body: models.JoinRoomRequest{Password: password}})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// a legitimate peer elsewhere is unaffected, and its successes are free
	for i := 0; i < 3; i++ {
		w = f.do(t, request{method: http.MethodPatch, path: "/api/rooms/" + room.ID, token: token, password: password, remoteAddr: "198.51.100.7:4000", body: models.RoomUpdate{}})
		require.Equal(t, http.StatusOK, w.Code)
	}
	stored, err := f.reg.GetRoom(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoomStatusWaiting, stored.Status)
}

func TestUpdateRoom(t *testing.T) {
	f := newFixture(t, 100)
	token := f.token(t, "bob")
	room := createRoom(t, f, f.token(t, "alice"))
	path := "/api/rooms/" + room.ID

	offer := models.RoomUpdate{Status: models.RoomStatusNegotiating, Callee: "bob", Offer: "v=0 offer", ExpectStatus: models.RoomStatusWaiting}

	w := f.do(t, request{method: http.MethodPatch, path: path, token: token, body: offer})
	assert.Equal(t, http.StatusNotFound, w.Code, "password required")

	w = f.do(t, request{method: http.MethodPatch, path: path, token: token, password: password, body: models.RoomUpdate{Status: "dialing"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, request{method: http.MethodPatch, path: path, token: token, password: password, body: offer})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[models.Room](t, w)
	assert.Equal(t, models.RoomStatusNegotiating, updated.Status)
	assert.Equal(t, "v=0 offer", updated.Offer)
	assert.Empty(t, updated.Password)

	// a retry of the same update is a no-op success
	w = f.do(t, request{method: http.MethodPatch, path: path, token: token, password: password, body: offer})
	assert.Equal(t, http.StatusOK, w.Code)

	// a second joiner loses the compare-and-swap
	loser := models.RoomUpdate{Status: models.RoomStatusNegotiating, Callee: "eve", Offer: "v=0 other", ExpectStatus: models.RoomStatusWaiting}
	w = f.do(t, request{method: http.MethodPatch, path: path, token: token, password: password, body: loser})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, models.CodeStatusConflict, decode[map[string]string](t, w)["code"])

	w = f.do(t, request{method: http.MethodPatch, path: path, token: token, password: password, body: models.RoomUpdate{Status: models.RoomStatusWaiting}})
	assert.Equal(t, http.StatusConflict, w.Code, "status never moves backwards")

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RoomUpdates.WithLabelValues(string(models.RoomStatusNegotiating))))
}

func TestAppendCandidate(t *testing.T) {
	f := newFixture(t, 100)
	token := f.token(t, "bob")
	room := createRoom(t, f, f.token(t, "alice"))
	path := "/api/rooms/" + room.ID + "/candidates"
	body := models.AppendCandidateRequest{Sender: "party-1", Candidate: `{"candidate":"candidate:1"}`}

	w := f.do(t, request{method: http.MethodPost, path: path, token: token, password: "wrong", body: body})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, request{method: http.MethodPost, path: path, token: token, password: password, body: models.AppendCandidateRequest{Sender: "party-1"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, request{method: http.MethodPost, path: path, token: token, password: password, body: body})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	cand := decode[models.Candidate](t, w)
	assert.Equal(t, room.ID, cand.RoomID)
	assert.Equal(t, "party-1", cand.Sender)
	assert.NotEmpty(t, cand.ID)

	stored, err := f.relay.ListCandidates(context.Background(), room.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, body.Candidate, stored[0].Payload)
}

func TestOriginFilter(t *testing.T) {
	f := newFixture(t, 100)

	req := httptest.NewRequest(http.MethodOptions, "/api/rooms", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), models.RoomPasswordHeader)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestFeed(t *testing.T) {
	f := newFixture(t, 100)
	token := f.token(t, "bob")
	room := createRoom(t, f, f.token(t, "alice"))
	_, err := f.relay.AppendCandidate(context.Background(), room.ID, "alice-party", "candidate:early")
	require.NoError(t, err)

	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms/" + room.ID

	_, resp, err := websocket.DefaultDialer.Dial(base+"?password=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"?password="+password, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// replay: current record, then relayed candidates
	ev := readEvent(t, conn)
	require.Equal(t, models.SignalTypeRoom, ev.Type)
	assert.Equal(t, models.RoomStatusWaiting, ev.Room.Status)
	assert.Empty(t, ev.Room.Password)
	ev = readEvent(t, conn)
	require.Equal(t, models.SignalTypeCandidate, ev.Type)
	assert.Equal(t, "candidate:early", ev.Candidate.Payload)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.Subscribers) == 1
	}, time.Second, 10*time.Millisecond)

	// live
	w := f.do(t, request{
		method: http.MethodPatch, path: "/api/rooms/" + room.ID, token: token, password: password,
		body: models.RoomUpdate{Status: models.RoomStatusNegotiating, Callee: "bob", Offer: "v=0 offer", ExpectStatus: models.RoomStatusWaiting},
	})
	require.Equal(t, http.StatusOK, w.Code)
	ev = readEvent(t, conn)
	require.Equal(t, models.SignalTypeRoom, ev.Type)
	assert.Equal(t, "v=0 offer", ev.Room.Offer)
	assert.Equal(t, "bob", ev.Room.Callee)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.Subscribers) == 0
	}, 3*time.Second, 10*time.Millisecond)
}
