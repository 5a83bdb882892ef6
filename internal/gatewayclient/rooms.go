package gatewayclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/callrelay/internal/models"
	"github.com/mossy-p/callrelay/internal/signaling"
)

// CreateRoom registers room and fills in what the gateway assigned.
func (c *Client) CreateRoom(ctx context.Context, room *models.Room) error {
	req := models.CreateRoomRequest{ID: room.ID, Kind: room.Kind, Password: room.Password}
	var created models.Room
	if err := c.do(ctx, http.MethodPost, "/api/rooms", "", req, &created); err != nil {
		return err
	}
	c.remember(created.ID, room.Password)

	created.Password = room.Password
	*room = created
	return nil
}

func (c *Client) FindWaitingRoom(ctx context.Context, id, password string) (*models.Room, error) {
	if err := models.ValidateRoomID(id); err != nil {
		return nil, err
	}
	var room models.Room
	if err := c.do(ctx, http.MethodPost, "/api/rooms/"+id+"/join", "", models.JoinRoomRequest{Password: password}, &room); err != nil {
		return nil, err
	}
	c.remember(id, password)
	return &room, nil
}

func (c *Client) UpdateRoom(ctx context.Context, id string, upd models.RoomUpdate) (*models.Room, error) {
	if err := models.ValidateRoomID(id); err != nil {
		return nil, err
	}
	pw, err := c.password(id)
	if err != nil {
		return nil, err
	}
	var room models.Room
	if err := c.do(ctx, http.MethodPatch, "/api/rooms/"+id, pw, upd, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *Client) AppendCandidate(ctx context.Context, roomID, sender, payload string) (*models.Candidate, error) {
	if err := models.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	pw, err := c.password(roomID)
	if err != nil {
		return nil, err
	}
	var cand models.Candidate
	req := models.AppendCandidateRequest{Sender: sender, Candidate: payload}
	if err := c.do(ctx, http.MethodPost, "/api/rooms/"+roomID+"/candidates", pw, req, &cand); err != nil {
		return nil, err
	}
	return &cand, nil
}

// Subscribe opens the room's realtime feed. The room must have been created
// or joined through this client.
func (c *Client) Subscribe(ctx context.Context, roomID string) (*signaling.Subscription, error) {
	if err := models.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	pw, err := c.password(roomID)
	if err != nil {
		return nil, err
	}
	u, err := c.wsURL("/ws/rooms/"+roomID, url.Values{"password": {pw}})
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			defer resp.Body.Close()
			return nil, readError(resp)
		}
		return nil, err
	}

	log := c.log.With().Str("room", roomID).Logger()
	var closed atomic.Bool
	pump := func(emit func(models.Event) bool) error {
		for {
			var ev models.Event
			if err := conn.ReadJSON(&ev); err != nil {
				if closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return nil
				}
				return err
			}
			if ev.Type == models.SignalTypeError {
				return errors.New(ev.Error)
			}
			if ev.RoomID != roomID {
				continue
			}
			if !emit(ev) {
				return nil
			}
		}
	}
	closeFn := func() error {
		closed.Store(true)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return conn.Close()
	}

	log.Debug().Msg("subscribed")
	return signaling.Start(roomID, pump, closeFn), nil
}
