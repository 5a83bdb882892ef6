package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mossy-p/callrelay/config"
	"github.com/mossy-p/callrelay/internal/call"
	"github.com/mossy-p/callrelay/internal/gatewayclient"
	"github.com/mossy-p/callrelay/internal/media"
	"github.com/mossy-p/callrelay/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type session struct {
	ctl *call.Controller
	c   *call.Call
}

func (s *session) create(ctx context.Context, kind models.CallKind, password string) (err error) {
	s.c, err = s.ctl.Create(ctx, kind, password)
	if err == nil {
		fmt.Printf("Room %s created. Share the id and password with the other party.\n", s.c.RoomID())
	}
	return err
}

func (s *session) join(ctx context.Context, roomID, password string) (err error) {
	s.c, err = s.ctl.Join(ctx, roomID, password)
	return err
}

// runCall sets up a session, runs start and drives the call. An interrupt
// cancels ctx at any point, including while the room is being set up.
func runCall(ctx context.Context, start func(context.Context, *session) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	s, err := newSession(cfg.Call, gatewayURL, name)
	if err != nil {
		return err
	}
	if err := start(ctx, s); err != nil {
		fmt.Println(call.StatusMessage(err))
		return err
	}
	return s.drive(ctx, os.Stdin)
}

func newSession(cfg config.CallConfig, gateway, displayName string) (*session, error) {
	engine, err := media.NewEngine(cfg, media.WithLogger(log.Logger))
	if err != nil {
		return nil, err
	}

	opts := []gatewayclient.Option{gatewayclient.WithLogger(log.Logger)}
	if displayName != "" {
		opts = append(opts, gatewayclient.WithName(displayName))
	}
	gw := gatewayclient.New(gateway, opts...)

	return &session{
		ctl: call.NewController(call.Deps{
			Registry: gw,
			Relay:    gw,
			Channel:  gw,
			Devices:  media.NewDevices(media.AllowAll),
			Peers:    engine,
			Identity: gw,
		},
			call.WithLogger(log.Logger),
			call.WithNegotiationTimeout(cfg.NegotiationTimeout),
			call.WithRemoteTrackHandler(drainRemote),
		),
	}, nil
}

// drive prints status updates and applies stdin commands until the call ends.
func (s *session) drive(ctx context.Context, in io.Reader) error {
	commands := make(chan string)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			commands <- strings.TrimSpace(scanner.Text())
		}
	}()

	statuses := s.c.Statuses()
	for {
		select {
		case st, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			fmt.Println(st.Message)

		case cmd := <-commands:
			switch cmd {
			case "m":
				fmt.Println(onOff("Microphone", s.c.ToggleAudio()))
			case "v":
				fmt.Println(onOff("Camera", s.c.ToggleVideo()))
			case "q":
				return s.c.End()
			case "":
			default:
				fmt.Println("Commands: m (microphone), v (camera), q (hang up)")
			}

		case <-ctx.Done():
			return s.c.End()

		case <-s.c.Done():
			if statuses != nil {
				for st := range statuses {
					fmt.Println(st.Message)
				}
			}
			return s.c.Err()
		}
	}
}

func onOff(what string, on bool) string {
	if on {
		return what + " on"
	}
	return what + " off"
}

// drainRemote reads incoming media so the receive buffers keep moving.
func drainRemote(track *webrtc.TrackRemote) {
	log.Info().Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("remote track")
	go func() {
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}()
}
