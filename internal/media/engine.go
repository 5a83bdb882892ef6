// Package media builds pion peer connections and the local tracks they carry.
package media

import (
	"fmt"
	"time"

	"github.com/mossy-p/callrelay/config"
	"github.com/mossy-p/callrelay/internal/negotiator"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// ICE timeouts. Short outages on relay paths recover before failed is reported.
const (
	iceDisconnectedTimeout = 10 * time.Second
	iceFailedTimeout       = 30 * time.Second
	iceKeepaliveInterval   = 2 * time.Second
)

// Peer is a peer connection the negotiator can drive, plus the callbacks a
// call subscribes to.
type Peer interface {
	negotiator.PeerConnection
	OnLocalCandidate(fn func(webrtc.ICECandidateInit))
	OnStateChange(fn func(webrtc.PeerConnectionState))
	OnRemoteTrack(fn func(*webrtc.TrackRemote))
}

// NewAPI returns a pion API with the default codecs and interceptors.
func NewAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// Engine creates peers that share one API and ICE configuration.
type Engine struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    zerolog.Logger
}

type EngineOption func(*Engine)

func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

func NewEngine(cfg config.CallConfig, opts ...EngineOption) (*Engine, error) {
	api, err := NewAPI()
	if err != nil {
		return nil, err
	}
	e := &Engine{api: api, log: zerolog.Nop()}
	if len(cfg.ICEServers) > 0 {
		e.config.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewPeer opens a peer connection sending the tracks of stream. A nil or
// empty stream yields a receive-only peer.
func (e *Engine) NewPeer(stream *LocalStream) (Peer, error) {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	if stream == nil || len(stream.Tracks()) == 0 {
		if err := addRecvOnlyTransceivers(pc); err != nil {
			_ = pc.Close()
			return nil, err
		}
		return &pionPeer{PeerConnection: pc}, nil
	}

	for _, t := range stream.Tracks() {
		sender, err := pc.AddTrack(t.Local())
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go drainRTCP(sender)
	}
	e.log.Debug().Str("stream", stream.ID()).Int("tracks", len(stream.Tracks())).Msg("peer created")
	return &pionPeer{PeerConnection: pc}, nil
}

// drainRTCP reads RTCP so the interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

type pionPeer struct {
	*webrtc.PeerConnection
}

func (p *pionPeer) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	p.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.OnConnectionStateChange(fn)
}

func (p *pionPeer) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	p.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(t)
	})
}
