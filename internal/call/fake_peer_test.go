package call

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mossy-p/callrelay/internal/media"
	"github.com/pion/webrtc/v4"
)

var peerSeq atomic.Int64

// fakeNet hands out peers that report connected once both descriptions and
// one remote candidate are in place, the way a real transport would.
type fakeNet struct {
	mu       sync.Mutex
	peers    []*fakePeer
	stalled  bool
	openErr  error
	received []*media.LocalStream
}

func (n *fakeNet) NewPeer(stream *media.LocalStream) (media.Peer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.openErr != nil {
		return nil, n.openErr
	}
	p := &fakePeer{name: fmt.Sprintf("peer%d", peerSeq.Add(1)), stalled: n.stalled}
	n.peers = append(n.peers, p)
	n.received = append(n.received, stream)
	return p, nil
}

func (n *fakeNet) peer(i int) *fakePeer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[i]
}

type fakePeer struct {
	name    string
	stalled bool

	mu          sync.Mutex
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	remoteSets  int
	candidates  []webrtc.ICECandidateInit
	connected   bool
	closed      bool
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
}

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer " + p.name}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer " + p.name}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &d
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		go fn(webrtc.ICECandidateInit{Candidate: "candidate:" + p.name})
	}
	p.maybeConnect()
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = &d
	p.remoteSets++
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if p.remote == nil {
		p.mu.Unlock()
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *fakePeer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePeer) OnRemoteTrack(func(*webrtc.TrackRemote)) {}

func (p *fakePeer) maybeConnect() {
	p.mu.Lock()
	ready := !p.stalled && !p.closed && !p.connected && p.local != nil && p.remote != nil && len(p.candidates) > 0
	if ready {
		p.connected = true
	}
	fn := p.onState
	p.mu.Unlock()
	if ready && fn != nil {
		go func() {
			fn(webrtc.PeerConnectionStateConnecting)
			fn(webrtc.PeerConnectionStateConnected)
		}()
	}
}

// fail simulates the transport dropping.
func (p *fakePeer) fail() {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	go fn(webrtc.PeerConnectionStateFailed)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) appliedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}
