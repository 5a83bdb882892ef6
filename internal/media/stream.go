package media

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mossy-p/callrelay/internal/models"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var errTrackStopped = errors.New("track stopped")

// Track is one local media track. A disabled track stays negotiated but
// drops every sample written to it.
type Track struct {
	local   *webrtc.TrackLocalStaticSample
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
	stopped atomic.Bool
}

func newTrack(kind webrtc.RTPCodecType, streamID string) (*Track, error) {
	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind.String(), streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{local: local, kind: kind}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) Local() webrtc.TrackLocal  { return t.local }
func (t *Track) Enabled() bool             { return t.enabled.Load() }
func (t *Track) Stopped() bool             { return t.stopped.Load() }

// SetEnabled has no effect once the track is stopped.
func (t *Track) SetEnabled(on bool) {
	if t.stopped.Load() {
		return
	}
	t.enabled.Store(on)
}

// Stop releases the track. Further writes fail.
func (t *Track) Stop() {
	t.stopped.Store(true)
	t.enabled.Store(false)
}

// WriteSample forwards one encoded sample to the peer while the track is enabled.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	if t.stopped.Load() {
		return errTrackStopped
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(s)
}

// LocalStream groups the tracks captured for one call.
type LocalStream struct {
	id     string
	tracks []*Track
}

func (s *LocalStream) ID() string       { return s.id }
func (s *LocalStream) Tracks() []*Track { return s.tracks }

// Kind returns the tracks of one kind.
func (s *LocalStream) Kind(kind webrtc.RTPCodecType) []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Toggle flips the enabled flag of every track of kind and returns how many
// tracks it touched.
func (s *LocalStream) Toggle(kind webrtc.RTPCodecType) int {
	tracks := s.Kind(kind)
	for _, t := range tracks {
		t.SetEnabled(!t.Enabled())
	}
	return len(tracks)
}

// Stop releases every track. Safe to call more than once.
func (s *LocalStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// Constraints selects the tracks to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// ConstraintsFor maps a call kind to its tracks: video calls carry audio and
// video, voice calls audio only.
func ConstraintsFor(kind models.CallKind) Constraints {
	return Constraints{Audio: true, Video: kind == models.CallKindVideo}
}

// Permission decides whether a capture device of the given kind may be opened.
type Permission func(ctx context.Context, kind webrtc.RTPCodecType) error

// AllowAll grants every capture request.
func AllowAll(context.Context, webrtc.RTPCodecType) error { return nil }

// Devices hands out local streams.
type Devices struct {
	permit Permission
}

// NewDevices returns capture devices guarded by permit. A nil permit allows all.
func NewDevices(permit Permission) *Devices {
	if permit == nil {
		permit = AllowAll
	}
	return &Devices{permit: permit}
}

// Acquire opens the tracks c asks for. Any refusal releases what was opened
// and reports ErrMediaAccessDenied.
func (d *Devices) Acquire(ctx context.Context, c Constraints) (*LocalStream, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no tracks requested", models.ErrMediaAccessDenied)
	}
	stream := &LocalStream{id: uuid.NewString()}

	var kinds []webrtc.RTPCodecType
	if c.Audio {
		kinds = append(kinds, webrtc.RTPCodecTypeAudio)
	}
	if c.Video {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			stream.Stop()
			return nil, err
		}
		if err := d.permit(ctx, kind); err != nil {
			stream.Stop()
			return nil, fmt.Errorf("%w: %s: %w", models.ErrMediaAccessDenied, kind, err)
		}
		t, err := newTrack(kind, stream.id)
		if err != nil {
			stream.Stop()
			return nil, fmt.Errorf("%w: %s: %w", models.ErrMediaAccessDenied, kind, err)
		}
		stream.tracks = append(stream.tracks, t)
	}
	return stream, nil
}
