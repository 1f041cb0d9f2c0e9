package app

import (
	"context"

	"github.com/google/uuid"

	"github.com/quorumchat/calls/internal/domain"
	"github.com/quorumchat/calls/internal/sfu"
)

// StaticCapture hands out synthetic track handles. Real deployments replace
// this with a capture pipeline that owns actual RTP sources; the orchestrator
// only ever deals in handles either way.
type StaticCapture struct{}

func NewStaticCapture() *StaticCapture { return &StaticCapture{} }

func (StaticCapture) RequestTracks(_ context.Context, pid domain.ParticipantID, audio, video, screen bool) ([]sfu.TrackHandle, error) {
	stream := string(pid)
	var tracks []sfu.TrackHandle
	if audio {
		tracks = append(tracks, sfu.TrackHandle{ID: uuid.NewString(), StreamID: stream, Kind: sfu.TrackAudio})
	}
	if video {
		tracks = append(tracks, sfu.TrackHandle{ID: uuid.NewString(), StreamID: stream, Kind: sfu.TrackVideo})
	}
	if screen {
		tracks = append(tracks, sfu.TrackHandle{ID: uuid.NewString(), StreamID: stream, Kind: sfu.TrackScreen})
	}
	return tracks, nil
}
