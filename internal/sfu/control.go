// Package sfu defines the control-plane contract with the media-forwarding
// unit. Group calls publish and subscribe through this narrow port; the
// forwarding itself stays behind it.
package sfu

import (
	"context"
	"fmt"

	"github.com/quorumchat/calls/internal/domain"
)

type (
	PublishID   string
	SubscribeID string
)

type TrackKind string

const (
	TrackAudio  TrackKind = "audio"
	TrackVideo  TrackKind = "video"
	TrackScreen TrackKind = "screen"
)

// TrackHandle is the opaque local track reference handed over by the media
// capture layer. The core never touches raw samples.
type TrackHandle struct {
	ID       string
	StreamID string
	Kind     TrackKind
}

type SimulcastLayer int

const (
	LayerLow SimulcastLayer = iota
	LayerMedium
	LayerHigh
)

func (l SimulcastLayer) String() string {
	switch l {
	case LayerLow:
		return "low"
	case LayerMedium:
		return "medium"
	case LayerHigh:
		return "high"
	}
	return "unknown"
}

// ControlError is the typed failure crossing back from the SFU. It never
// surfaces as a panic or an untyped error inside the call layer.
type ControlError struct {
	Op  string
	ID  string
	Err error
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("sfu %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *ControlError) Unwrap() error { return e.Err }

// Control is the SFU control plane.
type Control interface {
	CreatePublish(ctx context.Context, pid domain.ParticipantID, tracks []TrackHandle) (PublishID, error)
	CreateSubscribe(ctx context.Context, subscriber domain.ParticipantID, pub PublishID) (SubscribeID, error)
	Close(ctx context.Context, id string) error
	SetSimulcastLayer(ctx context.Context, sub SubscribeID, layer SimulcastLayer) error
	PausePublish(ctx context.Context, pub PublishID, paused bool) error
}
