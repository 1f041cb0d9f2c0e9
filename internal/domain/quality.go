package domain

import "time"

// QualitySample is one network snapshot for a participant. Immutable once
// recorded; only a short rolling window is retained for trend decisions.
type QualitySample struct {
	RTT             time.Duration
	LossFraction    float64
	BitrateEstimate int
	Jitter          time.Duration
	At              time.Time
}

type QualityTier int

const (
	TierAudioOnly QualityTier = iota
	TierLow
	TierMedium
	TierHigh
)

func (t QualityTier) String() string {
	switch t {
	case TierAudioOnly:
		return "audio-only"
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	}
	return "unknown"
}
