// Package quality turns per-participant network samples into a target quality
// tier. Downgrades are immediate on sustained bad conditions; upgrades wait
// out a debounce so the tier does not oscillate with the network.
package quality

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quorumchat/calls/internal/domain"
)

type Config struct {
	Window          int
	DowngradeLoss   float64
	DowngradeRTT    time.Duration
	UpgradeDebounce time.Duration
}

type participantQuality struct {
	samples   []domain.QualitySample
	tier      domain.QualityTier
	goodSince time.Time
}

type Controller struct {
	mu    sync.Mutex
	cfg   Config
	now   func() time.Time
	parts map[domain.ParticipantID]*participantQuality
	lg    zerolog.Logger

	// onChange fires outside the lock whenever a participant's tier moves.
	onChange func(domain.ParticipantID, domain.QualityTier)
}

func New(cfg Config, onChange func(domain.ParticipantID, domain.QualityTier)) *Controller {
	if cfg.Window <= 0 {
		cfg.Window = 5
	}
	return &Controller{
		cfg:      cfg,
		now:      time.Now,
		parts:    make(map[domain.ParticipantID]*participantQuality),
		lg:       log.With().Str("module", "quality").Logger(),
		onChange: onChange,
	}
}

// Observe records one sample and re-evaluates the participant's tier.
func (c *Controller) Observe(pid domain.ParticipantID, s domain.QualitySample) {
	c.mu.Lock()
	pq, ok := c.parts[pid]
	if !ok {
		pq = &participantQuality{tier: domain.TierHigh}
		c.parts[pid] = pq
	}
	pq.samples = append(pq.samples, s)
	if len(pq.samples) > c.cfg.Window {
		pq.samples = pq.samples[len(pq.samples)-c.cfg.Window:]
	}

	changed := false
	if c.degradedLocked(pq) {
		pq.goodSince = time.Time{}
		if pq.tier > domain.TierAudioOnly {
			pq.tier--
			changed = true
		}
	} else {
		now := c.now()
		switch {
		case pq.goodSince.IsZero():
			pq.goodSince = now
		case now.Sub(pq.goodSince) >= c.cfg.UpgradeDebounce && pq.tier < domain.TierHigh:
			pq.tier++
			pq.goodSince = now
			changed = true
		}
	}
	tier := pq.tier
	c.mu.Unlock()

	if changed {
		c.lg.Info().Str("participant", string(pid)).Str("tier", tier.String()).Msg("quality tier changed")
		if c.onChange != nil {
			c.onChange(pid, tier)
		}
	}
}

// degradedLocked reports whether the rolling window shows sustained bad
// conditions. A partial window never triggers a downgrade.
func (c *Controller) degradedLocked(pq *participantQuality) bool {
	if len(pq.samples) < c.cfg.Window {
		return false
	}
	var loss float64
	var rtt time.Duration
	for _, s := range pq.samples {
		loss += s.LossFraction
		rtt += s.RTT
	}
	n := len(pq.samples)
	loss /= float64(n)
	rtt /= time.Duration(n)
	if loss > c.cfg.DowngradeLoss {
		return true
	}
	return c.cfg.DowngradeRTT > 0 && rtt > c.cfg.DowngradeRTT
}

// Tier returns the current target tier; unknown participants start at high.
func (c *Controller) Tier(pid domain.ParticipantID) domain.QualityTier {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pq, ok := c.parts[pid]; ok {
		return pq.tier
	}
	return domain.TierHigh
}

// Forget drops all state for a participant after it leaves its call.
func (c *Controller) Forget(pid domain.ParticipantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.parts, pid)
}
