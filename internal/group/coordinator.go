// Package group wires participants of a group call to the SFU: one publish
// link per joined participant, one subscription per (subscriber, publisher)
// pair. Subscription wiring is eventually consistent with membership; only
// publish bookkeeping is synchronous.
package group

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quorumchat/calls/internal/domain"
	"github.com/quorumchat/calls/internal/sfu"
)

type Config struct {
	SubscribeRetries int
	RetryBackoff     time.Duration
	// ConvergenceBudget bounds how long a pending subscription may keep
	// retrying before it is abandoned. Zero means no deadline.
	ConvergenceBudget time.Duration
}

// Hooks report coordinator outcomes back to the call layer. Invoked from
// coordinator goroutines.
type Hooks struct {
	OnPublishFailed     func(domain.ParticipantID, error)
	OnAudioOnlyFallback func(domain.ParticipantID)
}

type Coordinator struct {
	callID domain.CallID
	ctrl   sfu.Control
	cfg    Config
	hooks  Hooks
	lg     zerolog.Logger

	mu        sync.Mutex
	closed    bool
	publishes map[domain.ParticipantID]sfu.PublishID
	subs      map[domain.ParticipantID]map[sfu.PublishID]sfu.SubscribeID

	wg sync.WaitGroup
}

func NewCoordinator(callID domain.CallID, ctrl sfu.Control, cfg Config, hooks Hooks) *Coordinator {
	if cfg.SubscribeRetries <= 0 {
		cfg.SubscribeRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return &Coordinator{
		callID:    callID,
		ctrl:      ctrl,
		cfg:       cfg,
		hooks:     hooks,
		lg:        log.With().Str("module", "group").Str("call", string(callID)).Logger(),
		publishes: make(map[domain.ParticipantID]sfu.PublishID),
		subs:      make(map[domain.ParticipantID]map[sfu.PublishID]sfu.SubscribeID),
	}
}

// OnJoin publishes the participant's tracks and fans subscriptions out in
// both directions. The publish is synchronous; a failure fails only this
// participant. Subscriptions converge in the background.
func (c *Coordinator) OnJoin(ctx context.Context, pid domain.ParticipantID, tracks []sfu.TrackHandle) error {
	pub, err := c.ctrl.CreatePublish(ctx, pid, tracks)
	if err != nil {
		c.lg.Error().Err(err).Str("participant", string(pid)).Msg("publish failed")
		if c.hooks.OnPublishFailed != nil {
			c.hooks.OnPublishFailed(pid, err)
		}
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = c.ctrl.Close(ctx, string(pub))
		return nil
	}
	c.publishes[pid] = pub
	type pair struct {
		subscriber domain.ParticipantID
		pub        sfu.PublishID
	}
	var fanout []pair
	for other, otherPub := range c.publishes {
		if other == pid {
			continue
		}
		fanout = append(fanout, pair{subscriber: pid, pub: otherPub})
		fanout = append(fanout, pair{subscriber: other, pub: pub})
	}
	c.mu.Unlock()

	c.lg.Info().Str("participant", string(pid)).Str("publish", string(pub)).Int("fanout", len(fanout)).Msg("participant published")
	for _, f := range fanout {
		c.wg.Add(1)
		go func(subscriber domain.ParticipantID, pub sfu.PublishID) {
			sctx := ctx
			if c.cfg.ConvergenceBudget > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(ctx, c.cfg.ConvergenceBudget)
				defer cancel()
			}
			c.subscribeWithRetry(sctx, subscriber, pub)
		}(f.subscriber, f.pub)
	}
	return nil
}

func (c *Coordinator) subscribeWithRetry(ctx context.Context, subscriber domain.ParticipantID, pub sfu.PublishID) {
	defer c.wg.Done()

	backoff := c.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		if !c.pairCurrent(subscriber, pub) {
			return
		}
		sub, err := c.ctrl.CreateSubscribe(ctx, subscriber, pub)
		if err == nil {
			c.recordSubscription(ctx, subscriber, pub, sub)
			return
		}
		c.lg.Warn().Err(err).Str("subscriber", string(subscriber)).Str("publish", string(pub)).Int("attempt", attempt).Msg("subscribe failed")
		if attempt >= c.cfg.SubscribeRetries {
			if c.hooks.OnAudioOnlyFallback != nil {
				c.hooks.OnAudioOnlyFallback(subscriber)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// pairCurrent checks that both ends of a pending subscription still belong
// to the call. Joins and leaves race with the fan-out goroutines; stale pairs
// are simply abandoned.
func (c *Coordinator) pairCurrent(subscriber domain.ParticipantID, pub sfu.PublishID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.publishes[subscriber]; !ok {
		return false
	}
	for _, p := range c.publishes {
		if p == pub {
			return true
		}
	}
	return false
}

func (c *Coordinator) recordSubscription(ctx context.Context, subscriber domain.ParticipantID, pub sfu.PublishID, sub sfu.SubscribeID) {
	c.mu.Lock()
	if c.closed || !c.pairCurrentLocked(subscriber, pub) {
		c.mu.Unlock()
		_ = c.ctrl.Close(ctx, string(sub))
		return
	}
	m, ok := c.subs[subscriber]
	if !ok {
		m = make(map[sfu.PublishID]sfu.SubscribeID)
		c.subs[subscriber] = m
	}
	m[pub] = sub
	c.mu.Unlock()
}

func (c *Coordinator) pairCurrentLocked(subscriber domain.ParticipantID, pub sfu.PublishID) bool {
	if _, ok := c.publishes[subscriber]; !ok {
		return false
	}
	for _, p := range c.publishes {
		if p == pub {
			return true
		}
	}
	return false
}

// OnLeave tears down the participant's publish and every subscription it is
// part of, in either direction.
func (c *Coordinator) OnLeave(ctx context.Context, pid domain.ParticipantID) {
	c.mu.Lock()
	pub, had := c.publishes[pid]
	delete(c.publishes, pid)

	var toClose []string
	if m, ok := c.subs[pid]; ok {
		for _, sub := range m {
			toClose = append(toClose, string(sub))
		}
		delete(c.subs, pid)
	}
	if had {
		for other, m := range c.subs {
			if sub, ok := m[pub]; ok {
				toClose = append(toClose, string(sub))
				delete(m, pub)
			}
			if len(m) == 0 {
				delete(c.subs, other)
			}
		}
	}
	c.mu.Unlock()

	for _, id := range toClose {
		_ = c.ctrl.Close(ctx, id)
	}
	if had {
		_ = c.ctrl.Close(ctx, string(pub))
	}
	c.lg.Info().Str("participant", string(pid)).Int("closed_subs", len(toClose)).Msg("participant unwired")
}

// SetSubscriberLayer applies a simulcast layer to every subscription the
// participant consumes. Driven by the quality controller's per-subscriber
// recommendation.
func (c *Coordinator) SetSubscriberLayer(ctx context.Context, subscriber domain.ParticipantID, layer sfu.SimulcastLayer) {
	c.mu.Lock()
	var subs []sfu.SubscribeID
	for _, sub := range c.subs[subscriber] {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if err := c.ctrl.SetSimulcastLayer(ctx, sub, layer); err != nil {
			c.lg.Warn().Err(err).Str("subscriber", string(subscriber)).Msg("set layer failed")
		}
	}
}

// SetPublisherPaused pauses or resumes the forwarding of a participant's
// publish without tearing the links down. Driven by audio mute; a muted
// publisher keeps its mesh wiring and resumes instantly.
func (c *Coordinator) SetPublisherPaused(ctx context.Context, pid domain.ParticipantID, paused bool) {
	c.mu.Lock()
	pub, ok := c.publishes[pid]
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.ctrl.PausePublish(ctx, pub, paused); err != nil {
		c.lg.Warn().Err(err).Str("participant", string(pid)).Msg("pause publish failed")
	}
}

// Teardown closes everything and stops accepting work. Blocks until pending
// fan-out goroutines finish.
func (c *Coordinator) Teardown(ctx context.Context) {
	c.mu.Lock()
	c.closed = true
	var ids []string
	for _, m := range c.subs {
		for _, sub := range m {
			ids = append(ids, string(sub))
		}
	}
	for _, pub := range c.publishes {
		ids = append(ids, string(pub))
	}
	c.subs = make(map[domain.ParticipantID]map[sfu.PublishID]sfu.SubscribeID)
	c.publishes = make(map[domain.ParticipantID]sfu.PublishID)
	c.mu.Unlock()

	for _, id := range ids {
		_ = c.ctrl.Close(ctx, id)
	}
	c.wg.Wait()
}

func (c *Coordinator) PublishCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.publishes)
}

// LayerForTier maps a target quality tier to the simulcast layer the SFU
// should forward. Audio-only rides the low layer; muting video is the
// transport's job, not the forwarder's.
func LayerForTier(t domain.QualityTier) sfu.SimulcastLayer {
	switch t {
	case domain.TierHigh:
		return sfu.LayerHigh
	case domain.TierMedium:
		return sfu.LayerMedium
	}
	return sfu.LayerLow
}

func (c *Coordinator) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.subs {
		n += len(m)
	}
	return n
}
