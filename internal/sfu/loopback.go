package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/quorumchat/calls/internal/domain"
)

var errUnknownID = errors.New("unknown id")

// Loopback is an in-process Control implementation. It lets the server run
// standalone without an external forwarding unit and gives tests a real
// publish/subscribe substrate.
type Loopback struct {
	mu     sync.RWMutex
	relays map[PublishID]*relay
	subs   map[SubscribeID]PublishID
}

func NewLoopback() *Loopback {
	return &Loopback{
		relays: make(map[PublishID]*relay),
		subs:   make(map[SubscribeID]PublishID),
	}
}

func (l *Loopback) CreatePublish(ctx context.Context, pid domain.ParticipantID, tracks []TrackHandle) (PublishID, error) {
	if len(tracks) == 0 {
		return "", &ControlError{Op: "publish", ID: string(pid), Err: errors.New("no tracks")}
	}
	id := PublishID(uuid.NewString())
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := newRelay(rctx, cancel, id, pid, tracks)

	l.mu.Lock()
	l.relays[id] = r
	l.mu.Unlock()

	log.Info().Str("module", "sfu.loopback").Str("participant", string(pid)).Str("publish", string(id)).Int("tracks", len(tracks)).Msg("publish created")
	return id, nil
}

// AttachSource binds a live remote track to a publish and starts forwarding.
// Optional: control-plane bookkeeping works without media attached.
func (l *Loopback) AttachSource(pub PublishID, src RTPSource) error {
	l.mu.RLock()
	r, ok := l.relays[pub]
	l.mu.RUnlock()
	if !ok {
		return &ControlError{Op: "attach", ID: string(pub), Err: errUnknownID}
	}
	logger := log.With().Str("module", "sfu.loopback").Str("publish", string(pub)).Logger()
	go r.loop(r.ctx, src, &logger)
	return nil
}

func (l *Loopback) CreateSubscribe(ctx context.Context, subscriber domain.ParticipantID, pub PublishID) (SubscribeID, error) {
	l.mu.RLock()
	r, ok := l.relays[pub]
	l.mu.RUnlock()
	if !ok {
		return "", &ControlError{Op: "subscribe", ID: string(pub), Err: errUnknownID}
	}

	id := SubscribeID(uuid.NewString())
	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		fmt.Sprintf("%s-%s", pub, subscriber),
		string(subscriber),
	)
	if err != nil {
		return "", &ControlError{Op: "subscribe", ID: string(pub), Err: err}
	}
	r.addOut(id, newOutTrack(local))

	l.mu.Lock()
	l.subs[id] = pub
	l.mu.Unlock()
	return id, nil
}

// Close tears down a publish (and its forwarding legs) or a single
// subscription, whichever the id names.
func (l *Loopback) Close(ctx context.Context, id string) error {
	l.mu.Lock()
	if r, ok := l.relays[PublishID(id)]; ok {
		delete(l.relays, PublishID(id))
		for sub, pub := range l.subs {
			if pub == r.id {
				delete(l.subs, sub)
			}
		}
		l.mu.Unlock()
		r.markAllDelete()
		r.cancel()
		return nil
	}
	if pub, ok := l.subs[SubscribeID(id)]; ok {
		delete(l.subs, SubscribeID(id))
		r := l.relays[pub]
		l.mu.Unlock()
		if r != nil {
			r.dropOut(SubscribeID(id))
		}
		return nil
	}
	l.mu.Unlock()
	return &ControlError{Op: "close", ID: id, Err: errUnknownID}
}

// PausePublish pauses or resumes every forwarding leg of a publish. Paused
// legs stay subscribed; packets just stop flowing to them.
func (l *Loopback) PausePublish(ctx context.Context, pub PublishID, paused bool) error {
	l.mu.RLock()
	r, ok := l.relays[pub]
	l.mu.RUnlock()
	if !ok {
		return &ControlError{Op: "pause", ID: string(pub), Err: errUnknownID}
	}
	r.setPausedAll(paused)
	return nil
}

func (l *Loopback) SetSimulcastLayer(ctx context.Context, sub SubscribeID, layer SimulcastLayer) error {
	l.mu.RLock()
	pub, ok := l.subs[sub]
	r := l.relays[pub]
	l.mu.RUnlock()
	if !ok || r == nil {
		return &ControlError{Op: "set-layer", ID: string(sub), Err: errUnknownID}
	}
	r.mu.RLock()
	ot, ok := r.outs[sub]
	r.mu.RUnlock()
	if !ok {
		return &ControlError{Op: "set-layer", ID: string(sub), Err: errUnknownID}
	}
	ot.setLayer(layer)
	return nil
}

// PublishCount and SubscriptionCount expose convergence counters.
func (l *Loopback) PublishCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.relays)
}

func (l *Loopback) SubscriptionCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

// PausedCount counts forwarding legs currently paused, across every relay.
func (l *Loopback) PausedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, r := range l.relays {
		r.mu.RLock()
		for _, ot := range r.outs {
			if ot.getState() == outStatePaused {
				n++
			}
		}
		r.mu.RUnlock()
	}
	return n
}

// Layer reports the current simulcast layer of a subscription.
func (l *Loopback) Layer(sub SubscribeID) (SimulcastLayer, bool) {
	l.mu.RLock()
	pub, ok := l.subs[sub]
	r := l.relays[pub]
	l.mu.RUnlock()
	if !ok || r == nil {
		return LayerLow, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ot, ok := r.outs[sub]; ok {
		return ot.getLayer(), true
	}
	return LayerLow, false
}
