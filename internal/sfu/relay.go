package sfu

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/quorumchat/calls/internal/domain"
)

// RTPSource is the read side of a published media track. Satisfied by
// *webrtc.TrackRemote.
type RTPSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// rtpWriter is the write side of one forwarding leg. Satisfied by
// *webrtc.TrackLocalStaticRTP.
type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
}

type outState int32

const (
	outStateOk outState = iota
	outStatePaused
	outStateDelete
)

// outTrack is one forwarding leg to a subscriber.
type outTrack struct {
	track rtpWriter
	state atomic.Int32
	layer atomic.Int32
}

func newOutTrack(track rtpWriter) *outTrack {
	ot := &outTrack{track: track}
	ot.layer.Store(int32(LayerHigh))
	return ot
}

func (ot *outTrack) getState() outState        { return outState(ot.state.Load()) }
func (ot *outTrack) markDelete()               { ot.state.Store(int32(outStateDelete)) }
func (ot *outTrack) setLayer(l SimulcastLayer) { ot.layer.Store(int32(l)) }
func (ot *outTrack) getLayer() SimulcastLayer  { return SimulcastLayer(ot.layer.Load()) }

// setPaused flips between ok and paused. A leg already marked for delete
// stays deleted.
func (ot *outTrack) setPaused(paused bool) {
	if paused {
		ot.state.CompareAndSwap(int32(outStateOk), int32(outStatePaused))
		return
	}
	ot.state.CompareAndSwap(int32(outStatePaused), int32(outStateOk))
}

// relay fans one publisher's packets out to its subscribers.
type relay struct {
	id     PublishID
	owner  domain.ParticipantID
	tracks []TrackHandle

	mu   sync.RWMutex
	outs map[SubscribeID]*outTrack

	ctx    context.Context
	cancel context.CancelFunc
}

func newRelay(ctx context.Context, cancel context.CancelFunc, id PublishID, owner domain.ParticipantID, tracks []TrackHandle) *relay {
	return &relay{
		id:     id,
		owner:  owner,
		tracks: tracks,
		outs:   make(map[SubscribeID]*outTrack),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *relay) addOut(sub SubscribeID, ot *outTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs[sub] = ot
}

func (r *relay) dropOut(sub SubscribeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ot, ok := r.outs[sub]; ok {
		ot.markDelete()
		delete(r.outs, sub)
	}
}

func (r *relay) outCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outs)
}

// setPausedAll pauses or resumes every leg of this relay.
func (r *relay) setPausedAll(paused bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ot := range r.outs {
		ot.setPaused(paused)
	}
}

// loop reads packets from an attached source track and forwards them until
// the context ends or the source dries up.
func (r *relay) loop(ctx context.Context, src RTPSource, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("relay read RTP error, stopping")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	snapshot := make(map[SubscribeID]*outTrack, len(r.outs))
	r.mu.RLock()
	maps.Copy(snapshot, r.outs)
	r.mu.RUnlock()

	dirty := make([]SubscribeID, 0, len(snapshot))
	for sub, ot := range snapshot {
		switch ot.getState() {
		case outStateDelete:
			dirty = append(dirty, sub)
		case outStatePaused:
		case outStateOk:
			if err := ot.track.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("sub", string(sub)).Msg("relay write RTP error, dropping out track")
				ot.markDelete()
				dirty = append(dirty, sub)
			}
		}
	}

	// Cleanup runs outside the read lock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *relay) cleanupDeleted(dirty []SubscribeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range dirty {
		delete(r.outs, sub)
	}
}

func (r *relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outs {
		ot.markDelete()
	}
}
