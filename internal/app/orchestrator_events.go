package app

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/quorumchat/calls/internal/call"
	"github.com/quorumchat/calls/internal/domain"
	"github.com/quorumchat/calls/internal/group"
	"github.com/quorumchat/calls/internal/negotiate"
	"github.com/quorumchat/calls/internal/protocol"
)

func (o *Orchestrator) handleEvent(ctx context.Context, e call.Event) {
	switch e.Kind {
	case call.EventParticipantJoined:
		o.broadcast(e)
		o.wireJoin(ctx, e.CallID, e.Participant)
	case call.EventParticipantLeft, call.EventParticipantKicked,
		call.EventParticipantDeclined, call.EventParticipantFailed:
		o.broadcast(e)
		o.unwire(ctx, e.CallID, e.Participant)
	case call.EventMuteChanged:
		o.broadcast(e)
		o.applyMute(ctx, e.CallID, e.Participant)
	case call.EventEnded, call.EventDeclined, call.EventMissed,
		call.EventCancelled, call.EventFailed:
		o.broadcast(e)
		o.teardown(ctx, e.CallID)
	default:
		o.broadcast(e)
	}
}

func isTerminalEvent(k call.EventKind) bool {
	switch k {
	case call.EventEnded, call.EventDeclined, call.EventMissed,
		call.EventCancelled, call.EventFailed:
		return true
	}
	return false
}

// broadcast delivers a lifecycle event to every participant who has not
// settled out of the call. Terminal events go to everyone: whoever just hung
// up still needs to see the call end.
func (o *Orchestrator) broadcast(e call.Event) {
	m, ok := o.Registry.Get(e.CallID)
	if !ok {
		return
	}
	terminal := isTerminalEvent(e.Kind)
	snap := m.Snapshot()
	for pid, p := range snap.Participants {
		if !terminal && p.State.Settled() && pid != e.Participant {
			continue
		}
		o.send(pid, e)
	}
}

// wireJoin attaches a freshly joined group participant to the forwarder.
// Direct calls negotiate peer to peer and need no media wiring here.
func (o *Orchestrator) wireJoin(ctx context.Context, cid domain.CallID, pid domain.ParticipantID) {
	entry := o.entry(cid)
	if entry == nil || entry.coord == nil {
		return
	}
	tracks, err := o.Capture.RequestTracks(ctx, pid, true, entry.hasVideo, false)
	if err != nil {
		o.lg.Error().Err(err).Str("participant", string(pid)).Msg("track capture failed")
		if m, ok := o.Registry.Get(cid); ok {
			_ = m.FailParticipant(pid, "capture_failed")
		}
		return
	}
	_ = entry.coord.OnJoin(ctx, pid, tracks)
}

// applyMute drives the forwarder from the mute flag: a muted publisher's
// legs pause instead of renegotiating. Direct calls mute at the sender.
func (o *Orchestrator) applyMute(ctx context.Context, cid domain.CallID, pid domain.ParticipantID) {
	entry := o.entry(cid)
	if entry == nil || entry.coord == nil {
		return
	}
	m, ok := o.Registry.Get(cid)
	if !ok {
		return
	}
	if p, ok := m.Snapshot().Participants[pid]; ok {
		entry.coord.SetPublisherPaused(ctx, pid, !p.Audio)
	}
}

// unwire tears down one participant's media and negotiation state while the
// call keeps going for everyone else.
func (o *Orchestrator) unwire(ctx context.Context, cid domain.CallID, pid domain.ParticipantID) {
	if entry := o.entry(cid); entry != nil && entry.coord != nil {
		entry.coord.OnLeave(ctx, pid)
	}
	o.neg.Close(linkID(cid, pid))
	o.qc.Forget(pid)
	o.mu.Lock()
	if o.byPart[pid] == cid {
		delete(o.byPart, pid)
	}
	o.mu.Unlock()
}

// teardown runs after the terminal event went out: media first, then
// negotiation links, then the registry entry itself.
func (o *Orchestrator) teardown(ctx context.Context, cid domain.CallID) {
	var pids []domain.ParticipantID
	if m, ok := o.Registry.Get(cid); ok {
		snap := m.Snapshot()
		for pid := range snap.Participants {
			pids = append(pids, pid)
		}
	}

	o.mu.Lock()
	entry := o.entries[cid]
	delete(o.entries, cid)
	for _, pid := range pids {
		if o.byPart[pid] == cid {
			delete(o.byPart, pid)
		}
	}
	o.mu.Unlock()

	if entry != nil && entry.coord != nil {
		entry.coord.Teardown(ctx)
	}
	o.neg.CloseAll(string(cid) + "/")
	for _, pid := range pids {
		o.qc.Forget(pid)
	}
	o.Registry.Remove(cid)
	o.lg.Info().Str("call", string(cid)).Msg("call torn down")
}

func (o *Orchestrator) onLinkStable(id negotiate.LinkID) {
	cid, pid := splitLink(id)
	m, ok := o.Registry.Get(cid)
	if !ok {
		return
	}
	// First stable link moves the call out of connecting; later ones are
	// reconnect recoveries or renegotiations and Connect is a no-op then.
	_ = m.Connect()
	_ = m.ReportLinkRestored(pid)
}

// onLinkFailed applies the renegotiation budget: one automatic retry, then
// the failing feature is shed. A failed screen-share round reverts the flag
// and leaves the call up; a failed base link fails the participant.
func (o *Orchestrator) onLinkFailed(id negotiate.LinkID, err error) {
	cid, pid := splitLink(id)
	m, ok := o.Registry.Get(cid)
	if !ok {
		return
	}

	if o.neg.Attempts(id) < 2 {
		if rerr := o.neg.Reset(id); rerr == nil {
			o.send(pid, map[string]any{"type": "renegotiate", "callId": cid})
			return
		}
	}

	snap := m.Snapshot()
	p, known := snap.Participants[pid]
	if known && p.State == domain.ParticipantJoined && p.Screen &&
		(snap.State == domain.CallActive || snap.State == domain.CallReconnecting) {
		_ = o.neg.Reset(id)
		_ = m.SetScreenShare(pid, false)
		o.send(pid, map[string]any{"type": "screen-share-failed", "callId": cid})
		return
	}
	_ = m.FailParticipant(pid, "negotiation_failed")
}

// relayCandidate forwards trickle ICE on direct calls. Group links terminate
// at the forwarder and their candidates are consumed there.
func (o *Orchestrator) relayCandidate(id negotiate.LinkID, cand webrtc.ICECandidateInit) {
	cid, pid := splitLink(id)
	entry := o.entry(cid)
	if entry == nil || entry.kind != domain.CallKindDirect {
		return
	}
	m, ok := o.Registry.Get(cid)
	if !ok {
		return
	}
	if other, ok := counterpart(m.Snapshot(), pid); ok {
		o.send(other, map[string]any{
			"type":      "ice-candidate",
			"callId":    cid,
			"from":      pid,
			"candidate": cand,
		})
	}
}

// onTierChange pushes the new simulcast layer to the forwarder and tells the
// participant why their video just changed resolution.
func (o *Orchestrator) onTierChange(pid domain.ParticipantID, tier domain.QualityTier) {
	o.mu.Lock()
	cid, ok := o.byPart[pid]
	var entry *callEntry
	if ok {
		entry = o.entries[cid]
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	if entry != nil && entry.coord != nil {
		entry.coord.SetSubscriberLayer(context.Background(), pid, group.LayerForTier(tier))
	}
	o.send(pid, map[string]any{
		"type":   "quality-tier",
		"callId": cid,
		"tier":   tier.String(),
	})
	o.lg.Info().Str("participant", string(pid)).Str("tier", tier.String()).Msg("quality tier changed")
}

func (o *Orchestrator) send(pid domain.ParticipantID, v any) {
	o.mu.Lock()
	s := o.sender
	o.mu.Unlock()
	if s == nil {
		return
	}
	err := s.SendTo(pid, v)
	if err == nil {
		return
	}
	if errors.Is(err, ErrSlowConsumer) {
		o.mu.Lock()
		cid, ok := o.byPart[pid]
		o.mu.Unlock()
		if ok {
			if m, found := o.Registry.Get(cid); found {
				_ = m.Kick(pid, "slow_consumer")
			}
		}
	}
	o.lg.Warn().Err(err).Str("participant", string(pid)).Msg("send failed")
}

func (o *Orchestrator) sendError(pid domain.ParticipantID, err error) {
	o.send(pid, map[string]any{"type": "error", "error": err.Error()})
}

func sampleFromReport(p protocol.QualityReportPayload) domain.QualitySample {
	return domain.QualitySample{
		RTT:             time.Duration(p.RTTMs) * time.Millisecond,
		LossFraction:    p.LossFraction,
		BitrateEstimate: p.BitrateEstimate,
		Jitter:          time.Duration(p.JitterMs) * time.Millisecond,
		At:              time.Now(),
	}
}
