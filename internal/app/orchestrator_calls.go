package app

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/quorumchat/calls/internal/call"
	"github.com/quorumchat/calls/internal/domain"
	"github.com/quorumchat/calls/internal/group"
	"github.com/quorumchat/calls/internal/negotiate"
	"github.com/quorumchat/calls/internal/protocol"
)

func (o *Orchestrator) handleRing(ctx context.Context, msg protocol.Message) {
	p := msg.Payload.(protocol.RingPayload)

	if _, ok := o.Registry.Get(msg.CallID); ok {
		// Retransmitted ring; the call already exists.
		return
	}
	if len(p.CalleeIDs)+1 > o.cfg.MaxGroupParticipants {
		o.sendError(msg.SenderID, call.ErrCallFull)
		return
	}

	kind := domain.CallKindGroup
	if len(p.CalleeIDs) == 1 {
		kind = domain.CallKindDirect
	}

	c := domain.NewCall(msg.CallID, kind, msg.SenderID, time.Now())
	m := call.NewMachine(c, call.Config{
		RingTimeout:      o.cfg.RingTimeout,
		ReconnectTimeout: o.cfg.ReconnectTimeout,
		LivenessTimeout:  o.cfg.ReconnectTimeout,
		MaxParticipants:  o.cfg.MaxGroupParticipants,
	}, o.Bus)

	if err := m.Invite(msg.SenderID, string(msg.SenderID)); err != nil {
		m.Close()
		o.sendError(msg.SenderID, err)
		return
	}
	for _, callee := range p.CalleeIDs {
		if err := m.Invite(callee, string(callee)); err != nil {
			m.Close()
			o.sendError(msg.SenderID, err)
			return
		}
	}

	if err := o.Registry.Add(msg.CallID, m); err != nil {
		m.Close()
		return
	}

	entry := &callEntry{kind: kind, hasVideo: p.HasVideo}
	if kind == domain.CallKindGroup {
		entry.coord = group.NewCoordinator(msg.CallID, o.Control, group.Config{
			ConvergenceBudget: o.cfg.SubscriptionConvergenceBudget,
		}, group.Hooks{
			OnPublishFailed: func(pid domain.ParticipantID, err error) {
				_ = m.FailParticipant(pid, "sfu_publish_failed")
			},
			OnAudioOnlyFallback: func(pid domain.ParticipantID) {
				o.send(pid, map[string]any{"type": "fallback", "mode": "audio-only", "callId": msg.CallID})
			},
		})
	}
	o.mu.Lock()
	o.entries[msg.CallID] = entry
	o.byPart[msg.SenderID] = msg.CallID
	for _, callee := range p.CalleeIDs {
		o.byPart[callee] = msg.CallID
	}
	o.mu.Unlock()

	if err := m.Initiate(); err != nil {
		o.sendError(msg.SenderID, err)
		return
	}
	_ = m.Ring()

	for _, callee := range p.CalleeIDs {
		o.send(callee, map[string]any{
			"type":     "ring",
			"callId":   msg.CallID,
			"caller":   msg.SenderID,
			"hasVideo": p.HasVideo,
		})
	}
	o.lg.Info().Str("call", string(msg.CallID)).Str("kind", string(kind)).Int("callees", len(p.CalleeIDs)).Msg("call ringing")
}

func (o *Orchestrator) entry(cid domain.CallID) *callEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.entries[cid]
}

// counterpart returns the other end of a direct call.
func counterpart(snap domain.Call, pid domain.ParticipantID) (domain.ParticipantID, bool) {
	if snap.Kind != domain.CallKindDirect {
		return "", false
	}
	for id := range snap.Participants {
		if id != pid {
			return id, true
		}
	}
	return "", false
}

func (o *Orchestrator) handleOffer(m *call.Machine, msg protocol.Message) {
	p := msg.Payload.(protocol.OfferPayload)
	snap := m.Snapshot()
	id := linkID(snap.ID, msg.SenderID)
	o.neg.Open(id)

	if p.Screen {
		_ = m.SetScreenShare(msg.SenderID, true)
	}

	entry := o.entry(snap.ID)
	if entry != nil && entry.kind == domain.CallKindGroup {
		// Group links terminate at the SFU, so the server is the answering
		// side. Media-plane SDP is outside the control contract; the answer
		// echoes the offer, which is what the loopback forwarder expects.
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
		if err := o.neg.HandleRemoteOffer(id, offer); err != nil {
			o.sendError(msg.SenderID, err)
			return
		}
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}
		if err := o.neg.ProvideAnswer(id, answer); err != nil {
			o.sendError(msg.SenderID, err)
			return
		}
		o.send(msg.SenderID, map[string]any{
			"type":   "answer",
			"callId": snap.ID,
			"sdp":    answer.SDP,
		})
		return
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
	if err := o.neg.StartOffer(id, offer); err != nil {
		o.sendError(msg.SenderID, err)
		return
	}
	if other, ok := counterpart(snap, msg.SenderID); ok {
		// Track the answering side too, so its trickle candidates have a
		// link to buffer against. Renegotiation rounds are accounted on the
		// offerer's link alone.
		peer := linkID(snap.ID, other)
		o.neg.Open(peer)
		if st, ok := o.neg.State(peer); ok && st == negotiate.LinkIdle {
			if err := o.neg.HandleRemoteOffer(peer, offer); err != nil {
				o.lg.Debug().Err(err).Str("link", string(peer)).Msg("peer link offer skipped")
			}
		}
		o.send(other, map[string]any{
			"type":   "offer",
			"callId": snap.ID,
			"from":   msg.SenderID,
			"sdp":    p.SDP,
			"screen": p.Screen,
		})
	}
}

func (o *Orchestrator) handleAnswer(m *call.Machine, msg protocol.Message) {
	p := msg.Payload.(protocol.AnswerPayload)
	snap := m.Snapshot()
	other, ok := counterpart(snap, msg.SenderID)
	if !ok {
		o.lg.Warn().Str("call", string(snap.ID)).Msg("answer on non-direct call dropped")
		return
	}

	// The answer settles the offerer's link.
	id := linkID(snap.ID, other)
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}
	if err := o.neg.HandleRemoteAnswer(id, answer); err != nil {
		o.lg.Warn().Err(err).Str("link", string(id)).Msg("stray answer")
		return
	}
	own := linkID(snap.ID, msg.SenderID)
	if st, ok := o.neg.State(own); ok && st == negotiate.LinkAnswering {
		_ = o.neg.ProvideAnswer(own, answer)
	}
	o.send(other, map[string]any{
		"type":   "answer",
		"callId": snap.ID,
		"from":   msg.SenderID,
		"sdp":    p.SDP,
	})
}
