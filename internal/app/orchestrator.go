// Package app wires the call machinery together: registry, negotiators,
// quality control and group coordination. The state machines stay silent;
// everything with side effects hangs off their event stream here.
package app

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quorumchat/calls/internal/call"
	"github.com/quorumchat/calls/internal/config"
	"github.com/quorumchat/calls/internal/domain"
	"github.com/quorumchat/calls/internal/group"
	"github.com/quorumchat/calls/internal/negotiate"
	"github.com/quorumchat/calls/internal/protocol"
	"github.com/quorumchat/calls/internal/quality"
	"github.com/quorumchat/calls/internal/sfu"
)

// ErrSlowConsumer is returned by a Sender whose outbound buffer for the
// participant is full. The orchestrator kicks slow consumers rather than let
// them stall everyone's signaling.
var ErrSlowConsumer = errors.New("slow consumer")

// Sender delivers outbound signaling to connected participants. The WS
// adapter registers itself here; everything below it stays transport-blind.
type Sender interface {
	SendTo(pid domain.ParticipantID, v any) error
}

// Capture is the media-capture collaborator. The core asks for track handles
// and never sees raw samples.
type Capture interface {
	RequestTracks(ctx context.Context, pid domain.ParticipantID, audio, video, screen bool) ([]sfu.TrackHandle, error)
}

type callEntry struct {
	coord    *group.Coordinator
	kind     domain.CallKind
	hasVideo bool
}

type Orchestrator struct {
	cfg      *config.Config
	Registry *call.Registry
	Bus      *call.Bus
	Control  sfu.Control
	Capture  Capture

	neg *negotiate.Negotiator
	qc  *quality.Controller
	lg  zerolog.Logger

	mu      sync.Mutex
	sender  Sender
	entries map[domain.CallID]*callEntry
	byPart  map[domain.ParticipantID]domain.CallID
}

func NewOrchestrator(cfg *config.Config, ctrl sfu.Control, capture Capture) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		Registry: call.NewRegistry(),
		Bus:      call.NewBus(),
		Control:  ctrl,
		Capture:  capture,
		lg:       log.With().Str("module", "app.orchestrator").Logger(),
		entries:  make(map[domain.CallID]*callEntry),
		byPart:   make(map[domain.ParticipantID]domain.CallID),
	}
	o.neg = negotiate.New(cfg.NegotiationTimeout, negotiate.Hooks{
		OnStable:          o.onLinkStable,
		OnFailed:          o.onLinkFailed,
		OnRemoteCandidate: o.relayCandidate,
	})
	o.qc = quality.New(quality.Config{
		Window:          5,
		DowngradeLoss:   cfg.QualityDowngradeLossThreshold,
		DowngradeRTT:    cfg.QualityDowngradeRTT,
		UpgradeDebounce: cfg.QualityUpgradeDebounce,
	}, o.onTierChange)
	return o
}

// SetSender binds the outbound transport. Must be called before traffic.
func (o *Orchestrator) SetSender(s Sender) {
	o.mu.Lock()
	o.sender = s
	o.mu.Unlock()
}

// Start launches the lifecycle event loop. Events from every machine funnel
// through one goroutine, in per-call emission order.
func (o *Orchestrator) Start(ctx context.Context) {
	events := o.Bus.Subscribe(1024)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-events:
				o.handleEvent(ctx, e)
			}
		}
	}()
}

// Shutdown force-ends every live call so no client is left without a
// terminal event.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, m := range o.Registry.List() {
		_ = m.End(domain.ReasonServerShutdown)
	}
}

func linkID(callID domain.CallID, pid domain.ParticipantID) negotiate.LinkID {
	return negotiate.LinkID(string(callID) + "/" + string(pid))
}

func splitLink(id negotiate.LinkID) (domain.CallID, domain.ParticipantID) {
	s := string(id)
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return domain.CallID(s[:i]), domain.ParticipantID(s[i+1:])
	}
	return domain.CallID(s), ""
}

// OnMessage routes one validated, sequence-ordered signaling message.
func (o *Orchestrator) OnMessage(ctx context.Context, msg protocol.Message) {
	if msg.Kind == protocol.KindRing {
		o.handleRing(ctx, msg)
		return
	}

	m, ok := o.Registry.Get(msg.CallID)
	if !ok {
		o.lg.Warn().Str("call", string(msg.CallID)).Str("kind", string(msg.Kind)).Msg("message for unknown call dropped")
		return
	}
	m.Touch(msg.SenderID)

	switch msg.Kind {
	case protocol.KindAccept:
		if err := m.Accept(msg.SenderID); err != nil {
			o.sendError(msg.SenderID, err)
		}
	case protocol.KindDecline:
		p := msg.Payload.(protocol.DeclinePayload)
		if err := m.Decline(msg.SenderID, p.Reason); err != nil {
			o.sendError(msg.SenderID, err)
		}
	case protocol.KindOffer:
		o.handleOffer(m, msg)
	case protocol.KindAnswer:
		o.handleAnswer(m, msg)
	case protocol.KindICECandidate:
		p := msg.Payload.(protocol.CandidatePayload)
		id := linkID(msg.CallID, msg.SenderID)
		// Candidates may trickle in before the offer; the link buffers them.
		o.neg.Open(id)
		if err := o.neg.AddCandidate(id, p.Candidate); err != nil {
			o.lg.Debug().Err(err).Str("link", string(id)).Msg("candidate dropped")
		}
	case protocol.KindQualityReport:
		p := msg.Payload.(protocol.QualityReportPayload)
		sample := sampleFromReport(p)
		_ = m.RecordSample(msg.SenderID, sample)
		o.qc.Observe(msg.SenderID, sample)
	case protocol.KindMuteChange:
		p := msg.Payload.(protocol.MuteChangePayload)
		_ = m.SetMute(msg.SenderID, p.Audio, p.Video)
	case protocol.KindLeave:
		_ = m.Leave(msg.SenderID)
	case protocol.KindKick:
		p := msg.Payload.(protocol.KickPayload)
		_ = m.Kick(p.TargetID, p.Reason)
	case protocol.KindHeartbeat:
		// Touch above is the whole point.
	}
}

// OnDisconnect reacts to a participant's signaling transport dying: the call
// survives in reconnecting until the deadline runs out.
func (o *Orchestrator) OnDisconnect(pid domain.ParticipantID) {
	o.mu.Lock()
	cid, ok := o.byPart[pid]
	o.mu.Unlock()
	if !ok {
		return
	}
	if m, ok := o.Registry.Get(cid); ok {
		_ = m.ReportLinkLoss(pid)
	}
}
