package call

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quorumchat/calls/internal/domain"
)

var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrCallClosed         = errors.New("call closed")
	ErrCallFull           = errors.New("call full")
)

type Config struct {
	RingTimeout      time.Duration
	ReconnectTimeout time.Duration
	LivenessTimeout  time.Duration
	MaxParticipants  int
}

// Machine owns one Call. All state lives behind a mailbox processed by a
// single goroutine, so transitions are serialized per call by construction.
// Timers re-enter through the same mailbox.
type Machine struct {
	call *domain.Call
	cfg  Config
	bus  *Bus
	now  func() time.Time
	lg   zerolog.Logger

	mailbox chan request
	stop    chan struct{}
	once    sync.Once

	eventSeq uint64

	ringTimer       *time.Timer
	reconnectTimers map[domain.ParticipantID]*time.Timer
	livenessTimers  map[domain.ParticipantID]*time.Timer
}

type request struct {
	fn    func() error
	reply chan error
}

func NewMachine(c *domain.Call, cfg Config, bus *Bus) *Machine {
	m := &Machine{
		call:            c,
		cfg:             cfg,
		bus:             bus,
		now:             time.Now,
		lg:              log.With().Str("module", "call.machine").Str("call", string(c.ID)).Logger(),
		mailbox:         make(chan request, 64),
		stop:            make(chan struct{}),
		reconnectTimers: make(map[domain.ParticipantID]*time.Timer),
		livenessTimers:  make(map[domain.ParticipantID]*time.Timer),
	}
	go m.run()
	return m
}

func (m *Machine) run() {
	for {
		select {
		case <-m.stop:
			return
		case req := <-m.mailbox:
			err := req.fn()
			if req.reply != nil {
				req.reply <- err
			}
		}
	}
}

// do executes fn on the machine goroutine and waits for the result.
func (m *Machine) do(fn func() error) error {
	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case m.mailbox <- req:
	case <-m.stop:
		return ErrCallClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-m.stop:
		return ErrCallClosed
	}
}

// enqueue schedules fn without waiting. Used by timer callbacks.
func (m *Machine) enqueue(fn func() error) {
	select {
	case m.mailbox <- request{fn: fn}:
	case <-m.stop:
	}
}

// Close stops the mailbox goroutine. The registry calls this on removal;
// callers must have driven the call to a terminal state first.
func (m *Machine) Close() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Machine) emit(kind EventKind, pid domain.ParticipantID, reason string) {
	m.eventSeq++
	m.bus.Publish(Event{
		CallID:      m.call.ID,
		Seq:         m.eventSeq,
		Participant: pid,
		Kind:        kind,
		Reason:      reason,
		At:          m.now(),
	})
}

// Snapshot returns a copy of the call with its participant set. Safe for
// concurrent use; the copy is detached from the machine.
func (m *Machine) Snapshot() domain.Call {
	var snap domain.Call
	_ = m.do(func() error {
		snap = *m.call
		snap.Participants = make(map[domain.ParticipantID]*domain.Participant, len(m.call.Participants))
		for id, p := range m.call.Participants {
			cp := *p
			snap.Participants[id] = &cp
		}
		return nil
	})
	return snap
}

func (m *Machine) State() domain.CallState {
	s := domain.CallEnded
	_ = m.do(func() error {
		s = m.call.State
		return nil
	})
	return s
}

// Invite adds a participant in the invited state. No-op if already present.
func (m *Machine) Invite(pid domain.ParticipantID, handle string) error {
	return m.do(func() error {
		if m.call.State.Terminal() {
			return ErrInvalidTransition
		}
		if _, ok := m.call.Participants[pid]; ok {
			return nil
		}
		if m.cfg.MaxParticipants > 0 && len(m.call.Participants) >= m.cfg.MaxParticipants {
			return ErrCallFull
		}
		p, err := domain.NewParticipant(pid, handle, m.call.ID)
		if err != nil {
			return err
		}
		m.call.Participants[pid] = p
		return nil
	})
}

// Initiate moves idle to initiating and joins the creator.
func (m *Machine) Initiate() error {
	return m.do(func() error {
		if m.call.State != domain.CallIdle {
			return ErrInvalidTransition
		}
		m.call.State = domain.CallInitiating
		m.emit(EventInitiated, m.call.Creator, "")
		if p, ok := m.call.Participants[m.call.Creator]; ok {
			p.State = domain.ParticipantJoined
			m.touchLocked(m.call.Creator)
			m.emit(EventParticipantJoined, m.call.Creator, "")
		}
		return nil
	})
}

// Ring moves initiating to ringing and arms the ring timer. Idempotent once
// ringing.
func (m *Machine) Ring() error {
	return m.do(func() error {
		switch m.call.State {
		case domain.CallRinging:
			return nil
		case domain.CallInitiating:
		default:
			return ErrInvalidTransition
		}
		m.call.State = domain.CallRinging
		for _, p := range m.call.Participants {
			if p.State == domain.ParticipantInvited {
				p.State = domain.ParticipantRinging
			}
		}
		if m.cfg.RingTimeout > 0 {
			m.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() {
				m.enqueue(m.ringExpired)
			})
		}
		m.emit(EventRinging, "", "")
		return nil
	})
}

func (m *Machine) ringExpired() error {
	if m.call.State != domain.CallRinging {
		return nil
	}
	m.terminate(domain.CallMissed, EventMissed, domain.ReasonRingTimeout)
	return nil
}

// Accept joins a ringing participant. The first accept moves the call to
// connecting; later accepts on a group call join without touching call-level
// state. Accepting twice is a no-op.
func (m *Machine) Accept(pid domain.ParticipantID) error {
	return m.do(func() error {
		p, ok := m.call.Participants[pid]
		if !ok {
			return ErrUnknownParticipant
		}
		if p.State == domain.ParticipantJoined {
			return nil
		}
		if p.State.Settled() {
			return nil
		}
		switch m.call.State {
		case domain.CallRinging:
			m.call.State = domain.CallConnecting
			m.stopRingTimer()
			p.State = domain.ParticipantJoined
			m.touchLocked(pid)
			m.emit(EventParticipantJoined, pid, "")
			m.emit(EventConnecting, "", "")
			return nil
		case domain.CallConnecting, domain.CallActive, domain.CallReconnecting:
			p.State = domain.ParticipantJoined
			m.touchLocked(pid)
			m.emit(EventParticipantJoined, pid, "")
			return nil
		}
		return ErrInvalidTransition
	})
}

// Decline records a refusal. A declined direct call terminates; a group call
// terminates only when nobody is left to pick up.
func (m *Machine) Decline(pid domain.ParticipantID, reason string) error {
	return m.do(func() error {
		p, ok := m.call.Participants[pid]
		if !ok {
			return ErrUnknownParticipant
		}
		if p.State.Settled() || p.State == domain.ParticipantJoined {
			return nil
		}
		switch m.call.State {
		case domain.CallInitiating, domain.CallRinging, domain.CallConnecting:
		default:
			return ErrInvalidTransition
		}
		p.State = domain.ParticipantLeft
		if reason == "" {
			reason = domain.ReasonDeclined
		}
		if m.call.Kind == domain.CallKindDirect {
			m.terminate(domain.CallDeclined, EventDeclined, reason)
			return nil
		}
		m.emit(EventParticipantDeclined, pid, reason)
		if m.pendingInvites() == 0 && m.call.JoinedCount() <= 1 {
			m.terminate(domain.CallDeclined, EventDeclined, reason)
		}
		return nil
	})
}

func (m *Machine) pendingInvites() int {
	n := 0
	for _, p := range m.call.Participants {
		if p.State == domain.ParticipantInvited || p.State == domain.ParticipantRinging {
			n++
		}
	}
	return n
}

// Connect moves connecting to active. The orchestrator calls this when the
// first peer link reaches stable. Idempotent once active.
func (m *Machine) Connect() error {
	return m.do(func() error {
		switch m.call.State {
		case domain.CallActive:
			return nil
		case domain.CallConnecting:
		default:
			return ErrInvalidTransition
		}
		m.call.State = domain.CallActive
		m.call.StartedAt = m.now()
		m.emit(EventActive, "", "")
		return nil
	})
}

// ReportLinkLoss marks a joined participant as reconnecting and arms its
// reconnect deadline.
func (m *Machine) ReportLinkLoss(pid domain.ParticipantID) error {
	return m.do(func() error {
		p, ok := m.call.Participants[pid]
		if !ok {
			return ErrUnknownParticipant
		}
		if p.State != domain.ParticipantJoined {
			return nil
		}
		switch m.call.State {
		case domain.CallActive, domain.CallReconnecting:
		default:
			return nil
		}
		if _, pending := m.reconnectTimers[pid]; pending {
			return nil
		}
		m.call.State = domain.CallReconnecting
		m.reconnectTimers[pid] = time.AfterFunc(m.cfg.ReconnectTimeout, func() {
			m.enqueue(func() error { return m.participantLost(pid) })
		})
		m.emit(EventReconnecting, pid, "")
		return nil
	})
}

// ReportLinkRestored cancels a pending reconnect deadline. When the last
// pending participant recovers the call returns to active.
func (m *Machine) ReportLinkRestored(pid domain.ParticipantID) error {
	return m.do(func() error {
		t, ok := m.reconnectTimers[pid]
		if !ok {
			return nil
		}
		t.Stop()
		delete(m.reconnectTimers, pid)
		m.touchLocked(pid)
		m.maybeResume(pid)
		return nil
	})
}

// maybeResume returns the call to active once no reconnect deadline remains
// pending. Any settling transition can be the one that clears the last one:
// a restore, a timeout, a leave or a kick.
func (m *Machine) maybeResume(pid domain.ParticipantID) {
	if m.call.State == domain.CallReconnecting && len(m.reconnectTimers) == 0 {
		m.call.State = domain.CallActive
		m.emit(EventResumed, pid, "")
	}
}

func (m *Machine) participantLost(pid domain.ParticipantID) error {
	switch m.call.State {
	case domain.CallConnecting, domain.CallActive, domain.CallReconnecting:
	default:
		return nil
	}
	p, ok := m.call.Participants[pid]
	if !ok || p.State != domain.ParticipantJoined {
		return nil
	}
	if t, ok := m.reconnectTimers[pid]; ok {
		t.Stop()
		delete(m.reconnectTimers, pid)
	}
	m.stopLiveness(pid)
	p.State = domain.ParticipantFailed
	m.emit(EventParticipantFailed, pid, "network_loss")
	m.lg.Warn().Str("participant", string(pid)).Msg("participant lost")

	if m.call.JoinedCount() == 0 {
		m.terminateOnLoss("network_loss")
		return nil
	}
	m.maybeResume("")
	return nil
}

// terminateOnLoss picks the terminal state for a call that just lost its last
// participant: a call that never reached active failed to establish.
func (m *Machine) terminateOnLoss(reason string) {
	if m.call.State == domain.CallConnecting {
		m.terminate(domain.CallFailed, EventFailed, reason)
		return
	}
	m.terminate(domain.CallEnded, EventEnded, domain.ReasonAllParticipantsLost)
}

// FailParticipant marks a participant as failed with an explicit reason:
// negotiation gave up, the SFU refused the publish, or the media link died.
func (m *Machine) FailParticipant(pid domain.ParticipantID, reason string) error {
	return m.do(func() error {
		p, ok := m.call.Participants[pid]
		if !ok {
			return ErrUnknownParticipant
		}
		if p.State.Settled() || m.call.State.Terminal() {
			return nil
		}
		p.State = domain.ParticipantFailed
		m.dropTimers(pid)
		m.emit(EventParticipantFailed, pid, reason)
		if m.call.JoinedCount() == 0 {
			m.terminateOnLoss(reason)
			return nil
		}
		m.maybeResume("")
		return nil
	})
}

// Leave removes a participant. A creator hanging up before the call is active
// cancels it; the last joined participant leaving ends it. Leaving twice, or
// leaving after a kick, is a no-op.
func (m *Machine) Leave(pid domain.ParticipantID) error {
	return m.do(func() error {
		p, ok := m.call.Participants[pid]
		if !ok {
			return ErrUnknownParticipant
		}
		if p.State.Settled() {
			return nil
		}
		if m.call.State.Terminal() {
			return nil
		}
		if pid == m.call.Creator {
			switch m.call.State {
			case domain.CallInitiating, domain.CallRinging:
				p.State = domain.ParticipantLeft
				m.terminate(domain.CallCancelled, EventCancelled, domain.ReasonCancelled)
				return nil
			}
		}
		p.State = domain.ParticipantLeft
		m.dropTimers(pid)
		m.emit(EventParticipantLeft, pid, "")
		if m.call.JoinedCount() == 0 {
			m.terminate(domain.CallEnded, EventEnded, domain.ReasonHangup)
			return nil
		}
		m.maybeResume("")
		return nil
	})
}

// Kick force-removes a participant. Races with Leave resolve to whichever
// transition lands first; the loser is a no-op.
func (m *Machine) Kick(pid domain.ParticipantID, reason string) error {
	return m.do(func() error {
		p, ok := m.call.Participants[pid]
		if !ok {
			return ErrUnknownParticipant
		}
		if p.State.Settled() {
			return nil
		}
		if m.call.State.Terminal() {
			return nil
		}
		p.State = domain.ParticipantKicked
		m.dropTimers(pid)
		m.emit(EventParticipantKicked, pid, reason)
		if m.call.JoinedCount() == 0 {
			m.terminate(domain.CallEnded, EventEnded, domain.ReasonHangup)
			return nil
		}
		m.maybeResume("")
		return nil
	})
}

// SetMute updates a joined participant's media flags. Emits only on change.
func (m *Machine) SetMute(pid domain.ParticipantID, audio, video bool) error {
	return m.do(func() error {
		p, ok := m.call.Participants[pid]
		if !ok {
			return ErrUnknownParticipant
		}
		if p.State != domain.ParticipantJoined {
			return nil
		}
		if p.Audio == audio && p.Video == video {
			return nil
		}
		p.Audio = audio
		p.Video = video
		m.emit(EventMuteChanged, pid, "")
		return nil
	})
}

// SetScreenShare toggles the screen-share flag. The orchestrator reverts it
// when the renegotiation that carried the track fails.
func (m *Machine) SetScreenShare(pid domain.ParticipantID, on bool) error {
	return m.do(func() error {
		p, ok := m.call.Participants[pid]
		if !ok {
			return ErrUnknownParticipant
		}
		if p.State != domain.ParticipantJoined {
			return nil
		}
		if p.Screen == on {
			return nil
		}
		p.Screen = on
		m.emit(EventScreenShareChanged, pid, "")
		return nil
	})
}

// RecordSample stores the latest network sample for a participant. Samples
// never mutate membership.
func (m *Machine) RecordSample(pid domain.ParticipantID, s domain.QualitySample) error {
	return m.do(func() error {
		p, ok := m.call.Participants[pid]
		if !ok {
			return ErrUnknownParticipant
		}
		p.LastSample = &s
		m.touchLocked(pid)
		return nil
	})
}

// Touch refreshes the liveness deadline for a participant. Called for every
// inbound signaling message, heartbeats included.
func (m *Machine) Touch(pid domain.ParticipantID) {
	m.enqueue(func() error {
		if p, ok := m.call.Participants[pid]; ok && p.State == domain.ParticipantJoined {
			m.touchLocked(pid)
		}
		return nil
	})
}

// touchLocked runs on the machine goroutine only.
func (m *Machine) touchLocked(pid domain.ParticipantID) {
	if p, ok := m.call.Participants[pid]; ok {
		p.LastSeen = m.now()
	}
	if m.cfg.LivenessTimeout <= 0 {
		return
	}
	if t, ok := m.livenessTimers[pid]; ok {
		t.Reset(m.cfg.LivenessTimeout)
		return
	}
	m.livenessTimers[pid] = time.AfterFunc(m.cfg.LivenessTimeout, func() {
		m.enqueue(func() error { return m.participantLost(pid) })
	})
}

// End forces any non-terminal state to ended. An already-ended call ignores
// it.
func (m *Machine) End(reason string) error {
	return m.do(func() error {
		if m.call.State.Terminal() {
			return nil
		}
		m.terminate(domain.CallEnded, EventEnded, reason)
		return nil
	})
}

func (m *Machine) terminate(state domain.CallState, kind EventKind, reason string) {
	m.call.State = state
	m.call.EndedAt = m.now()
	m.call.EndReason = reason
	m.stopRingTimer()
	for pid, t := range m.reconnectTimers {
		t.Stop()
		delete(m.reconnectTimers, pid)
	}
	for pid, t := range m.livenessTimers {
		t.Stop()
		delete(m.livenessTimers, pid)
	}
	m.emit(kind, "", reason)
	m.lg.Info().Str("state", state.String()).Str("reason", reason).Msg("call terminated")
}

func (m *Machine) stopRingTimer() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

func (m *Machine) dropTimers(pid domain.ParticipantID) {
	if t, ok := m.reconnectTimers[pid]; ok {
		t.Stop()
		delete(m.reconnectTimers, pid)
	}
	m.stopLiveness(pid)
}

func (m *Machine) stopLiveness(pid domain.ParticipantID) {
	if t, ok := m.livenessTimers[pid]; ok {
		t.Stop()
		delete(m.livenessTimers, pid)
	}
}
