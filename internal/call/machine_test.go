package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumchat/calls/internal/domain"
)

const (
	alice = domain.ParticipantID("alice")
	bob   = domain.ParticipantID("bob")
	carol = domain.ParticipantID("carol")
)

func newTestMachine(t *testing.T, kind domain.CallKind, cfg Config, pids ...domain.ParticipantID) (*Machine, <-chan Event) {
	t.Helper()
	bus := NewBus()
	events := bus.Subscribe(256)
	c := domain.NewCall("call-1", kind, pids[0], time.Now())
	m := NewMachine(c, cfg, bus)
	t.Cleanup(m.Close)
	for _, pid := range pids {
		require.NoError(t, m.Invite(pid, string(pid)))
	}
	return m, events
}

func drainEvents(ch <-chan Event) []EventKind {
	var kinds []EventKind
	for {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		default:
			return kinds
		}
	}
}

func waitState(t *testing.T, m *Machine, want domain.CallState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State() == want
	}, time.Second, 5*time.Millisecond, "expected state %s, got %s", want, m.State())
}

func TestDirectCallHappyPath(t *testing.T) {
	m, events := newTestMachine(t, domain.CallKindDirect, Config{RingTimeout: time.Minute}, alice, bob)

	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())
	require.Equal(t, domain.CallRinging, m.State())

	require.NoError(t, m.Accept(bob))
	require.Equal(t, domain.CallConnecting, m.State())

	require.NoError(t, m.Connect())
	require.Equal(t, domain.CallActive, m.State())

	require.NoError(t, m.Leave(bob))
	require.NoError(t, m.Leave(alice))
	require.Equal(t, domain.CallEnded, m.State())

	snap := m.Snapshot()
	assert.Equal(t, domain.ReasonHangup, snap.EndReason)

	assert.Equal(t, []EventKind{
		EventInitiated, EventParticipantJoined, EventRinging,
		EventParticipantJoined, EventConnecting, EventActive,
		EventParticipantLeft, EventParticipantLeft, EventEnded,
	}, drainEvents(events))
}

func TestAcceptIdempotent(t *testing.T) {
	m, events := newTestMachine(t, domain.CallKindDirect, Config{}, alice, bob)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())
	require.NoError(t, m.Accept(bob))
	drainEvents(events)

	require.NoError(t, m.Accept(bob))
	assert.Empty(t, drainEvents(events), "second accept must not emit")
	assert.Equal(t, domain.CallConnecting, m.State())
}

func TestAcceptUnknownParticipant(t *testing.T) {
	m, _ := newTestMachine(t, domain.CallKindDirect, Config{}, alice, bob)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())
	assert.ErrorIs(t, m.Accept("mallory"), ErrUnknownParticipant)
}

func TestRingTimeoutMissesCall(t *testing.T) {
	m, events := newTestMachine(t, domain.CallKindDirect, Config{RingTimeout: 20 * time.Millisecond}, alice, bob)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())

	waitState(t, m, domain.CallMissed)
	snap := m.Snapshot()
	assert.Equal(t, domain.ReasonRingTimeout, snap.EndReason)
	kinds := drainEvents(events)
	assert.Equal(t, EventMissed, kinds[len(kinds)-1])

	// An accept after expiry must not resurrect the call.
	assert.Error(t, m.Accept(bob))
	assert.Equal(t, domain.CallMissed, m.State())
}

func TestAcceptStopsRingTimer(t *testing.T) {
	m, _ := newTestMachine(t, domain.CallKindDirect, Config{RingTimeout: 20 * time.Millisecond}, alice, bob)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())
	require.NoError(t, m.Accept(bob))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.CallConnecting, m.State())
}

func TestDeclineDirectTerminates(t *testing.T) {
	m, events := newTestMachine(t, domain.CallKindDirect, Config{RingTimeout: time.Minute}, alice, bob)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())
	require.NoError(t, m.Decline(bob, ""))

	require.Equal(t, domain.CallDeclined, m.State())
	snap := m.Snapshot()
	assert.Equal(t, domain.ReasonDeclined, snap.EndReason)
	kinds := drainEvents(events)
	assert.Equal(t, EventDeclined, kinds[len(kinds)-1])
}

func TestGroupDeclineWaitsForLastInvitee(t *testing.T) {
	m, events := newTestMachine(t, domain.CallKindGroup, Config{RingTimeout: time.Minute}, alice, bob, carol)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())

	require.NoError(t, m.Decline(bob, ""))
	assert.Equal(t, domain.CallRinging, m.State(), "one decline must not end a group call")

	require.NoError(t, m.Decline(carol, ""))
	assert.Equal(t, domain.CallDeclined, m.State())
	kinds := drainEvents(events)
	assert.Contains(t, kinds, EventParticipantDeclined)
	assert.Equal(t, EventDeclined, kinds[len(kinds)-1])
}

func TestGroupJoinsKeepGoingAfterDecline(t *testing.T) {
	m, _ := newTestMachine(t, domain.CallKindGroup, Config{RingTimeout: time.Minute}, alice, bob, carol)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())

	require.NoError(t, m.Accept(bob))
	require.NoError(t, m.Decline(carol, ""))
	assert.Equal(t, domain.CallConnecting, m.State())
}

func TestCreatorCancelsDuringRinging(t *testing.T) {
	m, events := newTestMachine(t, domain.CallKindDirect, Config{RingTimeout: time.Minute}, alice, bob)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())

	require.NoError(t, m.Leave(alice))
	assert.Equal(t, domain.CallCancelled, m.State())
	snap := m.Snapshot()
	assert.Equal(t, domain.ReasonCancelled, snap.EndReason)
	kinds := drainEvents(events)
	assert.Equal(t, EventCancelled, kinds[len(kinds)-1])
}

func TestReconnectWithinDeadlineResumes(t *testing.T) {
	m, events := newTestMachine(t, domain.CallKindDirect, Config{ReconnectTimeout: time.Minute}, alice, bob)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())
	require.NoError(t, m.Accept(bob))
	require.NoError(t, m.Connect())
	drainEvents(events)

	require.NoError(t, m.ReportLinkLoss(bob))
	assert.Equal(t, domain.CallReconnecting, m.State())

	require.NoError(t, m.ReportLinkRestored(bob))
	assert.Equal(t, domain.CallActive, m.State())
	kinds := drainEvents(events)
	assert.Equal(t, []EventKind{EventReconnecting, EventResumed}, kinds)
}

func TestLeaveWhileReconnectingResumesCall(t *testing.T) {
	m, events := newTestMachine(t, domain.CallKindGroup, Config{ReconnectTimeout: time.Minute}, alice, bob, carol)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())
	require.NoError(t, m.Accept(bob))
	require.NoError(t, m.Accept(carol))
	require.NoError(t, m.Connect())
	drainEvents(events)

	require.NoError(t, m.ReportLinkLoss(carol))
	require.Equal(t, domain.CallReconnecting, m.State())

	require.NoError(t, m.Leave(carol))
	assert.Equal(t, domain.CallActive, m.State(), "everyone still present is connected")
	assert.Equal(t, []EventKind{EventReconnecting, EventParticipantLeft, EventResumed}, drainEvents(events))
}

func TestKickWhileReconnectingResumesCall(t *testing.T) {
	m, events := newTestMachine(t, domain.CallKindGroup, Config{ReconnectTimeout: time.Minute}, alice, bob, carol)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())
	require.NoError(t, m.Accept(bob))
	require.NoError(t, m.Accept(carol))
	require.NoError(t, m.Connect())
	drainEvents(events)

	require.NoError(t, m.ReportLinkLoss(carol))
	require.Equal(t, domain.CallReconnecting, m.State())

	require.NoError(t, m.Kick(carol, "removed_by_admin"))
	assert.Equal(t, domain.CallActive, m.State())
	assert.Equal(t, []EventKind{EventReconnecting, EventParticipantKicked, EventResumed}, drainEvents(events))
}

func TestLeaveOfConnectedPeerKeepsReconnecting(t *testing.T) {
	m, _ := newTestMachine(t, domain.CallKindGroup, Config{ReconnectTimeout: time.Minute}, alice, bob, carol)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())
	require.NoError(t, m.Accept(bob))
	require.NoError(t, m.Accept(carol))
	require.NoError(t, m.Connect())

	require.NoError(t, m.ReportLinkLoss(carol))
	require.NoError(t, m.Leave(bob))
	assert.Equal(t, domain.CallReconnecting, m.State(), "carol's deadline is still pending")
}

func TestReconnectDeadlineFailsParticipant(t *testing.T) {
	m, events := newTestMachine(t, domain.CallKindGroup, Config{ReconnectTimeout: 20 * time.Millisecond}, alice, bob, carol)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())
	require.NoError(t, m.Accept(bob))
	require.NoError(t, m.Accept(carol))
	require.NoError(t, m.Connect())
	drainEvents(events)

	require.NoError(t, m.ReportLinkLoss(carol))
	waitState(t, m, domain.CallActive)

	snap := m.Snapshot()
	assert.Equal(t, domain.ParticipantFailed, snap.Participants[carol].State)
	assert.Equal(t, 2, snap.JoinedCount())
	kinds := drainEvents(events)
	assert.Contains(t, kinds, EventParticipantFailed)
}

func TestAllParticipantsLostEndsCall(t *testing.T) {
	m, _ := newTestMachine(t, domain.CallKindDirect, Config{ReconnectTimeout: 15 * time.Millisecond}, alice, bob)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())
	require.NoError(t, m.Accept(bob))
	require.NoError(t, m.Connect())

	require.NoError(t, m.ReportLinkLoss(alice))
	require.NoError(t, m.ReportLinkLoss(bob))

	waitState(t, m, domain.CallEnded)
	snap := m.Snapshot()
	assert.Equal(t, domain.ReasonAllParticipantsLost, snap.EndReason)
}

func TestSetupFailureBeforeActiveFailsCall(t *testing.T) {
	m, events := newTestMachine(t, domain.CallKindDirect, Config{}, alice, bob)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())
	require.NoError(t, m.Accept(bob))
	require.Equal(t, domain.CallConnecting, m.State())
	drainEvents(events)

	require.NoError(t, m.FailParticipant(bob, "negotiation_failed"))
	require.NoError(t, m.FailParticipant(alice, "negotiation_failed"))

	require.Equal(t, domain.CallFailed, m.State(), "a call that never went active did not end, it failed")
	snap := m.Snapshot()
	assert.Equal(t, "negotiation_failed", snap.EndReason)
	kinds := drainEvents(events)
	assert.Equal(t, EventFailed, kinds[len(kinds)-1])
}

func TestKickThenLeaveIsNoop(t *testing.T) {
	m, events := newTestMachine(t, domain.CallKindGroup, Config{}, alice, bob, carol)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())
	require.NoError(t, m.Accept(bob))
	require.NoError(t, m.Accept(carol))
	require.NoError(t, m.Connect())
	drainEvents(events)

	require.NoError(t, m.Kick(carol, "removed_by_admin"))
	require.NoError(t, m.Leave(carol))

	snap := m.Snapshot()
	assert.Equal(t, domain.ParticipantKicked, snap.Participants[carol].State, "first transition wins")
	kinds := drainEvents(events)
	assert.Equal(t, []EventKind{EventParticipantKicked}, kinds)
}

func TestEndIsIdempotentOnTerminal(t *testing.T) {
	m, events := newTestMachine(t, domain.CallKindDirect, Config{}, alice, bob)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())
	require.NoError(t, m.End(domain.ReasonEndedByAdmin))
	drainEvents(events)

	require.NoError(t, m.End(domain.ReasonServerShutdown))
	assert.Empty(t, drainEvents(events))
	snap := m.Snapshot()
	assert.Equal(t, domain.ReasonEndedByAdmin, snap.EndReason)
}

func TestMuteEmitsOnlyOnChange(t *testing.T) {
	m, events := newTestMachine(t, domain.CallKindDirect, Config{}, alice, bob)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())
	require.NoError(t, m.Accept(bob))
	drainEvents(events)

	require.NoError(t, m.SetMute(bob, true, false))
	require.NoError(t, m.SetMute(bob, true, false))
	kinds := drainEvents(events)
	assert.Equal(t, []EventKind{EventMuteChanged}, kinds)
}

func TestScreenShareToggle(t *testing.T) {
	m, events := newTestMachine(t, domain.CallKindDirect, Config{}, alice, bob)
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())
	require.NoError(t, m.Accept(bob))
	require.NoError(t, m.Connect())
	drainEvents(events)

	require.NoError(t, m.SetScreenShare(bob, true))
	snap := m.Snapshot()
	assert.True(t, snap.Participants[bob].Screen)

	require.NoError(t, m.SetScreenShare(bob, false))
	snap = m.Snapshot()
	assert.False(t, snap.Participants[bob].Screen)
	assert.Equal(t, []EventKind{EventScreenShareChanged, EventScreenShareChanged}, drainEvents(events))
}

func TestEventSeqMonotonicPerCall(t *testing.T) {
	bus := NewBus()
	events := bus.Subscribe(256)
	c := domain.NewCall("call-seq", domain.CallKindGroup, alice, time.Now())
	m := NewMachine(c, Config{}, bus)
	t.Cleanup(m.Close)

	require.NoError(t, m.Invite(alice, "alice"))
	require.NoError(t, m.Invite(bob, "bob"))
	require.NoError(t, m.Invite(carol, "carol"))
	require.NoError(t, m.Initiate())
	require.NoError(t, m.Ring())
	require.NoError(t, m.Accept(bob))
	require.NoError(t, m.Accept(carol))
	require.NoError(t, m.Connect())
	require.NoError(t, m.Leave(carol))
	require.NoError(t, m.End(domain.ReasonHangup))

	var last uint64
	for {
		select {
		case e := <-events:
			require.Greater(t, e.Seq, last, "event seq must be strictly increasing")
			last = e.Seq
		default:
			require.NotZero(t, last)
			return
		}
	}
}

func TestInviteRespectsCapacity(t *testing.T) {
	m, _ := newTestMachine(t, domain.CallKindGroup, Config{MaxParticipants: 2}, alice, bob)
	assert.ErrorIs(t, m.Invite(carol, "carol"), ErrCallFull)
}

func TestOperationsAfterCloseReturnErrCallClosed(t *testing.T) {
	bus := NewBus()
	c := domain.NewCall("call-closed", domain.CallKindDirect, alice, time.Now())
	m := NewMachine(c, Config{}, bus)
	m.Close()
	assert.ErrorIs(t, m.Invite(bob, "bob"), ErrCallClosed)
}
