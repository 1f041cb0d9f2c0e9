// Package domain contains entities without logic, just meta-data.
package domain

import (
	"time"

	"github.com/google/uuid"
)

type (
	CallID        string
	ParticipantID string
)

func NewCallID() CallID { return CallID(uuid.NewString()) }

type CallKind string

const (
	CallKindDirect CallKind = "direct"
	CallKindGroup  CallKind = "group"
)

type CallState int

const (
	CallIdle CallState = iota
	CallInitiating
	CallRinging
	CallConnecting
	CallActive
	CallReconnecting
	CallEnded
	CallDeclined
	CallMissed
	CallFailed
	CallCancelled
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallInitiating:
		return "initiating"
	case CallRinging:
		return "ringing"
	case CallConnecting:
		return "connecting"
	case CallActive:
		return "active"
	case CallReconnecting:
		return "reconnecting"
	case CallEnded:
		return "ended"
	case CallDeclined:
		return "declined"
	case CallMissed:
		return "missed"
	case CallFailed:
		return "failed"
	case CallCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the state admits no further transitions.
func (s CallState) Terminal() bool {
	switch s {
	case CallEnded, CallDeclined, CallMissed, CallFailed, CallCancelled:
		return true
	}
	return false
}

// End reasons carried on terminal lifecycle events.
const (
	ReasonHangup              = "hangup"
	ReasonDeclined            = "declined"
	ReasonRingTimeout         = "ring_timeout"
	ReasonCancelled           = "cancelled"
	ReasonAllParticipantsLost = "all_participants_lost"
	ReasonEndedByAdmin        = "ended_by_admin"
	ReasonServerShutdown      = "server_shutdown"
)

type Call struct {
	ID           CallID
	Kind         CallKind
	Creator      ParticipantID
	CreatedAt    time.Time
	State        CallState
	StartedAt    time.Time
	EndedAt      time.Time
	EndReason    string
	Participants map[ParticipantID]*Participant
}

func NewCall(id CallID, kind CallKind, creator ParticipantID, now time.Time) *Call {
	return &Call{
		ID:           id,
		Kind:         kind,
		Creator:      creator,
		CreatedAt:    now,
		State:        CallIdle,
		Participants: make(map[ParticipantID]*Participant),
	}
}

// JoinedCount counts participants still joined to the call.
func (c *Call) JoinedCount() int {
	n := 0
	for _, p := range c.Participants {
		if p.State == ParticipantJoined {
			n++
		}
	}
	return n
}
