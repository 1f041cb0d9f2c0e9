package domain

import (
	"errors"
	"time"
)

const MaxHandleLen = 36

var (
	ErrHandleEmpty   = errors.New("handle empty")
	ErrHandleTooLong = errors.New("handle too long")
)

type ParticipantState int

const (
	ParticipantInvited ParticipantState = iota
	ParticipantRinging
	ParticipantJoined
	ParticipantLeft
	ParticipantKicked
	ParticipantFailed
)

func (s ParticipantState) String() string {
	switch s {
	case ParticipantInvited:
		return "invited"
	case ParticipantRinging:
		return "ringing"
	case ParticipantJoined:
		return "joined"
	case ParticipantLeft:
		return "left"
	case ParticipantKicked:
		return "kicked"
	case ParticipantFailed:
		return "failed"
	}
	return "unknown"
}

// Settled reports whether the participant has reached immutable history:
// once left, kicked or failed it never changes again.
func (s ParticipantState) Settled() bool {
	switch s {
	case ParticipantLeft, ParticipantKicked, ParticipantFailed:
		return true
	}
	return false
}

type Participant struct {
	ID     ParticipantID
	Handle string
	CallID CallID
	State  ParticipantState

	Audio  bool
	Video  bool
	Screen bool

	LastSample *QualitySample
	LastSeen   time.Time
}

func NewParticipant(id ParticipantID, handle string, callID CallID) (*Participant, error) {
	if handle == "" {
		return nil, ErrHandleEmpty
	}
	if len(handle) > MaxHandleLen {
		return nil, ErrHandleTooLong
	}
	return &Participant{ID: id, Handle: handle, CallID: callID}, nil
}
