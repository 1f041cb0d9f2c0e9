package call

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quorumchat/calls/internal/domain"
)

type EventKind string

const (
	EventInitiated           EventKind = "initiated"
	EventRinging             EventKind = "ringing"
	EventParticipantJoined   EventKind = "participant_joined"
	EventParticipantDeclined EventKind = "participant_declined"
	EventParticipantLeft     EventKind = "participant_left"
	EventParticipantKicked   EventKind = "participant_kicked"
	EventParticipantFailed   EventKind = "participant_failed"
	EventConnecting          EventKind = "connecting"
	EventActive              EventKind = "active"
	EventReconnecting        EventKind = "reconnecting"
	EventResumed             EventKind = "resumed"
	EventMuteChanged         EventKind = "mute_changed"
	EventScreenShareChanged  EventKind = "screen_share_changed"
	EventEnded               EventKind = "ended"
	EventDeclined            EventKind = "declined"
	EventMissed              EventKind = "missed"
	EventCancelled           EventKind = "cancelled"
	EventFailed              EventKind = "failed"
)

// Event is one lifecycle transition. Seq is per-call monotonic; subscribers
// see events in exactly the order the state machine produced them.
type Event struct {
	CallID      domain.CallID        `json:"callId"`
	Seq         uint64               `json:"seq"`
	Participant domain.ParticipantID `json:"participantId,omitempty"`
	Kind        EventKind            `json:"event"`
	Reason      string               `json:"reason,omitempty"`
	At          time.Time            `json:"timestamp"`
}

// Bus fans lifecycle events out to subscribers. Each subscriber gets its own
// buffered channel; a subscriber that falls behind loses events rather than
// stalling the emitting state machine.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.Warn().Str("module", "call.bus").Str("call", string(e.CallID)).Str("event", string(e.Kind)).Msg("subscriber full, event dropped")
		}
	}
}
