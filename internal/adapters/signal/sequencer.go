package signal

import (
	"sync"

	"github.com/quorumchat/calls/internal/domain"
	"github.com/quorumchat/calls/internal/protocol"
)

// maxHeld bounds how many out-of-order messages one sender may park. Beyond
// that the sender is misbehaving and its early messages are dropped.
const maxHeld = 64

// Sequencer restores per-sender ordering at the transport edge. Messages
// arriving ahead of sequence are parked until the gap fills; duplicates and
// stale retransmits are swallowed here so call logic only ever sees each
// sender's stream once, in order.
type Sequencer struct {
	mu      sync.Mutex
	last    map[domain.ParticipantID]uint64
	pending map[domain.ParticipantID]map[uint64]protocol.Message
}

func NewSequencer() *Sequencer {
	return &Sequencer{
		last:    make(map[domain.ParticipantID]uint64),
		pending: make(map[domain.ParticipantID]map[uint64]protocol.Message),
	}
}

// Submit accepts one decoded message and returns the messages now ready for
// delivery, in sequence order. The returned slice is empty for duplicates and
// for messages parked ahead of a gap.
func (s *Sequencer) Submit(msg protocol.Message) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, seen := s.last[msg.SenderID]
	if !seen {
		// First message from this sender sets the baseline; reconnecting
		// clients keep counting from where they left off.
		s.last[msg.SenderID] = msg.Seq
		return append([]protocol.Message{msg}, s.drainLocked(msg.SenderID)...)
	}

	switch {
	case msg.Seq <= last:
		return nil
	case msg.Seq == last+1:
		s.last[msg.SenderID] = msg.Seq
		return append([]protocol.Message{msg}, s.drainLocked(msg.SenderID)...)
	default:
		held := s.pending[msg.SenderID]
		if held == nil {
			held = make(map[uint64]protocol.Message)
			s.pending[msg.SenderID] = held
		}
		if len(held) < maxHeld {
			held[msg.Seq] = msg
		}
		return nil
	}
}

func (s *Sequencer) drainLocked(pid domain.ParticipantID) []protocol.Message {
	held := s.pending[pid]
	if len(held) == 0 {
		return nil
	}
	var out []protocol.Message
	for {
		next, ok := held[s.last[pid]+1]
		if !ok {
			break
		}
		delete(held, next.Seq)
		s.last[pid] = next.Seq
		out = append(out, next)
	}
	if len(held) == 0 {
		delete(s.pending, pid)
	}
	return out
}

// Forget drops a sender's ordering state, for when the participant is gone
// for good rather than reconnecting.
func (s *Sequencer) Forget(pid domain.ParticipantID) {
	s.mu.Lock()
	delete(s.last, pid)
	delete(s.pending, pid)
	s.mu.Unlock()
}
