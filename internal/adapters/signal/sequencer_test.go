package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumchat/calls/internal/domain"
	"github.com/quorumchat/calls/internal/protocol"
)

func msg(pid domain.ParticipantID, seq uint64) protocol.Message {
	return protocol.Message{CallID: "c1", SenderID: pid, Seq: seq, Kind: protocol.KindHeartbeat}
}

func seqs(out []protocol.Message) []uint64 {
	var s []uint64
	for _, m := range out {
		s = append(s, m.Seq)
	}
	return s
}

func TestInOrderDeliveryPassesThrough(t *testing.T) {
	s := NewSequencer()
	assert.Equal(t, []uint64{1}, seqs(s.Submit(msg("a", 1))))
	assert.Equal(t, []uint64{2}, seqs(s.Submit(msg("a", 2))))
	assert.Equal(t, []uint64{3}, seqs(s.Submit(msg("a", 3))))
}

func TestOutOfOrderParkedUntilGapFills(t *testing.T) {
	s := NewSequencer()
	require.Equal(t, []uint64{1}, seqs(s.Submit(msg("a", 1))))

	// 3 and 4 arrive before 2: both wait.
	assert.Empty(t, s.Submit(msg("a", 3)))
	assert.Empty(t, s.Submit(msg("a", 4)))

	// 2 releases the whole run in order.
	assert.Equal(t, []uint64{2, 3, 4}, seqs(s.Submit(msg("a", 2))))
}

func TestDuplicatesDropped(t *testing.T) {
	s := NewSequencer()
	require.Equal(t, []uint64{1}, seqs(s.Submit(msg("a", 1))))
	require.Equal(t, []uint64{2}, seqs(s.Submit(msg("a", 2))))

	assert.Empty(t, s.Submit(msg("a", 1)), "retransmit of a delivered seq")
	assert.Empty(t, s.Submit(msg("a", 2)))
	assert.Equal(t, []uint64{3}, seqs(s.Submit(msg("a", 3))), "ordering survives duplicates")
}

func TestSendersSequencedIndependently(t *testing.T) {
	s := NewSequencer()
	require.Equal(t, []uint64{1}, seqs(s.Submit(msg("a", 1))))
	assert.Empty(t, s.Submit(msg("b", 3)), "b parked behind its own gap")
	assert.Equal(t, []uint64{2}, seqs(s.Submit(msg("a", 2))), "a unaffected by b's gap")
}

func TestFirstMessageSetsBaseline(t *testing.T) {
	s := NewSequencer()
	// A reconnecting client resumes mid-stream.
	assert.Equal(t, []uint64{17}, seqs(s.Submit(msg("a", 17))))
	assert.Empty(t, s.Submit(msg("a", 17)))
	assert.Equal(t, []uint64{18}, seqs(s.Submit(msg("a", 18))))
}

func TestForgetResetsBaseline(t *testing.T) {
	s := NewSequencer()
	require.Equal(t, []uint64{5}, seqs(s.Submit(msg("a", 5))))
	s.Forget("a")
	assert.Equal(t, []uint64{1}, seqs(s.Submit(msg("a", 1))), "fresh identity starts over")
}

func TestHeldMessagesBounded(t *testing.T) {
	s := NewSequencer()
	require.Equal(t, []uint64{1}, seqs(s.Submit(msg("a", 1))))
	for i := uint64(0); i < maxHeld+10; i++ {
		s.Submit(msg("a", 10+i))
	}
	// Filling the gap releases at most the bounded run; the overflow was
	// dropped, not queued without limit.
	released := s.Submit(msg("a", 2))
	assert.LessOrEqual(t, len(released), maxHeld+1)
	assert.Equal(t, uint64(2), released[0].Seq)
}