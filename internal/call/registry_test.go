package call

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumchat/calls/internal/domain"
)

func registryMachine(id domain.CallID) *Machine {
	c := domain.NewCall(id, domain.CallKindDirect, alice, time.Now())
	return NewMachine(c, Config{}, NewBus())
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	m := registryMachine("c1")

	require.NoError(t, r.Add("c1", m))
	assert.ErrorIs(t, r.Add("c1", m), ErrCallExists)

	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Same(t, m, got)
	assert.Equal(t, 1, r.Len())

	r.Remove("c1")
	_, ok = r.Get("c1")
	assert.False(t, ok)
	assert.Zero(t, r.Len())

	// Remove closed the mailbox.
	assert.ErrorIs(t, m.Invite(bob, "bob"), ErrCallClosed)
}

func TestRegistryRemoveUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Remove("nope")
	assert.Zero(t, r.Len())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := domain.CallID(fmt.Sprintf("c%d", i))
			_ = r.Add(id, registryMachine(id))
			_, _ = r.Get(id)
			if i%2 == 0 {
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, r.Len())
	for _, m := range r.List() {
		m.Close()
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(1)
	b.Publish(Event{CallID: "c1", Seq: 1})
	b.Publish(Event{CallID: "c1", Seq: 2})

	e := <-ch
	assert.Equal(t, uint64(1), e.Seq)
	select {
	case e := <-ch:
		t.Fatalf("expected second event dropped, got seq %d", e.Seq)
	default:
	}
}
