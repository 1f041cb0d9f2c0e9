// Package negotiate drives peer links through offer/answer rounds. It never
// inspects media content; descriptions and candidates are supplied by the
// capture layer and the remote side and only sequenced here.
package negotiate

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type LinkState int

const (
	LinkIdle LinkState = iota
	LinkOffering
	LinkAnswering
	LinkStable
	LinkRenegotiating
	LinkFailed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkOffering:
		return "offering"
	case LinkAnswering:
		return "answering"
	case LinkStable:
		return "stable"
	case LinkRenegotiating:
		return "renegotiating"
	case LinkFailed:
		return "failed"
	}
	return "unknown"
}

type LinkID string

var (
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrUnknownLink       = errors.New("unknown link")
	ErrLinkState         = errors.New("operation not valid in link state")
)

// PeerLink is one negotiated media relationship: endpoint to endpoint on a
// direct call, endpoint to SFU on a group call.
type PeerLink struct {
	ID LinkID

	state         LinkState
	localVersion  int
	remoteVersion int
	pending       []webrtc.ICECandidateInit
	attempts      int
	timer         *time.Timer
}

// Hooks are invoked outside the negotiator lock, from whichever goroutine
// advanced the link.
type Hooks struct {
	OnStable          func(LinkID)
	OnFailed          func(LinkID, error)
	OnRemoteCandidate func(LinkID, webrtc.ICECandidateInit)
}

type Negotiator struct {
	mu      sync.Mutex
	links   map[LinkID]*PeerLink
	timeout time.Duration
	hooks   Hooks
	lg      zerolog.Logger
}

func New(timeout time.Duration, hooks Hooks) *Negotiator {
	return &Negotiator{
		links:   make(map[LinkID]*PeerLink),
		timeout: timeout,
		hooks:   hooks,
		lg:      log.With().Str("module", "negotiate").Logger(),
	}
}

// Open registers a new idle link. Opening an existing link is a no-op.
func (n *Negotiator) Open(id LinkID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.links[id]; ok {
		return
	}
	n.links[id] = &PeerLink{ID: id}
}

// StartOffer begins a round as initiator. An idle link moves to offering, a
// stable link to renegotiating (tracks added or removed).
func (n *Negotiator) StartOffer(id LinkID, local webrtc.SessionDescription) error {
	n.mu.Lock()
	l, ok := n.links[id]
	if !ok {
		n.mu.Unlock()
		return ErrUnknownLink
	}
	switch l.state {
	case LinkIdle:
		l.state = LinkOffering
	case LinkStable:
		l.state = LinkRenegotiating
	default:
		n.mu.Unlock()
		return ErrLinkState
	}
	l.localVersion++
	l.attempts++
	st := l.state.String()
	n.armTimer(l)
	n.mu.Unlock()
	n.lg.Debug().Str("link", string(id)).Str("state", st).Msg("offer started")
	return nil
}

// HandleRemoteOffer begins a round as responder.
func (n *Negotiator) HandleRemoteOffer(id LinkID, remote webrtc.SessionDescription) error {
	n.mu.Lock()
	l, ok := n.links[id]
	if !ok {
		n.mu.Unlock()
		return ErrUnknownLink
	}
	switch l.state {
	case LinkIdle:
		l.state = LinkAnswering
	case LinkStable:
		l.state = LinkRenegotiating
	default:
		n.mu.Unlock()
		return ErrLinkState
	}
	l.remoteVersion++
	l.attempts++
	n.armTimer(l)
	flushed := n.takePendingLocked(l)
	n.mu.Unlock()
	n.deliverCandidates(id, flushed)
	return nil
}

// ProvideAnswer completes a responder round.
func (n *Negotiator) ProvideAnswer(id LinkID, local webrtc.SessionDescription) error {
	return n.settle(id, func(l *PeerLink) error {
		switch l.state {
		case LinkAnswering, LinkRenegotiating:
		default:
			return ErrLinkState
		}
		l.localVersion++
		return nil
	})
}

// HandleRemoteAnswer completes an initiator round.
func (n *Negotiator) HandleRemoteAnswer(id LinkID, remote webrtc.SessionDescription) error {
	return n.settle(id, func(l *PeerLink) error {
		switch l.state {
		case LinkOffering, LinkRenegotiating:
		default:
			return ErrLinkState
		}
		l.remoteVersion++
		return nil
	})
}

func (n *Negotiator) settle(id LinkID, advance func(*PeerLink) error) error {
	n.mu.Lock()
	l, ok := n.links[id]
	if !ok {
		n.mu.Unlock()
		return ErrUnknownLink
	}
	if err := advance(l); err != nil {
		n.mu.Unlock()
		return err
	}
	l.state = LinkStable
	l.attempts = 0
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	flushed := n.takePendingLocked(l)
	n.mu.Unlock()

	n.deliverCandidates(id, flushed)
	if n.hooks.OnStable != nil {
		n.hooks.OnStable(id)
	}
	n.lg.Debug().Str("link", string(id)).Msg("link stable")
	return nil
}

// AddCandidate routes a remote ICE candidate. Candidates arriving before the
// remote description are held and flushed once it lands.
func (n *Negotiator) AddCandidate(id LinkID, cand webrtc.ICECandidateInit) error {
	n.mu.Lock()
	l, ok := n.links[id]
	if !ok {
		n.mu.Unlock()
		return ErrUnknownLink
	}
	if l.remoteVersion == 0 {
		l.pending = append(l.pending, cand)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	n.deliverCandidates(id, []webrtc.ICECandidateInit{cand})
	return nil
}

// Reset returns a failed link to idle for a retry round.
func (n *Negotiator) Reset(id LinkID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.links[id]
	if !ok {
		return ErrUnknownLink
	}
	if l.state != LinkFailed {
		return ErrLinkState
	}
	l.state = LinkIdle
	l.pending = nil
	return nil
}

// Attempts reports how many rounds this link has started since it last
// reached stable. The owner uses this for its retry budget.
func (n *Negotiator) Attempts(id LinkID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l, ok := n.links[id]; ok {
		return l.attempts
	}
	return 0
}

func (n *Negotiator) State(id LinkID) (LinkState, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.links[id]
	if !ok {
		return LinkIdle, false
	}
	return l.state, true
}

// Close discards a link on teardown.
func (n *Negotiator) Close(id LinkID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l, ok := n.links[id]; ok && l.timer != nil {
		l.timer.Stop()
	}
	delete(n.links, id)
}

// CloseAll discards every link whose id has the given prefix. Link ids are
// namespaced by call, so this is the per-call teardown.
func (n *Negotiator) CloseAll(prefix string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, l := range n.links {
		if len(id) >= len(prefix) && string(id[:len(prefix)]) == prefix {
			if l.timer != nil {
				l.timer.Stop()
			}
			delete(n.links, id)
		}
	}
}

func (n *Negotiator) armTimer(l *PeerLink) {
	if l.timer != nil {
		l.timer.Stop()
	}
	if n.timeout <= 0 {
		return
	}
	id := l.ID
	l.timer = time.AfterFunc(n.timeout, func() { n.expire(id) })
}

func (n *Negotiator) expire(id LinkID) {
	n.mu.Lock()
	l, ok := n.links[id]
	if !ok {
		n.mu.Unlock()
		return
	}
	switch l.state {
	case LinkOffering, LinkAnswering, LinkRenegotiating:
	default:
		n.mu.Unlock()
		return
	}
	l.state = LinkFailed
	l.timer = nil
	n.mu.Unlock()

	n.lg.Warn().Str("link", string(id)).Msg("negotiation timed out")
	if n.hooks.OnFailed != nil {
		n.hooks.OnFailed(id, ErrNegotiationFailed)
	}
}

func (n *Negotiator) takePendingLocked(l *PeerLink) []webrtc.ICECandidateInit {
	flushed := l.pending
	l.pending = nil
	return flushed
}

func (n *Negotiator) deliverCandidates(id LinkID, cands []webrtc.ICECandidateInit) {
	if n.hooks.OnRemoteCandidate == nil {
		return
	}
	for _, c := range cands {
		n.hooks.OnRemoteCandidate(id, c)
	}
}
