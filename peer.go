package routerlink

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/opd-ai/routerlink/netdb"
	"github.com/opd-ai/routerlink/transport"
)

// PeerState is the lifecycle position of a peer record.
type PeerState uint8

const (
	// PeerUnresolved means no descriptor is known and no lookup is running.
	PeerUnresolved PeerState = iota
	// PeerResolving means a descriptor lookup is in flight.
	PeerResolving
	// PeerConnecting means a connection attempt is in flight.
	PeerConnecting
	// PeerConnected means at least one session is live.
	PeerConnected
	// PeerIdle means the last session closed with nothing left to send.
	PeerIdle
)

// String returns the state name.
func (s PeerState) String() string {
	switch s {
	case PeerUnresolved:
		return "unresolved"
	case PeerResolving:
		return "resolving"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerIdle:
		return "idle"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// peer is the registry record for one remote router. It is only mutated on
// the run loop while holding the registry write lock.
type peer struct {
	ident        netdb.Identity
	descriptor   *netdb.RouterDescriptor
	sessions     []transport.Session
	backlog      []transport.Message
	attemptCount int
	createdAt    time.Time
	state        PeerState

	// generation identifies the current lookup or attempt; completions
	// carrying another value are stale.
	generation uint64
	inFlight   bool
}

func newPeer(ident netdb.Identity, desc *netdb.RouterDescriptor, now time.Time) *peer {
	return &peer{
		ident:      ident,
		descriptor: desc,
		createdAt:  now,
		state:      PeerUnresolved,
	}
}

// generations is shared by all records so that a completion for a removed
// peer can never match the record that replaced it.
var generations atomic.Uint64

func (p *peer) nextGeneration() uint64 {
	p.generation = generations.Add(1)
	return p.generation
}

func (p *peer) hasSession(s transport.Session) bool {
	for _, cur := range p.sessions {
		if cur == s {
			return true
		}
	}
	return false
}

func (p *peer) removeSession(s transport.Session) bool {
	for i, cur := range p.sessions {
		if cur == s {
			p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
			return true
		}
	}
	return false
}

// done empties the backlog and returns what was in it.
func (p *peer) done() []transport.Message {
	msgs := p.backlog
	p.backlog = nil
	return msgs
}

// PeerInfo is a read-only snapshot of a peer record.
type PeerInfo struct {
	Identity   netdb.Identity
	Descriptor *netdb.RouterDescriptor
	State      PeerState
	Sessions   []SessionInfo
	Backlog    int
	Attempts   int
	CreatedAt  time.Time
}

// SessionInfo describes one live session of a peer.
type SessionInfo struct {
	ID          string
	Protocol    transport.Protocol
	RemoteAddr  string
	Established time.Time
}

func (p *peer) info() PeerInfo {
	info := PeerInfo{
		Identity:   p.ident,
		Descriptor: p.descriptor,
		State:      p.state,
		Backlog:    len(p.backlog),
		Attempts:   p.attemptCount,
		CreatedAt:  p.createdAt,
	}
	for _, s := range p.sessions {
		addr := ""
		if ra := s.RemoteAddr(); ra != nil {
			addr = ra.String()
		}
		info.Sessions = append(info.Sessions, SessionInfo{
			ID:          s.ID(),
			Protocol:    s.Protocol(),
			RemoteAddr:  addr,
			Established: s.Established(),
		})
	}
	return info
}
