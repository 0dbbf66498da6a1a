package transport

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/routerlink/crypto"
	"github.com/opd-ai/routerlink/netdb"
)

// recordingEvents collects server notifications.
type recordingEvents struct {
	mu           sync.Mutex
	connected    []Session
	disconnected []Session
	messages     []Message

	sent, received atomic.Uint64
	keyRequests    atomic.Int32

	connectedCh chan Session
	messageCh   chan Message
	closedCh    chan Session
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{
		connectedCh: make(chan Session, 16),
		messageCh:   make(chan Message, 64),
		closedCh:    make(chan Session, 16),
	}
}

func (e *recordingEvents) PeerConnected(s Session) {
	e.mu.Lock()
	e.connected = append(e.connected, s)
	e.mu.Unlock()
	e.connectedCh <- s
}

func (e *recordingEvents) PeerDisconnected(s Session) {
	e.mu.Lock()
	e.disconnected = append(e.disconnected, s)
	e.mu.Unlock()
	e.closedCh <- s
}

func (e *recordingEvents) MessageReceived(_ Session, m Message) {
	e.mu.Lock()
	e.messages = append(e.messages, m)
	e.mu.Unlock()
	e.messageCh <- m
}

func (e *recordingEvents) UpdateSentBytes(n uint64)     { e.sent.Add(n) }
func (e *recordingEvents) UpdateReceivedBytes(n uint64) { e.received.Add(n) }

func (e *recordingEvents) GetNextKeyPair(context.Context) (*crypto.KeyPair, error) {
	e.keyRequests.Add(1)
	return crypto.GenerateKeyPair()
}

func (e *recordingEvents) disconnectCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.disconnected)
}

type testRouter struct {
	keys *crypto.KeyPair
	desc *netdb.RouterDescriptor
}

func newTestRouter(t *testing.T) testRouter {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return testRouter{keys: kp, desc: netdb.NewRouterDescriptor(kp.Public)}
}

func loopback(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

func waitSession(t *testing.T, ch <-chan Session) Session {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for session event")
		return nil
	}
}

func waitMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}
