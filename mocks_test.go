package routerlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/routerlink/netdb"
	"github.com/opd-ai/routerlink/transport"
)

var errRefused = errors.New("connection refused")

// ---------------------------------------------------------------------------
// mockSession records what is sent on it and reports its closure to the
// owning server's events exactly once.
// ---------------------------------------------------------------------------

var sessionSeq atomic.Uint64

type mockSession struct {
	id       string
	protocol transport.Protocol
	remote   netdb.Identity
	desc     *netdb.RouterDescriptor
	events   transport.Events

	mu      sync.Mutex
	sent    []transport.Message
	sendErr error

	closeOnce sync.Once
	done      chan struct{}
}

func newMockSession(protocol transport.Protocol, desc *netdb.RouterDescriptor, events transport.Events) *mockSession {
	return &mockSession{
		id:       fmt.Sprintf("mock-%d", sessionSeq.Add(1)),
		protocol: protocol,
		remote:   desc.Identity(),
		desc:     desc,
		events:   events,
		done:     make(chan struct{}),
	}
}

func (m *mockSession) ID() string                                { return m.id }
func (m *mockSession) Protocol() transport.Protocol              { return m.protocol }
func (m *mockSession) RemoteIdentity() netdb.Identity            { return m.remote }
func (m *mockSession) RemoteDescriptor() *netdb.RouterDescriptor { return m.desc }
func (m *mockSession) Established() time.Time                    { return time.Time{} }
func (m *mockSession) Done() <-chan struct{}                     { return m.done }

func (m *mockSession) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 9000}
}

func (m *mockSession) SendMessages(msgs []transport.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	select {
	case <-m.done:
		return transport.ErrSessionClosed
	default:
	}
	m.sent = append(m.sent, msgs...)
	return nil
}

func (m *mockSession) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.events != nil {
			m.events.PeerDisconnected(m)
		}
	})
	return nil
}

func (m *mockSession) isClosed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *mockSession) sentIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint32, 0, len(m.sent))
	for _, msg := range m.sent {
		ids = append(ids, msg.ID)
	}
	return ids
}

// ---------------------------------------------------------------------------
// mockServer is a protocol server whose Connect behaviour is set per test.
// ---------------------------------------------------------------------------

type mockServer struct {
	protocol transport.Protocol
	startErr error

	mu        sync.Mutex
	events    transport.Events
	running   bool
	stopped   int
	connects  []netip.AddrPort
	connectFn func(ctx context.Context, desc *netdb.RouterDescriptor, addr netip.AddrPort) (transport.Session, error)
}

func newMockServer(protocol transport.Protocol) *mockServer {
	return &mockServer{protocol: protocol}
}

func (m *mockServer) Protocol() transport.Protocol { return m.protocol }
func (m *mockServer) LocalPort() uint16            { return 9000 + uint16(m.protocol) }

func (m *mockServer) Start(ctx context.Context, events transport.Events) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.events = events
	m.running = true
	return nil
}

func (m *mockServer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.stopped++
	return nil
}

func (m *mockServer) Connect(ctx context.Context, desc *netdb.RouterDescriptor, addr netip.AddrPort) (transport.Session, error) {
	m.mu.Lock()
	m.connects = append(m.connects, addr)
	fn := m.connectFn
	m.mu.Unlock()

	if fn == nil {
		return nil, errRefused
	}
	return fn(ctx, desc, addr)
}

// accept makes every Connect succeed and returns the sessions through ch.
func (m *mockServer) accept(ch chan<- *mockSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectFn = func(ctx context.Context, desc *netdb.RouterDescriptor, addr netip.AddrPort) (transport.Session, error) {
		s := newMockSession(m.protocol, desc, m.eventsSink())
		if ch != nil {
			ch <- s
		}
		return s, nil
	}
}

func (m *mockServer) setConnect(fn func(ctx context.Context, desc *netdb.RouterDescriptor, addr netip.AddrPort) (transport.Session, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectFn = fn
}

func (m *mockServer) eventsSink() transport.Events {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

func (m *mockServer) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connects)
}

func (m *mockServer) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// ---------------------------------------------------------------------------
// mockStore answers FindRouter from a map and RequestRouter from the same
// map, optionally holding each request until released.
// ---------------------------------------------------------------------------

type mockStore struct {
	mu       sync.Mutex
	cached   map[netdb.Identity]*netdb.RouterDescriptor
	remote   map[netdb.Identity]*netdb.RouterDescriptor
	hold     chan struct{}
	requests atomic.Int32
	answered atomic.Int32
}

func newMockStore() *mockStore {
	return &mockStore{
		cached: make(map[netdb.Identity]*netdb.RouterDescriptor),
		remote: make(map[netdb.Identity]*netdb.RouterDescriptor),
	}
}

func (m *mockStore) addCached(d *netdb.RouterDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached[d.Identity()] = d
}

func (m *mockStore) addRemote(d *netdb.RouterDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote[d.Identity()] = d
}

func (m *mockStore) FindRouter(ident netdb.Identity) *netdb.RouterDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached[ident]
}

func (m *mockStore) RequestRouter(ident netdb.Identity, done func(*netdb.RouterDescriptor, error)) {
	m.requests.Add(1)
	m.mu.Lock()
	hold := m.hold
	m.mu.Unlock()

	go func() {
		if hold != nil {
			<-hold
		}
		m.mu.Lock()
		d, ok := m.remote[ident]
		m.mu.Unlock()
		defer m.answered.Add(1)
		if !ok {
			done(nil, netdb.ErrNotFound)
			return
		}
		done(d, nil)
	}()
}

// ---------------------------------------------------------------------------
// mockResolver maps hostnames to fixed addresses.
// ---------------------------------------------------------------------------

type mockResolver struct {
	hosts map[string][]netip.Addr
}

func (m *mockResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip}, nil
	}
	addrs, ok := m.hosts[host]
	if !ok {
		return nil, transport.ErrNoAddresses
	}
	return addrs, nil
}

// ---------------------------------------------------------------------------
// mockMapper records port mappings and reports a fixed external address.
// ---------------------------------------------------------------------------

type mockMapper struct {
	mu       sync.Mutex
	fail     map[string]bool
	mapped   map[string]uint16
	unmapped []string
	closed   bool
}

func newMockMapper() *mockMapper {
	return &mockMapper{fail: map[string]bool{}, mapped: map[string]uint16{}}
}

func (m *mockMapper) Map(ctx context.Context, proto string, port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[proto] {
		return fmt.Errorf("map %s: %w", proto, errRefused)
	}
	m.mapped[proto] = port
	return nil
}

func (m *mockMapper) Unmap(ctx context.Context, proto string, port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmapped = append(m.unmapped, fmt.Sprintf("%s/%d", proto, port))
	return nil
}

func (m *mockMapper) ExternalIP(ctx context.Context) (netip.Addr, error) {
	return netip.MustParseAddr("203.0.113.9"), nil
}

func (m *mockMapper) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockMapper) mappedPort(proto string) (uint16, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	port, ok := m.mapped[proto]
	return port, ok
}

// ---------------------------------------------------------------------------
// failureRecorder collects OnDeliveryFailure notifications.
// ---------------------------------------------------------------------------

type recordedFailure struct {
	ident  netdb.Identity
	ids    []uint32
	reason error
}

type failureRecorder struct {
	mu       sync.Mutex
	failures []recordedFailure
}

func (r *failureRecorder) record(ident netdb.Identity, msgs []transport.Message, reason error) {
	ids := make([]uint32, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, recordedFailure{ident, ids, reason})
}

func (r *failureRecorder) snapshot() []recordedFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedFailure(nil), r.failures...)
}

// failedIDs returns every message ID reported with reason.
func (r *failureRecorder) failedIDs(reason error) []uint32 {
	var ids []uint32
	for _, f := range r.snapshot() {
		if errors.Is(f.reason, reason) {
			ids = append(ids, f.ids...)
		}
	}
	return ids
}
