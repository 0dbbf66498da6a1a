package routerlink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/routerlink/bandwidth"
	"github.com/opd-ai/routerlink/crypto"
	"github.com/opd-ai/routerlink/netdb"
	"github.com/opd-ai/routerlink/transport"
)

// Server is a protocol server the orchestrator connects through.
type Server interface {
	Protocol() transport.Protocol
	Start(ctx context.Context, events transport.Events) error
	Stop() error
	Connect(ctx context.Context, desc *netdb.RouterDescriptor, addr netip.AddrPort) (transport.Session, error)
	LocalPort() uint16
}

// RouterInfoStore resolves identities to descriptors.
type RouterInfoStore interface {
	// FindRouter answers from local state only.
	FindRouter(ident netdb.Identity) *netdb.RouterDescriptor
	// RequestRouter resolves asynchronously and calls done exactly once.
	RequestRouter(ident netdb.Identity, done func(*netdb.RouterDescriptor, error))
}

// NameResolver turns stream hostnames into addresses.
type NameResolver interface {
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

// MessageHandler receives inbound messages.
type MessageHandler func(from netdb.Identity, msg transport.Message)

// DeliveryFailureHandler receives messages that were discarded without being
// sent, with the reason.
type DeliveryFailureHandler func(to netdb.Identity, msgs []transport.Message, reason error)

// Dependencies are the collaborators of a Transports instance. Stream and
// Datagram may be nil but not both.
type Dependencies struct {
	// Identity is our own router identity; messages addressed to it are
	// dropped.
	Identity netdb.Identity
	Stream   Server
	Datagram Server
	Store    RouterInfoStore
	Resolver NameResolver
	Mapper   transport.PortMapper
	Supplier *crypto.KeyPairSupplier
	Clock    clock.Clock
}

type deliveryFailure struct {
	ident  netdb.Identity
	msgs   []transport.Message
	reason error
}

// Transports routes messages to remote routers. It keeps one record per
// known peer, connects on demand through the stream protocol and then the
// datagram protocol, queues messages while a session is being built, and
// reclaims records that never got a session.
//
// All registry mutations happen on a single run-loop goroutine; public
// mutators post tasks to it and never block on network I/O.
type Transports struct {
	opts     *Options
	self     netdb.Identity
	stream   Server
	datagram Server
	store    RouterInfoStore
	resolver NameResolver
	mapper   transport.PortMapper
	supplier *crypto.KeyPairSupplier
	clock    clock.Clock
	meter    *bandwidth.Meter

	// mu guards peers. Only the run loop writes.
	mu    sync.RWMutex
	peers map[netdb.Identity]*peer

	tasks    *taskQueue
	failures []deliveryFailure

	callbackMu sync.RWMutex
	onMessage  MessageHandler
	onFailure  DeliveryFailureHandler

	runMu    sync.Mutex
	running  bool
	stopped  bool
	stopping bool
	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	loopWG   sync.WaitGroup
	attempts sync.WaitGroup
	mapped   []mappedPort
}

type mappedPort struct {
	proto string
	port  uint16
}

// New creates a Transports instance. Nothing runs until Start.
func New(opts *Options, deps Dependencies) (*Transports, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if deps.Stream == nil && deps.Datagram == nil {
		return nil, errors.New("at least one protocol server is required")
	}

	t := &Transports{
		opts:     opts,
		self:     deps.Identity,
		stream:   deps.Stream,
		datagram: deps.Datagram,
		store:    deps.Store,
		resolver: deps.Resolver,
		mapper:   deps.Mapper,
		supplier: deps.Supplier,
		clock:    deps.Clock,
		meter:    bandwidth.NewMeter(opts.LowBandwidthLimit),
		peers:    make(map[netdb.Identity]*peer),
		tasks:    newTaskQueue(),
	}

	if t.store == nil {
		db, err := netdb.New(netdb.NewMemoryBackend(), netdb.DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		t.store = db
	}
	if t.resolver == nil {
		t.resolver = transport.SystemResolver{}
	}
	if t.mapper == nil {
		t.mapper = transport.NoopMapper{}
	}
	if t.supplier == nil {
		t.supplier = crypto.NewKeyPairSupplier(opts.KeyPoolSize, nil)
	}
	if t.clock == nil {
		t.clock = clock.New()
	}

	return t, nil
}

// Start brings up the key supplier and the protocol servers, then starts
// the run loop. If any of them fails everything started so far is stopped
// again. Calling Start on a running instance is a no-op; a stopped instance
// cannot be restarted.
func (t *Transports) Start() error {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	if t.running {
		return nil
	}
	if t.stopped {
		return ErrStopped
	}

	if err := t.supplier.Start(); err != nil {
		return fmt.Errorf("failed to start key supplier: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range t.servers() {
		srv := srv
		g.Go(func() error {
			if err := srv.Start(gctx, t); err != nil {
				return fmt.Errorf("failed to start %s server: %w", srv.Protocol(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Transports.Start",
			"error":    err.Error(),
		}).Error("Failed to start protocol servers")

		for _, srv := range t.servers() {
			_ = srv.Stop()
		}
		t.supplier.Stop()
		cancel()
		return err
	}

	t.ctx, t.cancel = ctx, cancel
	t.stopCh = make(chan struct{})
	t.running = true

	t.meter.Update(t.clock.Now())
	cleanup := t.clock.Ticker(t.opts.CleanupInterval)
	bw := t.clock.Ticker(t.opts.BandwidthInterval)

	t.loopWG.Add(1)
	go t.run(t.stopCh, cleanup, bw)

	t.mapPorts(ctx)

	logrus.WithFields(logrus.Fields{
		"function":      "Transports.Start",
		"identity":      t.self.Short(),
		"stream_port":   portOf(t.stream),
		"datagram_port": portOf(t.datagram),
	}).Info("Transports started")

	return nil
}

// Stop shuts everything down. Queued tasks run before the loop exits;
// messages still waiting for a session are reported as failed with
// ErrStopped. Stop may be called more than once.
func (t *Transports) Stop() error {
	t.runMu.Lock()
	if !t.running {
		t.stopped = true
		t.runMu.Unlock()
		t.tasks.close()
		return nil
	}
	t.running = false
	t.stopped = true
	t.runMu.Unlock()

	t.mu.Lock()
	t.stopping = true
	t.mu.Unlock()

	t.cancel()
	close(t.stopCh)
	t.loopWG.Wait()
	t.attempts.Wait()

	t.mu.Lock()
	for ident, p := range t.peers {
		if msgs := p.done(); len(msgs) > 0 {
			t.failures = append(t.failures, deliveryFailure{ident, msgs, ErrStopped})
		}
		delete(t.peers, ident)
	}
	t.mu.Unlock()
	t.flushFailures()

	var err error
	for _, srv := range t.servers() {
		err = multierr.Append(err, srv.Stop())
	}

	t.unmapPorts()
	err = multierr.Append(err, t.mapper.Close())
	t.supplier.Stop()

	logrus.WithFields(logrus.Fields{
		"function":       "Transports.Stop",
		"sent_bytes":     t.meter.TotalSent(),
		"received_bytes": t.meter.TotalReceived(),
	}).Info("Transports stopped")

	return err
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (t *Transports) IsRunning() bool {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	return t.running
}

func (t *Transports) servers() []Server {
	var srvs []Server
	if t.stream != nil {
		srvs = append(srvs, t.stream)
	}
	if t.datagram != nil {
		srvs = append(srvs, t.datagram)
	}
	return srvs
}

func portOf(srv Server) uint16 {
	if srv == nil {
		return 0
	}
	return srv.LocalPort()
}

// run is the single execution context owning the registry.
func (t *Transports) run(stop <-chan struct{}, cleanup, bw *clock.Ticker) {
	defer t.loopWG.Done()
	defer cleanup.Stop()
	defer bw.Stop()

	for {
		select {
		case <-t.tasks.notify:
			t.runTasks()
		case now := <-cleanup.C:
			t.runTask(func() { t.sweep(now) })
		case now := <-bw.C:
			t.meter.Update(now)
		case <-stop:
			t.tasks.close()
			t.runTasks()
			return
		}
	}
}

func (t *Transports) runTasks() {
	for _, task := range t.tasks.take() {
		t.runTask(task)
	}
}

// runTask executes task under the registry write lock and then delivers any
// failure notifications it produced without holding the lock.
func (t *Transports) runTask(task func()) {
	t.mu.Lock()
	task()
	t.mu.Unlock()
	t.flushFailures()
}

func (t *Transports) post(task func()) bool {
	return t.tasks.post(task)
}

// reportFailure queues a failure notification. Loop only.
func (t *Transports) reportFailure(ident netdb.Identity, msgs []transport.Message, reason error) {
	if len(msgs) == 0 {
		return
	}
	t.failures = append(t.failures, deliveryFailure{ident, msgs, reason})
}

func (t *Transports) flushFailures() {
	failures := t.failures
	t.failures = nil
	if len(failures) == 0 {
		return
	}

	t.callbackMu.RLock()
	cb := t.onFailure
	t.callbackMu.RUnlock()

	for _, f := range failures {
		logrus.WithFields(logrus.Fields{
			"function": "Transports.flushFailures",
			"ident":    f.ident.Short(),
			"messages": len(f.msgs),
			"reason":   f.reason.Error(),
		}).Debug("Discarding undelivered messages")
		if cb != nil {
			cb(f.ident, f.msgs, f.reason)
		}
	}
}

// OnMessage sets the callback for inbound messages. It is called from the
// protocol servers' goroutines.
func (t *Transports) OnMessage(cb MessageHandler) {
	t.callbackMu.Lock()
	defer t.callbackMu.Unlock()
	t.onMessage = cb
}

// OnDeliveryFailure sets the callback for discarded messages. It is called
// from the run loop and from Stop.
func (t *Transports) OnDeliveryFailure(cb DeliveryFailureHandler) {
	t.callbackMu.Lock()
	defer t.callbackMu.Unlock()
	t.onFailure = cb
}

// SendMessage queues msg for delivery to ident.
func (t *Transports) SendMessage(ident netdb.Identity, msg transport.Message) error {
	return t.SendMessages(ident, []transport.Message{msg})
}

// SendMessages queues msgs, in order, for delivery to ident. It returns
// immediately; delivery problems are reported through OnDeliveryFailure.
func (t *Transports) SendMessages(ident netdb.Identity, msgs []transport.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if !t.IsRunning() {
		return ErrStopped
	}
	batch := append([]transport.Message(nil), msgs...)
	if !t.post(func() { t.postMessages(ident, batch) }) {
		return ErrStopped
	}
	return nil
}

// CloseSession closes every session to the router described by desc. A nil
// descriptor is ignored.
func (t *Transports) CloseSession(desc *netdb.RouterDescriptor) {
	if desc == nil {
		return
	}
	ident := desc.Identity()
	t.post(func() { t.closeSessions(ident) })
}

// PeerConnected registers an inbound session. It implements transport.Events.
func (t *Transports) PeerConnected(s transport.Session) {
	t.post(func() { t.handlePeerConnected(s) })
}

// PeerDisconnected removes a closed session. It implements transport.Events.
func (t *Transports) PeerDisconnected(s transport.Session) {
	t.post(func() { t.handlePeerDisconnected(s) })
}

// MessageReceived hands an inbound message to the OnMessage callback. It
// implements transport.Events.
func (t *Transports) MessageReceived(s transport.Session, msg transport.Message) {
	t.callbackMu.RLock()
	cb := t.onMessage
	t.callbackMu.RUnlock()

	if cb != nil {
		cb(s.RemoteIdentity(), msg)
	}
}

// UpdateSentBytes adds n to the sent counter.
func (t *Transports) UpdateSentBytes(n uint64) { t.meter.AddSent(n) }

// UpdateReceivedBytes adds n to the received counter.
func (t *Transports) UpdateReceivedBytes(n uint64) { t.meter.AddReceived(n) }

// GetNextKeyPair takes a pre-generated ephemeral key pair from the pool,
// waiting for one if the pool is empty.
func (t *Transports) GetNextKeyPair(ctx context.Context) (*crypto.KeyPair, error) {
	return t.supplier.Acquire(ctx)
}

// ReuseKeyPair returns an unused key pair to the pool.
func (t *Transports) ReuseKeyPair(kp *crypto.KeyPair) {
	t.supplier.Return(kp)
}

// TotalSentBytes returns the bytes sent since creation.
func (t *Transports) TotalSentBytes() uint64 { return t.meter.TotalSent() }

// TotalReceivedBytes returns the bytes received since creation.
func (t *Transports) TotalReceivedBytes() uint64 { return t.meter.TotalReceived() }

// InBandwidth returns the inbound rate estimate in bytes per second.
func (t *Transports) InBandwidth() uint64 { return t.meter.In() }

// OutBandwidth returns the outbound rate estimate in bytes per second.
func (t *Transports) OutBandwidth() uint64 { return t.meter.Out() }

// IsBandwidthExceeded reports whether the outbound rate is below the
// configured low bandwidth limit.
func (t *Transports) IsBandwidthExceeded() bool { return t.meter.IsExceeded() }

// IsConnected reports whether ident has at least one live session.
func (t *Transports) IsConnected(ident netdb.Identity) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[ident]
	return ok && len(p.sessions) > 0
}

// PeerCount returns the number of peer records.
func (t *Transports) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// RandomPeer returns the descriptor of a random peer with a known
// descriptor, or nil.
func (t *Transports) RandomPeer() *netdb.RouterDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()

	candidates := make([]*netdb.RouterDescriptor, 0, len(t.peers))
	for _, p := range t.peers {
		if p.descriptor != nil {
			candidates = append(candidates, p.descriptor)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.IntN(len(candidates))]
}

// Peers returns a snapshot of every peer record, ordered by identity.
func (t *Transports) Peers() []PeerInfo {
	t.mu.RLock()
	infos := make([]PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		infos = append(infos, p.info())
	}
	t.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return bytes.Compare(infos[i].Identity[:], infos[j].Identity[:]) < 0
	})
	return infos
}

// FormattedSessionInfo describes the sessions to the router described by
// desc, for log lines.
func (t *Transports) FormattedSessionInfo(desc *netdb.RouterDescriptor) string {
	if desc == nil {
		return "[no router]"
	}
	ident := desc.Identity()

	t.mu.RLock()
	p, ok := t.peers[ident]
	var info PeerInfo
	if ok {
		info = p.info()
	}
	t.mu.RUnlock()

	if !ok {
		return fmt.Sprintf("[%s] not known", ident.Short())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", ident.Short(), info.State)
	for _, s := range info.Sessions {
		fmt.Fprintf(&b, " %s:%s up %s", s.Protocol, s.RemoteAddr, t.clock.Since(s.Established).Truncate(time.Second))
	}
	if info.Backlog > 0 {
		fmt.Fprintf(&b, " backlog=%d", info.Backlog)
	}
	return b.String()
}
