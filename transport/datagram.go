package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	fnoise "github.com/flynn/noise"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/routerlink/crypto"
	"github.com/opd-ai/routerlink/limits"
	"github.com/opd-ai/routerlink/netdb"
	"github.com/opd-ai/routerlink/noise"
)

// Datagram packet types. Every packet starts with one of these bytes.
const (
	packetHandshake1 byte = iota + 1
	packetHandshake2
	packetHandshake3
	packetData
	packetClose
)

var (
	datagramPrologue = []byte("routerlink/datagram/1")

	// ErrHandshakeInProgress indicates a handshake with the same address is
	// already running.
	ErrHandshakeInProgress = errors.New("handshake already in progress")
)

const (
	// DefaultRetransmitInterval is how often an unanswered first handshake
	// message is resent.
	DefaultRetransmitInterval = time.Second
	// DefaultInboundHandshakeRate is the default number of inbound
	// handshakes accepted per second.
	DefaultInboundHandshakeRate = 20
)

// DatagramConfig configures a DatagramServer.
type DatagramConfig struct {
	// ListenAddr is the UDP address to bind, e.g. ":9100".
	ListenAddr string
	// Static is our long-term key pair.
	Static *crypto.KeyPair
	// Descriptor is announced to peers during the handshake. Optional.
	Descriptor *netdb.RouterDescriptor
	// HandshakeTimeout bounds each handshake.
	HandshakeTimeout time.Duration
	// RetransmitInterval is the resend period for the first message.
	RetransmitInterval time.Duration
	// InboundHandshakeRate limits new inbound handshakes per second.
	InboundHandshakeRate float64
}

// pendingHandshake tracks a handshake that has not produced a session yet.
type pendingHandshake struct {
	role      noise.Role
	hs        *noise.Handshake
	replies   chan []byte
	lastReply []byte
	created   time.Time
}

// DatagramServer implements the datagram protocol over a single UDP socket.
// Sessions are keyed by remote address.
type DatagramServer struct {
	cfg     DatagramConfig
	limiter *rate.Limiter

	mu       sync.Mutex
	conn     *net.UDPConn
	events   Events
	sessions map[netip.AddrPort]*DatagramSession
	pending  map[netip.AddrPort]*pendingHandshake
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewDatagramServer creates a datagram server. It does not bind until Start.
func NewDatagramServer(cfg DatagramConfig) (*DatagramServer, error) {
	if cfg.Static == nil {
		return nil, errors.New("datagram server requires a static key pair")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.RetransmitInterval <= 0 {
		cfg.RetransmitInterval = DefaultRetransmitInterval
	}
	if cfg.InboundHandshakeRate <= 0 {
		cfg.InboundHandshakeRate = DefaultInboundHandshakeRate
	}
	burst := int(cfg.InboundHandshakeRate)
	if burst < 1 {
		burst = 1
	}
	return &DatagramServer{
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.InboundHandshakeRate), burst),
		sessions: make(map[netip.AddrPort]*DatagramSession),
		pending:  make(map[netip.AddrPort]*pendingHandshake),
	}, nil
}

// Protocol returns ProtocolDatagram.
func (d *DatagramServer) Protocol() Protocol { return ProtocolDatagram }

// Start binds the socket and begins reading packets.
func (d *DatagramServer) Start(ctx context.Context, events Events) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", d.cfg.ListenAddr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DatagramServer.Start",
			"addr":     d.cfg.ListenAddr,
			"error":    err.Error(),
		}).Error("Failed to bind")
		return fmt.Errorf("datagram listen on %q: %w", d.cfg.ListenAddr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return fmt.Errorf("datagram listen on %q: not a UDP socket", d.cfg.ListenAddr)
	}

	d.conn = conn
	d.events = events
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.running = true

	d.wg.Add(2)
	go d.readPackets(conn)
	go d.expirePending(d.ctx)

	logrus.WithFields(logrus.Fields{
		"function": "DatagramServer.Start",
		"addr":     conn.LocalAddr().String(),
	}).Info("Datagram server listening")
	return nil
}

// Stop closes every session and the socket.
func (d *DatagramServer) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	sessions := make([]*DatagramSession, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	d.mu.Lock()
	d.running = false
	d.cancel()
	err := d.conn.Close()
	d.mu.Unlock()

	d.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// LocalPort returns the bound UDP port, or 0 when not bound.
func (d *DatagramServer) LocalPort() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return 0
	}
	return d.conn.LocalAddr().(*net.UDPAddr).AddrPort().Port()
}

// Connect runs the handshake with the router described by desc at addr.
func (d *DatagramServer) Connect(ctx context.Context, desc *netdb.RouterDescriptor, addr netip.AddrPort) (Session, error) {
	addr = normalizeAddrPort(addr)

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil, ErrServerStopped
	}
	if _, busy := d.pending[addr]; busy {
		d.mu.Unlock()
		return nil, ErrHandshakeInProgress
	}
	p := &pendingHandshake{role: noise.Initiator, replies: make(chan []byte, 1), created: time.Now()}
	d.pending[addr] = p
	events, serverCtx := d.events, d.ctx
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.pending[addr] == p {
			delete(d.pending, addr)
		}
		d.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(serverCtx, cancel)
	defer stop()

	ephemeral, err := acquireEphemeral(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("acquire ephemeral key: %w", err)
	}
	hs, err := noise.NewHandshake(d.cfg.Static, ephemeral, noise.Initiator, datagramPrologue)
	crypto.WipeKeyPair(ephemeral)
	if err != nil {
		return nil, err
	}

	msg1, _, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	packet1 := append([]byte{packetHandshake1}, msg1...)

	retransmit := time.NewTicker(d.cfg.RetransmitInterval)
	defer retransmit.Stop()

	var msg2 []byte
	for msg2 == nil {
		if err := d.writePacket(packet1, addr); err != nil {
			return nil, err
		}
		select {
		case msg2 = <-p.replies:
		case <-retransmit.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrHandshakeTimeout
			}
			return nil, ctx.Err()
		}
	}

	announced, _, err := hs.ReadMessage(msg2)
	if err != nil {
		return nil, err
	}
	static, err := hs.PeerStatic()
	if err != nil {
		return nil, err
	}
	if desc != nil && static != desc.StaticKey {
		return nil, ErrIdentityMismatch
	}

	msg3, _, err := hs.WriteMessage(handshakePayload(d.cfg.Descriptor))
	if err != nil {
		return nil, err
	}
	if err := d.writePacket(append([]byte{packetHandshake3}, msg3...), addr); err != nil {
		return nil, err
	}

	if desc == nil {
		desc = remoteDescriptor(announced, static)
	}
	sess, err := d.newSession(hs, addr, static, desc, events)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "DatagramServer.Connect",
		"peer":     sess.remote.Short(),
		"addr":     addr.String(),
	}).Debug("Outbound datagram session established")
	return sess, nil
}

func (d *DatagramServer) newSession(hs *noise.Handshake, addr netip.AddrPort, static [crypto.KeySize]byte, desc *netdb.RouterDescriptor, events Events) (*DatagramSession, error) {
	send, recv, err := hs.CipherStates()
	if err != nil {
		return nil, err
	}
	sess := &DatagramSession{
		id:          uuid.NewString(),
		server:      d,
		events:      events,
		addr:        addr,
		remote:      netdb.IdentityFromKey(static),
		desc:        desc,
		established: time.Now(),
		send:        send.Cipher(),
		recv:        recv.Cipher(),
		done:        make(chan struct{}),
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil, ErrServerStopped
	}
	old := d.sessions[addr]
	d.sessions[addr] = sess
	d.mu.Unlock()

	if old != nil {
		old.closeLocal(false)
	}
	return sess, nil
}

func (d *DatagramServer) writePacket(packet []byte, addr netip.AddrPort) error {
	d.mu.Lock()
	conn, events := d.conn, d.events
	d.mu.Unlock()

	n, err := conn.WriteToUDPAddrPort(packet, addr)
	if err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	if events != nil {
		events.UpdateSentBytes(uint64(n))
	}
	return nil
}

func (d *DatagramServer) readPackets(conn *net.UDPConn) {
	defer d.wg.Done()
	buf := make([]byte, limits.MaxDatagramPacket+1)

	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		d.mu.Lock()
		events := d.events
		d.mu.Unlock()
		if events != nil {
			events.UpdateReceivedBytes(uint64(n))
		}

		if limits.ValidateDatagram(buf[:n]) != nil {
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])
		d.dispatch(packet, normalizeAddrPort(from))
	}
}

func (d *DatagramServer) dispatch(packet []byte, from netip.AddrPort) {
	body := packet[1:]
	switch packet[0] {
	case packetHandshake1:
		d.handleHandshake1(body, from)
	case packetHandshake2:
		d.mu.Lock()
		p := d.pending[from]
		d.mu.Unlock()
		if p != nil && p.role == noise.Initiator {
			select {
			case p.replies <- body:
			default:
			}
		}
	case packetHandshake3:
		d.handleHandshake3(body, from)
	case packetData, packetClose:
		d.mu.Lock()
		sess := d.sessions[from]
		d.mu.Unlock()
		if sess != nil {
			sess.receive(packet[0], body)
		}
	}
}

func (d *DatagramServer) handleHandshake1(body []byte, from netip.AddrPort) {
	d.mu.Lock()
	if p, ok := d.pending[from]; ok {
		reply := p.lastReply
		d.mu.Unlock()
		if reply != nil {
			_ = d.writePacket(reply, from)
		}
		return
	}
	if !d.limiter.Allow() {
		d.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "DatagramServer.handleHandshake1",
			"remote":   from.String(),
		}).Debug("Inbound handshake rate limited")
		return
	}
	p := &pendingHandshake{role: noise.Responder, created: time.Now()}
	d.pending[from] = p
	ctx, events := d.ctx, d.events
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		reply, hs, err := d.respond(ctx, events, body)
		d.mu.Lock()
		if err != nil {
			if d.pending[from] == p {
				delete(d.pending, from)
			}
			d.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "DatagramServer.handleHandshake1",
				"remote":   from.String(),
				"error":    err.Error(),
			}).Debug("Inbound handshake failed")
			return
		}
		p.hs = hs
		p.lastReply = reply
		d.mu.Unlock()
		_ = d.writePacket(reply, from)
	}()
}

func (d *DatagramServer) respond(ctx context.Context, events Events, msg1 []byte) ([]byte, *noise.Handshake, error) {
	kctx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()

	ephemeral, err := acquireEphemeral(kctx, events)
	if err != nil {
		return nil, nil, err
	}
	hs, err := noise.NewHandshake(d.cfg.Static, ephemeral, noise.Responder, datagramPrologue)
	crypto.WipeKeyPair(ephemeral)
	if err != nil {
		return nil, nil, err
	}
	if _, _, err := hs.ReadMessage(msg1); err != nil {
		return nil, nil, err
	}
	msg2, _, err := hs.WriteMessage(handshakePayload(d.cfg.Descriptor))
	if err != nil {
		return nil, nil, err
	}
	return append([]byte{packetHandshake2}, msg2...), hs, nil
}

func (d *DatagramServer) handleHandshake3(body []byte, from netip.AddrPort) {
	d.mu.Lock()
	p := d.pending[from]
	if p == nil || p.role != noise.Responder || p.lastReply == nil {
		d.mu.Unlock()
		return
	}
	delete(d.pending, from)
	events := d.events
	d.mu.Unlock()

	announced, _, err := p.hs.ReadMessage(body)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DatagramServer.handleHandshake3",
			"remote":   from.String(),
			"error":    err.Error(),
		}).Debug("Final handshake message rejected")
		return
	}
	static, err := p.hs.PeerStatic()
	if err != nil {
		return
	}

	sess, err := d.newSession(p.hs, from, static, remoteDescriptor(announced, static), events)
	if err != nil {
		return
	}
	if events != nil {
		events.PeerConnected(sess)
	}
}

// expirePending drops responder handshakes that never completed.
func (d *DatagramServer) expirePending(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.HandshakeTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.mu.Lock()
			for addr, p := range d.pending {
				if p.role == noise.Responder && now.Sub(p.created) > d.cfg.HandshakeTimeout {
					delete(d.pending, addr)
				}
			}
			d.mu.Unlock()
		}
	}
}

func normalizeAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// DatagramSession is an established datagram protocol session. Each message
// travels in its own packet under an explicit nonce, so reordering and loss
// do not break decryption.
type DatagramSession struct {
	id          string
	server      *DatagramServer
	events      Events
	addr        netip.AddrPort
	remote      netdb.Identity
	desc        *netdb.RouterDescriptor
	established time.Time

	send      fnoise.Cipher
	recv      fnoise.Cipher
	sendNonce atomic.Uint64
	window    replayWindow

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the session identifier.
func (ds *DatagramSession) ID() string { return ds.id }

// Protocol returns ProtocolDatagram.
func (ds *DatagramSession) Protocol() Protocol { return ProtocolDatagram }

// RemoteIdentity returns the authenticated remote identity.
func (ds *DatagramSession) RemoteIdentity() netdb.Identity { return ds.remote }

// RemoteDescriptor returns the remote descriptor, if known.
func (ds *DatagramSession) RemoteDescriptor() *netdb.RouterDescriptor { return ds.desc }

// RemoteAddr returns the remote UDP address.
func (ds *DatagramSession) RemoteAddr() net.Addr { return net.UDPAddrFromAddrPort(ds.addr) }

// Established returns when the handshake completed.
func (ds *DatagramSession) Established() time.Time { return ds.established }

// Done is closed when the session closes.
func (ds *DatagramSession) Done() <-chan struct{} { return ds.done }

func (ds *DatagramSession) seal(typ byte, plaintext []byte) []byte {
	n := ds.sendNonce.Add(1) - 1
	packet := make([]byte, limits.DatagramHeaderSize, limits.DatagramHeaderSize+len(plaintext)+limits.EncryptionOverhead)
	packet[0] = typ
	binary.BigEndian.PutUint64(packet[1:9], n)
	return ds.send.Encrypt(packet, n, nil, plaintext)
}

// SendMessages sends each message in its own packet, in order.
func (ds *DatagramSession) SendMessages(msgs []Message) error {
	select {
	case <-ds.done:
		return ErrSessionClosed
	default:
	}

	for _, m := range msgs {
		if err := limits.ValidateMessage(m.Payload); err != nil {
			return fmt.Errorf("message %d: %w", m.ID, err)
		}
	}
	for _, m := range msgs {
		if err := ds.server.writePacket(ds.seal(packetData, appendMessage(nil, m)), ds.addr); err != nil {
			ds.Close()
			return err
		}
	}
	return nil
}

// Close tells the remote the session is over and reports the disconnect once.
func (ds *DatagramSession) Close() error {
	ds.closeLocal(true)
	return nil
}

func (ds *DatagramSession) closeLocal(notify bool) {
	ds.closeOnce.Do(func() {
		close(ds.done)
		if notify {
			_ = ds.server.writePacket(ds.seal(packetClose, nil), ds.addr)
		}

		ds.server.mu.Lock()
		if ds.server.sessions[ds.addr] == ds {
			delete(ds.server.sessions, ds.addr)
		}
		ds.server.mu.Unlock()

		if ds.events != nil {
			ds.events.PeerDisconnected(ds)
		}
		logrus.WithFields(logrus.Fields{
			"function": "DatagramSession.Close",
			"peer":     ds.remote.Short(),
			"session":  ds.id,
		}).Debug("Datagram session closed")
	})
}

// receive handles a data or close packet. It runs on the server read loop.
func (ds *DatagramSession) receive(typ byte, body []byte) {
	if len(body) < 8 {
		return
	}
	n := binary.BigEndian.Uint64(body[:8])
	if !ds.window.check(n) {
		return
	}
	plain, err := ds.recv.Decrypt(nil, n, nil, body[8:])
	if err != nil {
		return
	}
	ds.window.mark(n)

	if typ == packetClose {
		ds.closeLocal(false)
		return
	}

	msgs, err := decodeMessages(plain)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DatagramSession.receive",
			"peer":     ds.remote.Short(),
			"error":    err.Error(),
		}).Warn("Malformed datagram")
		return
	}
	for _, m := range msgs {
		if ds.events != nil {
			ds.events.MessageReceived(ds, m)
		}
	}
}

// replayWindow rejects nonces already seen or too far behind the newest.
type replayWindow struct {
	seen   bool
	max    uint64
	bitmap uint64
}

func (w *replayWindow) check(n uint64) bool {
	if !w.seen || n > w.max {
		return true
	}
	diff := w.max - n
	if diff >= 64 {
		return false
	}
	return w.bitmap&(1<<diff) == 0
}

func (w *replayWindow) mark(n uint64) {
	switch {
	case !w.seen:
		w.seen, w.max, w.bitmap = true, n, 1
	case n > w.max:
		shift := n - w.max
		if shift >= 64 {
			w.bitmap = 1
		} else {
			w.bitmap = w.bitmap<<shift | 1
		}
		w.max = n
	default:
		w.bitmap |= 1 << (w.max - n)
	}
}
