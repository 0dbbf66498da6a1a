package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	fnoise "github.com/flynn/noise"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/routerlink/crypto"
	"github.com/opd-ai/routerlink/limits"
	"github.com/opd-ai/routerlink/netdb"
	"github.com/opd-ai/routerlink/noise"
)

var streamPrologue = []byte("routerlink/stream/1")

// StreamConfig configures a StreamServer.
type StreamConfig struct {
	// ListenAddr is the TCP address to listen on, e.g. ":9100".
	ListenAddr string
	// Static is our long-term key pair.
	Static *crypto.KeyPair
	// Descriptor is announced to peers during the handshake. Optional.
	Descriptor *netdb.RouterDescriptor
	// HandshakeTimeout bounds each handshake.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
}

// StreamServer implements the stream protocol over TCP. Every connection
// runs the Noise XX handshake and then exchanges length-prefixed encrypted
// frames.
type StreamServer struct {
	cfg StreamConfig

	mu       sync.Mutex
	listener net.Listener
	events   Events
	sessions map[string]*StreamSession
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewStreamServer creates a stream server. It does not listen until Start.
func NewStreamServer(cfg StreamConfig) (*StreamServer, error) {
	if cfg.Static == nil {
		return nil, errors.New("stream server requires a static key pair")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &StreamServer{
		cfg:      cfg,
		sessions: make(map[string]*StreamSession),
	}, nil
}

// Protocol returns ProtocolStream.
func (s *StreamServer) Protocol() Protocol { return ProtocolStream }

// Start listens and begins accepting connections.
func (s *StreamServer) Start(ctx context.Context, events Events) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "StreamServer.Start",
			"addr":     s.cfg.ListenAddr,
			"error":    err.Error(),
		}).Error("Failed to listen")
		return fmt.Errorf("stream listen on %q: %w", s.cfg.ListenAddr, err)
	}

	s.listener = listener
	s.events = events
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.wg.Add(1)
	go s.acceptConnections(listener)

	logrus.WithFields(logrus.Fields{
		"function": "StreamServer.Start",
		"addr":     listener.Addr().String(),
	}).Info("Stream server listening")
	return nil
}

// Stop closes the listener and every session.
func (s *StreamServer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	err := s.listener.Close()
	sessions := make([]*StreamSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	s.wg.Wait()

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// LocalPort returns the bound TCP port, or 0 when not listening.
func (s *StreamServer) LocalPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}

// Connect dials addr and authenticates the router described by desc.
func (s *StreamServer) Connect(ctx context.Context, desc *netdb.RouterDescriptor, addr netip.AddrPort) (Session, error) {
	s.mu.Lock()
	running, events := s.running, s.events
	s.mu.Unlock()
	if !running {
		return nil, ErrServerStopped
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sess, err := s.handshake(ctx, conn, noise.Initiator, desc, events)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !s.register(sess) {
		sess.conn.Close()
		return nil, ErrServerStopped
	}

	logrus.WithFields(logrus.Fields{
		"function": "StreamServer.Connect",
		"peer":     sess.remote.Short(),
		"addr":     addr.String(),
	}).Debug("Outbound stream session established")
	return sess, nil
}

func (s *StreamServer) acceptConnections(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "StreamServer.acceptConnections",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		s.wg.Add(1)
		go s.handleInbound(conn)
	}
}

func (s *StreamServer) handleInbound(conn net.Conn) {
	defer s.wg.Done()

	s.mu.Lock()
	ctx, events := s.ctx, s.events
	s.mu.Unlock()

	sess, err := s.handshake(ctx, conn, noise.Responder, nil, events)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "StreamServer.handleInbound",
			"remote":   conn.RemoteAddr().String(),
			"error":    err.Error(),
		}).Debug("Inbound handshake failed")
		conn.Close()
		return
	}
	if !s.register(sess) {
		sess.conn.Close()
		return
	}
	events.PeerConnected(sess)
}

// handshake runs Noise XX over conn and starts the session read loop.
// expected is nil for inbound connections.
func (s *StreamServer) handshake(ctx context.Context, conn net.Conn, role noise.Role, expected *netdb.RouterDescriptor, events Events) (*StreamSession, error) {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stopWatch := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stopWatch()

	kctx, cancel := context.WithDeadline(ctx, deadline)
	ephemeral, err := acquireEphemeral(kctx, events)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("acquire ephemeral key: %w", err)
	}
	hs, err := noise.NewHandshake(s.cfg.Static, ephemeral, role, streamPrologue)
	crypto.WipeKeyPair(ephemeral)
	if err != nil {
		return nil, err
	}

	var announced []byte
	if role == noise.Initiator {
		announced, err = s.initiatorHandshake(conn, hs, expected)
	} else {
		announced, err = s.responderHandshake(conn, hs)
	}
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	static, err := hs.PeerStatic()
	if err != nil {
		return nil, err
	}
	send, recv, err := hs.CipherStates()
	if err != nil {
		return nil, err
	}

	desc := expected
	if desc == nil {
		desc = remoteDescriptor(announced, static)
	}

	sess := &StreamSession{
		id:          uuid.NewString(),
		conn:        conn,
		server:      s,
		events:      events,
		remote:      netdb.IdentityFromKey(static),
		desc:        desc,
		established: time.Now(),
		send:        send,
		recv:        recv,
		done:        make(chan struct{}),
	}
	return sess, nil
}

func (s *StreamServer) initiatorHandshake(conn net.Conn, hs *noise.Handshake, expected *netdb.RouterDescriptor) ([]byte, error) {
	msg1, _, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	if _, err := writeFrame(conn, msg1); err != nil {
		return nil, err
	}

	msg2, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	announced, _, err := hs.ReadMessage(msg2)
	if err != nil {
		return nil, err
	}

	static, err := hs.PeerStatic()
	if err != nil {
		return nil, err
	}
	if expected != nil && static != expected.StaticKey {
		return nil, ErrIdentityMismatch
	}

	msg3, _, err := hs.WriteMessage(handshakePayload(s.cfg.Descriptor))
	if err != nil {
		return nil, err
	}
	if _, err := writeFrame(conn, msg3); err != nil {
		return nil, err
	}
	return announced, nil
}

func (s *StreamServer) responderHandshake(conn net.Conn, hs *noise.Handshake) ([]byte, error) {
	msg1, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	if _, _, err := hs.ReadMessage(msg1); err != nil {
		return nil, err
	}

	msg2, _, err := hs.WriteMessage(handshakePayload(s.cfg.Descriptor))
	if err != nil {
		return nil, err
	}
	if _, err := writeFrame(conn, msg2); err != nil {
		return nil, err
	}

	msg3, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	announced, _, err := hs.ReadMessage(msg3)
	return announced, err
}

// register adds sess to the session table and starts its read loop. It
// reports false when the server stopped during the handshake.
func (s *StreamServer) register(sess *StreamSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	go sess.readLoop()
	return true
}

func (s *StreamServer) unregister(sess *StreamSession) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

// writeFrame writes a two byte big-endian length followed by data.
func writeFrame(w io.Writer, data []byte) (int, error) {
	if len(data) > limits.MaxStreamFrame {
		return 0, fmt.Errorf("%w: frame of %d bytes", limits.ErrMessageTooLarge, len(data))
	}
	buf := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(data)))
	copy(buf[2:], data)
	return w.Write(buf)
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if n == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// StreamSession is an established stream protocol session.
type StreamSession struct {
	id          string
	conn        net.Conn
	server      *StreamServer
	events      Events
	remote      netdb.Identity
	desc        *netdb.RouterDescriptor
	established time.Time

	writeMu sync.Mutex
	send    *fnoise.CipherState
	recv    *fnoise.CipherState

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the session identifier.
func (ss *StreamSession) ID() string { return ss.id }

// Protocol returns ProtocolStream.
func (ss *StreamSession) Protocol() Protocol { return ProtocolStream }

// RemoteIdentity returns the authenticated remote identity.
func (ss *StreamSession) RemoteIdentity() netdb.Identity { return ss.remote }

// RemoteDescriptor returns the remote descriptor, if known.
func (ss *StreamSession) RemoteDescriptor() *netdb.RouterDescriptor { return ss.desc }

// RemoteAddr returns the remote TCP address.
func (ss *StreamSession) RemoteAddr() net.Addr { return ss.conn.RemoteAddr() }

// Established returns when the handshake completed.
func (ss *StreamSession) Established() time.Time { return ss.established }

// Done is closed when the session closes.
func (ss *StreamSession) Done() <-chan struct{} { return ss.done }

// SendMessages encrypts msgs into as few frames as possible and writes them
// in order.
func (ss *StreamSession) SendMessages(msgs []Message) error {
	select {
	case <-ss.done:
		return ErrSessionClosed
	default:
	}

	batches, err := encodeBatches(msgs, limits.MaxStreamPlaintext)
	if err != nil {
		return err
	}

	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()

	var written int
	for _, batch := range batches {
		ct, err := ss.send.Encrypt(nil, nil, batch)
		if err != nil {
			ss.Close()
			return fmt.Errorf("encrypt frame: %w", err)
		}
		if err := ss.conn.SetWriteDeadline(time.Now().Add(ss.server.cfg.WriteTimeout)); err != nil {
			ss.Close()
			return err
		}
		n, err := writeFrame(ss.conn, ct)
		written += n
		if err != nil {
			ss.Close()
			return fmt.Errorf("write frame: %w", err)
		}
	}
	if written > 0 && ss.events != nil {
		ss.events.UpdateSentBytes(uint64(written))
	}
	return nil
}

// Close closes the connection and reports the disconnect once.
func (ss *StreamSession) Close() error {
	var err error
	ss.closeOnce.Do(func() {
		close(ss.done)
		err = ss.conn.Close()
		ss.server.unregister(ss)
		if ss.events != nil {
			ss.events.PeerDisconnected(ss)
		}
		logrus.WithFields(logrus.Fields{
			"function": "StreamSession.Close",
			"peer":     ss.remote.Short(),
			"session":  ss.id,
		}).Debug("Stream session closed")
	})
	return err
}

func (ss *StreamSession) readLoop() {
	defer ss.server.wg.Done()
	defer ss.Close()

	for {
		frame, err := readFrame(ss.conn)
		if err != nil {
			return
		}
		if ss.events != nil {
			ss.events.UpdateReceivedBytes(uint64(len(frame) + 2))
		}

		plain, err := ss.recv.Decrypt(nil, nil, frame)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "StreamSession.readLoop",
				"peer":     ss.remote.Short(),
				"error":    err.Error(),
			}).Warn("Frame failed authentication")
			return
		}
		msgs, err := decodeMessages(plain)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "StreamSession.readLoop",
				"peer":     ss.remote.Short(),
				"error":    err.Error(),
			}).Warn("Malformed frame")
			return
		}
		for _, m := range msgs {
			if ss.events != nil {
				ss.events.MessageReceived(ss, m)
			}
		}
	}
}
