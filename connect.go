package routerlink

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/routerlink/limits"
	"github.com/opd-ai/routerlink/netdb"
	"github.com/opd-ai/routerlink/transport"
)

// The functions in this file run on the loop with the registry write lock
// held.

// postMessages delivers msgs on the first live session of ident, or queues
// them and starts connecting.
func (t *Transports) postMessages(ident netdb.Identity, msgs []transport.Message) {
	if ident == t.self {
		logrus.WithFields(logrus.Fields{
			"function": "Transports.postMessages",
			"messages": len(msgs),
		}).Warn("Dropping messages addressed to ourselves")
		return
	}

	valid := msgs[:0:0]
	for _, m := range msgs {
		if err := limits.ValidateMessage(m.Payload); err != nil {
			t.reportFailure(ident, []transport.Message{m}, err)
			continue
		}
		valid = append(valid, m)
	}
	if len(valid) == 0 {
		return
	}

	p, ok := t.peers[ident]
	if !ok {
		p = newPeer(ident, t.store.FindRouter(ident), t.clock.Now())
		t.peers[ident] = p
		t.enqueue(p, valid)
		t.connectToPeer(p)
		return
	}

	if len(p.sessions) > 0 {
		// A failed send may have left older messages queued behind a
		// session whose closure has not been processed yet.
		if len(p.backlog) > 0 {
			valid = append(p.done(), valid...)
		}
		t.deliver(p, p.sessions[0], valid)
		return
	}

	t.enqueue(p, valid)
	switch {
	case p.inFlight:
	case p.state == PeerIdle:
		p.attemptCount = 0
		p.createdAt = t.clock.Now()
		t.connectToPeer(p)
	case p.state == PeerUnresolved:
		t.connectToPeer(p)
	}
}

// enqueue appends msgs to the backlog, evicting the oldest entries beyond
// MaxBacklog.
func (t *Transports) enqueue(p *peer, msgs []transport.Message) {
	p.backlog = append(p.backlog, msgs...)
	if over := len(p.backlog) - t.opts.MaxBacklog; over > 0 {
		evicted := append([]transport.Message(nil), p.backlog[:over]...)
		p.backlog = append(p.backlog[:0], p.backlog[over:]...)
		t.reportFailure(p.ident, evicted, ErrBacklogOverflow)
	}
}

// deliver sends msgs on s. Callers drain the backlog into msgs first, so
// msgs are always the oldest pending messages. If the send fails they go
// back to the front of the backlog; the session reports its own closure.
func (t *Transports) deliver(p *peer, s transport.Session, msgs []transport.Message) {
	if err := s.SendMessages(msgs); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Transports.deliver",
			"ident":    p.ident.Short(),
			"session":  s.ID(),
			"error":    err.Error(),
		}).Warn("Send failed, requeueing messages")

		requeued := append(append([]transport.Message(nil), msgs...), p.backlog...)
		p.backlog = nil
		t.enqueue(p, requeued)
		_ = s.Close()
	}
}

// connectToPeer advances p through its connection attempts. Slot 0 is the
// stream protocol and slot 1 the datagram protocol; a slot without a usable
// address or server is skipped. When both are used up the peer is removed.
func (t *Transports) connectToPeer(p *peer) {
	if t.stopping || p.inFlight || len(p.sessions) > 0 {
		return
	}

	if p.descriptor == nil {
		p.descriptor = t.store.FindRouter(p.ident)
	}
	if p.descriptor == nil {
		t.requestRouter(p)
		return
	}

	for {
		switch p.attemptCount {
		case 0:
			p.attemptCount++
			if addr, ok := p.descriptor.StreamAddress(); ok && t.stream != nil {
				t.startAttempt(p, t.stream, addr)
				return
			}
		case 1:
			p.attemptCount++
			if addr, ok := p.descriptor.DatagramAddress(); ok && t.datagram != nil {
				t.startAttempt(p, t.datagram, addr)
				return
			}
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Transports.connectToPeer",
				"ident":    p.ident.Short(),
				"attempts": p.attemptCount,
			}).Info("No transport left to reach router")
			t.removePeer(p, ErrNoReachableAddress)
			return
		}
	}
}

func (t *Transports) requestRouter(p *peer) {
	gen := p.nextGeneration()
	p.state = PeerResolving
	p.inFlight = true
	ident := p.ident

	logrus.WithFields(logrus.Fields{
		"function": "Transports.requestRouter",
		"ident":    ident.Short(),
	}).Debug("Router descriptor not cached, requesting")

	t.store.RequestRouter(ident, func(desc *netdb.RouterDescriptor, err error) {
		t.post(func() { t.handleResolved(ident, gen, desc, err) })
	})
}

func (t *Transports) handleResolved(ident netdb.Identity, gen uint64, desc *netdb.RouterDescriptor, err error) {
	p, ok := t.peers[ident]
	if !ok || p.generation != gen {
		return
	}
	p.inFlight = false
	if p.state != PeerResolving {
		return
	}

	if err == nil && desc != nil && desc.Identity() != ident {
		err = netdb.ErrIdentityMismatch
	}
	if err != nil || desc == nil {
		fields := logrus.Fields{
			"function": "Transports.handleResolved",
			"ident":    ident.Short(),
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		logrus.WithFields(fields).Info("Router descriptor not found")
		p.state = PeerUnresolved
		return
	}

	p.descriptor = desc
	p.state = PeerUnresolved
	t.connectToPeer(p)
}

// startAttempt dials addr through srv on a separate goroutine. The result
// comes back to the loop tagged with the attempt generation.
func (t *Transports) startAttempt(p *peer, srv Server, addr netdb.Address) {
	gen := p.nextGeneration()
	p.state = PeerConnecting
	p.inFlight = true
	ident, desc := p.ident, p.descriptor
	ctx := t.ctx

	logrus.WithFields(logrus.Fields{
		"function": "Transports.startAttempt",
		"ident":    ident.Short(),
		"protocol": srv.Protocol().String(),
		"address":  addr.String(),
		"attempt":  p.attemptCount,
	}).Debug("Connecting to router")

	t.attempts.Add(1)
	go func() {
		defer t.attempts.Done()

		ctx, cancel := context.WithTimeout(ctx, t.opts.SessionCreationTimeout)
		defer cancel()

		sess, err := t.dial(ctx, srv, desc, addr)
		if !t.post(func() { t.handleConnectResult(ident, gen, sess, err) }) && sess != nil {
			_ = sess.Close()
		}
	}()
}

func (t *Transports) dial(ctx context.Context, srv Server, desc *netdb.RouterDescriptor, addr netdb.Address) (transport.Session, error) {
	ap, ok := addr.AddrPort()
	if !ok {
		ips, err := t.resolver.LookupHost(ctx, addr.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", addr.Host, err)
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("%s: %w", addr.Host, transport.ErrNoAddresses)
		}
		ap = netip.AddrPortFrom(ips[0].Unmap(), addr.Port)
	}
	return srv.Connect(ctx, desc, ap)
}

func (t *Transports) handleConnectResult(ident netdb.Identity, gen uint64, sess transport.Session, err error) {
	p, ok := t.peers[ident]
	if !ok || p.generation != gen || !p.inFlight || t.stopping {
		if sess != nil {
			_ = sess.Close()
		}
		logrus.WithFields(logrus.Fields{
			"function": "Transports.handleConnectResult",
			"ident":    ident.Short(),
		}).Debug("Discarding stale connection result")
		return
	}
	p.inFlight = false

	if err == nil {
		select {
		case <-sess.Done():
			err = transport.ErrSessionClosed
		default:
		}
	}

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Transports.handleConnectResult",
			"ident":    ident.Short(),
			"attempt":  p.attemptCount,
			"error":    err.Error(),
		}).Info("Connection attempt failed")

		if len(p.sessions) == 0 {
			t.connectToPeer(p)
		}
		return
	}

	t.addSession(p, sess)
}

func (t *Transports) handlePeerConnected(s transport.Session) {
	if t.stopping {
		_ = s.Close()
		return
	}
	ident := s.RemoteIdentity()
	p, ok := t.peers[ident]
	if !ok {
		p = newPeer(ident, s.RemoteDescriptor(), t.clock.Now())
		t.peers[ident] = p
	}
	t.addSession(p, s)
}

// addSession registers s for p unless p already has a live session, in
// which case s is closed. The first session to arrive wins.
func (t *Transports) addSession(p *peer, s transport.Session) {
	if s.RemoteIdentity() != p.ident {
		_ = s.Close()
		return
	}
	if p.hasSession(s) {
		return
	}
	if len(p.sessions) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Transports.addSession",
			"ident":    p.ident.Short(),
			"kept":     p.sessions[0].ID(),
			"closed":   s.ID(),
		}).Debug("Router already connected, closing duplicate session")
		_ = s.Close()
		return
	}

	if p.state == PeerResolving {
		// The session makes the pending lookup moot; a new generation turns
		// its result stale.
		p.inFlight = false
		p.nextGeneration()
	}
	if p.descriptor == nil {
		p.descriptor = s.RemoteDescriptor()
	}
	p.sessions = append(p.sessions, s)
	p.attemptCount = 0
	p.state = PeerConnected

	logrus.WithFields(logrus.Fields{
		"function": "Transports.addSession",
		"ident":    p.ident.Short(),
		"protocol": s.Protocol().String(),
		"session":  s.ID(),
		"backlog":  len(p.backlog),
	}).Info("Router connected")

	if len(p.backlog) > 0 {
		t.deliver(p, s, p.done())
	}
}

func (t *Transports) handlePeerDisconnected(s transport.Session) {
	ident := s.RemoteIdentity()
	p, ok := t.peers[ident]
	if !ok || !p.removeSession(s) {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Transports.handlePeerDisconnected",
		"ident":    ident.Short(),
		"session":  s.ID(),
		"backlog":  len(p.backlog),
	}).Info("Router disconnected")

	if len(p.sessions) > 0 {
		return
	}
	p.createdAt = t.clock.Now()
	if len(p.backlog) > 0 && !t.stopping {
		p.attemptCount = 0
		p.state = PeerUnresolved
		t.connectToPeer(p)
		return
	}
	p.state = PeerIdle
}

func (t *Transports) closeSessions(ident netdb.Identity) {
	p, ok := t.peers[ident]
	if !ok {
		return
	}
	for _, s := range append([]transport.Session(nil), p.sessions...) {
		_ = s.Close()
	}
}

// removePeer deletes p from the registry and reports its backlog.
func (t *Transports) removePeer(p *peer, reason error) {
	delete(t.peers, p.ident)
	t.reportFailure(p.ident, p.done(), reason)
}
