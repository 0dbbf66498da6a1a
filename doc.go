// Package routerlink manages the transport sessions of an overlay-network
// router.
//
// A router reaches its peers over two protocols, a stream protocol on TCP and
// a datagram protocol on UDP. The Transports orchestrator decides how and when
// to connect to each peer, buffers messages while a session is being set up,
// reclaims connection attempts that never produced a session, and hands
// pre-generated ephemeral key pairs to the handshake layer.
//
// # Getting Started
//
// Build the servers, then wire them into a Transports instance:
//
//	opts := routerlink.NewOptions()
//
//	stream, err := transport.NewStreamServer(transport.StreamConfig{
//	    ListenAddr: opts.StreamListen,
//	    Static:     static,
//	    Descriptor: local,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	tr, err := routerlink.New(opts, routerlink.Dependencies{
//	    Identity: local.Identity(),
//	    Stream:   stream,
//	    Store:    db,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	tr.OnMessage(func(from netdb.Identity, msg transport.Message) {
//	    fmt.Printf("message %d from %s\n", msg.ID, from.Short())
//	})
//
//	if err := tr.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer tr.Stop()
//
//	err = tr.SendMessage(remote, transport.Message{ID: 1, Payload: payload})
//
// # Core Types
//
//   - [Transports]: the orchestrator and the Events sink of every server
//   - [Options]: configuration, loadable from YAML with [LoadOptions]
//   - [PeerInfo]: a diagnostic snapshot of one peer
//   - [Collector]: Prometheus metrics for the traffic counters
//
// # Connection Policy
//
// A peer with no session is resolved through the RouterInfoStore. Once its
// descriptor is known the stream address is tried first and the datagram
// address second; a peer whose addresses are exhausted is dropped and its
// pending messages are reported through OnDeliveryFailure. When both sides
// connect at once the first session registered wins and the other is closed.
//
// # Concurrency
//
// All registry mutations run on a single goroutine. Public methods post work
// to it and return without waiting, so they are safe to call from any
// goroutine, including the servers' own callbacks. Handlers registered with
// OnMessage and OnDeliveryFailure are called without internal locks held.
package routerlink
