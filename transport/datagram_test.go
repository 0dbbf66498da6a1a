package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/routerlink/limits"
)

func startDatagram(t *testing.T, r testRouter, events *recordingEvents) *DatagramServer {
	t.Helper()
	srv, err := NewDatagramServer(DatagramConfig{
		ListenAddr:         "127.0.0.1:0",
		Static:             r.keys,
		Descriptor:         r.desc,
		HandshakeTimeout:   2 * time.Second,
		RetransmitInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background(), events))
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func TestDatagramSessionExchange(t *testing.T) {
	alice, bob := newTestRouter(t), newTestRouter(t)
	aliceEvents, bobEvents := newRecordingEvents(), newRecordingEvents()
	aliceSrv := startDatagram(t, alice, aliceEvents)
	bobSrv := startDatagram(t, bob, bobEvents)

	sess, err := aliceSrv.Connect(context.Background(), bob.desc, loopback(bobSrv.LocalPort()))
	require.NoError(t, err)
	assert.Equal(t, ProtocolDatagram, sess.Protocol())
	assert.Equal(t, bob.desc.Identity(), sess.RemoteIdentity())

	inbound := waitSession(t, bobEvents.connectedCh)
	assert.Equal(t, alice.desc.Identity(), inbound.RemoteIdentity())
	require.NotNil(t, inbound.RemoteDescriptor())

	require.NoError(t, sess.SendMessages([]Message{
		{ID: 1, Payload: []byte("one")},
		{ID: 2, Payload: []byte("two")},
	}))
	got := map[uint32]string{}
	for i := 0; i < 2; i++ {
		m := waitMessage(t, bobEvents.messageCh)
		got[m.ID] = string(m.Payload)
	}
	assert.Equal(t, map[uint32]string{1: "one", 2: "two"}, got)

	require.NoError(t, inbound.SendMessages([]Message{{ID: 3, Payload: []byte("three")}}))
	assert.Equal(t, "three", string(waitMessage(t, aliceEvents.messageCh).Payload))
}

func TestDatagramCloseNotifiesRemote(t *testing.T) {
	alice, bob := newTestRouter(t), newTestRouter(t)
	aliceEvents, bobEvents := newRecordingEvents(), newRecordingEvents()
	aliceSrv := startDatagram(t, alice, aliceEvents)
	bobSrv := startDatagram(t, bob, bobEvents)

	sess, err := aliceSrv.Connect(context.Background(), bob.desc, loopback(bobSrv.LocalPort()))
	require.NoError(t, err)
	inbound := waitSession(t, bobEvents.connectedCh)

	require.NoError(t, sess.Close())
	assert.Same(t, sess, waitSession(t, aliceEvents.closedCh))
	assert.Same(t, inbound, waitSession(t, bobEvents.closedCh))
	assert.ErrorIs(t, sess.SendMessages([]Message{{ID: 1, Payload: []byte("x")}}), ErrSessionClosed)
}

func TestDatagramIdentityMismatch(t *testing.T) {
	alice, bob, mallory := newTestRouter(t), newTestRouter(t), newTestRouter(t)
	aliceSrv := startDatagram(t, alice, newRecordingEvents())
	mallorySrv := startDatagram(t, mallory, newRecordingEvents())

	_, err := aliceSrv.Connect(context.Background(), bob.desc, loopback(mallorySrv.LocalPort()))
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestDatagramHandshakeTimeout(t *testing.T) {
	alice, bob := newTestRouter(t), newTestRouter(t)
	srv, err := NewDatagramServer(DatagramConfig{
		ListenAddr:         "127.0.0.1:0",
		Static:             alice.keys,
		HandshakeTimeout:   200 * time.Millisecond,
		RetransmitInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background(), newRecordingEvents()))
	defer srv.Stop()

	// Nothing answers on the discard port.
	_, err = srv.Connect(context.Background(), bob.desc, loopback(9))
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
}

func TestDatagramRejectsOversizedMessage(t *testing.T) {
	alice, bob := newTestRouter(t), newTestRouter(t)
	aliceSrv := startDatagram(t, alice, newRecordingEvents())
	bobSrv := startDatagram(t, bob, newRecordingEvents())

	sess, err := aliceSrv.Connect(context.Background(), bob.desc, loopback(bobSrv.LocalPort()))
	require.NoError(t, err)

	err = sess.SendMessages([]Message{{ID: 1, Payload: make([]byte, limits.MaxMessagePayload+1)}})
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)
}

func TestDatagramStop(t *testing.T) {
	alice := newTestRouter(t)
	srv := startDatagram(t, alice, newRecordingEvents())
	require.NotZero(t, srv.LocalPort())
	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())

	_, err := srv.Connect(context.Background(), alice.desc, loopback(9))
	assert.ErrorIs(t, err, ErrServerStopped)
}
