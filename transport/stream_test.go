package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startStream(t *testing.T, r testRouter, events *recordingEvents) *StreamServer {
	t.Helper()
	srv, err := NewStreamServer(StreamConfig{
		ListenAddr:       "127.0.0.1:0",
		Static:           r.keys,
		Descriptor:       r.desc,
		HandshakeTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background(), events))
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func TestStreamSessionExchange(t *testing.T) {
	alice, bob := newTestRouter(t), newTestRouter(t)
	aliceEvents, bobEvents := newRecordingEvents(), newRecordingEvents()

	aliceSrv := startStream(t, alice, aliceEvents)
	bobSrv := startStream(t, bob, bobEvents)
	require.NotZero(t, bobSrv.LocalPort())

	sess, err := aliceSrv.Connect(context.Background(), bob.desc, loopback(bobSrv.LocalPort()))
	require.NoError(t, err)
	assert.Equal(t, bob.desc.Identity(), sess.RemoteIdentity())
	assert.Equal(t, ProtocolStream, sess.Protocol())
	assert.NotEmpty(t, sess.ID())

	inbound := waitSession(t, bobEvents.connectedCh)
	assert.Equal(t, alice.desc.Identity(), inbound.RemoteIdentity())
	require.NotNil(t, inbound.RemoteDescriptor(), "descriptor announced in handshake")
	assert.Equal(t, alice.desc.Identity(), inbound.RemoteDescriptor().Identity())

	// Outbound sessions are returned, not announced.
	assert.Empty(t, aliceEvents.connectedCh)

	require.NoError(t, sess.SendMessages([]Message{
		{ID: 1, Payload: []byte("first")},
		{ID: 2, Payload: []byte("second")},
	}))
	assert.Equal(t, "first", string(waitMessage(t, bobEvents.messageCh).Payload))
	assert.Equal(t, "second", string(waitMessage(t, bobEvents.messageCh).Payload))

	require.NoError(t, inbound.SendMessages([]Message{{ID: 9, Payload: []byte("reply")}}))
	assert.Equal(t, uint32(9), waitMessage(t, aliceEvents.messageCh).ID)

	assert.NotZero(t, aliceEvents.sent.Load())
	assert.NotZero(t, bobEvents.received.Load())
	assert.NotZero(t, aliceEvents.keyRequests.Load())
}

func TestStreamCloseReportsOnce(t *testing.T) {
	alice, bob := newTestRouter(t), newTestRouter(t)
	aliceEvents, bobEvents := newRecordingEvents(), newRecordingEvents()
	aliceSrv := startStream(t, alice, aliceEvents)
	bobSrv := startStream(t, bob, bobEvents)

	sess, err := aliceSrv.Connect(context.Background(), bob.desc, loopback(bobSrv.LocalPort()))
	require.NoError(t, err)
	inbound := waitSession(t, bobEvents.connectedCh)

	require.NoError(t, sess.Close())
	sess.Close()

	assert.Same(t, sess, waitSession(t, aliceEvents.closedCh))
	assert.Same(t, inbound, waitSession(t, bobEvents.closedCh))

	select {
	case <-sess.Done():
	default:
		t.Fatal("Done not closed")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, aliceEvents.disconnectCount())
	assert.ErrorIs(t, sess.SendMessages([]Message{{ID: 1, Payload: []byte("x")}}), ErrSessionClosed)
}

func TestStreamIdentityMismatch(t *testing.T) {
	alice, bob, mallory := newTestRouter(t), newTestRouter(t), newTestRouter(t)
	aliceSrv := startStream(t, alice, newRecordingEvents())
	malloryEvents := newRecordingEvents()
	mallorySrv := startStream(t, mallory, malloryEvents)

	_, err := aliceSrv.Connect(context.Background(), bob.desc, loopback(mallorySrv.LocalPort()))
	assert.ErrorIs(t, err, ErrIdentityMismatch)
	assert.Empty(t, malloryEvents.connectedCh)
}

func TestStreamConnectRefused(t *testing.T) {
	alice, bob := newTestRouter(t), newTestRouter(t)
	aliceSrv := startStream(t, alice, newRecordingEvents())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := aliceSrv.Connect(ctx, bob.desc, loopback(1))
	assert.Error(t, err)
}

func TestStreamStopClosesSessions(t *testing.T) {
	alice, bob := newTestRouter(t), newTestRouter(t)
	aliceEvents := newRecordingEvents()
	aliceSrv := startStream(t, alice, aliceEvents)
	bobSrv := startStream(t, bob, newRecordingEvents())

	sess, err := aliceSrv.Connect(context.Background(), bob.desc, loopback(bobSrv.LocalPort()))
	require.NoError(t, err)

	require.NoError(t, aliceSrv.Stop())
	assert.Same(t, sess, waitSession(t, aliceEvents.closedCh))

	_, err = aliceSrv.Connect(context.Background(), bob.desc, loopback(bobSrv.LocalPort()))
	assert.ErrorIs(t, err, ErrServerStopped)
	assert.NoError(t, aliceSrv.Stop())
}

func TestNewStreamServerRequiresKey(t *testing.T) {
	_, err := NewStreamServer(StreamConfig{ListenAddr: "127.0.0.1:0"})
	assert.Error(t, err)
}
