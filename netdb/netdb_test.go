package netdb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptor(seed byte, addrs ...Address) *RouterDescriptor {
	var key [32]byte
	for i := range key {
		key[i] = seed + byte(i)
	}
	return NewRouterDescriptor(key, addrs...)
}

func TestIdentityRoundTrip(t *testing.T) {
	d := testDescriptor(1)
	id := d.Identity()
	assert.False(t, id.IsZero())

	parsed, err := ParseIdentity(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Len(t, id.Short(), 8)

	_, err = ParseIdentity("abc")
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	_, err = ParseIdentity("0OIl")
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestIdentityDependsOnKey(t *testing.T) {
	assert.NotEqual(t, testDescriptor(1).Identity(), testDescriptor(2).Identity())
	assert.Equal(t, testDescriptor(3).Identity(), testDescriptor(3).Identity())
}

func TestDescriptorAddresses(t *testing.T) {
	d := testDescriptor(1,
		Address{Style: StyleDatagram, Host: "router.example", Port: 9000},
		Address{Style: StyleStream, Host: "router.example", Port: 9001},
		Address{Style: StyleDatagram, Host: "192.0.2.7", Port: 9002},
	)

	stream, ok := d.StreamAddress()
	require.True(t, ok)
	assert.Equal(t, "router.example:9001", stream.String())

	dgram, ok := d.DatagramAddress()
	require.True(t, ok)
	ap, ok := dgram.AddrPort()
	require.True(t, ok)
	assert.Equal(t, "192.0.2.7:9002", ap.String())

	empty := testDescriptor(2, Address{Style: StyleDatagram, Host: "only.names", Port: 1})
	_, ok = empty.StreamAddress()
	assert.False(t, ok)
	_, ok = empty.DatagramAddress()
	assert.False(t, ok)
}

func TestDescriptorEncoding(t *testing.T) {
	d := testDescriptor(9, Address{Style: StyleStream, Host: "::1", Port: 4000})
	d.Caps = "RF"

	raw, err := MarshalDescriptor(d)
	require.NoError(t, err)
	got, err := UnmarshalDescriptor(raw)
	require.NoError(t, err)

	assert.Equal(t, d.StaticKey, got.StaticKey)
	assert.Equal(t, d.Addresses, got.Addresses)
	assert.Equal(t, "RF", got.Caps)
	assert.True(t, d.Published.Equal(got.Published))

	_, err = UnmarshalDescriptor([]byte{0xff, 0x00})
	assert.Error(t, err)
}

type fakeFetcher struct {
	mu    sync.Mutex
	descs map[Identity]*RouterDescriptor
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context, ident Identity) (*RouterDescriptor, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.descs[ident]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func requestSync(t *testing.T, db *DB, ident Identity) (*RouterDescriptor, error) {
	t.Helper()
	type result struct {
		d   *RouterDescriptor
		err error
	}
	ch := make(chan result, 2)
	db.RequestRouter(ident, func(d *RouterDescriptor, err error) {
		ch <- result{d, err}
	})
	select {
	case r := <-ch:
		select {
		case <-ch:
			t.Fatal("callback invoked twice")
		case <-time.After(20 * time.Millisecond):
		}
		return r.d, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
		return nil, nil
	}
}

func TestFindRouterOnlyConsultsCache(t *testing.T) {
	backend := NewMemoryBackend()
	d := testDescriptor(1)
	require.NoError(t, backend.Put(d))

	db, err := New(backend, 8)
	require.NoError(t, err)

	assert.Nil(t, db.FindRouter(d.Identity()))

	got, err := requestSync(t, db, d.Identity())
	require.NoError(t, err)
	assert.Equal(t, d, got)
	assert.Equal(t, d, db.FindRouter(d.Identity()))
}

func TestRequestRouterNotFound(t *testing.T) {
	db, err := New(NewMemoryBackend(), 8)
	require.NoError(t, err)

	d, err := requestSync(t, db, testDescriptor(5).Identity())
	assert.Nil(t, d)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestRouterUsesFetcher(t *testing.T) {
	d := testDescriptor(7)
	fetcher := &fakeFetcher{descs: map[Identity]*RouterDescriptor{d.Identity(): d}}
	backend := NewMemoryBackend()

	db, err := New(backend, 8, WithFetcher(fetcher))
	require.NoError(t, err)

	got, err := requestSync(t, db, d.Identity())
	require.NoError(t, err)
	assert.Equal(t, d.Identity(), got.Identity())

	n, err := backend.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotNil(t, db.FindRouter(d.Identity()))
}

func TestRequestRouterRejectsWrongDescriptor(t *testing.T) {
	want := testDescriptor(1)
	fetcher := &fakeFetcher{descs: map[Identity]*RouterDescriptor{want.Identity(): testDescriptor(2)}}

	db, err := New(NewMemoryBackend(), 8, WithFetcher(fetcher))
	require.NoError(t, err)

	_, err = requestSync(t, db, want.Identity())
	assert.ErrorIs(t, err, ErrIdentityMismatch)
	assert.Nil(t, db.FindRouter(want.Identity()))
}

func TestRequestRouterFetchTimeout(t *testing.T) {
	fetcher := &fakeFetcher{delay: time.Second}
	db, err := New(NewMemoryBackend(), 8, WithFetcher(fetcher), WithLookupTimeout(20*time.Millisecond))
	require.NoError(t, err)

	_, err = requestSync(t, db, testDescriptor(1).Identity())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestRouterCollapsesConcurrentLookups(t *testing.T) {
	d := testDescriptor(3)
	fetcher := &fakeFetcher{
		descs: map[Identity]*RouterDescriptor{d.Identity(): d},
		delay: 50 * time.Millisecond,
	}
	db, err := New(NewMemoryBackend(), 8, WithFetcher(fetcher))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		db.RequestRouter(d.Identity(), func(got *RouterDescriptor, err error) {
			defer wg.Done()
			assert.NoError(t, err)
			assert.NotNil(t, got)
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, fetcher.calls.Load(), int32(2))
}

func TestPutKeepsNewestDescriptor(t *testing.T) {
	db, err := New(NewMemoryBackend(), 8)
	require.NoError(t, err)

	newer := testDescriptor(1, Address{Style: StyleStream, Host: "10.0.0.2", Port: 2})
	older := testDescriptor(1, Address{Style: StyleStream, Host: "10.0.0.1", Port: 1})
	older.Published = newer.Published.Add(-time.Hour)

	require.NoError(t, db.Put(newer))
	require.NoError(t, db.Put(older))

	got, err := db.Get(newer.Identity())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", got.Addresses[0].Host)

	require.NoError(t, db.Delete(newer.Identity()))
	_, err = db.Get(newer.Identity())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, db.Put(nil))
}

func TestNewRejectsNilBackend(t *testing.T) {
	_, err := New(nil, 1)
	assert.Error(t, err)
}

func TestBadgerBackend(t *testing.T) {
	backend, err := OpenBadger("")
	require.NoError(t, err)
	defer backend.Close()

	d := testDescriptor(4, Address{Style: StyleDatagram, Host: "198.51.100.4", Port: 7000})

	_, err = backend.Get(d.Identity())
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, backend.Put(d))
	require.NoError(t, backend.Put(testDescriptor(5)))

	got, err := backend.Get(d.Identity())
	require.NoError(t, err)
	assert.Equal(t, d.Addresses, got.Addresses)

	n, err := backend.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, backend.Delete(d.Identity()))
	n, err = backend.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	d := testDescriptor(6)

	backend, err := OpenBadger(dir)
	require.NoError(t, err)
	require.NoError(t, backend.Put(d))
	require.NoError(t, backend.Close())

	backend, err = OpenBadger(dir)
	require.NoError(t, err)
	defer backend.Close()

	got, err := backend.Get(d.Identity())
	require.NoError(t, err)
	assert.Equal(t, d.StaticKey, got.StaticKey)
}

func TestStyleText(t *testing.T) {
	for _, s := range []Style{StyleStream, StyleDatagram} {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var got Style
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}

	_, err := Style(9).MarshalText()
	assert.Error(t, err)
	var s Style
	assert.Error(t, s.UnmarshalText([]byte("carrier-pigeon")))
}
