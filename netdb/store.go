package netdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound is returned when no descriptor is known for an identity.
	ErrNotFound = errors.New("router descriptor not found")
	// ErrIdentityMismatch is returned when a fetched descriptor does not
	// hash to the requested identity.
	ErrIdentityMismatch = errors.New("descriptor does not match requested identity")
)

const (
	// DefaultCacheSize is the number of descriptors kept in memory.
	DefaultCacheSize = 1024
	// DefaultLookupTimeout bounds a single remote fetch.
	DefaultLookupTimeout = 15 * time.Second
)

// Backend persists descriptors.
type Backend interface {
	Get(ident Identity) (*RouterDescriptor, error)
	Put(d *RouterDescriptor) error
	Delete(ident Identity) error
	Len() (int, error)
	Close() error
}

// Fetcher retrieves descriptors the local store does not have, typically by
// asking floodfill routers.
type Fetcher interface {
	Fetch(ctx context.Context, ident Identity) (*RouterDescriptor, error)
}

// DB resolves identities to descriptors. Local lookups are served from an
// LRU cache; RequestRouter consults the backend and then the fetcher on a
// background goroutine, collapsing concurrent requests for one identity.
type DB struct {
	cache   *lru.Cache[Identity, *RouterDescriptor]
	backend Backend
	fetcher Fetcher
	timeout time.Duration
	group   singleflight.Group
}

// Option configures a DB.
type Option func(*DB)

// WithFetcher sets the remote fetcher used on a backend miss.
func WithFetcher(f Fetcher) Option {
	return func(db *DB) { db.fetcher = f }
}

// WithLookupTimeout bounds each fetch.
func WithLookupTimeout(d time.Duration) Option {
	return func(db *DB) {
		if d > 0 {
			db.timeout = d
		}
	}
}

// New creates a DB over backend with a cache of cacheSize entries.
func New(backend Backend, cacheSize int, opts ...Option) (*DB, error) {
	if backend == nil {
		return nil, errors.New("netdb backend cannot be nil")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[Identity, *RouterDescriptor](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create descriptor cache: %w", err)
	}

	db := &DB{
		cache:   cache,
		backend: backend,
		timeout: DefaultLookupTimeout,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// FindRouter returns the cached descriptor for ident, or nil. It never
// blocks on I/O.
func (db *DB) FindRouter(ident Identity) *RouterDescriptor {
	d, ok := db.cache.Get(ident)
	if !ok {
		return nil
	}
	return d
}

// RequestRouter resolves ident asynchronously and calls done exactly once
// with the descriptor or an error wrapping ErrNotFound.
func (db *DB) RequestRouter(ident Identity, done func(*RouterDescriptor, error)) {
	go func() {
		v, err, shared := db.group.Do(string(ident[:]), func() (interface{}, error) {
			return db.lookup(ident)
		})

		logrus.WithFields(logrus.Fields{
			"function": "DB.RequestRouter",
			"ident":    ident.Short(),
			"shared":   shared,
			"found":    err == nil,
		}).Debug("Router lookup finished")

		if err != nil {
			done(nil, err)
			return
		}
		done(v.(*RouterDescriptor), nil)
	}()
}

func (db *DB) lookup(ident Identity) (*RouterDescriptor, error) {
	if d, ok := db.cache.Get(ident); ok {
		return d, nil
	}

	d, err := db.backend.Get(ident)
	if err == nil {
		db.cache.Add(ident, d)
		return d, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("backend lookup failed: %w", err)
	}
	if db.fetcher == nil {
		return nil, ErrNotFound
	}

	ctx, cancel := context.WithTimeout(context.Background(), db.timeout)
	defer cancel()

	d, err = db.fetcher.Fetch(ctx, ident)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch failed: %v", ErrNotFound, err)
	}
	if d == nil {
		return nil, ErrNotFound
	}
	if d.Identity() != ident {
		return nil, ErrIdentityMismatch
	}

	if err := db.Put(d); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DB.lookup",
			"ident":    ident.Short(),
			"error":    err.Error(),
		}).Warn("Failed to persist fetched descriptor")
	}
	return d, nil
}

// Put stores a descriptor. A descriptor older than the stored one for the
// same identity is ignored.
func (db *DB) Put(d *RouterDescriptor) error {
	if d == nil {
		return errors.New("descriptor cannot be nil")
	}
	ident := d.Identity()

	if cur, err := db.Get(ident); err == nil && cur.Published.After(d.Published) {
		return nil
	}

	if err := db.backend.Put(d); err != nil {
		return fmt.Errorf("failed to store descriptor: %w", err)
	}
	db.cache.Add(ident, d)
	return nil
}

// Get loads a descriptor from the cache or the backend, synchronously.
func (db *DB) Get(ident Identity) (*RouterDescriptor, error) {
	if d, ok := db.cache.Get(ident); ok {
		return d, nil
	}
	d, err := db.backend.Get(ident)
	if err != nil {
		return nil, err
	}
	db.cache.Add(ident, d)
	return d, nil
}

// Delete forgets a descriptor.
func (db *DB) Delete(ident Identity) error {
	db.cache.Remove(ident)
	return db.backend.Delete(ident)
}

// Len returns the number of stored descriptors.
func (db *DB) Len() (int, error) {
	return db.backend.Len()
}

// Close closes the backend.
func (db *DB) Close() error {
	db.cache.Purge()
	return db.backend.Close()
}
