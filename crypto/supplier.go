package crypto

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrSupplierStopped is returned by Acquire when the supplier is not running
// or shuts down while the caller is waiting.
var ErrSupplierStopped = errors.New("key pair supplier stopped")

// DefaultRetryDelay is how long the worker waits after a failed generation
// before trying again.
const DefaultRetryDelay = time.Second

// KeyPairSupplier keeps a bounded pool of pre-generated ephemeral key pairs
// so handshakes never pay for key generation inline.
//
// A single worker goroutine tops the pool up to its capacity in batches and
// then sleeps until a pair is acquired or the supplier is stopped. Any number
// of goroutines may call Acquire and Return concurrently; a pair is handed to
// exactly one caller.
type KeyPairSupplier struct {
	size       int
	generate   KeyGenerator
	retryDelay time.Duration

	pool     chan *KeyPair
	acquired chan struct{}

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewKeyPairSupplier creates a supplier holding up to size pairs. A nil
// generator selects GenerateKeyPair.
func NewKeyPairSupplier(size int, generate KeyGenerator) *KeyPairSupplier {
	if size < 1 {
		size = 1
	}
	if generate == nil {
		generate = GenerateKeyPair
	}
	return &KeyPairSupplier{
		size:       size,
		generate:   generate,
		retryDelay: DefaultRetryDelay,
		pool:       make(chan *KeyPair, size),
		acquired:   make(chan struct{}, 1),
	}
}

// SetRetryDelay changes the back-off used after a generation failure.
// It must be called before Start.
func (s *KeyPairSupplier) SetRetryDelay(d time.Duration) {
	if d > 0 {
		s.retryDelay = d
	}
}

// Start launches the background worker. Calling Start on a running supplier
// is a no-op.
func (s *KeyPairSupplier) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.running = true
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.stop)

	logrus.WithFields(logrus.Fields{
		"function":  "KeyPairSupplier.Start",
		"pool_size": s.size,
	}).Debug("Key pair supplier started")

	return nil
}

// Stop signals the worker to exit, waits for it, and wipes every pair still
// pooled. Callers blocked in Acquire return ErrSupplierStopped.
func (s *KeyPairSupplier) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()

	wiped := 0
	for {
		select {
		case kp := <-s.pool:
			_ = WipeKeyPair(kp)
			wiped++
		default:
			logrus.WithFields(logrus.Fields{
				"function": "KeyPairSupplier.Stop",
				"wiped":    wiped,
			}).Debug("Key pair supplier stopped")
			return
		}
	}
}

// Acquire removes one pair from the pool, blocking while the pool is empty.
// It returns ErrSupplierStopped if the supplier is not running or stops while
// waiting, and ctx.Err() if the context ends first.
func (s *KeyPairSupplier) Acquire(ctx context.Context) (*KeyPair, error) {
	s.mu.Lock()
	running, stop := s.running, s.stop
	s.mu.Unlock()

	if !running {
		return nil, ErrSupplierStopped
	}

	select {
	case kp := <-s.pool:
		s.signalAcquired()
		return kp, nil
	default:
	}

	select {
	case kp := <-s.pool:
		s.signalAcquired()
		return kp, nil
	case <-stop:
		return nil, ErrSupplierStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Return gives an unused pair back to the pool. If the pool is full or the
// supplier is stopped the pair is wiped instead.
//
// Ephemeral keys are meant to be used once; reuse is kept only because
// handshakes that fail before sending their ephemeral key have not exposed it.
func (s *KeyPairSupplier) Return(kp *KeyPair) {
	if kp == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		_ = WipeKeyPair(kp)
		return
	}

	select {
	case s.pool <- kp:
	default:
		_ = WipeKeyPair(kp)
	}
}

// Len reports the number of pairs currently pooled.
func (s *KeyPairSupplier) Len() int {
	return len(s.pool)
}

// Cap reports the pool capacity.
func (s *KeyPairSupplier) Cap() int {
	return s.size
}

func (s *KeyPairSupplier) signalAcquired() {
	select {
	case s.acquired <- struct{}{}:
	default:
	}
}

// run is the worker loop: fill, then wait for demand or shutdown.
func (s *KeyPairSupplier) run(stop <-chan struct{}) {
	defer s.wg.Done()

	for {
		var retry <-chan time.Time
		if err := s.fill(stop); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "KeyPairSupplier.run",
				"error":       err.Error(),
				"retry_delay": s.retryDelay,
			}).Warn("Key pair generation failed")
			retry = time.After(s.retryDelay)
		}

		select {
		case <-s.acquired:
		case <-retry:
		case <-stop:
			return
		}
	}
}

// fill generates pairs until the pool is at capacity or shutdown is
// requested.
func (s *KeyPairSupplier) fill(stop <-chan struct{}) error {
	free := cap(s.pool) - len(s.pool)
	for i := 0; i < free; i++ {
		select {
		case <-stop:
			return nil
		default:
		}

		kp, err := s.generate()
		if err != nil {
			return err
		}

		select {
		case s.pool <- kp:
		default:
			// A Return raced us to the last slot.
			_ = WipeKeyPair(kp)
			return nil
		}
	}
	return nil
}
