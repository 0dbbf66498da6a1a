package routerlink

import "errors"

var (
	// ErrRouterNotFound indicates the descriptor of a peer could not be
	// resolved before its record expired.
	ErrRouterNotFound = errors.New("router descriptor not found")
	// ErrNoReachableAddress indicates every connection attempt slot for a
	// peer was used up without a session.
	ErrNoReachableAddress = errors.New("no reachable address for router")
	// ErrSessionCreationTimeout indicates a peer stayed without a session
	// for longer than the session creation timeout.
	ErrSessionCreationTimeout = errors.New("session creation timed out")
	// ErrBacklogOverflow indicates a queued message was evicted to make
	// room for a newer one.
	ErrBacklogOverflow = errors.New("peer backlog full")
	// ErrStopped indicates the Transports instance is not running.
	ErrStopped = errors.New("transports stopped")
)
