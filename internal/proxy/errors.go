package proxy

import "errors"

// Sentinel errors observable at the proxy core boundary. None of
// these crash the process: the offending query is destroyed (for
// ErrInvalidResponse, only the failed sub-query) and the dispatcher
// continues.
var (
	// ErrNoUpstream is returned when a query's fan-out couldn't arm a
	// single upstream datagram (every configured upstream failed to
	// allocate a slab slot or open a socket).
	ErrNoUpstream = errors.New("proxy: no upstream datagram armed")
	// ErrNoClientAddress guards against transmitting a response for a
	// query whose client address was never recorded.
	ErrNoClientAddress = errors.New("proxy: query has no client address")
	// ErrInvalidResponse covers an upstream event that doesn't fit its
	// current phase; the sub-query is marked UpstreamFailed.
	ErrInvalidResponse = errors.New("proxy: invalid upstream response for phase")
)
