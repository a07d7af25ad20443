//go:build linux

package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/poyrazK/dnsproxy/internal/cache"
	"github.com/poyrazK/dnsproxy/internal/metrics"
	"github.com/poyrazK/dnsproxy/internal/reactor"
)

// Slab layout: the server socket sits at a reserved handle outside
// either slab's range, and the two slabs themselves are given
// disjoint starting offsets so a bare handle discloses its slab
// without needing a separate provenance tag.
const (
	ServerHandle  = -1
	QueryCap      = 256
	QueryStart    = 0
	DatagramCap   = 2 * QueryCap
	DatagramStart = QueryStart + QueryCap
)

// DefaultTimeout is the per-query fan-out deadline. Exactly one
// timeout is armed per query, at fan-out.
const DefaultTimeout = 10 * time.Second

// wheelTick/wheelHorizon size the dispatcher's TimeoutWheel: a 250ms
// tick keeps the default 10s timeout accurate to within one tick,
// while a 64s horizon comfortably covers any configured timeout an
// operator is likely to set.
const (
	wheelTick    = 250 * time.Millisecond
	wheelHorizon = 64 * time.Second
)

// NewServerSocket opens and binds the non-blocking IPv4 UDP socket
// the dispatcher listens for client queries on.
func NewServerSocket(addr unix.SockaddrInet4) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Dispatcher is the single-threaded event loop: it owns the server
// socket, the two slabs, the outgoing FIFO, the cache, and the
// configured upstream list, and routes every readiness event to
// exactly one state-machine step.
type Dispatcher struct {
	log *slog.Logger

	rx       *reactor.Reactor
	serverFd int

	queries      *Slab[*Query]
	datagrams    *Slab[*Datagram]
	fdToDatagram map[int]int

	outgoing []int

	cache       *cache.Cache
	invalidator *cache.Invalidator

	upstreams []unix.Sockaddr
	timeout   time.Duration
	wheel     *TimeoutWheel

	traceIDs map[int]uuid.UUID
}

// NewDispatcher wires a Dispatcher around an already-bound, non-blocking
// server socket fd.
func NewDispatcher(serverFd int, upstreams []unix.Sockaddr, timeout time.Duration, log *slog.Logger, c *cache.Cache, inv *cache.Invalidator) (*Dispatcher, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rx, err := reactor.New(64)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		log:          log,
		rx:           rx,
		serverFd:     serverFd,
		queries:      NewSlab[*Query](QueryCap, QueryStart),
		datagrams:    NewSlab[*Datagram](DatagramCap, DatagramStart),
		fdToDatagram: make(map[int]int),
		cache:        c,
		invalidator:  inv,
		upstreams:    upstreams,
		timeout:      timeout,
		wheel:        NewTimeoutWheel(wheelTick, wheelHorizon),
		traceIDs:     make(map[int]uuid.UUID),
	}
	if err := rx.Register(serverFd, reactor.Readable); err != nil {
		rx.Close()
		return nil, err
	}
	return d, nil
}

// Run is the dispatcher's event loop, one loop on one thread. It
// blocks until ctx is done or quit is signaled; the quit channel is
// the only cross-thread interaction.
func (d *Dispatcher) Run(ctx context.Context, quit <-chan struct{}) error {
	tickMillis := int(d.wheel.Tick() / time.Millisecond)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-quit:
			d.log.Info("dispatcher: quit received, shutting down")
			return nil
		default:
		}

		events, err := d.rx.Wait(tickMillis)
		if err != nil {
			return err
		}
		for _, ev := range events {
			d.route(ev)
		}
		for _, fired := range d.wheel.Advance(time.Now()) {
			d.handleTimeout(fired)
		}
	}
}

// Close releases the reactor. The server socket fd is owned by the
// caller (main), not the Dispatcher, and is closed there.
func (d *Dispatcher) Close() error {
	return d.rx.Close()
}

// Start launches d's event loop on its own goroutine and returns its
// handle bundle: a control channel the caller closes (or sends on) to
// request shutdown, and a done channel that closes once the loop has
// actually exited.
func Start(d *Dispatcher) (quit chan<- struct{}, done <-chan struct{}) {
	q := make(chan struct{})
	fin := make(chan struct{})
	go func() {
		defer close(fin)
		if err := d.Run(context.Background(), q); err != nil {
			d.log.Error("dispatcher: event loop exited with error", "err", err)
		}
	}()
	return q, fin
}

func (d *Dispatcher) route(ev reactor.Event) {
	if ev.Fd == d.serverFd {
		if ev.Readable {
			d.handleServerReadable()
		}
		if ev.Writable {
			d.handleServerWritable()
		}
		return
	}

	handle, ok := d.fdToDatagram[ev.Fd]
	if !ok {
		// Race with a prior teardown; a dead token is dropped without
		// mutating state.
		return
	}
	d.handleDatagramEvent(handle, ev)
}

func (d *Dispatcher) handleServerReadable() {
	handle, err := d.queries.AllocWith(func(h int) *Query { return NewQuery(h) })
	if err != nil {
		d.log.Warn("dispatcher: query slab exhausted, dropping client request", "err", err)
		metrics.QueriesTotal.WithLabelValues("slab_exhausted").Inc()
		return
	}
	metrics.QuerySlabInUse.Set(float64(d.queries.Len()))

	qp, _ := d.queries.Get(handle)
	q := *qp

	ok, err := q.Rx(d.serverFd)
	if err != nil {
		d.log.Warn("dispatcher: query parse failed", "query", handle, "err", err)
		metrics.QueriesTotal.WithLabelValues("parse_error").Inc()
		d.freeQuery(handle)
		return
	}
	if !ok {
		d.freeQuery(handle)
		return
	}

	d.traceIDs[handle] = uuid.New()
	d.log.Info("dispatcher: query accepted", "query", handle, "trace_id", d.traceIDs[handle], "tx_id", q.OriginalMessage.TxID)

	if q.AnswerInCache(d.cache) {
		metrics.CacheOperations.WithLabelValues("hit").Inc()
		resp := q.BuildCachedResponse(d.cache)
		if err := q.SetResponseReadyFromCache(resp); err != nil {
			d.log.Warn("dispatcher: failed to build cached response", "query", handle, "err", err)
			metrics.QueriesTotal.WithLabelValues("parse_error").Inc()
			d.freeQuery(handle)
			return
		}
		metrics.QueriesTotal.WithLabelValues("cache_hit").Inc()
		metrics.QueryDuration.WithLabelValues("cache_hit").Observe(time.Since(q.AcceptedAt()).Seconds())
		d.enqueueOutgoing(handle)
		return
	}
	metrics.CacheOperations.WithLabelValues("miss").Inc()
	d.fanOut(handle, q)
}

func (d *Dispatcher) fanOut(handle int, q *Query) {
	armed := 0
	for _, remote := range d.upstreams {
		dHandle, err := d.datagrams.TryAllocWith(func(dh int) (*Datagram, error) {
			return NewDatagram(dh, handle, remote)
		})
		if err != nil {
			d.log.Warn("dispatcher: datagram slab exhausted", "query", handle, "err", err)
			break
		}
		dgp, _ := d.datagrams.Get(dHandle)
		dg := *dgp

		if err := dg.Fill(q.QuestionBytes()); err != nil {
			d.log.Warn("dispatcher: fill failed", "query", handle, "datagram", dHandle, "err", err)
			_ = dg.Close()
			d.datagrams.Free(dHandle)
			continue
		}
		if err := q.AddUpstreamToken(dHandle); err != nil {
			d.log.Warn("dispatcher: too many upstreams for query", "query", handle, "err", err)
			_ = dg.Close()
			d.datagrams.Free(dHandle)
			continue
		}
		if err := d.rx.Register(dg.Fd(), dg.Interest()); err != nil {
			d.log.Warn("dispatcher: register upstream datagram failed", "query", handle, "err", err)
			_ = dg.Close()
			d.datagrams.Free(dHandle)
			continue
		}
		d.fdToDatagram[dg.Fd()] = dHandle
		armed++
	}
	metrics.DatagramSlabInUse.Set(float64(d.datagrams.Len()))

	if armed == 0 {
		d.log.Warn("dispatcher: no upstream armed, dropping query", "query", handle, "err", ErrNoUpstream)
		metrics.QueriesTotal.WithLabelValues("slab_exhausted").Inc()
		d.teardownQuery(handle)
		return
	}

	timerID := d.wheel.Arm(handle, d.timeout)
	q.SetTimeout(timerID)
}

func (d *Dispatcher) handleServerWritable() {
	if len(d.outgoing) == 0 {
		return
	}
	handle := d.outgoing[0]

	qp, ok := d.queries.Get(handle)
	if !ok {
		// Dead token: drop it from the queue and move on.
		d.outgoing = d.outgoing[1:]
		d.reregisterServer()
		return
	}
	q := *qp
	if q.ClientAddr == nil {
		d.log.Warn("dispatcher: dropping query with no client address", "query", handle, "err", ErrNoClientAddress)
		d.outgoing = d.outgoing[1:]
		d.teardownQuery(handle)
		d.reregisterServer()
		return
	}

	err := unix.Sendto(d.serverFd, q.QuestionBytes(), 0, q.ClientAddr)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			// Leave at the front of the FIFO and retry on the next
			// writable. UDP sendto is all-or-nothing, so WouldBlock is
			// the only partial-send case here.
			return
		}
		d.log.Warn("dispatcher: server sendto failed", "query", handle, "err", err)
	}

	d.outgoing = d.outgoing[1:]
	d.teardownQuery(handle)
	d.reregisterServer()
}

func (d *Dispatcher) handleDatagramEvent(handle int, ev reactor.Event) {
	dgp, ok := d.datagrams.Get(handle)
	if !ok {
		return
	}
	dg := *dgp

	qp, ok := d.queries.Get(dg.OwningQueryHandle)
	if !ok {
		// Owning query is already gone; this datagram should have been
		// torn down with it, but guard against the race anyway.
		d.teardownDatagram(handle)
		return
	}
	q := *qp

	revent, err := dg.Event(reactor.Event{Readable: ev.Readable, Writable: ev.Writable})
	if err != nil {
		d.log.Warn("dispatcher: upstream datagram event failed", "query", dg.OwningQueryHandle, "datagram", handle, "err", err)
		d.teardownQuery(dg.OwningQueryHandle)
		return
	}

	done := q.DatagramEvent(dg, revent)
	if done {
		metrics.FanOutRaces.WithLabelValues("won").Inc()
		metrics.QueriesTotal.WithLabelValues("upstream").Inc()
		metrics.QueryDuration.WithLabelValues("upstream").Observe(time.Since(q.AcceptedAt()).Seconds())
		q.AddToCache(d.cache)
		d.publishInvalidations(q)
		q.TakeTimeout() // clear; any later wheel fire for this id is now stale
		d.teardownUpstreams(q)
		d.enqueueOutgoing(q.Handle)
		return
	}

	phase, ok := q.UpstreamPhaseOf(handle)
	if ok && phase == UpstreamFailed {
		d.log.Warn("dispatcher: upstream sub-query failed",
			"query", dg.OwningQueryHandle, "datagram", handle, "err", q.UpstreamFailure(handle))
		metrics.FanOutRaces.WithLabelValues("lost").Inc()
		d.teardownDatagram(handle)
		return
	}
	if err := d.rx.Reregister(dg.Fd(), dg.Interest()); err != nil {
		d.log.Warn("dispatcher: reregister upstream datagram failed", "query", dg.OwningQueryHandle, "datagram", handle, "err", err)
	}
}

func (d *Dispatcher) publishInvalidations(q *Query) {
	if d.invalidator == nil {
		return
	}
	for _, r := range q.WinningAnswers() {
		d.invalidator.Publish(context.Background(), r.Name, uint16(r.Type))
	}
}

func (d *Dispatcher) handleTimeout(t timerEntry) {
	qp, ok := d.queries.Get(t.handle)
	if !ok {
		return
	}
	q := *qp
	current, armed := q.TakeTimeout()
	if !armed || current != t.id {
		// Query already completed (timeout cleared) or this entry is a
		// stale bucket survivor from a handle a prior query occupied.
		// Put the live query's own timeout back so it still fires.
		if armed {
			q.SetTimeout(current)
		}
		return
	}
	d.log.Info("dispatcher: query timed out", "query", t.handle)
	metrics.TimeoutsTotal.Inc()
	metrics.QueriesTotal.WithLabelValues("timeout").Inc()
	metrics.QueryDuration.WithLabelValues("timeout").Observe(time.Since(q.AcceptedAt()).Seconds())
	d.teardownQuery(t.handle)
}

func (d *Dispatcher) enqueueOutgoing(handle int) {
	d.outgoing = append(d.outgoing, handle)
	d.reregisterServer()
}

// reregisterServer keeps the server socket's interest in step with
// the outgoing FIFO: readable-only when the FIFO is empty,
// readable+writable otherwise.
func (d *Dispatcher) reregisterServer() {
	interest := reactor.Readable
	if len(d.outgoing) > 0 {
		interest = reactor.ReadableWritable
	}
	if err := d.rx.Reregister(d.serverFd, interest); err != nil {
		d.log.Warn("dispatcher: reregister server socket failed", "err", err)
	}
}

func (d *Dispatcher) teardownDatagram(handle int) {
	dgp, ok := d.datagrams.Get(handle)
	if !ok {
		return
	}
	dg := *dgp
	if err := d.rx.Deregister(dg.Fd()); err != nil {
		d.log.Warn("dispatcher: deregister upstream datagram failed", "datagram", handle, "err", err)
	}
	delete(d.fdToDatagram, dg.Fd())
	if err := dg.Close(); err != nil {
		d.log.Warn("dispatcher: close upstream datagram failed", "datagram", handle, "err", err)
	}
	d.datagrams.Free(handle)
	metrics.DatagramSlabInUse.Set(float64(d.datagrams.Len()))
}

// teardownUpstreams tears down every upstream datagram a query still
// references. Handles already freed individually (e.g. a lost fan-out
// race) are a no-op per Slab.Free's dead-token semantics.
func (d *Dispatcher) teardownUpstreams(q *Query) {
	for _, h := range q.UpstreamTokens() {
		// A freed handle may since have been reallocated to another
		// query's datagram; only tear down datagrams q still owns.
		if dgp, ok := d.datagrams.Get(h); ok && (*dgp).OwningQueryHandle == q.Handle {
			d.teardownDatagram(h)
		}
	}
}

// teardownQuery tears down every upstream, clears any armed timeout,
// and frees the query slot.
func (d *Dispatcher) teardownQuery(handle int) {
	qp, ok := d.queries.Get(handle)
	if !ok {
		return
	}
	q := *qp
	d.teardownUpstreams(q)
	q.TakeTimeout()
	d.freeQuery(handle)
}

func (d *Dispatcher) freeQuery(handle int) {
	delete(d.traceIDs, handle)
	d.queries.Free(handle)
	metrics.QuerySlabInUse.Set(float64(d.queries.Len()))
}
