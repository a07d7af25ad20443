//go:build linux

package proxy

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/poyrazK/dnsproxy/internal/cache"
	"github.com/poyrazK/dnsproxy/internal/metrics"
	"github.com/poyrazK/dnsproxy/internal/wire"
)

// QueryPhase is the overall per-query state.
type QueryPhase int

const (
	PhaseWaiting QueryPhase = iota
	PhaseSendRequest
	PhaseWaitResponse
	PhaseResponseReady
)

// UpstreamPhase is the per-upstream sub-state machine.
type UpstreamPhase int

const (
	UpstreamSendRequest UpstreamPhase = iota
	UpstreamWaitResponse
	UpstreamResponseReady
	UpstreamFailed
)

const maxUpstreamsPerQuery = 16

// upstreamState tracks one fan-out sub-query's phase and timestamps.
type upstreamState struct {
	handle    int
	phase     UpstreamPhase
	failure   error
	startTime time.Time
	endTime   time.Time
}

// Query is the per-client request state machine: the original
// message, the client address, the fan-out sub-queries, and the
// buffer that holds first the inbound query bytes and later the
// chosen response bytes.
type Query struct {
	Handle          int
	OriginalMessage *wire.Message
	ClientAddr      unix.Sockaddr
	buf             *wire.Buffer
	upstreams       []upstreamState
	phase           QueryPhase
	timeoutHandle   *int
	winningAnswers  []wire.ResourceRecord
	acceptedAt      time.Time
}

// NewQuery returns an empty query in PhaseWaiting.
func NewQuery(handle int) *Query {
	return &Query{Handle: handle, buf: wire.NewBuffer(), phase: PhaseWaiting}
}

// Rx performs a non-blocking receive into the query's buffer from the
// server socket fd, parses the inbound message, and records the
// client address. Parse failure is an error; absence of data (EAGAIN)
// returns (false, nil) without changing phase.
func (q *Query) Rx(serverFd int) (bool, error) {
	q.buf.SetWriting()
	n, from, err := unix.Recvfrom(serverFd, q.buf.WritableSlice(), 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, err
	}
	q.buf.Advance(n)
	q.buf.Flip()

	msg, err := wire.ParseMessage(q.buf.ReadableSlice())
	if err != nil {
		return false, err
	}
	q.OriginalMessage = msg
	q.ClientAddr = from
	q.acceptedAt = time.Now()
	return true, nil
}

// AcceptedAt reports when Rx parsed this query's inbound message, for
// end-to-end latency accounting.
func (q *Query) AcceptedAt() time.Time { return q.acceptedAt }

// AnswerInCache reports whether every question in the inbound message
// has at least one matching record in c.
func (q *Query) AnswerInCache(c *cache.Cache) bool {
	if q.OriginalMessage == nil || len(q.OriginalMessage.Questions) == 0 {
		return false
	}
	for _, question := range q.OriginalMessage.Questions {
		if !c.Hit(question) {
			return false
		}
	}
	return true
}

// BuildCachedResponse constructs a response entirely from cached
// records: tx_id copied, QR=1, RD copied, RA=1, questions copied,
// answers populated from the cache in question order.
func (q *Query) BuildCachedResponse(c *cache.Cache) wire.Message {
	b := wire.NewMessageBuilder().
		TxID(q.OriginalMessage.TxID).
		Response(true).
		RecursionDesired(q.OriginalMessage.RD()).
		RecursionAvailable(true).
		Questions(q.OriginalMessage.Questions)

	for _, question := range q.OriginalMessage.Questions {
		b.Answers(c.Answers(question))
	}
	return b.Build()
}

// QuestionBytes returns the buffer slice currently held: the original
// inbound query bytes while fanning out, or the chosen upstream's
// response bytes once ResponseReady.
func (q *Query) QuestionBytes() []byte {
	return q.buf.ReadableSlice()
}

// Phase reports the query's overall phase.
func (q *Query) Phase() QueryPhase { return q.phase }

// AddUpstreamToken registers an upstream sub-query, setting its phase
// to SendRequest and stamping start_time.
func (q *Query) AddUpstreamToken(handle int) error {
	if len(q.upstreams) >= maxUpstreamsPerQuery {
		return ErrTooManyUpstreams
	}
	q.upstreams = append(q.upstreams, upstreamState{
		handle:    handle,
		phase:     UpstreamSendRequest,
		startTime: time.Now(),
	})
	q.phase = PhaseSendRequest
	return nil
}

// ErrTooManyUpstreams guards the bound of at most 16 upstream handles
// per query.
var ErrTooManyUpstreams = errInvalid("proxy: too many upstream handles for one query")

type errInvalid string

func (e errInvalid) Error() string { return string(e) }

// UpstreamTokens returns the handles of every still-tracked upstream.
func (q *Query) UpstreamTokens() []int {
	handles := make([]int, len(q.upstreams))
	for i, u := range q.upstreams {
		handles[i] = u.handle
	}
	return handles
}

// UpstreamPhaseOf reports the current phase of the upstream identified
// by handle, so the dispatcher can tell a genuinely failed sub-query
// (UpstreamFailed: tear down just that datagram, keep racing the
// others) apart from one still legitimately in flight.
func (q *Query) UpstreamPhaseOf(handle int) (UpstreamPhase, bool) {
	u := q.findUpstream(handle)
	if u == nil {
		return 0, false
	}
	return u.phase, true
}

// UpstreamFailure returns the error that moved the upstream identified
// by handle into UpstreamFailed, or nil if it hasn't failed.
func (q *Query) UpstreamFailure(handle int) error {
	u := q.findUpstream(handle)
	if u == nil {
		return nil
	}
	return u.failure
}

func (q *Query) findUpstream(handle int) *upstreamState {
	for i := range q.upstreams {
		if q.upstreams[i].handle == handle {
			return &q.upstreams[i]
		}
	}
	return nil
}

// DatagramEvent advances the per-upstream state machine for the
// upstream identified by d.Handle, given one readiness-driven event
// from it. It returns true iff the whole query has reached
// ResponseReady.
func (q *Query) DatagramEvent(d *Datagram, ev DatagramEvent) bool {
	u := q.findUpstream(d.Handle)
	if u == nil {
		return false
	}

	switch u.phase {
	case UpstreamSendRequest:
		if ev.Kind != EventTx {
			u.phase = UpstreamFailed
			u.failure = ErrInvalidResponse
			return false
		}
		sent := d.buf.Position()
		total := len(q.QuestionBytes())
		if sent >= total {
			u.phase = UpstreamWaitResponse
			d.SetRx()
		}
		// sent < total: remain in SendRequest, continue on next writable.

	case UpstreamWaitResponse:
		if ev.Kind != EventRx || ev.N == 0 {
			return false
		}
		resp, err := wire.ParseMessage(d.Buffer().ReadableSlice())
		if err != nil {
			u.phase = UpstreamFailed
			u.failure = err
			return false
		}
		if resp.TxID != q.OriginalMessage.TxID {
			// InvalidTxId: discard, clear the scratch bytes, and remain
			// in WaitResponse for another try.
			metrics.FanOutRaces.WithLabelValues("discarded_stale_txid").Inc()
			d.SetRx()
			return false
		}
		u.phase = UpstreamResponseReady
		u.endTime = time.Now()
		d.SetIdle()
		q.commitWinner(resp, d.Buffer().ReadableSlice())
		return true

	default:
		// ResponseReady / Failed: any further event is ignored.
	}
	return false
}

func (q *Query) commitWinner(resp *wire.Message, raw []byte) {
	q.buf.SetWriting()
	_ = q.buf.WriteAll(raw)
	q.buf.Flip()
	q.winningAnswers = resp.Answers
	q.phase = PhaseResponseReady
}

// WinningAnswers returns the resource records from the upstream that
// completed the query, for AddToCache to insert.
func (q *Query) WinningAnswers() []wire.ResourceRecord { return q.winningAnswers }

// SetResponseReadyFromCache marks the query ResponseReady with a
// pre-built cached response; the cache-hit fast path never touches an
// upstream datagram at all.
func (q *Query) SetResponseReadyFromCache(resp wire.Message) error {
	q.buf.SetWriting()
	raw, err := resp.Emit()
	if err != nil {
		return err
	}
	if err := q.buf.WriteAll(raw); err != nil {
		return err
	}
	q.buf.Flip()
	q.phase = PhaseResponseReady
	return nil
}

// SetTimeout records the handle of this query's armed timeout. At
// most one timeout is ever armed per query.
func (q *Query) SetTimeout(handle int) {
	h := handle
	q.timeoutHandle = &h
}

// TakeTimeout returns and clears the armed timeout handle, if any.
func (q *Query) TakeTimeout() (int, bool) {
	if q.timeoutHandle == nil {
		return 0, false
	}
	h := *q.timeoutHandle
	q.timeoutHandle = nil
	return h, true
}

// AddToCache appends every winning answer record to c under its own
// owner name.
func (q *Query) AddToCache(c *cache.Cache) {
	for _, r := range q.winningAnswers {
		c.Add(r.Name, r)
	}
}
