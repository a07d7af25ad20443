//go:build linux

package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/poyrazK/dnsproxy/internal/cache"
	"github.com/poyrazK/dnsproxy/internal/reactor"
	"github.com/poyrazK/dnsproxy/internal/wire"
)

// newLoopbackSocket opens a non-blocking IPv4 UDP socket bound to an
// ephemeral port on loopback and returns its fd and bound address, for
// tests that need to stand in for either a client or a mock upstream
// without going through the reactor or Dispatcher.
func newLoopbackSocket(t *testing.T) (int, *unix.SockaddrInet4) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	require.NoError(t, unix.SetNonblock(fd, true))
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}))

	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	in4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	return fd, in4
}

func recvWithRetry(t *testing.T, fd int, buf []byte, timeout time.Duration) (int, unix.Sockaddr) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, from, err := unix.Recvfrom(fd, buf, 0)
		if err == nil {
			return n, from
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			t.Fatalf("recvfrom: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for datagram")
	return 0, nil
}

func sendWithRetry(t *testing.T, fd int, buf []byte, to unix.Sockaddr) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		err := unix.Sendto(fd, buf, 0, to)
		if err == nil {
			return
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			t.Fatalf("sendto: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out sending datagram")
}

func buildQuery(t *testing.T, txID uint16, name string) *wire.Message {
	t.Helper()
	m := wire.NewMessageBuilder().
		TxID(txID).
		RecursionDesired(true).
		Questions([]wire.Question{{Name: name, Type: wire.TypeA, Class: wire.ClassIN}}).
		Build()
	return &m
}

func TestQueryAnswerInCacheRequiresEveryQuestionToHit(t *testing.T) {
	c := cache.New()
	c.Add("fark.com", wire.ResourceRecord{Name: "fark.com", Type: wire.TypeA, Class: wire.ClassIN, TTL: 300,
		RData: wire.RData{Kind: wire.RDataA, IP: [4]byte{64, 191, 171, 200}}})

	q := NewQuery(0)
	q.OriginalMessage = buildQuery(t, 0x5678, "fark.com")
	require.True(t, q.AnswerInCache(c))

	q2 := NewQuery(1)
	q2.OriginalMessage = buildQuery(t, 0x1, "unknown.example")
	require.False(t, q2.AnswerInCache(c))
}

func TestQueryBuildCachedResponseShape(t *testing.T) {
	c := cache.New()
	c.Add("fark.com", wire.ResourceRecord{Name: "fark.com", Type: wire.TypeA, Class: wire.ClassIN, TTL: 300,
		RData: wire.RData{Kind: wire.RDataA, IP: [4]byte{64, 191, 171, 200}}})

	q := NewQuery(0)
	q.OriginalMessage = buildQuery(t, 0x5678, "fark.com")

	resp := q.BuildCachedResponse(c)
	require.Equal(t, uint16(0x5678), resp.TxID)
	require.True(t, resp.QR())
	require.True(t, resp.RD())
	require.True(t, resp.RA())
	require.Equal(t, q.OriginalMessage.Questions, resp.Questions)
	require.Len(t, resp.Answers, 1)
	require.Equal(t, [4]byte{64, 191, 171, 200}, resp.Answers[0].RData.IP)
}

// TestQueryPerUpstreamStateMachineWinsOnMatchingTxID drives a Query
// and a real Datagram through the full SendRequest -> WaitResponse ->
// ResponseReady path over loopback sockets.
func TestQueryPerUpstreamStateMachineWinsOnMatchingTxID(t *testing.T) {
	upstreamFd, upstreamAddr := newLoopbackSocket(t)

	q := NewQuery(0)
	q.OriginalMessage = buildQuery(t, 0x1234, "fark.com")
	raw, err := q.OriginalMessage.Emit()
	require.NoError(t, err)
	require.NoError(t, q.buf.WriteAll(raw))
	q.buf.Flip()

	dg, err := NewDatagram(DatagramStart, q.Handle, upstreamAddr)
	require.NoError(t, err)
	t.Cleanup(func() { dg.Close() })
	require.NoError(t, dg.Fill(q.QuestionBytes()))
	require.NoError(t, q.AddUpstreamToken(dg.Handle))

	// Drive Tx -> WaitResponse.
	ev, err := dg.Event(reactor.Event{Fd: dg.Fd(), Writable: true})
	require.NoError(t, err)
	require.Equal(t, EventTx, ev.Kind)
	done := q.DatagramEvent(dg, ev)
	require.False(t, done)
	require.Equal(t, UpstreamWaitResponse, mustPhase(t, q, dg.Handle))

	// Mock upstream receives the forwarded query and replies with a
	// matching tx_id and one A answer.
	inbuf := make([]byte, wire.BufferCapacity)
	n, from := recvWithRetry(t, upstreamFd, inbuf, time.Second)
	require.Equal(t, len(raw), n)

	answer := wire.NewMessageBuilder().
		TxID(0x1234).
		Response(true).
		RecursionAvailable(true).
		Questions(q.OriginalMessage.Questions).
		Answer(wire.ResourceRecord{Name: "fark.com", Type: wire.TypeA, Class: wire.ClassIN, TTL: 300,
			RData: wire.RData{Kind: wire.RDataA, IP: [4]byte{64, 191, 171, 200}}}).
		Build()
	answerBytes, err := answer.Emit()
	require.NoError(t, err)
	sendWithRetry(t, upstreamFd, answerBytes, from)

	// Drive WaitResponse -> ResponseReady once the reply lands.
	var gotEv DatagramEvent
	require.Eventually(t, func() bool {
		gotEv, err = dg.Event(reactor.Event{Fd: dg.Fd(), Readable: true})
		require.NoError(t, err)
		return gotEv.Kind == EventRx && gotEv.N > 0
	}, time.Second, time.Millisecond)

	done = q.DatagramEvent(dg, gotEv)
	require.True(t, done)
	require.Equal(t, PhaseResponseReady, q.Phase())
	require.Len(t, q.WinningAnswers(), 1)
	require.Equal(t, [4]byte{64, 191, 171, 200}, q.WinningAnswers()[0].RData.IP)
}

func TestQueryPerUpstreamStateMachineDiscardsMismatchedTxID(t *testing.T) {
	upstreamFd, upstreamAddr := newLoopbackSocket(t)

	q := NewQuery(0)
	q.OriginalMessage = buildQuery(t, 0x1234, "fark.com")
	raw, err := q.OriginalMessage.Emit()
	require.NoError(t, err)
	require.NoError(t, q.buf.WriteAll(raw))
	q.buf.Flip()

	dg, err := NewDatagram(DatagramStart, q.Handle, upstreamAddr)
	require.NoError(t, err)
	t.Cleanup(func() { dg.Close() })
	require.NoError(t, dg.Fill(q.QuestionBytes()))
	require.NoError(t, q.AddUpstreamToken(dg.Handle))

	ev, err := dg.Event(reactor.Event{Fd: dg.Fd(), Writable: true})
	require.NoError(t, err)
	q.DatagramEvent(dg, ev)

	inbuf := make([]byte, wire.BufferCapacity)
	_, from := recvWithRetry(t, upstreamFd, inbuf, time.Second)

	wrong := wire.NewMessageBuilder().TxID(0x9999).Response(true).Build()
	wrongBytes, err := wrong.Emit()
	require.NoError(t, err)
	sendWithRetry(t, upstreamFd, wrongBytes, from)

	var gotEv DatagramEvent
	require.Eventually(t, func() bool {
		gotEv, err = dg.Event(reactor.Event{Fd: dg.Fd(), Readable: true})
		require.NoError(t, err)
		return gotEv.Kind == EventRx && gotEv.N > 0
	}, time.Second, time.Millisecond)

	done := q.DatagramEvent(dg, gotEv)
	require.False(t, done, "mismatched tx_id must not complete the query")
	require.Equal(t, PhaseSendRequest, q.Phase())
	require.Equal(t, UpstreamWaitResponse, mustPhase(t, q, dg.Handle))

	// A correct reply arriving after the bogus one must still win: the
	// discarded bytes may not pollute the datagram's scratch buffer.
	right := wire.NewMessageBuilder().
		TxID(0x1234).
		Response(true).
		Questions(q.OriginalMessage.Questions).
		Answer(wire.ResourceRecord{Name: "fark.com", Type: wire.TypeA, Class: wire.ClassIN, TTL: 60,
			RData: wire.RData{Kind: wire.RDataA, IP: [4]byte{5, 6, 7, 8}}}).
		Build()
	rightBytes, err := right.Emit()
	require.NoError(t, err)
	sendWithRetry(t, upstreamFd, rightBytes, from)

	require.Eventually(t, func() bool {
		gotEv, err = dg.Event(reactor.Event{Fd: dg.Fd(), Readable: true})
		require.NoError(t, err)
		return gotEv.Kind == EventRx && gotEv.N > 0
	}, time.Second, time.Millisecond)

	done = q.DatagramEvent(dg, gotEv)
	require.True(t, done)
	require.Equal(t, PhaseResponseReady, q.Phase())
	require.Equal(t, [4]byte{5, 6, 7, 8}, q.WinningAnswers()[0].RData.IP)
}

func mustPhase(t *testing.T, q *Query, handle int) UpstreamPhase {
	t.Helper()
	p, ok := q.UpstreamPhaseOf(handle)
	require.True(t, ok)
	return p
}
