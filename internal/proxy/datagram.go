//go:build linux

package proxy

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/poyrazK/dnsproxy/internal/reactor"
	"github.com/poyrazK/dnsproxy/internal/wire"
)

// DatagramMode is the upstream datagram's Tx/Rx/Idle state.
type DatagramMode int

const (
	DatagramIdle DatagramMode = iota
	DatagramTx
	DatagramRx
)

// EventKind tags the three-arm result of a readiness step: bytes
// moved on transmit, bytes arrived on receive, or nothing at all.
type EventKind int

const (
	EventNothing EventKind = iota
	EventTx
	EventRx
)

// DatagramEvent is the outcome of one Datagram.Event call.
type DatagramEvent struct {
	Kind EventKind
	N    int           // bytes transmitted or received; 0 if WouldBlock
	Addr unix.Sockaddr // set only on a successful Rx
}

// Datagram is a single upstream UDP socket plus its scratch buffer.
// It owns its file descriptor exclusively; its lifetime ends when its
// owning query terminates.
type Datagram struct {
	Handle            int
	OwningQueryHandle int
	RemoteAddr        unix.Sockaddr
	fd                int
	buf               *wire.Buffer
	mode              DatagramMode
}

// NewDatagram opens a non-blocking IPv4 UDP socket bound to an
// ephemeral local port, in Idle mode, addressed at remote.
func NewDatagram(handle, owningQueryHandle int, remote unix.Sockaddr) (*Datagram, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("proxy: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("proxy: set nonblock: %w", err)
	}
	// Bind to an ephemeral port (0) on the wildcard address.
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: 0}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("proxy: bind: %w", err)
	}
	return &Datagram{
		Handle:            handle,
		OwningQueryHandle: owningQueryHandle,
		RemoteAddr:        remote,
		fd:                fd,
		buf:               wire.NewBuffer(),
		mode:              DatagramIdle,
	}, nil
}

// Fd is the raw file descriptor, used to register with the reactor.
func (d *Datagram) Fd() int { return d.fd }

// Mode reports the datagram's current Tx/Rx/Idle state.
func (d *Datagram) Mode() DatagramMode { return d.mode }

// Fill copies payload into the buffer, flips it to Reading, and sets
// mode := Tx, arming the datagram for transmit.
func (d *Datagram) Fill(payload []byte) error {
	d.buf.SetWriting()
	if err := d.buf.WriteAll(payload); err != nil {
		return err
	}
	d.buf.Flip()
	d.mode = DatagramTx
	return nil
}

// SetRx clears the buffer to Writing and sets mode := Rx.
func (d *Datagram) SetRx() {
	d.buf.SetWriting()
	d.mode = DatagramRx
}

// SetIdle sets mode := Idle.
func (d *Datagram) SetIdle() {
	d.mode = DatagramIdle
}

// ErrInvalidState is returned when a readiness event doesn't match
// the datagram's current mode. It is always a programming error on
// the dispatcher's side, never a remote-peer condition.
var ErrInvalidState = fmt.Errorf("proxy: readiness inconsistent with datagram mode")

// Event performs one non-blocking I/O step consistent with the
// current mode: a send_to when Tx and writable, a recv_from when Rx
// and readable, nothing when Idle.
func (d *Datagram) Event(ev reactor.Event) (DatagramEvent, error) {
	switch d.mode {
	case DatagramTx:
		if !ev.Writable {
			return DatagramEvent{}, ErrInvalidState
		}
		payload := d.buf.ReadableSlice()
		err := unix.Sendto(d.fd, payload, 0, d.RemoteAddr)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return DatagramEvent{Kind: EventTx, N: 0}, nil
			}
			return DatagramEvent{}, fmt.Errorf("proxy: send_to: %w", err)
		}
		n := len(payload)
		d.buf.Advance(n)
		return DatagramEvent{Kind: EventTx, N: n}, nil

	case DatagramRx:
		if !ev.Readable {
			return DatagramEvent{}, ErrInvalidState
		}
		n, from, err := unix.Recvfrom(d.fd, d.buf.WritableSlice(), 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return DatagramEvent{Kind: EventRx, N: 0}, nil
			}
			return DatagramEvent{}, fmt.Errorf("proxy: recv_from: %w", err)
		}
		d.buf.Advance(n)
		return DatagramEvent{Kind: EventRx, N: n, Addr: from}, nil

	default: // Idle
		return DatagramEvent{Kind: EventNothing}, nil
	}
}

// Interest reports the reactor interest this datagram should be
// (re-)registered with after every event: writable-only when Tx,
// readable-only when Rx, none when Idle.
func (d *Datagram) Interest() reactor.Interest {
	switch d.mode {
	case DatagramTx:
		return reactor.Writable
	case DatagramRx:
		return reactor.Readable
	default:
		return reactor.None
	}
}

// Buffer exposes the scratch buffer for the query state machine to
// read the received bytes from, or to write request bytes into.
func (d *Datagram) Buffer() *wire.Buffer { return d.buf }

// Close releases the underlying socket.
func (d *Datagram) Close() error {
	return unix.Close(d.fd)
}
