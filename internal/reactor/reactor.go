//go:build linux

// Package reactor is the single-threaded readiness multiplexer the
// dispatcher polls, a thin wrapper over Linux epoll.
package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Interest is the set of readiness conditions a registration cares
// about.
type Interest int

const (
	None Interest = iota
	Readable
	Writable
	ReadableWritable
)

func (i Interest) mask() uint32 {
	switch i {
	case Readable:
		return unix.EPOLLIN
	case Writable:
		return unix.EPOLLOUT
	case ReadableWritable:
		return unix.EPOLLIN | unix.EPOLLOUT
	default:
		return 0
	}
}

// Event is one readiness notification returned by Wait. The caller
// (the dispatcher) keeps its own fd -> slab-handle map; epoll's
// user-data word just carries the fd back.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
}

// Reactor wraps a single epoll instance. It is not safe for
// concurrent use: exactly one goroutine, the dispatcher's event loop,
// ever calls into it.
type Reactor struct {
	epfd int
	buf  []unix.EpollEvent
}

// New creates an epoll instance sized for the given hint on the
// maximum number of simultaneously registered descriptors (purely a
// buffer-sizing hint; epoll itself has no fixed capacity).
func New(eventBufferHint int) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	if eventBufferHint < 16 {
		eventBufferHint = 16
	}
	return &Reactor{epfd: epfd, buf: make([]unix.EpollEvent, eventBufferHint)}, nil
}

// Register adds fd to the reactor with an initial interest set.
func (r *Reactor) Register(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: interest.mask(), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(ADD, fd=%d): %w", fd, err)
	}
	return nil
}

// Reregister changes fd's interest set, the manual re-arm step every
// event handler performs before returning to the poll. The epoll
// usage here is level-triggered, so re-registration narrows or widens
// interest rather than re-arming a consumed notification; for a
// single-threaded, fully-drained-per-wakeup loop the two are
// observably equivalent.
func (r *Reactor) Reregister(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: interest.mask(), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(MOD, fd=%d): %w", fd, err)
	}
	return nil
}

// Deregister removes fd from the reactor entirely (teardown path).
func (r *Reactor) Deregister(fd int) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(DEL, fd=%d): %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one registered descriptor is ready or
// timeoutMillis elapses (-1 blocks indefinitely; 0 polls without
// blocking). It returns the ready events with their tokens.
func (r *Reactor) Wait(timeoutMillis int) ([]Event, error) {
	n, err := unix.EpollWait(r.epfd, r.buf, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("reactor: epoll_wait: %w", err)
	}
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := r.buf[i]
		events = append(events, Event{
			Fd:       int(e.Fd),
			Readable: e.Events&unix.EPOLLIN != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
		})
	}
	return events, nil
}

// Close releases the epoll instance.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}
