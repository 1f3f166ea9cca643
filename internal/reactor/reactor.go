// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package reactor implements the single-threaded event demultiplexer that
// drives every socket of the chat server. It wraps epoll with an eventfd
// used as a cross-thread wakeup so that workers can change a descriptor's
// interest set and have the loop observe it on its next iteration.
package reactor

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/elaysia-feng/nebulachat/pkg/errors"
	"golang.org/x/sys/unix"
)

// Readiness bits, re-exported so callers do not import unix directly.
const (
	EventRead  = uint32(unix.EPOLLIN)
	EventWrite = uint32(unix.EPOLLOUT)
	EventErr   = uint32(unix.EPOLLERR)
	EventHup   = uint32(unix.EPOLLHUP)

	edgeTriggered = uint32(unix.EPOLLET)
)

var (
	// ErrNoDispatcher indicates Loop was started without a dispatcher.
	ErrNoDispatcher = errors.New("reactor dispatcher not set")

	errCreate = errors.New("failed to create reactor")
	errWait   = errors.New("epoll wait failed")
)

// Dispatcher receives every readiness notification. The user value is the
// one registered for the descriptor, resolved under the reactor's mutex at
// dispatch time so that cross-thread Modify is safe.
type Dispatcher func(fd int, events uint32, user any)

// Reactor is a single event-loop thread over epoll. All registered
// descriptors must be non-blocking; with edge triggering enabled consumers
// must drain to EAGAIN on every notification or readiness is lost.
type Reactor struct {
	epfd    int
	evfd    int
	useET   bool
	events  []unix.EpollEvent
	running atomic.Bool

	mu       sync.Mutex
	users    map[int]any
	dispatch Dispatcher
}

// New creates a reactor sized to drain up to maxEvents notifications per
// wait, with optional edge-triggered readiness.
func New(maxEvents int, useET bool) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(errCreate, err)
	}

	evfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(errCreate, err)
	}

	// The wakeup descriptor is level-triggered; it is drained fully on
	// every notification anyway.
	ev := unix.EpollEvent{Events: uint32(unix.EPOLLIN), Fd: int32(evfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, evfd, &ev); err != nil {
		unix.Close(evfd)
		unix.Close(epfd)
		return nil, errors.Wrap(errCreate, err)
	}

	return &Reactor{
		epfd:   epfd,
		evfd:   evfd,
		useET:  useET,
		events: make([]unix.EpollEvent, maxEvents),
		users:  map[int]any{},
	}, nil
}

// SetDispatcher installs the event callback. Must be called before Loop.
func (r *Reactor) SetDispatcher(d Dispatcher) {
	r.mu.Lock()
	r.dispatch = d
	r.mu.Unlock()
}

// Add registers fd for events and associates user with it.
func (r *Reactor) Add(fd int, events uint32, user any) error {
	if r.useET {
		events |= edgeTriggered
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	r.mu.Lock()
	r.users[fd] = user
	r.mu.Unlock()
	return nil
}

// Modify changes the interest set of fd. A nil user keeps the registered
// one. Safe to call from any thread; pair with Wakeup so the loop observes
// the new interest promptly.
func (r *Reactor) Modify(fd int, events uint32, user any) error {
	if r.useET {
		events |= edgeTriggered
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	if user != nil {
		r.mu.Lock()
		r.users[fd] = user
		r.mu.Unlock()
	}
	return nil
}

// Remove deregisters fd. Removing a descriptor the kernel already forgot
// (closed by the peer) is not an error.
func (r *Reactor) Remove(fd int) error {
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return err
	}
	r.mu.Lock()
	delete(r.users, fd)
	r.mu.Unlock()
	return nil
}

// Wakeup makes the loop's wait return. Callable from any thread; the
// eventfd accumulates a counter, so concurrent wakeups coalesce.
func (r *Reactor) Wakeup() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(r.evfd, buf[:]) //nolint:errcheck // overflow means a wakeup is already pending
}

// drainWakeup empties the eventfd counter so the loop does not spin.
func (r *Reactor) drainWakeup() {
	var buf [8]byte
	for {
		n, err := unix.Read(r.evfd, buf[:])
		if n == len(buf) {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || n <= 0 {
			return
		}
	}
}

// Loop runs until Stop. It dispatches every readiness notification to the
// installed dispatcher; EINTR is retried, other wait errors abort the loop.
func (r *Reactor) Loop() error {
	r.mu.Lock()
	d := r.dispatch
	r.mu.Unlock()
	if d == nil {
		return ErrNoDispatcher
	}

	r.running.Store(true)
	for r.running.Load() {
		n, err := unix.EpollWait(r.epfd, r.events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.running.Store(false)
			return errors.Wrap(errWait, err)
		}

		for i := 0; i < n; i++ {
			fd := int(r.events[i].Fd)
			ev := r.events[i].Events

			if fd == r.evfd {
				r.drainWakeup()
				continue
			}

			r.mu.Lock()
			user := r.users[fd]
			r.mu.Unlock()

			d(fd, ev, user)
		}
	}
	return nil
}

// Stop makes Loop exit. Idempotent and callable from any thread; the
// reactor does not restart after a stop.
func (r *Reactor) Stop() {
	if r.running.CompareAndSwap(true, false) {
		r.Wakeup()
	}
}

// Close releases the epoll and eventfd descriptors.
func (r *Reactor) Close() error {
	r.Stop()
	if err := unix.Close(r.evfd); err != nil {
		return err
	}
	return unix.Close(r.epfd)
}
