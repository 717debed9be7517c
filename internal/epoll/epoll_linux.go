// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

// Package epoll is the platform readiness API the selector drives
// directly. It owns one epoll instance and a single reusable ready-set slice so
// that a select cycle never allocates: Wait overwrites the same backing
// array every call and returns it sliced to the number of ready events.
package epoll

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// EventRead mirrors EPOLLIN: the fd is readable, or (for a listener)
	// a new connection is pending accept.
	EventRead = unix.EPOLLIN
	// EventWrite mirrors EPOLLOUT: the fd can accept a non-blocking
	// write without blocking.
	EventWrite = unix.EPOLLOUT
)

// Event is one readiness notification returned by Wait.
type Event struct {
	FD  int
	Mask uint32
}

// Poller owns one epoll fd and a fixed-capacity, reused ready-set.
type Poller struct {
	mu     sync.Mutex
	epfd   int
	events []unix.EpollEvent
	ready  []Event
	closed bool
}

// New creates a Poller with ready-set capacity capHint (128 if capHint
// <= 0). The capacity is fixed: a single Wait call reports at most
// capHint events, and any further ready fds are reported by later calls.
func New(capHint int) (*Poller, error) {
	if capHint <= 0 {
		capHint = 128
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Poller{
		epfd:   fd,
		events: make([]unix.EpollEvent, capHint),
		ready:  make([]Event, 0, capHint),
	}, nil
}

// Add registers fd for the given interest mask.
func (p *Poller) Add(fd int, mask uint32) error {
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	return ctlErr("epoll_ctl(add)", unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev))
}

// Modify changes the interest mask for an already-registered fd.
func (p *Poller) Modify(fd int, mask uint32) error {
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	return ctlErr("epoll_ctl(mod)", unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev))
}

// Remove cancels fd's registration. It is safe to call even if fd was
// never added (e.g. a registration that raced an unregister).
func (p *Poller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return ctlErr("epoll_ctl(del)", err)
	}
	return nil
}

// Wait blocks up to deadlineMillis (0 returns immediately, -1 blocks
// forever) and returns the ready-set, allocation-free in steady state:
// the returned slice aliases Poller's own storage and is only valid
// until the next Wait call.
func (p *Poller) Wait(deadlineMillis int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.events, deadlineMillis)
	if err != nil {
		if err == unix.EINTR {
			return p.ready[:0], nil
		}
		return nil, os.NewSyscallError("epoll_wait", err)
	}
	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		p.ready = append(p.ready, Event{
			FD:   int(p.events[i].Fd),
			Mask: p.events[i].Events,
		})
	}
	return p.ready, nil
}

// Close releases the epoll fd. Idempotent.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.epfd)
}

func ctlErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return os.NewSyscallError(op, err)
}
