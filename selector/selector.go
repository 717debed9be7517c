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

// Package selector implements the socket selector: a
// single EventRunner thread multiplexes many TCP/UDP sockets through one
// epoll instance, dispatching ACCEPT before READ per ready key every
// cycle and always rescheduling itself, even after a per-key I/O error.
//
// Socket creation, binding and DNS resolution are left to the standard
// net package, which already does that correctly and portably; once a
// net.Conn/net.Listener/net.PacketConn exists, its raw file descriptor is
// captured once (via SyscallConn) and all further reads and writes go
// straight through golang.org/x/sys/unix, bypassing the net package's own
// blocking Read/Write so that readiness is driven entirely by this
// package's own epoll cycle.
package selector

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/govoltron/reactor/iface"
	"github.com/govoltron/reactor/internal/epoll"
	"github.com/govoltron/reactor/prepare"
	"github.com/govoltron/reactor/runner"
	"github.com/govoltron/reactor/session"
)

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("selector: closed")

// cycleDeadlineMillis bounds a single epoll_wait call, so the runner
// thread can still service non-I/O tasks between waits.
const cycleDeadlineMillis = 100

// idleYield is slept once per cycle that reports no ready keys at all,
// so an idle selector does not spin.
const idleYield = time.Millisecond

// Config holds the defaults new listeners/dials inherit unless overridden
// by a ListenOption.
type Config struct {
	Trigger       iface.EventTrigger
	Heartbeat     iface.HeartBeat
	Log           *zap.Logger
	ReadTimeout   time.Duration
	SendTimeout   time.Duration
	AppChannelMax int
	ScratchSize   int
}

// Selector is the SocketSelector.
type Selector struct {
	runner *runner.Runner
	poller *epoll.Poller
	prep   *prepare.Prepare
	cfg    Config
	log    *zap.Logger

	// regs is only ever read or written on the runner's own goroutine;
	// register/unregister marshal onto it via runSync.
	regs map[int]*registration

	// listenerTemplates maps a TCP listener's fd to the per-listener
	// config new accepted sessions are stamped from. Read concurrently
	// with handleAccept's own goroutine (always the runner thread) and
	// written once at ListenTCP time, so a sync.Map avoids needing a
	// second lock just for this.
	listenerTemplates sync.Map // fd int -> *tcpListener

	mu     sync.Mutex
	closed bool
}

// registration is the SelectionRegistration: the selector's private view
// of one fd, whether it is a listener (TCP accept / UDP datagram socket)
// or a single established stream.
type registration struct {
	fd     int
	closer io.Closer // the net.Listener/net.Conn/net.PacketConn owning fd

	isListener bool
	udp        *udpState // non-nil for a UDP listener

	session *registrationSession // non-nil for a TCP stream
}

// registrationSession pairs a live stream registration with its session
// and the reusable scratch buffer SessionPrepare reads into.
type registrationSession struct {
	sess    *session.Session
	scratch []byte
	// datagram marks a connected UDP socket: a zero-byte read is an
	// empty datagram there, not end-of-stream.
	datagram bool
}

// New builds a Selector and starts its runner thread driving one
// continuous read/accept cycle.
func New(cfg Config) (*Selector, error) {
	if cfg.Trigger == nil {
		return nil, errors.New("selector: Config.Trigger is required")
	}
	p, err := epoll.New(256)
	if err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Selector{
		runner: runner.New(),
		poller: p,
		prep:   prepare.New(cfg.Trigger, cfg.Heartbeat, log),
		cfg:    cfg,
		log:    log,
		regs:   make(map[int]*registration),
	}
	if err := s.runner.AddEvent(s.cycle); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Selector) scratchSize() int {
	if s.cfg.ScratchSize > 0 {
		return s.cfg.ScratchSize
	}
	return 64 * 1024
}

func (s *Selector) appChannelMax() int {
	if s.cfg.AppChannelMax > 0 {
		return s.cfg.AppChannelMax
	}
	return 1 << 20
}

func (s *Selector) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// runSync runs f on the runner thread and waits for it to finish. Called
// from the runner thread itself it just runs f inline: submitting a task
// and blocking for its own result from inside the single worker goroutine
// would deadlock.
func (s *Selector) runSync(f func() error) error {
	if s.runner.OnThread() {
		return f()
	}
	errCh := make(chan error, 1)
	if err := s.runner.AddEvent(func() bool {
		errCh <- f()
		return false
	}); err != nil {
		return err
	}
	return <-errCh
}

// cycle is one selector iteration: wait up to cycleDeadlineMillis, dispatch ACCEPT before READ for each ready key,
// and always reschedule itself, even when a key's handler reported an
// error and was torn down mid-cycle.
func (s *Selector) cycle() bool {
	if s.isClosed() {
		return false
	}
	events, err := s.poller.Wait(cycleDeadlineMillis)
	if err != nil {
		s.log.Error("selector: epoll wait failed", zap.Error(err))
		return true
	}
	if len(events) == 0 {
		time.Sleep(idleYield)
		return true
	}

	for _, ev := range events {
		reg, ok := s.regs[ev.FD]
		if !ok {
			continue
		}
		if ev.Mask&epoll.EventRead == 0 {
			continue
		}
		if reg.isListener {
			if reg.udp != nil {
				s.handleUDPReadable(reg)
			} else {
				s.handleAccept(reg)
			}
		} else {
			s.handleStreamReadable(reg)
		}
	}
	return true
}

// handleStreamReadable performs one non-blocking read into the
// session's scratch buffer, then hands the result (success, EOF, or
// error) to the prepare stage.
func (s *Selector) handleStreamReadable(reg *registration) {
	rs := reg.session
	n, err := unix.Read(reg.fd, rs.scratch)
	switch {
	case err == nil && n == 0:
		if rs.datagram {
			return
		}
		s.prep.Handle(context.Background(), rs.sess, rs.scratch, -1, nil)
	case err == nil:
		s.prep.Handle(context.Background(), rs.sess, rs.scratch, n, nil)
	case errors.Is(err, unix.EAGAIN):
		// Spurious wakeup; nothing to read yet.
	default:
		wrapped := classifyErr(err)
		s.log.Debug("selector: stream read error", zap.Int("fd", reg.fd), zap.Error(wrapped))
		if isBenignDisconnect(err) {
			// Peer reset / broken pipe close the session silently, with
			// no exception delivered to application code.
			s.prep.Handle(context.Background(), rs.sess, rs.scratch, -1, nil)
			return
		}
		s.prep.Handle(context.Background(), rs.sess, rs.scratch, -1, wrapped)
	}
}

// register adds reg to the poller and the registration table. Must run
// via runSync.
func (s *Selector) register(reg *registration, mask uint32) error {
	s.regs[reg.fd] = reg
	return s.poller.Add(reg.fd, mask)
}

// unregister removes reg from the poller and the registration table and
// closes its underlying fd-owning object. Safe to call from any
// goroutine.
func (s *Selector) unregister(reg *registration) {
	_ = s.runSync(func() error {
		delete(s.regs, reg.fd)
		return s.poller.Remove(reg.fd)
	})
	if reg.closer != nil {
		_ = reg.closer.Close()
	} else {
		// Accepted connections have no net.Conn wrapper: the raw fd
		// from accept4 is the owning object.
		_ = unix.Close(reg.fd)
	}
}

// Write is the bounded, non-blocking send loop: it retries EAGAIN
// until either every byte is written, the session's send timeout
// elapses, or ctx is done. Safe to call from any
// goroutine, including from inside a task already running on the
// selector's own thread (e.g. TlsAdapter wrapping a handshake record).
func (s *Selector) Write(ctx context.Context, sess *session.Session, buf []byte) (int, error) {
	if s.runner.OnThread() {
		return s.writeLoop(ctx, sess, buf)
	}
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	if err := s.runner.AddEvent(func() bool {
		n, err := s.writeLoop(ctx, sess, buf)
		done <- result{n, err}
		return false
	}); err != nil {
		return 0, err
	}
	select {
	case r := <-done:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Selector) writeLoop(ctx context.Context, sess *session.Session, buf []byte) (int, error) {
	reg := s.regFor(sess)
	if reg == nil || sess.Disconnected() {
		return 0, ErrClosed
	}
	sendTimeout := sess.Ctx.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	deadline := time.Now().Add(sendTimeout)

	total := 0
	for total < len(buf) {
		if sess.Disconnected() {
			return total, ErrClosed
		}
		n, err := unix.Write(reg.fd, buf[total:])
		if err == nil {
			total += n
			if n > 0 {
				// Progress resets the stall deadline; the send timeout
				// bounds contiguous no-progress stretches only.
				deadline = time.Now().Add(sendTimeout)
			}
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			if time.Now().After(deadline) {
				s.log.Error("selector: write made no progress within send timeout, closing session",
					zap.String("remote", sess.RemoteAddr.String()),
					zap.Int("sent", total), zap.Int("size", len(buf)))
				sess.Close(session.StopError)
				return total, context.DeadlineExceeded
			}
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(time.Millisecond):
			}
			continue
		}
		if isBenignDisconnect(err) {
			sess.Close(session.StopError)
			return total, classifyErr(err)
		}
		return total, classifyErr(err)
	}
	return total, nil
}

// regFor looks up a session's current fd registration. Only valid for
// sessions produced by ListenTCP, Dial or DialUDP (sessions fabricated
// by ListenUDP carry their own write path through the listener's socket).
func (s *Selector) regFor(sess *session.Session) *registration {
	key := sess.SelectionKey()
	if key < 0 {
		return nil
	}
	var found *registration
	_ = s.runSync(func() error {
		found = s.regs[key]
		return nil
	})
	return found
}

// Close tears down every registration (closing sessions with
// StopManual, closing bare listeners directly), stops the runner thread
// and releases the epoll fd. Idempotent.
func (s *Selector) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.runSync(func() error {
		for fd, reg := range s.regs {
			_ = s.poller.Remove(fd)
			switch {
			case reg.udp != nil:
				reg.udp.mu.Lock()
				peers := make([]*session.Session, 0, len(reg.udp.sessions))
				for _, sess := range reg.udp.sessions {
					peers = append(peers, sess)
				}
				reg.udp.mu.Unlock()
				for _, sess := range peers {
					sess.Close(session.StopManual)
				}
				if reg.closer != nil {
					_ = reg.closer.Close()
				}
			case reg.session != nil:
				reg.session.sess.Close(session.StopManual)
			case reg.closer != nil:
				_ = reg.closer.Close()
			}
			delete(s.regs, fd)
		}
		return nil
	})
	s.runner.Close()
	return s.poller.Close()
}
