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

// Package stdengine adapts crypto/tls, which is stream/net.Conn-shaped,
// into the byte-in/byte-out tlsengine.Engine contract. Implementing TLS
// cryptography here is a non-goal; crypto/tls backs the one concrete
// engine this module ships.
//
// The trick: crypto/tls only ever talks to a net.Conn, so BeginHandshake
// spins up a *tls.Conn over one end of a net.Pipe and drives it on a
// background goroutine, while two small pump goroutines turn that
// synchronous, unbuffered pipe into the asynchronous byte queues Wrap
// and Unwrap need.
package stdengine

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/govoltron/reactor/tlsengine"
)

// ErrClosed is returned once the engine has been closed.
var ErrClosed = errors.New("stdengine: engine closed")

const pumpChunk = 16 * 1024

// NewFactory returns a tlsengine.Factory that builds Engines wrapping
// crypto/tls with cfg. pollInterval bounds how long Wrap/Unwrap wait for
// the background pumps to make progress before reporting
// BUFFER_UNDERFLOW/NEED_UNWRAP — it should be a small fraction of the
// session's configured read timeout.
func NewFactory(cfg *tls.Config, pollInterval time.Duration) tlsengine.Factory {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Millisecond
	}
	return func(serverMode bool) tlsengine.Engine {
		return newEngine(cfg, serverMode, pollInterval)
	}
}

type engine struct {
	cfg        *tls.Config
	serverMode bool
	poll       time.Duration

	drive net.Conn // our side of the pipe
	inner net.Conn // the side handed to tls.Server/tls.Client
	tconn *tls.Conn

	mu        sync.Mutex
	cond      *sync.Cond
	started   bool
	hsDone    bool
	hsErr     error
	closed    bool
	outbox    []byte // ciphertext harvested from drive.Read, ready for Wrap
	inbox     []byte // ciphertext queued by Unwrap, waiting to reach tconn
	appOut    []byte // plaintext harvested from tconn.Read, ready for Unwrap's dst
	pumpErr   error
	appPumped bool
}

func newEngine(cfg *tls.Config, serverMode bool, poll time.Duration) *engine {
	a, b := net.Pipe()
	e := &engine{cfg: cfg, serverMode: serverMode, poll: poll, drive: a, inner: b}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *engine) BeginHandshake() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	if e.serverMode {
		e.tconn = tls.Server(e.inner, e.cfg)
	} else {
		e.tconn = tls.Client(e.inner, e.cfg)
	}
	e.mu.Unlock()

	go e.outboxPump()
	go e.inboxPump()
	go func() {
		err := e.tconn.Handshake()
		e.mu.Lock()
		e.hsDone = true
		e.hsErr = err
		e.cond.Broadcast()
		e.mu.Unlock()
		if err == nil {
			go e.appReadPump()
		}
	}()
	return nil
}

// outboxPump continuously drains ciphertext crypto/tls writes to inner
// (visible as reads on drive) into the outbox queue Wrap serves from.
func (e *engine) outboxPump() {
	buf := make([]byte, pumpChunk)
	for {
		n, err := e.drive.Read(buf)
		if n > 0 {
			e.mu.Lock()
			e.outbox = append(e.outbox, buf[:n]...)
			e.cond.Broadcast()
			e.mu.Unlock()
		}
		if err != nil {
			e.mu.Lock()
			e.pumpErr = err
			e.cond.Broadcast()
			e.mu.Unlock()
			return
		}
	}
}

// inboxPump delivers ciphertext Unwrap queues to crypto/tls's reads.
func (e *engine) inboxPump() {
	for {
		e.mu.Lock()
		for len(e.inbox) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		chunk := e.inbox
		e.inbox = nil
		e.mu.Unlock()

		if _, err := e.drive.Write(chunk); err != nil {
			e.mu.Lock()
			e.pumpErr = err
			e.cond.Broadcast()
			e.mu.Unlock()
			return
		}
	}
}

// appReadPump harvests decrypted application data once the handshake is
// complete, for Unwrap to serve to callers.
func (e *engine) appReadPump() {
	buf := make([]byte, pumpChunk)
	for {
		n, err := e.tconn.Read(buf)
		if n > 0 {
			e.mu.Lock()
			e.appOut = append(e.appOut, buf[:n]...)
			e.cond.Broadcast()
			e.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (e *engine) CurrentHandshakeStatus() tlsengine.HandshakeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *engine) statusLocked() tlsengine.HandshakeStatus {
	if !e.started || e.hsDone {
		return tlsengine.NotHandshaking
	}
	return tlsengine.NeedUnwrap
}

// Wrap harvests whatever ciphertext the engine has produced (handshake
// records before the handshake completes, application records
// afterwards), waiting up to poll for the background pumps to produce
// something if the outbox is currently empty. An empty outbox after the
// wait is reported as NEED_UNWRAP: the engine has nothing to send until
// it receives more input.
func (e *engine) Wrap(src, dst []byte) (tlsengine.Result, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return tlsengine.Result{Status: tlsengine.Closed}, ErrClosed
	}

	hsDoneBefore := e.hsDone
	if hsDoneBefore && len(src) > 0 {
		e.mu.Unlock()
		if _, err := e.tconn.Write(src); err != nil {
			return tlsengine.Result{Status: tlsengine.Closed, HandshakeStatus: tlsengine.NotHandshaking}, err
		}
		e.mu.Lock()
	}

	deadline := time.Now().Add(e.poll)
	for len(e.outbox) == 0 && e.pumpErr == nil {
		if !e.waitUntil(deadline) {
			break
		}
	}
	if len(e.outbox) == 0 {
		st := e.statusLocked()
		err := e.pumpErr
		e.mu.Unlock()
		if err != nil {
			return tlsengine.Result{Status: tlsengine.Closed, HandshakeStatus: tlsengine.NotHandshaking}, err
		}
		if st == tlsengine.NotHandshaking {
			st = tlsengine.NeedUnwrap
		}
		return tlsengine.Result{Status: tlsengine.OK, HandshakeStatus: st}, nil
	}

	n := copy(dst, e.outbox)
	if n < len(e.outbox) {
		e.outbox = e.outbox[n:]
		e.mu.Unlock()
		return tlsengine.Result{Status: tlsengine.BufferOverflow, HandshakeStatus: e.statusLockedSafe(), BytesConsumed: len(src), BytesProduced: n}, nil
	}
	e.outbox = e.outbox[:0]
	st := e.statusLocked()
	e.mu.Unlock()
	return tlsengine.Result{Status: tlsengine.OK, HandshakeStatus: st, BytesConsumed: len(src), BytesProduced: n}, nil
}

func (e *engine) statusLockedSafe() tlsengine.HandshakeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

// Unwrap queues src for crypto/tls to consume and, once the handshake is
// complete, serves any decrypted application bytes that have
// accumulated into dst.
func (e *engine) Unwrap(src, dst []byte) (tlsengine.Result, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return tlsengine.Result{Status: tlsengine.Closed}, ErrClosed
	}
	if len(src) > 0 {
		e.inbox = append(e.inbox, src...)
		e.cond.Broadcast()
	}

	if !e.hsDone {
		e.mu.Unlock()
		return tlsengine.Result{Status: tlsengine.OK, HandshakeStatus: tlsengine.NeedUnwrap, BytesConsumed: len(src)}, nil
	}

	deadline := time.Now().Add(e.poll)
	for len(e.appOut) == 0 {
		if !e.waitUntil(deadline) {
			break
		}
	}
	n := copy(dst, e.appOut)
	e.appOut = e.appOut[n:]
	e.mu.Unlock()

	status := tlsengine.OK
	if n == 0 && len(dst) > 0 {
		status = tlsengine.BufferUnderflow
	}
	return tlsengine.Result{Status: status, HandshakeStatus: tlsengine.NotHandshaking, BytesConsumed: len(src), BytesProduced: n}, nil
}

// waitUntil waits on the condition variable until broadcast or deadline,
// returning false once the deadline has passed. Must be called with
// e.mu held; re-acquires it before returning.
func (e *engine) waitUntil(deadline time.Time) bool {
	if time.Now().After(deadline) {
		return false
	}
	timer := time.AfterFunc(time.Until(deadline), func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer timer.Stop()
	e.cond.Wait()
	return !time.Now().After(deadline)
}

func (e *engine) DelegatedTask() tlsengine.Task {
	// crypto/tls runs certificate verification and key generation
	// inline on its own goroutine; there is nothing to delegate back to
	// the adapter's driver loop.
	return nil
}

// maxRecordSize is TLS's maximum record payload (2^14 bytes) plus
// headroom for record header/MAC/padding, matching the packet size an
// SSLEngine implementation advertises.
const maxRecordSize = 16709

func (e *engine) PacketSize() int {
	return maxRecordSize
}

func (e *engine) CloseOutbound() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
	return e.drive.Close()
}
