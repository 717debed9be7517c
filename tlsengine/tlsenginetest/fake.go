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

// Package tlsenginetest provides a scripted tlsengine.Engine fake for
// exercising TlsAdapter's state machine without real cryptography,
// standing in for an SSLEngine test double.
package tlsenginetest

import (
	"errors"
	"sync"

	"github.com/govoltron/reactor/tlsengine"
)

// ErrClosed is returned by Wrap/Unwrap once the engine has been closed.
var ErrClosed = errors.New("tlsenginetest: engine closed")

// Engine is a trivial pass-through "TLS" engine: it treats a fixed
// number of handshake steps as NEED_WRAP/NEED_UNWRAP pairs (simulating a
// real record exchange) and afterwards wraps/unwraps by xor'ing with a
// single key byte, just enough obfuscation that a test can assert the
// adapter actually round-trips through Wrap/Unwrap rather than passing
// plaintext straight through.
type Engine struct {
	mu sync.Mutex

	serverMode   bool
	key          byte
	handshakeOut int // remaining NEED_WRAP steps
	handshakeIn  int // remaining NEED_UNWRAP steps
	started      bool
	done         bool
	closed       bool
	tasks        []tlsengine.Task
}

// New builds a fake engine that requires wrapSteps outbound handshake
// records and unwrapSteps inbound ones before finishing.
func New(key byte, wrapSteps, unwrapSteps int) *Engine {
	return &Engine{key: key, handshakeOut: wrapSteps, handshakeIn: unwrapSteps}
}

func (e *Engine) BeginHandshake() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	return nil
}

func (e *Engine) CurrentHandshakeStatus() tlsengine.HandshakeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() tlsengine.HandshakeStatus {
	if e.done {
		return tlsengine.NotHandshaking
	}
	if !e.started {
		return tlsengine.NotHandshaking
	}
	if e.handshakeOut > 0 {
		return tlsengine.NeedWrap
	}
	if e.handshakeIn > 0 {
		return tlsengine.NeedUnwrap
	}
	// FINISHED is a one-shot signal: the first status check after the
	// last handshake step reports it, every check after that reports
	// NOT_HANDSHAKING, matching a real SSLEngine.
	e.done = true
	return tlsengine.Finished
}

// Wrap, during the handshake phase, consumes nothing and produces a
// one-byte marker record per remaining step; once finished it XORs src
// into dst as "ciphertext".
func (e *Engine) Wrap(src, dst []byte) (tlsengine.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return tlsengine.Result{Status: tlsengine.Closed}, ErrClosed
	}
	st := e.statusLocked()
	switch st {
	case tlsengine.NeedWrap:
		if len(dst) < 1 {
			return tlsengine.Result{Status: tlsengine.BufferOverflow, HandshakeStatus: st}, nil
		}
		dst[0] = 'H'
		e.handshakeOut--
		return tlsengine.Result{Status: tlsengine.OK, HandshakeStatus: e.statusLocked(), BytesProduced: 1}, nil
	case tlsengine.NeedUnwrap, tlsengine.NeedTask:
		return tlsengine.Result{Status: tlsengine.OK, HandshakeStatus: st}, nil
	default:
		if len(dst) < len(src) {
			return tlsengine.Result{Status: tlsengine.BufferOverflow, HandshakeStatus: tlsengine.NotHandshaking}, nil
		}
		for i, b := range src {
			dst[i] = b ^ e.key
		}
		e.done = true
		return tlsengine.Result{Status: tlsengine.OK, HandshakeStatus: tlsengine.NotHandshaking, BytesConsumed: len(src), BytesProduced: len(src)}, nil
	}
}

// Unwrap mirrors Wrap: during handshake it consumes one marker byte per
// remaining step, afterwards it XORs ciphertext back into plaintext.
func (e *Engine) Unwrap(src, dst []byte) (tlsengine.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return tlsengine.Result{Status: tlsengine.Closed}, ErrClosed
	}
	st := e.statusLocked()
	switch st {
	case tlsengine.NeedUnwrap:
		if len(src) < 1 {
			return tlsengine.Result{Status: tlsengine.BufferUnderflow, HandshakeStatus: st}, nil
		}
		e.handshakeIn--
		return tlsengine.Result{Status: tlsengine.OK, HandshakeStatus: e.statusLocked(), BytesConsumed: 1}, nil
	case tlsengine.NeedWrap, tlsengine.NeedTask:
		return tlsengine.Result{Status: tlsengine.OK, HandshakeStatus: st}, nil
	default:
		if len(src) == 0 {
			return tlsengine.Result{Status: tlsengine.OK, HandshakeStatus: tlsengine.NotHandshaking}, nil
		}
		if len(dst) < len(src) {
			return tlsengine.Result{Status: tlsengine.BufferOverflow, HandshakeStatus: tlsengine.NotHandshaking}, nil
		}
		for i, b := range src {
			dst[i] = b ^ e.key
		}
		e.done = true
		return tlsengine.Result{Status: tlsengine.OK, HandshakeStatus: tlsengine.NotHandshaking, BytesConsumed: len(src), BytesProduced: len(src)}, nil
	}
}

func (e *Engine) DelegatedTask() tlsengine.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.tasks) == 0 {
		return nil
	}
	t := e.tasks[0]
	e.tasks = e.tasks[1:]
	return t
}

func (e *Engine) PacketSize() int { return 16384 }

func (e *Engine) CloseOutbound() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Factory returns a tlsengine.Factory producing independent Engines with
// the given handshake shape, suitable for TlsAdapter tests that need a
// fresh engine per session.
func Factory(key byte, wrapSteps, unwrapSteps int) tlsengine.Factory {
	return func(serverMode bool) tlsengine.Engine {
		e := New(key, wrapSteps, unwrapSteps)
		e.serverMode = serverMode
		return e
	}
}
