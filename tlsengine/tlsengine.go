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

// Package tlsengine declares the abstract TLS engine contract the core
// drives: it consumes a TLS engine, it does not implement one. Concrete
// engines live in subpackages (stdengine wraps crypto/tls, tlsenginetest
// is a scripted fake for unit tests).
package tlsengine

// Status is the result of one wrap/unwrap call.
type Status int

const (
	// OK means the call succeeded and produced/consumed bytes normally.
	OK Status = iota
	// BufferOverflow means dst had too little room; the caller must
	// grow/retry with the same source.
	BufferOverflow
	// BufferUnderflow means src did not contain a complete record; the
	// caller must wait for more bytes before retrying.
	BufferUnderflow
	// Closed means the engine has shut down (closeOutbound completed or
	// a fatal alert was processed).
	Closed
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case BufferOverflow:
		return "BUFFER_OVERFLOW"
	case BufferUnderflow:
		return "BUFFER_UNDERFLOW"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// HandshakeStatus is the engine-reported handshake progress that drives
// the adapter's state machine.
type HandshakeStatus int

const (
	// NotHandshaking means no handshake is in progress (either it
	// finished earlier, or it has not started).
	NotHandshaking HandshakeStatus = iota
	// NeedWrap means the engine wants to produce an outbound handshake
	// record: wrap empty plaintext and send the ciphertext.
	NeedWrap
	// NeedUnwrap means the engine wants more inbound ciphertext before
	// it can advance.
	NeedUnwrap
	// NeedTask means the engine has one or more delegated tasks
	// (typically CPU-bound crypto/cert work) that must run before the
	// handshake can advance further.
	NeedTask
	// Finished means the handshake just completed this call; the driver
	// re-reads status once more before declaring NotHandshaking.
	Finished
)

func (h HandshakeStatus) String() string {
	switch h {
	case NotHandshaking:
		return "NOT_HANDSHAKING"
	case NeedWrap:
		return "NEED_WRAP"
	case NeedUnwrap:
		return "NEED_UNWRAP"
	case NeedTask:
		return "NEED_TASK"
	case Finished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Result is returned by Wrap and Unwrap. Unlike the java.nio.ByteBuffer
// position/limit pair the original SSLEngine contract reports implicit
// produced/consumed counts through, plain Go []byte slices carry no such
// state, so Result reports both explicitly.
type Result struct {
	Status          Status
	HandshakeStatus HandshakeStatus
	// BytesConsumed is how many bytes of src were consumed.
	BytesConsumed int
	// BytesProduced is how many bytes were written into dst.
	BytesProduced int
}

// Task is a delegated unit of work the engine wants run before the
// handshake can advance; the driver executes every offered task inline
// until none remain.
type Task func()

// Engine is the abstract TLS engine contract. It
// mirrors an SSLEngine-shaped state machine: wrap/unwrap move bytes
// between a plaintext plane and a ciphertext plane while reporting
// handshake progress, entirely independent of any particular socket or
// byte-channel implementation.
type Engine interface {
	// BeginHandshake starts (or restarts) the handshake.
	BeginHandshake() error

	// Wrap consumes plaintext from src and produces ciphertext (or a
	// handshake record, if still handshaking) into dst.
	Wrap(src, dst []byte) (Result, error)

	// Unwrap consumes ciphertext from src and produces plaintext (or
	// advances the handshake) into dst.
	Unwrap(src, dst []byte) (Result, error)

	// DelegatedTask returns the next pending delegated task, or nil if
	// none remain.
	DelegatedTask() Task

	// CurrentHandshakeStatus reports status without performing I/O.
	CurrentHandshakeStatus() HandshakeStatus

	// PacketSize is the engine's advertised maximum record size, used to
	// size the adapter's plane buffers.
	PacketSize() int

	// CloseOutbound signals that no more outbound data will be wrapped,
	// starting the close_notify handshake.
	CloseOutbound() error
}

// Factory builds an Engine for a newly accepted or connected session.
// serverMode is true for sessions accepted on a listener, false for
// sessions created by Dial.
type Factory func(serverMode bool) Engine
