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

// Package tlsadapter implements the per-session TLS state machine: it
// advances handshake progress driven by tlsengine-reported status
// codes, packs/unpacks records against a shared encrypted-byte channel,
// and releases its buffers exactly once.
package tlsadapter

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/govoltron/reactor/bytechannel"
	"github.com/govoltron/reactor/tlsengine"
)

// State is the adapter's lifecycle state: INIT -> HANDSHAKING ->
// READY -> CLOSED.
type State int32

const (
	StateInit State = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateReady:
		return "READY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// maxHandshakeIterations bounds the total number of driver steps across
// the whole handshake.
const maxHandshakeIterations = 20

// ErrHandshakeTimeout is returned when the handshake exceeds
// maxHandshakeIterations or its wall-clock budget.
var ErrHandshakeTimeout = errors.New("tlsadapter: handshake did not complete in time")

// RawSession is the narrow view of a session's raw (pre-TLS) transport
// the adapter needs: a bounded, selector-driven write and a liveness
// check, matching SocketSelector.write and Session.Disconnected.
type RawSession interface {
	Write(p []byte) (int, error)
	Disconnected() bool
}

// Adapter drives one session's TLS engine.
type Adapter struct {
	log  *zap.Logger
	raw  RawSession
	eng  tlsengine.Engine

	readTimeout time.Duration

	state      int32 // State, accessed atomically via stateMu below for simplicity
	stateMu    sync.Mutex
	handshakeDone bool

	// encryptedIn is the session's encrypted-byte channel inbox: raw
	// ciphertext read off the wire accumulates here until the adapter
	// unwraps it.
	encryptedIn *bytechannel.Channel

	appOut *bytechannel.Channel // the session's application channel

	netMu    sync.Mutex
	netPlane []byte // network-plane buffer, guarded by netMu
	netReleased bool

	appMu    sync.Mutex
	appPlane []byte // application-plane buffer, guarded by appMu
	appReleased bool

	releaseOnce sync.Once

	hsIterations int
}

// New builds an Adapter. appOut is the session's application channel
// that decoded plaintext is ultimately appended to; eng is freshly
// constructed and not yet handshaking.
func New(log *zap.Logger, eng tlsengine.Engine, raw RawSession, appOut *bytechannel.Channel, readTimeout time.Duration) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	sz := eng.PacketSize()
	if sz <= 0 {
		sz = 16384
	}
	return &Adapter{
		log:         log,
		raw:         raw,
		eng:         eng,
		readTimeout: readTimeout,
		encryptedIn: bytechannel.New(0),
		appOut:      appOut,
		netPlane:    make([]byte, sz),
		appPlane:    make([]byte, sz),
	}
}

// State returns the adapter's current lifecycle state.
func (a *Adapter) State() State {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return State(a.state)
}

func (a *Adapter) setState(s State) {
	a.stateMu.Lock()
	a.state = int32(s)
	a.stateMu.Unlock()
}

// HandshakeDone reports whether the handshake has completed. Once true
// it never reverts for the adapter's lifetime.
func (a *Adapter) HandshakeDone() bool {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.handshakeDone
}

// EncryptedInbox returns the channel SessionPrepare appends raw ciphertext
// into before driving the handshake or the unwrap pump.
func (a *Adapter) EncryptedInbox() *bytechannel.Channel {
	return a.encryptedIn
}

// DoHandshake advances the handshake state machine as far as it can
// with the ciphertext currently buffered in EncryptedInbox. It is
// re-entrant: the prepare stage calls it every time new ciphertext
// arrives, and a call that runs out of buffered input
// returns nil (not an error) to wait for more.
func (a *Adapter) DoHandshake() error {
	if a.State() == StateInit {
		if err := a.eng.BeginHandshake(); err != nil {
			return err
		}
		a.setState(StateHandshaking)
	}
	if a.HandshakeDone() {
		return nil
	}

	deadline := time.Now().Add(a.readTimeout)
	for {
		if a.hsIterations >= maxHandshakeIterations {
			a.abort(ErrHandshakeTimeout)
			return ErrHandshakeTimeout
		}
		if time.Now().After(deadline) {
			a.abort(ErrHandshakeTimeout)
			return ErrHandshakeTimeout
		}

		status := a.eng.CurrentHandshakeStatus()
		a.hsIterations++

		switch status {
		case tlsengine.NeedWrap:
			if a.raw.Disconnected() {
				return nil
			}
			res, err := a.wrapStep(nil, deadline)
			if err != nil {
				a.abort(err)
				return err
			}
			if res == nil {
				return nil // disconnected mid-call
			}

		case tlsengine.NeedUnwrap:
			res, err := a.unwrapHandshakeStep()
			if err != nil {
				a.abort(err)
				return err
			}
			if res.Status == tlsengine.BufferUnderflow {
				// Not enough ciphertext buffered yet; wait for
				// SessionPrepare to feed more and call us again.
				return nil
			}

		case tlsengine.NeedTask:
			for {
				task := a.eng.DelegatedTask()
				if task == nil {
					break
				}
				task()
			}

		case tlsengine.Finished:
			// Re-read status once more before declaring the handshake over.
			continue

		case tlsengine.NotHandshaking:
			a.stateMu.Lock()
			a.handshakeDone = true
			a.state = int32(StateReady)
			a.stateMu.Unlock()
			return nil
		}
	}
}

func (a *Adapter) abort(err error) {
	a.log.Error("tls handshake aborted", zap.Error(err), zap.Int("iterations", a.hsIterations))
	a.setState(StateClosed)
}

// wrapStep performs one wrap call with retry-on-transient-error, bounded
// by deadline: a transient wrap error retries after a 1ms yield until
// the read-timeout wall clock elapses.
func (a *Adapter) wrapStep(plaintext []byte, deadline time.Time) (*tlsengine.Result, error) {
	a.netMu.Lock()
	defer a.netMu.Unlock()
	if a.netReleased {
		return nil, nil
	}

	for {
		res, err := a.eng.Wrap(plaintext, a.netPlane)
		if err == nil {
			if res.BytesProduced > 0 && !a.raw.Disconnected() {
				if _, werr := a.raw.Write(a.netPlane[:res.BytesProduced]); werr != nil {
					return nil, werr
				}
			}
			if a.raw.Disconnected() {
				return nil, nil
			}
			return &res, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		a.log.Warn("transient error wrapping TLS record, retrying", zap.Error(err))
		time.Sleep(time.Millisecond)
	}
}

// unwrapHandshakeStep unwraps one record's worth of buffered ciphertext
// during the handshake phase. The destination is the app-plane buffer
// used purely as scratch: handshake records never produce application
// plaintext.
func (a *Adapter) unwrapHandshakeStep() (tlsengine.Result, error) {
	a.appMu.Lock()
	defer a.appMu.Unlock()
	if a.appReleased {
		return tlsengine.Result{Status: tlsengine.Closed}, nil
	}

	src := a.encryptedIn.GetByteBuffer()
	res, err := a.eng.Unwrap(src, a.appPlane)
	if err != nil {
		return res, err
	}
	if res.BytesConsumed > 0 {
		dst := make([]byte, res.BytesConsumed)
		a.encryptedIn.Read(dst)
		a.encryptedIn.Compact()
	}
	return res, nil
}

// WrapData wraps plaintext into ciphertext and forwards it to the
// session's raw send, looping while the engine reports OK and plaintext
// bytes remain. It returns the last engine result, or nil if the session
// disconnected mid-call. Serialized per adapter via netMu.
func (a *Adapter) WrapData(plaintext []byte) (*tlsengine.Result, error) {
	if a.State() != StateReady {
		return nil, errors.New("tlsadapter: WrapData called before handshake completed")
	}
	var last *tlsengine.Result
	deadline := time.Now().Add(a.readTimeout)
	for len(plaintext) > 0 {
		if a.raw.Disconnected() {
			return nil, nil
		}
		res, err := a.wrapStep(plaintext, deadline)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, nil
		}
		last = res
		if res.Status != tlsengine.OK {
			break
		}
		plaintext = plaintext[res.BytesConsumed:]
		if res.BytesConsumed == 0 {
			break
		}
	}
	return last, nil
}

// UnwrapData performs a single engine unwrap call from src into dst,
// guarded by appMu so a concurrent Release produces nil instead of a
// crash.
func (a *Adapter) UnwrapData(src, dst []byte) (*tlsengine.Result, error) {
	a.appMu.Lock()
	defer a.appMu.Unlock()
	if a.appReleased {
		return nil, nil
	}
	res, err := a.eng.Unwrap(src, dst)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// UnwrapByteBufferChannel is the record-decoding pump: it drains EncryptedInbox, decrypting each
// record into appOut, until either the source is empty and status is OK,
// or the engine reports BUFFER_OVERFLOW/BUFFER_UNDERFLOW/CLOSED.
func (a *Adapter) UnwrapByteBufferChannel() error {
	for {
		a.appMu.Lock()
		if a.appReleased {
			a.appMu.Unlock()
			// A release racing an unwrap must exit gracefully, not
			// crash; only surface an error if the session is also gone.
			if a.raw.Disconnected() {
				return errors.New("tlsadapter: source released while session disconnected")
			}
			return nil
		}

		src := a.encryptedIn.GetByteBuffer()
		res, err := a.eng.Unwrap(src, a.appPlane)
		if err != nil {
			a.appMu.Unlock()
			return err
		}
		if res.BytesConsumed > 0 {
			consumed := make([]byte, res.BytesConsumed)
			a.encryptedIn.Read(consumed)
		}
		a.encryptedIn.Compact()
		a.appMu.Unlock()

		if res.BytesProduced > 0 {
			// Backpressure was applied before the ciphertext entered the
			// inbox; decoded plaintext is appended over capacity rather
			// than dropped mid-record.
			if _, werr := a.appOut.WriteForce(a.appPlane[:res.BytesProduced]); werr != nil {
				return werr
			}
		}

		switch res.Status {
		case tlsengine.BufferOverflow, tlsengine.BufferUnderflow, tlsengine.Closed:
			return nil
		}
		if a.encryptedIn.Size() == 0 && res.Status == tlsengine.OK {
			return nil
		}
	}
}

// Release frees both plane buffers exactly once. A second call, or one
// racing an in-flight unwrap/wrap, is a no-op: wrap/unwrap observe the
// released flag under the same lock and return nil instead of touching
// freed memory.
func (a *Adapter) Release() {
	a.releaseOnce.Do(func() {
		a.netMu.Lock()
		a.netReleased = true
		a.netPlane = nil
		a.netMu.Unlock()

		a.appMu.Lock()
		a.appReleased = true
		a.appPlane = nil
		a.appMu.Unlock()

		a.encryptedIn.Release()
		a.setState(StateClosed)
	})
}
