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

// Package session holds the Session and Context data model: the
// logical connection and its addressing/configuration,
// independent of whichever selector owns the underlying socket.
package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/govoltron/reactor/bytechannel"
)

// StopType records why a Session ended.
type StopType int32

const (
	// StopNone means the session is still running.
	StopNone StopType = iota
	// StopStreamEnd means the peer closed the stream (EOF) or the
	// message splitter detected a stream-end marker.
	StopStreamEnd
	// StopError means the session was closed due to an unrecoverable
	// I/O or TLS error.
	StopError
	// StopManual means application code closed the session directly.
	StopManual
)

func (s StopType) String() string {
	switch s {
	case StopStreamEnd:
		return "stream-end"
	case StopError:
		return "error"
	case StopManual:
		return "manual"
	default:
		return "none"
	}
}

// TLSAdapter is the view of tlsadapter.Adapter that the session and
// SessionPrepare need, kept here (rather than imported) so that neither
// this package nor tlsadapter needs to import the other; tlsadapter.Adapter
// satisfies this structurally.
type TLSAdapter interface {
	Release()
	HandshakeDone() bool
	DoHandshake() error
	UnwrapByteBufferChannel() error
	EncryptedInbox() *bytechannel.Channel
}

// Context is a socket's addressing and per-connection configuration. Its lifetime matches its Session for
// client sockets; server sockets own accepted child sessions indirectly
// through the selector's registration table.
type Context struct {
	Host string
	Port int

	// ReadTimeout bounds handshake steps and backpressure waits.
	ReadTimeout time.Duration
	// SendTimeout bounds any single contiguous bounded-write loop that
	// makes no progress.
	SendTimeout time.Duration
	// AppChannelMaxSize is the capacity used by the backpressure
	// predicate on the session's application channel.
	AppChannelMaxSize int

	// TLSEngineFactory, if non-nil, causes every session built from this
	// Context to get a TlsAdapter.
	TLSEngineFactory func(session *Session) TLSAdapter

	// Conn, if non-nil, is closed by Session.Close. The selector builds
	// its Contexts with a nil Conn and closes the sockets it owns through
	// its own registrations.
	Conn net.Conn

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewContext builds a Context. conn may be nil for a server-side Context
// that only tracks accepted children.
func NewContext(host string, port int, conn net.Conn) *Context {
	return &Context{
		Host:              host,
		Port:              port,
		Conn:              conn,
		ReadTimeout:       30 * time.Second,
		SendTimeout:       10 * time.Second,
		AppChannelMaxSize: 1 << 20,
		sessions:          make(map[*Session]struct{}),
	}
}

func (c *Context) track(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s] = struct{}{}
}

func (c *Context) untrack(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s)
}

// Sessions returns a snapshot of the Context's currently live sessions.
func (c *Context) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// SelectionKey is the back-reference a Session holds to its registration.
// It is an opaque integer handle owned
// by the selector; -1 means unregistered.
type SelectionKey = int

// Session is the logical connection.
type Session struct {
	RemoteAddr net.Addr
	Ctx        *Context

	// AppChannel is the application-facing bounded read channel,
	// populated after decryption (if any) and heartbeat filtering.
	AppChannel *bytechannel.Channel

	TLS TLSAdapter

	Splitter Splitter

	// RawWrite is set by the selector at registration time: it performs
	// a bounded, selector-driven write of raw (pre-TLS) bytes. TlsAdapter
	// calls it through Write below to send handshake and wrapped records.
	RawWrite func(p []byte) (int, error)

	selKey     int32 // SelectionKey, atomic so selector goroutine and others agree
	stopType   atomic.Int32
	disconnect atomic.Bool

	closeOnce sync.Once
	onClose   func(*Session)
}

// Write forwards to RawWrite, satisfying tlsadapter.RawSession without
// tlsadapter needing to import this package.
func (s *Session) Write(p []byte) (int, error) {
	return s.RawWrite(p)
}

// Splitter is the minimal slice of the MessageSplitter external
// interface the core itself calls: end-of-stream detection. Framing
// callbacks beyond that are owned entirely by the application.
type Splitter interface {
	IsStreamEnd(buf []byte, n int) bool
}

// New creates a Session rooted at ctx, tracked by it until Close.
func New(ctx *Context, remote net.Addr, appChMax int) *Session {
	s := &Session{
		RemoteAddr: remote,
		Ctx:        ctx,
		AppChannel: bytechannel.New(appChMax),
		selKey:     -1,
	}
	ctx.track(s)
	return s
}

// SelectionKey returns the session's current registration handle, or -1.
func (s *Session) SelectionKey() SelectionKey {
	return int(atomic.LoadInt32(&s.selKey))
}

// SetSelectionKey is called by the selector when it wires a stream
// session to its registration. The key is not reset when that
// registration is later removed.
func (s *Session) SetSelectionKey(key SelectionKey) {
	atomic.StoreInt32(&s.selKey, int32(key))
}

// Disconnected reports whether the session has been marked closed.
func (s *Session) Disconnected() bool {
	return s.disconnect.Load()
}

// StopType returns why the session ended, or StopNone if still live.
func (s *Session) StopType() StopType {
	return StopType(s.stopType.Load())
}

// OnClose registers a callback invoked exactly once, the first time
// Close runs (used by the selector to drop its registration table
// entry). A later call replaces an earlier callback. Close itself, not
// this callback, untracks the session from its Context.
func (s *Session) OnClose(fn func(*Session)) {
	s.onClose = fn
}

// Close marks the session stopped for reason typ, releases its TLS
// adapter and application channel, and untracks it from its Context.
// Idempotent.
func (s *Session) Close(typ StopType) {
	s.closeOnce.Do(func() {
		s.stopType.Store(int32(typ))
		s.disconnect.Store(true)
		if s.TLS != nil {
			s.TLS.Release()
		}
		s.AppChannel.Release()
		s.Ctx.untrack(s)
		if s.Ctx.Conn != nil {
			_ = s.Ctx.Conn.Close()
		}
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
