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

// Package iface declares the thin contracts the core consumes from its
// external collaborators: the event-trigger facility,
// the message-splitter interface, heartbeat filtering, and the opaque
// session manager. None of these are implemented here; the core only
// calls through them.
package iface

import (
	"github.com/govoltron/reactor/bytechannel"
	"github.com/govoltron/reactor/session"
)

// MessageSplitter detects stream-end markers in raw bytes read off the
// wire. Framing beyond that (splitting a stream into application
// messages) is owned entirely by application code and is out of scope
// for the core.
type MessageSplitter interface {
	IsStreamEnd(buf []byte, n int) bool
}

// EventTrigger is notified of accept, receive and exception events.
type EventTrigger interface {
	// FireAccept fires once a new session has been constructed, for
	// both TCP accept and the first datagram seen from a new UDP peer.
	FireAccept(s *session.Session)
	// FireReceive fires after SessionPrepare has appended decoded bytes
	// to s.AppChannel.
	FireReceive(s *session.Session)
	// FireException fires for any I/O or TLS error the selector's
	// exception policy does not classify as a silent disconnect.
	FireException(s *session.Session, err error)
}

// HeartBeat optionally intercepts control frames out of a session's
// application channel before SessionPrepare fires FireReceive.
type HeartBeat interface {
	// InterceptHeartBeat inspects appCh and may consume heartbeat
	// control frames from it in place.
	InterceptHeartBeat(s *session.Session, appCh *bytechannel.Channel)
}

// SessionManager is opaque to the core: session storage, routing and
// lookup by id/address are entirely an application concern.
type SessionManager interface {
	Register(s *session.Session)
	Unregister(s *session.Session)
}
