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

// Package prepare implements the per-read prepare stage: it takes
// the bytes the selector has just read into a session's scratch buffer
// and carries them through backpressure, TLS decoding (if configured)
// and heartbeat filtering before handing them to the application.
package prepare

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/govoltron/reactor/iface"
	"github.com/govoltron/reactor/session"
)

// Prepare is the SessionPrepare stage, shared by every session a selector
// drives; it holds no per-session state.
type Prepare struct {
	trigger   iface.EventTrigger
	heartbeat iface.HeartBeat
	log       *zap.Logger
}

// New builds a Prepare stage. heartbeat may be nil, meaning no frames are
// intercepted before FireReceive; log may be nil for a no-op logger.
func New(trigger iface.EventTrigger, heartbeat iface.HeartBeat, log *zap.Logger) *Prepare {
	if log == nil {
		log = zap.NewNop()
	}
	return &Prepare{trigger: trigger, heartbeat: heartbeat, log: log}
}

// Handle runs one SessionPrepare pass. buf[:n] is the scratch buffer the
// selector has just filled by reading off the wire; n < 0 or a non-nil
// readErr signals end-of-stream/disconnection, and a session that is
// already disconnected is closed without delivering buf. Handle must
// only be called on the runner thread that owns s.
func (p *Prepare) Handle(ctx context.Context, s *session.Session, buf []byte, n int, readErr error) {
	if readErr != nil || n < 0 || s.Disconnected() {
		p.closeWith(s, readErr)
		return
	}
	if n == 0 {
		return
	}

	// The "flip": buf was filled [0,n) by the read that just happened;
	// from here on raw is the readable view of that same backing array.
	raw := buf[:n]

	if s.Splitter != nil && s.Splitter.IsStreamEnd(raw, n) {
		s.Close(session.StopStreamEnd)
		return
	}

	// Backpressure: wait, bounded by the session's read timeout, until
	// appending n bytes would not hit the application channel's
	// capacity. The wait is best-effort: on timeout the bytes are still
	// delivered rather than dropped.
	readTimeout := s.Ctx.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, readTimeout)
	ok := s.AppChannel.WaitUntilNotFull(waitCtx, n)
	cancel()
	if !ok {
		p.log.Warn("application channel still full after read timeout, delivering anyway",
			zap.String("remote", s.RemoteAddr.String()),
			zap.Int("pending", s.AppChannel.Size()),
			zap.Int("incoming", n))
	}

	switch {
	case s.TLS != nil && !s.TLS.HandshakeDone():
		if _, err := s.TLS.EncryptedInbox().WriteEnd(raw); err != nil {
			p.closeWith(s, err)
			return
		}
		if err := s.TLS.DoHandshake(); err != nil {
			p.closeWith(s, err)
			return
		}
	case s.TLS != nil:
		if _, err := s.TLS.EncryptedInbox().WriteEnd(raw); err != nil {
			p.closeWith(s, err)
			return
		}
		if err := s.TLS.UnwrapByteBufferChannel(); err != nil {
			p.closeWith(s, err)
			return
		}
	default:
		if _, err := s.AppChannel.WriteForce(raw); err != nil {
			p.closeWith(s, err)
			return
		}
	}

	if p.heartbeat != nil {
		p.heartbeat.InterceptHeartBeat(s, s.AppChannel)
	}

	if s.AppChannel.Size() > 0 {
		p.trigger.FireReceive(s)
	}
}

func (p *Prepare) closeWith(s *session.Session, err error) {
	typ := session.StopStreamEnd
	if err != nil {
		typ = session.StopError
	}
	s.Close(typ)
	if err != nil {
		p.trigger.FireException(s, err)
	}
}
