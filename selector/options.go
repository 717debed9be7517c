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

package selector

import (
	"time"

	"github.com/govoltron/reactor/session"
)

// AcceptHandler is notified, in addition to Config.Trigger.FireAccept,
// the moment a listener produces a new session (TCP accept, or the
// first datagram seen from a new UDP peer).
type AcceptHandler func(s *session.Session)

type listenOpts struct {
	splitter      session.Splitter
	tlsFactory    func(*session.Session) session.TLSAdapter
	onAccept      AcceptHandler
	readTimeout   time.Duration
	sendTimeout   time.Duration
	appChannelMax int
}

// ListenOption configures a single ListenTCP/ListenUDP/Dial call, in the
// functional-options style used throughout this module.
type ListenOption func(*listenOpts)

// WithSplitter sets the MessageSplitter used to detect stream-end for
// sessions produced by this listener (or this Dial call).
func WithSplitter(sp session.Splitter) ListenOption {
	return func(o *listenOpts) { o.splitter = sp }
}

// WithTLS causes every session produced by this listener/dial to get a
// TlsAdapter built by f.
func WithTLS(f func(s *session.Session) session.TLSAdapter) ListenOption {
	return func(o *listenOpts) { o.tlsFactory = f }
}

// WithAcceptHandler registers a callback invoked synchronously, on the
// selector's own thread, right after Config.Trigger.FireAccept.
func WithAcceptHandler(h AcceptHandler) ListenOption {
	return func(o *listenOpts) { o.onAccept = h }
}

// WithReadTimeout overrides the Config-level read timeout for sessions
// from this listener/dial. Sessions fabricated by ListenUDP take neither
// this value nor the Config-level one; they keep session.NewContext's
// default.
func WithReadTimeout(d time.Duration) ListenOption {
	return func(o *listenOpts) { o.readTimeout = d }
}

// WithSendTimeout overrides the Config-level send timeout for sessions
// from this listener/dial. Sessions fabricated by ListenUDP take neither
// this value nor the Config-level one; they keep session.NewContext's
// default.
func WithSendTimeout(d time.Duration) ListenOption {
	return func(o *listenOpts) { o.sendTimeout = d }
}

// WithAppChannelMax overrides the Config-level application channel
// capacity for sessions from this listener/dial.
func WithAppChannelMax(n int) ListenOption {
	return func(o *listenOpts) { o.appChannelMax = n }
}

func buildOpts(base Config, opts []ListenOption) listenOpts {
	o := listenOpts{
		readTimeout:   base.ReadTimeout,
		sendTimeout:   base.SendTimeout,
		appChannelMax: base.AppChannelMax,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
