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

// Package reactor is the top-level assembly point: it wires
// EventRunner, SocketSelector and SessionPrepare into one handle an
// application builds once and then calls ListenTCP/ListenUDP/Dial
// against, in the functional-options style used throughout this module.
package reactor

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/govoltron/reactor/iface"
	"github.com/govoltron/reactor/selector"
	"github.com/govoltron/reactor/session"
)

type options struct {
	log           *zap.Logger
	heartbeat     iface.HeartBeat
	readTimeout   time.Duration
	sendTimeout   time.Duration
	appChannelMax int
	scratchSize   int
}

func defaultOptions() options {
	return options{
		readTimeout:   30 * time.Second,
		sendTimeout:   10 * time.Second,
		appChannelMax: 1 << 20,
		scratchSize:   64 * 1024,
	}
}

// Option configures a Reactor at construction time.
type Option func(*options)

// WithLogger sets the logger the reactor and its selector report
// diagnostics through. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithHeartBeat installs a heartbeat filter run by SessionPrepare before
// every FireReceive.
func WithHeartBeat(hb iface.HeartBeat) Option {
	return func(o *options) { o.heartbeat = hb }
}

// WithReadTimeout sets the default per-session read timeout (bounds
// handshake steps and backpressure waits) inherited by every TCP
// listener, Dial and DialUDP unless overridden with a
// selector.ListenOption. Sessions fabricated by ListenUDP do not inherit
// it.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) { o.readTimeout = d }
}

// WithSendTimeout sets the default per-session send timeout. Sessions
// fabricated by ListenUDP do not inherit it.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) { o.sendTimeout = d }
}

// WithAppChannelMax sets the default application channel capacity.
func WithAppChannelMax(n int) Option {
	return func(o *options) { o.appChannelMax = n }
}

// WithScratchSize sets the per-session scratch read buffer size.
func WithScratchSize(n int) Option {
	return func(o *options) { o.scratchSize = n }
}

// Reactor is the application-facing handle onto one selector thread.
type Reactor struct {
	sel *selector.Selector
}

// New builds a Reactor whose sessions report accept/receive/exception
// events to trigger.
func New(trigger iface.EventTrigger, opts ...Option) (*Reactor, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	sel, err := selector.New(selector.Config{
		Trigger:       trigger,
		Heartbeat:     o.heartbeat,
		Log:           o.log,
		ReadTimeout:   o.readTimeout,
		SendTimeout:   o.sendTimeout,
		AppChannelMax: o.appChannelMax,
		ScratchSize:   o.scratchSize,
	})
	if err != nil {
		return nil, err
	}
	return &Reactor{sel: sel}, nil
}

// ListenTCP starts accepting TCP connections on addr.
func (r *Reactor) ListenTCP(addr string, opts ...selector.ListenOption) (net.Addr, error) {
	return r.sel.ListenTCP(addr, opts...)
}

// ListenUDP starts accepting datagrams on addr, fabricating one Session
// per distinct peer address.
func (r *Reactor) ListenUDP(addr string, opts ...selector.ListenOption) (net.Addr, error) {
	return r.sel.ListenUDP(addr, opts...)
}

// Dial originates a session to host:port.
func (r *Reactor) Dial(ctx context.Context, host string, port int, opts ...selector.ListenOption) (*session.Session, error) {
	return r.sel.Dial(ctx, host, port, opts...)
}

// DialUDP originates a connected datagram session to host:port.
func (r *Reactor) DialUDP(ctx context.Context, host string, port int, opts ...selector.ListenOption) (*session.Session, error) {
	return r.sel.DialUDP(ctx, host, port, opts...)
}

// Close stops accepting new work, closes every live session and
// listener, and stops the reactor's selector thread. Idempotent.
func (r *Reactor) Close() error {
	return r.sel.Close()
}
