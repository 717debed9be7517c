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

package selector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/govoltron/reactor/internal/epoll"
	"github.com/govoltron/reactor/session"
)

// tcpListener carries the per-listener template new accepted sessions
// are stamped from.
type tcpListener struct {
	ctxHost       string
	ctxPort       int
	readTimeout   time.Duration
	sendTimeout   time.Duration
	appChannelMax int
	splitter      session.Splitter
	tlsFactory    func(*session.Session) session.TLSAdapter
	onAccept      AcceptHandler
}

// ListenTCP binds addr, registers the listener's accept readiness with
// the selector's epoll instance, and returns once listening; accepted
// connections arrive asynchronously on the selector's own thread.
func (s *Selector) ListenTCP(addr string, opts ...ListenOption) (net.Addr, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	o := buildOpts(s.cfg, opts)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	tln, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("selector: %T is not a TCP listener", ln)
	}
	fd, err := rawFD(tln)
	if err != nil {
		ln.Close()
		return nil, err
	}

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	tl := &tcpListener{
		ctxHost: host, ctxPort: port,
		readTimeout: o.readTimeout, sendTimeout: o.sendTimeout, appChannelMax: o.appChannelMax,
		splitter: o.splitter, tlsFactory: o.tlsFactory, onAccept: o.onAccept,
	}
	reg := &registration{fd: fd, closer: ln, isListener: true}
	s.listenerTemplates.Store(fd, tl)

	if err := s.runSync(func() error { return s.register(reg, epoll.EventRead) }); err != nil {
		ln.Close()
		return nil, err
	}
	return ln.Addr(), nil
}

// handleAccept drains the listener: it calls accept4 in a loop
// (edge-triggered-friendly even though this package
// uses level-triggered epoll by default) until EAGAIN, wiring each new
// connection's fd for raw, non-blocking reads before firing FireAccept.
func (s *Selector) handleAccept(reg *registration) {
	tlv, _ := s.listenerTemplates.Load(reg.fd)
	tl, _ := tlv.(*tcpListener)
	if tl == nil {
		return
	}
	for {
		nfd, sa, err := unix.Accept4(reg.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) {
				s.log.Warn("selector: accept failed", zap.Error(classifyErr(err)))
			}
			return
		}

		ip, port := sockaddrToIP(sa)
		remote := &net.TCPAddr{IP: ip, Port: port}

		sctx := session.NewContext(tl.ctxHost, tl.ctxPort, nil)
		if tl.readTimeout > 0 {
			sctx.ReadTimeout = tl.readTimeout
		}
		if tl.sendTimeout > 0 {
			sctx.SendTimeout = tl.sendTimeout
		}
		if tl.appChannelMax > 0 {
			sctx.AppChannelMaxSize = tl.appChannelMax
		} else {
			sctx.AppChannelMaxSize = s.appChannelMax()
		}
		sctx.TLSEngineFactory = tl.tlsFactory

		sess := session.New(sctx, remote, sctx.AppChannelMaxSize)
		sess.Splitter = tl.splitter

		childReg := &registration{
			fd: nfd,
			session: &registrationSession{
				sess:    sess,
				scratch: make([]byte, s.scratchSize()),
			},
		}
		s.wireStreamSession(sess, childReg)

		if tl.tlsFactory != nil {
			sess.TLS = tl.tlsFactory(sess)
		}

		if err := s.register(childReg, epoll.EventRead); err != nil {
			s.log.Warn("selector: failed to register accepted connection", zap.Error(err))
			unix.Close(nfd)
			continue
		}

		s.cfg.Trigger.FireAccept(sess)
		if tl.onAccept != nil {
			tl.onAccept(sess)
		}
	}
}

// wireStreamSession sets up the bits of a stream session that depend on
// this selector: its raw write path, its selection key, and the
// unregister-on-close hook.
func (s *Selector) wireStreamSession(sess *session.Session, reg *registration) {
	sess.SetSelectionKey(reg.fd)
	sess.RawWrite = func(p []byte) (int, error) {
		return s.Write(context.Background(), sess, p)
	}
	sess.OnClose(func(*session.Session) {
		s.unregister(reg)
	})
}

// Dial connects to host:port and registers the resulting session the
// same way an accepted connection would be: a selector can originate
// sessions, not just accept them.
func (s *Selector) Dial(ctx context.Context, host string, port int, opts ...ListenOption) (*session.Session, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	o := buildOpts(s.cfg, opts)

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	tconn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("selector: dial did not return a TCP connection")
	}
	fd, err := rawFD(tconn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	sctx := session.NewContext(host, port, nil)
	if o.readTimeout > 0 {
		sctx.ReadTimeout = o.readTimeout
	}
	if o.sendTimeout > 0 {
		sctx.SendTimeout = o.sendTimeout
	}
	if o.appChannelMax > 0 {
		sctx.AppChannelMaxSize = o.appChannelMax
	} else {
		sctx.AppChannelMaxSize = s.appChannelMax()
	}
	sctx.TLSEngineFactory = o.tlsFactory

	sess := session.New(sctx, conn.RemoteAddr(), sctx.AppChannelMaxSize)
	sess.Splitter = o.splitter

	reg := &registration{
		fd:     fd,
		closer: conn,
		session: &registrationSession{
			sess:    sess,
			scratch: make([]byte, s.scratchSize()),
		},
	}
	s.wireStreamSession(sess, reg)

	if err := s.runSync(func() error { return s.register(reg, epoll.EventRead) }); err != nil {
		conn.Close()
		return nil, err
	}

	if o.tlsFactory != nil {
		sess.TLS = o.tlsFactory(sess)
		if err := sess.TLS.DoHandshake(); err != nil {
			sess.Close(session.StopError)
			return nil, err
		}
	}

	s.cfg.Trigger.FireAccept(sess)
	return sess, nil
}
