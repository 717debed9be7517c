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
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/govoltron/reactor/internal/epoll"
	"github.com/govoltron/reactor/session"
)

// udpState is the "implicit session by address" table: a connectionless socket has no accept
// step, so the selector fabricates a Session the first time it sees a
// given peer address and keeps demultiplexing datagrams to it by
// source address after that.
type udpState struct {
	host          string
	port          int
	splitter      session.Splitter
	tlsFactory    func(*session.Session) session.TLSAdapter
	onAccept      AcceptHandler
	appChannelMax int

	// scratch is reused for every datagram this listener receives; it
	// is only ever touched on the selector's own thread.
	scratch []byte

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// ListenUDP binds addr as a connectionless datagram socket. Each
// distinct peer address that sends a datagram gets its own Session the
// first time it is seen; Session.RawWrite for these sessions sends back
// through the same listening socket via sendto.
func (s *Selector) ListenUDP(addr string, opts ...ListenOption) (net.Addr, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	o := buildOpts(s.cfg, opts)

	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	uconn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("selector: %T is not a UDP connection", pc)
	}
	fd, err := rawFD(uconn)
	if err != nil {
		pc.Close()
		return nil, err
	}

	host, portStr, _ := net.SplitHostPort(pc.LocalAddr().String())
	port, _ := strconv.Atoi(portStr)

	appMax := o.appChannelMax
	if appMax <= 0 {
		appMax = s.appChannelMax()
	}

	us := &udpState{
		host: host, port: port,
		splitter: o.splitter, tlsFactory: o.tlsFactory, onAccept: o.onAccept,
		appChannelMax: appMax,
		scratch:       make([]byte, s.scratchSize()),
		sessions:      make(map[string]*session.Session),
	}
	reg := &registration{fd: fd, closer: pc, isListener: true, udp: us}

	if err := s.runSync(func() error { return s.register(reg, epoll.EventRead) }); err != nil {
		pc.Close()
		return nil, err
	}
	return pc.LocalAddr(), nil
}

// DialUDP originates a connected datagram session to host:port. Unlike
// the listener path there is no implicit-session table: the socket is
// connected, so reads yield bytes with no source address and writes go
// through the plain write path rather than sendto.
func (s *Selector) DialUDP(ctx context.Context, host string, port int, opts ...ListenOption) (*session.Session, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	o := buildOpts(s.cfg, opts)

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	uconn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("selector: dial did not return a UDP connection")
	}
	fd, err := rawFD(uconn)
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
			sess:     sess,
			scratch:  make([]byte, s.scratchSize()),
			datagram: true,
		},
	}
	s.wireStreamSession(sess, reg)

	if err := s.runSync(func() error { return s.register(reg, epoll.EventRead) }); err != nil {
		conn.Close()
		return nil, err
	}

	if o.tlsFactory != nil {
		sess.TLS = o.tlsFactory(sess)
	}

	s.cfg.Trigger.FireAccept(sess)
	return sess, nil
}

// handleUDPReadable implements the datagram-read algorithm: one recvfrom
// per ready cycle, demultiplexed by source address into a (possibly
// newly created) session, then handed to SessionPrepare exactly like a
// stream read.
func (s *Selector) handleUDPReadable(reg *registration) {
	us := reg.udp
	buf := us.scratch
	n, from, err := unix.Recvfrom(reg.fd, buf, 0)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			s.log.Warn("selector: udp recvfrom failed", zap.Error(classifyErr(err)))
		}
		return
	}
	ip, port := sockaddrToIP(from)
	peer := &net.UDPAddr{IP: ip, Port: port}
	key := peer.String()

	us.mu.Lock()
	sess, ok := us.sessions[key]
	us.mu.Unlock()

	if !ok {
		sctx := session.NewContext(us.host, us.port, nil)
		sctx.AppChannelMaxSize = us.appChannelMax
		sctx.TLSEngineFactory = us.tlsFactory
		sess = session.New(sctx, peer, sctx.AppChannelMaxSize)
		sess.Splitter = us.splitter

		fd, peerAddr := reg.fd, peer
		sess.RawWrite = func(p []byte) (int, error) {
			sa, err := udpAddrToSockaddr(peerAddr)
			if err != nil {
				return 0, err
			}
			if err := unix.Sendto(fd, p, 0, sa); err != nil {
				return 0, classifyErr(err)
			}
			return len(p), nil
		}
		sess.OnClose(func(*session.Session) {
			us.mu.Lock()
			delete(us.sessions, key)
			us.mu.Unlock()
		})

		us.mu.Lock()
		us.sessions[key] = sess
		us.mu.Unlock()

		if us.tlsFactory != nil {
			sess.TLS = us.tlsFactory(sess)
		}

		s.cfg.Trigger.FireAccept(sess)
		if us.onAccept != nil {
			us.onAccept(sess)
		}
	}

	s.prep.Handle(context.Background(), sess, buf, n, nil)
}
