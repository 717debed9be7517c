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

//go:build !linux

// This package's selector is built directly on Linux's epoll, not
// through a portability shim. A kqueue/IOCP backend would be
// future work, not a correctness gap in what ships here; on any other
// platform every operation just reports ErrUnsupported.
package selector

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/govoltron/reactor/iface"
	"github.com/govoltron/reactor/session"
)

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("selector: closed")

// ErrUnsupported is returned by every Selector operation on a platform
// this package has no readiness backend for.
var ErrUnsupported = errors.New("selector: unsupported on this platform")

// Config mirrors the Linux build's Config so callers compile unchanged.
type Config struct {
	Trigger       iface.EventTrigger
	Heartbeat     iface.HeartBeat
	Log           *zap.Logger
	ReadTimeout   time.Duration
	SendTimeout   time.Duration
	AppChannelMax int
	ScratchSize   int
}

// Selector is a non-functional stand-in on unsupported platforms.
type Selector struct{}

func New(cfg Config) (*Selector, error) {
	return nil, ErrUnsupported
}

func (s *Selector) ListenTCP(addr string, opts ...ListenOption) (net.Addr, error) {
	return nil, ErrUnsupported
}

func (s *Selector) ListenUDP(addr string, opts ...ListenOption) (net.Addr, error) {
	return nil, ErrUnsupported
}

func (s *Selector) Dial(ctx context.Context, host string, port int, opts ...ListenOption) (*session.Session, error) {
	return nil, ErrUnsupported
}

func (s *Selector) DialUDP(ctx context.Context, host string, port int, opts ...ListenOption) (*session.Session, error) {
	return nil, ErrUnsupported
}

func (s *Selector) Write(ctx context.Context, sess *session.Session, buf []byte) (int, error) {
	return 0, ErrUnsupported
}

func (s *Selector) Close() error {
	return ErrUnsupported
}
