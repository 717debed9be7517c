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

package epoll

import "errors"

// ErrUnsupported is returned by New on platforms other than Linux. The
// selector core targets epoll directly; kqueue/IOCP backends are future
// work, not a correctness gap in this package.
var ErrUnsupported = errors.New("epoll: unsupported platform, epoll is Linux-only")

const (
	EventRead  = uint32(1)
	EventWrite = uint32(4)
)

type Event struct {
	FD   int
	Mask uint32
}

type Poller struct{}

func New(capHint int) (*Poller, error) { return nil, ErrUnsupported }

func (p *Poller) Add(fd int, mask uint32) error           { return ErrUnsupported }
func (p *Poller) Modify(fd int, mask uint32) error        { return ErrUnsupported }
func (p *Poller) Remove(fd int) error                     { return ErrUnsupported }
func (p *Poller) Wait(deadlineMillis int) ([]Event, error) { return nil, ErrUnsupported }
func (p *Poller) Close() error                            { return nil }
