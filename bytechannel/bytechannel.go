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

// Package bytechannel implements a growable in-memory byte queue with a
// bounded capacity, used as the per-session application-facing read
// channel and, unbounded, as a TLS adapter's encrypted-byte inbox.
package bytechannel

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrOverflow is returned by WriteEnd when appending src would push
	// the channel past MaxSize.
	ErrOverflow = errors.New("bytechannel: write would exceed max size")
	// ErrReleased is returned by operations on a Channel after Release.
	ErrReleased = errors.New("bytechannel: channel released")
)

// Channel is an ordered sequence of bytes with a maximum size. It is safe
// for concurrent use: writers are expected to run on a single owning
// goroutine (the EventRunner thread), while Wait/Cond-based readers
// may live on any goroutine.
type Channel struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []byte
	readPos  int
	maxSize  int
	released bool
}

// New creates a Channel bounded at maxSize bytes. maxSize <= 0 means
// unbounded (used for a TLS adapter's encrypted inbox, which is never
// capacity-checked by WriteEnd).
func New(maxSize int) *Channel {
	c := &Channel{
		buf:     make([]byte, 0, 4096),
		maxSize: maxSize,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Size returns the number of unread bytes currently buffered.
func (c *Channel) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size()
}

func (c *Channel) size() int {
	return len(c.buf) - c.readPos
}

// MaxSize returns the configured capacity, or 0 if unbounded.
func (c *Channel) MaxSize() int {
	return c.maxSize
}

// IsReleased reports whether Release has been called.
func (c *Channel) IsReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// WouldOverflow reports whether appending n more bytes would meet or
// exceed MaxSize. This is intentionally conservative: it trips at >=,
// not only when capacity is actually exceeded, matching the prepare
// stage's backpressure predicate.
func (c *Channel) WouldOverflow(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxSize <= 0 {
		return false
	}
	return c.size()+n >= c.maxSize
}

// WriteEnd appends src to the channel. It fails with ErrOverflow if doing
// so would push Size() past MaxSize, and with ErrReleased if the channel
// has already been released.
func (c *Channel) WriteEnd(src []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return 0, ErrReleased
	}
	if c.maxSize > 0 && c.size()+len(src) > c.maxSize {
		return 0, ErrOverflow
	}
	c.buf = append(c.buf, src...)
	c.cond.Broadcast()
	return len(src), nil
}

// WriteForce appends src without checking MaxSize. It exists for the
// prepare stage's best-effort backpressure: after a bounded wait for
// capacity times out, bytes are delivered over capacity rather than
// dropped. Still fails with ErrReleased on a released channel.
func (c *Channel) WriteForce(src []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return 0, ErrReleased
	}
	c.buf = append(c.buf, src...)
	c.cond.Broadcast()
	return len(src), nil
}

// GetByteBuffer returns a read-only view of the unread bytes. The slice
// aliases the channel's internal storage and is only valid until the
// next Compact or WriteEnd.
func (c *Channel) GetByteBuffer() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf[c.readPos:]
}

// Read copies up to len(dst) unread bytes into dst and advances the read
// position, returning the number of bytes copied.
func (c *Channel) Read(dst []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(dst, c.buf[c.readPos:])
	c.readPos += n
	return n
}

// Compact discards the consumed prefix, reclaiming its storage.
func (c *Channel) Compact() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compactLocked()
	c.cond.Broadcast()
}

func (c *Channel) compactLocked() {
	if c.readPos == 0 {
		return
	}
	remaining := len(c.buf) - c.readPos
	copy(c.buf, c.buf[c.readPos:])
	c.buf = c.buf[:remaining]
	c.readPos = 0
}

// Reset clears the channel to empty without releasing it.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = c.buf[:0]
	c.readPos = 0
}

// WaitUntilNotFull blocks until appending n bytes would not overflow the
// channel, the channel is released, or ctx is done. It returns false if
// ctx expired first, true otherwise (including when the channel is
// unbounded). A goroutine parks on the channel's condition variable and
// is woken by Compact/WriteEnd/Release; ctx.Done() is fanned in via a
// second goroutine that broadcasts once so the waiter never blocks past
// the deadline.
func (c *Channel) WaitUntilNotFull(ctx context.Context, n int) bool {
	if !c.WouldOverflow(n) {
		return true
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-stop:
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.maxSize > 0 && c.size()+n >= c.maxSize && !c.released {
		if ctx.Err() != nil {
			return false
		}
		c.cond.Wait()
	}
	return ctx.Err() == nil
}

// Release marks the channel released and idempotently frees its backing
// storage. A second call is a no-op.
func (c *Channel) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	c.buf = nil
	c.readPos = 0
	c.cond.Broadcast()
}
