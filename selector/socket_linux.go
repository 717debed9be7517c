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
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// rawFD captures the OS file descriptor backing c. The net package
// always puts its sockets in non-blocking mode at the OS level (that's
// how its own runtime poller works), so reads/writes issued directly
// against the returned fd already behave non-blockingly; this package
// never calls c's own Read/Write/Accept again once it has the fd.
func rawFD(c syscall.Conn) (int, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctrlErr := rc.Control(func(ufd uintptr) {
		fd = int(ufd)
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}

// sockaddrToIP extracts the IP and port from a raw accept4/recvfrom
// sockaddr, or (nil, 0) for an address family this package does not
// handle (e.g. AF_UNIX, never produced by the TCP/UDP listeners this
// package creates).
func sockaddrToIP(sa unix.Sockaddr) (net.IP, int) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, a.Addr[:])
		return ip, a.Port
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, a.Addr[:])
		return ip, a.Port
	default:
		return nil, 0
	}
}

// udpAddrToSockaddr converts a resolved peer address into the sockaddr
// shape unix.Sendto needs.
func udpAddrToSockaddr(addr *net.UDPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	ip16 := addr.IP.To16()
	if ip16 == nil {
		return nil, fmt.Errorf("selector: invalid UDP peer address %v", addr)
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], ip16)
	return sa, nil
}

// isBenignDisconnect reports whether err is one of the "peer is gone"
// conditions that close a session silently, with no exception delivered
// to the application: broken pipe and connection reset. Matching is done
// on the platform errno first; the locale-dependent message substrings
// are a fallback for string-shaped errors from elsewhere in the stack.
func isBenignDisconnect(err error) bool {
	if err == nil {
		return false
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno == unix.EPIPE || errno == unix.ECONNRESET
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}

// classifyErr implements the selector's exception policy: recognize
// the handful of errnos/substrings that mean "the peer is gone" and
// wrap them uniformly, so the rest of the pipeline
// (SessionPrepare, EventTrigger.FireException) sees one consistent error
// regardless of whether it came from a typed errno or a string-shaped
// error from elsewhere in the stack.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.EPIPE:
			return fmt.Errorf("selector: broken pipe: %w", err)
		case unix.ECONNRESET:
			return fmt.Errorf("selector: connection reset by peer: %w", err)
		case unix.ETIMEDOUT:
			return fmt.Errorf("selector: connection timed out: %w", err)
		case unix.ECONNABORTED:
			return fmt.Errorf("selector: connection aborted: %w", err)
		}
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "broken pipe"):
		return fmt.Errorf("selector: broken pipe: %w", err)
	case strings.Contains(msg, "connection reset by peer"):
		return fmt.Errorf("selector: connection reset by peer: %w", err)
	}
	return err
}
