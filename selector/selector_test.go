//go:build linux

package selector_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/govoltron/reactor/selector"
	"github.com/govoltron/reactor/session"
)

type echoTrigger struct {
	accepted chan *session.Session
}

func (t *echoTrigger) FireAccept(s *session.Session) {
	if t.accepted != nil {
		select {
		case t.accepted <- s:
		default:
		}
	}
}

func (t *echoTrigger) FireReceive(s *session.Session) {
	buf := make([]byte, s.AppChannel.Size())
	n := s.AppChannel.Read(buf)
	s.AppChannel.Compact()
	if n > 0 {
		s.Write(buf[:n])
	}
}

func (t *echoTrigger) FireException(s *session.Session, err error) {}

func TestAcceptEchoRoundTrip(t *testing.T) {
	trig := &echoTrigger{accepted: make(chan *session.Session, 1)}
	sel, err := selector.New(selector.Config{Trigger: trig})
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	defer sel.Close()

	addr, err := sel.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-trig.accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept never observed")
	}

	msg := []byte("ping")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(msg))
	if _, err := readFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("echo = %q, want %q", got, msg)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestDialConnectsToListener(t *testing.T) {
	trig := &echoTrigger{accepted: make(chan *session.Session, 1)}
	sel, err := selector.New(selector.Config{Trigger: trig})
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	defer sel.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4)
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		readFull(c, buf)
		c.Write(buf)
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := sel.Dial(ctx, host, port)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if _, err := sess.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-trig.accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("FireAccept never observed for dialed session")
	}

	<-done
}

type captureTrigger struct {
	accepted chan *session.Session
	payloads chan []byte
}

func (t *captureTrigger) FireAccept(s *session.Session) {
	if t.accepted != nil {
		select {
		case t.accepted <- s:
		default:
		}
	}
}

func (t *captureTrigger) FireReceive(s *session.Session) {
	buf := make([]byte, s.AppChannel.Size())
	n := s.AppChannel.Read(buf)
	s.AppChannel.Compact()
	if n > 0 {
		t.payloads <- buf[:n]
	}
}

func (t *captureTrigger) FireException(s *session.Session, err error) {}

func TestUDPImplicitSessionPerPeer(t *testing.T) {
	trig := &echoTrigger{accepted: make(chan *session.Session, 2)}
	sel, err := selector.New(selector.Config{Trigger: trig})
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	defer sel.Close()

	addr, err := sel.ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}

	// One client socket means one peer address on the server side.
	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("one")); err != nil {
		t.Fatalf("send: %v", err)
	}

	var first *session.Session
	select {
	case first = <-trig.accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("no session fabricated for first datagram")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, 16)
	n, err := conn.Read(reply)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(reply[:n]) != "one" {
		t.Fatalf("echo = %q, want %q", reply[:n], "one")
	}

	// A second datagram from the same address routes to the same
	// session: no second accept.
	if _, err := conn.Write([]byte("two")); err != nil {
		t.Fatalf("send: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = conn.Read(reply)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(reply[:n]) != "two" {
		t.Fatalf("echo = %q, want %q", reply[:n], "two")
	}

	select {
	case extra := <-trig.accepted:
		if extra != first {
			t.Fatalf("second accept fired for the same peer address: %v", extra.RemoteAddr)
		}
	default:
	}
}

func TestDialUDPRoundTrip(t *testing.T) {
	// Plain stdlib UDP echo peer.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen packet: %v", err)
	}
	defer pc.Close()
	go func() {
		buf := make([]byte, 64)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pc.WriteTo(buf[:n], from)
		}
	}()

	trig := &captureTrigger{payloads: make(chan []byte, 1)}
	sel, err := selector.New(selector.Config{Trigger: trig})
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	defer sel.Close()

	host, portStr, _ := net.SplitHostPort(pc.LocalAddr().String())
	port, _ := strconv.Atoi(portStr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := sel.DialUDP(ctx, host, port)
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}

	if _, err := sess.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-trig.payloads:
		if string(got) != "ping" {
			t.Fatalf("payload = %q, want %q", got, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("echoed datagram never surfaced through FireReceive")
	}
}

type resetTrigger struct {
	accepted   chan *session.Session
	exceptions chan error
}

func (t *resetTrigger) FireAccept(s *session.Session) {
	select {
	case t.accepted <- s:
	default:
	}
}

func (t *resetTrigger) FireReceive(s *session.Session) {
	s.AppChannel.Read(make([]byte, s.AppChannel.Size()))
	s.AppChannel.Compact()
}

func (t *resetTrigger) FireException(s *session.Session, err error) {
	select {
	case t.exceptions <- err:
	default:
	}
}

func TestPeerResetClosesSessionSilently(t *testing.T) {
	trig := &resetTrigger{
		accepted:   make(chan *session.Session, 1),
		exceptions: make(chan error, 1),
	}
	sel, err := selector.New(selector.Config{Trigger: trig})
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	defer sel.Close()

	addr, err := sel.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var sess *session.Session
	select {
	case sess = <-trig.accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept never observed")
	}

	if _, err := conn.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// SO_LINGER=0 turns the close into an RST rather than a FIN.
	tc := conn.(*net.TCPConn)
	if err := tc.SetLinger(0); err != nil {
		t.Fatalf("set linger: %v", err)
	}
	tc.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !sess.Disconnected() {
		if time.Now().After(deadline) {
			t.Fatal("session never closed after peer reset")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case err := <-trig.exceptions:
		t.Fatalf("exception delivered for a peer reset, want silent close: %v", err)
	default:
	}
}
