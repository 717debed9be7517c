//go:build linux

package reactor_test

import (
	"net"
	"testing"
	"time"

	"github.com/govoltron/reactor/reactor"
	"github.com/govoltron/reactor/session"
)

type echoTrigger struct{}

func (echoTrigger) FireAccept(s *session.Session) {}
func (echoTrigger) FireReceive(s *session.Session) {
	buf := make([]byte, s.AppChannel.Size())
	n := s.AppChannel.Read(buf)
	s.AppChannel.Compact()
	if n > 0 {
		s.Write(buf[:n])
	}
}
func (echoTrigger) FireException(s *session.Session, err error) {}

func TestReactorEchoRoundTrip(t *testing.T) {
	r, err := reactor.New(echoTrigger{})
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	defer r.Close()

	addr, err := r.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := []byte("hello reactor")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(msg))
	total := 0
	for total < len(got) {
		n, err := conn.Read(got[total:])
		total += n
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if string(got) != string(msg) {
		t.Fatalf("echo = %q, want %q", got, msg)
	}
}
