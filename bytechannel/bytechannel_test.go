package bytechannel_test

import (
	"context"
	"testing"
	"time"

	"github.com/govoltron/reactor/bytechannel"
)

func TestWriteEndAndCompact(t *testing.T) {
	c := bytechannel.New(16)

	n, err := c.WriteEnd([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("WriteEnd: n=%d err=%v", n, err)
	}
	if got := c.Size(); got != 5 {
		t.Fatalf("Size = %d, want 5", got)
	}

	dst := make([]byte, 5)
	if n := c.Read(dst); n != 5 || string(dst) != "hello" {
		t.Fatalf("Read = %q (%d)", dst, n)
	}
	c.Compact()
	if got := c.Size(); got != 0 {
		t.Fatalf("Size after compact = %d, want 0", got)
	}
}

func TestWriteEndOverflow(t *testing.T) {
	c := bytechannel.New(4)
	if _, err := c.WriteEnd([]byte("12345")); err != bytechannel.ErrOverflow {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	c := bytechannel.New(4)
	c.Release()
	c.Release() // must not panic
	if !c.IsReleased() {
		t.Fatal("expected released")
	}
	if _, err := c.WriteEnd([]byte("x")); err != bytechannel.ErrReleased {
		t.Fatalf("err = %v, want ErrReleased", err)
	}
}

func TestWaitUntilNotFullDrains(t *testing.T) {
	c := bytechannel.New(8)
	if _, err := c.WriteEnd([]byte("12345678")); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		dst := make([]byte, 8)
		c.Read(dst)
		c.Compact()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !c.WaitUntilNotFull(ctx, 1) {
		t.Fatal("expected wait to succeed once drained")
	}
}

func TestWaitUntilNotFullTimesOut(t *testing.T) {
	c := bytechannel.New(8)
	if _, err := c.WriteEnd([]byte("12345678")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if c.WaitUntilNotFull(ctx, 1) {
		t.Fatal("expected wait to time out")
	}
}
