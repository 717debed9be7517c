package tlsadapter_test

import (
	"errors"
	"testing"
	"time"

	"github.com/govoltron/reactor/bytechannel"
	"github.com/govoltron/reactor/tlsadapter"
	"github.com/govoltron/reactor/tlsengine"
	"github.com/govoltron/reactor/tlsengine/tlsenginetest"
)

// rawBuf stands in for the session's raw (pre-TLS) transport: it
// records everything the adapter sends and can be flipped to
// disconnected to exercise the mid-call bailout paths.
type rawBuf struct {
	data         []byte
	disconnected bool
}

func (r *rawBuf) Write(p []byte) (int, error) {
	r.data = append(r.data, p...)
	return len(p), nil
}

func (r *rawBuf) Disconnected() bool { return r.disconnected }

func xor(p []byte, key byte) []byte {
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = b ^ key
	}
	return out
}

func TestHandshakeDrivesWrapAndUnwrapSteps(t *testing.T) {
	raw := &rawBuf{}
	appOut := bytechannel.New(1 << 16)
	eng := tlsenginetest.New('k', 2, 2)
	a := tlsadapter.New(nil, eng, raw, appOut, 2*time.Second)

	// First drive: both outbound records go out, then the engine stalls
	// on NEED_UNWRAP with an empty inbox and the drive returns to wait
	// for more ciphertext.
	if err := a.DoHandshake(); err != nil {
		t.Fatalf("first drive: %v", err)
	}
	if a.HandshakeDone() {
		t.Fatal("handshake reported done before inbound records arrived")
	}
	if string(raw.data) != "HH" {
		t.Fatalf("outbound handshake records = %q, want %q", raw.data, "HH")
	}

	// Feed the two inbound records the engine is waiting on and drive
	// again; now the handshake must run to NOT_HANDSHAKING.
	if _, err := a.EncryptedInbox().WriteEnd([]byte("HH")); err != nil {
		t.Fatalf("inbox write: %v", err)
	}
	if err := a.DoHandshake(); err != nil {
		t.Fatalf("second drive: %v", err)
	}
	if !a.HandshakeDone() {
		t.Fatal("handshake not done after all records exchanged")
	}
	if a.State() != tlsadapter.StateReady {
		t.Fatalf("state = %v, want READY", a.State())
	}

	// Re-driving a finished handshake is a no-op, not a restart.
	if err := a.DoHandshake(); err != nil {
		t.Fatalf("redundant drive: %v", err)
	}
	if !a.HandshakeDone() {
		t.Fatal("handshake-done reverted; it must transition false->true at most once")
	}
}

func TestWrapDataForwardsCiphertextToRawSend(t *testing.T) {
	raw := &rawBuf{}
	appOut := bytechannel.New(1 << 16)
	a := tlsadapter.New(nil, tlsenginetest.New('k', 0, 0), raw, appOut, 2*time.Second)
	if err := a.DoHandshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	plaintext := []byte("attack at dawn")
	res, err := a.WrapData(plaintext)
	if err != nil {
		t.Fatalf("WrapData: %v", err)
	}
	if res == nil || res.Status != tlsengine.OK {
		t.Fatalf("result = %+v, want OK", res)
	}
	if string(raw.data) != string(xor(plaintext, 'k')) {
		t.Fatalf("raw send got %q, want ciphertext of %q", raw.data, plaintext)
	}
}

func TestWrapDataReturnsNilWhenDisconnected(t *testing.T) {
	raw := &rawBuf{disconnected: true}
	appOut := bytechannel.New(1 << 16)
	a := tlsadapter.New(nil, tlsenginetest.New('k', 0, 0), raw, appOut, 2*time.Second)

	raw.disconnected = false
	if err := a.DoHandshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	raw.disconnected = true

	res, err := a.WrapData([]byte("lost"))
	if err != nil {
		t.Fatalf("WrapData on dead session: %v", err)
	}
	if res != nil {
		t.Fatalf("result = %+v, want nil for disconnected session", res)
	}
}

func TestUnwrapByteBufferChannelDecodesInboxIntoAppChannel(t *testing.T) {
	raw := &rawBuf{}
	appOut := bytechannel.New(1 << 16)
	a := tlsadapter.New(nil, tlsenginetest.New('k', 0, 0), raw, appOut, 2*time.Second)
	if err := a.DoHandshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	plaintext := []byte("record payload")
	if _, err := a.EncryptedInbox().WriteEnd(xor(plaintext, 'k')); err != nil {
		t.Fatalf("inbox write: %v", err)
	}
	if err := a.UnwrapByteBufferChannel(); err != nil {
		t.Fatalf("pump: %v", err)
	}
	if got := appOut.GetByteBuffer(); string(got) != string(plaintext) {
		t.Fatalf("decoded = %q, want %q", got, plaintext)
	}
	if a.EncryptedInbox().Size() != 0 {
		t.Fatalf("inbox retained %d bytes after full decode", a.EncryptedInbox().Size())
	}
}

func TestReleaseIsIdempotentAndUnwrapAfterReleaseReturnsNil(t *testing.T) {
	raw := &rawBuf{}
	appOut := bytechannel.New(1 << 16)
	a := tlsadapter.New(nil, tlsenginetest.New('k', 0, 0), raw, appOut, 2*time.Second)
	if err := a.DoHandshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	a.Release()
	a.Release() // second release is a no-op

	if a.State() != tlsadapter.StateClosed {
		t.Fatalf("state = %v, want CLOSED", a.State())
	}

	res, err := a.UnwrapData([]byte{1, 2, 3}, make([]byte, 16))
	if err != nil {
		t.Fatalf("UnwrapData after release: %v", err)
	}
	if res != nil {
		t.Fatalf("result = %+v, want nil after release", res)
	}
	if err := a.UnwrapByteBufferChannel(); err != nil {
		t.Fatalf("pump after release must exit gracefully, got %v", err)
	}
}

// spinEngine never advances: it always reports NEED_TASK while offering
// no delegated tasks, so the handshake driver's iteration cap is the
// only thing that stops it.
type spinEngine struct{}

func (spinEngine) BeginHandshake() error { return nil }
func (spinEngine) Wrap(src, dst []byte) (tlsengine.Result, error) {
	return tlsengine.Result{Status: tlsengine.OK, HandshakeStatus: tlsengine.NeedTask}, nil
}
func (spinEngine) Unwrap(src, dst []byte) (tlsengine.Result, error) {
	return tlsengine.Result{Status: tlsengine.OK, HandshakeStatus: tlsengine.NeedTask}, nil
}
func (spinEngine) DelegatedTask() tlsengine.Task                  { return nil }
func (spinEngine) CurrentHandshakeStatus() tlsengine.HandshakeStatus { return tlsengine.NeedTask }
func (spinEngine) PacketSize() int                                { return 1024 }
func (spinEngine) CloseOutbound() error                           { return nil }

func TestHandshakeAbortsAfterIterationCap(t *testing.T) {
	raw := &rawBuf{}
	appOut := bytechannel.New(1 << 16)
	a := tlsadapter.New(nil, spinEngine{}, raw, appOut, 10*time.Second)

	err := a.DoHandshake()
	if !errors.Is(err, tlsadapter.ErrHandshakeTimeout) {
		t.Fatalf("err = %v, want ErrHandshakeTimeout", err)
	}
	if a.State() != tlsadapter.StateClosed {
		t.Fatalf("state = %v, want CLOSED after abort", a.State())
	}
}
