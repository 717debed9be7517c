package stdengine_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/govoltron/reactor/tlsengine"
	"github.com/govoltron/reactor/tlsengine/stdengine"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// pumpUntilReady relays ciphertext between a server and client
// tlsengine.Engine, exactly the way TlsAdapter would via the selector's
// raw read/write, until both report NotHandshaking or the step budget is
// exhausted.
func pumpUntilReady(t *testing.T, server, client tlsengine.Engine) {
	t.Helper()
	buf := make([]byte, 32*1024)

	for i := 0; i < 200; i++ {
		if server.CurrentHandshakeStatus() == tlsengine.NotHandshaking &&
			client.CurrentHandshakeStatus() == tlsengine.NotHandshaking {
			return
		}

		if res, err := client.Wrap(nil, buf); err != nil {
			t.Fatalf("client wrap: %v", err)
		} else if res.BytesProduced > 0 {
			if _, err := server.Unwrap(buf[:res.BytesProduced], nil); err != nil {
				t.Fatalf("server unwrap: %v", err)
			}
		}

		if res, err := server.Wrap(nil, buf); err != nil {
			t.Fatalf("server wrap: %v", err)
		} else if res.BytesProduced > 0 {
			if _, err := client.Unwrap(buf[:res.BytesProduced], nil); err != nil {
				t.Fatalf("client unwrap: %v", err)
			}
		}
	}
	t.Fatal("handshake did not complete within step budget")
}

func TestStdEngineHandshakeAndRoundTrip(t *testing.T) {
	cert := selfSignedCert(t)
	pool := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	pool.AddCert(leaf)

	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{RootCAs: pool, ServerName: "localhost"}

	serverFactory := stdengine.NewFactory(serverCfg, 5*time.Millisecond)
	clientFactory := stdengine.NewFactory(clientCfg, 5*time.Millisecond)

	server := serverFactory(true)
	client := clientFactory(false)

	if err := server.BeginHandshake(); err != nil {
		t.Fatal(err)
	}
	if err := client.BeginHandshake(); err != nil {
		t.Fatal(err)
	}

	pumpUntilReady(t, server, client)

	// Application data, client -> server.
	plaintext := []byte("hello from the client")
	cipherBuf := make([]byte, 32*1024)
	wrapRes, err := client.Wrap(plaintext, cipherBuf)
	if err != nil {
		t.Fatalf("client wrap app data: %v", err)
	}
	if wrapRes.BytesProduced == 0 {
		t.Fatal("expected ciphertext from client wrap")
	}

	plainBuf := make([]byte, 4096)
	unwrapRes, err := server.Unwrap(cipherBuf[:wrapRes.BytesProduced], plainBuf)
	if err != nil {
		t.Fatalf("server unwrap app data: %v", err)
	}
	if got := string(plainBuf[:unwrapRes.BytesProduced]); got != string(plaintext) {
		t.Fatalf("round trip = %q, want %q", got, plaintext)
	}
}
