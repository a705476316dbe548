package detect

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"
)

// selfSignedTLS returns a TLS config with a throwaway cert, standing in for a
// printer's self-signed certificate.
func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "printer.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}}}
}

// fakePrinterPort starts a TLS listener on an ephemeral port and returns it.
func fakePrinterPort(t *testing.T) int {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", selfSignedTLS(t))
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			// Complete the handshake, then hang up like a printer that sees
			// no auth frame.
			if tc, ok := c.(*tls.Conn); ok {
				_ = tc.Handshake()
			}
			_ = c.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// closedPort returns a port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestProbeChamberWins(t *testing.T) {
	chamber := fakePrinterPort(t)
	rtsp := fakePrinterPort(t)
	got, err := Probe(context.Background(), "127.0.0.1", chamber, rtsp, 2*time.Second)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got != ChamberImage {
		t.Errorf("Probe = %v, want ChamberImage", got)
	}
}

func TestProbeFallsBackToRTSP(t *testing.T) {
	chamber := closedPort(t)
	rtsp := fakePrinterPort(t)
	got, err := Probe(context.Background(), "127.0.0.1", chamber, rtsp, 2*time.Second)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got != RTSP {
		t.Errorf("Probe = %v, want RTSP", got)
	}
}

func TestProbeUnknownIsError(t *testing.T) {
	got, err := Probe(context.Background(), "127.0.0.1", closedPort(t), closedPort(t), time.Second)
	if got != Unknown {
		t.Errorf("Probe = %v, want Unknown", got)
	}
	if !errors.Is(err, ErrNoCamera) {
		t.Errorf("err = %v, want ErrNoCamera", err)
	}
}

func TestResultString(t *testing.T) {
	for r, want := range map[Result]string{ChamberImage: "chamber", RTSP: "rtsp", Unknown: "unknown"} {
		if r.String() != want {
			t.Errorf("%d.String() = %q, want %q", r, r.String(), want)
		}
	}
}
