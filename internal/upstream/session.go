package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/matst80/peek/internal/proto"
)

var (
	// ErrAuthRejected means the printer refused the access credential. It is
	// surfaced prominently because retrying will not help without operator
	// action, but the supervisor still retries to ride out transient
	// printer-side auth hiccups.
	ErrAuthRejected = errors.New("upstream: printer rejected credential")
	// ErrIdleTimeout means the printer stopped sending frames without closing
	// the socket.
	ErrIdleTimeout = errors.New("upstream: no frame within idle window")
)

// DialFunc opens the raw connection to the printer's chamber-image port.
// Overridable for tests.
type DialFunc func(ctx context.Context) (net.Conn, error)

// dialTLS connects to the printer's chamber port. Printer firmware presents a
// self-signed certificate, so verification is skipped; the access code is the
// actual authentication.
func dialTLS(addr string, timeout time.Duration) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		d := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: timeout},
			Config:    &tls.Config{InsecureSkipVerify: true},
		}
		return d.DialContext(ctx, "tcp", addr)
	}
}

// session is one live connection to the printer: handshake, auth, frame loop.
type session struct {
	conn net.Conn
	rd   *bufio.Reader
}

func newSession(conn net.Conn) *session {
	return &session{conn: conn, rd: bufio.NewReaderSize(conn, 64*1024)}
}

// authenticate sends the credential frame. It is sent exactly once per
// connection, always inside the TLS session.
func (s *session) authenticate(cred proto.Credential, timeout time.Duration) error {
	buf, err := proto.EncodeAuth(cred)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	return s.conn.SetWriteDeadline(time.Time{})
}

// readFrame reads the next frame, failing with ErrIdleTimeout if none arrives
// within the window.
func (s *session) readFrame(idle time.Duration) (*proto.Frame, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
		return nil, err
	}
	f, err := proto.ReadFrame(s.rd)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, ErrIdleTimeout
		}
		return nil, err
	}
	return f, nil
}

// awaitFirstFrame classifies the printer's auth response. The protocol has no
// explicit accept marker: the first frame arriving is acceptance, the printer
// closing the connection is rejection.
func (s *session) awaitFirstFrame(timeout time.Duration) (*proto.Frame, error) {
	f, err := s.readFrame(timeout)
	if err == nil {
		return f, nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) {
		return nil, ErrAuthRejected
	}
	if errors.Is(err, ErrIdleTimeout) {
		return nil, fmt.Errorf("%w: no response to auth", ErrAuthRejected)
	}
	return nil, err
}

func (s *session) close() { _ = s.conn.Close() }
