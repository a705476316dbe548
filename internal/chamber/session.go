package chamber

import (
	"context"
	"crypto/subtle"
	"io"
	"net"
	"time"

	"github.com/matst80/peek/internal/obs"
	"github.com/matst80/peek/internal/proto"
)

// handleConn authenticates one downstream connection and forwards frames to
// it until it disconnects, errors, or the process shuts down.
func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	defer c.Close()
	// Shutdown force-closes the socket rather than draining it.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	remote := c.RemoteAddr().String()
	if !s.authenticate(c) {
		obs.Warn("client.auth_failed", obs.Fields{"remote": remote})
		obs.AuthFailuresTotal.Inc()
		obs.ErrorsTotal.WithLabelValues("client_auth").Inc()
		return
	}

	client := s.hub.Register()
	defer s.hub.Deregister(client.ID())
	obs.Info("client.connected", obs.Fields{"remote": remote, "id": client.ID()})
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect()
	}
	defer func() {
		obs.Info("client.disconnected", obs.Fields{"remote": remote, "id": client.ID(), "dropped": client.Dropped()})
		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect()
		}
	}()

	// The protocol is one-way after auth. A background read detects the
	// client going away while the forward loop is parked on the hub channel.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		buf := make([]byte, 512)
		for {
			if _, err := c.Read(buf); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case f, ok := <-client.Frames():
			if !ok {
				return // hub closed on shutdown
			}
			if err := s.writeFrame(c, f); err != nil {
				obs.Debug("client.write_failed", obs.Fields{"remote": remote, "err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("client_write").Inc()
				return
			}
		case <-gone:
			return
		case <-ctx.Done():
			return
		}
	}
}

// authenticate reads the client's auth frame and compares it against the
// expected encoding in constant time. Anything but an exact match, including
// a truncated frame, closes the connection before any stream data flows.
func (s *Server) authenticate(c net.Conn) bool {
	if err := c.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout)); err != nil {
		return false
	}
	buf := make([]byte, proto.AuthFrameSize)
	if _, err := io.ReadFull(c, buf); err != nil {
		return false
	}
	if err := c.SetReadDeadline(time.Time{}); err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(buf, s.expectedAuth) == 1
}

func (s *Server) writeFrame(c net.Conn, f *proto.Frame) error {
	if err := c.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return proto.WriteFrame(c, f)
}
