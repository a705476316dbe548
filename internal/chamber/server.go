// Package chamber serves the printer's chamber-image protocol to downstream
// clients. The proxy plays the printer's server role bit-for-bit: TLS, the
// 80-byte auth frame, then a continuous frame stream, so any client built
// against the real printer works unmodified.
package chamber

import (
	"context"
	"net"
	"time"

	"github.com/matst80/peek/internal/hub"
	"github.com/matst80/peek/internal/obs"
	"github.com/matst80/peek/internal/proto"
	"github.com/matst80/peek/internal/ratelimit"
)

// Config controls the downstream listener behavior.
type Config struct {
	Credential   proto.Credential
	AuthTimeout  time.Duration // budget for the client to present its auth frame (default 10s)
	WriteTimeout time.Duration // per-frame write budget (default 10s)

	Limiter *ratelimit.ConnLimiter // optional per-IP connection limiting

	OnConnect    func() // optional, fired after successful auth
	OnDisconnect func() // optional, fired when an authenticated session ends
}

func (c *Config) applyDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Server accepts downstream connections and runs one session per connection.
type Server struct {
	cfg          Config
	hub          *hub.Hub
	expectedAuth []byte
}

// NewServer builds a server forwarding frames from h. The expected auth frame
// is pre-encoded once; validation is a constant-time comparison against it.
func NewServer(cfg Config, h *hub.Hub) (*Server, error) {
	cfg.applyDefaults()
	expected, err := proto.EncodeAuth(cfg.Credential)
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, hub: h, expectedAuth: expected}, nil
}

// Serve accepts connections on ln until ctx is cancelled or the listener is
// closed. Each connection runs independently; one client's failure never
// reaches another.
func (s *Server) Serve(ctx context.Context, ln net.Listener) {
	if s.cfg.Limiter != nil {
		go s.runLimiterPrune(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.chamber.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		if s.cfg.Limiter != nil {
			ip := remoteIP(c)
			if !s.cfg.Limiter.Allow(ip) {
				obs.Warn("client.ratelimited", obs.Fields{"remote": c.RemoteAddr().String()})
				obs.ErrorsTotal.WithLabelValues("ratelimited").Inc()
				_ = c.Close()
				continue
			}
		}
		go s.handleConn(ctx, c)
	}
}

func (s *Server) runLimiterPrune(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.cfg.Limiter.Prune(10 * time.Minute)
		}
	}
}

func remoteIP(c net.Conn) string {
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return host
}
