// Package upstream owns the single TLS session to the printer's chamber-image
// port and keeps it alive through a connect/stream/backoff state machine.
// Exactly one session is active at a time; the printer firmware only tolerates
// a couple of simultaneous viewers, which is the reason this proxy exists.
package upstream

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/matst80/peek/internal/obs"
	"github.com/matst80/peek/internal/proto"
)

// State is the supervisor's connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Streaming
	Backoff
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Streaming:
		return "streaming"
	case Backoff:
		return "backoff"
	}
	return "unknown"
}

// Publisher receives each decoded frame in arrival order. Satisfied by
// *hub.Hub.
type Publisher interface {
	Publish(f *proto.Frame)
}

// Config controls the upstream session and its retry behavior.
type Config struct {
	Addr       string // printer chamber port, host:port
	Credential proto.Credential

	DialTimeout time.Duration // TLS connect budget (default 10s)
	AuthTimeout time.Duration // wait for first frame after auth (default 10s)
	IdleTimeout time.Duration // max gap between frames while streaming (default 30s)
	BackoffMin  time.Duration // first retry delay (default 1s)
	BackoffMax  time.Duration // retry delay cap (default 30s)

	Dial    DialFunc    // optional; defaults to TLS dial of Addr
	OnState func(State) // optional transition hook
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.Dial == nil {
		c.Dial = dialTLS(c.Addr, c.DialTimeout)
	}
}

// Supervisor drives the upstream session through its state machine, retrying
// forever. It has no terminal failure state; liveness is observed through
// logs and metrics.
type Supervisor struct {
	cfg        Config
	pub        Publisher
	state      atomic.Int32
	reconnects atomic.Uint64
	frames     atomic.Uint64
	lastFrame  atomic.Int64 // unix nanos of last relayed frame
}

// New builds a supervisor publishing to pub. Construct once at startup and
// share the handle; do not create a second instance for the same printer.
func New(cfg Config, pub Publisher) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{cfg: cfg, pub: pub}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Reconnects reports how many times the session was re-established after loss.
func (s *Supervisor) Reconnects() uint64 { return s.reconnects.Load() }

// Frames reports the total frames relayed since start.
func (s *Supervisor) Frames() uint64 { return s.frames.Load() }

// LastFrame returns the arrival time of the most recent frame, zero before
// the first one.
func (s *Supervisor) LastFrame() time.Time {
	n := s.lastFrame.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *Supervisor) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old == st {
		return
	}
	if st == Streaming {
		obs.UpstreamStreaming.Set(1)
	} else if old == Streaming {
		obs.UpstreamStreaming.Set(0)
	}
	obs.Debug("upstream.state", obs.Fields{"from": old.String(), "to": st.String()})
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}

// Run connects, streams, and reconnects with exponential backoff until ctx is
// cancelled. The backoff delay resets to its minimum after every successful
// entry into Streaming.
func (s *Supervisor) Run(ctx context.Context) {
	delay := s.cfg.BackoffMin
	for {
		if ctx.Err() != nil {
			s.setState(Disconnected)
			return
		}
		streamed, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.setState(Disconnected)
			return
		}
		switch {
		case errors.Is(err, ErrAuthRejected):
			obs.Warn("upstream.auth_rejected", obs.Fields{"addr": s.cfg.Addr, "err": err.Error(), "hint": "check the printer access code"})
			obs.ErrorsTotal.WithLabelValues("auth_rejected").Inc()
		case errors.Is(err, ErrIdleTimeout):
			obs.Error("upstream.idle", obs.Fields{"addr": s.cfg.Addr, "idle": s.cfg.IdleTimeout.String()})
			obs.ErrorsTotal.WithLabelValues("idle_timeout").Inc()
		case errors.Is(err, proto.ErrFraming):
			obs.Error("upstream.framing", obs.Fields{"addr": s.cfg.Addr, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("framing").Inc()
		default:
			obs.Error("upstream.stream_lost", obs.Fields{"addr": s.cfg.Addr, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("stream_lost").Inc()
		}
		// Only losing an established stream counts as a reconnect; failed
		// connection attempts are not reconnects of anything.
		if streamed {
			delay = s.cfg.BackoffMin
			obs.ReconnectsTotal.Inc()
			s.reconnects.Add(1)
		}
		s.setState(Backoff)
		if !sleepCtx(ctx, withJitter(delay)) {
			s.setState(Disconnected)
			return
		}
		delay = nextBackoff(delay, s.cfg.BackoffMax)
	}
}

// runOnce runs a single connect/auth/stream cycle. It reports whether the
// session reached Streaming before failing; the error is never nil.
func (s *Supervisor) runOnce(ctx context.Context) (streamed bool, err error) {
	s.setState(Connecting)
	conn, err := s.cfg.Dial(ctx)
	if err != nil {
		return false, err
	}
	sess := newSession(conn)
	defer sess.close()
	// Force-close the socket on shutdown so blocked reads return promptly.
	stop := context.AfterFunc(ctx, sess.close)
	defer stop()

	s.setState(Authenticating)
	if err := sess.authenticate(s.cfg.Credential, s.cfg.AuthTimeout); err != nil {
		return false, err
	}
	f, err := sess.awaitFirstFrame(s.cfg.AuthTimeout)
	if err != nil {
		return false, err
	}
	s.setState(Streaming)
	s.publish(f)

	for {
		f, err := sess.readFrame(s.cfg.IdleTimeout)
		if err != nil {
			return true, err
		}
		s.publish(f)
	}
}

// publish hands the frame to the hub synchronously so arrival order is
// preserved end to end.
func (s *Supervisor) publish(f *proto.Frame) {
	s.frames.Add(1)
	s.lastFrame.Store(time.Now().UnixNano())
	obs.FramesRelayedTotal.Inc()
	obs.FrameBytes.Observe(float64(len(f.Payload)))
	s.pub.Publish(f)
}

// nextBackoff doubles the delay up to the cap.
func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}

// withJitter adds up to 20% so repeated failures from several proxies don't
// hammer the printer in lockstep.
func withJitter(d time.Duration) time.Duration {
	return d + rand.N(d/5+1)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
