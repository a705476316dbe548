// Package rtsp supervises the external relay pair used for printers that
// expose RTSP instead of the chamber-image protocol: mediamtx re-serves the
// stream and ffmpeg pulls it from the printer. The proxy does not speak RTSP
// itself; this is process supervision only.
package rtsp

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"time"

	"github.com/matst80/peek/internal/obs"
)

// Config describes the relay to run.
type Config struct {
	PrinterHost string
	AccessCode  string
	BindAddr    string
	Port        int // RTSP port, both printer side and re-serve side

	RestartMin time.Duration // first restart delay (default 1s)
	RestartMax time.Duration // restart delay cap (default 30s)
}

func (c *Config) applyDefaults() {
	if c.RestartMin <= 0 {
		c.RestartMin = time.Second
	}
	if c.RestartMax <= 0 {
		c.RestartMax = 30 * time.Second
	}
}

// CheckDependencies verifies the external binaries are installed.
func CheckDependencies() error {
	for _, bin := range []string{"ffmpeg", "mediamtx"} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("rtsp relay requires %s on PATH: %w", bin, err)
		}
	}
	return nil
}

// Relay runs the mediamtx/ffmpeg pair and restarts it with backoff when
// either process exits.
type Relay struct {
	cfg Config
}

func NewRelay(cfg Config) *Relay {
	cfg.applyDefaults()
	return &Relay{cfg: cfg}
}

// sourceURL is the printer's stream. The access code rides in the URL, which
// only ever travels over the local exec boundary, never the network in clear.
func (r *Relay) sourceURL() string {
	return fmt.Sprintf("rtsps://bblp:%s@%s/streaming/live/1",
		r.cfg.AccessCode, net.JoinHostPort(r.cfg.PrinterHost, strconv.Itoa(r.cfg.Port)))
}

// publishHost is where ffmpeg reaches the mediamtx instance. A wildcard bind
// is not a dialable address, so it maps to loopback; a specific interface
// must be dialed as bound or the publish leg never connects.
func (r *Relay) publishHost() string {
	switch r.cfg.BindAddr {
	case "", "0.0.0.0", "::", "[::]":
		return "127.0.0.1"
	}
	return r.cfg.BindAddr
}

func (r *Relay) serveURL() string {
	return fmt.Sprintf("rtsp://%s/stream", net.JoinHostPort(r.publishHost(), strconv.Itoa(r.cfg.Port)))
}

// Run supervises the relay until ctx is cancelled. Process exits are retried
// forever; operators observe failures through logs.
func (r *Relay) Run(ctx context.Context) {
	delay := r.cfg.RestartMin
	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		err := r.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		obs.Error("rtsp.relay_exited", obs.Fields{"err": errString(err), "uptime": time.Since(start).String()})
		obs.ErrorsTotal.WithLabelValues("rtsp_relay").Inc()
		// A relay that ran for a while earned a fresh backoff.
		if time.Since(start) > time.Minute {
			delay = r.cfg.RestartMin
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
		if delay *= 2; delay > r.cfg.RestartMax {
			delay = r.cfg.RestartMax
		}
	}
}

// runOnce starts both processes and returns when the first one exits; the
// other is killed via the shared context so the pair always restarts together.
func (r *Relay) runOnce(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := exec.CommandContext(ctx, "mediamtx")
	server.Env = append(server.Environ(),
		"MTX_RTSPADDRESS="+net.JoinHostPort(r.cfg.BindAddr, strconv.Itoa(r.cfg.Port)),
		"MTX_PROTOCOLS=tcp",
	)
	puller := exec.CommandContext(ctx, "ffmpeg",
		"-nostdin", "-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", r.sourceURL(),
		"-c", "copy",
		"-f", "rtsp", r.serveURL(),
	)

	if err := server.Start(); err != nil {
		return fmt.Errorf("start mediamtx: %w", err)
	}
	// Give mediamtx a moment to bind before ffmpeg publishes to it.
	time.Sleep(500 * time.Millisecond)
	if err := puller.Start(); err != nil {
		cancel()
		_ = server.Wait()
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	obs.Info("rtsp.relay_started", obs.Fields{"printer": r.cfg.PrinterHost, "serve": r.serveURL()})

	done := make(chan error, 2)
	go func() { done <- server.Wait() }()
	go func() { done <- puller.Wait() }()

	err := <-done
	cancel() // kill the survivor
	<-done
	return err
}

func errString(err error) string {
	if err == nil {
		return "exit 0"
	}
	return err.Error()
}
