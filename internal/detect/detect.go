// Package detect probes which camera protocol a printer exposes. Detection
// runs once at startup; the chosen mode is fixed for the process lifetime.
package detect

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/matst80/peek/internal/obs"
)

// Result is the detected camera protocol.
type Result int

const (
	Unknown Result = iota
	ChamberImage
	RTSP
)

func (r Result) String() string {
	switch r {
	case ChamberImage:
		return "chamber"
	case RTSP:
		return "rtsp"
	}
	return "unknown"
}

// ErrNoCamera means neither camera port accepted a TLS handshake. This is a
// startup failure: wrong IP, printer off, or LAN mode disabled.
var ErrNoCamera = errors.New("detect: no camera service reachable")

// Probe attempts a TLS handshake against the chamber-image port and then the
// RTSP port, each with its own timeout. The chamber port wins when both are
// open.
func Probe(ctx context.Context, host string, chamberPort, rtspPort int, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	chamberErr := probePort(ctx, host, chamberPort, timeout)
	if chamberErr == nil {
		obs.Info("detect.result", obs.Fields{"host": host, "camera": ChamberImage.String()})
		return ChamberImage, nil
	}
	obs.Debug("detect.chamber_probe", obs.Fields{"host": host, "port": chamberPort, "err": chamberErr.Error()})

	rtspErr := probePort(ctx, host, rtspPort, timeout)
	if rtspErr == nil {
		obs.Info("detect.result", obs.Fields{"host": host, "camera": RTSP.String()})
		return RTSP, nil
	}
	obs.Debug("detect.rtsp_probe", obs.Fields{"host": host, "port": rtspPort, "err": rtspErr.Error()})

	return Unknown, fmt.Errorf("%w: chamber port %d: %v; rtsp port %d: %v",
		ErrNoCamera, chamberPort, chamberErr, rtspPort, rtspErr)
}

func probePort(ctx context.Context, host string, port int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config:    &tls.Config{InsecureSkipVerify: true},
	}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}
