package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/matst80/peek/internal/chamber"
	"github.com/matst80/peek/internal/detect"
	"github.com/matst80/peek/internal/ftpproxy"
	"github.com/matst80/peek/internal/hub"
	"github.com/matst80/peek/internal/obs"
	"github.com/matst80/peek/internal/proto"
	"github.com/matst80/peek/internal/ratelimit"
	"github.com/matst80/peek/internal/rtsp"
	"github.com/matst80/peek/internal/upstream"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if cfg.ConfigFile != "" {
		if err := applyConfigFile(cfg.ConfigFile); err != nil {
			obs.Error("config.file", obs.Fields{"err": err.Error()})
			os.Exit(1)
		}
	}
	if cfg.PrinterIP == "" || cfg.AccessCode == "" {
		obs.Error("config.missing", obs.Fields{"hint": "set -printer-ip and -access-code (or PRINTER_IP / ACCESS_CODE)"})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode, err := resolveMode(ctx)
	if err != nil {
		// No viable stream path: refusing to run in a broken mode.
		obs.Error("detect.failed", obs.Fields{"printer": cfg.PrinterIP, "err": err.Error()})
		os.Exit(1)
	}
	obs.Info("proxy.start", obs.Fields{"printer": cfg.PrinterIP, "camera": mode.String(), "bind": cfg.BindAddr, "status": cfg.StatusAddr})

	status, err := newStatusStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("status.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	switch mode {
	case detect.ChamberImage:
		runChamber(ctx, status)
	case detect.RTSP:
		runRTSP(ctx, status)
	}
	obs.Info("proxy.shutdown_complete", obs.Fields{})
}

// resolveMode honors a forced -mode and otherwise probes the printer once.
func resolveMode(ctx context.Context) (detect.Result, error) {
	switch cfg.Mode {
	case "chamber":
		return detect.ChamberImage, nil
	case "rtsp":
		return detect.RTSP, nil
	case "", "auto":
		return detect.Probe(ctx, cfg.PrinterIP, cfg.ChamberPort, cfg.RTSPPort, cfg.DetectTimeout)
	}
	return detect.Unknown, errors.New("invalid -mode: " + cfg.Mode)
}

// statusPublisher feeds the hub and keeps the status store in step with every
// relayed frame.
type statusPublisher struct {
	hub    *hub.Hub
	status StatusStore
}

func (p *statusPublisher) Publish(f *proto.Frame) {
	p.status.frameRelayed(len(f.Payload))
	p.hub.Publish(f)
}

func runChamber(ctx context.Context, status StatusStore) {
	cred := proto.Credential{Username: proto.Username, AccessCode: cfg.AccessCode}
	h := hub.New(cfg.ClientBuffer)

	var wasStreaming bool // OnState runs on the supervisor goroutine only
	sup := upstream.New(upstream.Config{
		Addr:        net.JoinHostPort(cfg.PrinterIP, strconv.Itoa(cfg.ChamberPort)),
		Credential:  cred,
		AuthTimeout: cfg.AuthTimeout,
		IdleTimeout: cfg.IdleTimeout,
		BackoffMin:  cfg.BackoffMin,
		BackoffMax:  cfg.BackoffMax,
		OnState: func(st upstream.State) {
			status.setUpstreamState(st.String())
			// Count a reconnect only when an established stream is lost,
			// not for every failed connection attempt.
			switch st {
			case upstream.Streaming:
				wasStreaming = true
			case upstream.Backoff:
				if wasStreaming {
					status.reconnected()
					wasStreaming = false
				}
			}
		},
	}, &statusPublisher{hub: h, status: status})

	var limiter *ratelimit.ConnLimiter
	if cfg.ConnRateGlobal > 0 || cfg.ConnRatePerIP > 0 {
		limiter = ratelimit.NewConnLimiter(cfg.ConnRateGlobal, cfg.ConnRatePerIP, cfg.ConnBurst)
	}
	srv, err := chamber.NewServer(chamber.Config{
		Credential:   cred,
		AuthTimeout:  cfg.AuthTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Limiter:      limiter,
		OnConnect:    status.clientConnected,
		OnDisconnect: status.clientDisconnected,
	}, h)
	if err != nil {
		obs.Error("chamber.server", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	tlsCfg, err := serverTLSConfig()
	if err != nil {
		obs.Error("tls.config", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	addr := net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.ChamberPort))
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		obs.Error("listen.chamber", obs.Fields{"err": err.Error(), "addr": addr})
		os.Exit(1)
	}
	defer ln.Close()

	go startStatusServer(cfg.StatusAddr, status, h)

	if cfg.EnableFTPProxy {
		ftp := ftpproxy.New(ftpproxy.Config{PrinterHost: cfg.PrinterIP, BindAddr: cfg.BindAddr})
		if err := ftp.Start(ctx); err != nil {
			obs.Error("ftp.start", obs.Fields{"err": err.Error()})
			os.Exit(1)
		}
		defer ftp.Stop()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); sup.Run(ctx) }()
	wg.Add(1)
	go func() { defer wg.Done(); srv.Serve(ctx, ln) }()

	status.setReady(true)
	obs.Info("proxy.ready", obs.Fields{"chamber": addr})

	<-ctx.Done()
	obs.Info("proxy.shutdown_signal", obs.Fields{})
	status.setClosing(true)
	_ = ln.Close()
	h.Close() // unblocks every forwarding loop
	wg.Wait()
}

func runRTSP(ctx context.Context, status StatusStore) {
	if err := rtsp.CheckDependencies(); err != nil {
		obs.Error("rtsp.dependencies", obs.Fields{"err": err.Error(), "hint": "install ffmpeg and mediamtx"})
		os.Exit(1)
	}
	relay := rtsp.NewRelay(rtsp.Config{
		PrinterHost: cfg.PrinterIP,
		AccessCode:  cfg.AccessCode,
		BindAddr:    cfg.BindAddr,
		Port:        cfg.RTSPPort,
		RestartMin:  cfg.BackoffMin,
		RestartMax:  cfg.BackoffMax,
	})
	go startStatusServer(cfg.StatusAddr, status, nil)
	status.setReady(true)
	obs.Info("proxy.ready", obs.Fields{"rtsp": net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.RTSPPort))})
	relay.Run(ctx)
	status.setClosing(true)
}

// serverTLSConfig loads the serving certificate for the chamber listener.
// Chamber clients skip verification, so any cert works, but it must exist;
// generating one is left to the deployment.
func serverTLSConfig() (*tls.Config, error) {
	if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
		return nil, errors.New("-tls-cert and -tls-key are required in chamber mode")
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
