// Package ftpproxy is a raw TCP passthrough for the printer's FTPS upload
// ports. It forwards bytes including TLS untouched, so clients negotiate TLS
// session reuse directly with the printer; the proxy host just gives
// single-IP clients one address for everything.
package ftpproxy

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/peek/internal/obs"
)

const (
	// ControlPort is the printer's FTPS control channel.
	ControlPort = 990
	// DataPortStart..DataPortEnd is the PASV data range BambuLab firmware uses.
	DataPortStart = 2000
	DataPortEnd   = 2100
)

// DialFunc dials the printer on the given port. Overridable for tests.
type DialFunc func(ctx context.Context, port int) (net.Conn, error)

// Config describes the passthrough.
type Config struct {
	PrinterHost string
	BindAddr    string
	DialTimeout time.Duration // default 10s

	Dial DialFunc // optional; defaults to plain TCP to PrinterHost
}

// Proxy forwards control and data connections to the printer on the same
// port they arrived on.
type Proxy struct {
	cfg       Config
	listeners []net.Listener
}

func New(cfg Config) *Proxy {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Dial == nil {
		host := cfg.PrinterHost
		timeout := cfg.DialTimeout
		cfg.Dial = func(ctx context.Context, port int) (net.Conn, error) {
			d := &net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		}
	}
	return &Proxy{cfg: cfg}
}

// Start binds the control port and as much of the data range as is free.
// Individual data ports already in use are skipped; the printer rarely needs
// more than a few.
func (p *Proxy) Start(ctx context.Context) error {
	ctrl, err := net.Listen("tcp", net.JoinHostPort(p.cfg.BindAddr, strconv.Itoa(ControlPort)))
	if err != nil {
		return err
	}
	p.listeners = append(p.listeners, ctrl)
	go p.accept(ctx, ctrl, ControlPort)

	bound := 0
	for port := DataPortStart; port <= DataPortEnd; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(p.cfg.BindAddr, strconv.Itoa(port)))
		if err != nil {
			obs.Debug("ftp.bind_skipped", obs.Fields{"port": port, "err": err.Error()})
			continue
		}
		p.listeners = append(p.listeners, ln)
		go p.accept(ctx, ln, port)
		bound++
	}
	obs.Info("ftp.listening", obs.Fields{"control": ControlPort, "data_ports": bound})
	return nil
}

// Stop closes all listeners. In-flight connections are cut by ctx.
func (p *Proxy) Stop() {
	for _, ln := range p.listeners {
		_ = ln.Close()
	}
	p.listeners = nil
}

func (p *Proxy) accept(ctx context.Context, ln net.Listener, port int) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go p.forward(ctx, c, port)
	}
}

// forward connects to the printer on the same port and shuttles bytes both
// ways until either side closes.
func (p *Proxy) forward(ctx context.Context, client net.Conn, port int) {
	upstream, err := p.cfg.Dial(ctx, port)
	if err != nil {
		obs.Debug("ftp.dial_failed", obs.Fields{"port": port, "err": err.Error()})
		_ = client.Close()
		return
	}
	obs.Debug("ftp.forwarding", obs.Fields{"port": port, "remote": client.RemoteAddr().String()})

	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
		_ = upstream.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	var once sync.Once
	closeBoth := func() { _ = client.Close(); _ = upstream.Close() }
	copyFn := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		once.Do(closeBoth)
	}
	wg.Add(2)
	go copyFn(upstream, client)
	go copyFn(client, upstream)
	wg.Wait()
	obs.Debug("ftp.closed", obs.Fields{"port": port})
}
