package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matst80/peek/internal/proto"
)

// Config holds all runtime configuration derived from flags, environment
// variables and an optional TOML file. Precedence: flags given on the command
// line, then the config file, then env vars / built-in defaults.
type Config struct {
	ConfigFile string

	PrinterIP   string
	AccessCode  string
	BindAddr    string
	ChamberPort int
	RTSPPort    int
	Mode        string // auto, chamber or rtsp

	// TLS serving cert for the chamber listener (clients skip verification
	// like they do against the printer, but TLS itself is mandatory).
	TLSCertFile string
	TLSKeyFile  string

	ClientBuffer  int
	AuthTimeout   time.Duration
	IdleTimeout   time.Duration
	WriteTimeout  time.Duration
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	DetectTimeout time.Duration

	// Connection rate limiting for the chamber listener; 0 disables.
	ConnRateGlobal int
	ConnRatePerIP  int
	ConnBurst      int

	EnableFTPProxy bool

	StatusAddr string
	Debug      bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

var cfg Config

func init() {
	flag.StringVar(&cfg.ConfigFile, "config", "", "optional TOML config file")
	flag.StringVar(&cfg.PrinterIP, "printer-ip", os.Getenv("PRINTER_IP"), "IP address of the BambuLab printer (env PRINTER_IP)")
	flag.StringVar(&cfg.AccessCode, "access-code", os.Getenv("ACCESS_CODE"), "access code from the printer settings (env ACCESS_CODE)")
	flag.StringVar(&cfg.BindAddr, "bind", envOr("BIND_ADDRESS", "0.0.0.0"), "address to bind the proxy listeners to (env BIND_ADDRESS)")
	flag.IntVar(&cfg.ChamberPort, "chamber-port", proto.DefaultChamberPort, "chamber-image camera port (printer and proxy side)")
	flag.IntVar(&cfg.RTSPPort, "rtsp-port", proto.DefaultRTSPPort, "RTSP camera port (printer and proxy side)")
	flag.StringVar(&cfg.Mode, "mode", "auto", "camera mode: auto-detect, chamber, or rtsp")
	flag.StringVar(&cfg.TLSCertFile, "tls-cert", "", "TLS certificate for serving the chamber protocol")
	flag.StringVar(&cfg.TLSKeyFile, "tls-key", "", "TLS private key for serving the chamber protocol")
	flag.IntVar(&cfg.ClientBuffer, "client-buffer", 16, "frames buffered per client before drop-oldest kicks in")
	flag.DurationVar(&cfg.AuthTimeout, "auth-timeout", 10*time.Second, "budget for auth handshakes, both directions")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", 30*time.Second, "upstream is considered dead after this long without a frame")
	flag.DurationVar(&cfg.WriteTimeout, "write-timeout", 10*time.Second, "per-frame write budget on client sessions")
	flag.DurationVar(&cfg.BackoffMin, "backoff-min", time.Second, "initial upstream reconnect delay")
	flag.DurationVar(&cfg.BackoffMax, "backoff-max", 30*time.Second, "upstream reconnect delay cap")
	flag.DurationVar(&cfg.DetectTimeout, "detect-timeout", 5*time.Second, "per-port timeout while probing camera protocols")
	flag.IntVar(&cfg.ConnRateGlobal, "conn-rate", 0, "global inbound connections per second, 0 disables")
	flag.IntVar(&cfg.ConnRatePerIP, "conn-rate-ip", 0, "per-IP inbound connections per second, 0 disables")
	flag.IntVar(&cfg.ConnBurst, "conn-burst", 5, "rate limit burst size")
	flag.BoolVar(&cfg.EnableFTPProxy, "ftp-proxy", false, "also run the FTPS passthrough proxy (ports 990 and 2000-2100)")
	flag.StringVar(&cfg.StatusAddr, "status", ":9100", "metrics, health and dashboard listen address")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", "", "Redis address for publishing status; empty keeps status in-memory only")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database number")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// fileConfig is the TOML shape. Durations use Go duration strings.
type fileConfig struct {
	PrinterIP      string `toml:"printer_ip"`
	AccessCode     string `toml:"access_code"`
	Bind           string `toml:"bind"`
	ChamberPort    int    `toml:"chamber_port"`
	RTSPPort       int    `toml:"rtsp_port"`
	Mode           string `toml:"mode"`
	TLSCertFile    string `toml:"tls_cert"`
	TLSKeyFile     string `toml:"tls_key"`
	ClientBuffer   int    `toml:"client_buffer"`
	AuthTimeout    string `toml:"auth_timeout"`
	IdleTimeout    string `toml:"idle_timeout"`
	BackoffMin     string `toml:"backoff_min"`
	BackoffMax     string `toml:"backoff_max"`
	EnableFTPProxy bool   `toml:"ftp_proxy"`
	StatusAddr     string `toml:"status"`
	RedisAddr      string `toml:"redis_addr"`
	RedisPassword  string `toml:"redis_password"`
	RedisDB        int    `toml:"redis_db"`
}

// applyConfigFile fills cfg from the TOML file for every flag that was not
// explicitly set on the command line.
func applyConfigFile(path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	applyString := func(name string, dst *string, v string) {
		if !set[name] && v != "" {
			*dst = v
		}
	}
	applyInt := func(name string, dst *int, v int) {
		if !set[name] && v != 0 {
			*dst = v
		}
	}
	applyDuration := func(name string, dst *time.Duration, v string) error {
		if set[name] || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config %s: bad duration %q: %w", name, v, err)
		}
		*dst = d
		return nil
	}

	applyString("printer-ip", &cfg.PrinterIP, fc.PrinterIP)
	applyString("access-code", &cfg.AccessCode, fc.AccessCode)
	applyString("bind", &cfg.BindAddr, fc.Bind)
	applyInt("chamber-port", &cfg.ChamberPort, fc.ChamberPort)
	applyInt("rtsp-port", &cfg.RTSPPort, fc.RTSPPort)
	applyString("mode", &cfg.Mode, fc.Mode)
	applyString("tls-cert", &cfg.TLSCertFile, fc.TLSCertFile)
	applyString("tls-key", &cfg.TLSKeyFile, fc.TLSKeyFile)
	applyInt("client-buffer", &cfg.ClientBuffer, fc.ClientBuffer)
	applyString("status", &cfg.StatusAddr, fc.StatusAddr)
	applyString("redis-addr", &cfg.RedisAddr, fc.RedisAddr)
	applyString("redis-password", &cfg.RedisPassword, fc.RedisPassword)
	applyInt("redis-db", &cfg.RedisDB, fc.RedisDB)
	if !set["ftp-proxy"] && fc.EnableFTPProxy {
		cfg.EnableFTPProxy = true
	}
	for _, d := range []struct {
		name string
		dst  *time.Duration
		val  string
	}{
		{"auth-timeout", &cfg.AuthTimeout, fc.AuthTimeout},
		{"idle-timeout", &cfg.IdleTimeout, fc.IdleTimeout},
		{"backoff-min", &cfg.BackoffMin, fc.BackoffMin},
		{"backoff-max", &cfg.BackoffMax, fc.BackoffMax},
	} {
		if err := applyDuration(d.name, d.dst, d.val); err != nil {
			return err
		}
	}
	return nil
}
