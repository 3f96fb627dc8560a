package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gonzalop/ftps"
)

// Config holds the probe configuration. Every flag falls back to an
// FTPS_* environment variable, which may come from a .env file.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string

	Mode        string
	Reuse       bool
	Protocols   string
	Protection  string
	Active      bool
	ExternalIP  string
	ReportedIP  string
	PortRange   string
	WorkDir     string
	ListPath    string
	CAFile      string
	Insecure    bool
	Timeout     time.Duration
	DataTimeout time.Duration

	SOCKS5   string
	RedisURL string

	MetricsAddr string
	Count       int
	Interval    time.Duration
	Debug       bool
	JSONLogs    bool
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultVal
}

// parseConfig reads args, using the environment for defaults.
func parseConfig(args []string) (*Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("ftpsprobe", flag.ContinueOnError)

	fs.StringVar(&cfg.Host, "host", getEnv("FTPS_HOST", ""), "FTPS server host")
	fs.IntVar(&cfg.Port, "port", getEnvInt("FTPS_PORT", 0), "FTPS server port (default 21, or 990 for implicit)")
	fs.StringVar(&cfg.User, "user", getEnv("FTPS_USER", ""), "username (default anonymous)")
	fs.StringVar(&cfg.Password, "password", getEnv("FTPS_PASSWORD", ""), "password (default anonymous)")

	fs.StringVar(&cfg.Mode, "mode", getEnv("FTPS_MODE", "explicit"), "security mode: explicit or implicit")
	fs.BoolVar(&cfg.Reuse, "reuse", getEnvBool("FTPS_REUSE", true), "resume the control TLS session on data connections")
	fs.StringVar(&cfg.Protocols, "protocols", getEnv("FTPS_PROTOCOLS", ""), "comma separated TLS versions, e.g. TLSv1.2,TLSv1.3")
	fs.StringVar(&cfg.Protection, "prot", getEnv("FTPS_PROT", "P"), "data channel protection level")
	fs.BoolVar(&cfg.Active, "active", getEnvBool("FTPS_ACTIVE", false), "use active mode data connections")
	fs.StringVar(&cfg.ExternalIP, "external-ip", getEnv("FTPS_EXTERNAL_IP", ""), "active mode listen address")
	fs.StringVar(&cfg.ReportedIP, "reported-ip", getEnv("FTPS_REPORTED_IP", ""), "active mode address announced to the server")
	fs.StringVar(&cfg.PortRange, "port-range", getEnv("FTPS_PORT_RANGE", ""), "active mode local port range, e.g. 40000-40100")
	fs.StringVar(&cfg.WorkDir, "dir", getEnv("FTPS_DIR", ""), "directory to change to after login")
	fs.StringVar(&cfg.ListPath, "list", getEnv("FTPS_LIST", ""), "directory to list on every probe")
	fs.StringVar(&cfg.CAFile, "ca", getEnv("FTPS_CA_FILE", ""), "PEM file with the CA certificates to trust")
	fs.BoolVar(&cfg.Insecure, "insecure", getEnvBool("FTPS_INSECURE", false), "skip certificate verification")
	fs.DurationVar(&cfg.Timeout, "timeout", getEnvDuration("FTPS_TIMEOUT", 30*time.Second), "connect and command timeout")
	fs.DurationVar(&cfg.DataTimeout, "data-timeout", getEnvDuration("FTPS_DATA_TIMEOUT", 0), "data connection inactivity timeout")

	fs.StringVar(&cfg.SOCKS5, "socks5", getEnv("FTPS_SOCKS5", ""), "SOCKS5 proxy address (user:pass@host:port)")
	fs.StringVar(&cfg.RedisURL, "redis", getEnv("FTPS_REDIS_URL", ""), "redis:// URL of a shared TLS session cache")

	fs.StringVar(&cfg.MetricsAddr, "metrics", getEnv("FTPS_METRICS_ADDR", ""), "serve Prometheus metrics on this address")
	fs.IntVar(&cfg.Count, "count", getEnvInt("FTPS_COUNT", 1), "number of probes, 0 runs until interrupted")
	fs.DurationVar(&cfg.Interval, "interval", getEnvDuration("FTPS_INTERVAL", time.Minute), "time between probes")
	fs.BoolVar(&cfg.Debug, "debug", getEnvBool("FTPS_DEBUG", false), "enable debug logs")
	fs.BoolVar(&cfg.JSONLogs, "json", getEnvBool("FTPS_JSON_LOGS", false), "log in JSON")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		return nil, errors.New("-host is required")
	}
	if cfg.Count < 0 {
		return nil, errors.New("-count must not be negative")
	}
	if cfg.Port == 0 {
		cfg.Port = 21
		if strings.EqualFold(strings.TrimSpace(cfg.Mode), string(ftps.Implicit)) {
			cfg.Port = 990
		}
	}
	return &cfg, nil
}

// connectionOptions turns the flags into ftps options. The dialer and the
// session cache are set by the caller.
func (c *Config) connectionOptions() (ftps.ConnectionOptions, error) {
	mode, err := ftps.ParseSecurityMode(c.Mode)
	if err != nil {
		return ftps.ConnectionOptions{}, err
	}

	opts := ftps.ConnectionOptions{
		SecurityMode:          mode,
		RequireSessionReuse:   c.Reuse,
		DataChannelProtection: c.Protection,
		DataTimeout:           c.DataTimeout,
		ConnectTimeout:        c.Timeout,
	}
	if c.Protocols != "" {
		for _, p := range strings.Split(c.Protocols, ",") {
			opts.AllowedProtocols = append(opts.AllowedProtocols, strings.TrimSpace(p))
		}
	}
	if c.WorkDir != "" {
		opts.WorkingDirectory = c.WorkDir
		opts.UserDirIsRoot = ftps.Bool(false)
	}

	if c.Active {
		active := ftps.ActiveMode{ExternalIP: c.ExternalIP, ReportedIP: c.ReportedIP}
		if c.PortRange != "" {
			if active.PortRange, err = parsePortRange(c.PortRange); err != nil {
				return ftps.ConnectionOptions{}, err
			}
		}
		opts.Address = active
		opts.StrictPortRange = true
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: c.Insecure}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return ftps.ConnectionOptions{}, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return ftps.ConnectionOptions{}, fmt.Errorf("no certificates in %s", c.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	opts.TLSConfig = tlsConfig

	return opts, opts.Validate()
}

func parsePortRange(s string) (ftps.PortRange, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return ftps.PortRange{}, fmt.Errorf("invalid port range %q, want min-max", s)
	}
	minPort, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return ftps.PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	maxPort, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return ftps.PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	return ftps.PortRange{Min: minPort, Max: maxPort}, nil
}
