// Command ftpsprobe checks that an FTPS server accepts connections and, with
// -reuse, that data connections resuming the control TLS session work.
//
// Usage:
//
//	ftpsprobe -host ftp.example.com -list /pub -count 0 -interval 30s -metrics :9100
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/proxy"

	"github.com/gonzalop/ftps"
	"github.com/gonzalop/ftps/ftp"
	"github.com/gonzalop/ftps/prommetrics"
	"github.com/gonzalop/ftps/sessioncache"
)

func main() {
	// A missing .env is fine
	_ = godotenv.Load()

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "ftpsprobe:", err)
		os.Exit(2)
	}

	logger := newLogger(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("probe failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.Debug {
		opts.Level = slog.LevelDebug
	}
	if cfg.JSONLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	opts, err := cfg.connectionOptions()
	if err != nil {
		return err
	}

	if cfg.SOCKS5 != "" {
		if opts.Dialer, err = socks5Dialer(cfg.SOCKS5, cfg.Timeout); err != nil {
			return err
		}
		logger.Info("using SOCKS5 proxy", "proxy", redactProxy(cfg.SOCKS5))
	}

	if cfg.RedisURL != "" {
		client, err := sessioncache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		opts.SessionCache = sessioncache.NewRedis(client, sessioncache.WithLogger(logger))
		logger.Info("sharing TLS sessions through redis")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	e := &ftps.Establisher{Logger: logger, Metrics: prommetrics.New(reg)}

	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var lastErr error
	for i := 0; cfg.Count == 0 || i < cfg.Count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(cfg.Interval):
			}
		}
		lastErr = probe(ctx, e, cfg, opts, logger)
		if lastErr != nil {
			logger.Warn("probe failed", "probe", i+1, "error", lastErr)
		}
	}
	return lastErr
}

// probe makes one connection and optionally lists a directory.
func probe(ctx context.Context, e *ftps.Establisher, cfg *Config, opts ftps.ConnectionOptions, logger *slog.Logger) error {
	start := time.Now()
	creds := &ftps.Credentials{Username: cfg.User, Password: cfg.Password}

	client, err := e.Dial(ctx, cfg.Host, cfg.Port, creds, opts)
	if err != nil {
		return err
	}
	defer client.Quit()

	if cfg.ListPath == "" {
		if err := client.Noop(); err != nil {
			return fmt.Errorf("NOOP: %w", err)
		}
		logger.Info("probe ok", "duration", time.Since(start))
		return nil
	}

	entries, err := client.List(cfg.ListPath)
	if err != nil {
		return fmt.Errorf("LIST %s: %w", cfg.ListPath, err)
	}
	logger.Info("probe ok", "path", cfg.ListPath, "entries", len(entries), "duration", time.Since(start))
	return nil
}

// socks5Dialer returns a dialer tunneling through the proxy at addr, given
// as host:port with optional user:pass@.
func socks5Dialer(addr string, timeout time.Duration) (ftp.Dialer, error) {
	u, err := url.Parse("socks5://" + addr)
	if err != nil {
		return nil, fmt.Errorf("invalid SOCKS5 address: %w", err)
	}

	var auth *proxy.Auth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: password}
	}

	d, err := proxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support contexts")
	}
	return cd, nil
}

func redactProxy(addr string) string {
	u, err := url.Parse("socks5://" + addr)
	if err != nil {
		return "invalid"
	}
	return u.Host
}

func startMetricsServer(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}
