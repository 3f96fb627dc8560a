package ftp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Option is a functional option for configuring an FTP client.
type Option func(*Client) error

// Dialer establishes network connections for the control channel and for
// passive data connections. *net.Dialer satisfies it, as do the SOCKS5
// dialers of golang.org/x/net/proxy.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// tlsMode represents the TLS mode for the connection.
type tlsMode int

const (
	tlsModeNone tlsMode = iota
	tlsModeExplicit
	tlsModeImplicit
)

func (m tlsMode) String() string {
	switch m {
	case tlsModeExplicit:
		return "explicit"
	case tlsModeImplicit:
		return "implicit"
	default:
		return "none"
	}
}

// WithTimeout sets the timeout for dialing, the TLS handshake and every
// control channel round trip. Data connections use it too unless
// SetDataTimeout is called.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.timeout = timeout
		return nil
	}
}

// WithExplicitTLS enables explicit TLS mode (AUTH TLS).
// The client connects on the standard FTP port (21) and upgrades to TLS
// using the AUTH TLS command.
//
// The provided tls.Config should include the ServerName for certificate validation.
// A ClientSessionCache is added if not present so data connections can
// resume the session.
func WithExplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeImplicit {
			return fmt.Errorf("explicit TLS cannot be combined with implicit TLS")
		}
		c.tlsConfig = prepareTLSConfig(config)
		c.tlsMode = tlsModeExplicit
		return nil
	}
}

// WithImplicitTLS enables implicit TLS mode.
// The client speaks TLS from the first byte, typically on port 990.
func WithImplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeExplicit {
			return fmt.Errorf("implicit TLS cannot be combined with explicit TLS")
		}
		c.tlsConfig = prepareTLSConfig(config)
		c.tlsMode = tlsModeImplicit
		return nil
	}
}

func prepareTLSConfig(config *tls.Config) *tls.Config {
	if config == nil {
		config = &tls.Config{}
	}
	if config.ClientSessionCache == nil {
		config.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}
	return config
}

// WithLogger enables debug logging using the provided logger.
// All FTP commands and responses are logged at debug level; the PASS
// argument is masked.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	client, _ := ftp.Dial("ftp.example.com:21", ftp.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithCustomDialer sets the dialer used for the control connection and for
// passive data connections.
func WithCustomDialer(dialer Dialer) Option {
	return func(c *Client) error {
		if dialer == nil {
			return fmt.Errorf("dialer must not be nil")
		}
		c.customDialer = dialer
		return nil
	}
}

// WithActiveMode enables active mode (PORT/EPRT) instead of passive mode.
// It is equivalent to calling EnterActiveMode before the first transfer.
func WithActiveMode() Option {
	return func(c *Client) error {
		c.activeMode = true
		return nil
	}
}

// WithDisableEPSV forces PASV for passive data connections.
func WithDisableEPSV() Option {
	return func(c *Client) error {
		c.disableEPSV = true
		return nil
	}
}

// WithDataConnHook registers a function called for every protected data
// connection before its TLS handshake. See DataConnHook.
func WithDataConnHook(hook DataConnHook) Option {
	return func(c *Client) error {
		c.dataConnHook = hook
		return nil
	}
}
