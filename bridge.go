package ftps

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/gonzalop/ftps/ftp"
)

// DefaultSessionLifetime is how long a recorded control session is offered
// to data connections.
const DefaultSessionLifetime = 24 * time.Hour

// SessionCacheAccessor is the result of probing a TLS configuration for a
// session cache the bridge can write to. It is probed once per client.
type SessionCacheAccessor struct {
	cache  tls.ClientSessionCache
	reason string
}

// Supported reports whether the cache can be written to.
func (a SessionCacheAccessor) Supported() bool {
	return a.cache != nil
}

// Reason explains why the accessor is unsupported.
func (a SessionCacheAccessor) Reason() string {
	return a.reason
}

// ProbeSessionCache checks cfg for a usable client session cache.
func ProbeSessionCache(cfg *tls.Config) SessionCacheAccessor {
	switch {
	case cfg == nil:
		return SessionCacheAccessor{reason: "TLS is not enabled"}
	case cfg.SessionTicketsDisabled:
		return SessionCacheAccessor{reason: "session tickets are disabled"}
	case cfg.ClientSessionCache == nil:
		return SessionCacheAccessor{reason: "no client session cache configured"}
	}
	return SessionCacheAccessor{cache: cfg.ClientSessionCache}
}

// SessionResumptionBridge lets data connections resume the TLS session of
// their control connection. Servers such as vsftpd with require_ssl_reuse
// reject data connections that do not.
//
// Before each data connection handshake the bridge registers the control
// session in the shared cache under the data socket's hostname key and
// under its numeric address key. It never creates, clones or extends a
// session. A bridge belongs to one client.
type SessionResumptionBridge struct {
	logger   *slog.Logger
	metrics  MetricsCollector
	lifetime time.Duration

	requireReuse bool
	controlHost  string
	accessor     SessionCacheAccessor
	recorder     *sessionRecorder

	injections atomic.Int64
	now        func() time.Time
}

// NewSessionResumptionBridge returns a disabled bridge. A nil logger
// discards output.
func NewSessionResumptionBridge(logger *slog.Logger) *SessionResumptionBridge {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SessionResumptionBridge{
		logger:   logger,
		lifetime: DefaultSessionLifetime,
		now:      time.Now,
	}
}

// SetRequireSessionReuse enables or disables the bridge. It must be called
// before Attach.
func (b *SessionResumptionBridge) SetRequireSessionReuse(require bool) {
	b.requireReuse = require
}

// RequireSessionReuse reports whether the bridge is enabled.
func (b *SessionResumptionBridge) RequireSessionReuse() bool {
	return b.requireReuse
}

// SetSessionLifetime changes how old a control session may be and still be
// offered. Non-positive values restore DefaultSessionLifetime.
func (b *SessionResumptionBridge) SetSessionLifetime(d time.Duration) {
	if d <= 0 {
		d = DefaultSessionLifetime
	}
	b.lifetime = d
}

func (b *SessionResumptionBridge) setMetrics(m MetricsCollector) {
	b.metrics = m
}

// Attach probes cfg and, when the bridge is enabled and the cache usable,
// installs the recording cache on cfg. controlHost is the host the control
// connection is made to. A disabled bridge leaves cfg untouched.
func (b *SessionResumptionBridge) Attach(cfg *tls.Config, controlHost string) SessionCacheAccessor {
	if !b.requireReuse {
		return SessionCacheAccessor{reason: "session reuse not required"}
	}

	b.controlHost = controlHost
	b.accessor = ProbeSessionCache(cfg)
	if !b.accessor.Supported() {
		b.logger.Warn("TLS session reuse unavailable, data connections will not resume the control session",
			"error", ErrSessionCacheUnavailable, "reason", b.accessor.Reason())
		b.record("unsupported")
		return b.accessor
	}

	b.recorder = newSessionRecorder(cfg.ClientSessionCache, cfg.ServerName)
	cfg.ClientSessionCache = b.recorder
	return b.accessor
}

// Injections returns how many cache entries the bridge has written.
func (b *SessionResumptionBridge) Injections() int64 {
	return b.injections.Load()
}

// PrepareDataSocket registers the control session for data. It is an
// ftp.DataConnHook. Failures are logged and never abort the transfer; the
// data connection then performs its own full handshake.
func (b *SessionResumptionBridge) PrepareDataSocket(control *tls.Conn, data ftp.DataSocket) {
	if !b.requireReuse || b.recorder == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("failed to register TLS session for data connection",
				"error", fmt.Errorf("%w: %v", ErrSessionCacheUnavailable, r), "peer", data.SessionKey)
			b.record("error")
		}
	}()

	session, ok := b.resumable(control)
	if !ok {
		b.record("not_resumable")
		return
	}

	hostKey, addrKey := b.dataSocketKeys(control, data)
	b.recorder.registerData(session, hostKey, addrKey)
	b.injections.Add(2)

	b.logger.Debug("registered control TLS session for data connection",
		"host_key", hostKey, "address_key", addrKey)
	b.record("injected")
}

// resumable returns the control session if a data connection may resume it.
func (b *SessionResumptionBridge) resumable(control *tls.Conn) (*tls.ClientSessionState, bool) {
	if control == nil || !control.ConnectionState().HandshakeComplete {
		b.logger.Warn("control TLS session not established", "error", ErrSessionCacheUnavailable)
		return nil, false
	}

	session, storedAt := b.recorder.control()
	if session == nil {
		b.logger.Warn("no resumable control TLS session", "error", ErrSessionCacheUnavailable)
		return nil, false
	}

	ticket, _, err := session.ResumptionState()
	if err != nil || len(ticket) == 0 {
		b.logger.Warn("control TLS session carries no ticket", "error", ErrSessionCacheUnavailable)
		return nil, false
	}

	if age := b.now().Sub(storedAt); age >= b.lifetime {
		b.logger.Warn("control TLS session expired",
			"error", ErrSessionCacheUnavailable, "age", age, "lifetime", b.lifetime)
		return nil, false
	}
	return session, true
}

// dataSocketKeys returns the hostname key and the numeric address key for
// data. A peer given as the control connection's IP address is keyed by the
// control host name.
func (b *SessionResumptionBridge) dataSocketKeys(control *tls.Conn, data ftp.DataSocket) (hostKey, addrKey string) {
	host := data.Host
	if ip := net.ParseIP(host); ip != nil && b.controlHost != "" && net.ParseIP(b.controlHost) == nil {
		if controlIP := remoteIP(control); controlIP != nil && controlIP.Equal(ip) {
			host = b.controlHost
		}
	}
	hostKey = ftp.SessionKey(host, data.Port)

	addr := data.Host
	if ip := remoteIP(data.Conn); ip != nil {
		addr = ip.String()
	}
	addrKey = ftp.SessionKey(addr, data.Port)
	return hostKey, addrKey
}

func (b *SessionResumptionBridge) record(result string) {
	if b.metrics != nil {
		b.metrics.RecordSessionReuse(result)
	}
}

func remoteIP(conn net.Conn) net.IP {
	if conn == nil || conn.RemoteAddr() == nil {
		return nil
	}
	addr := conn.RemoteAddr()
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
