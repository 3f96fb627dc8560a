package ftps

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gonzalop/ftps/ftp"
)

// Conn is the protocol engine the establisher drives. *ftp.Client
// implements it; tests substitute their own.
type Conn interface {
	Connect(ctx context.Context) (*ftp.Response, error)
	Login(username, password string) error
	Type(transferType string) error
	SetDataTimeout(timeout time.Duration)
	ChangeDir(path string) error
	EnterPassiveMode()
	EnterActiveMode()
	SetActiveExternalIP(ip string) error
	SetReportedActiveIP(ip string) error
	SetActivePortRange(minPort, maxPort int) error
	Pbsz(size int) error
	Prot(level string) error
	ProtectionLevel() string
	TLSConfig() *tls.Config
	RestrictTLSVersions(minVersion, maxVersion uint16) error
	SetListingConfig(cfg ftp.ListingConfig) error
	SetDataConnHook(hook ftp.DataConnHook)
	IsConnected() bool
	Disconnect() error
}

var _ Conn = (*ftp.Client)(nil)

// EngineConfig is what a ConnFactory needs to build an unconnected engine.
type EngineConfig struct {
	// Addr is "host:port"
	Addr      string
	Mode      SecurityMode
	TLSConfig *tls.Config
	Timeout   time.Duration
	Dialer    ftp.Dialer
	Logger    *slog.Logger
}

// ConnFactory builds an unconnected engine. It must not perform network I/O.
type ConnFactory func(cfg EngineConfig) (Conn, error)

// NewClient builds an unconnected *ftp.Client for cfg.
func NewClient(cfg EngineConfig) (*ftp.Client, error) {
	options := []ftp.Option{
		ftp.WithTimeout(cfg.Timeout),
		ftp.WithLogger(cfg.Logger),
	}
	switch cfg.Mode {
	case Implicit:
		options = append(options, ftp.WithImplicitTLS(cfg.TLSConfig))
	case Explicit:
		options = append(options, ftp.WithExplicitTLS(cfg.TLSConfig))
	default:
		return nil, &ConfigError{Field: "SecurityMode", Value: string(cfg.Mode), Reason: "must be explicit or implicit"}
	}
	if cfg.Dialer != nil {
		options = append(options, ftp.WithCustomDialer(cfg.Dialer))
	}
	return ftp.NewClient(cfg.Addr, options...)
}

func newClientConn(cfg EngineConfig) (Conn, error) {
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Establisher brings FTPS connections up to a ready state. The zero value
// is usable: it logs nowhere, records no metrics and builds *ftp.Client
// engines.
type Establisher struct {
	Logger  *slog.Logger
	Metrics MetricsCollector

	// NewConn builds the engine. nil means NewClient.
	NewConn ConnFactory

	// SessionLifetime bounds the age of a control session offered to data
	// connections. Zero means DefaultSessionLifetime.
	SessionLifetime time.Duration
}

// Dial establishes a connection with a zero Establisher.
//
// Example:
//
//	client, err := ftps.Dial(ctx, "ftp.example.com", 21, nil, ftps.ConnectionOptions{
//	    SecurityMode:        ftps.Explicit,
//	    RequireSessionReuse: true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Quit()
func Dial(ctx context.Context, host string, port int, creds *Credentials, opts ConnectionOptions) (*ftp.Client, error) {
	var e Establisher
	return e.Dial(ctx, host, port, creds, opts)
}

// Dial is Establish with the *ftp.Client engine, whatever NewConn is set to.
func (e *Establisher) Dial(ctx context.Context, host string, port int, creds *Credentials, opts ConnectionOptions) (*ftp.Client, error) {
	conn, err := e.establish(ctx, host, port, creds, opts, newClientConn)
	if err != nil {
		return nil, err
	}
	return conn.(*ftp.Client), nil
}

// Establish connects to host:port, logs in and negotiates the data channel.
// It returns a ready connection or an *Error; on error no socket is left
// open. Only the dial observes ctx.
func (e *Establisher) Establish(ctx context.Context, host string, port int, creds *Credentials, opts ConnectionOptions) (Conn, error) {
	factory := e.NewConn
	if factory == nil {
		factory = newClientConn
	}
	return e.establish(ctx, host, port, creds, opts, factory)
}

func (e *Establisher) establish(ctx context.Context, host string, port int, creds *Credentials, opts ConnectionOptions, factory ConnFactory) (Conn, error) {
	start := time.Now()
	logger := e.logger().With("attempt_id", uuid.NewString(), "host", host, "port", port)

	a, cerr := e.configure(logger, host, port, creds, opts, factory)
	if cerr != nil {
		logger.Warn("ftps configuration rejected", "error", cerr.Err)
		e.recordAttempt(cerr.Kind.String(), time.Since(start))
		return nil, cerr
	}

	for _, t := range transitions {
		if err := a.advance(ctx, t); err != nil {
			e.recordAttempt(err.Kind.String(), time.Since(start))
			return nil, err
		}
	}

	logger.Info("ftps connection ready",
		"user", a.user, "protection", a.conn.ProtectionLevel(), "duration", time.Since(start))
	e.recordAttempt("ready", time.Since(start))
	return a.conn, nil
}

func (e *Establisher) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (e *Establisher) recordAttempt(outcome string, d time.Duration) {
	if e.Metrics != nil {
		e.Metrics.RecordAttempt(outcome, d)
	}
}

// configure validates the options and builds the engine. Nothing here
// touches the network.
func (e *Establisher) configure(logger *slog.Logger, host string, port int, creds *Credentials, opts ConnectionOptions, factory ConnFactory) (*attempt, *Error) {
	configErr := func(err error) *Error {
		return &Error{Kind: KindConfiguration, Host: host, Step: StepConfigure, Err: err}
	}

	if host == "" {
		return nil, configErr(&ConfigError{Field: "Host", Reason: "must not be empty"})
	}
	if port < 1 || port > 65535 {
		return nil, configErr(&ConfigError{Field: "Port", Value: strconv.Itoa(port), Reason: "must be between 1 and 65535"})
	}
	p, err := opts.plan()
	if err != nil {
		return nil, configErr(err)
	}

	user, password := creds.resolve()

	conn, err := factory(EngineConfig{
		Addr:      net.JoinHostPort(host, strconv.Itoa(port)),
		Mode:      p.mode,
		TLSConfig: p.tlsConfig(host),
		Timeout:   p.connectTimeout,
		Dialer:    p.dialer,
		Logger:    logger,
	})
	if err != nil {
		return nil, configErr(fmt.Errorf("failed to create client: %w", err))
	}

	if err := conn.RestrictTLSVersions(p.minVersion, p.maxVersion); err != nil {
		return nil, configErr(err)
	}

	bridge := NewSessionResumptionBridge(logger)
	bridge.setMetrics(e.Metrics)
	bridge.SetSessionLifetime(e.SessionLifetime)
	bridge.SetRequireSessionReuse(p.requireReuse)
	bridge.Attach(conn.TLSConfig(), host)
	conn.SetDataConnHook(bridge.PrepareDataSocket)

	if p.listing != nil {
		if err := conn.SetListingConfig(*p.listing); err != nil {
			return nil, configErr(&ConfigError{Field: "Listing", Reason: err.Error()})
		}
	}

	if p.ignoredPortRange {
		r := p.address.(ActiveMode).PortRange
		logger.Warn("ignoring incomplete active port range", "min", r.Min, "max", r.Max)
	}

	return &attempt{
		host:     host,
		user:     user,
		password: password,
		plan:     p,
		conn:     conn,
		bridge:   bridge,
		state:    StateDisconnected,
		logger:   logger,
		metrics:  e.Metrics,
	}, nil
}

// tlsConfig returns the per-attempt TLS configuration.
func (p *plan) tlsConfig(host string) *tls.Config {
	cfg := &tls.Config{}
	if p.baseTLS != nil {
		cfg = p.baseTLS.Clone()
	}
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		cfg.ServerName = host
	}
	switch {
	case p.sessionCache != nil:
		cfg.ClientSessionCache = p.sessionCache
	case cfg.ClientSessionCache == nil:
		cfg.ClientSessionCache = defaultSessionCache
	}
	return cfg
}

// attempt is one run through the establishment state machine.
type attempt struct {
	host     string
	user     string
	password string
	plan     *plan
	conn     Conn
	bridge   *SessionResumptionBridge
	state    State
	logger   *slog.Logger
	metrics  MetricsCollector
}

// advance runs t. On failure the attempt ends in StateFailed with the
// control connection closed.
func (a *attempt) advance(ctx context.Context, t transition) *Error {
	if a.state != t.from {
		return a.fail(&Error{
			Kind: t.kind,
			Host: a.host,
			Step: Step(t.name),
			Err:  fmt.Errorf("cannot run %s in state %s", t.name, a.state),
		})
	}

	start := time.Now()
	step, err := t.run(a, ctx)
	if a.metrics != nil {
		a.metrics.RecordStep(t.name, err == nil, time.Since(start))
	}
	if err != nil {
		e := &Error{Kind: t.kind, Host: a.host, Step: step, Err: err}
		if t.kind == KindAuthentication {
			e.User = a.user
		}
		return a.fail(e)
	}

	a.logger.Debug("ftps transition complete", "transition", t.name, "state", t.to)
	a.state = t.to
	return nil
}

func (a *attempt) fail(e *Error) *Error {
	a.state = StateFailed
	if a.conn.IsConnected() {
		if err := a.conn.Disconnect(); err != nil {
			a.logger.Warn("failed to close control connection", "error", err)
		}
	}
	a.logger.Warn("ftps connection establishment failed",
		"step", e.Step, "kind", e.Kind, "error", e.Err)
	return e
}

func (a *attempt) connect(ctx context.Context) (Step, error) {
	resp, err := a.conn.Connect(ctx)
	if err != nil {
		return StepConnect, err
	}
	if !resp.IsPositiveCompletion() {
		return StepConnect, &ftp.ProtocolError{Command: "CONNECT", Response: resp.Message, Code: resp.Code}
	}
	return StepConnect, nil
}

func (a *attempt) login(context.Context) (Step, error) {
	return StepLogin, a.conn.Login(a.user, a.password)
}

func (a *attempt) configureMode(context.Context) (Step, error) {
	// ASCII mode is not a fallback
	if err := a.conn.Type("I"); err != nil {
		return StepBinaryMode, err
	}
	if a.plan.dataTimeout > 0 {
		a.conn.SetDataTimeout(a.plan.dataTimeout)
	}
	if a.plan.workingDirectory != "" && !a.plan.userDirIsRoot {
		if err := a.conn.ChangeDir(a.plan.workingDirectory); err != nil {
			return StepChangeDir, err
		}
	}
	return StepChangeDir, nil
}

func (a *attempt) configureAddress(context.Context) (Step, error) {
	active, ok := a.plan.address.(ActiveMode)
	if !ok {
		a.conn.EnterPassiveMode()
		return StepAddressMode, nil
	}

	a.conn.EnterActiveMode()
	if active.ExternalIP != "" {
		if err := a.conn.SetActiveExternalIP(active.ExternalIP); err != nil {
			return StepAddressMode, err
		}
	}
	if active.ReportedIP != "" {
		if err := a.conn.SetReportedActiveIP(active.ReportedIP); err != nil {
			return StepAddressMode, err
		}
	}
	if active.PortRange.usable() {
		if err := a.conn.SetActivePortRange(active.PortRange.Min, active.PortRange.Max); err != nil {
			return StepAddressMode, err
		}
	}
	return StepAddressMode, nil
}

// negotiateProtection sends PBSZ 0 (streaming, the only size TLS uses) and
// PROT. Repeating it with the same level leaves the connection unchanged.
func (a *attempt) negotiateProtection(context.Context) (Step, error) {
	if err := a.conn.Pbsz(0); err != nil {
		return StepBufferSize, err
	}
	if err := a.conn.Prot(a.plan.protection); err != nil {
		return StepProtection, err
	}
	return StepProtection, nil
}
