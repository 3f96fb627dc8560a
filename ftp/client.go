package ftp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Client represents an FTP client connection.
//
// A Client is created unconnected by NewClient, configured, and then
// connected with Connect. Dial does all three for simple uses.
type Client struct {
	// conn is the control connection; a *tls.Conn once TLS is active
	conn net.Conn

	// reader is a buffered reader for the control channel
	reader *bufio.Reader

	// tlsConfig is the TLS configuration (nil for plain FTP)
	tlsConfig *tls.Config

	// tlsMode indicates whether TLS is disabled, explicit, or implicit
	tlsMode tlsMode

	// timeout bounds dialing, TLS handshakes and control round trips
	timeout time.Duration

	// dataTimeout bounds inactivity on data connections; falls back to timeout
	dataTimeout time.Duration

	logger *slog.Logger

	// customDialer replaces the default net.Dialer when set
	customDialer Dialer

	// host and port of the control connection as given by the caller
	host string
	port string

	// activeMode selects PORT/EPRT instead of EPSV/PASV
	activeMode bool

	// disableEPSV forces PASV once the server has rejected EPSV with 502
	disableEPSV bool

	// active mode addressing
	activeExternalIP net.IP
	reportedActiveIP net.IP
	activePortMin    int
	activePortMax    int

	// protLevel is the data channel protection level accepted by the
	// server ("" until PROT succeeds)
	protLevel string

	// pbszSent records a successful PBSZ
	pbszSent bool

	dataConnHook DataConnHook

	listing ListingConfig

	// currentType tracks the current transfer type to avoid redundant TYPE commands
	currentType string

	// mu serializes control channel round trips and guards conn
	mu sync.Mutex

	// activeDataConn tracks the currently open data connection
	activeDataConn net.Conn
}

// NewClient returns an unconnected client for the server at addr
// ("host:port"). Options are applied immediately; no network I/O happens
// until Connect.
func NewClient(addr string, options ...Option) (*Client, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	c := &Client{
		host:    host,
		port:    port,
		timeout: 30 * time.Second,
		tlsMode: tlsModeNone,
		logger:  slog.New(slog.DiscardHandler),
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if c.tlsConfig != nil && c.tlsConfig.ServerName == "" && !c.tlsConfig.InsecureSkipVerify {
		c.tlsConfig.ServerName = host
	}

	return c, nil
}

// Dial connects to an FTP server at the given address.
// The address should be in the form "host:port". A greeting other than a
// positive completion reply is returned as a *ProtocolError.
//
// Example with Explicit TLS:
//
//	client, err := ftp.Dial("ftp.example.com:21",
//	    ftp.WithExplicitTLS(&tls.Config{ServerName: "ftp.example.com"}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Quit()
func Dial(addr string, options ...Option) (*Client, error) {
	c, err := NewClient(addr, options...)
	if err != nil {
		return nil, err
	}

	resp, err := c.Connect(context.Background())
	if err != nil {
		return nil, err
	}
	if !resp.IsPositiveCompletion() {
		_ = c.Disconnect()
		return nil, protocolError("CONNECT", resp)
	}
	return c, nil
}

func (c *Client) dialer() Dialer {
	if c.customDialer != nil {
		return c.customDialer
	}
	return &net.Dialer{Timeout: c.timeout}
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.dialer().DialContext(ctx, "tcp", addr)
}

// Connect opens the control connection and reads the server greeting.
//
// For implicit TLS the handshake happens right after the TCP connect. For
// explicit TLS the client sends AUTH TLS and upgrades only when the greeting
// is a positive completion. A negative greeting is returned with a nil error
// and the connection left open: a server may accept the TCP connection and
// then refuse service, and the caller decides what that means.
//
// On any error the connection is closed before Connect returns.
func (c *Client) Connect(ctx context.Context) (*Response, error) {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if connected {
		return nil, fmt.Errorf("ftp: already connected")
	}

	addr := net.JoinHostPort(c.host, c.port)
	c.logger.Debug("connecting to ftp server", "addr", addr, "tls_mode", c.tlsMode)

	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if c.tlsMode == tlsModeImplicit {
		tlsConn, err := c.handshake(conn, c.tlsConfig)
		if err != nil {
			conn.Close()
			return nil, err
		}
		c.logger.Debug("TLS handshake complete", "mode", "implicit")
		conn = tlsConn
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	resp, err := c.readReplyLocked()
	c.mu.Unlock()
	if err != nil {
		_ = c.Disconnect()
		return nil, fmt.Errorf("failed to read greeting: %w", err)
	}

	c.logger.Debug("ftp greeting", "code", resp.Code, "message", resp.Message)

	if !resp.IsPositiveCompletion() {
		return resp, nil
	}

	if c.tlsMode == tlsModeExplicit {
		if err := c.upgradeToTLS(); err != nil {
			_ = c.Disconnect()
			return nil, err
		}
	}

	return resp, nil
}

// handshake runs a client-side TLS handshake bounded by the client timeout.
func (c *Client) handshake(conn net.Conn, config *tls.Config) (*tls.Conn, error) {
	tlsConn := tls.Client(conn, config)

	if c.timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("failed to set deadline: %w", err)
		}
	}
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("failed to clear deadline: %w", err)
	}
	return tlsConn, nil
}

// upgradeToTLS upgrades the control connection using AUTH TLS.
// PBSZ and PROT are left to the caller.
func (c *Client) upgradeToTLS() error {
	if _, err := c.expectCode(234, "AUTH", "TLS"); err != nil {
		return fmt.Errorf("AUTH TLS failed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("starting TLS handshake", "mode", "explicit")
	tlsConn, err := c.handshake(c.conn, c.tlsConfig)
	if err != nil {
		return err
	}
	c.logger.Debug("TLS handshake complete", "mode", "explicit")

	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	return nil
}

// Login authenticates with the FTP server using the provided username and password.
func (c *Client) Login(username, password string) error {
	resp, err := c.sendCommand("USER", username)
	if err != nil {
		return err
	}

	// 230: logged in without a password
	if resp.Code == 230 {
		return nil
	}

	if resp.Code != 331 {
		return protocolError("USER", resp)
	}

	_, err = c.expectCode(230, "PASS", password)
	return err
}

// Type sets the transfer type (e.g., "A", "I").
func (c *Client) Type(transferType string) error {
	if c.currentType == transferType {
		c.logger.Debug("transfer type already set, skipping TYPE command", "type", transferType)
		return nil
	}

	if _, err := c.expectCode(200, "TYPE", transferType); err != nil {
		return err
	}
	c.currentType = transferType
	return nil
}

// SetDataTimeout sets the inactivity timeout applied to data connections.
// Zero falls back to the client timeout.
func (c *Client) SetDataTimeout(timeout time.Duration) {
	c.dataTimeout = timeout
}

func (c *Client) effectiveDataTimeout() time.Duration {
	if c.dataTimeout > 0 {
		return c.dataTimeout
	}
	return c.timeout
}

// ChangeDir changes the current working directory.
func (c *Client) ChangeDir(path string) error {
	_, err := c.expect2xx("CWD", path)
	return err
}

// CurrentDir returns the current working directory.
func (c *Client) CurrentDir() (string, error) {
	resp, err := c.expect2xx("PWD")
	if err != nil {
		return "", err
	}

	// 257 "/home/user" is the current directory
	_, rest, ok := strings.Cut(resp.Message, "\"")
	if !ok {
		return "", fmt.Errorf("invalid PWD response: %s", resp.Message)
	}
	dir, _, ok := strings.Cut(rest, "\"")
	if !ok {
		return "", fmt.Errorf("invalid PWD response: %s", resp.Message)
	}
	return dir, nil
}

// EnterPassiveMode makes subsequent data connections use EPSV/PASV.
func (c *Client) EnterPassiveMode() {
	c.activeMode = false
}

// EnterActiveMode makes subsequent data connections use PORT/EPRT.
func (c *Client) EnterActiveMode() {
	c.activeMode = true
}

// SetActiveExternalIP sets the local address the active mode listener binds
// to. It is also announced to the server unless SetReportedActiveIP is used.
func (c *Client) SetActiveExternalIP(ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("invalid active external IP address: %q", ip)
	}
	c.activeExternalIP = parsed
	return nil
}

// SetReportedActiveIP sets the address announced in PORT/EPRT, typically the
// public address of a NAT gateway in front of the client.
func (c *Client) SetReportedActiveIP(ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("invalid reported active IP address: %q", ip)
	}
	c.reportedActiveIP = parsed
	return nil
}

// SetActivePortRange restricts the local ports used by the active mode listener.
func (c *Client) SetActivePortRange(minPort, maxPort int) error {
	if minPort < 1 || maxPort > 65535 || minPort > maxPort {
		return fmt.Errorf("invalid active port range %d-%d", minPort, maxPort)
	}
	c.activePortMin = minPort
	c.activePortMax = maxPort
	return nil
}

// Pbsz sends PBSZ (protection buffer size). Zero selects streaming, the only
// size meaningful for TLS.
func (c *Client) Pbsz(size int) error {
	if _, err := c.expectCode(200, "PBSZ", strconv.Itoa(size)); err != nil {
		return err
	}
	c.pbszSent = true
	return nil
}

// Prot sends PROT with the given data channel protection level ("C", "S",
// "E" or "P"). Data connections are wrapped in TLS for any level other than
// "C" once the server accepts it.
func (c *Client) Prot(level string) error {
	level = strings.ToUpper(level)
	if _, err := c.expectCode(200, "PROT", level); err != nil {
		return err
	}
	c.protLevel = level
	return nil
}

// ProtectionLevel returns the data channel protection level accepted by the
// server, or "" if PROT has not succeeded yet.
func (c *Client) ProtectionLevel() string {
	return c.protLevel
}

// dataProtected reports whether data connections must be wrapped in TLS.
func (c *Client) dataProtected() bool {
	return c.tlsConfig != nil && c.protLevel != "" && c.protLevel != "C"
}

// TLSConfig returns the client's TLS configuration, or nil for plain FTP.
// Changes made before Connect affect every connection of this client.
func (c *Client) TLSConfig() *tls.Config {
	return c.tlsConfig
}

// RestrictTLSVersions limits the TLS versions the client will negotiate.
func (c *Client) RestrictTLSVersions(minVersion, maxVersion uint16) error {
	if c.tlsConfig == nil {
		return fmt.Errorf("ftp: TLS is not enabled")
	}
	if minVersion > maxVersion {
		return fmt.Errorf("ftp: invalid TLS version range %#04x-%#04x", minVersion, maxVersion)
	}
	c.tlsConfig.MinVersion = minVersion
	c.tlsConfig.MaxVersion = maxVersion
	return nil
}

// SetDataConnHook replaces the hook called for protected data connections.
func (c *Client) SetDataConnHook(hook DataConnHook) {
	c.dataConnHook = hook
}

// Host returns the control connection host as given to NewClient.
func (c *Client) Host() string {
	return c.host
}

// IsConnected reports whether the control connection is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Noop sends a NOOP command to the server.
func (c *Client) Noop() error {
	_, err := c.expect2xx("NOOP")
	return err
}

// Quote sends a raw command to the server and returns the response.
func (c *Client) Quote(command string, args ...string) (*Response, error) {
	return c.sendCommand(command, args...)
}

// Quit sends QUIT and closes the connection.
// If a file transfer is in progress, it is aborted by closing the data connection.
func (c *Client) Quit() error {
	if !c.IsConnected() {
		return nil
	}

	c.abortDataConn()

	// Ignore QUIT errors, the connection is closed anyway
	_, _ = c.sendCommand("QUIT")

	return c.Disconnect()
}

// Disconnect closes the control connection and any open data connection
// without sending QUIT. Calling it on a closed client is a no-op.
func (c *Client) Disconnect() error {
	var result *multierror.Error

	if dc := c.takeDataConn(); dc != nil {
		if err := dc.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close data connection: %w", err))
		}
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.reader = nil
	c.mu.Unlock()

	if conn != nil {
		c.logger.Debug("closing control connection", "addr", net.JoinHostPort(c.host, c.port))
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close control connection: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// takeDataConn detaches the active data connection, if any.
func (c *Client) takeDataConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	dc := c.activeDataConn
	c.activeDataConn = nil
	return dc
}

func (c *Client) abortDataConn() {
	if dc := c.takeDataConn(); dc != nil {
		dc.Close()
	}
}
