package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// pasvRegex matches the PASV response format: 227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)
	pasvRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

	// epsvRegex matches the EPSV response format: 229 Entering Extended Passive Mode (|||port|)
	epsvRegex = regexp.MustCompile(`\(\|\|\|(\d+)\|\)`)
)

// DataSocket describes a data connection that has been opened but whose TLS
// handshake has not started yet.
type DataSocket struct {
	// Conn is the raw data connection
	Conn net.Conn

	// Host is the peer host as it was specified when the socket was opened:
	// the control host for EPSV, the address from the PASV reply, or the
	// remote address of an accepted active mode connection.
	Host string

	// Port is the peer port.
	Port string

	// SessionKey is the TLS session cache key the handshake will look up.
	SessionKey string
}

// DataConnHook is called for every protected data connection after the
// socket is open and before its TLS handshake. control is the control
// connection.
//
// The hook runs synchronously on the goroutine issuing the transfer.
type DataConnHook func(control *tls.Conn, data DataSocket)

// SessionKey returns the TLS session cache key used for a data connection to
// host:port. Keys are lowercase so hostnames compare case-insensitively.
func SessionKey(host, port string) string {
	return strings.ToLower(net.JoinHostPort(host, port))
}

// socketSessionCache scopes a shared session cache to a single data socket.
// crypto/tls keys sessions by ServerName, which every connection to the same
// server shares; keying by the data socket instead keeps a data channel from
// resuming a session that belongs to some other control connection.
type socketSessionCache struct {
	cache tls.ClientSessionCache
	key   string
}

func (s *socketSessionCache) Get(string) (*tls.ClientSessionState, bool) {
	return s.cache.Get(s.key)
}

func (s *socketSessionCache) Put(_ string, cs *tls.ClientSessionState) {
	s.cache.Put(s.key, cs)
}

// parsePASV parses a PASV response and returns the host and port.
// Example: "227 Entering Passive Mode (192,168,1,1,195,149)"
// Returns: "192.168.1.1:50069" (195*256 + 149 = 50069)
func parsePASV(response string) (string, error) {
	matches := pasvRegex.FindStringSubmatch(response)
	if len(matches) != 7 {
		return "", fmt.Errorf("invalid PASV response: %s", response)
	}

	var parts [6]int
	for i := range parts {
		val, err := strconv.Atoi(matches[i+1])
		if err != nil || val < 0 || val > 255 {
			return "", fmt.Errorf("invalid PASV field: %s", matches[i+1])
		}
		parts[i] = val
	}

	host := fmt.Sprintf("%d.%d.%d.%d", parts[0], parts[1], parts[2], parts[3])
	port := parts[4]*256 + parts[5]
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// parseEPSV parses an EPSV response and returns the port.
// Example: "229 Entering Extended Passive Mode (|||6446|)"
func parseEPSV(response string) (string, error) {
	matches := epsvRegex.FindStringSubmatch(response)
	if len(matches) != 2 {
		return "", fmt.Errorf("invalid EPSV response: %s", response)
	}

	port, err := strconv.Atoi(matches[1])
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("invalid EPSV port: %s", matches[1])
	}
	return matches[1], nil
}

// formatPORT formats an IPv4 address for the PORT command.
// Converts 192.168.1.100 and 50000 to "192,168,1,100,195,80".
func formatPORT(ip net.IP, port int) (string, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return "", fmt.Errorf("PORT requires IPv4 address")
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip4[0], ip4[1], ip4[2], ip4[3], port/256, port%256), nil
}

// formatEPRT formats an address for the EPRT command: |net-prt|net-addr|tcp-port|
// with net-prt 1 for IPv4 and 2 for IPv6.
func formatEPRT(ip net.IP, port int) string {
	family := 2
	if ip.To4() != nil {
		family = 1
	}
	return fmt.Sprintf("|%d|%s|%d|", family, ip.String(), port)
}

// resolveDataAddr replaces an unroutable 0.0.0.0 PASV address with the
// control connection host.
func resolveDataAddr(pasvAddr, controlHost string) string {
	host, port, err := net.SplitHostPort(pasvAddr)
	if err != nil {
		return pasvAddr
	}
	if host == "0.0.0.0" {
		return net.JoinHostPort(controlHost, port)
	}
	return pasvAddr
}

// openDataConn opens a data connection using either active or passive mode.
func (c *Client) openDataConn() (net.Conn, error) {
	if c.activeMode {
		return c.openActiveDataConn()
	}
	return c.openPassiveDataConn()
}

// openPassiveDataConn opens a data connection using EPSV, falling back to PASV.
func (c *Client) openPassiveDataConn() (net.Conn, error) {
	var addr string

	if !c.disableEPSV {
		if resp, err := c.sendCommand("EPSV"); err == nil {
			switch {
			case resp.Code == 502:
				c.disableEPSV = true
			case resp.IsPositiveCompletion():
				if port, err := parseEPSV(resp.String()); err == nil {
					addr = net.JoinHostPort(c.host, port)
				}
			}
		}
	}

	if addr == "" {
		resp, err := c.expect2xx("PASV")
		if err != nil {
			return nil, fmt.Errorf("PASV failed: %w", err)
		}
		addr, err = parsePASV(resp.String())
		if err != nil {
			return nil, err
		}
		addr = resolveDataAddr(addr, c.host)
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	raw, err := c.dial(context.Background(), addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to data port: %w", err)
	}

	conn := c.secureDataConn(raw, host, port)

	if timeout := c.effectiveDataTimeout(); timeout > 0 {
		return &dataConn{Conn: conn, idle: timeout}, nil
	}
	return conn, nil
}

// secureDataConn wraps a data socket in TLS when the protection level
// requires it. The data connection hook runs here, before any TLS record is
// sent; the handshake itself is left to startDataTLS because servers only
// start it once the transfer command has been accepted.
func (c *Client) secureDataConn(raw net.Conn, host, port string) net.Conn {
	if !c.dataProtected() {
		return raw
	}

	key := SessionKey(host, port)

	if c.dataConnHook != nil {
		c.mu.Lock()
		control, _ := c.conn.(*tls.Conn)
		c.mu.Unlock()
		if control != nil {
			c.dataConnHook(control, DataSocket{Conn: raw, Host: host, Port: port, SessionKey: key})
		}
	}

	config := c.tlsConfig.Clone()
	if config.ClientSessionCache != nil {
		config.ClientSessionCache = &socketSessionCache{cache: c.tlsConfig.ClientSessionCache, key: key}
	}
	return tls.Client(raw, config)
}

// startDataTLS runs the TLS handshake of a data connection returned by
// secureDataConn. Plain connections are left alone.
func (c *Client) startDataTLS(conn net.Conn) error {
	tlsConn := tlsLayer(conn)
	if tlsConn == nil {
		return nil
	}

	if c.timeout > 0 {
		if err := tlsConn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return fmt.Errorf("failed to set deadline: %w", err)
		}
	}
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("data connection TLS handshake failed: %w", err)
	}
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("failed to clear deadline: %w", err)
	}

	c.logger.Debug("data connection TLS established",
		"peer", tlsConn.RemoteAddr().String(), "resumed", tlsConn.ConnectionState().DidResume)
	return nil
}

// activeListenIP returns the address the active mode listener binds to.
func (c *Client) activeListenIP() net.IP {
	if c.activeExternalIP != nil {
		return c.activeExternalIP
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		if tcp, ok := c.conn.LocalAddr().(*net.TCPAddr); ok {
			return tcp.IP
		}
	}
	return net.IPv4(127, 0, 0, 1)
}

// listenActive opens the active mode listener on ip, honoring the port range.
func (c *Client) listenActive(ip net.IP) (net.Listener, error) {
	if c.activePortMin == 0 {
		return net.Listen("tcp", net.JoinHostPort(ip.String(), "0"))
	}

	// Start at a random offset so concurrent clients spread over the range
	span := c.activePortMax - c.activePortMin + 1
	start := rand.IntN(span)
	var lastErr error
	for i := range span {
		port := c.activePortMin + (start+i)%span
		l, err := net.Listen("tcp", net.JoinHostPort(ip.String(), strconv.Itoa(port)))
		if err == nil {
			return l, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in active range %d-%d: %w", c.activePortMin, c.activePortMax, lastErr)
}

// openActiveDataConn opens a data connection using active mode.
// The client listens on a local port and tells the server to connect to it.
func (c *Client) openActiveDataConn() (net.Conn, error) {
	listener, err := c.listenActive(c.activeListenIP())
	if err != nil && c.activeExternalIP != nil && c.activePortMin == 0 {
		// The external address may belong to a NAT gateway, not to us
		listener, err = net.Listen("tcp", ":0")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, fmt.Errorf("unexpected listener address %s", listener.Addr())
	}

	announce := tcpAddr.IP
	if c.reportedActiveIP != nil {
		announce = c.reportedActiveIP
	} else if c.activeExternalIP != nil {
		announce = c.activeExternalIP
	}

	// PORT is more widely supported by legacy servers; IPv6 requires EPRT
	cmd, arg := "EPRT", formatEPRT(announce, tcpAddr.Port)
	if announce.To4() != nil {
		cmd = "PORT"
		arg, _ = formatPORT(announce, tcpAddr.Port)
	}

	if _, err := c.expect2xx(cmd, arg); err != nil {
		listener.Close()
		return nil, fmt.Errorf("%s failed: %w", cmd, err)
	}

	// The server connects only after the transfer command is sent, so the
	// accept happens on first use.
	return &activeDataConn{
		client:   c,
		listener: listener,
		timeout:  c.effectiveDataTimeout(),
	}, nil
}

// activeDataConn wraps a listener for active mode connections.
type activeDataConn struct {
	client   *Client
	listener net.Listener
	conn     net.Conn
	timeout  time.Duration
}

func (a *activeDataConn) accept() error {
	if a.timeout > 0 {
		if l, ok := a.listener.(*net.TCPListener); ok {
			_ = l.SetDeadline(time.Now().Add(a.timeout))
		}
	}
	raw, err := a.listener.Accept()
	if err != nil {
		return err
	}

	host, port, err := net.SplitHostPort(raw.RemoteAddr().String())
	if err != nil {
		raw.Close()
		return err
	}

	// RFC 4217: the FTP client is the TLS client on the data connection
	// regardless of which side opened it.
	conn := a.client.secureDataConn(raw, host, port)
	if err := a.client.startDataTLS(conn); err != nil {
		raw.Close()
		return err
	}
	a.conn = conn
	return nil
}

func (a *activeDataConn) Read(p []byte) (n int, err error) {
	if a.conn == nil {
		if err := a.accept(); err != nil {
			return 0, err
		}
	}
	if a.timeout > 0 {
		_ = a.conn.SetReadDeadline(time.Now().Add(a.timeout))
	}
	return a.conn.Read(p)
}

func (a *activeDataConn) Write(p []byte) (n int, err error) {
	if a.conn == nil {
		if err := a.accept(); err != nil {
			return 0, err
		}
	}
	if a.timeout > 0 {
		_ = a.conn.SetWriteDeadline(time.Now().Add(a.timeout))
	}
	return a.conn.Write(p)
}

func (a *activeDataConn) Close() error {
	var connErr error
	if a.conn != nil {
		connErr = a.conn.Close()
	}
	return errors.Join(connErr, a.listener.Close())
}

func (a *activeDataConn) LocalAddr() net.Addr {
	if a.conn != nil {
		return a.conn.LocalAddr()
	}
	return a.listener.Addr()
}

func (a *activeDataConn) RemoteAddr() net.Addr {
	if a.conn != nil {
		return a.conn.RemoteAddr()
	}
	return nil
}

func (a *activeDataConn) SetDeadline(t time.Time) error {
	if a.conn != nil {
		return a.conn.SetDeadline(t)
	}
	return nil
}

func (a *activeDataConn) SetReadDeadline(t time.Time) error {
	if a.conn != nil {
		return a.conn.SetReadDeadline(t)
	}
	return nil
}

func (a *activeDataConn) SetWriteDeadline(t time.Time) error {
	if a.conn != nil {
		return a.conn.SetWriteDeadline(t)
	}
	return nil
}

// cmdDataConn opens a data connection, sends cmd and returns the data
// connection once the server has accepted the command with a 1xx or 2xx
// reply. The caller must call finishDataConn.
func (c *Client) cmdDataConn(cmd string, args ...string) (net.Conn, error) {
	dataConn, err := c.openDataConn()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.activeDataConn = dataConn
	c.mu.Unlock()

	resp, err := c.sendCommand(cmd, args...)
	if err == nil && !resp.IsPreliminary() && !resp.IsPositiveCompletion() {
		err = protocolError(cmd, resp)
	}
	if err == nil {
		err = c.startDataTLS(dataConn)
	}
	if err != nil {
		c.abortDataConn()
		return nil, err
	}
	return dataConn, nil
}

// finishDataConn closes the data connection and reads the final reply
// (usually 226 Transfer complete).
func (c *Client) finishDataConn(dataConn net.Conn) error {
	closeErr := dataConn.Close()

	c.mu.Lock()
	c.activeDataConn = nil
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	resp, err := c.readReplyLocked()
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to read completion response: %w", err)
	}

	c.logger.Debug("ftp data transfer complete", "code", resp.Code, "message", resp.Message)

	if !resp.IsPositiveCompletion() {
		return protocolError("DATA_TRANSFER", resp)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close data connection: %w", closeErr)
	}
	return nil
}
