// Package ftptest provides a scripted FTP/FTPS server for tests.
//
// The server understands the small command set the ftp and ftps packages
// use. Any command can be overridden with a Handler.
package ftptest

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Handler handles one command on a session.
type Handler func(s *Session, args string)

// Option configures a Server.
type Option func(*Server)

// WithTLS enables AUTH TLS using cfg.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// WithImplicitTLS serves TLS from the first byte using cfg.
func WithImplicitTLS(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
		s.implicit = true
	}
}

// WithGreeting replaces the "220 Service ready" greeting.
func WithGreeting(line string) Option {
	return func(s *Server) {
		s.greeting = line
	}
}

// WithHandler overrides the built-in handling of cmd.
func WithHandler(cmd string, h Handler) Option {
	return func(s *Server) {
		s.handlers[strings.ToUpper(cmd)] = h
	}
}

// WithListing sets the lines returned by LIST.
func WithListing(lines ...string) Option {
	return func(s *Server) {
		s.listing = lines
	}
}

// WithFile makes path retrievable.
func WithFile(path string, data []byte) Option {
	return func(s *Server) {
		s.files[path] = data
	}
}

// Server is a scripted FTP server listening on 127.0.0.1.
type Server struct {
	// Addr is the "host:port" the server listens on
	Addr string

	listener  net.Listener
	tlsConfig *tls.Config
	implicit  bool
	greeting  string
	handlers  map[string]Handler
	listing   []string

	mu          sync.Mutex
	files       map[string][]byte
	commands    []string
	dataResumed []bool
	sessions    int

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewServer starts a server.
func NewServer(options ...Option) (*Server, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		Addr:     l.Addr().String(),
		listener: l,
		greeting: "220 Service ready",
		handlers: make(map[string]Handler),
		files:    make(map[string][]byte),
		closed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Port returns the control port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Close stops the server and waits for its sessions to end.
func (s *Server) Close() {
	select {
	case <-s.closed:
		return
	default:
		close(s.closed)
	}
	s.listener.Close()
	s.wg.Wait()
}

// Commands returns the commands received so far, upper case, without arguments.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// CommandCount returns how often cmd was received.
func (s *Server) CommandCount(cmd string) int {
	n := 0
	for _, c := range s.Commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

// DataResumed reports, per protected data connection, whether its TLS
// handshake resumed a session.
func (s *Server) DataResumed() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.dataResumed...)
}

// Sessions returns the number of control connections accepted.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// File returns the content stored under path.
func (s *Server) File(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	return data, ok
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.sessions++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) record(cmd string) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()
}

func (s *Server) handle(conn net.Conn) {
	sess := &Session{server: s, conn: conn}
	defer sess.close()

	go func() {
		<-s.closed
		conn.Close()
	}()

	if s.implicit {
		tlsConn := tls.Server(conn, s.tlsConfig)
		if err := handshake(tlsConn); err != nil {
			return
		}
		sess.conn = tlsConn
		sess.secure = true
	}
	sess.text = textproto.NewConn(sess.conn)

	sess.Reply("%s", s.greeting)
	if !strings.HasPrefix(s.greeting, "2") {
		// Keep the connection open until the client gives up,
		// like servers refusing service do.
		_, _ = io.Copy(io.Discard, sess.conn)
		return
	}

	for {
		line, err := sess.text.ReadLine()
		if err != nil {
			return
		}

		cmd, args, _ := strings.Cut(line, " ")
		cmd = strings.ToUpper(cmd)
		s.record(cmd)

		if h, ok := s.handlers[cmd]; ok {
			h(sess, args)
			if sess.done {
				return
			}
			continue
		}
		if !sess.Default(cmd, args) {
			return
		}
	}
}

func handshake(conn *tls.Conn) error {
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := conn.Handshake(); err != nil {
		return err
	}
	return conn.SetDeadline(time.Time{})
}

// Session is one control connection.
type Session struct {
	server *Server
	conn   net.Conn
	text   *textproto.Conn

	secure    bool
	protLevel string
	passive   net.Listener
	active    string
	done      bool
}

// Reply writes one reply line.
func (s *Session) Reply(format string, args ...any) {
	_ = s.text.PrintfLine(format, args...)
}

// Hangup ends the session after the current handler returns.
func (s *Session) Hangup() {
	s.done = true
}

// Protected reports whether PROT negotiated a protected data channel.
func (s *Session) Protected() bool {
	return s.secure && s.protLevel != "" && s.protLevel != "C"
}

// ListenPassive opens a passive data listener and returns its port.
func (s *Session) ListenPassive() (int, error) {
	if s.passive != nil {
		s.passive.Close()
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	s.passive = l
	return l.Addr().(*net.TCPAddr).Port, nil
}

// DataConn returns the data connection for a transfer: the accepted
// passive connection, or a connection dialed to the PORT/EPRT address.
// It is wrapped in TLS when the data channel is protected; the server is
// the TLS server either way.
func (s *Session) DataConn() (net.Conn, error) {
	var raw net.Conn
	var err error
	switch {
	case s.passive != nil:
		if l, ok := s.passive.(*net.TCPListener); ok {
			_ = l.SetDeadline(time.Now().Add(5 * time.Second))
		}
		raw, err = s.passive.Accept()
		s.passive.Close()
		s.passive = nil
	case s.active != "":
		raw, err = net.DialTimeout("tcp", s.active, 5*time.Second)
		s.active = ""
	default:
		return nil, fmt.Errorf("no data connection set up")
	}
	if err != nil {
		return nil, err
	}

	if !s.Protected() {
		return raw, nil
	}

	tlsConn := tls.Server(raw, s.server.tlsConfig)
	if err := handshake(tlsConn); err != nil {
		raw.Close()
		return nil, err
	}

	s.server.mu.Lock()
	s.server.dataResumed = append(s.server.dataResumed, tlsConn.ConnectionState().DidResume)
	s.server.mu.Unlock()
	return tlsConn, nil
}

func (s *Session) close() {
	if s.passive != nil {
		s.passive.Close()
	}
	s.conn.Close()
}

// Default runs the built-in handling of cmd and reports whether the session
// continues. Handlers may call it after inspecting a command.
func (s *Session) Default(cmd, args string) bool {
	switch cmd {
	case "USER":
		s.Reply("331 User name okay, need password.")
	case "PASS":
		s.Reply("230 User logged in, proceed.")
	case "QUIT":
		s.Reply("221 Service closing control connection.")
		return false
	case "TYPE", "NOOP", "PBSZ":
		s.Reply("200 Command okay.")
	case "AUTH":
		if s.server.tlsConfig == nil || s.secure || !strings.EqualFold(args, "TLS") {
			s.Reply("504 Security mechanism not understood.")
			return true
		}
		s.Reply("234 Proceed with negotiation.")
		tlsConn := tls.Server(s.conn, s.server.tlsConfig)
		if err := handshake(tlsConn); err != nil {
			return false
		}
		s.conn = tlsConn
		s.secure = true
		s.text = textproto.NewConn(tlsConn)
	case "PROT":
		if !s.secure {
			s.Reply("503 PBSZ/PROT require a secure connection.")
			return true
		}
		s.protLevel = strings.ToUpper(args)
		s.Reply("200 Protection level set to %s.", s.protLevel)
	case "CWD":
		s.Reply("250 Directory changed.")
	case "PWD":
		s.Reply("257 \"/\" is the current directory.")
	case "EPSV":
		port, err := s.ListenPassive()
		if err != nil {
			s.Reply("425 Cannot open data connection.")
			return true
		}
		s.Reply("229 Entering Extended Passive Mode (|||%d|)", port)
	case "PASV":
		port, err := s.ListenPassive()
		if err != nil {
			s.Reply("425 Cannot open data connection.")
			return true
		}
		s.Reply("227 Entering Passive Mode (127,0,0,1,%d,%d).", port/256, port%256)
	case "PORT":
		addr, err := parsePORT(args)
		if err != nil {
			s.Reply("501 Syntax error in parameters.")
			return true
		}
		s.active = addr
		s.Reply("200 PORT command successful.")
	case "EPRT":
		addr, err := parseEPRT(args)
		if err != nil {
			s.Reply("501 Syntax error in parameters.")
			return true
		}
		s.active = addr
		s.Reply("200 EPRT command successful.")
	case "LIST":
		s.Reply("150 Here comes the directory listing.")
		dc, err := s.DataConn()
		if err != nil {
			s.Reply("425 Cannot open data connection.")
			return true
		}
		for _, line := range s.server.listing {
			fmt.Fprintf(dc, "%s\r\n", line)
		}
		dc.Close()
		s.Reply("226 Directory send OK.")
	case "STOR":
		s.Reply("150 Ok to send data.")
		dc, err := s.DataConn()
		if err != nil {
			s.Reply("425 Cannot open data connection.")
			return true
		}
		var buf bytes.Buffer
		_, err = io.Copy(&buf, dc)
		dc.Close()
		if err != nil {
			s.Reply("426 Connection closed; transfer aborted.")
			return true
		}
		s.server.mu.Lock()
		s.server.files[args] = buf.Bytes()
		s.server.mu.Unlock()
		s.Reply("226 Transfer complete.")
	case "RETR":
		data, ok := s.server.File(args)
		if !ok {
			s.Reply("550 Failed to open file.")
			return true
		}
		s.Reply("150 Opening BINARY mode data connection.")
		dc, err := s.DataConn()
		if err != nil {
			s.Reply("425 Cannot open data connection.")
			return true
		}
		_, _ = dc.Write(data)
		dc.Close()
		s.Reply("226 Transfer complete.")
	default:
		s.Reply("502 Command not implemented.")
	}
	return true
}

// parsePORT parses "h1,h2,h3,h4,p1,p2".
func parsePORT(args string) (string, error) {
	parts := strings.Split(args, ",")
	if len(parts) != 6 {
		return "", fmt.Errorf("invalid PORT argument %q", args)
	}
	var n [6]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 || v > 255 {
			return "", fmt.Errorf("invalid PORT argument %q", args)
		}
		n[i] = v
	}
	host := fmt.Sprintf("%d.%d.%d.%d", n[0], n[1], n[2], n[3])
	return net.JoinHostPort(host, strconv.Itoa(n[4]*256+n[5])), nil
}

// parseEPRT parses "|1|132.235.1.2|6275|".
func parseEPRT(args string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("invalid EPRT argument %q", args)
	}
	fields := strings.Split(args[1:len(args)-1], args[:1])
	if len(fields) != 3 || net.ParseIP(fields[1]) == nil {
		return "", fmt.Errorf("invalid EPRT argument %q", args)
	}
	return net.JoinHostPort(fields[1], fields[2]), nil
}
