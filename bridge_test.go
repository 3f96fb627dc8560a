package ftps

import (
	"bytes"
	"crypto/tls"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gonzalop/ftps/ftp"
	"github.com/gonzalop/ftps/internal/ftptest"
)

// countingCache is a session cache that records writes.
type countingCache struct {
	inner tls.ClientSessionCache

	mu   sync.Mutex
	puts map[string]*tls.ClientSessionState
	n    int
}

func newCountingCache() *countingCache {
	return &countingCache{
		inner: tls.NewLRUClientSessionCache(16),
		puts:  make(map[string]*tls.ClientSessionState),
	}
}

func (c *countingCache) Get(key string) (*tls.ClientSessionState, bool) {
	return c.inner.Get(key)
}

func (c *countingCache) Put(key string, cs *tls.ClientSessionState) {
	c.mu.Lock()
	c.puts[key] = cs
	c.n++
	c.mu.Unlock()
	c.inner.Put(key, cs)
}

func (c *countingCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts = make(map[string]*tls.ClientSessionState)
	c.n = 0
}

func (c *countingCache) writes() (int, map[string]*tls.ClientSessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n, c.puts
}

// panicCache blows up on writes.
type panicCache struct{ *countingCache }

func (c *panicCache) Put(key string, cs *tls.ClientSessionState) {
	if strings.Contains(key, ":") {
		panic("cache is broken")
	}
	c.countingCache.Put(key, cs)
}

// addrConn overrides the remote address of a connection.
type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c *addrConn) RemoteAddr() net.Addr { return c.remote }

func tcpAddr(ip string, port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

// handshakeControl brings up a TLS 1.2 control connection through b whose
// peer appears as 10.0.0.5:21.
func handshakeControl(t *testing.T, b *SessionResumptionBridge, shared tls.ClientSessionCache, controlHost string) (*tls.Conn, *tls.Config) {
	t.Helper()
	serverTLS, clientTLS, err := ftptest.TLSConfigs()
	if err != nil {
		t.Fatal(err)
	}
	serverTLS.MaxVersion = tls.VersionTLS12
	clientTLS.ServerName = "localhost"
	clientTLS.ClientSessionCache = shared

	b.Attach(clientTLS, controlHost)

	c1, c2 := net.Pipe()
	client := tls.Client(&addrConn{Conn: c1, remote: tcpAddr("10.0.0.5", 21)}, clientTLS)
	server := tls.Server(c2, serverTLS)
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})

	errc := make(chan error, 1)
	go func() { errc <- server.Handshake() }()
	if err := client.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
	return client, clientTLS
}

func dataSocket(host string, remote net.Addr) ftp.DataSocket {
	_, port, _ := net.SplitHostPort(remote.String())
	return ftp.DataSocket{
		Conn:       &addrConn{remote: remote},
		Host:       host,
		Port:       port,
		SessionKey: ftp.SessionKey(host, port),
	}
}

func TestProbeSessionCache(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  *tls.Config
		want bool
	}{
		{"no TLS", nil, false},
		{"tickets disabled", &tls.Config{SessionTicketsDisabled: true, ClientSessionCache: tls.NewLRUClientSessionCache(1)}, false},
		{"no cache", &tls.Config{}, false},
		{"usable", &tls.Config{ClientSessionCache: tls.NewLRUClientSessionCache(1)}, true},
	}
	for _, tt := range tests {
		a := ProbeSessionCache(tt.cfg)
		if a.Supported() != tt.want {
			t.Errorf("%s: Supported() = %v, want %v", tt.name, a.Supported(), tt.want)
		}
		if !tt.want && a.Reason() == "" {
			t.Errorf("%s: unsupported accessor without a reason", tt.name)
		}
	}
}

func TestBridge_InjectsTwoEntries(t *testing.T) {
	t.Parallel()
	shared := newCountingCache()
	b := NewSessionResumptionBridge(nil)
	b.SetRequireSessionReuse(true)
	if !b.RequireSessionReuse() {
		t.Fatal("RequireSessionReuse() = false after enabling")
	}

	control, cfg := handshakeControl(t, b, shared, "localhost")
	if _, ok := cfg.ClientSessionCache.(*sessionRecorder); !ok {
		t.Fatalf("recording cache not installed, got %T", cfg.ClientSessionCache)
	}
	session, _ := b.recorder.control()
	if session == nil {
		t.Fatal("control session not recorded")
	}
	shared.reset()

	b.PrepareDataSocket(control, dataSocket("10.0.0.5", tcpAddr("10.0.0.5", 50000)))

	n, puts := shared.writes()
	if n != 2 {
		t.Fatalf("cache writes = %d, want 2", n)
	}
	for _, key := range []string{"localhost:50000", "10.0.0.5:50000"} {
		cs, ok := puts[key]
		if !ok {
			t.Errorf("no entry for %s, got %v", key, puts)
			continue
		}
		if cs != session {
			t.Errorf("entry %s does not reference the control session", key)
		}
	}
	if got := b.Injections(); got != 2 {
		t.Errorf("Injections() = %d, want 2", got)
	}

	// Every further data socket adds exactly two more
	b.PrepareDataSocket(control, dataSocket("localhost", tcpAddr("10.0.0.5", 50001)))
	if n, _ := shared.writes(); n != 4 {
		t.Errorf("cache writes after second socket = %d, want 4", n)
	}
}

func TestBridge_DisabledWritesNothing(t *testing.T) {
	t.Parallel()
	shared := newCountingCache()
	b := NewSessionResumptionBridge(nil)

	control, cfg := handshakeControl(t, b, shared, "localhost")
	if cfg.ClientSessionCache != shared {
		t.Fatal("disabled bridge replaced the session cache")
	}
	shared.reset()

	for port := 50000; port < 50005; port++ {
		b.PrepareDataSocket(control, dataSocket("10.0.0.5", tcpAddr("10.0.0.5", port)))
	}
	if n, _ := shared.writes(); n != 0 {
		t.Errorf("cache writes = %d, want 0", n)
	}
	if b.Injections() != 0 {
		t.Errorf("Injections() = %d", b.Injections())
	}
}

func TestBridge_UnsupportedLoggedOnce(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	b := NewSessionResumptionBridge(slog.New(slog.NewTextHandler(&buf, nil)))
	b.SetRequireSessionReuse(true)

	cfg := &tls.Config{SessionTicketsDisabled: true, ClientSessionCache: newCountingCache()}
	if a := b.Attach(cfg, "localhost"); a.Supported() {
		t.Fatal("accessor supported with tickets disabled")
	}
	if _, ok := cfg.ClientSessionCache.(*sessionRecorder); ok {
		t.Error("recording cache installed on unsupported configuration")
	}

	for port := 50000; port < 50003; port++ {
		b.PrepareDataSocket(nil, dataSocket("10.0.0.5", tcpAddr("10.0.0.5", port)))
	}
	if n := strings.Count(buf.String(), "TLS session reuse unavailable"); n != 1 {
		t.Errorf("unsupported warning logged %d times, want 1:\n%s", n, buf.String())
	}
	if !strings.Contains(buf.String(), ErrSessionCacheUnavailable.Error()) {
		t.Error("warning does not carry ErrSessionCacheUnavailable")
	}
}

func TestBridge_NotResumable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup func(b *SessionResumptionBridge, cfg *tls.Config)
	}{
		{
			name: "evicted",
			setup: func(b *SessionResumptionBridge, cfg *tls.Config) {
				cfg.ClientSessionCache.Put(cfg.ServerName, nil)
			},
		},
		{
			name: "expired",
			setup: func(b *SessionResumptionBridge, _ *tls.Config) {
				b.now = func() time.Time { return time.Now().Add(DefaultSessionLifetime + time.Minute) }
			},
		},
		{
			name: "short lifetime",
			setup: func(b *SessionResumptionBridge, _ *tls.Config) {
				b.SetSessionLifetime(time.Nanosecond)
				b.now = func() time.Time { return time.Now().Add(time.Second) }
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			shared := newCountingCache()
			var buf bytes.Buffer
			b := NewSessionResumptionBridge(slog.New(slog.NewTextHandler(&buf, nil)))
			b.SetRequireSessionReuse(true)

			control, cfg := handshakeControl(t, b, shared, "localhost")
			tt.setup(b, cfg)
			shared.reset()

			b.PrepareDataSocket(control, dataSocket("10.0.0.5", tcpAddr("10.0.0.5", 50000)))
			if n, _ := shared.writes(); n != 0 {
				t.Errorf("cache writes = %d, want 0", n)
			}
			if !strings.Contains(buf.String(), "level=WARN") {
				t.Errorf("no warning logged:\n%s", buf.String())
			}
		})
	}
}

func TestBridge_IncompleteControlHandshake(t *testing.T) {
	t.Parallel()
	shared := newCountingCache()
	b := NewSessionResumptionBridge(nil)
	b.SetRequireSessionReuse(true)
	_, cfg := handshakeControl(t, b, shared, "localhost")
	shared.reset()

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	pending := tls.Client(c1, cfg)

	b.PrepareDataSocket(pending, dataSocket("10.0.0.5", tcpAddr("10.0.0.5", 50000)))
	if n, _ := shared.writes(); n != 0 {
		t.Errorf("cache writes = %d, want 0", n)
	}
}

func TestBridge_RecoversCachePanic(t *testing.T) {
	t.Parallel()
	shared := &panicCache{countingCache: newCountingCache()}
	var buf bytes.Buffer
	b := NewSessionResumptionBridge(slog.New(slog.NewTextHandler(&buf, nil)))
	b.SetRequireSessionReuse(true)

	control, _ := handshakeControl(t, b, shared, "localhost")

	b.PrepareDataSocket(control, dataSocket("10.0.0.5", tcpAddr("10.0.0.5", 50000)))
	if !strings.Contains(buf.String(), "cache is broken") {
		t.Errorf("panic not logged:\n%s", buf.String())
	}
}

func TestBridge_DataSocketKeys(t *testing.T) {
	t.Parallel()
	control := tls.Client(&addrConn{remote: tcpAddr("10.0.0.5", 21)}, &tls.Config{})

	tests := []struct {
		name        string
		controlHost string
		data        ftp.DataSocket
		wantHost    string
		wantAddr    string
	}{
		{
			name:        "EPSV host name",
			controlHost: "FTP.Example.com",
			data:        dataSocket("FTP.Example.com", tcpAddr("10.0.0.5", 6000)),
			wantHost:    "ftp.example.com:6000",
			wantAddr:    "10.0.0.5:6000",
		},
		{
			name:        "PASV address of the control peer",
			controlHost: "ftp.example.com",
			data:        dataSocket("10.0.0.5", tcpAddr("10.0.0.5", 6001)),
			wantHost:    "ftp.example.com:6001",
			wantAddr:    "10.0.0.5:6001",
		},
		{
			name:        "PASV address of another host",
			controlHost: "ftp.example.com",
			data:        dataSocket("10.0.0.9", tcpAddr("10.0.0.9", 6002)),
			wantHost:    "10.0.0.9:6002",
			wantAddr:    "10.0.0.9:6002",
		},
		{
			name:        "control host is an address",
			controlHost: "10.0.0.5",
			data:        dataSocket("10.0.0.5", tcpAddr("10.0.0.5", 6003)),
			wantHost:    "10.0.0.5:6003",
			wantAddr:    "10.0.0.5:6003",
		},
		{
			name:        "IPv6 peer",
			controlHost: "ftp.example.com",
			data:        dataSocket("2001:db8::7", tcpAddr("2001:db8::7", 6004)),
			wantHost:    "[2001:db8::7]:6004",
			wantAddr:    "[2001:db8::7]:6004",
		},
	}

	for _, tt := range tests {
		b := NewSessionResumptionBridge(nil)
		b.controlHost = tt.controlHost
		hostKey, addrKey := b.dataSocketKeys(control, tt.data)
		if hostKey != tt.wantHost || addrKey != tt.wantAddr {
			t.Errorf("%s: keys = %q, %q, want %q, %q", tt.name, hostKey, addrKey, tt.wantHost, tt.wantAddr)
		}
	}
}

func TestSessionRecorder(t *testing.T) {
	t.Parallel()
	inner := newCountingCache()
	r := newSessionRecorder(inner, "")
	cs := &tls.ClientSessionState{}

	// First key seen becomes the control key
	r.Get("127.0.0.1:21")
	r.Put("127.0.0.1:21", cs)
	r.Put("127.0.0.1:50000", &tls.ClientSessionState{})

	got, storedAt := r.control()
	if got != cs {
		t.Error("control session not recorded")
	}
	if storedAt.IsZero() {
		t.Error("storage time not recorded")
	}
	// Sessions issued on data sockets stay out of the shared cache
	if n, puts := inner.writes(); n != 1 || puts["127.0.0.1:21"] != cs {
		t.Errorf("forwarded writes = %d %v, want only the control session", n, puts)
	}

	r.Put("127.0.0.1:21", nil)
	if got, _ := r.control(); got != nil {
		t.Error("eviction not recorded")
	}
}

func TestBridge_ReleasesDataEntries(t *testing.T) {
	t.Parallel()
	shared := newCountingCache()
	b := NewSessionResumptionBridge(nil)
	b.SetRequireSessionReuse(true)

	control, cfg := handshakeControl(t, b, shared, "localhost")
	session, _ := b.recorder.control()

	// A socket whose transfer was refused never handshakes
	b.PrepareDataSocket(control, dataSocket("10.0.0.5", tcpAddr("10.0.0.5", 50000)))
	b.PrepareDataSocket(control, dataSocket("10.0.0.5", tcpAddr("10.0.0.5", 50001)))
	if n := b.recorder.pendingData(); n != 4 {
		t.Fatalf("pending data entries = %d, want 4", n)
	}

	// The data handshake reads its own key through the recorder
	cs, ok := cfg.ClientSessionCache.Get("10.0.0.5:50001")
	if !ok || cs != session {
		t.Fatal("data socket did not find the control session")
	}
	for _, key := range []string{"localhost:50000", "10.0.0.5:50000", "localhost:50001", "10.0.0.5:50001"} {
		if _, ok := shared.Get(key); ok {
			t.Errorf("entry %s left in the shared cache", key)
		}
	}
	if n := b.recorder.pendingData(); n != 0 {
		t.Errorf("pending data entries = %d after handshake", n)
	}

	// A ticket the server issues on the data connection is not kept
	shared.reset()
	cfg.ClientSessionCache.Put("10.0.0.5:50001", &tls.ClientSessionState{})
	if n, _ := shared.writes(); n != 0 {
		t.Errorf("data session stored, writes = %d", n)
	}
	if got, _ := b.recorder.control(); got != session {
		t.Error("data session replaced the control session")
	}
	if _, ok := shared.Get("localhost"); !ok {
		t.Error("control session missing from the shared cache")
	}
}
