package ftps

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/gonzalop/ftps/ftp"
	"github.com/gonzalop/ftps/internal/ftptest"
	"github.com/gonzalop/ftps/sessioncache"
)

var listing = []string{
	"-rw-r--r-- 1 owner group 12 Jan 15 2023 a.txt",
	"drwxr-xr-x 2 owner group 4096 Jan 15 2023 pub",
}

var tlsVersions = []struct {
	name    string
	version uint16
}{
	{"TLS1.2", tls.VersionTLS12},
	{"TLS1.3", tls.VersionTLS13},
}

// fixture is a server and matching client options.
type fixture struct {
	server  *ftptest.Server
	opts    ConnectionOptions
	metrics *recordingMetrics
	logs    *bytes.Buffer
	e       *Establisher
}

func newFixture(t *testing.T, version uint16, implicit bool, tweak func(server *tls.Config), options ...ftptest.Option) *fixture {
	t.Helper()
	serverTLS, clientTLS, err := ftptest.TLSConfigs()
	if err != nil {
		t.Fatal(err)
	}
	serverTLS.MaxVersion = version
	if tweak != nil {
		tweak(serverTLS)
	}

	mode := Explicit
	tlsOption := ftptest.WithTLS(serverTLS)
	if implicit {
		mode = Implicit
		tlsOption = ftptest.WithImplicitTLS(serverTLS)
	}
	options = append(options, tlsOption, ftptest.WithListing(listing...), ftptest.WithFile("/a.txt", []byte("hello, world")))

	s, err := ftptest.NewServer(options...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	var logs bytes.Buffer
	metrics := &recordingMetrics{}
	return &fixture{
		server:  s,
		metrics: metrics,
		logs:    &logs,
		e: &Establisher{
			Logger:  slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
			Metrics: metrics,
		},
		opts: ConnectionOptions{
			SecurityMode:        mode,
			RequireSessionReuse: true,
			TLSConfig:           clientTLS,
			SessionCache:        tls.NewLRUClientSessionCache(32),
			ConnectTimeout:      5 * time.Second,
		},
	}
}

func (f *fixture) dial(t *testing.T, creds *Credentials) *ftp.Client {
	t.Helper()
	c, err := f.e.Dial(context.Background(), "127.0.0.1", f.server.Port(), creds, f.opts)
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	t.Cleanup(func() { _ = c.Quit() })
	return c
}

func TestDial_ResumesControlSession(t *testing.T) {
	t.Parallel()
	for _, v := range tlsVersions {
		t.Run(v.name, func(t *testing.T) {
			t.Parallel()
			users := make(chan string, 1)
			f := newFixture(t, v.version, false, nil,
				ftptest.WithHandler("USER", func(s *ftptest.Session, args string) {
					users <- args
					s.Default("USER", args)
				}),
			)

			c := f.dial(t, nil)
			if got := <-users; got != "anonymous" {
				t.Errorf("USER %q, want anonymous", got)
			}
			if c.ProtectionLevel() != "P" {
				t.Errorf("ProtectionLevel() = %q", c.ProtectionLevel())
			}

			want := []string{"AUTH", "USER", "PASS", "TYPE", "PBSZ", "PROT"}
			if got := f.server.Commands(); !slices.Equal(got, want) {
				t.Errorf("commands = %q, want %q", got, want)
			}

			for i := range 2 {
				entries, err := c.List("/")
				if err != nil {
					t.Fatalf("List #%d: %v", i+1, err)
				}
				if len(entries) != len(listing) {
					t.Errorf("List #%d returned %d entries", i+1, len(entries))
				}
			}

			var buf bytes.Buffer
			if err := c.Retrieve("/a.txt", &buf); err != nil {
				t.Fatal(err)
			}
			if buf.String() != "hello, world" {
				t.Errorf("Retrieve = %q", buf.String())
			}

			resumed := f.server.DataResumed()
			if len(resumed) != 3 {
				t.Fatalf("data connections = %d, want 3", len(resumed))
			}
			for i, r := range resumed {
				if !r {
					t.Errorf("data connection %d did not resume the control session", i+1)
				}
			}
			if n := f.metrics.reuseCount("injected"); n != 3 {
				t.Errorf("injected = %d, want 3 (%q)", n, f.metrics.reuse)
			}
			if f.server.CommandCount("CWD") != 0 {
				t.Error("CWD sent although the user directory is the root")
			}
		})
	}
}

func TestDial_ResumesThroughRedis(t *testing.T) {
	t.Parallel()
	for _, v := range tlsVersions {
		t.Run(v.name, func(t *testing.T) {
			t.Parallel()
			mr := miniredis.RunT(t)
			rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rc.Close() })

			f := newFixture(t, v.version, false, nil)
			f.opts.SessionCache = sessioncache.NewRedis(rc)

			// The second client finds the control session in Redis only
			for client := range 2 {
				c := f.dial(t, nil)
				for range 2 {
					if _, err := c.List("/"); err != nil {
						t.Fatalf("client %d: List: %v", client+1, err)
					}
				}
			}

			resumed := f.server.DataResumed()
			if len(resumed) != 4 {
				t.Fatalf("data connections = %d, want 4", len(resumed))
			}
			for i, r := range resumed {
				if !r {
					t.Errorf("data connection %d did not resume the control session", i+1)
				}
			}

			// Only the control session outlives the transfers
			keys := mr.Keys()
			if len(keys) != 1 || !strings.HasPrefix(keys[0], sessioncache.DefaultKeyPrefix) {
				t.Errorf("redis keys = %q, want the control session only", keys)
			}
		})
	}
}

func TestDial_ReuseNotRequired(t *testing.T) {
	t.Parallel()
	for _, v := range tlsVersions {
		t.Run(v.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, v.version, false, nil)
			f.opts.RequireSessionReuse = false

			c := f.dial(t, nil)
			if _, err := c.List("/"); err != nil {
				t.Fatal(err)
			}

			if resumed := f.server.DataResumed(); len(resumed) != 1 || resumed[0] {
				t.Errorf("DataResumed() = %v, want one full handshake", resumed)
			}
			if len(f.metrics.reuse) != 0 {
				t.Errorf("bridge active: %q", f.metrics.reuse)
			}
		})
	}
}

func TestDial_ServerWithoutTickets(t *testing.T) {
	t.Parallel()
	for _, v := range tlsVersions {
		t.Run(v.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, v.version, false, func(server *tls.Config) {
				server.SessionTicketsDisabled = true
			})

			c := f.dial(t, nil)
			if _, err := c.List("/"); err != nil {
				t.Fatalf("transfer failed without a resumable session: %v", err)
			}

			if resumed := f.server.DataResumed(); len(resumed) != 1 || resumed[0] {
				t.Errorf("DataResumed() = %v", resumed)
			}
			if f.metrics.reuseCount("injected") != 0 {
				t.Error("session injected without a ticket")
			}
			if !strings.Contains(f.logs.String(), ErrSessionCacheUnavailable.Error()) {
				t.Errorf("no warning logged:\n%s", f.logs.String())
			}
		})
	}
}

func TestDial_ClientTicketsDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tls.VersionTLS13, false, nil)
	f.opts.TLSConfig = f.opts.TLSConfig.Clone()
	f.opts.TLSConfig.SessionTicketsDisabled = true

	c := f.dial(t, nil)
	if _, err := c.List("/"); err != nil {
		t.Fatal(err)
	}
	if f.metrics.reuseCount("unsupported") != 1 {
		t.Errorf("reuse results = %q", f.metrics.reuse)
	}
	if n := strings.Count(f.logs.String(), "TLS session reuse unavailable"); n != 1 {
		t.Errorf("unsupported warning logged %d times", n)
	}
}

func TestDial_Implicit(t *testing.T) {
	t.Parallel()
	for _, v := range tlsVersions {
		t.Run(v.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, v.version, true, nil)

			c := f.dial(t, &Credentials{Username: "alice", Password: "secret"})
			if _, err := c.List("/"); err != nil {
				t.Fatal(err)
			}

			want := []string{"USER", "PASS", "TYPE", "PBSZ", "PROT"}
			if got := f.server.Commands(); !slices.Equal(got[:len(want)], want) {
				t.Errorf("commands = %q, want prefix %q", got, want)
			}
			if resumed := f.server.DataResumed(); len(resumed) != 1 || !resumed[0] {
				t.Errorf("DataResumed() = %v", resumed)
			}
		})
	}
}

func TestDial_ActiveMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tls.VersionTLS13, false, nil)
	f.opts.Address = ActiveMode{ExternalIP: "127.0.0.1"}
	f.opts.DataTimeout = 5 * time.Second

	c := f.dial(t, nil)
	var buf bytes.Buffer
	if err := c.Retrieve("/a.txt", &buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "hello, world" {
		t.Errorf("Retrieve = %q", buf.String())
	}
	if f.server.CommandCount("EPRT")+f.server.CommandCount("PORT") != 1 {
		t.Errorf("commands = %q", f.server.Commands())
	}
	if resumed := f.server.DataResumed(); len(resumed) != 1 || !resumed[0] {
		t.Errorf("DataResumed() = %v", resumed)
	}
}

func TestDial_WorkingDirectory(t *testing.T) {
	t.Parallel()
	dirs := make(chan string, 1)
	f := newFixture(t, tls.VersionTLS13, false, nil,
		ftptest.WithHandler("CWD", func(s *ftptest.Session, args string) {
			dirs <- args
			s.Default("CWD", args)
		}),
	)
	f.opts.WorkingDirectory = "/pub"
	f.opts.UserDirIsRoot = Bool(false)

	f.dial(t, nil)
	if got := <-dirs; got != "/pub" {
		t.Errorf("CWD %q, want /pub", got)
	}
}

func TestDial_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		options  []ftptest.Option
		wantKind Kind
		wantStep Step
		wantCode int
	}{
		{
			name:     "greeting",
			options:  []ftptest.Option{ftptest.WithGreeting("421 Too many users, try later.")},
			wantKind: KindConnect,
			wantStep: StepConnect,
			wantCode: 421,
		},
		{
			name: "login",
			options: []ftptest.Option{ftptest.WithHandler("PASS", func(s *ftptest.Session, _ string) {
				s.Reply("530 Login incorrect.")
			})},
			wantKind: KindAuthentication,
			wantStep: StepLogin,
			wantCode: 530,
		},
		{
			name: "prot",
			options: []ftptest.Option{ftptest.WithHandler("PROT", func(s *ftptest.Session, _ string) {
				s.Reply("536 Requested PROT level not supported.")
			})},
			wantKind: KindNegotiation,
			wantStep: StepProtection,
			wantCode: 536,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tls.VersionTLS13, false, nil, tt.options...)

			_, err := f.e.Dial(context.Background(), "127.0.0.1", f.server.Port(),
				&Credentials{Username: "alice", Password: "secret"}, f.opts)
			var fe *Error
			if !errors.As(err, &fe) {
				t.Fatalf("Dial() = %v, want *Error", err)
			}
			if fe.Kind != tt.wantKind || fe.Step != tt.wantStep {
				t.Errorf("Kind/Step = %v/%v, want %v/%v", fe.Kind, fe.Step, tt.wantKind, tt.wantStep)
			}
			if tt.wantKind == KindAuthentication && fe.User != "alice" {
				t.Errorf("User = %q", fe.User)
			}
			var pe *ftp.ProtocolError
			if !errors.As(err, &pe) || pe.Code != tt.wantCode {
				t.Errorf("cause = %v, want reply %d", fe.Err, tt.wantCode)
			}
			if strings.Contains(err.Error(), "secret") {
				t.Errorf("password leaked: %v", err)
			}
		})
	}
}

func TestDial_ConnectRefused(t *testing.T) {
	t.Parallel()
	s, err := ftptest.NewServer()
	if err != nil {
		t.Fatal(err)
	}
	port := s.Port()
	s.Close()

	_, err = Dial(context.Background(), "127.0.0.1", port, nil, ConnectionOptions{
		SecurityMode:   Explicit,
		ConnectTimeout: time.Second,
	})
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindConnect {
		t.Fatalf("Dial() = %v, want connect error", err)
	}
}

func TestDial_ContextCanceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, "127.0.0.1", 21, nil, ConnectionOptions{SecurityMode: Explicit})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Dial() = %v, want context.Canceled", err)
	}
}
