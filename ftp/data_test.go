package ftp

import (
	"crypto/tls"
	"errors"
	"net"
	"os"
	"testing"
	"time"
)

func TestParsePASV(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"standard", "227 Entering Passive Mode (192,168,1,1,195,149)", "192.168.1.1:50069", false},
		{"trailing dot", "227 Entering Passive Mode (127,0,0,1,4,1).", "127.0.0.1:1025", false},
		{"no parentheses", "227 Entering Passive Mode 127,0,0,1,4,1", "", true},
		{"octet out of range", "227 Entering Passive Mode (256,0,0,1,4,1)", "", true},
		{"too few fields", "227 Entering Passive Mode (127,0,0,1,4)", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePASV(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePASV() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parsePASV() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseEPSV(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"229 Entering Extended Passive Mode (|||6446|)", "6446", false},
		{"229 Entering Extended Passive Mode (|||65535|)", "65535", false},
		{"229 Entering Extended Passive Mode (|||0|)", "", true},
		{"229 Entering Extended Passive Mode (|||70000|)", "", true},
		{"229 Entering Extended Passive Mode", "", true},
	}

	for _, tt := range tests {
		got, err := parseEPSV(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseEPSV(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseEPSV(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFormatPORT(t *testing.T) {
	t.Parallel()
	got, err := formatPORT(net.ParseIP("192.168.1.100"), 50000)
	if err != nil {
		t.Fatal(err)
	}
	if want := "192,168,1,100,195,80"; got != want {
		t.Errorf("formatPORT() = %q, want %q", got, want)
	}

	if _, err := formatPORT(net.ParseIP("::1"), 50000); err == nil {
		t.Error("expected error for IPv6 address")
	}
}

func TestFormatEPRT(t *testing.T) {
	t.Parallel()
	if got, want := formatEPRT(net.ParseIP("10.0.0.1"), 6275), "|1|10.0.0.1|6275|"; got != want {
		t.Errorf("formatEPRT(v4) = %q, want %q", got, want)
	}
	if got, want := formatEPRT(net.ParseIP("2001:db8::1"), 6275), "|2|2001:db8::1|6275|"; got != want {
		t.Errorf("formatEPRT(v6) = %q, want %q", got, want)
	}
}

func TestResolveDataAddr(t *testing.T) {
	t.Parallel()
	if got := resolveDataAddr("0.0.0.0:2121", "ftp.example.com"); got != "ftp.example.com:2121" {
		t.Errorf("unroutable address not replaced: %q", got)
	}
	if got := resolveDataAddr("10.1.2.3:2121", "ftp.example.com"); got != "10.1.2.3:2121" {
		t.Errorf("routable address changed: %q", got)
	}
}

func TestSessionKey(t *testing.T) {
	t.Parallel()
	if got, want := SessionKey("FTP.Example.COM", "2121"), "ftp.example.com:2121"; got != want {
		t.Errorf("SessionKey() = %q, want %q", got, want)
	}
	if got, want := SessionKey("2001:DB8::1", "21"), "[2001:db8::1]:21"; got != want {
		t.Errorf("SessionKey() = %q, want %q", got, want)
	}
}

// countingCache records the keys it is asked for.
type countingCache struct {
	gets []string
	puts []string
}

func (c *countingCache) Get(key string) (*tls.ClientSessionState, bool) {
	c.gets = append(c.gets, key)
	return nil, false
}

func (c *countingCache) Put(key string, _ *tls.ClientSessionState) {
	c.puts = append(c.puts, key)
}

func TestSocketSessionCacheUsesSocketKey(t *testing.T) {
	t.Parallel()
	inner := &countingCache{}
	cache := &socketSessionCache{cache: inner, key: "127.0.0.1:5000"}

	cache.Get("ftp.example.com")
	cache.Put("ftp.example.com", nil)

	if len(inner.gets) != 1 || inner.gets[0] != "127.0.0.1:5000" {
		t.Errorf("Get used keys %v", inner.gets)
	}
	if len(inner.puts) != 1 || inner.puts[0] != "127.0.0.1:5000" {
		t.Errorf("Put used keys %v", inner.puts)
	}
}

func TestDataConnIdleTimeout(t *testing.T) {
	t.Parallel()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	conn := &dataConn{Conn: c1, idle: 50 * time.Millisecond}
	go func() { _, _ = c2.Write([]byte("x")) }()

	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("Read() = %v", err)
	}

	// Nothing else arrives
	if _, err := conn.Read(buf); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("idle Read() = %v, want deadline exceeded", err)
	}
}

func TestTLSLayer(t *testing.T) {
	t.Parallel()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	tc := tls.Client(c1, &tls.Config{})
	tests := []struct {
		name string
		conn net.Conn
		want *tls.Conn
	}{
		{"clear", c1, nil},
		{"clear with idle timeout", &dataConn{Conn: c1, idle: time.Second}, nil},
		{"protected", tc, tc},
		{"protected with idle timeout", &dataConn{Conn: tc, idle: time.Second}, tc},
	}
	for _, tt := range tests {
		if got := tlsLayer(tt.conn); got != tt.want {
			t.Errorf("%s: tlsLayer() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
