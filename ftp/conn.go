package ftp

import (
	"crypto/tls"
	"net"
	"time"
)

// dataConn bounds inactivity on a data connection. Every Read and Write
// moves the deadline idle into the future, so a slow but steady transfer
// never times out while a stalled one does.
type dataConn struct {
	net.Conn
	idle time.Duration
}

func (c *dataConn) Read(b []byte) (int, error) {
	if err := c.extend(c.Conn.SetReadDeadline); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *dataConn) Write(b []byte) (int, error) {
	if err := c.extend(c.Conn.SetWriteDeadline); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

func (c *dataConn) extend(set func(time.Time) error) error {
	if c.idle <= 0 {
		return nil
	}
	return set(time.Now().Add(c.idle))
}

// tlsLayer returns the TLS connection carrying conn, or nil when the data
// channel is clear.
func tlsLayer(conn net.Conn) *tls.Conn {
	if dc, ok := conn.(*dataConn); ok {
		conn = dc.Conn
	}
	tc, _ := conn.(*tls.Conn)
	return tc
}
