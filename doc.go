// Package ftps establishes FTPS connections that are ready for transfers.
//
// Establish validates a ConnectionOptions value, connects with explicit or
// implicit TLS, logs in, switches to binary mode, optionally changes
// directory, configures passive or active data connections and negotiates
// PBSZ/PROT. Any failure closes the control connection before the error is
// returned.
//
//	client, err := ftps.Dial(ctx, "ftp.example.com", 21,
//	    &ftps.Credentials{Username: "alice", Password: "secret"},
//	    ftps.ConnectionOptions{
//	        SecurityMode:        ftps.Explicit,
//	        RequireSessionReuse: true,
//	    })
//	if err != nil {
//	    var e *ftps.Error
//	    if errors.As(err, &e) && !e.Retryable() {
//	        log.Fatal(err) // fix the configuration first
//	    }
//	    ...
//	}
//
// # Session Reuse
//
// Many servers refuse a data connection that does not resume the TLS
// session of its control connection. With RequireSessionReuse set, a
// SessionResumptionBridge records the control session and, before every data
// connection handshake, registers it in the session cache under the data
// socket's host name key and numeric address key. When the TLS
// configuration offers no usable cache the bridge logs
// ErrSessionCacheUnavailable once and data connections fall back to full
// handshakes.
//
// The data socket entries are removed again once the data handshake has read
// them, so only control sessions stay in the cache. It is process-wide by
// default; the sessioncache package offers a Redis-backed cache to share
// sessions between processes.
package ftps
