// Package ftp implements the FTP/FTPS protocol engine used by the ftps
// connector.
//
// # Overview
//
// The engine speaks the command set needed to bring an FTPS session up and
// move data over it:
//   - Explicit TLS (AUTH TLS) and implicit TLS control connections
//   - PBSZ/PROT data channel protection
//   - Passive (EPSV with PASV fallback) and active (PORT/EPRT) data
//     connections, with an external/reported address and a port range for
//     active mode
//   - A hook run before every data channel TLS handshake
//   - LIST parsing, STOR and RETR
//
// A Client separates construction from connection so it can be configured
// step by step:
//
//	client, err := ftp.NewClient("ftp.example.com:21",
//	    ftp.WithExplicitTLS(&tls.Config{ServerName: "ftp.example.com"}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := client.Connect(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !resp.IsPositiveCompletion() {
//	    client.Disconnect()
//	    log.Fatalf("server refused service: %s", resp.Message)
//	}
//
// Dial is the one-call form and treats a negative greeting as an error.
//
// # TLS Session Reuse
//
// Data connections look up TLS sessions under the key of the data socket
// itself (see SessionKey), not under the server name shared by every
// connection to that server. Out of the box a data connection therefore
// performs a full handshake. Servers that insist on the data channel
// resuming the control channel's session (vsftpd with require_ssl_reuse,
// many FileZilla and IIS setups) need the session registered under the data
// socket's key first; a DataConnHook is the place to do that, and the ftps
// package provides one.
//
// # Error Handling
//
// Negative replies are returned as *ProtocolError values carrying the
// command name, the server message and the reply code:
//
//	var pe *ftp.ProtocolError
//	if errors.As(err, &pe) && pe.IsTemporary() {
//	    // retry later
//	}
package ftp
