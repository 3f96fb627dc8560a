package ftps

import (
	"errors"
	"fmt"
)

// ErrSessionCacheUnavailable is logged, never returned, when the TLS
// configuration of a connection offers no session cache the bridge can
// register data sockets in, or when the control session cannot be resumed.
var ErrSessionCacheUnavailable = errors.New("ftps: TLS session cache unavailable")

// Kind classifies establishment failures.
type Kind int

const (
	// KindConfiguration means the options were rejected before any network
	// I/O. Retrying with the same options cannot succeed.
	KindConfiguration Kind = iota + 1

	// KindConnect means the TCP/TLS connect failed or the server greeting
	// was not a positive completion.
	KindConnect

	// KindAuthentication means the server rejected the credentials.
	KindAuthentication

	// KindNegotiation means TYPE, CWD, PBSZ, PROT or the address mode was
	// rejected.
	KindNegotiation
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnect:
		return "connect"
	case KindAuthentication:
		return "authentication"
	case KindNegotiation:
		return "negotiation"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is returned by Establish for every failure. Err holds the cause:
// a *ConfigError for configuration failures, usually an *ftp.ProtocolError
// or a network error otherwise.
type Error struct {
	Kind Kind

	// Host is the target host
	Host string

	// User is the username attempted. Set for authentication failures only;
	// the password is never recorded.
	User string

	// Step is the establishment step that failed
	Step Step

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindConfiguration:
		return fmt.Sprintf("ftps: invalid configuration: %v", e.Err)
	case KindAuthentication:
		return fmt.Sprintf("ftps: connection establishment to %s failed: login as %q rejected: %v", e.Host, e.User, e.Err)
	default:
		return fmt.Sprintf("ftps: connection establishment to %s failed at %s: %v", e.Host, e.Step, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the same attempt may succeed.
// Configuration errors are never retryable.
func (e *Error) Retryable() bool {
	return e.Kind != KindConfiguration
}

// IsConfigurationError reports whether err is an *Error of KindConfiguration.
func IsConfigurationError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindConfiguration
}

// ConfigError describes one invalid ConnectionOptions field.
type ConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s %q: %s", e.Field, e.Value, e.Reason)
}
