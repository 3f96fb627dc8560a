package ftps

import (
	"crypto/tls"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/gonzalop/ftps/ftp"
)

// SecurityMode selects how TLS is brought up on the control connection.
type SecurityMode string

const (
	// Explicit connects in plaintext and upgrades with AUTH TLS (usually port 21).
	Explicit SecurityMode = "explicit"

	// Implicit speaks TLS from the first byte (usually port 990).
	Implicit SecurityMode = "implicit"
)

// ParseSecurityMode parses "explicit" or "implicit", ignoring case and
// surrounding space.
func ParseSecurityMode(s string) (SecurityMode, error) {
	switch mode := SecurityMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case Explicit, Implicit:
		return mode, nil
	default:
		return "", &ConfigError{Field: "SecurityMode", Value: s, Reason: "must be explicit or implicit"}
	}
}

// AddressMode selects who opens the data connection. It is either
// PassiveMode or ActiveMode.
type AddressMode interface {
	addressMode()
}

// PassiveMode makes the client open data connections to the server (EPSV/PASV).
type PassiveMode struct{}

func (PassiveMode) addressMode() {}

// ActiveMode makes the server connect back to the client (PORT/EPRT).
type ActiveMode struct {
	// ExternalIP is the local address to listen on and, unless ReportedIP
	// is set, to announce. It must be a literal IPv4 or IPv6 address; host
	// names are rejected with a ConfigError rather than resolved, so
	// validation never touches the network. Resolve names before dialing.
	ExternalIP string

	// ReportedIP is the address announced to the server, typically the
	// public address of a NAT gateway. Like ExternalIP it must be a literal
	// address.
	ReportedIP string

	// PortRange restricts the local listening ports.
	PortRange PortRange
}

func (ActiveMode) addressMode() {}

// PortRange is an inclusive range of local ports. A zero bound is unset.
type PortRange struct {
	Min int
	Max int
}

// IsZero reports whether neither bound is set.
func (r PortRange) IsZero() bool {
	return r.Min == 0 && r.Max == 0
}

// usable reports whether both bounds are set and ordered.
func (r PortRange) usable() bool {
	return r.Min > 0 && r.Max > 0 && r.Min <= r.Max
}

// ListingOptions configures how directory listings are parsed.
type ListingOptions struct {
	// ParserKey selects a built-in parser ("UNIX" or "WINDOWS"). Any other
	// non-empty key requires Parser.
	ParserKey string

	ServerLanguageCode string

	// DefaultDateFormat and RecentDateFormat are Go time layouts.
	DefaultDateFormat string
	RecentDateFormat  string

	// ServerTimeZoneID is an IANA zone name such as "Europe/Berlin".
	ServerTimeZoneID string

	// ShortMonthNames, when set, must contain exactly 12 names.
	ShortMonthNames []string

	// Parser is a custom parser tried before the built-in ones.
	Parser ftp.ListingParser
}

// Credentials are the login name and password. A nil *Credentials, an empty
// Username or an empty Password each fall back to "anonymous".
type Credentials struct {
	Username string
	Password string
}

const anonymous = "anonymous"

func (c *Credentials) resolve() (user, password string) {
	if c != nil {
		user, password = c.Username, c.Password
	}
	if user == "" {
		user = anonymous
	}
	if password == "" {
		password = anonymous
	}
	return user, password
}

// ConnectionOptions configures one connection attempt. Build a new value per
// attempt; Establish never modifies it.
type ConnectionOptions struct {
	// SecurityMode is required.
	SecurityMode SecurityMode

	// RequireSessionReuse makes data connections resume the control
	// connection's TLS session.
	RequireSessionReuse bool

	// AllowedProtocols lists the TLS versions that may be negotiated
	// ("TLSv1", "TLSv1.1", "TLSv1.2", "TLSv1.3"). Empty means TLSv1.2 and
	// TLSv1.3. The set must be contiguous.
	AllowedProtocols []string

	// Listing is applied only when it names a parser key or a custom parser.
	Listing *ListingOptions

	// DataTimeout bounds inactivity on data connections. Zero leaves the
	// engine default.
	DataTimeout time.Duration

	// WorkingDirectory is entered after login unless UserDirIsRoot is true.
	WorkingDirectory string

	// UserDirIsRoot treats the login directory as the root. nil means true.
	UserDirIsRoot *bool

	// Address is the data connection mode. nil means PassiveMode.
	Address AddressMode

	// StrictPortRange rejects a partial or inverted active port range
	// instead of ignoring it.
	StrictPortRange bool

	// DataChannelProtection is the PROT level. Empty means "P".
	DataChannelProtection string

	// TLSConfig is the base TLS configuration. It is cloned per attempt and
	// ServerName defaults to the target host.
	TLSConfig *tls.Config

	// ConnectTimeout bounds dialing and each control round trip. Zero means
	// 30 seconds.
	ConnectTimeout time.Duration

	// Dialer replaces the default net.Dialer for the control connection and
	// passive data connections.
	Dialer ftp.Dialer

	// SessionCache is the TLS session cache. nil means a process-wide LRU
	// cache shared by every attempt that does not set one.
	SessionCache tls.ClientSessionCache
}

// Bool returns a pointer to v, for UserDirIsRoot.
func Bool(v bool) *bool {
	return &v
}

const (
	defaultProtection     = "P"
	defaultConnectTimeout = 30 * time.Second
)

var tlsVersionNames = map[string]uint16{
	"TLSV1":   tls.VersionTLS10,
	"TLSV1.0": tls.VersionTLS10,
	"TLSV1.1": tls.VersionTLS11,
	"TLSV1.2": tls.VersionTLS12,
	"TLSV1.3": tls.VersionTLS13,
}

// plan is the validated form of ConnectionOptions.
type plan struct {
	mode             SecurityMode
	minVersion       uint16
	maxVersion       uint16
	listing          *ftp.ListingConfig
	workingDirectory string
	address          AddressMode
	protection       string
	ignoredPortRange bool
	userDirIsRoot    bool
	connectTimeout   time.Duration
	dataTimeout      time.Duration
	requireReuse     bool
	baseTLS          *tls.Config
	dialer           ftp.Dialer
	sessionCache     tls.ClientSessionCache
}

// Validate checks the options without touching the network.
// The returned error is a *ConfigError.
func (o ConnectionOptions) Validate() error {
	_, err := o.plan()
	return err
}

func (o ConnectionOptions) plan() (*plan, error) {
	mode, err := ParseSecurityMode(string(o.SecurityMode))
	if err != nil {
		return nil, err
	}

	p := &plan{
		mode:             mode,
		workingDirectory: o.WorkingDirectory,
		protection:       strings.ToUpper(strings.TrimSpace(o.DataChannelProtection)),
		userDirIsRoot:    o.UserDirIsRoot == nil || *o.UserDirIsRoot,
		connectTimeout:   o.ConnectTimeout,
		dataTimeout:      o.DataTimeout,
		requireReuse:     o.RequireSessionReuse,
		baseTLS:          o.TLSConfig,
		dialer:           o.Dialer,
		sessionCache:     o.SessionCache,
	}
	if p.protection == "" {
		p.protection = defaultProtection
	}
	if p.connectTimeout == 0 {
		p.connectTimeout = defaultConnectTimeout
	}
	if o.ConnectTimeout < 0 {
		return nil, &ConfigError{Field: "ConnectTimeout", Value: o.ConnectTimeout.String(), Reason: "must not be negative"}
	}
	if o.DataTimeout < 0 {
		return nil, &ConfigError{Field: "DataTimeout", Value: o.DataTimeout.String(), Reason: "must not be negative"}
	}

	if p.minVersion, p.maxVersion, err = versionRange(o.AllowedProtocols); err != nil {
		return nil, err
	}

	if p.listing, err = o.Listing.config(); err != nil {
		return nil, err
	}

	switch addr := o.Address.(type) {
	case nil, PassiveMode, *PassiveMode:
		p.address = PassiveMode{}
	case ActiveMode:
		if p.ignoredPortRange, err = addr.check(o.StrictPortRange); err != nil {
			return nil, err
		}
		p.address = addr
	case *ActiveMode:
		if addr == nil {
			p.address = PassiveMode{}
			break
		}
		if p.ignoredPortRange, err = addr.check(o.StrictPortRange); err != nil {
			return nil, err
		}
		p.address = *addr
	default:
		return nil, &ConfigError{Field: "Address", Value: fmt.Sprintf("%T", o.Address), Reason: "unsupported address mode"}
	}

	return p, nil
}

// versionRange turns a protocol allow-list into a min/max version pair.
func versionRange(names []string) (uint16, uint16, error) {
	if len(names) == 0 {
		return tls.VersionTLS12, tls.VersionTLS13, nil
	}

	versions := make([]uint16, 0, len(names))
	for _, name := range names {
		v, ok := tlsVersionNames[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			return 0, 0, &ConfigError{Field: "AllowedProtocols", Value: name, Reason: "unknown TLS protocol"}
		}
		versions = append(versions, v)
	}
	slices.Sort(versions)
	versions = slices.Compact(versions)

	// Only a range can be enforced; a gap would silently be allowed
	for i := 1; i < len(versions); i++ {
		if versions[i] != versions[i-1]+1 {
			return 0, 0, &ConfigError{
				Field:  "AllowedProtocols",
				Value:  strings.Join(names, ","),
				Reason: "protocol set must be contiguous",
			}
		}
	}
	return versions[0], versions[len(versions)-1], nil
}

// check validates the active mode fields. It reports whether a port range
// was given but will not be applied.
func (a ActiveMode) check(strict bool) (ignored bool, err error) {
	if a.ExternalIP != "" && net.ParseIP(a.ExternalIP) == nil {
		return false, &ConfigError{Field: "ActiveMode.ExternalIP", Value: a.ExternalIP, Reason: "not an IP address"}
	}
	if a.ReportedIP != "" && net.ParseIP(a.ReportedIP) == nil {
		return false, &ConfigError{Field: "ActiveMode.ReportedIP", Value: a.ReportedIP, Reason: "not an IP address"}
	}

	r := a.PortRange
	for _, port := range []int{r.Min, r.Max} {
		if port < 0 || port > 65535 {
			return false, &ConfigError{
				Field:  "ActiveMode.PortRange",
				Value:  fmt.Sprintf("%d-%d", r.Min, r.Max),
				Reason: "ports must be between 1 and 65535",
			}
		}
	}

	if r.IsZero() || r.usable() {
		return false, nil
	}
	if strict {
		return false, &ConfigError{
			Field:  "ActiveMode.PortRange",
			Value:  fmt.Sprintf("%d-%d", r.Min, r.Max),
			Reason: "range must have both bounds and min <= max",
		}
	}
	return true, nil
}

// config converts listing options to the engine form. It returns nil when
// nothing would change the engine's autodetection.
func (l *ListingOptions) config() (*ftp.ListingConfig, error) {
	if l == nil || (l.ParserKey == "" && l.Parser == nil) {
		return nil, nil
	}

	cfg := &ftp.ListingConfig{
		ParserKey:          l.ParserKey,
		ServerLanguageCode: l.ServerLanguageCode,
		DefaultDateFormat:  l.DefaultDateFormat,
		RecentDateFormat:   l.RecentDateFormat,
		ShortMonthNames:    l.ShortMonthNames,
		Parser:             l.Parser,
	}
	if l.ServerTimeZoneID != "" {
		loc, err := time.LoadLocation(l.ServerTimeZoneID)
		if err != nil {
			return nil, &ConfigError{Field: "Listing.ServerTimeZoneID", Value: l.ServerTimeZoneID, Reason: "unknown time zone"}
		}
		cfg.ServerTimeZone = loc
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Field: "Listing", Reason: err.Error()}
	}
	return cfg, nil
}
