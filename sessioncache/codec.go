// Package sessioncache provides tls.ClientSessionCache implementations that
// outlive a single process.
//
// A Redis cache lets a fleet of FTPS clients share TLS sessions, so the
// first connection a new process makes to a host can resume a session
// another process negotiated. Combined with ftps.ConnectionOptions
// RequireSessionReuse the data connections of every client keep resuming
// their control session, as servers with require_ssl_reuse demand.
package sessioncache

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotResumable is returned by Encode for sessions without a ticket.
var ErrNotResumable = errors.New("sessioncache: session cannot be resumed")

const entryVersion = 1

// entry is the stored form of a client session.
type entry struct {
	Version int    `json:"v"`
	Ticket  []byte `json:"ticket"`
	State   []byte `json:"state"`
}

// Encode serializes cs. The result contains the session secret and must be
// stored with the same care as a private key.
func Encode(cs *tls.ClientSessionState) ([]byte, error) {
	if cs == nil {
		return nil, ErrNotResumable
	}
	ticket, state, err := cs.ResumptionState()
	if err != nil {
		return nil, fmt.Errorf("sessioncache: failed to read session: %w", err)
	}
	if state == nil || len(ticket) == 0 {
		return nil, ErrNotResumable
	}

	raw, err := state.Bytes()
	if err != nil {
		return nil, fmt.Errorf("sessioncache: failed to serialize session: %w", err)
	}
	return json.Marshal(entry{Version: entryVersion, Ticket: ticket, State: raw})
}

// Decode is the inverse of Encode.
func Decode(data []byte) (*tls.ClientSessionState, error) {
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("sessioncache: malformed entry: %w", err)
	}
	if e.Version != entryVersion {
		return nil, fmt.Errorf("sessioncache: unsupported entry version %d", e.Version)
	}
	if len(e.Ticket) == 0 {
		return nil, ErrNotResumable
	}

	state, err := tls.ParseSessionState(e.State)
	if err != nil {
		return nil, fmt.Errorf("sessioncache: malformed session: %w", err)
	}
	cs, err := tls.NewResumptionState(e.Ticket, state)
	if err != nil {
		return nil, fmt.Errorf("sessioncache: failed to restore session: %w", err)
	}
	return cs, nil
}
