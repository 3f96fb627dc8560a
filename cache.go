package ftps

import (
	"crypto/tls"
	"sync"
	"time"
)

// defaultSessionCache is shared by every attempt whose options carry no
// SessionCache, so sessions survive across connections in one process.
var defaultSessionCache = tls.NewLRUClientSessionCache(256)

// sessionRecorder wraps the shared session cache for one client. It
// remembers the session stored under the control connection's key, which
// crypto/tls does not otherwise expose, and keeps data sockets out of the
// shared cache.
//
// The control key is the tls.Config ServerName when set. Otherwise it is the
// first key seen: the control handshake always touches the cache before any
// data connection exists.
//
// Data socket keys name an ephemeral port that no later connection uses.
// Entries the bridge registered for them are removed as soon as a data
// handshake has read one, and sessions issued on data connections are not
// stored at all.
type sessionRecorder struct {
	inner tls.ClientSessionCache
	now   func() time.Time

	mu         sync.Mutex
	controlKey string
	session    *tls.ClientSessionState
	storedAt   time.Time
	dataKeys   map[string]struct{}
}

func newSessionRecorder(inner tls.ClientSessionCache, controlKey string) *sessionRecorder {
	return &sessionRecorder{
		inner:      inner,
		controlKey: controlKey,
		now:        time.Now,
		dataKeys:   make(map[string]struct{}),
	}
}

func (r *sessionRecorder) Get(key string) (*tls.ClientSessionState, bool) {
	cs, ok := r.inner.Get(key)

	r.mu.Lock()
	if r.controlKey == "" {
		r.controlKey = key
	}
	// A control handshake about to resume a cached session
	if key == r.controlKey && ok && cs != nil && r.session == nil {
		r.session, r.storedAt = cs, r.now()
	}
	var consumed []string
	if _, registered := r.dataKeys[key]; registered {
		consumed = r.takeDataKeys()
	}
	r.mu.Unlock()

	for _, k := range consumed {
		r.inner.Put(k, nil)
	}
	return cs, ok
}

func (r *sessionRecorder) Put(key string, cs *tls.ClientSessionState) {
	r.mu.Lock()
	if r.controlKey == "" {
		r.controlKey = key
	}
	isControl := key == r.controlKey
	if isControl {
		// nil is an eviction by the TLS stack
		r.session, r.storedAt = cs, r.now()
	}
	if cs == nil {
		delete(r.dataKeys, key)
	}
	r.mu.Unlock()

	if !isControl && cs != nil {
		return
	}
	r.inner.Put(key, cs)
}

// registerData stores session under the keys of a data socket about to
// handshake.
func (r *sessionRecorder) registerData(session *tls.ClientSessionState, keys ...string) {
	r.mu.Lock()
	for _, k := range keys {
		r.dataKeys[k] = struct{}{}
	}
	r.mu.Unlock()

	for _, k := range keys {
		r.inner.Put(k, session)
	}
}

// takeDataKeys empties the set of registered data keys. Keys left behind by
// sockets that never reached their handshake go with it. r.mu must be held.
func (r *sessionRecorder) takeDataKeys() []string {
	keys := make([]string, 0, len(r.dataKeys))
	for k := range r.dataKeys {
		keys = append(keys, k)
	}
	clear(r.dataKeys)
	return keys
}

// pendingData returns how many data socket entries are still registered.
func (r *sessionRecorder) pendingData() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dataKeys)
}

// control returns the recorded control session and when it was stored.
func (r *sessionRecorder) control() (*tls.ClientSessionState, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session, r.storedAt
}
