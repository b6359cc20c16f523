package proxy

import (
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// placeholderToken is issued when an entity id sanitizes to nothing
// (all-symbol input). Deterministic so repeated calls still stick.
const placeholderToken = "sess0"

const maxTokenLen = 16

// DeriveToken maps an entity id to its sticky session token: strip all
// non-alphanumeric characters, truncate to 16. Deterministic and pure —
// the same entity always lands on the same upstream IP attribution.
func DeriveToken(entityID string) string {
	t := sanitizeAlnum(entityID, maxTokenLen)
	if t == "" {
		return placeholderToken
	}
	return t
}

// rotatedToken mixes a rotation nonce in ahead of the entity id so the
// truncated result differs from the base token.
func rotatedToken(entityID string, nonce int64) string {
	t := sanitizeAlnum(strconv.FormatInt(nonce, 36)+entityID, maxTokenLen)
	if t == "" {
		return placeholderToken
	}
	return t
}

func sanitizeAlnum(s string, limit int) string {
	buf := make([]byte, 0, limit)
	for i := 0; i < len(s) && len(buf) < limit; i++ {
		b := s[i]
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') {
			buf = append(buf, b)
		}
	}
	return string(buf)
}

// Session is one sticky proxy session. Owned exclusively by the Registry;
// callers only ever see value copies taken under the registry lock.
type Session struct {
	EntityID     string
	Token        string
	CreatedAt    time.Time
	LastUsedAt   time.Time
	RequestCount int
	FailureCount int
	Blocked      bool
}

// StickyIdentity builds the proxy username that pins the upstream session:
// "customer-{user}[-cc-{country}]-sessid-{token}".
func (s Session) StickyIdentity(cred *Credential) string {
	id := "customer-" + cred.Username
	if cred.GeoEnabled && cred.CountryCode != "" {
		id += "-cc-" + cred.CountryCode
	}
	return id + "-sessid-" + s.Token
}

// ProxyURL computes the session's proxy endpoint. Username and password are
// percent-encoded here and nowhere else — the stored password is raw.
func (s Session) ProxyURL(cred *Credential) string {
	u := url.URL{
		Scheme: "http",
		User:   url.UserPassword(s.StickyIdentity(cred), cred.Password),
		Host:   net.JoinHostPort(cred.Host, strconv.Itoa(cred.Port)),
	}
	return u.String()
}

// Registry is the concurrency-safe sticky session store. One coarse lock
// guards the session map; sessions are long-lived relative to the calls
// that touch them so contention stays low. Rotated tokens go into a
// process-lifetime blacklist and are never reissued.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	blacklist map[string]map[string]struct{} // entityID → retired tokens
	entityMu  map[string]*sync.Mutex
	ttl       time.Duration
	now       func() time.Time
}

// SessionTTLFor resolves the registry session lifetime: an explicitly
// configured value wins, then the secret-supplied TTL, then the registry
// default (signalled by zero).
func SessionTTLFor(configured time.Duration, cred *Credential) time.Duration {
	if configured > 0 {
		return configured
	}
	if cred != nil && cred.SessionTTL > 0 {
		return cred.SessionTTL
	}
	return 0
}

// NewRegistry creates a registry whose sessions expire ttl after creation.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		blacklist: make(map[string]map[string]struct{}),
		entityMu:  make(map[string]*sync.Mutex),
		ttl:       ttl,
		now:       time.Now,
	}
}

// GetOrCreate returns the live session for entityID, touching it, or derives
// and stores a fresh one. Safe under concurrent calls for the same entity.
func (r *Registry) GetOrCreate(entityID string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepExpiredLocked()

	if s, ok := r.sessions[entityID]; ok {
		s.LastUsedAt = r.now()
		s.RequestCount++
		return *s
	}

	s := r.newSessionLocked(entityID, DeriveToken(entityID))
	r.sessions[entityID] = s
	return *s
}

// Rotate retires the current token for entityID into the blacklist and
// replaces the session with one carrying a nonce-derived token. The new
// token never equals any token previously blacklisted for this entity.
func (r *Registry) Rotate(entityID string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	bl := r.blacklist[entityID]
	if bl == nil {
		bl = make(map[string]struct{})
		r.blacklist[entityID] = bl
	}
	if old, ok := r.sessions[entityID]; ok {
		bl[old.Token] = struct{}{}
	} else {
		bl[DeriveToken(entityID)] = struct{}{}
	}

	nonce := r.now().UnixNano()
	token := rotatedToken(entityID, nonce)
	for {
		if _, dead := bl[token]; !dead {
			break
		}
		nonce++
		token = rotatedToken(entityID, nonce)
	}

	s := r.newSessionLocked(entityID, token)
	r.sessions[entityID] = s
	return *s
}

// MarkFailed bumps the failure counter for entityID's session. Never raises;
// a missing session is a no-op.
func (r *Registry) MarkFailed(entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[entityID]; ok {
		s.FailureCount++
	}
}

// MarkBlocked flags entityID's session as blocked by the platform.
func (r *Registry) MarkBlocked(entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[entityID]; ok {
		s.Blocked = true
		s.FailureCount++
	}
}

// Touch refreshes last-used and bumps the request counter.
func (r *Registry) Touch(entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[entityID]; ok {
		s.LastUsedAt = r.now()
		s.RequestCount++
	}
}

// Len reports the number of live sessions (expired ones swept first).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepExpiredLocked()
	return len(r.sessions)
}

// LockEntity serializes orchestrator runs for one entity so concurrent
// retries cannot race on rotation. Scoped to the entity, not the registry.
func (r *Registry) LockEntity(entityID string) (unlock func()) {
	r.mu.Lock()
	m, ok := r.entityMu[entityID]
	if !ok {
		m = &sync.Mutex{}
		r.entityMu[entityID] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (r *Registry) newSessionLocked(entityID, token string) *Session {
	now := r.now()
	return &Session{
		EntityID:     entityID,
		Token:        token,
		CreatedAt:    now,
		LastUsedAt:   now,
		RequestCount: 1,
	}
}

// sweepExpiredLocked drops sessions older than the registry TTL. Runs
// opportunistically inside lookups — no background timer to manage.
func (r *Registry) sweepExpiredLocked() {
	now := r.now()
	for id, s := range r.sessions {
		if now.Sub(s.CreatedAt) > r.ttl {
			delete(r.sessions, id)
		}
	}
}
