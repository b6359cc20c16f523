// Package proxy implements the residential-proxy reliability layer:
// credential parsing/validation, sticky session derivation and rotation,
// and the cached, rate-limited preflight health monitor.
package proxy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Credential is the validated, immutable proxy credential record.
// Constructed once at startup from a fetched secret (re-fetched only after
// an auth failure) and treated as read-only afterwards.
type Credential struct {
	Provider    string
	Host        string // bare hostname, never carries a scheme
	Port        int
	Username    string
	Password    string // raw, never pre-percent-encoded
	GeoEnabled  bool
	CountryCode string

	SessionTTL   time.Duration
	PreflightTTL time.Duration
}

// Credential validation error codes.
const (
	ErrHostContainsScheme      = "host_contains_scheme"
	ErrPasswordLooksURLEncoded = "password_looks_urlencoded"
)

// ValidationError reports why a raw secret payload was rejected.
// Code is machine-readable: missing_<field>, host_contains_scheme,
// password_looks_urlencoded.
type ValidationError struct {
	Code string
}

func (e *ValidationError) Error() string {
	return "proxy credential: " + e.Code
}

// secretPayload mirrors the raw JSON shape of a proxy secret. Parsed into
// the fixed Credential struct at the boundary; raw maps never cross it.
type secretPayload struct {
	Provider            string `json:"provider"`
	Host                string `json:"host"`
	Port                int    `json:"port"`
	Username            string `json:"username"`
	Password            string `json:"password"`
	GeoEnabled          bool   `json:"geo_enabled"`
	CountryCode         string `json:"country_code"`
	SessionTTLMinutes   int    `json:"session_ttl_minutes"`
	PreflightTTLSeconds int    `json:"preflight_ttl_seconds"`
}

// encodedMarkers is the fixed set of percent-encoded sequences that flag a
// password as pre-encoded. Conservative by contract: a literal '%' followed
// by anything outside this set passes.
var encodedMarkers = []string{
	"%21", "%40", "%3A", "%3a", "%2B", "%2b", "%5F", "%5f",
}

// ParseCredential parses and validates a raw secret payload.
// Pure function; must run before any network activity.
func ParseCredential(raw []byte) (*Credential, error) {
	var p secretPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("proxy credential: decode secret: %w", err)
	}
	return buildCredential(p)
}

// ParseLegacyCredential is ParseCredential with a best-effort repair pass for
// secrets that were mistakenly stored pre-percent-encoded. Each string field
// is decoded at most once, and the decoded value is kept only if it is
// entirely printable ASCII. Never use this for user-supplied parameters.
func ParseLegacyCredential(raw []byte) (*Credential, error) {
	var p secretPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("proxy credential: decode secret: %w", err)
	}
	p.Host = decodeOnceIfPrintable(p.Host)
	p.Username = decodeOnceIfPrintable(p.Username)
	p.Password = decodeOnceIfPrintable(p.Password)
	return buildCredential(p)
}

func buildCredential(p secretPayload) (*Credential, error) {
	for _, f := range []struct {
		name, val string
	}{
		{"provider", p.Provider},
		{"host", p.Host},
		{"username", p.Username},
		{"password", p.Password},
	} {
		if strings.TrimSpace(f.val) == "" {
			return nil, &ValidationError{Code: "missing_" + f.name}
		}
	}
	if p.Port <= 0 || p.Port > 65535 {
		return nil, &ValidationError{Code: "missing_port"}
	}

	if strings.Contains(p.Host, "http://") || strings.Contains(p.Host, "https://") {
		return nil, &ValidationError{Code: ErrHostContainsScheme}
	}
	for _, m := range encodedMarkers {
		if strings.Contains(p.Password, m) {
			return nil, &ValidationError{Code: ErrPasswordLooksURLEncoded}
		}
	}

	sessionTTL := time.Duration(p.SessionTTLMinutes) * time.Minute
	if sessionTTL <= 0 {
		sessionTTL = 20 * time.Minute
	}
	preflightTTL := time.Duration(p.PreflightTTLSeconds) * time.Second
	if preflightTTL <= 0 {
		preflightTTL = 300 * time.Second
	}

	return &Credential{
		Provider:     p.Provider,
		Host:         p.Host,
		Port:         p.Port,
		Username:     p.Username,
		Password:     p.Password,
		GeoEnabled:   p.GeoEnabled,
		CountryCode:  strings.ToLower(p.CountryCode),
		SessionTTL:   sessionTTL,
		PreflightTTL: preflightTTL,
	}, nil
}

// MaskedUsernameTail returns the last 4 characters of the username, or a
// fixed placeholder for short usernames. The only credential-derived data
// permitted in logs and metrics.
func (c *Credential) MaskedUsernameTail() string {
	if len(c.Username) <= 4 {
		return "****"
	}
	return c.Username[len(c.Username)-4:]
}
