package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AuthFailed is the distinct preflight error for proxy credential rejection.
// The orchestrator treats it as the trigger for a one-time secret re-fetch.
const AuthFailed = "auth_failed"

// probeURL is a fixed low-cost endpoint: empty 204 body, no redirects.
const probeURL = "http://www.gstatic.com/generate_204"

// ProbeFunc performs one real connectivity check through the proxy and
// returns the HTTP status observed. Injectable for tests.
type ProbeFunc func(ctx context.Context, cred *Credential) (status int, err error)

// preflightRecord caches one probe verdict. Expired iff now > at+ttl;
// an absent record is always expired.
type preflightRecord struct {
	healthy bool
	errStr  string
	at      time.Time
	ttl     time.Duration
}

// MonitorConfig tunes the preflight health monitor.
type MonitorConfig struct {
	TTL          time.Duration // base cache TTL (default 300s)
	MaxPerMinute int           // real probes per rolling 60s window (default 10)
	ProbeTimeout time.Duration // per-probe timeout (default 10s)
	Probe        ProbeFunc     // nil = HTTP probe through the proxy
}

// Monitor performs lightweight proxy health checks with a jittered-TTL cache
// and a rate limiter in front of real probes. Safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	rec     *preflightRecord
	limiter *rate.Limiter
	ttl     time.Duration
	probe   ProbeFunc
	timeout time.Duration

	hits       int64
	misses     int64
	latTotalMs float64
	latCount   int64

	maskedTail string
	now        func() time.Time
	jitter     func() float64 // uniform [0,1)
}

// NewMonitor builds a preflight monitor for the given credential.
func NewMonitor(cred *Credential, cfg MonitorConfig) *Monitor {
	ttl := cfg.TTL
	if ttl <= 0 {
		if cred != nil && cred.PreflightTTL > 0 {
			ttl = cred.PreflightTTL
		} else {
			ttl = 300 * time.Second
		}
	}
	maxPerMin := cfg.MaxPerMinute
	if maxPerMin <= 0 {
		maxPerMin = 10
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probe := cfg.Probe
	if probe == nil {
		probe = httpProbe
	}
	tail := "****"
	if cred != nil {
		tail = cred.MaskedUsernameTail()
	}
	return &Monitor{
		limiter:    rate.NewLimiter(rate.Limit(float64(maxPerMin)/60.0), maxPerMin),
		ttl:        ttl,
		probe:      probe,
		timeout:    timeout,
		maskedTail: tail,
		now:        time.Now,
		jitter:     rand.Float64,
	}
}

// Check returns the proxy health verdict. Cached records are served until
// their jittered TTL expires unless forceRefresh is set. When the rate
// limiter denies a real probe the last record is returned even if expired —
// degrade gracefully rather than block.
func (m *Monitor) Check(ctx context.Context, cred *Credential, forceRefresh bool) (bool, string) {
	m.mu.Lock()

	// Track the credential actually in use so a secret refresh is
	// reflected on the health surface.
	if cred != nil {
		m.maskedTail = cred.MaskedUsernameTail()
	}

	if !forceRefresh && m.rec != nil && !m.expiredLocked(m.rec) {
		m.hits++
		healthy, errStr := m.rec.healthy, m.rec.errStr
		m.mu.Unlock()
		return healthy, errStr
	}

	if !m.limiter.Allow() {
		if m.rec != nil {
			m.hits++
			healthy, errStr := m.rec.healthy, m.rec.errStr
			m.mu.Unlock()
			slog.Debug("preflight: rate limited, serving stale record")
			return healthy, errStr
		}
		m.mu.Unlock()
		return false, "rate_limited"
	}
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := m.now()
	status, err := m.probe(probeCtx, cred)
	elapsed := m.now().Sub(start)

	healthy := false
	errStr := ""
	switch {
	case err != nil:
		errStr = fmt.Sprintf("probe failed: %v", err)
	case status == http.StatusProxyAuthRequired || status == http.StatusUnauthorized:
		errStr = AuthFailed
	case status >= 200 && status < 300:
		healthy = true
	default:
		errStr = fmt.Sprintf("probe status %d", status)
	}

	m.mu.Lock()
	m.misses++
	m.latTotalMs += float64(elapsed.Microseconds()) / 1000.0
	m.latCount++
	m.set(healthy, errStr)
	tail := m.maskedTail
	m.mu.Unlock()

	if !healthy {
		slog.Warn("preflight: proxy unhealthy",
			slog.String("error", errStr),
			slog.String("proxy_user_tail", tail))
	}
	return healthy, errStr
}

// set writes a fresh record with jittered TTL: base ±10%, recomputed on
// every write so cached lifetimes are not predictable or synchronizable.
func (m *Monitor) set(healthy bool, errStr string) {
	jittered := time.Duration(float64(m.ttl) * (0.9 + 0.2*m.jitter()))
	m.rec = &preflightRecord{
		healthy: healthy,
		errStr:  errStr,
		at:      m.now(),
		ttl:     jittered,
	}
}

func (m *Monitor) expiredLocked(r *preflightRecord) bool {
	return m.now().After(r.at.Add(r.ttl))
}

// MonitorMetrics is a read-only snapshot of preflight counters.
// Healthy is "healthy"/"unhealthy"/"unknown"; no credential data beyond
// the masked username tail ever appears here.
type MonitorMetrics struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Total        int64   `json:"total"`
	HitRate      float64 `json:"hit_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	Healthy      string  `json:"healthy"`
	UserTail     string  `json:"proxy_user_tail"`
}

// Metrics returns the current counter snapshot.
func (m *Monitor) Metrics() MonitorMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := MonitorMetrics{
		Hits:     m.hits,
		Misses:   m.misses,
		Total:    m.hits + m.misses,
		Healthy:  "unknown",
		UserTail: m.maskedTail,
	}
	if out.Total > 0 {
		out.HitRate = float64(m.hits) / float64(out.Total)
	}
	if m.latCount > 0 {
		out.AvgLatencyMs = m.latTotalMs / float64(m.latCount)
	}
	if m.rec != nil {
		if m.rec.healthy {
			out.Healthy = "healthy"
		} else {
			out.Healthy = "unhealthy"
		}
	}
	return out
}

// httpProbe GETs the fixed low-cost endpoint through the credential's proxy.
// Uses a throwaway session token so probes don't disturb sticky sessions.
func httpProbe(ctx context.Context, cred *Credential) (int, error) {
	if cred == nil {
		return 0, fmt.Errorf("no proxy credential configured")
	}
	probeSession := Session{EntityID: "preflight", Token: "preflight0"}
	proxyURL, err := url.Parse(probeSession.ProxyURL(cred))
	if err != nil {
		return 0, fmt.Errorf("parse proxy url: %w", err)
	}

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyURL(proxyURL),
			MaxIdleConns:        1,
			IdleConnTimeout:     5 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
