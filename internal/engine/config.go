package engine

import (
	"net/http"
	"time"
)

// Config holds all engine configuration, injected from main.
type Config struct {
	ProxyEnforced bool // reject all stages if no proxy credential is configured
	SecretRef     string
	SecretLegacy  bool // run the one-pass legacy percent-decode repair on load

	PreflightTTL          time.Duration
	PreflightMaxPerMinute int
	PreflightTimeout      time.Duration

	BreakerThreshold int
	BreakerRecovery  time.Duration

	SessionTTL   time.Duration
	StageTimeout time.Duration

	PreferredLangs []string // caption language preference order

	CacheTTL             time.Duration
	CacheMaxEntries      int
	CacheCleanupInterval time.Duration

	HistoryDBPath string

	HTTPClient *http.Client // direct (non-proxied) client for low-risk calls
}

var cfg Config

// Cfg exposes the engine configuration for sub-packages (stages, toolserver).
// Always points to the current cfg value.
var Cfg = &cfg

// Init initializes the engine with the given configuration.
func Init(c Config) {
	if c.StageTimeout <= 0 {
		c.StageTimeout = 45 * time.Second
	}
	if len(c.PreferredLangs) == 0 {
		c.PreferredLangs = []string{"en"}
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	cfg = c
	Cfg = &cfg
}
