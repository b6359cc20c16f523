// ytscribe — YouTube transcript extraction MCP server.
//
// Exposes three MCP tools: transcript_get, engine_health, transcript_history.
// Extraction runs a fallback chain (native transcript API → structured player
// endpoint → browser capture → audio transcription) through a sticky
// residential proxy session with preflight health checks and per-stage
// circuit breakers.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anatolykoptev/go-kit/env"
	"github.com/anatolykoptev/go-mcpserver"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"ytscribe/internal/collab"
	"ytscribe/internal/engine"
	"ytscribe/internal/engine/stages"
	"ytscribe/internal/proxy"
	"ytscribe/internal/toolserver"
)

var (
	version = "dev"
	mcpPort = env.Str("MCP_PORT", "8893")
)

func main() {
	orch := initEngine()

	slog.Info("starting ytscribe",
		slog.String("port", mcpPort),
	)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "ytscribe",
		Version: version,
	}, nil)

	toolserver.RegisterTools(server, orch)
	slog.Info("tools registered", slog.Int("count", 3))

	if err := mcpserver.Run(server, mcpserver.Config{
		Name:         "ytscribe",
		Version:      version,
		Port:         mcpPort,
		WriteTimeout: 600 * time.Second,
		Metrics:      engine.FormatMetrics,
	}); err != nil {
		slog.Error("server failed", slog.Any("error", err))
	}
}

func initEngine() *engine.Orchestrator {
	c := engine.Config{
		ProxyEnforced:         envBool("PROXY_ENFORCED", true),
		SecretRef:             env.Str("PROXY_SECRET_REF", ""),
		SecretLegacy:          envBool("PROXY_SECRET_LEGACY", false),
		PreflightTTL:          env.Duration("PREFLIGHT_TTL", 300*time.Second),
		PreflightMaxPerMinute: env.Int("PREFLIGHT_MAX_PER_MINUTE", 10),
		PreflightTimeout:      env.Duration("PREFLIGHT_TIMEOUT", 10*time.Second),
		BreakerThreshold:      env.Int("BREAKER_THRESHOLD", 5),
		BreakerRecovery:       env.Duration("BREAKER_RECOVERY", 600*time.Second),
		SessionTTL:            env.Duration("SESSION_TTL", 0),
		StageTimeout:          env.Duration("STAGE_TIMEOUT", 45*time.Second),
		PreferredLangs:        env.List("PREFERRED_LANGS", "en"),
		CacheTTL:              env.Duration("CACHE_TTL", 15*time.Minute),
		CacheMaxEntries:       env.Int("CACHE_MAX_ENTRIES", 1000),
		CacheCleanupInterval:  env.Duration("CACHE_CLEANUP_INTERVAL", 300*time.Second),
		HistoryDBPath:         env.Str("HISTORY_DB", ""),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     60 * time.Second,
			},
		},
	}
	if c.SecretRef == "" && env.Str("PROXY_SECRET_JSON", "") != "" {
		c.SecretRef = "inline"
	}
	engine.Init(c)
	engine.InitCache(env.Str("REDIS_URL", ""), c.CacheTTL, c.CacheMaxEntries, c.CacheCleanupInterval)

	store := secretStore()
	cred, rawSecret := loadCredential(store, c.SecretRef, c.SecretLegacy)
	if cred == nil && c.ProxyEnforced {
		slog.Warn("no proxy credential configured, all extraction will be refused (PROXY_ENFORCED=true)")
	}

	monitor := proxy.NewMonitor(cred, proxy.MonitorConfig{
		TTL:          c.PreflightTTL,
		MaxPerMinute: c.PreflightMaxPerMinute,
		ProbeTimeout: c.PreflightTimeout,
	})

	// The expensive stages are backed by external services and only join the
	// chain when configured.
	chain := []engine.Stage{
		stages.NativeAPI(),
		stages.Structured(),
	}
	if captureURL := env.Str("CAPTURE_SERVICE_URL", ""); captureURL != "" {
		chain = append(chain, stages.BrowserCapture(collab.NewBrowserService(captureURL)))
		slog.Info("browser capture stage enabled")
	}
	if asrURL := env.Str("ASR_SERVICE_URL", ""); asrURL != "" {
		chain = append(chain, stages.AudioTranscription(collab.NewASRService(asrURL, env.Str("ASR_API_KEY", ""))))
		slog.Info("audio transcription stage enabled")
	}

	// Session TTL: explicit SESSION_TTL wins, else the secret's
	// session_ttl_minutes, else the registry's 20m default.
	return engine.NewOrchestrator(engine.Options{
		Registry:     proxy.NewRegistry(proxy.SessionTTLFor(c.SessionTTL, cred)),
		Monitor:      monitor,
		Breaker:      engine.NewBreaker(c.BreakerThreshold, c.BreakerRecovery),
		Cookies:      collab.NewConsentCookies(),
		Secrets:      store,
		SecretRef:    c.SecretRef,
		Credential:   cred,
		RawSecret:    rawSecret,
		Stages:       chain,
		StageTimeout: c.StageTimeout,
	})
}

// secretStore picks the credential source: an inline JSON payload, a secrets
// directory, or environment variables, in that order.
func secretStore() proxy.SecretStore {
	if inline := env.Str("PROXY_SECRET_JSON", ""); inline != "" {
		return proxy.StaticStore{Payload: []byte(inline)}
	}
	if dir := env.Str("PROXY_SECRET_FILE", ""); dir != "" {
		return proxy.FileStore{Dir: dir}
	}
	return proxy.EnvStore{}
}

// loadCredential fetches and validates the proxy secret. A malformed secret
// is fatal: failing at startup beats burning requests against a broken proxy.
func loadCredential(store proxy.SecretStore, ref string, legacy bool) (*proxy.Credential, []byte) {
	if ref == "" {
		return nil, nil
	}

	raw, err := store.Fetch(context.Background(), ref)
	if err != nil {
		slog.Error("proxy secret fetch failed", slog.String("ref", ref), slog.Any("error", err))
		os.Exit(1)
	}

	var cred *proxy.Credential
	if legacy {
		cred, err = proxy.ParseLegacyCredential(raw)
	} else {
		cred, err = proxy.ParseCredential(raw)
	}
	if err != nil {
		slog.Error("proxy secret invalid", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("proxy credential loaded",
		slog.String("provider", cred.Provider),
		slog.String("user_tail", cred.MaskedUsernameTail()),
		slog.Bool("geo", cred.GeoEnabled),
	)
	return cred, raw
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(env.Str(key, ""))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}
