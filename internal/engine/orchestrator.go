package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ytscribe/internal/proxy"
)

// Canonical stage ids, in execution order.
const (
	StageNativeAPI  = "native_api"
	StageStructured = "structured_endpoint"
	StageBrowser    = "browser_capture"
	StageAudio      = "audio_transcription"
)

// StageRequest carries everything a stage needs for one attempt. ProxyURL is
// the sticky session endpoint; a retry after rotation gets a fresh one.
type StageRequest struct {
	EntityID string
	JobID    string
	ProxyURL string
	Cookies  string
	Langs    []string
}

// StageFunc is one extraction technique: (entity, session, cookies) →
// transcript or a typed failure. Implementations must respect ctx.
type StageFunc func(ctx context.Context, req StageRequest) (string, error)

// Stage pairs a stable id with its function.
type Stage struct {
	ID  string
	Run StageFunc
}

// StageFailure records why one stage did not produce a transcript.
type StageFailure struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// Result is the structured outcome of one orchestrator run. Expected
// failures never surface as errors — OK=false plus Code and the ordered
// per-stage failure list.
type Result struct {
	Transcript    string         `json:"transcript,omitempty"`
	OK            bool           `json:"ok"`
	Stage         string         `json:"stage,omitempty"`
	Code          string         `json:"code,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	Failures      []StageFailure `json:"failures,omitempty"`
}

// Options wires an Orchestrator.
type Options struct {
	Registry  *proxy.Registry
	Monitor   *proxy.Monitor
	Breaker   *Breaker
	Cookies   CookieProvider
	Secrets   proxy.SecretStore
	SecretRef string

	Credential *proxy.Credential // nil = no proxy configured
	RawSecret  []byte            // byte-identity check on refresh

	Stages       []Stage
	StageTimeout time.Duration
}

// Orchestrator runs the fixed fallback chain with preflight gating, per-stage
// circuit breaking, and session rotation on proxy auth failures.
type Orchestrator struct {
	registry *proxy.Registry
	monitor  *proxy.Monitor
	breaker  *Breaker
	cookies  CookieProvider
	secrets  proxy.SecretStore

	secretRef    string
	stages       []Stage
	stageTimeout time.Duration

	credMu    sync.Mutex
	cred      *proxy.Credential
	rawSecret []byte
}

func NewOrchestrator(o Options) *Orchestrator {
	cookies := o.Cookies
	if cookies == nil {
		cookies = NoopCookies{}
	}
	timeout := o.StageTimeout
	if timeout <= 0 {
		timeout = cfg.StageTimeout
	}
	return &Orchestrator{
		registry:     o.Registry,
		monitor:      o.Monitor,
		breaker:      o.Breaker,
		cookies:      cookies,
		secrets:      o.Secrets,
		secretRef:    o.SecretRef,
		stages:       o.Stages,
		stageTimeout: timeout,
		cred:         o.Credential,
		rawSecret:    o.RawSecret,
	}
}

// Credential returns the currently active proxy credential (nil when no
// proxy is configured).
func (o *Orchestrator) Credential() *proxy.Credential {
	o.credMu.Lock()
	defer o.credMu.Unlock()
	return o.cred
}

// Run executes the fallback chain for one entity. Requests for different
// entities proceed fully in parallel; runs for the same entity serialize on
// the per-entity lock so retries never race on rotation.
func (o *Orchestrator) Run(ctx context.Context, entityID, jobID string) Result {
	IncrRuns()
	start := time.Now()

	res := o.run(ctx, entityID, jobID)
	res.CorrelationID = uuid.NewString()

	if res.OK {
		IncrRunsSucceeded()
		SetLastAttempt("ok")
	} else {
		SetLastAttempt(res.Code)
		if res.Code == CodeAllMethodsExhausted {
			IncrRunsExhausted()
		}
	}

	if err := RecordAttempt(ctx, Attempt{
		CorrelationID: res.CorrelationID,
		EntityID:      entityID,
		JobID:         jobID,
		Stage:         res.Stage,
		OK:            res.OK,
		Code:          res.Code,
		DurationMs:    time.Since(start).Milliseconds(),
	}); err != nil {
		slog.Debug("orchestrator: history write failed", slog.Any("error", err))
	}
	return res
}

func (o *Orchestrator) run(ctx context.Context, entityID, jobID string) Result {
	cacheKey := TranscriptCacheKey(entityID, cfg.PreferredLangs)
	if text, ok := TranscriptCacheGet(ctx, cacheKey); ok {
		return Result{Transcript: text, OK: true, Stage: "cache"}
	}

	cred := o.Credential()
	if cred == nil && cfg.ProxyEnforced {
		slog.Warn("orchestrator: proxy required but not configured")
		return Result{Code: CodeProxyRequired}
	}

	unlock := o.registry.LockEntity(entityID)
	defer unlock()

	if cred != nil {
		healthy, errStr := o.monitor.Check(ctx, cred, false)
		if !healthy && errStr == proxy.AuthFailed {
			refreshed, ok := o.refreshCredential(ctx)
			if !ok {
				return Result{Code: CodeProxyAuthFailed}
			}
			healthy, errStr = o.monitor.Check(ctx, refreshed, true)
			if !healthy && errStr == proxy.AuthFailed {
				return Result{Code: CodeProxyAuthFailed}
			}
			cred = refreshed
		}
		if !healthy {
			// Non-auth preflight failures are advisory: the probe target can
			// be down while the platform endpoints still work.
			slog.Warn("orchestrator: proceeding despite unhealthy preflight",
				slog.String("error", errStr))
		}
	}

	sess := o.registry.GetOrCreate(entityID)
	req := StageRequest{
		EntityID: entityID,
		JobID:    jobID,
		Cookies:  o.cookies.CurrentCookies(ctx, entityID),
		Langs:    cfg.PreferredLangs,
	}
	if cred != nil {
		req.ProxyURL = sess.ProxyURL(cred)
	}

	var failures []StageFailure
	for _, st := range o.stages {
		if o.breaker.IsOpen(st.ID) {
			IncrCircuitSkips()
			failures = append(failures, StageFailure{Stage: st.ID, Reason: "circuit_open"})
			continue
		}

		text, err := o.attempt(ctx, st, req)
		if err == nil && text == "" {
			err = ContentError(VerdictEmptyBody)
		}

		// One bounded retry per stage: refreshed consent cookies for a
		// consent/captcha wall, a rotated session for a proxy auth failure.
		if err != nil {
			if v, ok := ErrVerdict(err); ok && v.RetryWithCredentialRefresh() {
				if o.cookies.RefreshConsentCookies(ctx, entityID) {
					IncrConsentRetries()
					req.Cookies = o.cookies.CurrentCookies(ctx, entityID)
					text, err = o.attempt(ctx, st, req)
				}
			} else if k, ok := ErrKind(err); ok && k == KindAuth && cred != nil {
				IncrSessionRotations()
				o.registry.MarkBlocked(entityID)
				sess = o.registry.Rotate(entityID)
				req.ProxyURL = sess.ProxyURL(cred)
				slog.Info("orchestrator: session rotated",
					slog.String("stage", st.ID))
				text, err = o.attempt(ctx, st, req)
			}
			if err == nil && text == "" {
				err = ContentError(VerdictEmptyBody)
			}
		}

		if err == nil {
			o.breaker.RecordSuccess(st.ID)
			IncrStageSuccess(st.ID)
			o.registry.Touch(entityID)
			TranscriptCacheSet(ctx, cacheKey, text)
			return Result{Transcript: text, OK: true, Stage: st.ID, Failures: failures}
		}

		o.registry.MarkFailed(entityID)
		o.breaker.RecordFailure(st.ID)
		reason := failureReason(err)
		if title := blockedPageTitle(err); title != "" {
			slog.Warn("orchestrator: stage failed",
				slog.String("stage", st.ID),
				slog.String("reason", reason),
				slog.String("page_title", title))
		} else {
			slog.Warn("orchestrator: stage failed",
				slog.String("stage", st.ID),
				slog.String("reason", reason))
		}
		failures = append(failures, StageFailure{Stage: st.ID, Reason: reason})

		if ctx.Err() != nil {
			break
		}
	}

	return Result{OK: false, Code: CodeAllMethodsExhausted, Failures: failures}
}

// attempt runs one stage call under the per-stage timeout.
func (o *Orchestrator) attempt(ctx context.Context, st Stage, req StageRequest) (string, error) {
	IncrStageAttempt(st.ID)
	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()
	return st.Run(stageCtx, req)
}

// refreshCredential re-fetches the secret once after a preflight auth
// failure. A byte-identical payload means the proxy is durably broken —
// callers must not loop retrying.
func (o *Orchestrator) refreshCredential(ctx context.Context) (*proxy.Credential, bool) {
	if o.secrets == nil || o.secretRef == "" {
		return nil, false
	}

	raw, err := o.secrets.Fetch(ctx, o.secretRef)
	if err != nil {
		slog.Warn("orchestrator: secret re-fetch failed", slog.Any("error", err))
		return nil, false
	}

	o.credMu.Lock()
	defer o.credMu.Unlock()

	if bytes.Equal(raw, o.rawSecret) {
		slog.Error("orchestrator: refreshed secret identical, proxy durably broken",
			slog.String("proxy_user_tail", o.cred.MaskedUsernameTail()))
		return nil, false
	}

	var cred *proxy.Credential
	if cfg.SecretLegacy {
		cred, err = proxy.ParseLegacyCredential(raw)
	} else {
		cred, err = proxy.ParseCredential(raw)
	}
	if err != nil {
		slog.Warn("orchestrator: refreshed secret invalid", slog.Any("error", err))
		return nil, false
	}

	o.cred = cred
	o.rawSecret = raw
	slog.Info("orchestrator: proxy credential refreshed",
		slog.String("proxy_user_tail", cred.MaskedUsernameTail()))
	return cred, true
}

// failureReason maps an error onto the coarse reason vocabulary of the
// failure summary. Raw error text stays in logs, never in results.
func failureReason(err error) string {
	if v, ok := ErrVerdict(err); ok {
		return v.String()
	}
	if k, ok := ErrKind(err); ok {
		switch k {
		case KindAuth:
			return "proxy_auth_failed"
		case KindTransport:
			return "transport_error"
		case KindConfig:
			return "config_error"
		}
	}
	if err == context.DeadlineExceeded || err == context.Canceled {
		return "timeout"
	}
	return "transport_error"
}

// blockedPageTitle pulls the served page's title out of an HTML-verdict
// content error. Empty for every other failure; log-only, never persisted.
func blockedPageTitle(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindContent {
		return ""
	}
	if e.Verdict != VerdictHTMLResponse && e.Verdict != VerdictConsentOrCaptcha {
		return ""
	}
	if e.Msg == e.Verdict.String() {
		return ""
	}
	return e.Msg
}

// HealthSnapshot is the read-only metrics/health surface. Carries no entity
// ids and no raw error text — coarse categories only.
type HealthSnapshot struct {
	ProxyConfigured  bool              `json:"proxy_configured"`
	ProxyHealthy     string            `json:"proxy_healthy"` // healthy|unhealthy|unknown
	PreflightHitRate float64           `json:"preflight_hit_rate"`
	PreflightAvgMs   float64           `json:"preflight_avg_latency_ms"`
	ProxyUserTail    string            `json:"proxy_user_tail"`
	Circuits         map[string]string `json:"circuits"`
	LastAttempt      string            `json:"last_attempt"`
	ActiveSessions   int               `json:"active_sessions"`
}

// Health snapshots the engine state for the health surface.
func (o *Orchestrator) Health() HealthSnapshot {
	pm := o.monitor.Metrics()
	return HealthSnapshot{
		ProxyConfigured:  o.Credential() != nil,
		ProxyHealthy:     pm.Healthy,
		PreflightHitRate: pm.HitRate,
		PreflightAvgMs:   pm.AvgLatencyMs,
		ProxyUserTail:    pm.UserTail,
		Circuits:         o.breaker.States(),
		LastAttempt:      LastAttempt(),
		ActiveSessions:   o.registry.Len(),
	}
}
