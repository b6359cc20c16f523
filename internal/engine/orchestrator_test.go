package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytscribe/internal/proxy"
)

func testCredential(t *testing.T) *proxy.Credential {
	t.Helper()
	cred, err := proxy.ParseCredential([]byte(`{
		"provider": "resi", "host": "gw.resi.example", "port": 8080,
		"username": "acct-7731", "password": "p@ss:w!rd"
	}`))
	require.NoError(t, err)
	return cred
}

func testMonitor(cred *proxy.Credential, probe proxy.ProbeFunc) *proxy.Monitor {
	return proxy.NewMonitor(cred, proxy.MonitorConfig{
		TTL:          5 * time.Minute,
		MaxPerMinute: 100,
		ProbeTimeout: time.Second,
		Probe:        probe,
	})
}

func probeOK(context.Context, *proxy.Credential) (int, error) { return 204, nil }

// countingStage returns a stage whose call count is observable and whose
// behavior is driven by fn.
func countingStage(id string, calls *atomic.Int64, fn StageFunc) Stage {
	return Stage{ID: id, Run: func(ctx context.Context, req StageRequest) (string, error) {
		calls.Add(1)
		return fn(ctx, req)
	}}
}

func stageText(text string) StageFunc {
	return func(context.Context, StageRequest) (string, error) { return text, nil }
}

func stageErr(err error) StageFunc {
	return func(context.Context, StageRequest) (string, error) { return "", err }
}

func newTestOrchestrator(t *testing.T, cred *proxy.Credential, stages ...Stage) *Orchestrator {
	t.Helper()
	Init(Config{
		ProxyEnforced: cred != nil,
		HistoryDBPath: filepath.Join(t.TempDir(), "history.db"),
		StageTimeout:  5 * time.Second,
	})
	var mon *proxy.Monitor
	if cred != nil {
		mon = testMonitor(cred, probeOK)
	} else {
		mon = testMonitor(testCredential(t), probeOK)
	}
	return NewOrchestrator(Options{
		Registry:   proxy.NewRegistry(20 * time.Minute),
		Monitor:    mon,
		Breaker:    NewBreaker(5, 10*time.Minute),
		Credential: cred,
		Stages:     stages,
	})
}

func TestRunFallbackOrderingShortCircuits(t *testing.T) {
	var c1, c2, c3, c4 atomic.Int64
	o := newTestOrchestrator(t, testCredential(t),
		countingStage(StageNativeAPI, &c1, stageText("")),
		countingStage(StageStructured, &c2, stageText("Hello transcript")),
		countingStage(StageBrowser, &c3, stageText("never")),
		countingStage(StageAudio, &c4, stageText("never")),
	)

	res := o.Run(context.Background(), "vid-001", "job-1")

	assert.True(t, res.OK)
	assert.Equal(t, "Hello transcript", res.Transcript)
	assert.Equal(t, StageStructured, res.Stage)
	assert.NotEmpty(t, res.CorrelationID)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, StageNativeAPI, res.Failures[0].Stage)
	assert.Equal(t, "empty_body", res.Failures[0].Reason)

	assert.EqualValues(t, 1, c1.Load())
	assert.EqualValues(t, 1, c2.Load())
	assert.EqualValues(t, 0, c3.Load(), "later stages must not run after a success")
	assert.EqualValues(t, 0, c4.Load())
}

func TestRunAllStagesExhausted(t *testing.T) {
	var calls atomic.Int64
	fail := stageErr(TransportError("connect", fmt.Errorf("connection refused")))
	o := newTestOrchestrator(t, testCredential(t),
		countingStage(StageNativeAPI, &calls, fail),
		countingStage(StageStructured, &calls, fail),
		countingStage(StageBrowser, &calls, fail),
		countingStage(StageAudio, &calls, fail),
	)

	res := o.Run(context.Background(), "vid-002", "job-2")

	assert.False(t, res.OK)
	assert.Equal(t, CodeAllMethodsExhausted, res.Code)
	assert.Empty(t, res.Transcript)
	require.Len(t, res.Failures, 4)
	for _, f := range res.Failures {
		assert.Equal(t, "transport_error", f.Reason)
	}
	// Transport errors get no intra-stage retry.
	assert.EqualValues(t, 4, calls.Load())
}

func TestRunAuthErrorRotatesOnceThenAdvances(t *testing.T) {
	var calls atomic.Int64
	var proxyURLs []string
	auth := func(_ context.Context, req StageRequest) (string, error) {
		proxyURLs = append(proxyURLs, req.ProxyURL)
		return "", AuthError("407 from gateway")
	}
	o := newTestOrchestrator(t, testCredential(t),
		countingStage(StageNativeAPI, &calls, auth),
		countingStage(StageStructured, &calls, auth),
	)

	res := o.Run(context.Background(), "vid-003", "job-3")

	assert.False(t, res.OK)
	assert.Equal(t, CodeAllMethodsExhausted, res.Code)
	// Bounded: one rotation retry per stage, so stages × 2 total attempts.
	assert.EqualValues(t, 4, calls.Load())

	require.Len(t, proxyURLs, 4)
	assert.NotEqual(t, proxyURLs[0], proxyURLs[1],
		"retry after rotation must carry a different session endpoint")
	for _, u := range proxyURLs {
		assert.Contains(t, u, "gw.resi.example")
	}
}

type fakeCookies struct {
	current   atomic.Value // string
	refreshed atomic.Int64
}

func (f *fakeCookies) CurrentCookies(context.Context, string) string {
	v, _ := f.current.Load().(string)
	return v
}

func (f *fakeCookies) RefreshConsentCookies(context.Context, string) bool {
	f.refreshed.Add(1)
	f.current.Store("CONSENT=YES+fresh")
	return true
}

func TestRunConsentWallRetriesWithFreshCookies(t *testing.T) {
	var calls atomic.Int64
	var seenCookies []string
	stage := func(_ context.Context, req StageRequest) (string, error) {
		seenCookies = append(seenCookies, req.Cookies)
		if calls.Load() == 1 {
			return "", ContentError(VerdictConsentOrCaptcha)
		}
		return "post-consent transcript", nil
	}
	cookies := &fakeCookies{}
	cookies.current.Store("CONSENT=PENDING")

	Init(Config{
		ProxyEnforced: true,
		HistoryDBPath: filepath.Join(t.TempDir(), "history.db"),
		StageTimeout:  5 * time.Second,
	})
	cred := testCredential(t)
	o := NewOrchestrator(Options{
		Registry:   proxy.NewRegistry(20 * time.Minute),
		Monitor:    testMonitor(cred, probeOK),
		Breaker:    NewBreaker(5, 10*time.Minute),
		Cookies:    cookies,
		Credential: cred,
		Stages:     []Stage{countingStage(StageNativeAPI, &calls, stage)},
	})

	res := o.Run(context.Background(), "vid-004", "job-4")

	assert.True(t, res.OK)
	assert.Equal(t, "post-consent transcript", res.Transcript)
	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 1, cookies.refreshed.Load(), "exactly one refresh per stage attempt")
	require.Len(t, seenCookies, 2)
	assert.Equal(t, "CONSENT=PENDING", seenCookies[0])
	assert.Equal(t, "CONSENT=YES+fresh", seenCookies[1])
}

func TestRunProxyRequiredWithoutCredential(t *testing.T) {
	var calls atomic.Int64
	Init(Config{
		ProxyEnforced: true,
		HistoryDBPath: filepath.Join(t.TempDir(), "history.db"),
		StageTimeout:  5 * time.Second,
	})
	o := NewOrchestrator(Options{
		Registry: proxy.NewRegistry(20 * time.Minute),
		Monitor:  testMonitor(testCredential(t), probeOK),
		Breaker:  NewBreaker(5, 10*time.Minute),
		Stages:   []Stage{countingStage(StageNativeAPI, &calls, stageText("x"))},
	})

	res := o.Run(context.Background(), "vid-005", "job-5")

	assert.False(t, res.OK)
	assert.Equal(t, CodeProxyRequired, res.Code)
	assert.EqualValues(t, 0, calls.Load(), "no stage may run without an enforced proxy")
}

func TestRunDirectModeWhenNotEnforced(t *testing.T) {
	var calls atomic.Int64
	var sawProxy string
	stage := func(_ context.Context, req StageRequest) (string, error) {
		sawProxy = req.ProxyURL
		return "direct transcript", nil
	}
	Init(Config{
		ProxyEnforced: false,
		HistoryDBPath: filepath.Join(t.TempDir(), "history.db"),
		StageTimeout:  5 * time.Second,
	})
	o := NewOrchestrator(Options{
		Registry: proxy.NewRegistry(20 * time.Minute),
		Monitor:  testMonitor(testCredential(t), probeOK),
		Breaker:  NewBreaker(5, 10*time.Minute),
		Stages:   []Stage{countingStage(StageNativeAPI, &calls, stage)},
	})

	res := o.Run(context.Background(), "vid-006", "job-6")

	assert.True(t, res.OK)
	assert.Empty(t, sawProxy, "direct mode passes no proxy endpoint")
}

func TestRunSkipsOpenCircuit(t *testing.T) {
	var c1, c2 atomic.Int64
	cred := testCredential(t)
	breaker := NewBreaker(1, 10*time.Minute)
	breaker.RecordFailure(StageNativeAPI) // threshold 1 → open

	Init(Config{
		ProxyEnforced: true,
		HistoryDBPath: filepath.Join(t.TempDir(), "history.db"),
		StageTimeout:  5 * time.Second,
	})
	o := NewOrchestrator(Options{
		Registry:   proxy.NewRegistry(20 * time.Minute),
		Monitor:    testMonitor(cred, probeOK),
		Breaker:    breaker,
		Credential: cred,
		Stages: []Stage{
			countingStage(StageNativeAPI, &c1, stageText("unreachable")),
			countingStage(StageStructured, &c2, stageText("via fallback")),
		},
	})

	res := o.Run(context.Background(), "vid-007", "job-7")

	assert.True(t, res.OK)
	assert.Equal(t, StageStructured, res.Stage)
	assert.EqualValues(t, 0, c1.Load(), "open circuit must skip without attempting")
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "circuit_open", res.Failures[0].Reason)
}

func TestRunServesCachedTranscript(t *testing.T) {
	var calls atomic.Int64
	o := newTestOrchestrator(t, testCredential(t),
		countingStage(StageNativeAPI, &calls, stageText("cached once")),
	)
	InitCache("", time.Minute, 16, time.Hour)

	first := o.Run(context.Background(), "vid-008", "job-8a")
	require.True(t, first.OK)
	assert.Equal(t, StageNativeAPI, first.Stage)

	second := o.Run(context.Background(), "vid-008", "job-8b")
	assert.True(t, second.OK)
	assert.Equal(t, "cache", second.Stage)
	assert.Equal(t, "cached once", second.Transcript)
	assert.EqualValues(t, 1, calls.Load(), "cache hit must not re-run stages")
}

func TestRunPreflightAuthFailureRefreshesSecretOnce(t *testing.T) {
	// Probe rejects the stale credential, accepts the refreshed one.
	probe := func(_ context.Context, cred *proxy.Credential) (int, error) {
		if cred.Username == "acct-7731" {
			return 407, nil
		}
		return 204, nil
	}

	staleRaw := []byte(`{"provider":"resi","host":"gw.resi.example","port":8080,"username":"acct-7731","password":"old"}`)
	freshRaw := []byte(`{"provider":"resi","host":"gw.resi.example","port":8080,"username":"acct-9944","password":"new"}`)
	stale, err := proxy.ParseCredential(staleRaw)
	require.NoError(t, err)

	Init(Config{
		ProxyEnforced: true,
		SecretRef:     "projects/p/secrets/resi-proxy",
		HistoryDBPath: filepath.Join(t.TempDir(), "history.db"),
		StageTimeout:  5 * time.Second,
	})
	var calls atomic.Int64
	o := NewOrchestrator(Options{
		Registry:   proxy.NewRegistry(20 * time.Minute),
		Monitor:    testMonitor(stale, probe),
		Breaker:    NewBreaker(5, 10*time.Minute),
		Secrets:    proxy.StaticStore{Payload: freshRaw},
		SecretRef:  "projects/p/secrets/resi-proxy",
		Credential: stale,
		RawSecret:  staleRaw,
		Stages: []Stage{
			countingStage(StageNativeAPI, &calls, stageText("after refresh")),
		},
	})

	res := o.Run(context.Background(), "vid-009", "job-9")

	assert.True(t, res.OK)
	assert.Equal(t, "after refresh", res.Transcript)
	require.NotNil(t, o.Credential())
	assert.Equal(t, "acct-9944", o.Credential().Username)
	assert.Equal(t, "9944", o.Health().ProxyUserTail,
		"health surface must report the refreshed credential's tail")
}

func TestRunPreflightAuthFailureIdenticalSecretIsTerminal(t *testing.T) {
	probe := func(context.Context, *proxy.Credential) (int, error) { return 407, nil }
	raw := []byte(`{"provider":"resi","host":"gw.resi.example","port":8080,"username":"acct-7731","password":"old"}`)
	cred, err := proxy.ParseCredential(raw)
	require.NoError(t, err)

	Init(Config{
		ProxyEnforced: true,
		HistoryDBPath: filepath.Join(t.TempDir(), "history.db"),
		StageTimeout:  5 * time.Second,
	})
	var calls atomic.Int64
	o := NewOrchestrator(Options{
		Registry:   proxy.NewRegistry(20 * time.Minute),
		Monitor:    testMonitor(cred, probe),
		Breaker:    NewBreaker(5, 10*time.Minute),
		Secrets:    proxy.StaticStore{Payload: raw},
		SecretRef:  "projects/p/secrets/resi-proxy",
		Credential: cred,
		RawSecret:  raw,
		Stages: []Stage{
			countingStage(StageNativeAPI, &calls, stageText("never")),
		},
	})

	res := o.Run(context.Background(), "vid-010", "job-10")

	assert.False(t, res.OK)
	assert.Equal(t, CodeProxyAuthFailed, res.Code)
	assert.EqualValues(t, 0, calls.Load(), "terminal auth failure must not reach stages")
}

func TestHealthSnapshotMasksCredential(t *testing.T) {
	cred := testCredential(t)
	o := newTestOrchestrator(t, cred,
		Stage{ID: StageNativeAPI, Run: stageText("ok")},
	)

	res := o.Run(context.Background(), "vid-011", "job-11")
	require.True(t, res.OK)

	h := o.Health()
	assert.True(t, h.ProxyConfigured)
	assert.Equal(t, "healthy", h.ProxyHealthy)
	assert.Equal(t, "7731", h.ProxyUserTail)
	assert.NotContains(t, h.ProxyUserTail, "acct")
	assert.Equal(t, 1, h.ActiveSessions)
	assert.Equal(t, "ok", h.LastAttempt)
	assert.Contains(t, h.Circuits, StageNativeAPI)
	assert.Equal(t, "closed", h.Circuits[StageNativeAPI])
}
