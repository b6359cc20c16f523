package engine

import "context"

// External collaborators. The engine treats each as opaque: success/failure
// plus raw bytes to classify. Wiring happens in main; nil members degrade to
// the no-op implementations below.

// CookieProvider supplies the current cookie header for an entity and can
// refresh consent cookies when the classifier flags a consent/captcha wall.
type CookieProvider interface {
	CurrentCookies(ctx context.Context, entityID string) string
	RefreshConsentCookies(ctx context.Context, entityID string) bool
}

// BrowserCapturer drives a real browser through the proxy and returns the
// raw captured payload. DOM clicking and route interception live behind it.
type BrowserCapturer interface {
	Capture(ctx context.Context, entityID, jobID, proxyEndpoint, cookies string) ([]byte, error)
}

// AudioTranscriber downloads the entity's audio through the proxy and runs
// speech-to-text. Most expensive stage, always last.
type AudioTranscriber interface {
	Transcribe(ctx context.Context, entityID, jobID, proxyEndpoint string) (string, error)
}

// NoopCookies never has cookies and never refreshes.
type NoopCookies struct{}

func (NoopCookies) CurrentCookies(context.Context, string) string      { return "" }
func (NoopCookies) RefreshConsentCookies(context.Context, string) bool { return false }
