package engine

import (
	"errors"
	"fmt"
)

// Kind buckets stage failures so the orchestrator's advance/retry logic is a
// plain switch over error kind rather than a chain of type assertions.
type Kind int

const (
	KindConfig    Kind = iota // malformed/missing secret — fatal at startup
	KindAuth                  // proxy rejected credentials — one rotation retry
	KindTransport             // network/timeout — advance after stage retry policy
	KindContent               // classified response — cookie-refresh retry for consent only
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindContent:
		return "content"
	}
	return "unknown"
}

// Error is the engine's typed failure value. Verdict is meaningful only for
// KindContent. Expected failure paths always travel as *Error — panics are
// reserved for genuine internal bugs.
type Error struct {
	Kind    Kind
	Verdict Verdict
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// AuthError marks a proxy credential rejection.
func AuthError(msg string) *Error {
	return &Error{Kind: KindAuth, Msg: msg}
}

// TransportError wraps a network-level failure.
func TransportError(msg string, err error) *Error {
	return &Error{Kind: KindTransport, Msg: msg, Err: err}
}

// ContentError records a classified-but-unusable response.
func ContentError(v Verdict) *Error {
	return &Error{Kind: KindContent, Verdict: v, Msg: v.String()}
}

// BlockedContentError is ContentError with the blocking page's title
// attached, so stage-failure logs name the wall that was served.
func BlockedContentError(v Verdict, body string) *Error {
	e := ContentError(v)
	if v == VerdictHTMLResponse || v == VerdictConsentOrCaptcha {
		if title := HTMLTitle(body); title != "" {
			e.Msg = title
		}
	}
	return e
}

// ErrKind extracts the engine kind from err; ok is false for foreign errors
// (which the orchestrator treats as transport-level).
func ErrKind(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// ErrVerdict extracts the classification verdict from a KindContent error.
func ErrVerdict(err error) (Verdict, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindContent {
		return e.Verdict, true
	}
	return 0, false
}

// Machine-readable result codes surfaced to callers. Never accompanied by a
// credential or raw proxy URL.
const (
	CodeProxyRequired       = "PROXY_REQUIRED"
	CodeProxyAuthFailed     = "PROXY_AUTH_FAILED"
	CodeAllMethodsExhausted = "ALL_METHODS_EXHAUSTED"
)
