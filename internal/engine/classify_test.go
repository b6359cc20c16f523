package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
		want        Verdict
	}{
		{
			name:        "well-formed caption xml",
			body:        `<?xml version="1.0"?><transcript><text start="0.0" dur="1.2">hello</text></transcript>`,
			contentType: "text/xml; charset=utf-8",
			want:        VerdictValid,
		},
		{
			name:        "empty body",
			body:        "",
			contentType: "text/xml",
			want:        VerdictEmptyBody,
		},
		{
			name:        "whitespace-only body",
			body:        "  \n\t ",
			contentType: "text/xml",
			want:        VerdictEmptyBody,
		},
		{
			name:        "consent interstitial",
			body:        `<html><head><title>Before you continue</title></head><body>We use cookies</body></html>`,
			contentType: "text/html",
			want:        VerdictConsentOrCaptcha,
		},
		{
			name:        "captcha challenge",
			body:        `<html><body>Please verify you are human to proceed.</body></html>`,
			contentType: "text/html",
			want:        VerdictConsentOrCaptcha,
		},
		{
			name:        "unusual traffic block page",
			body:        `<html><body>Our systems have detected unusual traffic from your network.</body></html>`,
			contentType: "text/html",
			want:        VerdictConsentOrCaptcha,
		},
		{
			name:        "generic html where xml expected",
			body:        `<html><head><title>Watch later</title></head><body>player shell</body></html>`,
			contentType: "text/html",
			want:        VerdictHTMLResponse,
		},
		{
			name:        "html sniffed from body despite xml content type",
			body:        `<html><body>redirected</body></html>`,
			contentType: "text/xml",
			want:        VerdictHTMLResponse,
		},
		{
			name:        "plain text payload",
			body:        `{"captions": []}`,
			contentType: "text/plain",
			want:        VerdictNotXMLFormat,
		},
		{
			name:        "valid json payload",
			body:        `{"actions":[{"transcript":"hi"}]}`,
			contentType: "application/json",
			want:        VerdictValid,
		},
		{
			name:        "truncated json payload",
			body:        `{"actions":[`,
			contentType: "application/json",
			want:        VerdictXMLParseError,
		},
		{
			name:        "unclosed xml element",
			body:        `<transcript><text start="0.0">truncated`,
			contentType: "text/xml",
			want:        VerdictXMLParseError,
		},
		{
			name:        "mismatched closing tag",
			body:        `<transcript><text>hi</transcript></text>`,
			contentType: "text/xml",
			want:        VerdictXMLParseError,
		},
		{
			name:        "angle-bracket body with no content type",
			body:        `<transcript><text>hi</text></transcript>`,
			contentType: "",
			want:        VerdictValid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.body, 200, tt.contentType))
		})
	}
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "valid", VerdictValid.String())
	assert.Equal(t, "html_consent_or_captcha", VerdictConsentOrCaptcha.String())
	assert.Equal(t, "xml_parse_error", VerdictXMLParseError.String())
}

func TestRetryWithCredentialRefresh(t *testing.T) {
	assert.True(t, VerdictConsentOrCaptcha.RetryWithCredentialRefresh())
	for _, v := range []Verdict{VerdictValid, VerdictEmptyBody, VerdictHTMLResponse, VerdictNotXMLFormat, VerdictXMLParseError} {
		assert.False(t, v.RetryWithCredentialRefresh(), v.String())
	}
}

func TestHTMLTitle(t *testing.T) {
	assert.Equal(t, "Before you continue",
		HTMLTitle(`<html><head><title> Before you continue </title></head></html>`))
	assert.Equal(t, "", HTMLTitle("no markup here"))
}

func TestBlockedContentErrorCarriesPageTitle(t *testing.T) {
	wall := BlockedContentError(VerdictConsentOrCaptcha,
		`<html><head><title>Before you continue to YouTube</title></head><body>consent</body></html>`)
	assert.Equal(t, VerdictConsentOrCaptcha, wall.Verdict)
	assert.Equal(t, "Before you continue to YouTube", wall.Msg)

	// Non-HTML verdicts and untitled pages keep the plain verdict message.
	plain := BlockedContentError(VerdictNotXMLFormat, "plain text")
	assert.Equal(t, "not_xml_format", plain.Msg)
	untitled := BlockedContentError(VerdictHTMLResponse, "<html><body>x</body></html>")
	assert.Equal(t, "html_response", untitled.Msg)
}

func TestBlockedPageTitle(t *testing.T) {
	withTitle := BlockedContentError(VerdictHTMLResponse,
		`<html><head><title>Access Denied</title></head></html>`)
	assert.Equal(t, "Access Denied", blockedPageTitle(withTitle))
	assert.Equal(t, "", blockedPageTitle(ContentError(VerdictEmptyBody)))
	assert.Equal(t, "", blockedPageTitle(TransportError("dial", nil)))
}

func TestHTTPStatusOK(t *testing.T) {
	assert.True(t, HTTPStatusOK(200))
	assert.True(t, HTTPStatusOK(204))
	assert.False(t, HTTPStatusOK(302))
	assert.False(t, HTTPStatusOK(407))
	assert.False(t, HTTPStatusOK(500))
}
