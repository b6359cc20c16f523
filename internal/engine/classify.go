package engine

import (
	"encoding/json"
	"encoding/xml"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// Verdict classifies a raw response body after transport succeeded.
type Verdict int

const (
	VerdictValid Verdict = iota
	VerdictEmptyBody
	VerdictHTMLResponse
	VerdictConsentOrCaptcha
	VerdictNotXMLFormat
	VerdictXMLParseError
)

func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictEmptyBody:
		return "empty_body"
	case VerdictHTMLResponse:
		return "html_response"
	case VerdictConsentOrCaptcha:
		return "html_consent_or_captcha"
	case VerdictNotXMLFormat:
		return "not_xml_format"
	case VerdictXMLParseError:
		return "xml_parse_error"
	}
	return "unknown"
}

// RetryWithCredentialRefresh reports whether the stage should be retried
// once with refreshed consent cookies before giving up.
func (v Verdict) RetryWithCredentialRefresh() bool {
	return v == VerdictConsentOrCaptcha
}

// markupIndicators betray a web page where structured data was expected.
var markupIndicators = []string{"<html", "<head", "<script", "<style"}

// blockKeywords are the consent/captcha/block phrases platforms substitute
// for real responses. Matched case-insensitively.
var blockKeywords = []string{
	"before you continue",
	"consent",
	"captcha",
	"verify you are human",
	"unusual traffic",
	"access denied",
}

// HTTPStatusOK reports whether status is in the 2xx success range. Non-OK
// responses are transport failures and not the classifier's concern.
func HTTPStatusOK(status int) bool {
	return status >= 200 && status < 300
}

// Classify inspects a response body and maps it onto the verdict taxonomy.
// First match wins: empty body, consent/captcha wall, generic HTML page,
// non-XML/JSON payload, then a well-formedness check of the structured body.
// Pure string work — unit-testable with literals.
func Classify(body string, status int, contentType string) Verdict {
	_ = status // transport-level statuses are filtered by the caller

	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return VerdictEmptyBody
	}

	lowerBody := strings.ToLower(trimmed)
	lowerCT := strings.ToLower(contentType)

	markup := strings.Contains(lowerCT, "html")
	if !markup {
		for _, ind := range markupIndicators {
			if strings.Contains(lowerBody, ind) {
				markup = true
				break
			}
		}
	}
	if markup {
		for _, kw := range blockKeywords {
			if strings.Contains(lowerBody, kw) {
				return VerdictConsentOrCaptcha
			}
		}
		return VerdictHTMLResponse
	}

	xmlLike := strings.Contains(lowerCT, "xml")
	jsonLike := strings.Contains(lowerCT, "json")
	if !xmlLike && !jsonLike && !strings.HasPrefix(trimmed, "<") {
		return VerdictNotXMLFormat
	}

	if jsonLike && !strings.HasPrefix(trimmed, "<") {
		if json.Valid([]byte(trimmed)) {
			return VerdictValid
		}
		return VerdictXMLParseError
	}
	if wellFormedXML(trimmed) {
		return VerdictValid
	}
	return VerdictXMLParseError
}

// wellFormedXML walks the full token stream to verify syntax. A cheap
// Unmarshal would stop at the first element and miss unclosed tags.
func wellFormedXML(s string) bool {
	dec := xml.NewDecoder(strings.NewReader(s))
	for {
		_, err := dec.Token()
		if err == io.EOF {
			return true
		}
		if err != nil {
			return false
		}
	}
}

// HTMLTitle extracts the <title> text of a markup body for coarse failure
// summaries. Empty when the body has no title or is not parseable.
func HTMLTitle(body string) string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" {
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}
