package proxy

import "net/url"

// decodeOnceIfPrintable attempts exactly one percent-decode of s and keeps
// the result only when every byte is printable ASCII or whitespace control.
// One pass only: iterating would mangle values that legitimately contain
// encoded sequences. Inputs without '%' pass through untouched.
func decodeOnceIfPrintable(s string) string {
	if !containsPercent(s) {
		return s
	}
	// PathUnescape rather than QueryUnescape: '+' must stay a literal plus.
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	if !printableASCII(decoded) {
		return s
	}
	return decoded
}

func containsPercent(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '%' {
			return true
		}
	}
	return false
}

// printableASCII reports whether every byte of s is printable ASCII
// (0x20–0x7E) or one of \t \n \r.
func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b >= 0x20 && b <= 0x7E {
			continue
		}
		if b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		return false
	}
	return true
}
