// Package collab implements the external collaborator interfaces the engine
// depends on: consent cookies, the headless-browser capture service, and the
// audio transcription service.
package collab

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// ConsentCookies synthesizes the EU consent cookies that skip the
// "before you continue" interstitial. Refreshing mints a fresh cookie set so
// a stale/rejected value is never retried verbatim.
type ConsentCookies struct {
	mu     sync.Mutex
	cookie string
}

func NewConsentCookies() *ConsentCookies {
	c := &ConsentCookies{}
	c.cookie = mintConsentCookie()
	return c
}

func (c *ConsentCookies) CurrentCookies(context.Context, string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cookie
}

func (c *ConsentCookies) RefreshConsentCookies(context.Context, string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cookie = mintConsentCookie()
	return true
}

// mintConsentCookie builds a pre-accepted consent cookie pair. The numeric
// suffix mimics the per-browser value the consent flow would assign.
func mintConsentCookie() string {
	return fmt.Sprintf("SOCS=CAI; CONSENT=YES+cb.%s-17-p0.en+FX+%03d",
		time.Now().Format("20060102"), rand.Intn(1000)) //nolint:gosec // non-cryptographic use
}
