package engine

import (
	"log/slog"
	"sync"
	"time"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half_open"
	}
	return "unknown"
}

type circuit struct {
	state    circuitState
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive failures per stage and opens to stop hammering
// a stage known to be broken. Transitions: closed→open on threshold breach,
// open→half-open after the recovery window, half-open→closed on the next
// success, half-open→open on the next failure.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	recovery  time.Duration
	now       func() time.Time
}

// NewBreaker builds a breaker. threshold<=0 defaults to 5 consecutive
// failures, recovery<=0 to 600s.
func NewBreaker(threshold int, recovery time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if recovery <= 0 {
		recovery = 600 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		recovery:  recovery,
		now:       time.Now,
	}
}

// IsOpen reports whether the stage should be skipped outright. Once the
// recovery window elapses the circuit turns half-open and the next attempt
// goes through; its outcome finalizes the transition.
func (b *Breaker) IsOpen(stageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[stageID]
	if !ok || c.state == circuitClosed {
		return false
	}
	if c.state == circuitOpen && b.now().Sub(c.openedAt) >= b.recovery {
		c.state = circuitHalfOpen
		slog.Debug("breaker: half-open", slog.String("stage", stageID))
	}
	return c.state == circuitOpen
}

// RecordSuccess closes the circuit and clears the failure run.
func (b *Breaker) RecordSuccess(stageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(stageID)
	if c.state != circuitClosed {
		slog.Info("breaker: closed after recovery", slog.String("stage", stageID))
	}
	c.state = circuitClosed
	c.failures = 0
}

// RecordFailure counts one more consecutive failure; on threshold breach —
// or any failure while half-open — the circuit opens.
func (b *Breaker) RecordFailure(stageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(stageID)
	switch c.state {
	case circuitHalfOpen:
		c.state = circuitOpen
		c.openedAt = b.now()
		slog.Warn("breaker: reopened", slog.String("stage", stageID))
	case circuitClosed:
		c.failures++
		if c.failures >= b.threshold {
			c.state = circuitOpen
			c.openedAt = b.now()
			slog.Warn("breaker: opened",
				slog.String("stage", stageID),
				slog.Int("failures", c.failures),
				slog.Duration("recovery", b.recovery))
		}
	case circuitOpen:
		c.failures++
	}
}

// States snapshots every known circuit for the health surface.
func (b *Breaker) States() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]string, len(b.circuits))
	for id, c := range b.circuits {
		state := c.state
		if state == circuitOpen && b.now().Sub(c.openedAt) >= b.recovery {
			state = circuitHalfOpen
		}
		out[id] = state.String()
	}
	return out
}

func (b *Breaker) circuit(stageID string) *circuit {
	c, ok := b.circuits[stageID]
	if !ok {
		c = &circuit{}
		b.circuits[stageID] = c
	}
	return c
}
