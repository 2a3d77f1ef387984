// Package debounce decides whether a keystroke may trigger a new completion request.
package debounce

import (
	"sync"
	"time"
	"unicode/utf8"

	"ghosttab/clock"
	"ghosttab/logger"
	"ghosttab/types"

	"golang.org/x/time/rate"
)

// Decision is the outcome of a gate check
type Decision int

const (
	// Admit means a new network request may start now
	Admit Decision = iota
	// CacheHit means a speculative request for this keystroke is ready
	CacheHit
	// Debounced means the last request was too recent
	Debounced
	// TrivialAppend means the edit only appended a character to the last prefix
	TrivialAppend
	// RateLimited means the per-minute request budget is spent
	RateLimited
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case CacheHit:
		return "cache_hit"
	case Debounced:
		return "debounced"
	case TrivialAppend:
		return "trivial_append"
	case RateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Pending reports whether a speculative request exists for an id
type Pending interface {
	Has(id types.CompletionRequestID) bool
}

type Config struct {
	Interval              time.Duration
	TrivialAppendEnabled  bool
	TrivialAppendMaxChars int
	MaxRequestsPerMinute  int // 0 = unlimited
}

// Verdict describes why a decision was made
type Verdict struct {
	Decision     Decision
	CompletionID types.CompletionRequestID // set for CacheHit
	FileChanged  bool
	Elapsed      time.Duration
}

// Allowed reports whether the caller may produce a completion
func (v Verdict) Allowed() bool {
	return v.Decision == Admit || v.Decision == CacheHit
}

// Gate tracks the last request and the last completion id per file
type Gate struct {
	mu      sync.Mutex
	clock   clock.Clock
	config  Config
	pending Pending
	limiter *rate.Limiter

	lastRequestTime  time.Time
	lastFile         string
	lastPrefix       string
	lastCompletionID map[string]types.CompletionRequestID
}

func New(config Config, pending Pending, clk clock.Clock) *Gate {
	g := &Gate{
		clock:            clk,
		config:           config,
		pending:          pending,
		lastCompletionID: make(map[string]types.CompletionRequestID),
	}
	if config.MaxRequestsPerMinute > 0 {
		perSecond := float64(config.MaxRequestsPerMinute) / 60
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), config.MaxRequestsPerMinute)
	}
	return g
}

// Check decides admission for a request at prefix in file. Admit records the
// request time; CacheHit leaves bookkeeping to MarkServed once the cached
// result proves usable.
func (g *Gate) Check(file, prefix string) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.lastCompletionID[file]; ok && g.pending != nil && g.pending.Has(id) {
		return Verdict{Decision: CacheHit, CompletionID: id}
	}
	return g.throttleLocked(file, prefix)
}

// Throttle applies the timer, trivial-append and rate checks without
// consulting the speculative cache. Used after a cache hit came back empty.
func (g *Gate) Throttle(file, prefix string) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.throttleLocked(file, prefix)
}

func (g *Gate) throttleLocked(file, prefix string) Verdict {
	now := g.clock.Now()
	elapsed := now.Sub(g.lastRequestTime)
	fileChanged := g.lastFile != file
	v := Verdict{FileChanged: fileChanged, Elapsed: elapsed}

	if !fileChanged {
		if elapsed < g.config.Interval {
			v.Decision = Debounced
			return v
		}
		if g.isTrivialAppend(prefix) {
			v.Decision = TrivialAppend
			return v
		}
	}

	if g.limiter != nil && !g.limiter.AllowN(now, 1) {
		v.Decision = RateLimited
		return v
	}

	g.lastRequestTime = now
	g.lastFile = file
	g.lastPrefix = prefix
	v.Decision = Admit
	return v
}

// isTrivialAppend reports whether prefix extends the last prefix by at most
// TrivialAppendMaxChars characters on the same line
func (g *Gate) isTrivialAppend(prefix string) bool {
	if !g.config.TrivialAppendEnabled || g.config.TrivialAppendMaxChars <= 0 || g.lastPrefix == "" {
		return false
	}
	if len(prefix) <= len(g.lastPrefix) || prefix[:len(g.lastPrefix)] != g.lastPrefix {
		return false
	}
	added := prefix[len(g.lastPrefix):]
	for _, r := range added {
		if r == '\n' {
			return false
		}
	}
	return utf8.RuneCountInString(added) <= g.config.TrivialAppendMaxChars
}

// MarkServed records that a request for prefix was answered (from the cache
// or the network) so the following keystroke is debounced against it
func (g *Gate) MarkServed(file, prefix string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastRequestTime = g.clock.Now()
	g.lastFile = file
	g.lastPrefix = prefix
}

// Remember stores id as the completion anticipated for the next keystroke in file
func (g *Gate) Remember(file string, id types.CompletionRequestID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastCompletionID[file] = id
}

// LastCompletionID returns the anticipated completion id for file
func (g *Gate) LastCompletionID(file string) (types.CompletionRequestID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.lastCompletionID[file]
	return id, ok
}

// Forget drops per-file state, e.g. when the buffer closes
func (g *Gate) Forget(file string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lastCompletionID, file)
	if g.lastFile == file {
		logger.Debug("debounce: forgetting active file %s", file)
		g.lastFile = ""
		g.lastPrefix = ""
	}
}
