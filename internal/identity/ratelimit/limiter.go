package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/gatehouse/gatehouse/pkg/logger"
)

// Rule is one admission budget: at most Limit hits within any sliding
// Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Default budgets by key class. The class is the key's prefix up to the
// first colon, e.g. "login:alice@example.com" uses the login rule.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"login":    {Limit: 5, Window: time.Minute},
		"register": {Limit: 3, Window: 5 * time.Minute},
		"reset":    {Limit: 3, Window: 15 * time.Minute},
		"refresh":  {Limit: 10, Window: time.Minute},
		"general":  {Limit: 100, Window: time.Minute},
	}
}

type entry struct {
	mu   sync.Mutex
	hits []time.Time
}

// Limiter is a sliding-window admission counter keyed by arbitrary
// strings. Safe for concurrent admits on the same key; under contention it
// may overcount (deny a hit that barely fit) but never undercounts.
type Limiter struct {
	enabled  bool
	rules    map[string]Rule
	fallback Rule
	log      *logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// New builds a limiter with the given per-class rules. A nil rules map
// gets the defaults. Disabled limiters admit everything.
func New(enabled bool, rules map[string]Rule, log *logger.Logger) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	fallback, ok := rules["general"]
	if !ok {
		fallback = Rule{Limit: 100, Window: time.Minute}
	}
	l := &Limiter{
		enabled:  enabled,
		rules:    rules,
		fallback: fallback,
		log:      log,
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
	if enabled {
		go l.sweepLoop()
	}
	return l
}

// Admit records a hit against the key and reports whether it fits the
// budget. When denied, retryAfter is how long until the oldest counted hit
// leaves the window.
func (l *Limiter) Admit(key string) (ok bool, retryAfter time.Duration) {
	if !l.enabled {
		return true, 0
	}
	rule := l.ruleFor(key)
	e := l.entry(key)

	now := l.now()
	cutoff := now.Add(-rule.Window)

	e.mu.Lock()
	defer e.mu.Unlock()

	live := e.hits[:0]
	for _, hit := range e.hits {
		if hit.After(cutoff) {
			live = append(live, hit)
		}
	}
	e.hits = live

	if len(e.hits) >= rule.Limit {
		retry := e.hits[0].Add(rule.Window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return false, retry
	}
	e.hits = append(e.hits, now)
	return true, 0
}

func (l *Limiter) ruleFor(key string) Rule {
	class := key
	if idx := strings.IndexByte(key, ':'); idx >= 0 {
		class = key[:idx]
	}
	if rule, ok := l.rules[class]; ok {
		return rule
	}
	return l.fallback
}

func (l *Limiter) entry(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	return e
}

// sweepLoop drops keys whose windows have fully drained so idle keys do
// not accumulate forever.
func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		l.sweep()
	}
}

func (l *Limiter) sweep() {
	var longest time.Duration
	for _, rule := range l.rules {
		if rule.Window > longest {
			longest = rule.Window
		}
	}
	cutoff := l.now().Add(-longest)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, e := range l.entries {
		e.mu.Lock()
		idle := len(e.hits) == 0 || e.hits[len(e.hits)-1].Before(cutoff)
		e.mu.Unlock()
		if idle {
			delete(l.entries, key)
			removed++
		}
	}
	if removed > 0 {
		l.log.Debug().Int("removed", removed).Msg("rate limiter swept idle keys")
	}
}
