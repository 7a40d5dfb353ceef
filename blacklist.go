// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"sort"
	"sync"
	"time"
)

// Blacklist defaults: five failures inside ten seconds block a host until
// ten seconds have passed since its last failure.
const (
	DefaultBlacklistThreshold = 5
	DefaultBlacklistWindow    = 10 * time.Second
	DefaultBlacklistCoolDown  = 10 * time.Second
)

// BlacklistEntry is the failure record of one host.
type BlacklistEntry struct {
	Host         string    `json:"host"`
	Failures     int       `json:"failures"`
	FirstFailure time.Time `json:"first_failure"`
	LastFailure  time.Time `json:"last_failure"`
	Blocked      bool      `json:"blocked"`
}

// BlacklistOption configures a Blacklist.
type BlacklistOption func(*Blacklist)

// WithBlacklistLimits overrides the threshold, window and cool-down.
// Non-positive values keep the defaults.
func WithBlacklistLimits(threshold int, window, coolDown time.Duration) BlacklistOption {
	return func(b *Blacklist) {
		if threshold > 0 {
			b.threshold = threshold
		}
		if window > 0 {
			b.window = window
		}
		if coolDown > 0 {
			b.coolDown = coolDown
		}
	}
}

// WithBlacklistClock replaces time.Now.
func WithBlacklistClock(now func() time.Time) BlacklistOption {
	return func(b *Blacklist) {
		if now != nil {
			b.now = now
		}
	}
}

// WithBlacklistLogger sets the logger.
func WithBlacklistLogger(logger Logger) BlacklistOption {
	return func(b *Blacklist) {
		b.logger = loggerOrNoOp(logger)
	}
}

// WithBlacklistMetrics publishes the blocked-host count.
func WithBlacklistMetrics(m *Metrics) BlacklistOption {
	return func(b *Blacklist) {
		b.metrics = m
	}
}

// Blacklist tracks authentication failures per host.
type Blacklist struct {
	mu        sync.Mutex
	entries   map[string]*BlacklistEntry
	threshold int
	window    time.Duration
	coolDown  time.Duration
	now       func() time.Time
	logger    Logger
	metrics   *Metrics
}

// NewBlacklist returns an empty blacklist.
func NewBlacklist(opts ...BlacklistOption) *Blacklist {
	b := &Blacklist{
		entries:   make(map[string]*BlacklistEntry),
		threshold: DefaultBlacklistThreshold,
		window:    DefaultBlacklistWindow,
		coolDown:  DefaultBlacklistCoolDown,
		now:       time.Now,
		logger:    &NoOpLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Blacklist) coolingDown(e *BlacklistEntry, now time.Time) bool {
	return e.Blocked && now.Sub(e.LastFailure) < b.coolDown
}

// Fail records a failed authentication from host and reports whether the
// host is now blocked. Failures while blocked are not counted.
func (b *Blacklist) Fail(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	e, ok := b.entries[host]
	if !ok {
		e = &BlacklistEntry{Host: host, FirstFailure: now}
		b.entries[host] = e
	}
	if b.coolingDown(e, now) {
		return true
	}
	if e.Blocked || now.Sub(e.FirstFailure) > b.window {
		*e = BlacklistEntry{Host: host, FirstFailure: now}
	}

	e.Failures++
	e.LastFailure = now
	if e.Failures >= b.threshold && !e.Blocked {
		e.Blocked = true
		b.logger.Warn("Host blacklisted",
			Field{Key: "host", Value: host},
			Field{Key: "failures", Value: e.Failures})
		b.publish(now)
	}
	return e.Blocked
}

// Succeed clears host's record after a successful authentication.
func (b *Blacklist) Succeed(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[host]
	if !ok || b.coolingDown(e, b.now()) {
		return
	}
	delete(b.entries, host)
}

// Blocked reports whether connections from host must be refused.
func (b *Blacklist) Blocked(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[host]
	return ok && b.coolingDown(e, b.now())
}

// Remove forgets host. It reports whether there was a record.
func (b *Blacklist) Remove(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[host]; !ok {
		return false
	}
	delete(b.entries, host)
	b.publish(b.now())
	return true
}

// Entries returns the current records sorted by host. Blocked reflects
// the cool-down at the time of the call.
func (b *Blacklist) Entries() []BlacklistEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make([]BlacklistEntry, 0, len(b.entries))
	for _, e := range b.entries {
		entry := *e
		entry.Blocked = b.coolingDown(e, now)
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Sweep drops records whose cool-down or window has passed and returns how
// many were dropped.
func (b *Blacklist) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for host, e := range b.entries {
		expired := now.Sub(e.FirstFailure) > b.window
		if e.Blocked {
			expired = !b.coolingDown(e, now)
		}
		if expired {
			delete(b.entries, host)
			removed++
		}
	}
	b.publish(now)
	return removed
}

func (b *Blacklist) publish(now time.Time) {
	if b.metrics == nil {
		return
	}
	n := 0
	for _, e := range b.entries {
		if b.coolingDown(e, now) {
			n++
		}
	}
	b.metrics.SetBlacklisted(n)
}
