// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"sync"
	"time"
)

// Liveness defaults. The keep-alive interval is kept at least
// keepAliveHeadroom below the file-transfer timeout so a viewer never times
// out between two keep-alives.
const (
	DefaultKeepAliveInterval   = 5 * time.Second
	DefaultFileTransferTimeout = 30 * time.Second
	MinFileTransferTimeout     = 3 * time.Second
	keepAliveHeadroom          = time.Second
)

// Liveness holds the keep-alive and idle settings.
type Liveness struct {
	mu        sync.RWMutex
	keepAlive time.Duration
	ftTimeout time.Duration
	idle      time.Duration
}

// NewLiveness returns settings with keepAlive clamped against ftTimeout.
// A zero idle timeout disables idle disconnects.
func NewLiveness(keepAlive, ftTimeout, idle time.Duration) *Liveness {
	l := &Liveness{}
	l.ftTimeout = normalizeFTTimeout(ftTimeout)
	l.keepAlive = clampKeepAlive(keepAlive, l.ftTimeout)
	l.idle = max(idle, 0)
	return l
}

func normalizeFTTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultFileTransferTimeout
	}
	return max(d, MinFileTransferTimeout)
}

// clampKeepAlive returns interval, or the default when unset, limited to
// whole seconds strictly below ftTimeout minus the headroom.
func clampKeepAlive(interval, ftTimeout time.Duration) time.Duration {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	limit := ftTimeout - keepAliveHeadroom
	if interval >= limit {
		interval = (limit - time.Nanosecond).Truncate(time.Second)
	}
	return max(interval, time.Second)
}

// SetKeepAliveInterval sets the keep-alive interval, clamped.
func (l *Liveness) SetKeepAliveInterval(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keepAlive = clampKeepAlive(d, l.ftTimeout)
}

// SetFileTransferTimeout sets the file-transfer timeout and re-clamps the
// keep-alive interval.
func (l *Liveness) SetFileTransferTimeout(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ftTimeout = normalizeFTTimeout(d)
	l.keepAlive = clampKeepAlive(l.keepAlive, l.ftTimeout)
}

// SetIdleTimeout sets the idle timeout. Zero disables it.
func (l *Liveness) SetIdleTimeout(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.idle = max(d, 0)
}

// KeepAliveInterval returns the effective keep-alive interval.
func (l *Liveness) KeepAliveInterval() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.keepAlive
}

// FileTransferTimeout returns the file-transfer timeout.
func (l *Liveness) FileTransferTimeout() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ftTimeout
}

// IdleTimeout returns the idle timeout.
func (l *Liveness) IdleTimeout() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.idle
}

// livenessCheck is what the server tick must do for one session.
type livenessCheck struct {
	idle      bool
	keepAlive bool
}

// check decides whether a session has been idle too long or is due a
// keep-alive at now.
func (l *Liveness) check(now, lastInput, lastKeepAlive time.Time) livenessCheck {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var c livenessCheck
	if l.idle > 0 && now.Sub(lastInput) >= l.idle {
		c.idle = true
		return c
	}
	c.keepAlive = now.Sub(lastKeepAlive) >= l.keepAlive
	return c
}
