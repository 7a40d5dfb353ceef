// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"sync"
	"time"
)

// NotificationKind identifies a session event.
type NotificationKind int

const (
	// ClientConnected is sent when a session enters the unauthenticated
	// partition.
	ClientConnected NotificationKind = iota
	// ClientAuthenticated is sent when a session completes the handshake.
	ClientAuthenticated
	// ClientDisconnected is sent when a session leaves the server.
	ClientDisconnected
)

func (k NotificationKind) String() string {
	switch k {
	case ClientConnected:
		return "connected"
	case ClientAuthenticated:
		return "authenticated"
	case ClientDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Notification describes a session event.
type Notification struct {
	Kind     NotificationKind
	ClientID ClientID
	Host     string
	At       time.Time
}

// notifier fans notifications out to observers. Sends never block: an
// observer whose channel is full misses the notification.
type notifier struct {
	mu        sync.Mutex
	observers map[chan<- Notification]struct{}
}

func (n *notifier) add(ch chan<- Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.observers == nil {
		n.observers = make(map[chan<- Notification]struct{})
	}
	n.observers[ch] = struct{}{}
}

func (n *notifier) remove(ch chan<- Notification) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.observers[ch]; !ok {
		return false
	}
	delete(n.observers, ch)
	return true
}

// notify delivers msg and returns how many observers received it.
func (n *notifier) notify(msg Notification) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	delivered := 0
	for ch := range n.observers {
		select {
		case ch <- msg:
			delivered++
		default:
		}
	}
	return delivered
}
