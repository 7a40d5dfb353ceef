// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"sync"
)

// Broadcaster is the capture side's UpdateTracker. Capture records changes
// into it and calls Flush; each flush hands every authenticated session its
// own copy of the accumulated update, in capture order.
type Broadcaster struct {
	mu      sync.Mutex
	tracker *SimpleUpdateTracker
	server  *Server
	fb      *Framebuffer
}

var _ UpdateTracker = (*Broadcaster)(nil)

func newBroadcaster(s *Server) *Broadcaster {
	b := &Broadcaster{
		tracker: NewSimpleUpdateTracker(true),
		server:  s,
	}
	if s.desktop != nil {
		b.fb = s.desktop.BackBuffer()
	}
	return b
}

// AddChanged implements UpdateTracker.
func (b *Broadcaster) AddChanged(region Region) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracker.AddChanged(region)
}

// AddCopied implements UpdateTracker.
func (b *Broadcaster) AddCopied(dest Region, delta Point) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracker.AddCopied(dest, delta)
}

// AddCached implements UpdateTracker.
func (b *Broadcaster) AddCached(region Region) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracker.AddCached(region)
}

// Flush delivers the accumulated update to every authenticated session and
// returns how many received it. Sessions never share region storage.
func (b *Broadcaster) Flush() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tracker.IsEmpty() {
		return 0
	}
	info := b.tracker.Drain()
	clients := b.server.authClients()
	for _, c := range clients {
		c.deliver(info.Clone())
	}
	return len(clients)
}

// Update writes pixels into the framebuffer and records them as changed.
func (b *Broadcaster) Update(r Rect, data []byte) error {
	if b.fb == nil {
		return configurationError("Broadcaster.Update", "desktop has no framebuffer", nil)
	}
	if err := b.fb.Update(r, data); err != nil {
		return err
	}
	b.AddChanged(NewRegion(r))
	return nil
}

// CopyRect moves pixels inside the framebuffer and records the copy.
func (b *Broadcaster) CopyRect(dest Rect, delta Point) error {
	if b.fb == nil {
		return configurationError("Broadcaster.CopyRect", "desktop has no framebuffer", nil)
	}
	b.fb.CopyRect(dest, delta)
	b.AddCopied(NewRegion(dest), delta)
	return nil
}

// CursorChanged publishes a new cursor shape to sessions that render it
// locally.
func (b *Broadcaster) CursorChanged(shape *CursorShape) {
	if b.fb != nil {
		b.fb.SetCursor(shape)
	}
	for _, c := range b.server.authClients() {
		c.cursorShapeChanged()
	}
}

// CursorMoved publishes the pointer position to sessions that asked for
// it.
func (b *Broadcaster) CursorMoved(p Point) {
	for _, c := range b.server.authClients() {
		c.cursorPositionChanged(p)
	}
}

// Resize changes the framebuffer geometry. Pending changes are dropped and
// every session is sent a DesktopSize and the full screen.
func (b *Broadcaster) Resize(width, height int, format PixelFormat) error {
	if b.fb == nil {
		return configurationError("Broadcaster.Resize", "desktop has no framebuffer", nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fb.Resize(width, height, format); err != nil {
		return err
	}
	b.tracker.Drain()
	bounds := NewRect(0, 0, width, height)
	for _, c := range b.server.authClients() {
		c.desktopResized(bounds)
	}
	return nil
}
