// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"sort"
)

// UpdateTracker accumulates framebuffer changes between update cycles.
type UpdateTracker interface {
	// AddChanged records pixels that differ and must be resent.
	AddChanged(region Region)

	// AddCopied records that dest now holds the pixels previously at
	// dest translated by -delta.
	AddCopied(dest Region, delta Point)

	// AddCached records content the viewer is already known to hold.
	AddCached(region Region)
}

// UpdateInfo is the drained content of a tracker.
type UpdateInfo struct {
	Changed   Region
	Copied    Region
	CopyDelta Point
	Cached    Region
}

// IsEmpty reports whether the update carries nothing to send.
func (u UpdateInfo) IsEmpty() bool {
	return u.Changed.IsEmpty() && u.Copied.IsEmpty() && u.Cached.IsEmpty()
}

// Clone returns an UpdateInfo with independent region storage.
func (u UpdateInfo) Clone() UpdateInfo {
	return UpdateInfo{
		Changed:   u.Changed.Clone(),
		Copied:    u.Copied.Clone(),
		CopyDelta: u.CopyDelta,
		Cached:    u.Cached.Clone(),
	}
}

// ApplyTo replays the update into another tracker, copies first.
func (u UpdateInfo) ApplyTo(t UpdateTracker) {
	if !u.Copied.IsEmpty() {
		t.AddCopied(u.Copied.Clone(), u.CopyDelta)
	}
	if !u.Changed.IsEmpty() {
		t.AddChanged(u.Changed.Clone())
	}
	if !u.Cached.IsEmpty() {
		t.AddCached(u.Cached.Clone())
	}
}

// SimpleUpdateTracker is the per-consumer accumulator. It is not safe for
// concurrent use.
type SimpleUpdateTracker struct {
	changed     Region
	copied      Region
	cached      Region
	delta       Point
	copyEnabled bool
}

// NewSimpleUpdateTracker creates an empty tracker. When copyEnabled is false,
// copies are recorded as changes.
func NewSimpleUpdateTracker(copyEnabled bool) *SimpleUpdateTracker {
	return &SimpleUpdateTracker{copyEnabled: copyEnabled}
}

// EnableCopyRect toggles copy tracking. Disabling it demotes any pending
// copy to changed pixels.
func (t *SimpleUpdateTracker) EnableCopyRect(enable bool) {
	if !enable && !t.copied.IsEmpty() {
		t.changed = t.changed.Union(t.copied)
		t.copied = Region{}
		t.delta = Point{}
	}
	t.copyEnabled = enable
}

// AddChanged implements UpdateTracker.
func (t *SimpleUpdateTracker) AddChanged(region Region) {
	t.changed = t.changed.Union(region)
}

// AddCached implements UpdateTracker.
func (t *SimpleUpdateTracker) AddCached(region Region) {
	t.cached = t.cached.Union(region)
}

// AddCopied implements UpdateTracker.
func (t *SimpleUpdateTracker) AddCopied(dest Region, delta Point) {
	if dest.IsEmpty() || delta.IsZero() {
		return
	}
	if !t.copyEnabled {
		t.AddChanged(dest)
		return
	}

	// Only one delta can be pending.
	if !t.copied.IsEmpty() && t.delta != delta {
		t.changed = t.changed.Union(t.copied)
		t.copied = Region{}
	}

	src := dest.Translate(delta.Negate())

	// Source pixels the viewer has not received yet, or that a pending copy
	// has not produced yet, arrive at the destination stale.
	stale := src.Intersect(t.changed).Union(src.Intersect(t.copied))
	if !stale.IsEmpty() {
		t.changed = t.changed.Union(stale.Translate(delta))
	}

	t.copied = t.copied.Union(dest).Subtract(t.changed)
	t.delta = delta
}

// IsEmpty reports whether nothing has been recorded since the last drain.
func (t *SimpleUpdateTracker) IsEmpty() bool {
	return t.changed.IsEmpty() && t.copied.IsEmpty() && t.cached.IsEmpty()
}

// Drain returns the accumulated update and resets the tracker.
func (t *SimpleUpdateTracker) Drain() UpdateInfo {
	info := UpdateInfo{
		Changed:   t.changed,
		Copied:    t.copied,
		CopyDelta: t.delta,
		Cached:    t.cached,
	}
	t.changed = Region{}
	t.copied = Region{}
	t.cached = Region{}
	t.delta = Point{}
	return info
}

// CopyOrder sorts the destination rectangles of a copy so that every
// rectangle is copied before its source pixels can be overwritten.
func CopyOrder(rects []Rect, delta Point) []Rect {
	out := make([]Rect, len(rects))
	copy(out, rects)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Min.Y != b.Min.Y {
			if delta.Y > 0 {
				return a.Min.Y > b.Min.Y
			}
			return a.Min.Y < b.Min.Y
		}
		if delta.X > 0 {
			return a.Min.X > b.Min.X
		}
		return a.Min.X < b.Min.X
	})
	return out
}
