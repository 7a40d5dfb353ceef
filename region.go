// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"fmt"
	"sort"
)

// Point is a position or offset in framebuffer coordinates.
type Point struct {
	X int
	Y int
}

// Add returns p translated by q.
func (p Point) Add(q Point) Point {
	return Point{X: p.X + q.X, Y: p.Y + q.Y}
}

// Sub returns p translated by -q.
func (p Point) Sub(q Point) Point {
	return Point{X: p.X - q.X, Y: p.Y - q.Y}
}

// Negate returns the inverse offset.
func (p Point) Negate() Point {
	return Point{X: -p.X, Y: -p.Y}
}

// IsZero reports whether p is the origin.
func (p Point) IsZero() bool {
	return p.X == 0 && p.Y == 0
}

// Rect is an axis-aligned rectangle. Min is inclusive, Max is exclusive.
type Rect struct {
	Min Point
	Max Point
}

// NewRect builds a rectangle from a position and size.
func NewRect(x, y, width, height int) Rect {
	return Rect{Min: Point{X: x, Y: y}, Max: Point{X: x + width, Y: y + height}}
}

// Width returns the horizontal extent of r.
func (r Rect) Width() int {
	return r.Max.X - r.Min.X
}

// Height returns the vertical extent of r.
func (r Rect) Height() int {
	return r.Max.Y - r.Min.Y
}

// Area returns the number of pixels covered by r.
func (r Rect) Area() int {
	if r.Empty() {
		return 0
	}
	return r.Width() * r.Height()
}

// Empty reports whether r covers no pixels.
func (r Rect) Empty() bool {
	return r.Min.X >= r.Max.X || r.Min.Y >= r.Max.Y
}

// Intersect returns the overlap of r and s, or the zero Rect.
func (r Rect) Intersect(s Rect) Rect {
	out := Rect{
		Min: Point{X: max(r.Min.X, s.Min.X), Y: max(r.Min.Y, s.Min.Y)},
		Max: Point{X: min(r.Max.X, s.Max.X), Y: min(r.Max.Y, s.Max.Y)},
	}
	if out.Empty() {
		return Rect{}
	}
	return out
}

// Overlaps reports whether r and s share at least one pixel.
func (r Rect) Overlaps(s Rect) bool {
	return !r.Intersect(s).Empty()
}

// Contains reports whether s lies entirely inside r.
func (r Rect) Contains(s Rect) bool {
	if s.Empty() {
		return true
	}
	return s.Min.X >= r.Min.X && s.Min.Y >= r.Min.Y && s.Max.X <= r.Max.X && s.Max.Y <= r.Max.Y
}

// Translate returns r moved by d.
func (r Rect) Translate(d Point) Rect {
	return Rect{Min: r.Min.Add(d), Max: r.Max.Add(d)}
}

// Union returns the bounding box of r and s.
func (r Rect) Union(s Rect) Rect {
	if r.Empty() {
		return s
	}
	if s.Empty() {
		return r
	}
	return Rect{
		Min: Point{X: min(r.Min.X, s.Min.X), Y: min(r.Min.Y, s.Min.Y)},
		Max: Point{X: max(r.Max.X, s.Max.X), Y: max(r.Max.Y, s.Max.Y)},
	}
}

// String formats r as WxH+X+Y.
func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width(), r.Height(), r.Min.X, r.Min.Y)
}

// Rectangle converts r to its RFB wire representation.
func (r Rect) Rectangle() Rectangle {
	return Rectangle{
		X:      uint16(r.Min.X),    // #nosec G115 - callers clip to framebuffer bounds
		Y:      uint16(r.Min.Y),    // #nosec G115 - callers clip to framebuffer bounds
		Width:  uint16(r.Width()),  // #nosec G115 - callers clip to framebuffer bounds
		Height: uint16(r.Height()), // #nosec G115 - callers clip to framebuffer bounds
	}
}

// subtractRect returns the parts of a not covered by b as at most four
// non-overlapping rectangles.
func subtractRect(a, b Rect) []Rect {
	overlap := a.Intersect(b)
	if overlap.Empty() {
		return []Rect{a}
	}

	pieces := make([]Rect, 0, 4)
	if overlap.Min.Y > a.Min.Y {
		pieces = append(pieces, Rect{Min: a.Min, Max: Point{X: a.Max.X, Y: overlap.Min.Y}})
	}
	if overlap.Max.Y < a.Max.Y {
		pieces = append(pieces, Rect{Min: Point{X: a.Min.X, Y: overlap.Max.Y}, Max: a.Max})
	}
	if overlap.Min.X > a.Min.X {
		pieces = append(pieces, Rect{
			Min: Point{X: a.Min.X, Y: overlap.Min.Y},
			Max: Point{X: overlap.Min.X, Y: overlap.Max.Y},
		})
	}
	if overlap.Max.X < a.Max.X {
		pieces = append(pieces, Rect{
			Min: Point{X: overlap.Max.X, Y: overlap.Min.Y},
			Max: Point{X: a.Max.X, Y: overlap.Max.Y},
		})
	}
	return pieces
}

// Region is a set of non-overlapping rectangles.
//
// Region values are immutable: every operation returns a new Region and never
// writes into the receiver's storage, so a Region can be handed to several
// trackers without any of them observing the others' updates.
type Region struct {
	rects []Rect
}

// NewRegion builds a region covering the union of rects.
func NewRegion(rects ...Rect) Region {
	var g Region
	for _, r := range rects {
		g = g.UnionRect(r)
	}
	return g
}

// IsEmpty reports whether the region covers no pixels.
func (g Region) IsEmpty() bool {
	return len(g.rects) == 0
}

// NumRects returns the number of rectangles in the region's decomposition.
func (g Region) NumRects() int {
	return len(g.rects)
}

// Area returns the number of pixels covered.
func (g Region) Area() int {
	total := 0
	for _, r := range g.rects {
		total += r.Area()
	}
	return total
}

// Bounds returns the bounding box of the region.
func (g Region) Bounds() Rect {
	var b Rect
	for _, r := range g.rects {
		b = b.Union(r)
	}
	return b
}

// Rects returns the decomposition sorted top-to-bottom, left-to-right.
func (g Region) Rects() []Rect {
	out := make([]Rect, len(g.rects))
	copy(out, g.rects)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Min.Y != out[j].Min.Y {
			return out[i].Min.Y < out[j].Min.Y
		}
		return out[i].Min.X < out[j].Min.X
	})
	return out
}

// Clone returns a region with its own storage.
func (g Region) Clone() Region {
	if len(g.rects) == 0 {
		return Region{}
	}
	rects := make([]Rect, len(g.rects))
	copy(rects, g.rects)
	return Region{rects: rects}
}

// UnionRect returns g with r added.
func (g Region) UnionRect(r Rect) Region {
	if r.Empty() {
		return g
	}
	pieces := []Rect{r}
	for _, existing := range g.rects {
		next := pieces[:0:0]
		for _, p := range pieces {
			next = append(next, subtractRect(p, existing)...)
		}
		pieces = next
		if len(pieces) == 0 {
			return g
		}
	}
	rects := make([]Rect, 0, len(g.rects)+len(pieces))
	rects = append(rects, g.rects...)
	rects = append(rects, pieces...)
	return Region{rects: coalesce(rects)}
}

// Union returns the set union of g and o.
func (g Region) Union(o Region) Region {
	out := g
	for _, r := range o.rects {
		out = out.UnionRect(r)
	}
	return out
}

// Subtract returns the parts of g not covered by o.
func (g Region) Subtract(o Region) Region {
	if g.IsEmpty() || o.IsEmpty() {
		return g
	}
	rects := make([]Rect, 0, len(g.rects))
	for _, r := range g.rects {
		pieces := []Rect{r}
		for _, cut := range o.rects {
			next := pieces[:0:0]
			for _, p := range pieces {
				next = append(next, subtractRect(p, cut)...)
			}
			pieces = next
			if len(pieces) == 0 {
				break
			}
		}
		rects = append(rects, pieces...)
	}
	return Region{rects: coalesce(rects)}
}

// SubtractRect returns g without r.
func (g Region) SubtractRect(r Rect) Region {
	return g.Subtract(Region{rects: []Rect{r}})
}

// Intersect returns the overlap of g and o.
func (g Region) Intersect(o Region) Region {
	var rects []Rect
	for _, a := range g.rects {
		for _, b := range o.rects {
			if in := a.Intersect(b); !in.Empty() {
				rects = append(rects, in)
			}
		}
	}
	return Region{rects: coalesce(rects)}
}

// IntersectRect clips g to r.
func (g Region) IntersectRect(r Rect) Region {
	return g.Intersect(Region{rects: []Rect{r}})
}

// Translate returns g moved by d.
func (g Region) Translate(d Point) Region {
	if d.IsZero() || g.IsEmpty() {
		return g
	}
	rects := make([]Rect, len(g.rects))
	for i, r := range g.rects {
		rects[i] = r.Translate(d)
	}
	return Region{rects: rects}
}

// Equal reports whether g and o cover exactly the same pixels.
func (g Region) Equal(o Region) bool {
	if g.Area() != o.Area() {
		return false
	}
	return g.Subtract(o).IsEmpty() && o.Subtract(g).IsEmpty()
}

// String lists the rectangles of the region.
func (g Region) String() string {
	return fmt.Sprint(g.Rects())
}

// coalesce merges rectangles that share a full edge. The input must be
// non-overlapping; the output is too.
func coalesce(rects []Rect) []Rect {
	for merged := true; merged; {
		merged = false
		for i := 0; i < len(rects) && !merged; i++ {
			for j := i + 1; j < len(rects); j++ {
				if m, ok := mergeRects(rects[i], rects[j]); ok {
					rects[i] = m
					rects = append(rects[:j], rects[j+1:]...)
					merged = true
					break
				}
			}
		}
	}
	return rects
}

func mergeRects(a, b Rect) (Rect, bool) {
	if a.Min.Y == b.Min.Y && a.Max.Y == b.Max.Y && (a.Max.X == b.Min.X || b.Max.X == a.Min.X) {
		return a.Union(b), true
	}
	if a.Min.X == b.Min.X && a.Max.X == b.Max.X && (a.Max.Y == b.Min.Y || b.Max.Y == a.Min.Y) {
		return a.Union(b), true
	}
	return Rect{}, false
}
