// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package main

import (
	"context"
	"time"

	vnc "github.com/tenthirtyam/go-vncserver"
)

const (
	frameInterval = 50 * time.Millisecond
	boxSize       = 64
	boxStep       = 8
)

func formatForDepth(depth int) vnc.PixelFormat {
	switch depth {
	case 8:
		return *vnc.PixelFormat8BitBGR233
	case 16:
		return *vnc.PixelFormat16BitRGB565
	case 24:
		return *vnc.PixelFormat24BitRGB
	default:
		return *vnc.PixelFormat32BitRGBA
	}
}

// pattern draws colour bars and a bouncing box into the framebuffer.
type pattern struct {
	fb   *vnc.Framebuffer
	out  *vnc.Broadcaster
	conv *vnc.PixelFormatConverter

	bg, fg uint32
	box    vnc.Rect
	dx, dy int
}

func newPattern(fb *vnc.Framebuffer, out *vnc.Broadcaster) (*pattern, error) {
	info := fb.DisplayInfo()
	conv, err := vnc.NewPixelFormatConverter(&info.Format)
	if err != nil {
		return nil, err
	}
	return &pattern{
		fb:   fb,
		out:  out,
		conv: conv,
		bg:   conv.CreatePixel(0x20, 0x20, 0x28),
		fg:   conv.CreatePixel(0xf0, 0xc0, 0x30),
		box:  vnc.NewRect(0, 0, boxSize, boxSize),
		dx:   boxStep,
		dy:   boxStep,
	}, nil
}

var bars = [][3]uint8{
	{0xc0, 0xc0, 0xc0},
	{0xc0, 0xc0, 0x00},
	{0x00, 0xc0, 0xc0},
	{0x00, 0xc0, 0x00},
	{0xc0, 0x00, 0xc0},
	{0xc0, 0x00, 0x00},
	{0x00, 0x00, 0xc0},
}

func (p *pattern) drawBackground() {
	info := p.fb.DisplayInfo()
	barHeight := info.Height / 4
	p.fb.Fill(info.Bounds(), p.bg)
	w := info.Width / len(bars)
	for i, c := range bars {
		x := i * w
		width := w
		if i == len(bars)-1 {
			width = info.Width - x
		}
		p.fb.Fill(vnc.NewRect(x, 0, width, barHeight), p.conv.CreatePixel(c[0], c[1], c[2]))
	}
	p.out.AddChanged(vnc.NewRegion(info.Bounds()))
}

// step moves the box one frame, erasing its old position.
func (p *pattern) step() {
	info := p.fb.DisplayInfo()
	bounds := info.Bounds()
	barHeight := info.Height / 4

	next := p.box.Translate(vnc.Point{X: p.dx, Y: p.dy})
	if next.Min.X < 0 || next.Max.X > bounds.Max.X {
		p.dx = -p.dx
	}
	if next.Min.Y < barHeight || next.Max.Y > bounds.Max.Y {
		p.dy = -p.dy
	}
	next = p.box.Translate(vnc.Point{X: p.dx, Y: p.dy}).Intersect(bounds)

	old := p.box.Intersect(vnc.NewRect(0, barHeight, bounds.Width(), bounds.Height()-barHeight))
	p.fb.Fill(old, p.bg)
	p.fb.Fill(next, p.fg)

	p.out.AddChanged(vnc.NewRegion(old, next))
	p.box = next
}

func (p *pattern) run(ctx context.Context) error {
	p.drawBackground()
	p.out.Flush()

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.step()
			p.out.Flush()
		}
	}
}
