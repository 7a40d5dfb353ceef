// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"sync"
)

// DisplayInfo is the published geometry and pixel format of the desktop.
type DisplayInfo struct {
	Format PixelFormat
	Width  int
	Height int
	Name   string
}

// Bounds returns the rectangle covering the whole desktop.
func (d DisplayInfo) Bounds() Rect {
	return NewRect(0, 0, d.Width, d.Height)
}

// Desktop is the capture layer as seen by the server core.
type Desktop interface {
	// DisplayInfo returns the current geometry and format.
	DisplayInfo() DisplayInfo

	// BackBuffer returns the captured framebuffer, or nil while capture is
	// not running.
	BackBuffer() *Framebuffer
}

// CursorShape is a cursor image in the framebuffer's pixel format with a
// 1-bit transparency mask, rows padded to whole bytes.
type CursorShape struct {
	Width  int
	Height int
	HotX   int
	HotY   int
	Pixels []byte
	Mask   []byte
}

// FrameView is a read-only view of framebuffer memory. It is only valid
// inside the callback passed to Framebuffer.View.
type FrameView struct {
	Width  int
	Height int
	Format PixelFormat
	Stride int
	Pix    []byte
}

// Row returns width pixels of row y starting at column x.
func (v *FrameView) Row(x, y, width int) []byte {
	bpp := v.Format.BytesPerPixel()
	off := y*v.Stride + x*bpp
	return v.Pix[off : off+width*bpp]
}

// Bounds returns the rectangle covered by the view.
func (v *FrameView) Bounds() Rect {
	return NewRect(0, 0, v.Width, v.Height)
}

// Framebuffer is the captured back-buffer. Capture writes under the write
// lock; encoders read under the read lock.
type Framebuffer struct {
	mu     sync.RWMutex
	info   DisplayInfo
	stride int
	pix    []byte
	cursor *CursorShape
}

// NewFramebuffer allocates a zeroed framebuffer.
func NewFramebuffer(width, height int, format PixelFormat, name string) (*Framebuffer, error) {
	fb := &Framebuffer{}
	if err := fb.Resize(width, height, format); err != nil {
		return nil, err
	}
	fb.info.Name = name
	return fb, nil
}

// DisplayInfo implements Desktop.
func (fb *Framebuffer) DisplayInfo() DisplayInfo {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	return fb.info
}

// BackBuffer implements Desktop.
func (fb *Framebuffer) BackBuffer() *Framebuffer {
	return fb
}

// Resize publishes new geometry and clears the pixels.
func (fb *Framebuffer) Resize(width, height int, format PixelFormat) error {
	if err := format.Validate(); err != nil {
		return validationError("Framebuffer.Resize", "invalid framebuffer pixel format", err)
	}
	if width <= 0 || height <= 0 || width > 0xFFFF || height > 0xFFFF {
		return validationError("Framebuffer.Resize", "framebuffer dimensions out of range", nil)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.info.Format = format
	fb.info.Width = width
	fb.info.Height = height
	fb.stride = width * format.BytesPerPixel()
	fb.pix = make([]byte, fb.stride*height)
	return nil
}

// Update copies data, packed rows in the framebuffer format, into r.
func (fb *Framebuffer) Update(r Rect, data []byte) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if !fb.info.Bounds().Contains(r) {
		return validationError("Framebuffer.Update", "rectangle outside framebuffer", nil)
	}
	bpp := fb.info.Format.BytesPerPixel()
	rowBytes := r.Width() * bpp
	if len(data) < rowBytes*r.Height() {
		return validationError("Framebuffer.Update", "not enough pixel data for rectangle", nil)
	}
	for y := 0; y < r.Height(); y++ {
		off := (r.Min.Y+y)*fb.stride + r.Min.X*bpp
		copy(fb.pix[off:off+rowBytes], data[y*rowBytes:(y+1)*rowBytes])
	}
	return nil
}

// Fill sets every pixel in r to pixel.
func (fb *Framebuffer) Fill(r Rect, pixel uint32) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	r = r.Intersect(fb.info.Bounds())
	if r.Empty() {
		return
	}
	conv := &PixelFormatConverter{
		format: fb.info.Format,
		order:  fb.info.Format.ByteOrder(),
		bpp:    fb.info.Format.BytesPerPixel(),
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			conv.PutPixel(fb.pix[y*fb.stride+x*conv.bpp:], pixel)
		}
	}
}

// CopyRect moves the pixels of dest translated by -delta into dest, as a
// scroll or window move does.
func (fb *Framebuffer) CopyRect(dest Rect, delta Point) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	bounds := fb.info.Bounds()
	dest = dest.Intersect(bounds).Intersect(bounds.Translate(delta))
	if dest.Empty() {
		return
	}
	bpp := fb.info.Format.BytesPerPixel()
	rowBytes := dest.Width() * bpp
	rows := make([]int, 0, dest.Height())
	for y := dest.Min.Y; y < dest.Max.Y; y++ {
		rows = append(rows, y)
	}
	if delta.Y > 0 {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	for _, y := range rows {
		dst := y*fb.stride + dest.Min.X*bpp
		src := (y-delta.Y)*fb.stride + (dest.Min.X-delta.X)*bpp
		copy(fb.pix[dst:dst+rowBytes], fb.pix[src:src+rowBytes])
	}
}

// SetCursor replaces the cursor shape.
func (fb *Framebuffer) SetCursor(c *CursorShape) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.cursor = c
}

// Cursor returns the current cursor shape, or nil.
func (fb *Framebuffer) Cursor() *CursorShape {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	return fb.cursor
}

// View calls fn with the pixels while holding the read lock.
func (fb *Framebuffer) View(fn func(v *FrameView)) {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	fn(&FrameView{
		Width:  fb.info.Width,
		Height: fb.info.Height,
		Format: fb.info.Format,
		Stride: fb.stride,
		Pix:    fb.pix,
	})
}
