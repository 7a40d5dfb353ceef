// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

// PixelTranslator converts framebuffer pixels into a viewer's format.
type PixelTranslator struct {
	src      *PixelFormatConverter
	dst      *PixelFormatConverter
	identity bool
}

// NewPixelTranslator builds a translator from the server format to a
// viewer format. Colour-mapped viewers get BGR233 pixels, which index the
// palette from NewBGR233ColorMap.
func NewPixelTranslator(src, dst PixelFormat) (*PixelTranslator, error) {
	if !dst.TrueColor {
		if dst.BPP != 8 {
			return nil, unsupportedError("NewPixelTranslator", "color-mapped viewer formats must be 8 bits per pixel", nil)
		}
		dst = *PixelFormat8BitBGR233
	}
	srcConv, err := NewPixelFormatConverter(&src)
	if err != nil {
		return nil, err
	}
	dstConv, err := NewPixelFormatConverter(&dst)
	if err != nil {
		return nil, err
	}
	return &PixelTranslator{
		src:      srcConv,
		dst:      dstConv,
		identity: src == dst,
	}, nil
}

// SrcBytesPerPixel returns the framebuffer pixel size.
func (t *PixelTranslator) SrcBytesPerPixel() int {
	return t.src.BytesPerPixel()
}

// DstBytesPerPixel returns the viewer pixel size.
func (t *PixelTranslator) DstBytesPerPixel() int {
	return t.dst.BytesPerPixel()
}

// Pixel reads one framebuffer pixel from b and returns the viewer pixel value.
func (t *PixelTranslator) Pixel(b []byte) uint32 {
	v := t.src.GetPixel(b)
	if t.identity {
		return v
	}
	return t.dst.CreatePixel(t.src.ExtractRGB(v))
}

// PutPixel stores a viewer pixel value at the start of b.
func (t *PixelTranslator) PutPixel(b []byte, pixel uint32) {
	t.dst.PutPixel(b, pixel)
}

// RGB returns the 8-bit components of a framebuffer pixel.
func (t *PixelTranslator) RGB(b []byte) (r, g, bl uint8) {
	return t.src.ExtractRGB(t.src.GetPixel(b))
}

// TranslateRect writes the pixels of r, row by row, into dst and returns the
// number of bytes written. dst must hold r.Area()*DstBytesPerPixel bytes.
func (t *PixelTranslator) TranslateRect(dst []byte, v *FrameView, r Rect) int {
	sbpp := t.src.BytesPerPixel()
	dbpp := t.dst.BytesPerPixel()
	rowBytes := r.Width() * dbpp
	n := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := v.Row(r.Min.X, y, r.Width())
		if t.identity {
			copy(dst[n:n+rowBytes], row)
			n += rowBytes
			continue
		}
		for x := 0; x < r.Width(); x++ {
			t.dst.PutPixel(dst[n:], t.Pixel(row[x*sbpp:]))
			n += dbpp
		}
	}
	return n
}

// calculatePixelDataSize calculates the size needed for pixel data.
func calculatePixelDataSize(width, height int, pixelFormat PixelFormat) int {
	return width * height * pixelFormat.BytesPerPixel()
}

// calculateMaskDataSize calculates the size needed for cursor mask data.
func calculateMaskDataSize(width, height int) int {
	return (width + 7) / 8 * height
}
