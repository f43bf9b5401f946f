// Package camera defines captured frames, the frame source contract and the
// latest-frame cell shared between the capture loop and its readers.
package camera

import (
	"image"
	"image/draw"
	"time"
)

// Frame is an immutable captured image. Once published it is shared read-only
// by the latest-frame cell, the ring buffer and any in-flight evaluation.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     *image.RGBA
}

// Bounds returns the frame rectangle, or the empty rectangle for a nil frame.
func (f *Frame) Bounds() image.Rectangle {
	if f == nil || f.Image == nil {
		return image.Rectangle{}
	}
	return f.Image.Bounds()
}

// ToRGBA converts img to the canonical layout. An *image.RGBA whose origin is
// already at zero is returned as is; anything else is copied.
func ToRGBA(img image.Image) *image.RGBA {
	if img == nil {
		return nil
	}
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Clone always copies img into a fresh RGBA, for backends that reuse their
// buffers once a read is released.
func Clone(img image.Image) *image.RGBA {
	if img == nil {
		return nil
	}
	if src, ok := img.(*image.RGBA); ok {
		b := src.Bounds()
		dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		for y := 0; y < b.Dy(); y++ {
			so := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+4*b.Dx()], src.Pix[so:so+4*b.Dx()])
		}
		return dst
	}
	return ToRGBA(img)
}
