// Package inference defines the embedding and depth contracts used by rule
// conditions, plus the vector math and preprocessing shared by backends.
package inference

import (
	"context"
	"errors"
	"image"
	"math"
)

var ErrUnavailable = errors.New("inference backend not configured")

// Embedder maps images to fixed-length feature vectors, one per input.
type Embedder interface {
	Embed(ctx context.Context, imgs []image.Image) ([][]float32, error)
}

// DepthEstimator produces a per-pixel relative depth map for an image.
type DepthEstimator interface {
	Depth(ctx context.Context, img image.Image) (*DepthMap, error)
}

// Service is a backend offering both capabilities.
type Service interface {
	Embedder
	DepthEstimator
}

// DepthMap is a row-major grid of relative depth values.
type DepthMap struct {
	Width  int
	Height int
	Values []float32
}

func (d *DepthMap) At(x, y int) float32 {
	return d.Values[y*d.Width+x]
}

// MeanIn averages the map over roi, where roi is given in the coordinates of
// an image with bounds src. It returns false when the region is empty.
func (d *DepthMap) MeanIn(roi, src image.Rectangle) (float64, bool) {
	if d == nil || d.Width == 0 || d.Height == 0 || src.Dx() == 0 || src.Dy() == 0 {
		return 0, false
	}
	roi = roi.Intersect(src)
	if roi.Empty() {
		return 0, false
	}
	sx := float64(d.Width) / float64(src.Dx())
	sy := float64(d.Height) / float64(src.Dy())
	x0 := int(float64(roi.Min.X-src.Min.X) * sx)
	y0 := int(float64(roi.Min.Y-src.Min.Y) * sy)
	x1 := int(math.Ceil(float64(roi.Max.X-src.Min.X) * sx))
	y1 := int(math.Ceil(float64(roi.Max.Y-src.Min.Y) * sy))
	if x1 > d.Width {
		x1 = d.Width
	}
	if y1 > d.Height {
		y1 = d.Height
	}

	var sum float64
	n := 0
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			sum += float64(d.At(x, y))
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Cosine returns the cosine similarity of a and b, in [-1, 1]. Vectors of
// different length, or with zero magnitude, score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, sim))
}

// Normalize scales v to unit length in place.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
