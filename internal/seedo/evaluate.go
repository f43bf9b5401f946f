package seedo

import (
	"context"
	"fmt"
	"image"

	"github.com/mikeyg42/seedo/internal/camera"
	"github.com/mikeyg42/seedo/internal/inference"
)

// Evaluate runs cond against frame. A nil frame is never a trigger and
// touches no collaborator. svc may be nil when no condition needs it.
func Evaluate(ctx context.Context, cond Condition, frame *camera.Frame, svc inference.Service) (bool, error) {
	if frame == nil || frame.Image == nil {
		return false, nil
	}
	switch c := cond.(type) {
	case Brightness:
		mean := MeanIntensity(frame.Image)
		if c.Threshold < 0 {
			return mean < -c.Threshold, nil
		}
		return mean > c.Threshold, nil

	case RegionSimilarity:
		if svc == nil {
			return false, inference.ErrUnavailable
		}
		return evaluateSimilarity(ctx, c, frame, svc)

	case DepthProximity:
		if svc == nil {
			return false, inference.ErrUnavailable
		}
		dm, err := svc.Depth(ctx, frame.Image)
		if err != nil {
			return false, fmt.Errorf("depth estimate: %w", err)
		}
		mean, ok := dm.MeanIn(c.ROI, frame.Bounds())
		if !ok {
			return false, fmt.Errorf("depth roi %v outside frame %v", c.ROI, frame.Bounds())
		}
		return compare(mean, c.Threshold, c.GreaterThan), nil

	default:
		return false, fmt.Errorf("unsupported condition %T", cond)
	}
}

func evaluateSimilarity(ctx context.Context, c RegionSimilarity, frame *camera.Frame, emb inference.Embedder) (bool, error) {
	crops := make([]image.Image, 0, len(c.Regions))
	regions := make([]Region, 0, len(c.Regions))
	for _, r := range c.Regions {
		crop, ok := Crop(frame.Image, r.ROI)
		if !ok {
			continue
		}
		crops = append(crops, crop)
		regions = append(regions, r)
	}
	if len(crops) == 0 {
		return false, fmt.Errorf("no region intersects frame %v", frame.Bounds())
	}

	vecs, err := emb.Embed(ctx, crops)
	if err != nil {
		return false, fmt.Errorf("embed regions: %w", err)
	}
	if len(vecs) != len(crops) {
		return false, fmt.Errorf("embedder returned %d vectors for %d regions", len(vecs), len(crops))
	}

	for i, r := range regions {
		if compare(inference.Cosine(r.Embedding, vecs[i]), r.Threshold, r.GreaterThan) {
			return true, nil
		}
	}
	return false, nil
}

func compare(v, threshold float64, greater bool) bool {
	if greater {
		return v > threshold
	}
	return v < threshold
}

// Crop returns the part of img inside roi, sharing pixels with img.
func Crop(img *image.RGBA, roi image.Rectangle) (image.Image, bool) {
	r := roi.Intersect(img.Bounds())
	if r.Empty() {
		return nil, false
	}
	return img.SubImage(r), true
}

// MeanIntensity averages the R, G and B samples over every pixel.
func MeanIntensity(img *image.RGBA) float64 {
	b := img.Bounds()
	if b.Empty() {
		return 0
	}
	var sum uint64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for i := 0; i < len(row); i += 4 {
			sum += uint64(row[i]) + uint64(row[i+1]) + uint64(row[i+2])
		}
	}
	return float64(sum) / float64(3*b.Dx()*b.Dy())
}
