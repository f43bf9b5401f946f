package seedo

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/mikeyg42/seedo/internal/camera"
	"github.com/mikeyg42/seedo/internal/inference"
)

// RegionSpec is a user-drawn region before its reference is captured.
type RegionSpec struct {
	ROI         image.Rectangle
	Threshold   float64
	GreaterThan bool
}

// RegionImagePath is where the reference crop for region i is kept.
func RegionImagePath(imageDir, rule string, i int) string {
	return filepath.Join(imageDir, Slug(rule), fmt.Sprintf("roi_image_%d.png", i))
}

// NewSimilarityCondition captures references for specs from frame: each
// region is cropped, embedded and saved as a PNG under imageDir.
func NewSimilarityCondition(ctx context.Context, emb inference.Embedder, frame *camera.Frame, rule, imageDir string, specs []RegionSpec) (RegionSimilarity, error) {
	if emb == nil {
		return RegionSimilarity{}, inference.ErrUnavailable
	}
	if frame == nil || frame.Image == nil {
		return RegionSimilarity{}, errors.New("no frame to capture regions from")
	}
	if len(specs) == 0 {
		return RegionSimilarity{}, errors.New("no regions")
	}

	crops := make([]image.Image, len(specs))
	for i, s := range specs {
		crop, ok := Crop(frame.Image, s.ROI)
		if !ok {
			return RegionSimilarity{}, fmt.Errorf("region %d %v outside frame %v", i, s.ROI, frame.Bounds())
		}
		crops[i] = crop
	}

	vecs, err := emb.Embed(ctx, crops)
	if err != nil {
		return RegionSimilarity{}, fmt.Errorf("embed regions: %w", err)
	}
	if len(vecs) != len(specs) {
		return RegionSimilarity{}, fmt.Errorf("embedder returned %d vectors for %d regions", len(vecs), len(specs))
	}

	cond := RegionSimilarity{Regions: make([]Region, len(specs))}
	for i, s := range specs {
		p := ""
		if imageDir != "" {
			p = RegionImagePath(imageDir, rule, i)
			if err := savePNG(p, crops[i]); err != nil {
				return RegionSimilarity{}, fmt.Errorf("save region %d image: %w", i, err)
			}
		}
		cond.Regions[i] = Region{
			ROI:         s.ROI.Intersect(frame.Bounds()),
			Embedding:   vecs[i],
			Threshold:   s.Threshold,
			GreaterThan: s.GreaterThan,
			ImagePath:   p,
		}
	}
	return cond, cond.validate()
}

func savePNG(p string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
