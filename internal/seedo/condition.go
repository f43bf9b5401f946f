package seedo

import (
	"errors"
	"fmt"
	"image"
)

const (
	KindBrightness = "brightness"
	KindSimilarity = "semantic_similarity"
	KindDepth      = "depth"
)

// Condition is the closed set of rule predicates. Evaluate switches over
// the concrete types below.
type Condition interface {
	Kind() string
	validate() error
	isCondition()
}

// Brightness compares mean pixel intensity (0-255) with Threshold. A
// negative threshold inverts the test: trigger when darker than
// -Threshold.
type Brightness struct {
	Threshold float64
}

func (Brightness) Kind() string  { return KindBrightness }
func (Brightness) isCondition() {}

func (b Brightness) validate() error {
	if b.Threshold < -255 || b.Threshold > 255 {
		return fmt.Errorf("brightness threshold %v outside [-255, 255]", b.Threshold)
	}
	return nil
}

// Region is one area compared against its reference embedding.
type Region struct {
	ROI         image.Rectangle
	Embedding   []float32
	Threshold   float64
	GreaterThan bool
	ImagePath   string
}

// RegionSimilarity triggers when any region's cosine similarity crosses
// its threshold in the configured direction.
type RegionSimilarity struct {
	Regions []Region
}

func (RegionSimilarity) Kind() string  { return KindSimilarity }
func (RegionSimilarity) isCondition() {}

func (s RegionSimilarity) validate() error {
	if len(s.Regions) == 0 {
		return errors.New("no regions")
	}
	for i, r := range s.Regions {
		if r.ROI.Empty() {
			return fmt.Errorf("region %d: empty roi", i)
		}
		if len(r.Embedding) == 0 {
			return fmt.Errorf("region %d: missing reference embedding", i)
		}
		if r.Threshold < -1 || r.Threshold > 1 {
			return fmt.Errorf("region %d: threshold %v outside [-1, 1]", i, r.Threshold)
		}
	}
	return nil
}

// DepthProximity compares the mean relative depth inside ROI with
// Threshold. Depth models emit inverse depth, so GreaterThan means
// "something came closer".
type DepthProximity struct {
	ROI         image.Rectangle
	Threshold   float64
	GreaterThan bool
}

func (DepthProximity) Kind() string  { return KindDepth }
func (DepthProximity) isCondition() {}

func (d DepthProximity) validate() error {
	if d.ROI.Empty() {
		return errors.New("empty roi")
	}
	return nil
}
