package storage

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	SegmentPrefix = "camera_"
	ClipPrefix    = "combined_"
)

// ErrMalformedName marks a file whose name does not encode a time range.
var ErrMalformedName = errors.New("malformed segment name")

// Segment is a recorded file covering [Start, End] in Unix seconds.
type Segment struct {
	Name  string
	Path  string
	Start int64
	End   int64
}

// Overlaps reports whether the segment intersects the closed window [a, b].
func (s Segment) Overlaps(a, b int64) bool {
	return s.End >= a && s.Start <= b
}

// SegmentName builds camera_<start>_<end><ext>.
func SegmentName(start, end int64, ext string) string {
	return fmt.Sprintf("%s%d_%d%s", SegmentPrefix, start, end, ext)
}

// ClipName builds combined_<start>_<end><ext>.
func ClipName(start, end int64, ext string) string {
	return fmt.Sprintf("%s%d_%d%s", ClipPrefix, start, end, ext)
}

// ParseSegmentName extracts the range from a camera_ file name.
func ParseSegmentName(name string) (int64, int64, error) {
	return parseRangeName(name, SegmentPrefix)
}

func parseRangeName(name, prefix string) (int64, int64, error) {
	if !strings.HasPrefix(name, prefix) {
		return 0, 0, fmt.Errorf("%w: %q lacks prefix %q", ErrMalformedName, name, prefix)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(name, prefix), filepath.Ext(name))
	parts := strings.Split(body, "_")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedName, name)
	}
	start, err := parseTimestamp(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q: %v", ErrMalformedName, name, err)
	}
	end, err := parseTimestamp(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q: %v", ErrMalformedName, name, err)
	}
	if end < start {
		return 0, 0, fmt.Errorf("%w: %q ends before it starts", ErrMalformedName, name)
	}
	return start, end, nil
}

// parseTimestamp accepts integer seconds, and fractional seconds truncated.
func parseTimestamp(s string) (int64, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	return int64(f), nil
}

// Catalog lists range-named files of one kind in a directory.
type Catalog struct {
	Dir    string
	Prefix string
	Ext    string
}

// NewCatalog returns a catalog of camera_ segments with the given extension.
func NewCatalog(dir, ext string) *Catalog {
	return &Catalog{Dir: dir, Prefix: SegmentPrefix, Ext: ext}
}

// NewClipCatalog returns a catalog of assembled combined_ clips.
func NewClipCatalog(dir, ext string) *Catalog {
	return &Catalog{Dir: dir, Prefix: ClipPrefix, Ext: ext}
}

// List returns every well-formed file in Dir, sorted by start then name.
// Names that carry the prefix but fail to parse are returned separately.
// A missing directory is an empty catalog.
func (c *Catalog) List() ([]Segment, []string, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to list %s: %w", c.Dir, err)
	}

	var (
		segs      []Segment
		malformed []string
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, c.Prefix) {
			continue
		}
		if c.Ext != "" && filepath.Ext(name) != c.Ext {
			continue
		}
		start, end, err := parseRangeName(name, c.Prefix)
		if err != nil {
			malformed = append(malformed, name)
			continue
		}
		segs = append(segs, Segment{Name: name, Path: filepath.Join(c.Dir, name), Start: start, End: end})
	}
	sortSegments(segs)
	return segs, malformed, nil
}

// FindOverlapping returns the files intersecting [a, b], sorted by start
// then name.
func (c *Catalog) FindOverlapping(a, b int64) ([]Segment, error) {
	all, _, err := c.List()
	if err != nil {
		return nil, err
	}
	var out []Segment
	for _, s := range all {
		if s.Overlaps(a, b) {
			out = append(out, s)
		}
	}
	return out, nil
}

func sortSegments(segs []Segment) {
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].Start != segs[j].Start {
			return segs[i].Start < segs[j].Start
		}
		return segs[i].Name < segs[j].Name
	})
}
