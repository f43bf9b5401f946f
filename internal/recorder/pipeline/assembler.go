package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/sync/singleflight"

	"github.com/mikeyg42/seedo/internal/recorder/encoder"
	"github.com/mikeyg42/seedo/internal/recorder/storage"
)

// ErrNoReadableSegments is returned when segments overlap the window but
// none of them could be opened.
var ErrNoReadableSegments = errors.New("no readable segments in window")

// AssemblerConfig configures clip assembly
type AssemblerConfig struct {
	OutputDir string
	FPS       float64
	Quality   int
	Lookback  time.Duration
	Lookahead time.Duration
}

// Assembler concatenates the recorded segments overlapping a time window
// into a single clip file.
type Assembler struct {
	catalog *storage.Catalog
	cfg     AssemblerConfig
	logger  *zap.SugaredLogger

	// one build per clip name; concurrent callers share its result
	inflight singleflight.Group

	clips    atomic.Uint64
	skipped  atomic.Uint64
	rescaled atomic.Uint64
	shared   atomic.Uint64
}

func NewAssembler(catalog *storage.Catalog, cfg AssemblerConfig, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.L().Named("assembler")
	}
	return &Assembler{catalog: catalog, cfg: cfg, logger: logger.Sugar()}
}

// FindOverlapping lists segments intersecting [start, end].
func (a *Assembler) FindOverlapping(start, end int64) ([]storage.Segment, error) {
	return a.catalog.FindOverlapping(start, end)
}

// ClipAround assembles the configured lookback/lookahead window around t.
func (a *Assembler) ClipAround(ctx context.Context, t time.Time) (string, bool, error) {
	start := t.Add(-a.cfg.Lookback).Unix()
	end := t.Add(a.cfg.Lookahead).Unix()
	return a.Assemble(ctx, start, end)
}

// Assemble writes combined_<start>_<end> from every segment overlapping the
// window, in start order. It returns ok=false with a nil error when nothing
// overlaps. The frame size comes from the first segment that opens; frames
// of another size are rescaled to it.
func (a *Assembler) Assemble(ctx context.Context, start, end int64) (string, bool, error) {
	name := storage.ClipName(start, end, encoder.Ext)
	v, err, shared := a.inflight.Do(name, func() (interface{}, error) {
		path, ok, err := a.assemble(ctx, start, end, name)
		return clipResult{path, ok}, err
	})
	if shared {
		a.shared.Add(1)
	}
	if err != nil {
		return "", false, err
	}
	res := v.(clipResult)
	return res.path, res.ok, nil
}

type clipResult struct {
	path string
	ok   bool
}

func (a *Assembler) assemble(ctx context.Context, start, end int64, name string) (string, bool, error) {
	segs, err := a.FindOverlapping(start, end)
	if err != nil {
		return "", false, fmt.Errorf("failed to list segments: %w", err)
	}
	if len(segs) == 0 {
		a.logger.Infow("No segments overlap window", "start", start, "end", end)
		return "", false, nil
	}
	if err := os.MkdirAll(a.cfg.OutputDir, 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create clip directory: %w", err)
	}

	path := filepath.Join(a.cfg.OutputDir, name)
	f, err := os.CreateTemp(a.cfg.OutputDir, name+".*.part")
	if err != nil {
		return "", false, fmt.Errorf("failed to create clip: %w", err)
	}
	tmp := f.Name()
	f.Close()

	var (
		out   *encoder.MKVWriter
		size  image.Point
		base  = segs[0].Start
		count int
	)
	fail := func(err error) (string, bool, error) {
		if out != nil {
			out.Close()
		}
		os.Remove(tmp)
		return "", false, err
	}

	for _, seg := range segs {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		r, err := encoder.Open(seg.Path)
		if err != nil {
			a.skipped.Add(1)
			a.logger.Warnw("Skipping unreadable segment", "file", seg.Name, "error", err)
			continue
		}
		if r.Truncated {
			a.logger.Warnw("Segment is truncated; using recovered frames", "file", seg.Name, "frames", r.Frames())
		}
		if out == nil {
			size = r.Size()
			out, err = encoder.Create(tmp, encoder.Params{Width: size.X, Height: size.Y, FPS: a.cfg.FPS, Quality: a.cfg.Quality})
			if err != nil {
				return fail(fmt.Errorf("failed to create clip: %w", err))
			}
		}

		offset := (seg.Start - base) * 1000
		for i, p := range r.Packets {
			ms := offset + p.Ms
			if r.Size() == size {
				err = out.WriteRaw(p.Data, ms)
			} else {
				err = a.writeRescaled(out, r, i, size, ms)
			}
			if err != nil {
				a.logger.Warnw("Dropping frame from segment", "file", seg.Name, "frame", i, "error", err)
				continue
			}
			count++
		}
	}

	if out == nil {
		return fail(ErrNoReadableSegments)
	}
	if err := out.Close(); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fail(fmt.Errorf("failed to finalize clip: %w", err))
	}

	a.clips.Add(1)
	a.logger.Infow("Clip assembled", "file", filepath.Base(path), "segments", len(segs), "frames", count)
	return path, true, nil
}

func (a *Assembler) writeRescaled(out *encoder.MKVWriter, r *encoder.MKVReader, i int, size image.Point, ms int64) error {
	src, err := r.Decode(i)
	if err != nil {
		return err
	}
	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	a.rescaled.Add(1)

	jpegBytes, err := encoder.EncodeJPEG(dst, a.cfg.Quality)
	if err != nil {
		return err
	}
	return out.WriteRaw(jpegBytes, ms)
}

func (a *Assembler) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"clips":           a.clips.Load(),
		"skipped":         a.skipped.Load(),
		"rescaled_frames": a.rescaled.Load(),
		"shared":          a.shared.Load(),
	}
}
