// Package onnx runs embedding and depth models through OpenCV's dnn module.
package onnx

import (
	"context"
	"fmt"
	"image"
	"sync"
	"unsafe"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/seedo/internal/inference"
)

// Config names the model files and their square input sizes.
type Config struct {
	EmbedModel string
	DepthModel string // optional
	InputSize  int    // embedder input, default 224
	DepthSize  int    // depth input, default 518
	UseCUDA    bool
}

// Runtime implements inference.Service. gocv nets are not safe for
// concurrent use, so each net is guarded by its own lock.
type Runtime struct {
	cfg    Config
	logger *zap.Logger

	embedMu sync.Mutex
	embed   gocv.Net

	depthMu sync.Mutex
	depth   *gocv.Net

	// set under both locks; calls that lose the race to Close see it
	closed bool
}

var _ inference.Service = (*Runtime)(nil)

// Open loads the configured models.
func Open(cfg Config) (*Runtime, error) {
	if cfg.InputSize <= 0 {
		cfg.InputSize = 224
	}
	if cfg.DepthSize <= 0 {
		cfg.DepthSize = 518
	}
	logger := zap.L().Named("onnx")

	embed := gocv.ReadNetFromONNX(cfg.EmbedModel)
	if embed.Empty() {
		return nil, fmt.Errorf("failed to load embedding model %s", cfg.EmbedModel)
	}
	setupBackend(&embed, cfg.UseCUDA)

	rt := &Runtime{cfg: cfg, logger: logger, embed: embed}
	if cfg.DepthModel != "" {
		depth := gocv.ReadNetFromONNX(cfg.DepthModel)
		if depth.Empty() {
			embed.Close()
			return nil, fmt.Errorf("failed to load depth model %s", cfg.DepthModel)
		}
		setupBackend(&depth, cfg.UseCUDA)
		rt.depth = &depth
	}

	logger.Info("Inference models loaded",
		zap.String("embed_model", cfg.EmbedModel),
		zap.String("depth_model", cfg.DepthModel))
	return rt, nil
}

func setupBackend(net *gocv.Net, cuda bool) {
	if cuda {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
		return
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)
}

// blob wraps an NCHW float tensor as a Mat.
func blob(data []float32, n, size int) (gocv.Mat, error) {
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*4)
	return gocv.NewMatWithSizesFromBytes([]int{n, 3, size, size}, gocv.MatTypeCV32F, raw)
}

// Embed runs the batch through the embedding net and returns one
// L2-normalised vector per image.
func (r *Runtime) Embed(ctx context.Context, imgs []image.Image) ([][]float32, error) {
	if len(imgs) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := r.cfg.InputSize
	data := inference.PreprocessBatch(imgs, size, inference.ImageNetMean, inference.ImageNetStd)
	in, err := blob(data, len(imgs), size)
	if err != nil {
		return nil, fmt.Errorf("failed to build input blob: %w", err)
	}
	defer in.Close()

	r.embedMu.Lock()
	if r.closed {
		r.embedMu.Unlock()
		return nil, inference.ErrUnavailable
	}
	r.embed.SetInput(in, "")
	out := r.embed.Forward("")
	r.embedMu.Unlock()
	defer out.Close()

	flat, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding output: %w", err)
	}
	if len(flat)%len(imgs) != 0 {
		return nil, fmt.Errorf("embedding output of %d values does not split into %d vectors", len(flat), len(imgs))
	}
	dim := len(flat) / len(imgs)
	vecs := make([][]float32, len(imgs))
	for i := range vecs {
		v := make([]float32, dim)
		copy(v, flat[i*dim:(i+1)*dim])
		inference.Normalize(v)
		vecs[i] = v
	}
	return vecs, nil
}

// Depth returns the model's relative depth map for img.
func (r *Runtime) Depth(ctx context.Context, img image.Image) (*inference.DepthMap, error) {
	if r.depth == nil {
		return nil, inference.ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := r.cfg.DepthSize
	data := inference.PreprocessBatch([]image.Image{img}, size, inference.ImageNetMean, inference.ImageNetStd)
	in, err := blob(data, 1, size)
	if err != nil {
		return nil, fmt.Errorf("failed to build input blob: %w", err)
	}
	defer in.Close()

	r.depthMu.Lock()
	if r.closed {
		r.depthMu.Unlock()
		return nil, inference.ErrUnavailable
	}
	r.depth.SetInput(in, "")
	out := r.depth.Forward("")
	r.depthMu.Unlock()
	defer out.Close()

	flat, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read depth output: %w", err)
	}
	dims := out.Size()
	if len(dims) < 2 {
		return nil, fmt.Errorf("unexpected depth output shape %v", dims)
	}
	h, w := dims[len(dims)-2], dims[len(dims)-1]
	if h*w != len(flat) {
		return nil, fmt.Errorf("depth output shape %v does not match %d values", dims, len(flat))
	}
	values := make([]float32, len(flat))
	copy(values, flat)
	return &inference.DepthMap{Width: w, Height: h, Values: values}, nil
}

// Close releases both nets. Embed and Depth return inference.ErrUnavailable
// afterwards.
func (r *Runtime) Close() error {
	r.embedMu.Lock()
	defer r.embedMu.Unlock()
	r.depthMu.Lock()
	defer r.depthMu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.embed.Close()
	if r.depth != nil {
		if derr := r.depth.Close(); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}
