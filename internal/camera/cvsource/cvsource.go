// Package cvsource reads frames from a local capture device through OpenCV.
// Importing it registers the "usb" camera type.
package cvsource

import (
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/seedo/internal/camera"
	"github.com/mikeyg42/seedo/internal/config"
)

func init() {
	camera.Register("usb", func(cfg config.CameraConfig) (camera.Source, error) {
		return Open(cfg)
	})
}

// Source wraps a gocv.VideoCapture. Read is not safe for concurrent use;
// the capture loop is its only caller.
type Source struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
	logger  *zap.Logger

	closeOnce sync.Once
}

// Open opens the device at cfg.DeviceIndex and requests the configured size.
func Open(cfg config.CameraConfig) (*Source, error) {
	vc, err := gocv.OpenVideoCapture(cfg.DeviceIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture device %d: %w", cfg.DeviceIndex, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("capture device %d did not open", cfg.DeviceIndex)
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.TargetFPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, cfg.TargetFPS)
	}

	logger := zap.L().Named("cvsource")
	logger.Info("Opened capture device",
		zap.Int("device", cfg.DeviceIndex),
		zap.Float64("width", vc.Get(gocv.VideoCaptureFrameWidth)),
		zap.Float64("height", vc.Get(gocv.VideoCaptureFrameHeight)),
		zap.Float64("fps", vc.Get(gocv.VideoCaptureFPS)))

	return &Source{capture: vc, mat: gocv.NewMat(), logger: logger}, nil
}

// Read grabs one frame and converts it from the device's BGR layout to RGBA.
func (s *Source) Read() (image.Image, error) {
	if ok := s.capture.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, camera.ErrNoFrame
	}
	img, err := s.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	return camera.ToRGBA(img), nil
}

// Close releases the device.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if cerr := s.mat.Close(); cerr != nil {
			err = cerr
		}
		if cerr := s.capture.Close(); cerr != nil {
			err = cerr
		}
		s.logger.Info("Released capture device")
	})
	return err
}
