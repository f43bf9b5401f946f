// Package mdsource reads frames through pion/mediadevices (V4L2 and other
// platform drivers). Importing it registers the "mediadevices" camera type.
package mdsource

import (
	"fmt"
	"image"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"

	"github.com/mikeyg42/seedo/internal/camera"
	"github.com/mikeyg42/seedo/internal/config"
)

func init() {
	camera.Register("mediadevices", func(cfg config.CameraConfig) (camera.Source, error) {
		return Open(cfg)
	})
}

type Source struct {
	stream mediadevices.MediaStream
	reader video.Reader
	logger *zap.Logger

	closeOnce sync.Once
}

// Open requests a video stream matching cfg. An empty DeviceID takes the
// first camera the driver reports.
func Open(cfg config.CameraConfig) (*Source, error) {
	deviceID := cfg.DeviceID
	if deviceID == "" {
		for _, d := range mediadevices.EnumerateDevices() {
			if d.Kind == mediadevices.VideoInput {
				deviceID = d.DeviceID
				break
			}
		}
		if deviceID == "" {
			return nil, fmt.Errorf("no camera devices found")
		}
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(deviceID)
			if cfg.Width > 0 && cfg.Height > 0 {
				c.Width = prop.Int(cfg.Width)
				c.Height = prop.Int(cfg.Height)
			}
			if cfg.TargetFPS > 0 {
				c.FrameRate = prop.Float(cfg.TargetFPS)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get user media: %w", err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no video tracks available")
	}
	vt, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
		return nil, fmt.Errorf("track is not a VideoTrack: %T", tracks[0])
	}

	logger := zap.L().Named("mdsource")
	logger.Info("Opened media device", zap.String("device", deviceID), zap.String("track", vt.ID()))

	return &Source{stream: stream, reader: vt.NewReader(false), logger: logger}, nil
}

// Read copies the next frame out of the driver buffer before releasing it.
func (s *Source) Read() (image.Image, error) {
	img, release, err := s.reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	if release != nil {
		defer release()
	}
	if img == nil {
		return nil, camera.ErrNoFrame
	}
	return camera.Clone(img), nil
}

func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		for _, t := range s.stream.GetTracks() {
			t.Close()
		}
		s.logger.Info("Released media device")
	})
	return nil
}
