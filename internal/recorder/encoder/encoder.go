// Package encoder writes and reads the Matroska files used for recorded
// segments and assembled clips. Video is stored as Motion JPEG, one JPEG
// payload per block, so files can be concatenated without re-encoding.
package encoder

import (
	"errors"
	"time"
)

const (
	// Ext is the extension of segment and clip files.
	Ext = ".mkv"

	codecMJPEG = "V_MJPEG"
	trackVideo = 1

	DefaultQuality = 85
)

var (
	ErrInvalidParams = errors.New("encoder: width, height and fps must be positive")
	ErrClosed        = errors.New("encoder: writer closed")
	ErrSizeMismatch  = errors.New("encoder: frame size does not match stream")
	ErrNoFrames      = errors.New("encoder: no readable frames")
)

// Params describes the video stream of a file.
type Params struct {
	Width   int
	Height  int
	FPS     float64
	Quality int // JPEG quality, 1-100
}

func (p Params) validate() error {
	if p.Width <= 0 || p.Height <= 0 || p.FPS <= 0 {
		return ErrInvalidParams
	}
	return nil
}

func (p Params) frameDuration() time.Duration {
	return time.Duration(float64(time.Second) / p.FPS)
}
