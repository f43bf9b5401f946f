package encoder

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
)

var matroskaHeader = &webm.EBMLHeader{
	EBMLVersion:        1,
	EBMLReadVersion:    1,
	EBMLMaxIDLength:    4,
	EBMLMaxSizeLength:  8,
	DocType:            "matroska",
	DocTypeVersion:     4,
	DocTypeReadVersion: 2,
}

// MKVWriter appends JPEG frames to a single-track Matroska file.
// It is not safe for concurrent use.
type MKVWriter struct {
	path   string
	params Params
	block  webm.BlockWriteCloser

	start  time.Time
	lastMs int64
	frames int
	closed bool
}

// Create opens path for writing, truncating any existing file.
func Create(path string, p Params) (*MKVWriter, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.Quality <= 0 || p.Quality > 100 {
		p.Quality = DefaultQuality
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	ws, err := webm.NewSimpleBlockWriter(file,
		[]webm.TrackEntry{
			{
				Name:            "Video",
				TrackNumber:     trackVideo,
				TrackUID:        uint64(time.Now().UnixNano()),
				CodecID:         codecMJPEG,
				TrackType:       1,
				DefaultDuration: uint64(p.frameDuration()),
				Video: &webm.Video{
					PixelWidth:  uint64(p.Width),
					PixelHeight: uint64(p.Height),
				},
			},
		},
		mkvcore.WithEBMLHeader(matroskaHeader),
	)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create Matroska writer: %w", err)
	}

	return &MKVWriter{path: path, params: p, block: ws[0], lastMs: -1}, nil
}

// WriteFrame JPEG-encodes img and appends it at ts. The first frame defines
// time zero; timestamps that go backwards are clamped.
func (w *MKVWriter) WriteFrame(img image.Image, ts time.Time) error {
	if w.closed {
		return ErrClosed
	}
	b := img.Bounds()
	if b.Dx() != w.params.Width || b.Dy() != w.params.Height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrSizeMismatch, b.Dx(), b.Dy(), w.params.Width, w.params.Height)
	}
	if w.frames == 0 {
		w.start = ts
	}

	payload, err := EncodeJPEG(img, w.params.Quality)
	if err != nil {
		return err
	}
	return w.WriteRaw(payload, ts.Sub(w.start).Milliseconds())
}

// EncodeJPEG returns a freshly allocated JPEG of img. The block writer
// hands payloads to its own goroutine, so buffers are never reused.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteRaw appends an already encoded JPEG payload at ms milliseconds from
// the start of the file.
func (w *MKVWriter) WriteRaw(payload []byte, ms int64) error {
	if w.closed {
		return ErrClosed
	}
	if ms < w.lastMs {
		ms = w.lastMs
	}
	if _, err := w.block.Write(true, ms, payload); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}
	w.lastMs = ms
	w.frames++
	return nil
}

func (w *MKVWriter) Path() string   { return w.path }
func (w *MKVWriter) Params() Params { return w.params }
func (w *MKVWriter) Frames() int    { return w.frames }

// Close flushes and closes the underlying file. It is safe to call twice.
func (w *MKVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.block.Close(); err != nil {
		return fmt.Errorf("failed to close Matroska writer: %w", err)
	}
	return nil
}
