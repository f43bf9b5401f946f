package encoder

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestWriteThenOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camera_10_11"+Ext)
	w, err := Create(path, Params{Width: 32, Height: 16, FPS: 10})
	require.NoError(t, err)

	base := time.Unix(10, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteFrame(solid(32, 16, color.RGBA{uint8(i * 40), 0, 0, 255}), base.Add(time.Duration(i)*100*time.Millisecond)))
	}
	assert.Equal(t, 5, w.Frames())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(32, 16), r.Size())
	require.Equal(t, 5, r.Frames())
	assert.Equal(t, int64(0), r.Packets[0].Ms)
	assert.Equal(t, int64(400), r.Packets[4].Ms)

	img, err := r.Decode(4)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 16), img.Bounds())
	red, _, _, _ := img.At(5, 5).RGBA()
	assert.InDelta(t, 160, red>>8, 12)

	_, err = r.Decode(5)
	assert.Error(t, err)
}

func TestWriteFrameSizeMismatch(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "x"+Ext), Params{Width: 8, Height: 8, FPS: 1})
	require.NoError(t, err)
	defer w.Close()

	err = w.WriteFrame(solid(4, 4, color.RGBA{A: 255}), time.Now())
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestWriteAfterClose(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "x"+Ext), Params{Width: 8, Height: 8, FPS: 1})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteRaw([]byte{1}, 0), ErrClosed)
}

func TestCreateRejectsBadParams(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "x"+Ext), Params{Width: 0, Height: 8, FPS: 1})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestOpenGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk"+Ext)
	require.NoError(t, os.WriteFile(path, []byte("definitely not matroska"), 0o644))
	_, err := Open(path)
	assert.Error(t, err)

	_, err = Open(filepath.Join(t.TempDir(), "missing"+Ext))
	assert.Error(t, err)
}

func TestRawCopyPreservesPayload(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a"+Ext)
	w, err := Create(src, Params{Width: 16, Height: 16, FPS: 5})
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(solid(16, 16, color.RGBA{0, 200, 0, 255}), time.Unix(0, 0)))
	require.NoError(t, w.Close())

	r, err := Open(src)
	require.NoError(t, err)

	dst := filepath.Join(dir, "b"+Ext)
	out, err := Create(dst, Params{Width: 16, Height: 16, FPS: 5})
	require.NoError(t, err)
	require.NoError(t, out.WriteRaw(r.Packets[0].Data, 1000))
	require.NoError(t, out.Close())

	r2, err := Open(dst)
	require.NoError(t, err)
	require.Equal(t, 1, r2.Frames())
	assert.Equal(t, r.Packets[0].Data, r2.Packets[0].Data)
	assert.Equal(t, int64(1000), r2.Packets[0].Ms)
}
