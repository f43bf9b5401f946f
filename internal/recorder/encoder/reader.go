package encoder

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
)

// Packet is one stored frame: a JPEG payload and its time from file start.
type Packet struct {
	Ms   int64
	Data []byte
}

// MKVReader holds the decoded contents of a file.
type MKVReader struct {
	Width     int
	Height    int
	Packets   []Packet
	Truncated bool // file ended mid-element; Packets holds what was readable
}

type mkvFile struct {
	Header  webm.EBMLHeader `ebml:"EBML"`
	Segment webm.Segment    `ebml:"Segment"`
}

// Open parses the file at path. A file cut short by a crash still opens if
// at least one frame was recovered.
func Open(path string) (*MKVReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var doc mkvFile
	parseErr := ebml.Unmarshal(bufio.NewReader(f), &doc)

	r := &MKVReader{Truncated: parseErr != nil}
	for _, t := range doc.Segment.Tracks.TrackEntry {
		if t.Video != nil && (t.TrackNumber == trackVideo || r.Width == 0) {
			r.Width = int(t.Video.PixelWidth)
			r.Height = int(t.Video.PixelHeight)
		}
	}

	scale := doc.Segment.Info.TimecodeScale
	if scale == 0 {
		scale = 1000000
	}
	toMs := func(cluster uint64, block int16) int64 {
		ns := (int64(cluster) + int64(block)) * int64(scale)
		return ns / 1000000
	}

	for _, c := range doc.Segment.Cluster {
		for _, b := range c.SimpleBlock {
			r.addBlock(b, toMs(c.Timecode, b.Timecode))
		}
		for _, g := range c.BlockGroup {
			r.addBlock(g.Block, toMs(c.Timecode, g.Block.Timecode))
		}
	}

	if len(r.Packets) == 0 {
		if parseErr != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, parseErr)
		}
		return nil, fmt.Errorf("%s: %w", path, ErrNoFrames)
	}

	if r.Width == 0 || r.Height == 0 {
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(r.Packets[0].Data))
		if err != nil {
			return nil, fmt.Errorf("failed to read frame size from %s: %w", path, err)
		}
		r.Width, r.Height = cfg.Width, cfg.Height
	}
	return r, nil
}

func (r *MKVReader) addBlock(b ebml.Block, ms int64) {
	if b.TrackNumber != trackVideo {
		return
	}
	for _, d := range b.Data {
		if len(d) == 0 {
			continue
		}
		r.Packets = append(r.Packets, Packet{Ms: ms, Data: d})
	}
}

// Size returns the stream's frame size.
func (r *MKVReader) Size() image.Point { return image.Pt(r.Width, r.Height) }

// Frames returns the number of stored frames.
func (r *MKVReader) Frames() int { return len(r.Packets) }

// Decode decodes frame i.
func (r *MKVReader) Decode(i int) (image.Image, error) {
	if i < 0 || i >= len(r.Packets) {
		return nil, fmt.Errorf("frame index %d out of range [0, %d)", i, len(r.Packets))
	}
	img, err := jpeg.Decode(bytes.NewReader(r.Packets[i].Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %d: %w", i, err)
	}
	return img, nil
}
