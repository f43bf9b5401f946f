package inference

import (
	"image"

	"golang.org/x/image/draw"
)

// ImageNet channel statistics, RGB order, for inputs scaled to [0, 1].
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Preprocess resizes img to size×size and writes it into dst as a planar
// CHW float tensor normalised by mean and std. dst must hold 3*size*size
// values.
func Preprocess(dst []float32, img image.Image, size int, mean, std [3]float32) {
	resized := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			i := y*size + x
			for c := 0; c < 3; c++ {
				dst[c*plane+i] = (float32(px[c])/255 - mean[c]) / std[c]
			}
		}
	}
}

// PreprocessBatch lays out every image as one NCHW tensor.
func PreprocessBatch(imgs []image.Image, size int, mean, std [3]float32) []float32 {
	per := 3 * size * size
	out := make([]float32, per*len(imgs))
	for i, img := range imgs {
		Preprocess(out[i*per:(i+1)*per], img, size, mean, std)
	}
	return out
}
