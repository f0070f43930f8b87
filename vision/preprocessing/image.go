// Package preprocessing turns decoded photographs and stored image arrays
// into normalized CHW input for the classifier. Training and inference
// share the same Transform.
package preprocessing

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"
	"sync"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

// ImageNet channel statistics
var (
	DefaultMean = [3]float32{0.485, 0.456, 0.406}
	DefaultStd  = [3]float32{0.229, 0.224, 0.225}
)

// Transform resizes to Size x Size with bilinear interpolation and
// normalizes each channel as (v - Mean) / Std.
type Transform struct {
	Size int
	Mean [3]float32
	Std  [3]float32
}

// NewTransform returns the standard transform for the given input size.
func NewTransform(size int) Transform {
	return Transform{Size: size, Mean: DefaultMean, Std: DefaultStd}
}

// OutputSize returns the side length of transformed images.
func (t Transform) OutputSize() int {
	return t.Size
}

func (t Transform) validate() error {
	if t.Size <= 0 {
		return fmt.Errorf("transform size must be positive, got %d", t.Size)
	}
	for c := range t.Std {
		if t.Std[c] == 0 {
			return fmt.Errorf("transform std for channel %d is zero", c)
		}
	}
	return nil
}

// ApplyHWC transforms an interleaved RGB image with values in [0,1] and
// returns CHW data of length 3*Size*Size.
func (t Transform) ApplyHWC(hwc []float32, height, width int) ([]float32, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	if len(hwc) != height*width*3 {
		return nil, fmt.Errorf("expected %d values for %dx%dx3, got %d", height*width*3, height, width, len(hwc))
	}

	if height == t.Size && width == t.Size {
		out := make([]float32, 3*t.Size*t.Size)
		plane := t.Size * t.Size
		for i := 0; i < plane; i++ {
			for c := 0; c < 3; c++ {
				out[c*plane+i] = (hwc[3*i+c] - t.Mean[c]) / t.Std[c]
			}
		}
		return out, nil
	}

	src := image.NewNRGBA64(image.Rect(0, 0, width, height))
	for i := 0; i < height*width; i++ {
		p := src.Pix[8*i : 8*i+8]
		for c := 0; c < 3; c++ {
			v := uint16(math.Round(float64(clamp01(hwc[3*i+c])) * 0xffff))
			p[2*c], p[2*c+1] = uint8(v>>8), uint8(v)
		}
		p[6], p[7] = 0xff, 0xff
	}
	return t.ApplyImage(src)
}

// ApplyImage converts img to RGB, resizes it and returns normalized CHW
// data. Alpha is discarded.
func (t Transform) ApplyImage(img image.Image) ([]float32, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	dst := image.NewNRGBA64(image.Rect(0, 0, t.Size, t.Size))
	t.resizeInto(dst, img)
	return t.normalize(dst, nil), nil
}

func (t Transform) resizeInto(dst *image.NRGBA64, img image.Image) {
	b := img.Bounds()
	if b.Dx() == t.Size && b.Dy() == t.Size {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return
	}
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
}

func (t Transform) normalize(img *image.NRGBA64, out []float32) []float32 {
	plane := t.Size * t.Size
	if cap(out) < 3*plane {
		out = make([]float32, 3*plane)
	}
	out = out[:3*plane]
	for i := 0; i < plane; i++ {
		p := img.Pix[8*i : 8*i+8]
		for c := 0; c < 3; c++ {
			v := float32(uint16(p[2*c])<<8|uint16(p[2*c+1])) / 0xffff
			out[c*plane+i] = (v - t.Mean[c]) / t.Std[c]
		}
	}
	return out
}

func clamp01(v float32) float32 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Decode decodes any registered format (JPEG, PNG, GIF, BMP, TIFF, WebP)
// and returns the image with its format name.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, format, fmt.Errorf("decoded %s image is empty", format)
	}
	return img, format, nil
}

// ImageProcessor decodes and transforms images, reusing its resize buffer
// between calls.
type ImageProcessor struct {
	mu              sync.Mutex
	transform       Transform
	tempImageBuffer *image.NRGBA64
}

// NewImageProcessor creates a processor with the standard transform for
// targetSize.
func NewImageProcessor(targetSize int) *ImageProcessor {
	return NewImageProcessorWith(NewTransform(targetSize))
}

// NewImageProcessorWith creates a processor for an explicit transform.
func NewImageProcessorWith(t Transform) *ImageProcessor {
	return &ImageProcessor{transform: t}
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32 // CHW, normalized
	Width    int
	Height   int
	Channels int
	Format   string
	// Source dimensions before resizing
	SourceWidth  int
	SourceHeight int
}

// DecodeAndPreprocess decodes an image and transforms it for the network.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, format, err := Decode(reader)
	if err != nil {
		return nil, err
	}
	return p.Preprocess(img, format)
}

// Preprocess transforms an already decoded image.
func (p *ImageProcessor) Preprocess(img image.Image, format string) (*ProcessedImage, error) {
	t := p.transform
	if err := t.validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tempImageBuffer == nil || p.tempImageBuffer.Bounds().Dx() != t.Size {
		p.tempImageBuffer = image.NewNRGBA64(image.Rect(0, 0, t.Size, t.Size))
	}
	t.resizeInto(p.tempImageBuffer, img)

	b := img.Bounds()
	return &ProcessedImage{
		Data:         t.normalize(p.tempImageBuffer, nil),
		Width:        t.Size,
		Height:       t.Size,
		Channels:     3,
		Format:       format,
		SourceWidth:  b.Dx(),
		SourceHeight: b.Dy(),
	}, nil
}

// PreprocessBatch decodes and transforms image files concurrently with at
// most maxWorkers in flight. Results keep the order of imagePaths.
func PreprocessBatch(ctx context.Context, imagePaths []string, t Transform, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	results := make([]*ProcessedImage, len(imagePaths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	for i, path := range imagePaths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			file, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			defer file.Close()

			img, err := NewImageProcessorWith(t).DecodeAndPreprocess(file)
			if err != nil {
				return fmt.Errorf("image %d (%s): %w", i, path, err)
			}
			results[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
