// Package filter is the server's local filter implementation.
//
// Filters are built on disintegration/imaging. Threshold filters produce a binary
// grayscale image; everything else keeps the input's color channels. Bilateral Filter,
// Non-Local Means and CLAHE are not implemented locally and are reported as unsupported
// so a configured filter webhook can serve them.
package filter

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/tjfontaine/darkroom/internal/catalog"
	"github.com/tjfontaine/darkroom/internal/pipeline"
)

// gaussianSigma approximates a 5x5 Gaussian kernel.
const gaussianSigma = 1.1

// InvalidValueError reports a parameter value the filter cannot use.
type InvalidValueError struct {
	Filter string
	Param  string
	Value  float64
	Reason string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("%s: %s=%v %s", e.Filter, e.Param, e.Value, e.Reason)
}

type filterFunc func(img image.Image, p params) (*image.NRGBA, error)

// Local executes the filters implemented in this package.
type Local struct {
	filters map[catalog.Kind]filterFunc
}

// NewLocal returns the local processor.
func NewLocal() *Local {
	return &Local{filters: map[catalog.Kind]filterFunc{
		catalog.None:              none,
		catalog.GaussianBlur:      gaussianBlur,
		catalog.MedianBlur:        medianBlur,
		catalog.ManualThreshold:   manualThreshold,
		catalog.OtsuThreshold:     otsuThreshold,
		catalog.AdaptiveThreshold: adaptiveThreshold,
		catalog.GammaCorrection:   gammaCorrection,
		catalog.UnsharpMask:       unsharpMask,
		catalog.AutoEnhance:       autoEnhance,
	}}
}

// Supports reports whether the filter is implemented locally.
func (l *Local) Supports(filter catalog.Kind) bool {
	_, ok := l.filters[filter]
	return ok
}

// Process applies step to img and returns a new image.
func (l *Local) Process(ctx context.Context, img image.Image, step pipeline.FilterStep) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fn, ok := l.filters[step.Filter()]
	if !ok {
		return nil, &pipeline.UnsupportedFilterError{Filter: step.Filter().String()}
	}
	return fn(img, params{step: step})
}

var _ pipeline.Processor = (*Local)(nil)

// params reads step parameters, falling back to catalog defaults.
type params struct {
	step pipeline.FilterStep
}

func (p params) get(name string) float64 {
	if v, ok := p.step.Param(name); ok {
		return v
	}
	return p.step.Filter().Schema()[name].Default
}

func (p params) invalid(name, reason string) error {
	return &InvalidValueError{Filter: p.step.Filter().String(), Param: name, Value: p.get(name), Reason: reason}
}

func none(img image.Image, _ params) (*image.NRGBA, error) {
	return imaging.Clone(img), nil
}

func gaussianBlur(img image.Image, _ params) (*image.NRGBA, error) {
	return imaging.Blur(img, gaussianSigma), nil
}

func medianBlur(img image.Image, _ params) (*image.NRGBA, error) {
	return median(imaging.Clone(img), 2), nil
}

func manualThreshold(img image.Image, p params) (*image.NRGBA, error) {
	t := p.get("threshold")
	if t < 0 || t > 255 {
		return nil, p.invalid("threshold", "must be within [0, 255]")
	}
	return binarize(imaging.Grayscale(img), func(_, _ int, v uint8) bool { return float64(v) > t }), nil
}

func otsuThreshold(img image.Image, _ params) (*image.NRGBA, error) {
	gray := imaging.Grayscale(img)
	t := otsu(gray)
	return binarize(gray, func(_, _ int, v uint8) bool { return v > t }), nil
}

func adaptiveThreshold(img image.Image, p params) (*image.NRGBA, error) {
	block := int(p.get("blockSize"))
	if block < 3 || block%2 == 0 {
		return nil, p.invalid("blockSize", "must be odd and at least 3")
	}
	c := p.get("C")
	return adaptive(imaging.Grayscale(img), block, c), nil
}

func gammaCorrection(img image.Image, p params) (*image.NRGBA, error) {
	g := p.get("gamma")
	if g <= 0 {
		return nil, p.invalid("gamma", "must be positive")
	}
	return imaging.AdjustGamma(img, g), nil
}

func unsharpMask(img image.Image, p params) (*image.NRGBA, error) {
	sigma, strength := p.get("sigma"), p.get("strength")
	if sigma <= 0 {
		return nil, p.invalid("sigma", "must be positive")
	}
	if strength < 0 {
		return nil, p.invalid("strength", "must not be negative")
	}
	return unsharp(imaging.Clone(img), sigma, strength), nil
}

// autoEnhance brightens, sharpens and binarizes. The denoise stage of the full
// enhancement chain needs Non-Local Means and is skipped.
func autoEnhance(img image.Image, _ params) (*image.NRGBA, error) {
	out := imaging.AdjustGamma(img, 1.2)
	out = unsharp(out, 3, 1)
	return adaptive(imaging.Grayscale(out), 11, 2), nil
}

func binarize(gray *image.NRGBA, on func(x, y int, v uint8) bool) *image.NRGBA {
	b := gray.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			i := gray.PixOffset(b.Min.X+x, b.Min.Y+y)
			var v uint8
			if on(x, y, gray.Pix[i]) {
				v = 255
			}
			o := out.PixOffset(x, y)
			out.Pix[o], out.Pix[o+1], out.Pix[o+2], out.Pix[o+3] = v, v, v, 255
		}
	}
	return out
}

// otsu returns the threshold maximizing between-class variance of gray's histogram.
func otsu(gray *image.NRGBA) uint8 {
	var hist [256]int
	b := gray.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			hist[gray.Pix[gray.PixOffset(x, y)]]++
		}
	}

	total := b.Dx() * b.Dy()
	var sum float64
	for i, n := range hist {
		sum += float64(i * n)
	}

	var (
		sumB, best float64
		wB         int
		threshold  uint8
	)
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = uint8(t)
		}
	}
	return threshold
}

// adaptive compares each pixel with a Gaussian-weighted mean of its block minus c.
func adaptive(gray *image.NRGBA, block int, c float64) *image.NRGBA {
	sigma := 0.3*(float64(block-1)*0.5-1) + 0.8
	mean := imaging.Blur(gray, sigma)
	return binarize(gray, func(x, y int, v uint8) bool {
		return float64(v) > float64(mean.Pix[mean.PixOffset(x, y)])-c
	})
}

// unsharp computes img*(1+s) - blur(img)*s per channel. img is modified and returned.
func unsharp(img *image.NRGBA, sigma, strength float64) *image.NRGBA {
	blurred := imaging.Blur(img, sigma)
	for i := 0; i < len(img.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := float64(img.Pix[i+c])*(1+strength) - float64(blurred.Pix[i+c])*strength
			img.Pix[i+c] = clamp(v)
		}
	}
	return img
}

// median replaces each channel value with the median of its (2r+1)^2 neighborhood,
// replicating edge pixels.
func median(img *image.NRGBA, r int) *image.NRGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	window := make([]uint8, 0, (2*r+1)*(2*r+1))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := out.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				window = window[:0]
				for dy := -r; dy <= r; dy++ {
					for dx := -r; dx <= r; dx++ {
						sx, sy := clampInt(x+dx, 0, w-1), clampInt(y+dy, 0, h-1)
						window = append(window, img.Pix[img.PixOffset(sx, sy)+c])
					}
				}
				out.Pix[o+c] = medianOf(window)
			}
			out.Pix[o+3] = img.Pix[img.PixOffset(x, y)+3]
		}
	}
	return out
}

func medianOf(vals []uint8) uint8 {
	var counts [256]int
	for _, v := range vals {
		counts[v]++
	}
	half := len(vals) / 2
	seen := 0
	for v, n := range counts {
		seen += n
		if seen > half {
			return uint8(v)
		}
	}
	return 0
}

func clamp(v float64) uint8 {
	return uint8(math.Max(0, math.Min(255, math.Round(v))))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
