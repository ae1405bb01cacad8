package classify

import (
	"bytes"
	"image"
	"image/png"

	"github.com/recibo-labs/recibo/pkg/errs"
)

// Quality scoring thresholds. A page at or above 2 megapixels earns the
// full resolution component; the sharpness component saturates at a
// mean gradient of 24 gray levels, which scanned text comfortably
// exceeds while blurred photographs do not.
const (
	fullResolutionPixels = 2_000_000
	fullSharpnessGrad    = 24.0
)

// qualityScore rates a page PNG in [0,1] as an equal blend of
// resolution and edge intensity. The score is advisory: downstream
// stages log it and record it on traces but never gate on it.
func qualityScore(pngData []byte) (float64, error) {
	img, err := png.Decode(bytes.NewReader(pngData))
	if err != nil {
		return 0, errs.Newf(errs.KindInvalidInput, "classify: decode page png: %v", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 2 || h < 2 {
		return 0, nil
	}

	resScore := float64(w*h) / fullResolutionPixels
	if resScore > 1 {
		resScore = 1
	}

	edgeScore := meanGradient(img) / fullSharpnessGrad
	if edgeScore > 1 {
		edgeScore = 1
	}

	return 0.5*resScore + 0.5*edgeScore, nil
}

// meanGradient samples the luma gradient magnitude over a coarse grid.
// Sampling keeps scoring cheap on 300 DPI pages without changing the
// ordering between sharp and blurred inputs.
func meanGradient(img image.Image) float64 {
	b := img.Bounds()
	step := b.Dx() / 256
	if step < 1 {
		step = 1
	}

	var sum float64
	var n int
	for y := b.Min.Y; y < b.Max.Y-step; y += step {
		for x := b.Min.X; x < b.Max.X-step; x += step {
			c := luma(img, x, y)
			dx := luma(img, x+step, y) - c
			dy := luma(img, x, y+step) - c
			if dx < 0 {
				dx = -dx
			}
			if dy < 0 {
				dy = -dy
			}
			sum += dx + dy
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func luma(img image.Image, x, y int) float64 {
	r, g, b, _ := img.At(x, y).RGBA()
	// Rec. 601 weights on 16-bit channel values, scaled to 0..255.
	return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0
}
