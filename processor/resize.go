package processor

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

// Engine names a resampling implementation. Both use a Lanczos kernel.
type Engine string

const (
	EngineImaging Engine = "imaging"
	EngineNfnt    Engine = "nfnt"
)

// Resizer scales images to a target width with a fixed resampling engine.
type Resizer struct {
	engine Engine
}

// NewResizer returns a Resizer for engine; an empty engine selects imaging.
func NewResizer(engine Engine) (Resizer, error) {
	switch engine {
	case "":
		return Resizer{engine: EngineImaging}, nil
	case EngineImaging, EngineNfnt:
		return Resizer{engine: engine}, nil
	default:
		return Resizer{}, fmt.Errorf("unknown resize engine %q", engine)
	}
}

// TargetSize returns the dimensions of a width x height image scaled to
// targetWidth with its aspect ratio kept. Height is rounded half away from zero
// and never drops below one pixel.
func TargetSize(width, height, targetWidth int) (int, int) {
	if width == targetWidth || width <= 0 {
		return width, height
	}
	h := int(math.Round(float64(height) * float64(targetWidth) / float64(width)))
	if h < 1 {
		h = 1
	}
	return targetWidth, h
}

// Resize scales img to targetWidth. When the width already matches, img itself is
// returned with no resample pass.
func (r Resizer) Resize(img *image.NRGBA, targetWidth int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == targetWidth {
		return img
	}
	w, h := TargetSize(b.Dx(), b.Dy(), targetWidth)

	if r.engine == EngineNfnt {
		return imaging.Clone(resize.Resize(uint(w), uint(h), img, resize.Lanczos3))
	}
	return imaging.Resize(img, w, h, imaging.Lanczos)
}

// convert normalizes img to mode. The result always starts at the origin.
func convert(img image.Image, mode ColorMode) *image.NRGBA {
	out := imaging.Clone(img)
	if mode == ModeRGB {
		for i := 3; i < len(out.Pix); i += 4 {
			out.Pix[i] = 0xff
		}
	}
	return out
}
