package processor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

const (
	// JPEGQuality is fixed at the maximum; output fidelity wins over size.
	JPEGQuality = 100
	// WebPQuality is the lossy quality for WebP output.
	WebPQuality = 80
)

// Result is an encoded output image plus what the orchestrator reports about it.
type Result struct {
	Data         []byte
	Format       Format
	Kind         Kind
	Width        int
	Height       int
	SourceWidth  int
	SourceHeight int
	Frames       int
	Durations    []time.Duration
	// Preview is the first output frame, used for fingerprinting.
	Preview image.Image
}

// Process dispatches d to the static or animation path according to its Kind.
func Process(d *Decoded, r Resizer, targetWidth int) (*Result, error) {
	switch d.Kind {
	case Animated:
		return ProcessAnimation(d, r, targetWidth)
	default:
		return ProcessStatic(d, r, targetWidth)
	}
}

// ProcessStatic converts a single-frame image to its output color mode, resizes
// it, and encodes it in its detected format.
func ProcessStatic(d *Decoded, r Resizer, targetWidth int) (*Result, error) {
	if d.closed {
		return nil, errClosed
	}
	if d.still == nil {
		return nil, fmt.Errorf("%s has no still image", d.Path)
	}
	if targetWidth <= 0 {
		return nil, fmt.Errorf("invalid target width %d", targetWidth)
	}

	// JPEG and JFIF content both decode as jpeg, so the detected format is the output format.
	format := d.Format
	resized := r.Resize(convert(d.still, format.ColorMode()), targetWidth)

	pal := d.palette
	if len(pal) > 0 {
		pal = ensureTransparent(pal, resized)
	}
	data, err := encodeStatic(resized, format, pal)
	if err != nil {
		return nil, &EncodeError{Format: format, Err: err}
	}

	b := resized.Bounds()
	return &Result{
		Data:         data,
		Format:       format,
		Kind:         Static,
		Width:        b.Dx(),
		Height:       b.Dy(),
		SourceWidth:  d.still.Bounds().Dx(),
		SourceHeight: d.still.Bounds().Dy(),
		Frames:       1,
		Preview:      resized,
	}, nil
}

func encodeStatic(img *image.NRGBA, format Format, pal color.Palette) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatJPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality))
	case FormatPNG:
		err = imaging.Encode(&buf, img, imaging.PNG)
	case FormatGIF:
		opts := []imaging.EncodeOption{}
		if len(pal) > 0 {
			opts = append(opts, imaging.GIFQuantizer(paletteQuantizer(pal)), imaging.GIFDrawer(draw.Src))
		}
		err = imaging.Encode(&buf, img, imaging.GIF, opts...)
	case FormatWebP:
		err = webp.Encode(&buf, img, &webp.Options{Lossless: false, Quality: WebPQuality})
	default:
		err = fmt.Errorf("unsupported output format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// paletteQuantizer hands the gif encoder a fixed palette, the source's own.
type paletteQuantizer color.Palette

func (q paletteQuantizer) Quantize(p color.Palette, _ image.Image) color.Palette {
	p = p[:0]
	for _, c := range q {
		if len(p) == cap(p) {
			break
		}
		p = append(p, c)
	}
	return p
}
