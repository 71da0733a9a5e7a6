package processor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"time"

	"picresize/webpanim"
)

// Disposal tells a player how to treat a frame's area before drawing the next
// frame. Values match the GIF graphic control extension.
type Disposal byte

const (
	DisposalUnspecified Disposal = 0
	DisposalNone        Disposal = gif.DisposalNone
	DisposalBackground  Disposal = gif.DisposalBackground
	DisposalPrevious    Disposal = gif.DisposalPrevious
)

const (
	// DefaultFrameDuration applies to GIF frames whose source carries no delay.
	// WebP frames always carry a duration, so theirs is kept even when 0.
	DefaultFrameDuration = 100 * time.Millisecond
	// DefaultDisposal applies to frames whose source carries no disposal method.
	DefaultDisposal = DisposalNone
)

// Frame is one resized animation frame.
type Frame struct {
	Pixels   *image.NRGBA
	Duration time.Duration
	Disposal Disposal
}

// AnimationMetadata holds asset-level properties copied verbatim from source to output.
type AnimationMetadata struct {
	// LoopCount follows the source format: for GIF 0 loops forever and -1 plays once.
	LoopCount int
	// Transparency is the GIF palette index used for transparent pixels.
	Transparency *int
	// Background is the GIF background palette index or the raw WebP ANIM color.
	Background *uint32
	// Palette is the GIF global color table.
	Palette color.Palette
}

type sourceFrame struct {
	Image    *image.NRGBA
	Duration time.Duration
	Disposal Disposal
	Palette  color.Palette
}

// frameSource yields composited full-canvas frames in playback order.
type frameSource interface {
	Metadata() AnimationMetadata
	Len() int
	each(fn func(sourceFrame) error) error
}

// ProcessAnimation resizes every frame of an animated image and re-encodes it in
// its source format with timing, disposal, loop and color metadata preserved.
func ProcessAnimation(d *Decoded, r Resizer, targetWidth int) (*Result, error) {
	if d.closed {
		return nil, errClosed
	}
	if d.Kind != Animated || d.frames == nil {
		return nil, fmt.Errorf("%s is not animated", d.Path)
	}
	if targetWidth <= 0 {
		return nil, fmt.Errorf("invalid target width %d", targetWidth)
	}

	// Asset-level properties are read before any frame is converted.
	meta := d.frames.Metadata()

	frames := make([]Frame, 0, d.frames.Len())
	palettes := make([]color.Palette, 0, d.frames.Len())
	err := d.frames.each(func(sf sourceFrame) error {
		f := Frame{
			Pixels:   r.Resize(convert(sf.Image, ModeRGBA), targetWidth),
			Duration: sf.Duration,
			Disposal: sf.Disposal,
		}
		if f.Disposal == DisposalUnspecified {
			f.Disposal = DefaultDisposal
		}
		frames = append(frames, f)
		palettes = append(palettes, sf.Palette)
		return nil
	})
	if err != nil {
		return nil, &DecodeError{Path: d.Path, Err: err}
	}
	if len(frames) == 0 {
		return nil, &DecodeError{Path: d.Path, Err: errors.New("animation has no frames")}
	}

	var data []byte
	switch d.Format {
	case FormatGIF:
		data, err = encodeGIF(frames, palettes, meta)
	case FormatWebP:
		data, err = encodeAnimatedWebP(frames, meta)
	default:
		err = fmt.Errorf("format %s cannot hold an animation", d.Format)
	}
	if err != nil {
		return nil, &EncodeError{Format: d.Format, Err: err}
	}

	b := frames[0].Pixels.Bounds()
	return &Result{
		Data:         data,
		Format:       d.Format,
		Kind:         Animated,
		Width:        b.Dx(),
		Height:       b.Dy(),
		SourceWidth:  d.Width,
		SourceHeight: d.Height,
		Frames:       len(frames),
		Durations:    durations(frames),
		Preview:      frames[0].Pixels,
	}, nil
}

func durations(frames []Frame) []time.Duration {
	out := make([]time.Duration, len(frames))
	for i, f := range frames {
		out[i] = f.Duration
	}
	return out
}

func encodeGIF(frames []Frame, palettes []color.Palette, meta AnimationMetadata) ([]byte, error) {
	b := frames[0].Pixels.Bounds()
	out := &gif.GIF{
		LoopCount: meta.LoopCount,
		Config:    image.Config{Width: b.Dx(), Height: b.Dy()},
	}
	if len(meta.Palette) > 0 {
		out.Config.ColorModel = meta.Palette
		if meta.Background != nil {
			out.BackgroundIndex = byte(*meta.Background)
		}
	}

	for i, f := range frames {
		pal := palettes[i]
		if len(pal) == 0 && len(meta.Palette) > 0 {
			pal = withTransparency(meta.Palette, meta.Transparency)
		}
		if len(pal) == 0 {
			pal = fallbackPalette()
		}
		out.Image = append(out.Image, toPaletted(f.Pixels, ensureTransparent(pal, f.Pixels)))
		out.Delay = append(out.Delay, int((f.Duration+5*time.Millisecond)/(10*time.Millisecond)))
		out.Disposal = append(out.Disposal, byte(f.Disposal))
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// toPaletted maps img onto pal by nearest color. Fully transparent pixels land
// on the palette's transparent entry when it has one.
func toPaletted(img *image.NRGBA, pal color.Palette) *image.Paletted {
	pm := image.NewPaletted(img.Bounds(), pal)
	draw.Draw(pm, pm.Rect, img, img.Rect.Min, draw.Src)
	return pm
}

func withTransparency(pal color.Palette, idx *int) color.Palette {
	if idx == nil || *idx < 0 || *idx >= len(pal) {
		return pal
	}
	out := append(color.Palette(nil), pal...)
	out[*idx] = color.RGBA{}
	return out
}

// ensureTransparent returns pal extended with a transparent entry when img has
// fully transparent pixels and pal has no entry for them. Existing indices are
// kept; a full palette gives up its last entry instead.
func ensureTransparent(pal color.Palette, img *image.NRGBA) color.Palette {
	for _, c := range pal {
		if _, _, _, a := c.RGBA(); a == 0 {
			return pal
		}
	}
	if !hasTransparentPixel(img) {
		return pal
	}
	if len(pal) < 256 {
		return append(append(color.Palette(nil), pal...), color.RGBA{})
	}
	out := append(color.Palette(nil), pal...)
	out[len(out)-1] = color.RGBA{}
	return out
}

func hasTransparentPixel(img *image.NRGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] == 0 {
			return true
		}
	}
	return false
}

// fallbackPalette is Plan9 with its last entry made transparent.
func fallbackPalette() color.Palette {
	pal := append(color.Palette(nil), palette.Plan9[:255]...)
	return append(pal, color.RGBA{})
}

func encodeAnimatedWebP(frames []Frame, meta AnimationMetadata) ([]byte, error) {
	b := frames[0].Pixels.Bounds()
	anim := &webpanim.Animation{
		Width:     b.Dx(),
		Height:    b.Dy(),
		LoopCount: meta.LoopCount,
	}
	if meta.Background != nil {
		anim.Background = *meta.Background
	}
	for _, f := range frames {
		// Frames are already composited, so each replaces the canvas outright.
		anim.Frames = append(anim.Frames, webpanim.Frame{
			Image:    f.Pixels,
			Duration: f.Duration,
			Dispose:  f.Disposal == DisposalBackground,
		})
	}

	var buf bytes.Buffer
	if err := webpanim.Encode(&buf, anim, &webpanim.Options{Quality: WebPQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type gifSource struct {
	g *gif.GIF
}

func (s *gifSource) Len() int { return len(s.g.Image) }

func (s *gifSource) Metadata() AnimationMetadata {
	meta := AnimationMetadata{LoopCount: s.g.LoopCount}
	if pal, ok := s.g.Config.ColorModel.(color.Palette); ok && len(pal) > 0 {
		meta.Palette = pal
		bg := uint32(s.g.BackgroundIndex)
		meta.Background = &bg
	}
	if len(s.g.Image) > 0 {
		for i, c := range s.g.Image[0].Palette {
			if _, _, _, a := c.RGBA(); a == 0 {
				idx := i
				meta.Transparency = &idx
				break
			}
		}
	}
	return meta
}

func (s *gifSource) screen() image.Rectangle {
	if s.g.Config.Width > 0 && s.g.Config.Height > 0 {
		return image.Rect(0, 0, s.g.Config.Width, s.g.Config.Height)
	}
	var r image.Rectangle
	for _, m := range s.g.Image {
		r = r.Union(m.Bounds())
	}
	return image.Rect(0, 0, r.Max.X, r.Max.Y)
}

// each composites frames onto the logical screen, applying each frame's
// disposal before the next one is drawn.
func (s *gifSource) each(fn func(sourceFrame) error) error {
	canvas := image.NewNRGBA(s.screen())
	var (
		restore      *image.NRGBA
		prevRect     image.Rectangle
		prevDisposal Disposal
	)
	for i, m := range s.g.Image {
		switch prevDisposal {
		case DisposalBackground:
			draw.Draw(canvas, prevRect, image.Transparent, image.Point{}, draw.Src)
		case DisposalPrevious:
			if restore != nil {
				copy(canvas.Pix, restore.Pix)
			}
		}

		disposal := DisposalUnspecified
		if i < len(s.g.Disposal) {
			disposal = Disposal(s.g.Disposal[i])
		}
		if disposal == DisposalPrevious {
			restore = cloneNRGBA(canvas)
		}
		draw.Draw(canvas, m.Bounds(), m, m.Bounds().Min, draw.Over)

		// The codec reports a missing delay as 0, so 0 means absent here.
		duration := DefaultFrameDuration
		if i < len(s.g.Delay) && s.g.Delay[i] > 0 {
			duration = time.Duration(s.g.Delay[i]) * 10 * time.Millisecond
		}
		err := fn(sourceFrame{
			Image:    cloneNRGBA(canvas),
			Duration: duration,
			Disposal: disposal,
			Palette:  m.Palette,
		})
		if err != nil {
			return err
		}
		prevRect, prevDisposal = m.Bounds(), disposal
	}
	return nil
}

type webpSource struct {
	anim *webpanim.Animation
}

func (s *webpSource) Len() int { return len(s.anim.Frames) }

func (s *webpSource) Metadata() AnimationMetadata {
	bg := s.anim.Background
	return AnimationMetadata{LoopCount: s.anim.LoopCount, Background: &bg}
}

func (s *webpSource) each(fn func(sourceFrame) error) error {
	for _, f := range s.anim.Frames {
		disposal := DisposalNone
		if f.Dispose {
			disposal = DisposalBackground
		}
		err := fn(sourceFrame{Image: f.Image, Duration: f.Duration, Disposal: disposal})
		if err != nil {
			return err
		}
	}
	return nil
}

func cloneNRGBA(src *image.NRGBA) *image.NRGBA {
	dst := image.NewNRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}
