package webpanim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/chai2010/webp"
)

// Options controls how each frame bitstream is compressed.
type Options struct {
	Lossless bool
	Quality  float32
}

// Encode writes a as an animated WebP. Every frame must cover the full canvas;
// frames are placed at the origin with their recorded blend and dispose flags.
func Encode(w io.Writer, a *Animation, o *Options) error {
	if a == nil || len(a.Frames) == 0 {
		return errors.New("webpanim: animation has no frames")
	}
	if a.Width <= 0 || a.Height <= 0 || a.Width > max24+1 || a.Height > max24+1 {
		return fmt.Errorf("webpanim: invalid canvas %dx%d", a.Width, a.Height)
	}
	if o == nil {
		o = &Options{Quality: 80}
	}

	canvas := image.Rect(0, 0, a.Width, a.Height)
	var frames []byte
	alpha := false
	for i, f := range a.Frames {
		if f.Image == nil || f.Image.Bounds().Size() != canvas.Size() {
			return fmt.Errorf("webpanim: frame %d does not match canvas %dx%d", i, a.Width, a.Height)
		}
		if !f.Image.Opaque() {
			alpha = true
		}
		payload, err := encodeFrame(f, o)
		if err != nil {
			return fmt.Errorf("webpanim: frame %d: %w", i, err)
		}
		frames = appendChunk(frames, fccANMF, payload)
	}

	flags := byte(flagAnimation)
	if alpha {
		flags |= flagAlpha
	}
	anim := make([]byte, 6)
	binary.LittleEndian.PutUint32(anim[0:4], a.Background)
	binary.LittleEndian.PutUint16(anim[4:6], uint16(a.LoopCount))

	var body []byte
	body = appendChunk(body, fccVP8X, vp8xChunk(flags, a.Width, a.Height))
	body = appendChunk(body, fccANIM, anim)
	body = append(body, frames...)

	if _, err := w.Write(wrapRIFF(body)); err != nil {
		return fmt.Errorf("webpanim: write: %w", err)
	}
	return nil
}

func encodeFrame(f Frame, o *Options) ([]byte, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, f.Image, &webp.Options{Lossless: o.Lossless, Quality: o.Quality}); err != nil {
		return nil, fmt.Errorf("encode bitstream: %w", err)
	}
	chunks, err := readContainer(buf.Bytes())
	if err != nil {
		return nil, err
	}

	bounds := f.Image.Bounds()
	header := make([]byte, 16)
	put24(header[6:9], bounds.Dx()-1)
	put24(header[9:12], bounds.Dy()-1)
	put24(header[12:15], durationMillis(f.Duration))
	if f.Dispose {
		header[15] |= anmfDispose
	}
	if !f.Blend {
		header[15] |= anmfNoBlend
	}

	payload := header
	found := false
	for _, c := range chunks {
		switch c.id {
		case fccALPH:
			payload = appendChunk(payload, c.id, c.data)
		case fccVP8, fccVP8L:
			payload = appendChunk(payload, c.id, c.data)
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: encoder produced no bitstream", ErrMalformed)
	}
	return payload, nil
}

func durationMillis(d time.Duration) int {
	ms := int(d / time.Millisecond)
	switch {
	case ms < 0:
		return 0
	case ms > max24:
		return max24
	}
	return ms
}
