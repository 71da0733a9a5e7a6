// Package webpanim reads and writes the extended (VP8X) WebP container used for
// animations. Frame bitstreams are decoded with golang.org/x/image/webp and
// encoded with github.com/chai2010/webp; this package only handles the RIFF
// framing, frame geometry, and compositing.
package webpanim

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/draw"
	"io"
	"time"

	xwebp "golang.org/x/image/webp"
)

// Info summarizes a WebP container without decoding any bitstream.
type Info struct {
	Width    int
	Height   int
	Animated bool
	Alpha    bool
	Frames   int
}

// Frame is one fully composited canvas of an animation.
type Frame struct {
	Image    *image.NRGBA
	Duration time.Duration
	// Dispose clears the frame's area to transparent before the next frame is drawn.
	Dispose bool
	// Blend alpha-blends the frame over the canvas instead of replacing it.
	Blend bool
}

// Animation is a decoded or to-be-encoded animated WebP.
type Animation struct {
	Width  int
	Height int
	// LoopCount is the ANIM loop count; 0 means forever.
	LoopCount int
	// Background is the raw ANIM background color, byte order B, G, R, A.
	Background uint32
	Frames     []Frame
}

// Probe inspects the container header and counts animation frames.
func Probe(r io.Reader) (Info, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Info{}, fmt.Errorf("read webp: %w", err)
	}
	chunks, err := readContainer(data)
	if err != nil {
		return Info{}, err
	}
	return probeChunks(chunks)
}

func probeChunks(chunks []chunk) (Info, error) {
	if len(chunks) == 0 {
		return Info{}, fmt.Errorf("%w: no chunks", ErrMalformed)
	}
	first := chunks[0]
	if first.id != fccVP8X {
		// Simple lossy or lossless file: a single bitstream chunk.
		cfg, err := xwebp.DecodeConfig(bytes.NewReader(wrapRIFF(appendChunk(nil, first.id, first.data))))
		if err != nil {
			return Info{}, fmt.Errorf("decode webp config: %w", err)
		}
		return Info{Width: cfg.Width, Height: cfg.Height, Frames: 1, Alpha: first.id == fccVP8L}, nil
	}
	if len(first.data) < 10 {
		return Info{}, fmt.Errorf("%w: short VP8X chunk", ErrMalformed)
	}

	info := Info{
		Width:    get24(first.data[4:7]) + 1,
		Height:   get24(first.data[7:10]) + 1,
		Animated: first.data[0]&flagAnimation != 0,
		Alpha:    first.data[0]&flagAlpha != 0,
	}
	if !info.Animated {
		info.Frames = 1
		return info, nil
	}
	for _, c := range chunks[1:] {
		if c.id == fccANMF {
			info.Frames++
		}
	}
	return info, nil
}

// Decode reads an animated WebP and composites every frame onto a canvas of the
// container's size. Frames come back in playback order.
func Decode(r io.Reader) (*Animation, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read webp: %w", err)
	}
	chunks, err := readContainer(data)
	if err != nil {
		return nil, err
	}
	info, err := probeChunks(chunks)
	if err != nil {
		return nil, err
	}
	if !info.Animated {
		return nil, ErrNotAnimated
	}

	anim := &Animation{Width: info.Width, Height: info.Height}
	canvas := image.NewNRGBA(image.Rect(0, 0, info.Width, info.Height))
	var pending image.Rectangle // area to clear before the next frame

	for _, c := range chunks[1:] {
		switch c.id {
		case fccANIM:
			if len(c.data) < 6 {
				return nil, fmt.Errorf("%w: short ANIM chunk", ErrMalformed)
			}
			anim.Background = binary.LittleEndian.Uint32(c.data[0:4])
			anim.LoopCount = int(binary.LittleEndian.Uint16(c.data[4:6]))
		case fccANMF:
			if len(c.data) < 16 {
				return nil, fmt.Errorf("%w: short ANMF chunk", ErrMalformed)
			}
			x := get24(c.data[0:3]) * 2
			y := get24(c.data[3:6]) * 2
			w := get24(c.data[6:9]) + 1
			h := get24(c.data[9:12]) + 1
			duration := get24(c.data[12:15])
			flags := c.data[15]

			src, err := decodeFrame(c.data[16:], w, h)
			if err != nil {
				return nil, fmt.Errorf("frame %d: %w", len(anim.Frames), err)
			}

			if !pending.Empty() {
				draw.Draw(canvas, pending, image.Transparent, image.Point{}, draw.Src)
			}
			rect := image.Rect(x, y, x+w, y+h).Intersect(canvas.Bounds())
			op := draw.Over
			if flags&anmfNoBlend != 0 {
				op = draw.Src
			}
			draw.Draw(canvas, rect, src, src.Bounds().Min, op)

			frame := Frame{
				Image:    cloneNRGBA(canvas),
				Duration: time.Duration(duration) * time.Millisecond,
				Dispose:  flags&anmfDispose != 0,
				Blend:    flags&anmfNoBlend == 0,
			}
			anim.Frames = append(anim.Frames, frame)

			pending = image.Rectangle{}
			if frame.Dispose {
				pending = rect
			}
		}
	}
	if len(anim.Frames) == 0 {
		return nil, fmt.Errorf("%w: animation without frames", ErrMalformed)
	}
	return anim, nil
}

// decodeFrame rebuilds a standalone still WebP from an ANMF payload and decodes it.
func decodeFrame(payload []byte, width, height int) (image.Image, error) {
	subs, err := parseChunks(payload)
	if err != nil {
		return nil, err
	}
	var alph, bitstream *chunk
	for i := range subs {
		switch subs[i].id {
		case fccALPH:
			alph = &subs[i]
		case fccVP8, fccVP8L:
			bitstream = &subs[i]
		}
	}
	if bitstream == nil {
		return nil, fmt.Errorf("%w: frame without bitstream", ErrMalformed)
	}

	var body []byte
	if alph != nil && bitstream.id == fccVP8 {
		body = appendChunk(body, fccVP8X, vp8xChunk(flagAlpha, width, height))
		body = appendChunk(body, fccALPH, alph.data)
	}
	body = appendChunk(body, bitstream.id, bitstream.data)

	img, err := xwebp.Decode(bytes.NewReader(wrapRIFF(body)))
	if err != nil {
		return nil, fmt.Errorf("decode frame bitstream: %w", err)
	}
	return img, nil
}

func cloneNRGBA(src *image.NRGBA) *image.NRGBA {
	dst := image.NewNRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}
