package processor

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"picresize/webpanim"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x * 255 / w), uint8(y * 255 / h), 128, 255})
		}
	}
	return img
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func jpegBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

var testPalette = color.Palette{
	color.RGBA{},
	color.RGBA{255, 0, 0, 255},
	color.RGBA{0, 255, 0, 255},
	color.RGBA{0, 0, 255, 255},
	color.RGBA{255, 255, 255, 255},
}

// animatedGIF builds a len(delays)-frame animation; frame i is filled with palette
// index i%4+1 except frame 0, whose right half is transparent.
func animatedGIF(t *testing.T, w, h int, delays []int, disposals []byte, loop int) []byte {
	t.Helper()
	g := &gif.GIF{
		LoopCount:       loop,
		BackgroundIndex: 2,
		Config:          image.Config{ColorModel: testPalette, Width: w, Height: h},
	}
	for i := range delays {
		m := image.NewPaletted(image.Rect(0, 0, w, h), testPalette)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := uint8(i%4 + 1)
				if i == 0 && x >= w/2 {
					idx = 0
				}
				m.SetColorIndex(x, y, idx)
			}
		}
		g.Image = append(g.Image, m)
	}
	g.Delay = delays
	g.Disposal = disposals

	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, g))
	return buf.Bytes()
}

func animatedWebP(t *testing.T, w, h int, durations []time.Duration, loop int, bg uint32) []byte {
	t.Helper()
	a := &webpanim.Animation{Width: w, Height: h, LoopCount: loop, Background: bg}
	for i, d := range durations {
		img := gradient(w, h)
		img.SetNRGBA(0, 0, color.NRGBA{uint8(i * 40), 0, 0, 255})
		a.Frames = append(a.Frames, webpanim.Frame{Image: img, Duration: d, Dispose: i%2 == 1})
	}
	var buf bytes.Buffer
	require.NoError(t, webpanim.Encode(&buf, a, &webpanim.Options{Lossless: true}))
	return buf.Bytes()
}
