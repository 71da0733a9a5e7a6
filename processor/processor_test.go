package processor

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chai2010/webp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"picresize/webpanim"
)

func TestTargetSize(t *testing.T) {
	tests := []struct {
		w, h, target int
		wantW, wantH int
	}{
		{500, 300, 250, 250, 150},
		{200, 100, 250, 250, 125},
		{680, 400, 680, 680, 400},
		{201, 100, 100, 100, 50},
		{4, 1, 2, 2, 1},
		{3, 1, 2, 2, 1},
		{1000, 1, 10, 10, 1},
		{100, 33, 50, 50, 17},
	}
	for _, tt := range tests {
		gotW, gotH := TargetSize(tt.w, tt.h, tt.target)
		assert.Equal(t, tt.wantW, gotW, "TargetSize(%d, %d, %d) width", tt.w, tt.h, tt.target)
		assert.Equal(t, tt.wantH, gotH, "TargetSize(%d, %d, %d) height", tt.w, tt.h, tt.target)
	}
}

func TestResize(t *testing.T) {
	for _, engine := range []Engine{EngineImaging, EngineNfnt} {
		t.Run(string(engine), func(t *testing.T) {
			r, err := NewResizer(engine)
			require.NoError(t, err)

			src := gradient(500, 300)
			out := r.Resize(src, 250)
			assert.Equal(t, image.Rect(0, 0, 250, 150), out.Bounds())

			up := r.Resize(src, 1000)
			assert.Equal(t, image.Rect(0, 0, 1000, 600), up.Bounds())

			assert.Same(t, src, r.Resize(src, 500), "matching width must skip resampling")
		})
	}
}

func TestNewResizerRejectsUnknownEngine(t *testing.T) {
	_, err := NewResizer("bicubic")
	assert.Error(t, err)

	r, err := NewResizer("")
	require.NoError(t, err)
	assert.Equal(t, EngineImaging, r.engine)
}

func TestConvert(t *testing.T) {
	src := image.NewNRGBA(image.Rect(2, 2, 4, 4))
	src.SetNRGBA(2, 2, color.NRGBA{10, 20, 30, 40})

	rgba := convert(src, ModeRGBA)
	assert.Equal(t, image.Rect(0, 0, 2, 2), rgba.Bounds())
	assert.Equal(t, color.NRGBA{10, 20, 30, 40}, rgba.NRGBAAt(0, 0))

	rgb := convert(src, ModeRGB)
	assert.Equal(t, color.NRGBA{10, 20, 30, 255}, rgb.NRGBAAt(0, 0))
	assert.True(t, rgb.Opaque())
}

func TestFormatSiblingOutputPath(t *testing.T) {
	assert.Equal(t, "a.jfif.jpeg", FormatJPEG.SiblingOutputPath("a.jfif"))
	assert.Equal(t, "a.png.jpeg", FormatJPEG.SiblingOutputPath("a.png"))
	assert.Equal(t, "a.JPG", FormatJPEG.SiblingOutputPath("a.JPG"))
	assert.Equal(t, filepath.Join("x", "a.gif"), FormatGIF.SiblingOutputPath(filepath.Join("x", "a.gif")))
}

func TestFormatOutputPath(t *testing.T) {
	tests := []struct {
		format Format
		path   string
		want   string
	}{
		{FormatPNG, "out/a/cat.png", "out/a/cat.png"},
		{FormatPNG, "out/a/CAT.PNG", "out/a/CAT.PNG"},
		{FormatJPEG, "out/photo.jpg", "out/photo.jpg"},
		{FormatJPEG, "out/photo.JPEG", "out/photo.JPEG"},
		{FormatJPEG, "out/photo.jfif", "out/photo.jpeg"},
		{FormatJPEG, "out/fake.png", "out/fake.jpeg"},
		{FormatGIF, "out/anim.gif", "out/anim.gif"},
		{FormatWebP, "out/anim.gif", "out/anim.webp"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.format.OutputPath(tt.path))
	}
}

func TestFormatColorMode(t *testing.T) {
	assert.Equal(t, ModeRGB, FormatJPEG.ColorMode())
	for _, f := range []Format{FormatPNG, FormatGIF, FormatWebP} {
		assert.Equal(t, ModeRGBA, f.ColorMode(), f)
		assert.Equal(t, f == FormatGIF || f == FormatWebP, f.Animatable())
	}
}

func TestProcessStaticPNG(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a/cat.png", pngBytes(t, gradient(500, 300)))
	r, _ := NewResizer(EngineImaging)

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, FormatPNG, d.Format)
	assert.Equal(t, Static, d.Kind)
	assert.Equal(t, 500, d.Width)

	res, err := Process(d, r, 250)
	require.NoError(t, err)
	assert.Equal(t, FormatPNG, res.Format)
	assert.Equal(t, 250, res.Width)
	assert.Equal(t, 150, res.Height)
	assert.IsType(t, &image.NRGBA{}, res.Preview)

	out, err := png.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 250, 150), out.Bounds())
}

func TestProcessStaticKeepsAlpha(t *testing.T) {
	src := gradient(40, 20)
	src.SetNRGBA(0, 0, color.NRGBA{1, 2, 3, 0})
	path := writeFile(t, t.TempDir(), "alpha.png", pngBytes(t, src))
	r, _ := NewResizer(EngineImaging)

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	res, err := ProcessStatic(d, r, 40)
	require.NoError(t, err)
	out, err := png.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	_, _, _, a := out.At(0, 0).RGBA()
	assert.Zero(t, a)
}

func TestProcessStaticJFIF(t *testing.T) {
	path := writeFile(t, t.TempDir(), "photo.jfif", jpegBytes(t, gradient(300, 200)))
	r, _ := NewResizer(EngineImaging)

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, FormatJPEG, d.Format)
	assert.Equal(t, "image/jpeg", d.MIME)

	res, err := ProcessStatic(d, r, 150)
	require.NoError(t, err)
	assert.Equal(t, FormatJPEG, res.Format)
	assert.Equal(t, filepath.Join("x", "photo.jpeg"), res.Format.OutputPath(filepath.Join("x", "photo.jfif")))

	preview := res.Preview.(*image.NRGBA)
	assert.True(t, preview.Opaque())

	out, err := jpeg.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 150, 100), out.Bounds())
}

func TestProcessStaticIdentityWidth(t *testing.T) {
	path := writeFile(t, t.TempDir(), "same.png", pngBytes(t, gradient(64, 48)))
	r, _ := NewResizer(EngineImaging)

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	res, err := ProcessStatic(d, r, 64)
	require.NoError(t, err)
	assert.Equal(t, 64, res.Width)
	assert.Equal(t, 48, res.Height)
}

func TestProcessStaticWebP(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, webp.Encode(&buf, gradient(120, 60), &webp.Options{Lossless: true}))
	path := writeFile(t, t.TempDir(), "still.webp", buf.Bytes())
	r, _ := NewResizer(EngineImaging)

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, FormatWebP, d.Format)
	assert.Equal(t, Static, d.Kind)

	res, err := Process(d, r, 60)
	require.NoError(t, err)
	cfg, err := webp.DecodeConfig(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Width)
	assert.Equal(t, 30, cfg.Height)
}

func TestProcessStaticGIFKeepsPalette(t *testing.T) {
	data := animatedGIF(t, 40, 20, []int{0}, []byte{0}, 0)
	path := writeFile(t, t.TempDir(), "still.gif", data)
	r, _ := NewResizer(EngineImaging)

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, Static, d.Kind)

	res, err := Process(d, r, 80)
	require.NoError(t, err)

	out, err := gif.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	pm := out.(*image.Paletted)
	assert.Equal(t, image.Rect(0, 0, 80, 40), pm.Bounds())
	assert.Equal(t, color.RGBA{255, 0, 0, 255}, pm.Palette.Convert(pm.At(5, 5)))
	_, _, _, a := pm.At(75, 5).RGBA()
	assert.Zero(t, a, "transparent half must stay transparent")
}

func TestProcessAnimationGIF(t *testing.T) {
	data := animatedGIF(t, 200, 100, []int{5, 10, 0, 20}, []byte{1, 2, 0, 1}, 0)
	path := writeFile(t, t.TempDir(), "b/anim.gif", data)
	r, _ := NewResizer(EngineImaging)

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, Animated, d.Kind)
	assert.Equal(t, FormatGIF, d.Format)

	res, err := Process(d, r, 250)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Frames)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, DefaultFrameDuration, 200 * time.Millisecond}, res.Durations)

	out, err := gif.DecodeAll(bytes.NewReader(res.Data))
	require.NoError(t, err)
	require.Len(t, out.Image, 4)
	for i, m := range out.Image {
		assert.Equal(t, image.Rect(0, 0, 250, 125), m.Bounds(), "frame %d", i)
	}
	assert.Equal(t, 0, out.LoopCount)
	assert.Equal(t, []int{5, 10, 10, 20}, out.Delay)
	assert.Equal(t, []byte{1, 2, 1, 1}, out.Disposal)
	assert.Equal(t, byte(2), out.BackgroundIndex)
	assert.Equal(t, 250, out.Config.Width)
	assert.Equal(t, 125, out.Config.Height)

	first := out.Image[0]
	_, _, _, a := first.At(240, 60).RGBA()
	assert.Zero(t, a, "transparent region of frame 0")
	assert.Equal(t, color.RGBA{}, first.Palette[0])
}

func TestProcessAnimationGIFLoopCount(t *testing.T) {
	data := animatedGIF(t, 20, 10, []int{3, 3}, []byte{1, 1}, 7)
	path := writeFile(t, t.TempDir(), "loop.gif", data)
	r, _ := NewResizer(EngineNfnt)

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	res, err := ProcessAnimation(d, r, 20)
	require.NoError(t, err)
	out, err := gif.DecodeAll(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, 7, out.LoopCount)
	assert.Equal(t, image.Rect(0, 0, 20, 10), out.Image[1].Bounds())
}

func TestProcessAnimationWebP(t *testing.T) {
	durations := []time.Duration{30 * time.Millisecond, 0, 250 * time.Millisecond}
	data := animatedWebP(t, 40, 20, durations, 2, 0xff336699)
	path := writeFile(t, t.TempDir(), "anim.webp", data)
	r, _ := NewResizer(EngineImaging)

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, Animated, d.Kind)
	assert.Equal(t, FormatWebP, d.Format)
	assert.Equal(t, 40, d.Width)

	res, err := Process(d, r, 20)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Frames)
	assert.Equal(t, durations, res.Durations, "a zero WebP duration is kept")

	out, err := webpanim.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, 2, out.LoopCount)
	assert.Equal(t, uint32(0xff336699), out.Background)
	require.Len(t, out.Frames, 3)
	want := []time.Duration{30 * time.Millisecond, 0, 250 * time.Millisecond}
	for i, f := range out.Frames {
		assert.Equal(t, image.Rect(0, 0, 20, 10), f.Image.Bounds(), "frame %d", i)
		assert.Equal(t, want[i], f.Duration, "frame %d", i)
		assert.Equal(t, i%2 == 1, f.Dispose, "frame %d", i)
	}
}

func TestProcessAnimationRequiresAnimatedSource(t *testing.T) {
	path := writeFile(t, t.TempDir(), "still.png", pngBytes(t, gradient(10, 10)))
	r, _ := NewResizer(EngineImaging)

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	_, err = ProcessAnimation(d, r, 5)
	assert.Error(t, err)
}

func TestProcessAfterClose(t *testing.T) {
	path := writeFile(t, t.TempDir(), "still.png", pngBytes(t, gradient(10, 10)))
	r, _ := NewResizer(EngineImaging)

	d, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err = Process(d, r, 5)
	assert.ErrorIs(t, err, errClosed)
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	validPNG := pngBytes(t, gradient(10, 10))

	tests := []struct {
		name string
		data []byte
	}{
		{"text.png", []byte("this is plainly not an image")},
		{"truncated.png", validPNG[:len(validPNG)/2]},
		{"empty.gif", nil},
		{"bogus.webp", []byte("RIFF\x10\x00\x00\x00WEBPVP8X\x02\x00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.name, tt.data)
			_, err := Open(path)
			require.Error(t, err)

			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr), "want *DecodeError, got %T", err)
			assert.Equal(t, path, decodeErr.Path)
		})
	}

	_, err := Open(filepath.Join(dir, "missing.png"))
	var decodeErr *DecodeError
	assert.True(t, errors.As(err, &decodeErr))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFingerprintFile(t *testing.T) {
	img := gradient(64, 64)
	path := writeFile(t, t.TempDir(), "fp.png", pngBytes(t, img))

	fp, err := FingerprintFile(path, img)
	require.NoError(t, err)
	assert.Len(t, fp.MD5, 32)
	assert.NotEmpty(t, fp.PHash)
	assert.Equal(t, int64(len(pngBytes(t, img))), fp.FileSize)
	assert.Empty(t, fp.DeviceMake)

	_, err = FingerprintFile(filepath.Join(t.TempDir(), "missing.png"), nil)
	assert.Error(t, err)
}

// subRectGIF builds a 20x10 screen whose frames only cover the left half and
// whose palette has no transparent entry.
func subRectGIF(t *testing.T, frames int) []byte {
	t.Helper()
	pal := color.Palette{color.RGBA{255, 0, 0, 255}, color.RGBA{0, 0, 255, 255}}
	g := &gif.GIF{Config: image.Config{ColorModel: pal, Width: 20, Height: 10}}
	for i := 0; i < frames; i++ {
		m := image.NewPaletted(image.Rect(0, 0, 10, 10), pal)
		for p := range m.Pix {
			m.Pix[p] = uint8(i % 2)
		}
		g.Image = append(g.Image, m)
		g.Delay = append(g.Delay, 10)
		g.Disposal = append(g.Disposal, gif.DisposalNone)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, g))
	return buf.Bytes()
}

func TestProcessAnimationGIFKeepsUncoveredCanvasTransparent(t *testing.T) {
	path := writeFile(t, t.TempDir(), "partial.gif", subRectGIF(t, 2))
	r, _ := NewResizer(EngineImaging)

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()
	require.Equal(t, Animated, d.Kind)

	res, err := ProcessAnimation(d, r, 20)
	require.NoError(t, err)
	out, err := gif.DecodeAll(bytes.NewReader(res.Data))
	require.NoError(t, err)
	require.Len(t, out.Image, 2)
	for i, m := range out.Image {
		_, _, _, a := m.At(15, 5).RGBA()
		assert.Zero(t, a, "frame %d outside the source rectangle", i)
		assert.Equal(t, color.RGBA{255, 0, 0, 255}, m.Palette[0], "frame %d keeps source indices", i)
	}
	assert.Equal(t, color.RGBA{255, 0, 0, 255}, out.Image[0].Palette.Convert(out.Image[0].At(5, 5)))
	assert.Equal(t, color.RGBA{0, 0, 255, 255}, out.Image[1].Palette.Convert(out.Image[1].At(5, 5)))
}

func TestProcessStaticGIFKeepsUncoveredCanvasTransparent(t *testing.T) {
	path := writeFile(t, t.TempDir(), "partial.gif", subRectGIF(t, 1))
	r, _ := NewResizer(EngineImaging)

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()
	require.Equal(t, Static, d.Kind)

	res, err := ProcessStatic(d, r, 20)
	require.NoError(t, err)
	out, err := gif.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	_, _, _, a := out.At(15, 5).RGBA()
	assert.Zero(t, a)
	_, _, _, a = out.At(5, 5).RGBA()
	assert.NotZero(t, a)
}

func TestEnsureTransparent(t *testing.T) {
	opaque := gradient(4, 4)
	clear := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	pal := color.Palette{color.RGBA{255, 0, 0, 255}}

	assert.Equal(t, pal, ensureTransparent(pal, opaque))
	got := ensureTransparent(pal, clear)
	assert.Equal(t, color.Palette{color.RGBA{255, 0, 0, 255}, color.RGBA{}}, got)
	assert.Len(t, pal, 1, "source palette is not modified")

	full := make(color.Palette, 256)
	for i := range full {
		full[i] = color.RGBA{uint8(i), 0, 0, 255}
	}
	got = ensureTransparent(full, clear)
	assert.Len(t, got, 256)
	assert.Equal(t, color.RGBA{}, got[255])
	assert.Equal(t, color.RGBA{254, 0, 0, 255}, got[254])
}
