package processor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	_ "image/jpeg" // Import for JPEG decoding
	_ "image/png"  // Import for PNG decoding
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	xwebp "golang.org/x/image/webp"

	"picresize/webpanim"
)

var (
	errNotImage = errors.New("not an image")
	errClosed   = errors.New("decoded image already closed")
)

// Decoded is an opened source image. It owns its pixel buffers until Close.
type Decoded struct {
	Path   string
	MIME   string
	Format Format
	Kind   Kind
	Width  int
	Height int
	Size   int64

	still   image.Image
	palette color.Palette // source palette of a static GIF
	frames  frameSource
	closed  bool
}

// Open reads and decodes the image at path. The format comes from the content,
// never the file extension. Every failure is returned as a *DecodeError.
func Open(path string) (*Decoded, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: fmt.Errorf("read: %w", err)}
	}

	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return nil, &DecodeError{Path: path, Err: fmt.Errorf("%w (%s)", errNotImage, mime.String())}
	}

	d := &Decoded{
		Path: path,
		MIME: mime.String(),
		Size: int64(len(data)),
	}

	// Animated WebP is not understood by the registered still decoders, so its
	// geometry comes from the container instead of image.DecodeConfig.
	if mime.Is("image/webp") {
		d.Format = FormatWebP
	} else {
		cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, &DecodeError{Path: path, Err: err}
		}
		format, ok := parseFormat(name)
		if !ok {
			return nil, &DecodeError{Path: path, Err: fmt.Errorf("unsupported format %q", name)}
		}
		d.Format, d.Width, d.Height = format, cfg.Width, cfg.Height
	}

	switch d.Format {
	case FormatGIF:
		err = d.decodeGIF(data)
	case FormatWebP:
		err = d.decodeWebP(data)
	default:
		d.still, _, err = image.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return d, nil
}

func (d *Decoded) decodeGIF(data []byte) error {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if len(g.Image) > 1 {
		d.Kind = Animated
		d.frames = &gifSource{g: g}
		return nil
	}

	frame := g.Image[0]
	d.palette = frame.Palette
	if frame.Bounds() == image.Rect(0, 0, d.Width, d.Height) {
		d.still = frame
		return nil
	}
	// A single frame smaller than the logical screen sits on a transparent canvas.
	var still image.Image
	err = (&gifSource{g: g}).each(func(f sourceFrame) error {
		still = f.Image
		return nil
	})
	d.still = still
	return err
}

func (d *Decoded) decodeWebP(data []byte) error {
	info, err := webpanim.Probe(bytes.NewReader(data))
	if err != nil {
		return err
	}
	d.Width, d.Height = info.Width, info.Height
	if !info.Animated {
		d.still, err = xwebp.Decode(bytes.NewReader(data))
		return err
	}

	anim, err := webpanim.Decode(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if len(anim.Frames) > 1 {
		d.Kind = Animated
		d.frames = &webpSource{anim: anim}
		return nil
	}
	d.still = anim.Frames[0].Image
	return nil
}

// Close releases the decoded pixel buffers. It is safe to call more than once.
func (d *Decoded) Close() error {
	d.still = nil
	d.palette = nil
	d.frames = nil
	d.closed = true
	return nil
}
