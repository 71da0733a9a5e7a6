package processor

import (
	"path/filepath"
	"strings"
)

// Format is a content-detected image format name as registered with the image package.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatWebP Format = "webp"
)

// Kind selects the processing path for a decoded image. It is fixed at decode time.
type Kind int

const (
	Static Kind = iota
	Animated
)

func (k Kind) String() string {
	switch k {
	case Static:
		return "static"
	case Animated:
		return "animated"
	default:
		return "unknown"
	}
}

// ColorMode is the pixel layout an image is normalized to before resizing.
type ColorMode int

const (
	ModeRGB ColorMode = iota
	ModeRGBA
)

var formatExtensions = map[Format][]string{
	FormatJPEG: {".jpg", ".jpeg"},
	FormatPNG:  {".png"},
	FormatGIF:  {".gif"},
	FormatWebP: {".webp"},
}

func parseFormat(name string) (Format, bool) {
	f := Format(strings.ToLower(name))
	_, ok := formatExtensions[f]
	return f, ok
}

// Animatable reports whether the format can carry a multi-frame sequence.
func (f Format) Animatable() bool {
	return f == FormatGIF || f == FormatWebP
}

// ColorMode returns the mode pixels are converted to before encoding as f.
// JPEG cannot carry alpha; every other format keeps a full RGBA buffer.
func (f Format) ColorMode() ColorMode {
	if f == FormatJPEG {
		return ModeRGB
	}
	return ModeRGBA
}

// OutputPath rewrites the extension of path to match f, keeping extensions that
// already name the format, compared case-insensitively.
func (f Format) OutputPath(path string) string {
	ext := filepath.Ext(path)
	lower := strings.ToLower(ext)
	for _, known := range formatExtensions[f] {
		if lower == known {
			return path
		}
	}
	return strings.TrimSuffix(path, ext) + "." + string(f)
}

// SiblingOutputPath is OutputPath for a source that shares its name, minus
// extension, with another input. A rewritten extension is appended to the full
// source name instead of replacing it, so "a.jfif" becomes "a.jfif.jpeg".
func (f Format) SiblingOutputPath(path string) string {
	if out := f.OutputPath(path); out == path {
		return out
	}
	return path + "." + string(f)
}
