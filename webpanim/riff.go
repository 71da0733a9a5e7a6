package webpanim

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrNotWebP is returned when the input is not a RIFF/WEBP container.
	ErrNotWebP = errors.New("webpanim: not a WebP file")
	// ErrNotAnimated is returned by Decode when the container carries no animation.
	ErrNotAnimated = errors.New("webpanim: WebP file is not animated")
	// ErrMalformed is returned for truncated or inconsistent chunk data.
	ErrMalformed = errors.New("webpanim: malformed WebP container")
)

// Chunk FourCCs.
const (
	fccVP8X = "VP8X"
	fccANIM = "ANIM"
	fccANMF = "ANMF"
	fccALPH = "ALPH"
	fccVP8  = "VP8 "
	fccVP8L = "VP8L"
)

// VP8X feature flags.
const (
	flagAnimation = 0x02
	flagAlpha     = 0x10
)

// ANMF flag bits.
const (
	anmfDispose = 0x01
	anmfNoBlend = 0x02
)

const max24 = 1<<24 - 1

type chunk struct {
	id   string
	data []byte
}

// readContainer validates the RIFF header and returns the top-level chunks.
func readContainer(data []byte) ([]chunk, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return nil, ErrNotWebP
	}
	size := int(binary.LittleEndian.Uint32(data[4:8]))
	if size < 4 || 8+size > len(data) {
		return nil, fmt.Errorf("%w: RIFF size %d exceeds %d bytes", ErrMalformed, size, len(data))
	}
	return parseChunks(data[12 : 8+size])
}

func parseChunks(b []byte) ([]chunk, error) {
	var chunks []chunk
	for len(b) > 0 {
		if len(b) < 8 {
			return nil, fmt.Errorf("%w: truncated chunk header", ErrMalformed)
		}
		id := string(b[:4])
		n := int(binary.LittleEndian.Uint32(b[4:8]))
		b = b[8:]
		if n > len(b) {
			return nil, fmt.Errorf("%w: chunk %q length %d exceeds remaining %d", ErrMalformed, id, n, len(b))
		}
		chunks = append(chunks, chunk{id: id, data: b[:n]})
		if n%2 == 1 && n < len(b) {
			n++
		}
		b = b[n:]
	}
	return chunks, nil
}

func appendChunk(dst []byte, id string, data []byte) []byte {
	dst = append(dst, id...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(data)))
	dst = append(dst, data...)
	if len(data)%2 == 1 {
		dst = append(dst, 0)
	}
	return dst
}

func wrapRIFF(body []byte) []byte {
	out := make([]byte, 0, 12+len(body))
	out = append(out, "RIFF"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(4+len(body)))
	out = append(out, "WEBP"...)
	return append(out, body...)
}

func get24(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16
}

func put24(b []byte, v int) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func vp8xChunk(flags byte, width, height int) []byte {
	data := make([]byte, 10)
	data[0] = flags
	put24(data[4:7], width-1)
	put24(data[7:10], height-1)
	return data
}
