package processor

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"os"
	"strings"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/rs/zerolog/log"
	"github.com/rwcarlsen/goexif/exif"
)

// Fingerprint identifies a processed input for the run catalog.
type Fingerprint struct {
	MD5         string
	FileSize    int64
	DeviceMake  string
	DeviceModel string
	CreateDate  time.Time
	// PHash is the perceptual hash of the output preview.
	PHash string
}

// FingerprintFile hashes the input at filePath, reads its EXIF camera fields when
// present, and computes the perceptual hash of preview.
func FingerprintFile(filePath string, preview image.Image) (*Fingerprint, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file for MD5: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return nil, fmt.Errorf("failed to calculate MD5: %w", err)
	}

	fp := &Fingerprint{
		MD5:        hex.EncodeToString(hash.Sum(nil)),
		FileSize:   info.Size(),
		CreateDate: info.ModTime(), // Default to file modification time
	}

	// Reset the file pointer to read EXIF data from the beginning
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek file for EXIF: %w", err)
	}
	if x, err := exif.Decode(file); err == nil {
		readExif(x, fp, filePath)
	}

	if preview != nil {
		phash, err := goimagehash.PerceptionHash(preview)
		if err != nil {
			log.Warn().Err(err).Str("file", filePath).Msg("could not calculate pHash")
		} else {
			fp.PHash = phash.ToString()
		}
	}
	return fp, nil
}

func readExif(x *exif.Exif, fp *Fingerprint, filePath string) {
	if tag, err := x.Get(exif.Make); err == nil {
		fp.DeviceMake = trimQuotes(tag.String())
	}
	if tag, err := x.Get(exif.Model); err == nil {
		fp.DeviceModel = trimQuotes(tag.String())
	}
	if tag, err := x.Get(exif.DateTimeOriginal); err == nil {
		dt := trimQuotes(tag.String())
		parsed, err := time.Parse("2006:01:02 15:04:05", dt)
		if err != nil {
			log.Debug().Err(err).Str("file", filePath).Msgf("unparsable EXIF DateTimeOriginal %q", dt)
			return
		}
		fp.CreateDate = parsed
	}
}

func trimQuotes(s string) string {
	return strings.TrimSuffix(strings.TrimPrefix(s, "\""), "\"")
}
