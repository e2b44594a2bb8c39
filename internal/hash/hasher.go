package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"math/bits"
	"path/filepath"
	"strings"

	"github.com/corona10/goimagehash"
	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"

	"pixmatch/internal/frames"
	"pixmatch/internal/models"
)

// Algorithm names the fingerprint layout. Cached fingerprints from another
// algorithm are ignored.
const Algorithm = "phash64-o8-n64"

// orientations derives every variant from the canonical frame. The slice order
// matches the models.Orientation constants.
var orientations = [models.NumOrientations]func(image.Image) *image.NRGBA{
	models.Identity:   imaging.Clone,
	models.Rotate90:   imaging.Rotate90,
	models.Rotate180:  imaging.Rotate180,
	models.Rotate270:  imaging.Rotate270,
	models.FlipH:      imaging.FlipH,
	models.Transpose:  imaging.Transpose,
	models.Transverse: imaging.Transverse,
	models.FlipV:      imaging.FlipV,
}

// Fingerprint computes the perceptual hash of frame under all 8 orientations.
func Fingerprint(frame image.Image) (models.OrientationSet, error) {
	var set models.OrientationSet
	if frame == nil {
		return set, fmt.Errorf("failed to compute hash: nil frame")
	}
	for o, transform := range orientations {
		h, err := goimagehash.PerceptionHash(transform(frame))
		if err != nil {
			return set, fmt.Errorf("failed to compute %s hash: %w", models.Orientation(o), err)
		}
		set[o] = h.GetHash()
	}
	return set, nil
}

// FingerprintFrames fingerprints every frame in order.
func FingerprintFrames[F image.Image](frames []F) (models.FingerprintSet, error) {
	set := make(models.FingerprintSet, 0, len(frames))
	for i, f := range frames {
		o, err := Fingerprint(f)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		set = append(set, o)
	}
	return set, nil
}

// HammingDistance calculates the Hamming distance between two hashes
func HammingDistance(hash1, hash2 uint64) int {
	return bits.OnesCount64(hash1 ^ hash2)
}

// ComputeHash returns the hex SHA256 of everything read from r.
func ComputeHash(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsSupportedImage checks if a file is a supported image format
func IsSupportedImage(path string) bool {
	_, ok := frames.FormatFromName(path)
	return ok
}

// IsArchive reports whether path names a zip archive whose entries are scanned.
func IsArchive(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".zip")
}

// HasExif reports whether data carries a parseable EXIF block.
func HasExif(data []byte) bool {
	_, err := exif.Decode(bytes.NewReader(data))
	return err == nil
}

// CalculateScore computes the quality score for an image
func CalculateScore(rec *models.ImageRecord) float64 {
	// Base score: resolution (width * height)
	resolution := float64(rec.Width * rec.Height)

	formatMultiplier := models.FormatQualityMultiplier(rec.Format)
	metadataMultiplier := models.MetadataMultiplier(rec.HasExif)

	return resolution * formatMultiplier * metadataMultiplier
}
