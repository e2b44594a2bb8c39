package models

import (
	"fmt"
	"strings"
	"time"
)

// ImageSource identifies where the bytes of an image come from: a plain file,
// or an entry inside a zip archive.
type ImageSource struct {
	Path  string `json:"path"`
	Entry string `json:"entry,omitempty"` // entry name inside the archive at Path
}

// ReadOnly reports whether the source lives inside an archive.
// Archive members are never eligible for deletion.
func (s ImageSource) ReadOnly() bool {
	return s.Entry != ""
}

// Key returns the identity of the source. Two sources with the same key are the
// same image.
func (s ImageSource) Key() string {
	if s.Entry == "" {
		return s.Path
	}
	return s.Path + "!" + s.Entry
}

// Name returns the base name shown to users.
func (s ImageSource) Name() string {
	name := s.Path
	if s.Entry != "" {
		name = s.Entry
	}
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}

func (s ImageSource) String() string {
	return s.Key()
}

// Orientation indexes the 8 geometric variants held by an OrientationSet.
type Orientation int

const (
	Identity Orientation = iota
	Rotate90
	Rotate180
	Rotate270
	FlipH
	Transpose
	Transverse
	FlipV
)

// NumOrientations is the size of the dihedral group of a square.
const NumOrientations = 8

var orientationNames = [NumOrientations]string{
	"identity", "rotate90", "rotate180", "rotate270",
	"fliph", "transpose", "transverse", "flipv",
}

func (o Orientation) String() string {
	if o < 0 || int(o) >= NumOrientations {
		return fmt.Sprintf("orientation(%d)", int(o))
	}
	return orientationNames[o]
}

// OrientationSet holds the perceptual hash of one frame under every orientation.
// Slot Identity is the canonical hash; the others are derived from it.
type OrientationSet [NumOrientations]uint64

// FingerprintSet holds one OrientationSet per frame, in playback order.
type FingerprintSet []OrientationSet

// Animated reports whether the set describes more than one frame.
func (f FingerprintSet) Animated() bool {
	return len(f) > 1
}

// ImageRecord is one decodable image: a file or an archive entry.
type ImageRecord struct {
	Source           ImageSource    `json:"source"`
	Format           string         `json:"format"`
	Width            int            `json:"width"`
	Height           int            `json:"height"`
	CompressedSize   int64          `json:"compressed_size"`
	UncompressedSize int64          `json:"uncompressed_size"`
	FrameCount       int            `json:"frame_count"`
	ModTime          time.Time      `json:"mod_time"`
	HasExif          bool           `json:"has_exif"`
	Score            float64        `json:"score"`
	Fingerprints     FingerprintSet `json:"-"`
	ExactHash        string         `json:"exact_hash,omitempty"` // SHA256, filled only in exact mode
}

// Key is shorthand for Source.Key().
func (r *ImageRecord) Key() string {
	return r.Source.Key()
}

// DuplicateGroup represents a group of similar images
type DuplicateGroup struct {
	ID      int            `json:"id"`
	Records []*ImageRecord `json:"records"`
	Keep    *ImageRecord   `json:"keep"` // Suggested copy to keep (highest score)
}

// Remove returns the members other than Keep.
func (g *DuplicateGroup) Remove() []*ImageRecord {
	out := make([]*ImageRecord, 0, len(g.Records))
	for _, r := range g.Records {
		if r != g.Keep {
			out = append(out, r)
		}
	}
	return out
}

// Disposition is the action a user attached to a grouped record.
type Disposition int

const (
	None Disposition = iota
	Delete
	Ignore
)

func (d Disposition) String() string {
	switch d {
	case None:
		return "none"
	case Delete:
		return "delete"
	case Ignore:
		return "ignore"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// ParseDisposition is the inverse of Disposition.String.
func ParseDisposition(s string) (Disposition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "keep", "":
		return None, nil
	case "delete":
		return Delete, nil
	case "ignore":
		return Ignore, nil
	default:
		return None, fmt.Errorf("unknown disposition %q", s)
	}
}

// FormatQualityMultiplier returns quality multiplier for image format
func FormatQualityMultiplier(format string) float64 {
	switch format {
	case "png", "tiff", "bmp":
		return 1.2 // Lossless formats
	case "webp":
		return 1.1 // Often lossless or high quality
	case "jpeg", "jpg":
		return 1.0 // Lossy
	case "gif":
		return 0.9 // Limited colors
	default:
		return 1.0
	}
}

// MetadataMultiplier returns quality multiplier based on metadata presence
func MetadataMultiplier(hasExif bool) float64 {
	if hasExif {
		return 1.1 // Prefer images with metadata
	}
	return 1.0
}
