package frames

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

// NormalizedSize is the edge length of the square grayscale buffer every frame is
// reduced to before fingerprinting.
const NormalizedSize = 64

// Format is one of the closed set of container formats the extractor handles.
type Format string

const (
	JPEG Format = "jpeg"
	PNG  Format = "png"
	BMP  Format = "bmp"
	TIFF Format = "tiff"
	WebP Format = "webp"
	GIF  Format = "gif"
)

// decoder turns raw bytes into full-resolution frames in playback order.
type decoder func(data []byte) (image.Config, []image.Image, error)

func single(decode func(r *bytes.Reader) (image.Image, error)) decoder {
	return func(data []byte) (image.Config, []image.Image, error) {
		img, err := decode(bytes.NewReader(data))
		if err != nil {
			return image.Config{}, nil, err
		}
		b := img.Bounds()
		cfg := image.Config{ColorModel: img.ColorModel(), Width: b.Dx(), Height: b.Dy()}
		return cfg, []image.Image{img}, nil
	}
}

var decoders = map[Format]decoder{
	JPEG: single(func(r *bytes.Reader) (image.Image, error) { return jpeg.Decode(r) }),
	PNG:  single(func(r *bytes.Reader) (image.Image, error) { return png.Decode(r) }),
	BMP:  single(func(r *bytes.Reader) (image.Image, error) { return bmp.Decode(r) }),
	TIFF: single(func(r *bytes.Reader) (image.Image, error) { return tiff.Decode(r) }),
	WebP: decodeWebP,
	GIF:  decodeGIF,
}

var extensions = map[string]Format{
	".jpg":  JPEG,
	".jpeg": JPEG,
	".png":  PNG,
	".bmp":  BMP,
	".tif":  TIFF,
	".tiff": TIFF,
	".webp": WebP,
	".gif":  GIF,
}

// FormatFromName returns the format implied by a file or archive entry name.
func FormatFromName(name string) (Format, bool) {
	f, ok := extensions[strings.ToLower(filepath.Ext(name))]
	return f, ok
}

// DecodeError reports that a source could not be turned into frames.
// It is per-record and recoverable: the source is excluded from the run.
type DecodeError struct {
	Format Format
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s image: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ErrNoFrames is wrapped by a DecodeError when a container holds no frames.
var ErrNoFrames = errors.New("image has no frames")

// Decoded is the extractor output for one source.
type Decoded struct {
	Format Format
	Width  int
	Height int
	Frames []*image.Gray // normalized, in playback order, never empty
}

// UncompressedSize estimates the in-memory RGBA size of every frame.
func (d *Decoded) UncompressedSize() int64 {
	return int64(d.Width) * int64(d.Height) * 4 * int64(len(d.Frames))
}

// Extract decodes data as format and returns normalized frames.
func Extract(data []byte, format Format) (*Decoded, error) {
	dec, ok := decoders[format]
	if !ok {
		return nil, &DecodeError{Format: format, Err: fmt.Errorf("unsupported format %q", format)}
	}

	cfg, imgs, err := dec(data)
	if err != nil {
		return nil, &DecodeError{Format: format, Err: err}
	}
	if len(imgs) == 0 {
		return nil, &DecodeError{Format: format, Err: ErrNoFrames}
	}

	out := &Decoded{
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
		Frames: make([]*image.Gray, 0, len(imgs)),
	}
	for _, img := range imgs {
		b := img.Bounds()
		if b.Dx() <= 0 || b.Dy() <= 0 {
			return nil, &DecodeError{Format: format, Err: fmt.Errorf("empty frame bounds %v", b)}
		}
		out.Frames = append(out.Frames, Normalize(img))
	}
	return out, nil
}

// Normalize reduces img to a NormalizedSize square grayscale buffer.
//
// The scaler keeps float intermediates between its two passes, so normalizing
// a rotated or mirrored image gives exactly the rotated or mirrored buffer.
func Normalize(img image.Image) *image.Gray {
	rect := image.Rect(0, 0, NormalizedSize, NormalizedSize)
	resized := image.NewNRGBA(rect)
	xdraw.CatmullRom.Scale(resized, rect, imaging.Clone(img), img.Bounds(), xdraw.Src, nil)

	lum := imaging.Grayscale(resized)
	gray := image.NewGray(rect)
	for y := 0; y < NormalizedSize; y++ {
		for x := 0; x < NormalizedSize; x++ {
			gray.Pix[gray.PixOffset(x, y)] = lum.Pix[lum.PixOffset(x, y)]
		}
	}
	return gray
}
