package frames

import (
	"bytes"
	"fmt"
	"image"

	"github.com/gen2brain/webp"
)

// decodeWebP returns every frame of an animated WebP in playback order, or
// the single frame of a still one.
func decodeWebP(data []byte) (image.Config, []image.Image, error) {
	w, err := webp.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, nil, err
	}
	return webpFrames(w)
}

func webpFrames(w *webp.WEBP) (image.Config, []image.Image, error) {
	if len(w.Image) == 0 {
		return image.Config{}, nil, ErrNoFrames
	}

	first := w.Image[0]
	if first == nil {
		return image.Config{}, nil, fmt.Errorf("frame 0 is empty")
	}
	b := first.Bounds()
	cfg := image.Config{ColorModel: first.ColorModel(), Width: b.Dx(), Height: b.Dy()}

	out := make([]image.Image, 0, len(w.Image))
	for i, img := range w.Image {
		if img == nil {
			return image.Config{}, nil, fmt.Errorf("frame %d is empty", i)
		}
		out = append(out, img)
	}
	return cfg, out, nil
}
