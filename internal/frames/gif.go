package frames

import (
	"bytes"
	"image"
	"image/draw"
	"image/gif"
)

// decodeGIF composites every frame onto the logical screen so each returned
// image is what a viewer shows at that point of playback.
func decodeGIF(data []byte) (image.Config, []image.Image, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, nil, err
	}

	cfg := g.Config
	if cfg.Width == 0 || cfg.Height == 0 {
		// Some encoders leave the logical screen empty; fall back to the frame union.
		var r image.Rectangle
		for _, f := range g.Image {
			r = r.Union(f.Bounds())
		}
		cfg.Width, cfg.Height = r.Max.X, r.Max.Y
	}

	screen := image.Rect(0, 0, cfg.Width, cfg.Height)
	canvas := image.NewRGBA(screen)
	out := make([]image.Image, 0, len(g.Image))

	for i, frame := range g.Image {
		var disposal byte
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}

		var previous *image.RGBA
		if disposal == gif.DisposalPrevious {
			previous = cloneRGBA(canvas)
		}

		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		out = append(out, cloneRGBA(canvas))

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = previous
		}
	}

	return cfg, out, nil
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}
