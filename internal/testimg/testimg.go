// Package testimg builds deterministic synthetic images for tests.
package testimg

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"testing"
)

// Pattern draws a smooth, asymmetric pattern. Different seeds give visually
// unrelated images; the same seed always gives the same pixels.
func Pattern(seed, w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	fx := 1 + float64(seed%5)
	fy := 1 + float64((seed/5)%5)
	phase := float64(seed) * 0.7
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			u := float64(x) / float64(w)
			v := float64(y) / float64(h)
			// A corner-weighted ramp keeps the pattern asymmetric under rotation.
			val := 0.45*math.Sin(2*math.Pi*(fx*u+phase)) +
				0.35*math.Cos(2*math.Pi*(fy*v-phase)) +
				0.6*u*v
			c := uint8(math.Max(0, math.Min(255, 128+val*100)))
			img.SetNRGBA(x, y, color.NRGBA{R: c, G: c, B: c, A: 255})
		}
	}
	return img
}

// Blocks draws a coarse checkerboard whose cells are shaded by seed.
func Blocks(seed, w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	cell := w / 4
	if cell == 0 {
		cell = 1
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			n := (x/cell)*7 + (y/cell)*13 + seed*29
			c := uint8((n * 37) % 256)
			img.SetNRGBA(x, y, color.NRGBA{R: c, G: c, B: c, A: 255})
		}
	}
	return img
}

// PNG encodes img as PNG.
func PNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

// JPEG encodes img as JPEG at the given quality.
func JPEG(t testing.TB, img image.Image, quality int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// grayPalette holds every 8-bit gray level, so gray frames survive GIF
// quantization unchanged.
var grayPalette = func() color.Palette {
	p := make(color.Palette, 256)
	for i := range p {
		p[i] = color.Gray{Y: uint8(i)}
	}
	return p
}()

// GIF encodes gray frames as an animated GIF.
func GIF(t testing.TB, frames ...image.Image) []byte {
	t.Helper()
	anim := &gif.GIF{}
	for _, f := range frames {
		p := image.NewPaletted(f.Bounds(), grayPalette)
		draw.Draw(p, f.Bounds(), f, f.Bounds().Min, draw.Src)
		anim.Image = append(anim.Image, p)
		anim.Delay = append(anim.Delay, 10)
		anim.Disposal = append(anim.Disposal, gif.DisposalNone)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		t.Fatalf("failed to encode gif: %v", err)
	}
	return buf.Bytes()
}
