package detector

import (
	"image"
	"image/color"
	"image/draw"
)

const boxStroke = 2

var boxPalette = []color.RGBA{
	{R: 230, G: 57, B: 70, A: 255},
	{R: 42, G: 157, B: 143, A: 255},
	{R: 233, G: 196, B: 106, A: 255},
	{R: 69, G: 123, B: 157, A: 255},
	{R: 244, G: 162, B: 97, A: 255},
	{R: 131, G: 56, B: 236, A: 255},
}

// Annotate returns a copy of img with one rectangle outline per detection,
// coloured by class.
func Annotate(img image.Image, dets []RawDetection) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)

	for _, d := range dets {
		c := boxPalette[paletteIndex(d.ClassID)]
		r := image.Rect(int(d.X1), int(d.Y1), int(d.X2), int(d.Y2)).Intersect(b)
		if r.Empty() {
			continue
		}
		src := &image.Uniform{C: c}
		edges := []image.Rectangle{
			image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+boxStroke),
			image.Rect(r.Min.X, r.Max.Y-boxStroke, r.Max.X, r.Max.Y),
			image.Rect(r.Min.X, r.Min.Y, r.Min.X+boxStroke, r.Max.Y),
			image.Rect(r.Max.X-boxStroke, r.Min.Y, r.Max.X, r.Max.Y),
		}
		for _, e := range edges {
			draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Over)
		}
	}
	return dst
}

// paletteIndex maps any class id, including negative ones, onto the palette.
func paletteIndex(id int) int {
	return int(uint(id) % uint(len(boxPalette)))
}
