package detect

import (
	"crypto/md5"
	"image"
	"image/color"
	"image/draw"

	"github.com/argus-data/watchtower/internal/vision"
)

var alertColor = color.RGBA{R: 255, A: 255}

// classColor derives a stable color from the class name.
func classColor(name string) color.RGBA {
	sum := md5.Sum([]byte(name))
	return color.RGBA{R: sum[0], G: sum[1], B: sum[2], A: 255}
}

// annotate renders detection boxes onto a copy of the frame. Classes in the
// alert set are drawn in red, everything else in a per-class color.
func annotate(img image.Image, detections []vision.Detection, alertClasses map[string]struct{}) image.Image {
	bounds := img.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, img, bounds.Min, draw.Src)

	for _, d := range detections {
		c := classColor(d.Class)
		if _, alert := alertClasses[d.Class]; alert {
			c = alertColor
		}
		drawRect(out, d.Box.Clamp(bounds), c)
	}
	return out
}

// drawRect draws a 2px box outline.
func drawRect(img *image.RGBA, box vision.BoundingBox, c color.RGBA) {
	for thickness := 0; thickness < 2; thickness++ {
		x1, y1 := box.X1+thickness, box.Y1+thickness
		x2, y2 := box.X2-thickness, box.Y2-thickness
		if x2 <= x1 || y2 <= y1 {
			return
		}
		for x := x1; x < x2; x++ {
			img.SetRGBA(x, y1, c)
			img.SetRGBA(x, y2-1, c)
		}
		for y := y1; y < y2; y++ {
			img.SetRGBA(x1, y, c)
			img.SetRGBA(x2-1, y, c)
		}
	}
}
