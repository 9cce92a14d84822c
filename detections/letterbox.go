package detections

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// Letterbox describes how an image was fitted into the square network input.
type Letterbox struct {
	Size          int
	Scale         float64
	PadX, PadY    int
	NewW, NewH    int // resized image dimensions inside the canvas
	Width, Height int // original image dimensions
}

func newLetterbox(width, height, size int) Letterbox {
	scale := math.Min(float64(size)/float64(width), float64(size)/float64(height))
	newW := max(1, int(math.Round(float64(width)*scale)))
	newH := max(1, int(math.Round(float64(height)*scale)))
	return Letterbox{
		Size:   size,
		Scale:  scale,
		PadX:   (size - newW) / 2,
		PadY:   (size - newH) / 2,
		NewW:   newW,
		NewH:   newH,
		Width:  width,
		Height: height,
	}
}

// Apply resizes img keeping its aspect ratio and centres it on a grey canvas.
func (lb Letterbox) Apply(img image.Image) *image.NRGBA {
	resized := imaging.Resize(img, lb.NewW, lb.NewH, imaging.Linear)
	canvas := imaging.New(lb.Size, lb.Size, color.NRGBA{R: PadValue, G: PadValue, B: PadValue, A: 255})
	return imaging.Paste(canvas, resized, image.Pt(lb.PadX, lb.PadY))
}

// Restore maps a centre/size box in network input space back to clamped
// corner coordinates in the original image.
func (lb Letterbox) Restore(cx, cy, w, h float32) [4]float32 {
	scale := float32(lb.Scale)
	x1 := (cx - w/2 - float32(lb.PadX)) / scale
	y1 := (cy - h/2 - float32(lb.PadY)) / scale
	x2 := (cx + w/2 - float32(lb.PadX)) / scale
	y2 := (cy + h/2 - float32(lb.PadY)) / scale

	return [4]float32{
		clamp(x1, 0, float32(lb.Width)),
		clamp(y1, 0, float32(lb.Height)),
		clamp(x2, 0, float32(lb.Width)),
		clamp(y2, 0, float32(lb.Height)),
	}
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
