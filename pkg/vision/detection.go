package vision

import (
	"fmt"
	"image"
	"time"
)

// ClassFace is the only detection class the pipeline currently emits.
const ClassFace uint8 = 0

// Detection is one detected face bounding box in frame pixel space.
// Invariant: 0 <= X1 < X2 <= frame width, same for Y.
type Detection struct {
	X1, Y1, X2, Y2 int
	Confidence     float32 // in [0,1]
	ClassID        uint8
	TS             time.Time
}

// Class returns the human-readable class name.
func (d Detection) Class() string {
	if d.ClassID == ClassFace {
		return "face"
	}
	return fmt.Sprintf("class_%d", d.ClassID)
}

// Valid reports whether the box is well-formed within a frame of the given size.
func (d Detection) Valid(width, height int) bool {
	return d.X1 >= 0 && d.X1 < d.X2 && d.X2 <= width &&
		d.Y1 >= 0 && d.Y1 < d.Y2 && d.Y2 <= height &&
		d.Confidence >= 0 && d.Confidence <= 1
}

// Rect returns the detection as an image.Rectangle.
func (d Detection) Rect() image.Rectangle {
	return image.Rect(d.X1, d.Y1, d.X2, d.Y2)
}

// PaddedRect expands the box by the given fraction on each side and clips it
// to the frame bounds.
func (d Detection) PaddedRect(pad float64, width, height int) image.Rectangle {
	padX := int(float64(d.X2-d.X1) * pad)
	padY := int(float64(d.Y2-d.Y1) * pad)
	r := image.Rect(d.X1-padX, d.Y1-padY, d.X2+padX, d.Y2+padY)
	return r.Intersect(image.Rect(0, 0, width, height))
}
