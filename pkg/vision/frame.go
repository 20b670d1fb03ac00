package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"
)

// ErrEmptyFrame indicates an operation on a frame with no pixel data
var ErrEmptyFrame = errors.New("empty frame")

// Frame is a fixed-resolution raster with three 8-bit channels (RGB,
// interleaved, row-major). Frames are produced by a FrameSource and consumed
// by exactly one camera worker; they are never mutated after hand-off.
type Frame struct {
	Width  int
	Height int
	Pix    []byte // len = Width*Height*3

	// CapturedAt carries both the wall clock and, when produced by
	// time.Now, the monotonic reading used for segment arithmetic.
	CapturedAt time.Time
}

// NewFrame allocates a zeroed frame of the given dimensions.
func NewFrame(width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*3),
	}
}

// Clone returns an independent deep copy of the frame.
func (f *Frame) Clone() *Frame {
	pix := make([]byte, len(f.Pix))
	copy(pix, f.Pix)
	return &Frame{
		Width:      f.Width,
		Height:     f.Height,
		Pix:        pix,
		CapturedAt: f.CapturedAt,
	}
}

// ColorModel implements image.Image
func (f *Frame) ColorModel() color.Model { return color.RGBAModel }

// Bounds implements image.Image
func (f *Frame) Bounds() image.Rectangle { return image.Rect(0, 0, f.Width, f.Height) }

// At implements image.Image
func (f *Frame) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return color.RGBA{}
	}
	i := (y*f.Width + x) * 3
	return color.RGBA{R: f.Pix[i], G: f.Pix[i+1], B: f.Pix[i+2], A: 0xff}
}

// EncodeJPEG encodes the frame as a JPEG at the given quality (1-100).
func (f *Frame) EncodeJPEG(quality int) ([]byte, error) {
	if len(f.Pix) == 0 {
		return nil, ErrEmptyFrame
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeJPEG decodes JPEG bytes into a frame. The capture timestamp is left
// zero; the caller stamps it.
func DecodeJPEG(data []byte) (*Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("jpeg decode failed: %w", err)
	}
	return FromImage(img), nil
}

// FromImage converts any image.Image into a Frame.
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	f := NewFrame(b.Dx(), b.Dy())

	// Fast path for the common YCbCr/RGBA decodes would complicate this;
	// the generic path is fine at preview resolutions.
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			f.Pix[i] = byte(r >> 8)
			f.Pix[i+1] = byte(g >> 8)
			f.Pix[i+2] = byte(bl >> 8)
			i += 3
		}
	}
	return f
}

// CenterFit returns the frame scaled to width x height. When the source
// aspect ratio differs, the longer axis is center-cropped first so the
// result is never letterboxed or distorted. A frame already at the target
// size is returned unchanged.
func (f *Frame) CenterFit(width, height int) *Frame {
	if f.Width == width && f.Height == height {
		return f
	}

	srcW, srcH := f.Width, f.Height
	cropW, cropH := srcW, srcH

	// Crop the longer axis to match the target aspect.
	if srcW*height > width*srcH {
		cropW = srcH * width / height
	} else if srcW*height < width*srcH {
		cropH = srcW * height / width
	}
	offX := (srcW - cropW) / 2
	offY := (srcH - cropH) / 2

	out := NewFrame(width, height)
	out.CapturedAt = f.CapturedAt

	// Bilinear resample from the cropped region.
	xRatio := float64(cropW) / float64(width)
	yRatio := float64(cropH) / float64(height)

	for y := 0; y < height; y++ {
		sy := (float64(y)+0.5)*yRatio - 0.5
		y0 := int(sy)
		if y0 < 0 {
			y0 = 0
		}
		y1 := y0 + 1
		if y1 >= cropH {
			y1 = cropH - 1
		}
		fy := sy - float64(y0)
		if fy < 0 {
			fy = 0
		}

		for x := 0; x < width; x++ {
			sx := (float64(x)+0.5)*xRatio - 0.5
			x0 := int(sx)
			if x0 < 0 {
				x0 = 0
			}
			x1 := x0 + 1
			if x1 >= cropW {
				x1 = cropW - 1
			}
			fx := sx - float64(x0)
			if fx < 0 {
				fx = 0
			}

			i00 := ((offY+y0)*srcW + offX + x0) * 3
			i01 := ((offY+y0)*srcW + offX + x1) * 3
			i10 := ((offY+y1)*srcW + offX + x0) * 3
			i11 := ((offY+y1)*srcW + offX + x1) * 3
			dst := (y*width + x) * 3

			for c := 0; c < 3; c++ {
				top := float64(f.Pix[i00+c])*(1-fx) + float64(f.Pix[i01+c])*fx
				bot := float64(f.Pix[i10+c])*(1-fx) + float64(f.Pix[i11+c])*fx
				out.Pix[dst+c] = byte(top*(1-fy) + bot*fy + 0.5)
			}
		}
	}
	return out
}

// Equal reports whether two frames have identical dimensions and pixels.
func (f *Frame) Equal(other *Frame) bool {
	return f.Width == other.Width && f.Height == other.Height && bytes.Equal(f.Pix, other.Pix)
}
