package vision

import (
	"image"
	"math"
)

// gaussianKernel builds a normalized 1-D Gaussian kernel of odd size.
// Sigma follows the usual derivation from the kernel size so that the
// tails fall off to near zero at the kernel edge.
func gaussianKernel(size int) []float64 {
	sigma := 0.3*(float64(size-1)*0.5-1) + 0.8
	kernel := make([]float64, size)
	half := size / 2
	sum := 0.0
	for i := 0; i < size; i++ {
		x := float64(i - half)
		kernel[i] = math.Exp(-x * x / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// BlurRect applies a separable Gaussian blur of the given odd kernel size to
// the rectangle, in place. Sampling is clamped to the rectangle edge so no
// pixel outside the region contributes; the original pixels inside the
// region are destroyed by the horizontal pass before the vertical pass runs
// on already-blurred data, which keeps overlapping applications idempotent
// in effect (blur of blur is still blurred).
func BlurRect(f *Frame, rect image.Rectangle, kernelSize int) {
	rect = rect.Intersect(f.Bounds())
	if rect.Empty() || kernelSize < 3 {
		return
	}
	if kernelSize%2 == 0 {
		kernelSize++
	}

	kernel := gaussianKernel(kernelSize)
	half := kernelSize / 2
	w := rect.Dx()
	h := rect.Dy()

	tmp := make([]float64, w*h*3)

	// Horizontal pass: frame -> tmp
	for y := 0; y < h; y++ {
		rowBase := (rect.Min.Y + y) * f.Width
		for x := 0; x < w; x++ {
			var r, g, b float64
			for k := 0; k < kernelSize; k++ {
				sx := x + k - half
				if sx < 0 {
					sx = 0
				} else if sx >= w {
					sx = w - 1
				}
				src := (rowBase + rect.Min.X + sx) * 3
				wt := kernel[k]
				r += wt * float64(f.Pix[src])
				g += wt * float64(f.Pix[src+1])
				b += wt * float64(f.Pix[src+2])
			}
			dst := (y*w + x) * 3
			tmp[dst] = r
			tmp[dst+1] = g
			tmp[dst+2] = b
		}
	}

	// Vertical pass: tmp -> frame
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, b float64
			for k := 0; k < kernelSize; k++ {
				sy := y + k - half
				if sy < 0 {
					sy = 0
				} else if sy >= h {
					sy = h - 1
				}
				src := (sy*w + x) * 3
				wt := kernel[k]
				r += wt * tmp[src]
				g += wt * tmp[src+1]
				b += wt * tmp[src+2]
			}
			dst := ((rect.Min.Y+y)*f.Width + rect.Min.X + x) * 3
			f.Pix[dst] = byte(clamp255(r))
			f.Pix[dst+1] = byte(clamp255(g))
			f.Pix[dst+2] = byte(clamp255(b))
		}
	}
}

func clamp255(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v + 0.5
}
