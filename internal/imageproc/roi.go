// Package imageproc crops card regions and prepares them for OCR and feature
// extraction.
package imageproc

import (
	"errors"
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// ROI is a region of interest expressed as fractions of the frame size.
type ROI struct {
	Top    float64
	Left   float64
	Width  float64
	Height float64
}

// DefaultROI covers the name band along the top edge of the card.
var DefaultROI = ROI{Top: 0, Left: 0, Width: 1, Height: 0.18}

// LowerThird covers the bottom of the card where the collector number is printed.
var LowerThird = ROI{Top: 2.0 / 3.0, Left: 0, Width: 1, Height: 1.0 / 3.0}

// FullFrame covers the whole frame.
var FullFrame = ROI{Top: 0, Left: 0, Width: 1, Height: 1}

// Validate checks that every fraction lies within [0,1].
func (r ROI) Validate() error {
	for name, v := range map[string]float64{"top": r.Top, "left": r.Left, "width": r.Width, "height": r.Height} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("roi %s must be between 0 and 1, got %v", name, v)
		}
	}
	return nil
}

// Rect converts the fractions to a pixel rectangle for a w×h frame. The result
// always lies within the frame and is at least 1×1 when w and h are positive.
func (r ROI) Rect(w, h int) image.Rectangle {
	if w <= 0 || h <= 0 {
		return image.Rectangle{}
	}
	x0, x1 := span(r.Left, r.Width, w)
	y0, y1 := span(r.Top, r.Height, h)
	return image.Rect(x0, y0, x1, y1)
}

func span(offset, extent float64, size int) (int, int) {
	start := int(math.Floor(clamp01(offset) * float64(size)))
	if start > size-1 {
		start = size - 1
	}
	length := int(math.Round(clamp01(extent) * float64(size)))
	if length < 1 {
		length = 1
	}
	return start, min(start+length, size)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ExtractROI returns an owned copy of the roi region of img. The caller must
// close the result.
func ExtractROI(img gocv.Mat, roi ROI) (gocv.Mat, error) {
	if img.Empty() {
		return gocv.NewMat(), errors.New("extract roi: empty frame")
	}
	rect := roi.Rect(img.Cols(), img.Rows())
	region := img.Region(rect)
	defer region.Close()
	return region.Clone(), nil
}
