// Package frame supplies timestamped frames to the scan pipeline, either from a
// live capture device or from a still image on disk.
package frame

import (
	"time"

	"gocv.io/x/gocv"
)

// Frame is a single captured image plus tracking metadata. The consumer owns
// Image and must call Close once the pass that uses it is done.
type Frame struct {
	// Image holds the BGR pixels.
	Image gocv.Mat

	// Index is a monotonically increasing counter starting from 1.
	Index int64

	// Timestamp records when the frame was read from the device.
	Timestamp time.Time
}

// Width returns the frame width in pixels.
func (f Frame) Width() int { return f.Image.Cols() }

// Height returns the frame height in pixels.
func (f Frame) Height() int { return f.Image.Rows() }

// Close releases the pixel buffer.
func (f Frame) Close() error {
	return f.Image.Close()
}
