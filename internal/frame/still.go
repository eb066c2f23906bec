package frame

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"

	"github.com/clalos/cardscan/internal/scanerr"
)

// StillSource serves the same image on every Read. It backs single-shot
// identification of photos and is the frame source used in tests.
type StillSource struct {
	path string
	img  image.Image

	mu         sync.Mutex
	mat        gocv.Mat
	open       bool
	frameIndex atomic.Int64
}

// NewStillSource returns a source that loads path on Open. EXIF orientation
// is applied so phone photos are upright.
func NewStillSource(path string) *StillSource {
	return &StillSource{path: path}
}

// NewImageSource returns a source backed by an in-memory image.
func NewImageSource(img image.Image) *StillSource {
	return &StillSource{img: img}
}

// Open decodes the image into a BGR matrix.
func (s *StillSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return scanerr.Wrap(scanerr.ErrCameraAccess, "still", "open", "source already open", nil)
	}

	img := s.img
	if img == nil {
		decoded, err := imaging.Open(s.path, imaging.AutoOrientation(true))
		if err != nil {
			return scanerr.Wrap(scanerr.ErrCameraAccess, "still", "open", s.path, err)
		}
		img = decoded
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return scanerr.Wrap(scanerr.ErrCameraAccess, "still", "convert", "", err)
	}
	if mat.Empty() {
		mat.Close()
		return scanerr.Wrap(scanerr.ErrCameraAccess, "still", "convert", "empty image", nil)
	}
	s.mat = mat
	s.open = true
	return nil
}

// Read returns a fresh clone of the image.
func (s *StillSource) Read(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return Frame{}, errors.New("still source is not open")
	}
	return Frame{
		Image:     s.mat.Clone(),
		Index:     s.frameIndex.Add(1),
		Timestamp: time.Now(),
	}, nil
}

// Close releases the decoded matrix.
func (s *StillSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	return s.mat.Close()
}
