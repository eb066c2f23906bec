// Package visual scores candidates by matching ORB keypoint descriptors of
// the live frame against each candidate's reference image.
package visual

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gocv.io/x/gocv"

	"github.com/clalos/cardscan/internal/imageproc"
)

// Descriptors is a detached copy of an ORB descriptor matrix, one 32-byte
// row per keypoint.
type Descriptors struct {
	Rows int
	Cols int
	Data []byte
}

// Empty reports whether no keypoints were found.
func (d Descriptors) Empty() bool {
	return d.Rows == 0 || d.Cols == 0 || len(d.Data) < d.Rows*d.Cols
}

func (d Descriptors) mat() (gocv.Mat, error) {
	return gocv.NewMatFromBytes(d.Rows, d.Cols, gocv.MatTypeCV8U, d.Data)
}

// Extractor computes descriptors and counts good matches between them.
type Extractor interface {
	Extract(img gocv.Mat) (Descriptors, error)
	GoodMatches(scene, ref Descriptors) (int, error)
}

// ORB extracts ORB descriptors from a grayscale downscaled image and matches
// them with a brute-force Hamming matcher. ORB detectors are not safe for
// concurrent use so extraction is serialized.
type ORB struct {
	mu     sync.Mutex
	orb    gocv.ORB
	closed bool
	scale  float64
	ratio  float64
}

var errExtractorClosed = errors.New("orb extractor is closed")

var _ Extractor = (*ORB)(nil)

// NewORB creates an ORB extractor. scale is the linear downscale applied
// before detection and ratio the nearest-neighbour ratio test threshold.
func NewORB(scale, ratio float64) *ORB {
	if scale <= 0 || scale > 1 {
		scale = 0.75
	}
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.75
	}
	return &ORB{orb: gocv.NewORB(), scale: scale, ratio: ratio}
}

// Extract returns the descriptors of img.
func (o *ORB) Extract(img gocv.Mat) (Descriptors, error) {
	gray, err := imageproc.PreprocessForFeatures(img, o.scale)
	if err != nil {
		gray.Close()
		return Descriptors{}, err
	}
	defer gray.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Descriptors{}, errExtractorClosed
	}
	_, desc := o.orb.DetectAndCompute(gray, mask)
	o.mu.Unlock()
	defer desc.Close()

	if desc.Empty() {
		return Descriptors{}, nil
	}
	return Descriptors{Rows: desc.Rows(), Cols: desc.Cols(), Data: desc.ToBytes()}, nil
}

// GoodMatches counts scene descriptors whose nearest reference neighbour
// passes the ratio test.
func (o *ORB) GoodMatches(scene, ref Descriptors) (int, error) {
	if scene.Empty() || ref.Empty() {
		return 0, nil
	}
	sm, err := scene.mat()
	if err != nil {
		return 0, fmt.Errorf("scene descriptors: %w", err)
	}
	defer sm.Close()
	rm, err := ref.mat()
	if err != nil {
		return 0, fmt.Errorf("reference descriptors: %w", err)
	}
	defer rm.Close()

	bf := gocv.NewBFMatcherWithParams(gocv.NormHamming, false)
	defer bf.Close()
	return CountGoodMatches(bf.KnnMatch(sm, rm, 2), o.ratio), nil
}

// Close releases the ORB detector. Extract fails after Close.
func (o *ORB) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return o.orb.Close()
}

// CountGoodMatches applies the ratio test to k=2 nearest-neighbour matches.
// Pairs with fewer than two neighbours are ignored.
func CountGoodMatches(matches [][]gocv.DMatch, ratio float64) int {
	good := 0
	for _, pair := range matches {
		if len(pair) < 2 {
			continue
		}
		if pair[0].Distance < ratio*pair[1].Distance {
			good++
		}
	}
	return good
}

// NormalizeScore maps a good-match count to [0,1], saturating at strong.
func NormalizeScore(good, strong int) float64 {
	if good <= 0 || strong <= 0 {
		return 0
	}
	return math.Min(float64(good)/float64(strong), 1)
}
