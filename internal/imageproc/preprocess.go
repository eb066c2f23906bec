package imageproc

import (
	"errors"
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// OCROptions tunes the white-text binarization.
type OCROptions struct {
	// SatMax and ValMin select "white" pixels in HSV space.
	SatMax float64
	ValMin float64
	// ClipLimit and TileSize configure CLAHE on the lightness channel.
	ClipLimit float64
	TileSize  int
	// BlockSize must be odd. C is subtracted from the local mean; it is
	// negative so a dark background stays dark.
	BlockSize int
	C         float32
	// Upscale enlarges small crops before thresholding. Values <= 1 disable it.
	Upscale      float64
	MaxDimension int
}

// DefaultOCROptions returns the tuning used for card title text.
func DefaultOCROptions() OCROptions {
	return OCROptions{
		SatMax:       60,
		ValMin:       170,
		ClipLimit:    2.0,
		TileSize:     8,
		BlockSize:    15,
		C:            -8,
		Upscale:      1.5,
		MaxDimension: 2048,
	}
}

var errDegenerate = errors.New("degenerate region")

// PreprocessForOCR turns a BGR crop into a binary image with dark text on a
// light background. Card names are printed white on colored banners, so only
// low-saturation, high-value pixels survive.
//
// On any failure it returns a clone of region together with the error, and
// OCR proceeds on the raw pixels.
func PreprocessForOCR(region gocv.Mat, opts OCROptions) (out gocv.Mat, err error) {
	if region.Empty() || region.Rows() < 2 || region.Cols() < 2 {
		return region.Clone(), fmt.Errorf("preprocess for ocr: %w", errDegenerate)
	}
	if ch := region.Channels(); ch != 3 {
		return region.Clone(), fmt.Errorf("preprocess for ocr: unsupported channel count %d", ch)
	}
	if opts.BlockSize < 3 || opts.BlockSize%2 == 0 {
		return region.Clone(), fmt.Errorf("preprocess for ocr: block size %d must be odd and >= 3", opts.BlockSize)
	}

	defer func() {
		if r := recover(); r != nil {
			out = region.Clone()
			err = fmt.Errorf("preprocess for ocr: %v", r)
		}
	}()

	src := upscale(region, opts.Upscale, opts.MaxDimension)
	defer src.Close()

	mask := whiteMask(src, opts.SatMax, opts.ValMin)
	defer mask.Close()

	lightness := enhancedLightness(src, opts.ClipLimit, opts.TileSize)
	defer lightness.Close()

	masked := gocv.NewMat()
	defer masked.Close()
	gocv.BitwiseAnd(lightness, mask, &masked)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(masked, &blurred, image.Pt(3, 3), 0, 0, gocv.BorderDefault)

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.AdaptiveThreshold(blurred, &binary, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinary, opts.BlockSize, opts.C)

	// Closing runs while strokes are still white so it thickens them.
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(2, 2))
	defer kernel.Close()
	closed := gocv.NewMat()
	defer closed.Close()
	gocv.MorphologyEx(binary, &closed, gocv.MorphClose, kernel)

	out = gocv.NewMat()
	gocv.BitwiseNot(closed, &out)
	if out.Empty() {
		out.Close()
		return region.Clone(), errors.New("preprocess for ocr: empty result")
	}
	return out, nil
}

// whiteMask is 255 where saturation <= satMax and value >= valMin.
func whiteMask(src gocv.Mat, satMax, valMin float64) gocv.Mat {
	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(src, &hsv, gocv.ColorBGRToHSV)

	channels := gocv.Split(hsv)
	defer closeAll(channels)

	lowSat := gocv.NewMat()
	defer lowSat.Close()
	gocv.Threshold(channels[1], &lowSat, float32(satMax), 255, gocv.ThresholdBinaryInv)

	highVal := gocv.NewMat()
	defer highVal.Close()
	gocv.Threshold(channels[2], &highVal, float32(valMin-1), 255, gocv.ThresholdBinary)

	mask := gocv.NewMat()
	gocv.BitwiseAnd(lowSat, highVal, &mask)
	return mask
}

// enhancedLightness applies CLAHE to the L channel of the Lab conversion.
func enhancedLightness(src gocv.Mat, clipLimit float64, tile int) gocv.Mat {
	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(src, &lab, gocv.ColorBGRToLab)

	channels := gocv.Split(lab)
	defer closeAll(channels)

	if tile < 1 {
		tile = 8
	}
	clahe := gocv.NewCLAHEWithParams(clipLimit, image.Pt(tile, tile))
	defer clahe.Close()

	enhanced := gocv.NewMat()
	clahe.Apply(channels[0], &enhanced)
	return enhanced
}

// upscale enlarges src by factor, capped so neither side exceeds maxDimension.
// It always returns a new Mat.
func upscale(src gocv.Mat, factor float64, maxDimension int) gocv.Mat {
	if factor <= 1 {
		return src.Clone()
	}
	w, h := src.Cols(), src.Rows()
	if maxDimension > 0 {
		limit := math.Min(float64(maxDimension)/float64(w), float64(maxDimension)/float64(h))
		factor = math.Min(factor, limit)
	}
	if factor <= 1 {
		return src.Clone()
	}
	resized := gocv.NewMat()
	size := image.Pt(int(float64(w)*factor), int(float64(h)*factor))
	gocv.Resize(src, &resized, size, 0, 0, gocv.InterpolationLinear)
	return resized
}

// PreprocessForFeatures converts img to grayscale and scales it by scale.
func PreprocessForFeatures(img gocv.Mat, scale float64) (gocv.Mat, error) {
	if img.Empty() {
		return gocv.NewMat(), fmt.Errorf("preprocess for features: %w", errDegenerate)
	}
	if scale <= 0 || scale > 1 {
		return gocv.NewMat(), fmt.Errorf("preprocess for features: scale %v out of range", scale)
	}

	gray := gocv.NewMat()
	switch img.Channels() {
	case 1:
		img.CopyTo(&gray)
	case 3:
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	case 4:
		gocv.CvtColor(img, &gray, gocv.ColorBGRAToGray)
	default:
		gray.Close()
		return gocv.NewMat(), fmt.Errorf("preprocess for features: unsupported channel count %d", img.Channels())
	}
	if scale == 1 {
		return gray, nil
	}
	defer gray.Close()

	w := max(1, int(math.Round(float64(gray.Cols())*scale)))
	h := max(1, int(math.Round(float64(gray.Rows())*scale)))
	scaled := gocv.NewMat()
	gocv.Resize(gray, &scaled, image.Pt(w, h), 0, 0, gocv.InterpolationArea)
	return scaled, nil
}

func closeAll(mats []gocv.Mat) {
	for i := range mats {
		mats[i].Close()
	}
}
