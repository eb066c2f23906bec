package ocr

import (
	"context"
	"log/slog"
	"strings"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"

	"github.com/clalos/cardscan/internal/imageproc"
	"github.com/clalos/cardscan/internal/scanerr"
)

// Source identifies which recognition tier produced a Reading.
type Source string

const (
	SourceROI       Source = "roi"
	SourceFullFrame Source = "full_frame"
)

// Reading is the text recognized from one frame.
type Reading struct {
	Name   string
	Number string
	// Confidence is the mean word confidence (0-100); nil when no words were found.
	Confidence *float64
	Source     Source
	Text       string
}

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	NameWhitelist   string
	NumberWhitelist string
	// MinTextLength is the ROI text length below which the full frame is read.
	MinTextLength int
	Preprocess    imageproc.OCROptions
}

// Reader reads the card name and collector number from a frame. It reads the
// configured ROI first and falls back to the whole frame when the ROI yields
// too little text.
type Reader struct {
	rec    Recognizer
	opts   ReaderOptions
	logger *slog.Logger
}

// NewReader returns a Reader that recognizes text with rec.
func NewReader(rec Recognizer, opts ReaderOptions, logger *slog.Logger) *Reader {
	if opts.MinTextLength <= 0 {
		opts.MinTextLength = 3
	}
	if opts.Preprocess.BlockSize == 0 {
		opts.Preprocess = imageproc.DefaultOCROptions()
	}
	return &Reader{rec: rec, opts: opts, logger: logger.With("component", "ocr_reader")}
}

// Load loads the underlying recognizer.
func (r *Reader) Load(ctx context.Context) error { return r.rec.Load(ctx) }

// Ready reports whether the underlying recognizer is loaded.
func (r *Reader) Ready() bool { return r.rec.Ready() }

// Read recognizes the card in img. It returns an error marked
// scanerr.ErrRecognitionEmpty when no name could be read.
func (r *Reader) Read(ctx context.Context, img gocv.Mat, roi imageproc.ROI) (Reading, error) {
	region, err := imageproc.ExtractROI(img, roi)
	if err != nil {
		region.Close()
		return Reading{}, scanerr.Wrap(scanerr.ErrRecognitionEmpty, "ocr", "extract roi", "", err)
	}
	res, err := r.recognize(ctx, region, Options{Whitelist: r.opts.NameWhitelist, Mode: gosseract.PSM_SINGLE_BLOCK})
	region.Close()
	if err != nil {
		if ctx.Err() != nil {
			return Reading{}, ctx.Err()
		}
		r.logger.Debug("roi recognition failed, reading full frame", "error", err)
	}

	if len([]rune(strings.TrimSpace(res.Text))) < r.opts.MinTextLength {
		return r.readFullFrame(ctx, img)
	}

	reading := Reading{
		Name:       FirstLine(res.Text, r.opts.MinTextLength),
		Confidence: AverageConfidence(res.Words),
		Source:     SourceROI,
		Text:       res.Text,
	}
	reading.Number = r.readNumber(ctx, img)
	return reading, nil
}

func (r *Reader) readFullFrame(ctx context.Context, img gocv.Mat) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	res, err := r.recognize(ctx, img, Options{Mode: gosseract.PSM_AUTO})
	if err != nil {
		return Reading{}, scanerr.Wrap(scanerr.ErrRecognitionEmpty, "ocr", "full frame", "", err)
	}

	lines := res.Lines
	if len(lines) == 0 {
		lines = LinesFromText(res.Text)
	}
	reading := Reading{
		Name:       NameFromLines(lines, res.Height),
		Number:     CollectorNumber(res.Text),
		Confidence: AverageConfidence(res.Words),
		Source:     SourceFullFrame,
		Text:       res.Text,
	}
	if reading.Name == "" {
		return reading, scanerr.Wrap(scanerr.ErrRecognitionEmpty, "ocr", "full frame", "no text", nil)
	}
	return reading, nil
}

// readNumber reads the collector number from the lower third of the card.
// Failures are not errors: the number only boosts ranking.
func (r *Reader) readNumber(ctx context.Context, img gocv.Mat) string {
	if ctx.Err() != nil {
		return ""
	}
	region, err := imageproc.ExtractROI(img, imageproc.LowerThird)
	defer region.Close()
	if err != nil {
		return ""
	}
	res, err := r.recognize(ctx, region, Options{Whitelist: r.opts.NumberWhitelist, Mode: gosseract.PSM_SPARSE_TEXT})
	if err != nil {
		r.logger.Debug("collector number recognition failed", "error", err)
		return ""
	}
	return CollectorNumber(res.Text)
}

func (r *Reader) recognize(ctx context.Context, src gocv.Mat, opts Options) (Result, error) {
	prepared, err := imageproc.PreprocessForOCR(src, r.opts.Preprocess)
	defer prepared.Close()
	if err != nil {
		r.logger.Debug("preprocessing failed, using raw crop", "error", err)
	}
	return r.rec.Recognize(ctx, prepared, opts)
}
