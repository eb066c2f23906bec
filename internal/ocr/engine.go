// Package ocr wraps Tesseract for card text recognition and extracts the card
// name and collector number from the recognized text.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"

	"github.com/clalos/cardscan/internal/scanerr"
)

// Options controls a single recognition call.
type Options struct {
	// Whitelist restricts recognized characters. Empty allows everything.
	Whitelist string
	Mode      gosseract.PageSegMode
}

// Token is a recognized word or line with its confidence (0-100) and position
// in the recognized image.
type Token struct {
	Text       string
	Confidence float64
	Bounds     image.Rectangle
}

// Result is the output of one recognition call.
type Result struct {
	Text   string
	Words  []Token
	Lines  []Token
	Width  int
	Height int
}

// Recognizer is a lazily loaded text recognition engine.
type Recognizer interface {
	Load(ctx context.Context) error
	Ready() bool
	Recognize(ctx context.Context, img gocv.Mat, opts Options) (Result, error)
}

var errNotLoaded = errors.New("ocr engine not loaded")

// Engine is a Recognizer backed by a single Tesseract client. Calls are
// serialized because the client is not safe for concurrent use.
type Engine struct {
	language string
	logger   *slog.Logger

	mu     sync.Mutex
	client *gosseract.Client
	ready  atomic.Bool

	recognitions atomic.Int64
	failures     atomic.Int64
}

var _ Recognizer = (*Engine)(nil)

// NewEngine returns an unloaded engine for the given Tesseract language codes
// ("eng", "eng+fra").
func NewEngine(language string, logger *slog.Logger) *Engine {
	if language == "" {
		language = "eng"
	}
	return &Engine{
		language: language,
		logger:   logger.With("component", "ocr"),
	}
}

// Load creates the Tesseract client. It is idempotent; a failed load may be
// retried.
func (e *Engine) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}

	client := gosseract.NewClient()
	if err := client.SetLanguage(strings.Split(e.language, "+")...); err != nil {
		client.Close()
		return scanerr.Wrap(scanerr.ErrEngineLoad, "ocr", "load", "set language "+e.language, err)
	}
	// Card names are mostly proper nouns, so the frequency dictionary hurts more than it helps.
	_ = client.SetVariable("load_freq_dawg", "false")

	// Language data is only read on the first recognition, so force it now
	// to surface missing traineddata as a load failure.
	if err := warmUp(client); err != nil {
		client.Close()
		return scanerr.Wrap(scanerr.ErrEngineLoad, "ocr", "load", "initialize tesseract", err)
	}

	e.client = client
	e.ready.Store(true)
	e.logger.Info("ocr engine loaded", "language", e.language, "tesseract_version", gosseract.Version())
	return nil
}

func warmUp(client *gosseract.Client) error {
	blank := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8U)
	defer blank.Close()
	blank.SetTo(gocv.NewScalar(255, 0, 0, 0))

	buf, err := gocv.IMEncode(gocv.PNGFileExt, blank)
	if err != nil {
		return err
	}
	defer buf.Close()
	if err := client.SetImageFromBytes(buf.GetBytes()); err != nil {
		return err
	}
	_, err = client.Text()
	return err
}

// Ready reports whether Load has succeeded.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Recognize runs OCR on img and returns the text with word and line tokens.
func (e *Engine) Recognize(ctx context.Context, img gocv.Mat, opts Options) (Result, error) {
	if img.Empty() {
		return Result{}, errors.New("recognize: empty image")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	buf, err := gocv.IMEncode(gocv.PNGFileExt, img)
	if err != nil {
		e.failures.Add(1)
		return Result{}, fmt.Errorf("encode image: %w", err)
	}
	defer buf.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return Result{}, errNotLoaded
	}
	e.recognitions.Add(1)

	mode := opts.Mode
	if mode == 0 {
		mode = gosseract.PSM_AUTO
	}
	if err := e.client.SetPageSegMode(mode); err != nil {
		e.failures.Add(1)
		return Result{}, fmt.Errorf("set page segmentation mode: %w", err)
	}
	// Some Tesseract builds reject an empty whitelist; that just leaves it unrestricted.
	_ = e.client.SetWhitelist(opts.Whitelist)

	if err := e.client.SetImageFromBytes(buf.GetBytes()); err != nil {
		e.failures.Add(1)
		return Result{}, fmt.Errorf("set ocr image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	text, err := e.client.Text()
	if err != nil {
		e.failures.Add(1)
		return Result{}, fmt.Errorf("extract text: %w", err)
	}

	result := Result{
		Text:   strings.TrimSpace(text),
		Width:  img.Cols(),
		Height: img.Rows(),
	}

	words, err := e.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		e.logger.Debug("word boxes unavailable", "error", err)
	} else {
		result.Words = tokens(words)
	}
	lines, err := e.client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		e.logger.Debug("line boxes unavailable", "error", err)
	} else {
		result.Lines = tokens(lines)
	}
	return result, nil
}

func tokens(boxes []gosseract.BoundingBox) []Token {
	out := make([]Token, 0, len(boxes))
	for _, box := range boxes {
		text := strings.TrimSpace(box.Word)
		if text == "" {
			continue
		}
		out = append(out, Token{Text: text, Confidence: box.Confidence, Bounds: box.Box})
	}
	return out
}

// Stats returns the number of recognition calls and how many failed.
func (e *Engine) Stats() (recognitions, failures int64) {
	return e.recognitions.Load(), e.failures.Load()
}

// Close releases the Tesseract client.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready.Store(false)
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}
