package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clalos/cardscan/internal/catalog"
	"github.com/clalos/cardscan/internal/fusion"
	"github.com/clalos/cardscan/internal/ocr"
	"github.com/clalos/cardscan/internal/ranking"
	"github.com/clalos/cardscan/internal/scanerr"
)

const (
	msgNoText       = "No text detected. Hold card steady with name near top edge."
	msgSearchFailed = "Search failed. Retrying..."
	msgNoMatch      = "No match found."
	msgCaptureFail  = "Could not read a frame from the camera."
	msgDetailFailed = "Matched, but failed to fetch details."
)

// Report describes one pass.
type Report struct {
	Outcome Outcome
	Reading ocr.Reading
	// Candidates are the ranked candidates after fusion.
	Candidates []ranking.Scored
	// Visual reports whether image scores contributed to fusion.
	Visual   bool
	Match    *MatchResult
	Message  string
	Err      error
	Duration time.Duration
}

// pass runs the pipeline once for generation gen. The session context is
// checked before every step; network calls run on a detached context so a
// pause never leaves a half-finished request, and their results are dropped
// if the generation has moved on.
func (c *Controller) pass(ctx context.Context, gen uint64) (report Report) {
	start := c.now()
	c.mu.Lock()
	roi := c.roi
	filter := c.filter
	lastQuery := c.lastQuery
	logger := c.logger.With("session", c.sessionID)
	c.mu.Unlock()

	defer func() {
		report.Duration = c.now().Sub(start)
		logger.Debug("scan pass finished",
			"outcome", report.Outcome,
			"name", report.Reading.Name,
			"number", report.Reading.Number,
			"candidates", len(report.Candidates),
			"visual", report.Visual,
			"duration", report.Duration)
	}()

	if ctx.Err() != nil {
		return Report{Outcome: OutcomeDiscarded, Err: ctx.Err()}
	}
	f, err := c.deps.Source.Read(ctx)
	if err != nil {
		if ctx.Err() != nil || !c.current(gen) {
			return Report{Outcome: OutcomeDiscarded, Err: err}
		}
		if scanerr.IsFatal(err) {
			_ = c.fail(err)
			return Report{Outcome: OutcomeCaptureFailed, Err: err, Message: statusForFatal(err)}
		}
		logger.Warn("frame capture failed", "error", err)
		return c.publish(gen, Report{Outcome: OutcomeCaptureFailed, Err: err, Message: msgCaptureFail}, nil, false)
	}
	defer f.Close()

	if ctx.Err() != nil {
		return Report{Outcome: OutcomeDiscarded, Err: ctx.Err()}
	}
	reading, err := c.deps.Reader.Read(ctx, f.Image, roi)
	report.Reading = reading
	if err != nil {
		if ctx.Err() != nil {
			return Report{Outcome: OutcomeDiscarded, Reading: reading, Err: ctx.Err()}
		}
		if !errors.Is(err, scanerr.ErrRecognitionEmpty) {
			logger.Warn("text recognition failed", "error", err)
		}
		return c.publish(gen, Report{Outcome: OutcomeNoText, Reading: reading, Err: err, Message: msgNoText}, reading.Confidence, true)
	}

	key := ocr.Normalize(reading.Name)
	if key == "" {
		return c.publish(gen, Report{Outcome: OutcomeNoText, Reading: reading, Message: msgNoText}, reading.Confidence, true)
	}
	if key == lastQuery {
		msg := "Detected: " + detectedLabel(reading)
		return c.publish(gen, Report{Outcome: OutcomeDetected, Reading: reading, Message: msg}, reading.Confidence, true)
	}
	c.setMessage(gen, "Detected: "+detectedLabel(reading)+" - searching...", reading.Confidence)

	if ctx.Err() != nil {
		return Report{Outcome: OutcomeDiscarded, Reading: reading, Err: ctx.Err()}
	}
	netCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RequestTimeout)
	records, err := c.deps.Catalog.Search(netCtx, catalog.Query{
		Text:      reading.Name,
		Limit:     c.opts.Limit,
		Condition: filter.Condition,
		Printing:  filter.Printing,
	})
	cancel()
	if err != nil {
		logger.Warn("catalog search failed", "query", reading.Name, "error", err)
		return c.publish(gen, Report{Outcome: OutcomeSearchFailed, Reading: reading, Err: err, Message: msgSearchFailed}, reading.Confidence, true)
	}
	c.rememberQuery(gen, key)

	ranked := c.deps.Ranker.Rank(reading.Name, reading.Number, records)
	report = Report{Reading: reading, Candidates: ranked}
	if len(ranked) == 0 {
		report.Outcome = OutcomeNoMatch
		report.Err = scanerr.Wrap(scanerr.ErrNoMatch, "scan", "rank", fmt.Sprintf("%d candidates", len(records)), nil)
		report.Message = msgNoMatch
		return c.publish(gen, report, reading.Confidence, true)
	}

	if ctx.Err() != nil {
		return Report{Outcome: OutcomeDiscarded, Reading: reading, Err: ctx.Err()}
	}
	if c.deps.Visual != nil && c.deps.Visual.Ready() {
		report.Visual = c.deps.Visual.Score(context.WithoutCancel(ctx), f.Image, ranked)
	}
	fusion.Fuse(ranked, c.opts.Fusion, report.Visual)
	best, _ := fusion.Select(ranked)
	record := best.Record

	message := ""
	if c.opts.RefreshDetails && !record.HasPricedVariant() && ctx.Err() == nil {
		netCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RequestTimeout)
		detailed, err := c.deps.Catalog.Lookup(netCtx, record.ID, filter)
		cancel()
		switch {
		case err != nil || detailed == nil:
			logger.Warn("detail refresh failed", "card_id", record.ID, "error", err)
			message = msgDetailFailed
		default:
			record = *detailed
		}
	}

	match := &MatchResult{
		Record:     record,
		Price:      catalog.ResolvePrice(record.Variants, filter),
		TextScore:  best.TextScore,
		ImageScore: best.ImageScore,
		FinalScore: best.FinalScore,
		CapturedAt: f.Timestamp,
	}
	if message == "" {
		message = matchedMessage(match)
	}
	report.Outcome = OutcomeMatched
	report.Match = match
	report.Message = message
	return c.publish(gen, report, reading.Confidence, true)
}

// current reports whether gen is still the live generation.
func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation
}

func (c *Controller) rememberQuery(gen uint64, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.generation {
		c.lastQuery = key
	}
}

func (c *Controller) setMessage(gen uint64, message string, confidence *float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	c.confidence = confidence
	c.setMessageLocked(message)
}

// publish applies report to the controller state if gen is still live.
// Otherwise the report is returned as discarded.
func (c *Controller) publish(gen uint64, report Report, confidence *float64, setConfidence bool) Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		report.Outcome = OutcomeDiscarded
		report.Match = nil
		return report
	}
	if setConfidence {
		c.confidence = confidence
	}
	if report.Match != nil {
		c.lastMatch = report.Match
	}
	c.setMessageLocked(report.Message)
	return report
}

func detectedLabel(r ocr.Reading) string {
	conf := "?"
	if r.Confidence != nil {
		conf = fmt.Sprintf("%.0f", *r.Confidence)
	}
	return fmt.Sprintf("%q (%s%%)", r.Name, conf)
}

func matchedMessage(m *MatchResult) string {
	var b strings.Builder
	b.WriteString("Matched: ")
	b.WriteString(m.Record.Name)
	if m.Price != nil && m.Price.Price != nil {
		fmt.Fprintf(&b, " (%.2f)", *m.Price.Price)
	}
	return b.String()
}
