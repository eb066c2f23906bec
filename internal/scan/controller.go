// Package scan runs the identification pipeline as a throttled, cancellable
// loop and exposes its state and latest match to callers.
package scan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/clalos/cardscan/internal/catalog"
	"github.com/clalos/cardscan/internal/frame"
	"github.com/clalos/cardscan/internal/fusion"
	"github.com/clalos/cardscan/internal/imageproc"
	"github.com/clalos/cardscan/internal/ocr"
	"github.com/clalos/cardscan/internal/ranking"
	"github.com/clalos/cardscan/internal/scanerr"
)

var (
	// ErrBusy is returned by ScanOnce while another pass is running.
	ErrBusy = errors.New("a scan pass is already in flight")

	errStartInProgress    = errors.New("scan session is already starting")
	errStoppedDuringStart = errors.New("scan session stopped while starting")
)

// FrameSource supplies frames. Open and Close bracket exclusive use of the
// underlying device.
type FrameSource interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (frame.Frame, error)
	Close() error
}

// TextReader recognizes the card name and number in a frame.
type TextReader interface {
	Load(ctx context.Context) error
	Ready() bool
	Read(ctx context.Context, img gocv.Mat, roi imageproc.ROI) (ocr.Reading, error)
}

// VisualScorer sets ImageScore on candidates and reports whether any visual
// signal was produced.
type VisualScorer interface {
	Load(ctx context.Context) error
	Ready() bool
	Score(ctx context.Context, scene gocv.Mat, cands []ranking.Scored) bool
}

// Deps are the pipeline stages. Visual may be nil to disable visual matching.
type Deps struct {
	Source  FrameSource
	Reader  TextReader
	Catalog catalog.Retriever
	Ranker  *ranking.Ranker
	Visual  VisualScorer
}

// Options configures a Controller.
type Options struct {
	Interval time.Duration
	// Cooldown is the minimum time between pass starts. Zero disables it.
	Cooldown       time.Duration
	ROI            imageproc.ROI
	Filter         catalog.Filter
	Limit          int
	Fusion         fusion.Weights
	RequestTimeout time.Duration
	// RefreshDetails re-fetches the chosen card by id when the search result
	// carries no priced variant.
	RefreshDetails  bool
	MetricsInterval time.Duration
}

// MatchResult is the card chosen by a pass.
type MatchResult struct {
	Record catalog.Record
	// Price is the cheapest variant matching the filters; nil when none match.
	Price      *catalog.Variant
	TextScore  float64
	ImageScore float64
	FinalScore float64
	CapturedAt time.Time
}

// Snapshot is the observable state of a controller.
type Snapshot struct {
	State     State
	Message   string
	LastMatch *MatchResult
	// Confidence is the mean OCR confidence of the latest pass, if any.
	Confidence *float64
	SessionID  string
	UpdatedAt  time.Time
}

// Controller owns one scan session at a time.
type Controller struct {
	deps    Deps
	opts    Options
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
	// passes counts passes between beginPass and endPass.
	passes sync.WaitGroup

	mu         sync.Mutex
	state      State
	message    string
	lastMatch  *MatchResult
	confidence *float64
	sessionID  string
	updatedAt  time.Time
	roi        imageproc.ROI
	filter     catalog.Filter
	lastQuery  string
	generation uint64
	inFlight   bool
	lastStart  time.Time
	sourceOpen bool
	cancel     context.CancelFunc
	subs       map[int]chan Snapshot
	nextSub    int
}

// New returns an idle controller.
func New(deps Deps, opts Options, logger *slog.Logger) *Controller {
	if opts.Interval <= 0 {
		opts.Interval = 400 * time.Millisecond
	}
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if opts.ROI == (imageproc.ROI{}) {
		opts.ROI = imageproc.DefaultROI
	}
	if opts.Limit <= 0 {
		opts.Limit = 12
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = 30 * time.Second
	}
	return &Controller{
		deps:    deps,
		opts:    opts,
		logger:  logger.With("component", "scan"),
		metrics: &Metrics{},
		now:     time.Now,
		state:   StateIdle,
		message: "Idle",
		roi:     opts.ROI,
		filter:  opts.Filter,
		subs:    map[int]chan Snapshot{},
	}
}

// ConfigureROI sets the region read on subsequent passes.
func (c *Controller) ConfigureROI(roi imageproc.ROI) error {
	if err := roi.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.roi = roi
	c.mu.Unlock()
	return nil
}

// SetFilters sets the condition and printing used to pick the reported price.
// Changing filters clears the debounce so the current card is searched again.
func (c *Controller) SetFilters(condition, printing string) {
	c.mu.Lock()
	c.filter = catalog.Filter{Condition: condition, Printing: printing}
	c.lastQuery = ""
	c.mu.Unlock()
}

// Metrics returns the controller's counters.
func (c *Controller) Metrics() MetricsSnapshot { return c.metrics.Snapshot() }

// Start loads the engines, opens the frame source and begins scanning. It
// resumes a paused session. Engine and camera failures move the controller
// to StateError and are returned.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateScanning:
		c.mu.Unlock()
		return nil
	case StateEnginesLoading:
		c.mu.Unlock()
		return errStartInProgress
	case StateIdle, StateError:
		c.sessionID = uuid.NewString()
		c.lastQuery = ""
	}
	c.mu.Unlock()

	if err := c.prepare(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateCameraReady {
		c.mu.Unlock()
		return errStoppedDuringStart
	}
	c.generation++
	gen := c.generation
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.lastStart = time.Time{}
	sessionID := c.sessionID
	c.setStateLocked(StateScanning, "Scanning")
	c.mu.Unlock()

	c.logger.Info("scan session started",
		"session", sessionID,
		"interval", c.opts.Interval,
		"cooldown", c.opts.Cooldown,
		"visual", c.deps.Visual != nil)

	go c.run(loopCtx, gen)
	go c.reportMetrics(loopCtx, sessionID)
	return nil
}

// prepare brings the controller to StateCameraReady.
func (c *Controller) prepare(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateCameraReady && c.sourceOpen {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateEnginesLoading {
		c.mu.Unlock()
		return errStartInProgress
	}
	if c.sessionID == "" {
		c.sessionID = uuid.NewString()
	}
	c.setStateLocked(StateEnginesLoading, "Loading OCR engine...")
	c.mu.Unlock()

	if !c.deps.Reader.Ready() {
		if err := c.deps.Reader.Load(ctx); err != nil {
			return c.fail(markFatal(scanerr.ErrEngineLoad, "load ocr", err))
		}
	}
	if c.deps.Visual != nil && !c.deps.Visual.Ready() {
		if err := c.deps.Visual.Load(ctx); err != nil {
			return c.fail(markFatal(scanerr.ErrEngineLoad, "load visual", err))
		}
	}

	c.mu.Lock()
	open := c.sourceOpen
	c.mu.Unlock()
	if !open {
		if err := c.deps.Source.Open(ctx); err != nil {
			return c.fail(markFatal(scanerr.ErrCameraAccess, "open source", err))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEnginesLoading {
		// Stopped while loading.
		if !open {
			if err := c.deps.Source.Close(); err != nil {
				c.logger.Warn("failed to release frame source", "error", err)
			}
		}
		return errStoppedDuringStart
	}
	c.sourceOpen = true
	c.setStateLocked(StateCameraReady, "Camera ready")
	return nil
}

// fail records err. Fatal errors move the session to StateError; anything
// else, such as a cancelled context, returns it to idle.
func (c *Controller) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !scanerr.IsFatal(err) || errors.Is(err, context.Canceled) {
		if c.state == StateEnginesLoading {
			c.setStateLocked(StateIdle, "Idle")
		}
		return err
	}
	c.generation++
	c.stopLoopLocked()
	c.releaseSourceLocked()
	c.setStateLocked(StateError, statusForFatal(err))
	c.logger.Error("scan session failed", "session", c.sessionID, "error", err)
	return err
}

// markFatal tags err with marker unless it already carries it or is a
// cancellation.
func markFatal(marker error, operation string, err error) error {
	if errors.Is(err, marker) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return scanerr.Wrap(marker, "scan", operation, "", err)
}

func statusForFatal(err error) string {
	if errors.Is(err, scanerr.ErrCameraAccess) {
		return "Could not access camera."
	}
	return "Failed to load OCR engine."
}

// Pause stops scheduling passes and releases the frame source. The last
// match is kept. A pass already running finishes but its result is dropped.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateScanning {
		return
	}
	c.generation++
	c.stopLoopLocked()
	c.releaseSourceLocked()
	c.setStateLocked(StatePaused, "Paused")
	c.logger.Info("scan session paused", "session", c.sessionID)
}

// Stop ends the session, releases the frame source and clears the last match.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.stopLoopLocked()
	c.releaseSourceLocked()
	c.lastMatch = nil
	c.confidence = nil
	c.lastQuery = ""
	if c.sessionID != "" {
		c.logger.Info("scan session stopped", "session", c.sessionID)
	}
	c.sessionID = ""
	c.setStateLocked(StateIdle, "Idle")
}

// Close stops the session and waits for a pass still in flight to return,
// so the engines behind the controller can be released afterwards.
func (c *Controller) Close() {
	c.Stop()
	c.passes.Wait()
}

func (c *Controller) stopLoopLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) releaseSourceLocked() {
	if !c.sourceOpen {
		return
	}
	c.sourceOpen = false
	if err := c.deps.Source.Close(); err != nil {
		c.logger.Warn("failed to release frame source", "error", err)
	}
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		State:     c.state,
		Message:   c.message,
		SessionID: c.sessionID,
		UpdatedAt: c.updatedAt,
	}
	if c.lastMatch != nil {
		m := *c.lastMatch
		s.LastMatch = &m
	}
	if c.confidence != nil {
		v := *c.confidence
		s.Confidence = &v
	}
	return s
}

// Subscribe returns a channel that receives a snapshot after every change,
// and a function that unsubscribes and closes it. Slow subscribers miss
// intermediate snapshots rather than blocking the pipeline.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Controller) setStateLocked(state State, message string) {
	c.state = state
	c.setMessageLocked(message)
}

func (c *Controller) setMessageLocked(message string) {
	c.message = message
	c.updatedAt = c.now()
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// run schedules passes until ctx is cancelled. Ticks that arrive while a pass
// is in flight or before the cooldown has elapsed are skipped.
func (c *Controller) run(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("scan loop stopped")
			return
		case <-ticker.C:
			if !c.beginPass(gen, true) {
				continue
			}
			go func() {
				report := c.pass(ctx, gen)
				c.endPass(report)
			}()
		}
	}
}

// beginPass claims the in-flight slot for generation gen.
func (c *Controller) beginPass(gen uint64, scheduled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return false
	}
	if scheduled && c.state != StateScanning {
		return false
	}
	now := c.now()
	if c.inFlight || (scheduled && c.opts.Cooldown > 0 && !c.lastStart.IsZero() && now.Sub(c.lastStart) < c.opts.Cooldown) {
		c.metrics.skipped.Add(1)
		return false
	}
	c.inFlight = true
	c.lastStart = now
	c.passes.Add(1)
	return true
}

func (c *Controller) endPass(r Report) {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
	c.metrics.record(r.Outcome)
	c.metrics.updatePassTime(r.Duration, c.now())
	c.passes.Done()
}

// ScanOnce runs a single pass immediately, loading the engines and opening
// the frame source first if needed. It ignores the cooldown but not the
// in-flight limit. Fatal errors are returned; every other outcome is
// described by the Report.
func (c *Controller) ScanOnce(ctx context.Context) (Report, error) {
	c.mu.Lock()
	ready := c.sourceOpen && (c.state == StateScanning || c.state == StateCameraReady)
	c.mu.Unlock()
	if !ready {
		if err := c.prepare(ctx); err != nil {
			return Report{}, err
		}
	}

	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	if !c.beginPass(gen, false) {
		return Report{}, ErrBusy
	}
	report := c.pass(ctx, gen)
	c.endPass(report)
	if report.Err != nil && scanerr.IsFatal(report.Err) {
		return report, report.Err
	}
	return report, nil
}

// reportMetrics logs pass statistics periodically.
func (c *Controller) reportMetrics(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(c.opts.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := c.metrics.Snapshot()
			c.logger.Debug("scan metrics report",
				"session", sessionID,
				"passes", m.Passes,
				"skipped_ticks", m.Skipped,
				"matches", m.Matches,
				"debounced", m.Debounced,
				"no_text", m.NoText,
				"search_errors", m.SearchErrors,
				"no_match", m.NoMatch,
				"capture_errors", m.CaptureErrors,
				"discarded", m.Discarded,
				"avg_pass_time_ms", m.AvgPassTime.Milliseconds(),
				"last_pass_age_ms", m.LastPassAge.Milliseconds())

			if m.LastPassAge > 5*c.opts.Cooldown && m.LastPassAge > 5*c.opts.Interval {
				c.logger.Warn("scan loop may be stalled",
					"last_pass_age", m.LastPassAge,
					"interval", c.opts.Interval)
			}
		}
	}
}
