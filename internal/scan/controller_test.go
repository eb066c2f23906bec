package scan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/clalos/cardscan/internal/catalog"
	"github.com/clalos/cardscan/internal/frame"
	"github.com/clalos/cardscan/internal/imageproc"
	"github.com/clalos/cardscan/internal/logging"
	"github.com/clalos/cardscan/internal/ocr"
	"github.com/clalos/cardscan/internal/ranking"
	"github.com/clalos/cardscan/internal/scanerr"
)

type fakeSource struct {
	mu      sync.Mutex
	openErr error
	readErr error
	opens   int
	closes  int
	open    bool
	index   int64
}

func (s *fakeSource) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	s.opens++
	s.open = true
	return nil
}

func (s *fakeSource) Read(context.Context) (frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return frame.Frame{}, s.readErr
	}
	s.index++
	return frame.Frame{
		Image:     gocv.NewMatWithSize(40, 60, gocv.MatTypeCV8UC3),
		Index:     s.index,
		Timestamp: time.Now(),
	}, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.open = false
	return nil
}

func (s *fakeSource) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

type fakeReader struct {
	mu      sync.Mutex
	loadErr error
	loaded  bool
	reading ocr.Reading
	err     error
}

func (r *fakeReader) Load(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadErr != nil {
		return r.loadErr
	}
	r.loaded = true
	return nil
}

func (r *fakeReader) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

func (r *fakeReader) Read(context.Context, gocv.Mat, imageproc.ROI) (ocr.Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reading, r.err
}

func (r *fakeReader) set(reading ocr.Reading, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reading = reading
	r.err = err
}

type fakeCatalog struct {
	mu        sync.Mutex
	records   []catalog.Record
	err       error
	detailed  *catalog.Record
	lookupErr error
	entered   chan struct{}
	release   chan struct{}
	searches  atomic.Int64
	lookups   atomic.Int64
}

func (c *fakeCatalog) Search(ctx context.Context, q catalog.Query) ([]catalog.Record, error) {
	c.searches.Add(1)
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.release != nil {
		<-c.release
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records, c.err
}

func (c *fakeCatalog) Lookup(ctx context.Context, id string, filter catalog.Filter) (*catalog.Record, error) {
	c.lookups.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detailed, c.lookupErr
}

func (c *fakeCatalog) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

type fakeVisual struct {
	ready  bool
	scores map[string]float64
}

func (v *fakeVisual) Load(context.Context) error { v.ready = true; return nil }
func (v *fakeVisual) Ready() bool                { return v.ready }

func (v *fakeVisual) Score(_ context.Context, _ gocv.Mat, cands []ranking.Scored) bool {
	scored := false
	for i := range cands {
		if s, ok := v.scores[cands[i].Record.ID]; ok {
			cands[i].ImageScore = s
			scored = true
		}
	}
	return scored
}

// blockingVisual holds Score until release is closed.
type blockingVisual struct {
	entered  chan struct{}
	release  chan struct{}
	finished atomic.Bool
}

func (v *blockingVisual) Load(context.Context) error { return nil }
func (v *blockingVisual) Ready() bool                { return true }

func (v *blockingVisual) Score(context.Context, gocv.Mat, []ranking.Scored) bool {
	select {
	case v.entered <- struct{}{}:
	default:
	}
	<-v.release
	v.finished.Store(true)
	return false
}

func price(v float64) *float64 { return &v }

func elsaRecords() []catalog.Record {
	return []catalog.Record{
		{
			ID: "snow-queen", Name: "Elsa Snow Queen", Number: "17",
			Variants: []catalog.Variant{{Condition: "Near Mint", Printing: "Normal", Price: price(1.25)}},
		},
		{
			ID: "spirit", Name: "Elsa, Spirit of Winter", Number: "42",
			Variants: []catalog.Variant{
				{ID: "foil", Condition: "Near Mint", Printing: "Foil", Price: price(30)},
				{ID: "normal", Condition: "Near Mint", Printing: "Normal", Price: price(4.5)},
				{ID: "lp", Condition: "Lightly Played", Printing: "Normal", Price: price(2)},
			},
		},
	}
}

func elsaReading() ocr.Reading {
	return ocr.Reading{Name: "Elsa - Spirit of Winter", Number: "42", Confidence: price(87), Source: ocr.SourceROI}
}

type harness struct {
	ctrl    *Controller
	source  *fakeSource
	reader  *fakeReader
	catalog *fakeCatalog
}

func newHarness(t *testing.T, opts Options, visual VisualScorer) *harness {
	t.Helper()
	h := &harness{
		source:  &fakeSource{},
		reader:  &fakeReader{reading: elsaReading()},
		catalog: &fakeCatalog{records: elsaRecords()},
	}
	if opts.Filter == (catalog.Filter{}) {
		opts.Filter = catalog.Filter{Condition: "NM"}
	}
	deps := Deps{
		Source:  h.source,
		Reader:  h.reader,
		Catalog: h.catalog,
		Ranker:  ranking.New(ranking.DefaultOptions()),
	}
	if visual != nil {
		deps.Visual = visual
	}
	h.ctrl = New(deps, opts, logging.Discard())
	t.Cleanup(h.ctrl.Stop)
	return h
}

func TestScanOnceMatchesCard(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	report, err := h.ctrl.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}
	if report.Outcome != OutcomeMatched {
		t.Fatalf("Outcome = %v, want matched (err %v)", report.Outcome, report.Err)
	}
	if report.Match.Record.ID != "spirit" {
		t.Errorf("matched %s, want spirit", report.Match.Record.ID)
	}
	if report.Match.Price == nil || report.Match.Price.ID != "normal" {
		t.Errorf("Price = %+v, want the cheapest near mint variant", report.Match.Price)
	}
	if report.Visual {
		t.Error("Visual = true without a visual scorer")
	}
	if report.Match.FinalScore != report.Match.TextScore {
		t.Errorf("FinalScore = %v, want TextScore %v", report.Match.FinalScore, report.Match.TextScore)
	}

	snap := h.ctrl.Snapshot()
	if snap.State != StateCameraReady {
		t.Errorf("State = %v, want CAMERA_READY", snap.State)
	}
	if snap.Message != "Matched: Elsa, Spirit of Winter (4.50)" {
		t.Errorf("Message = %q", snap.Message)
	}
	if snap.LastMatch == nil || snap.LastMatch.Record.ID != "spirit" {
		t.Errorf("LastMatch = %+v", snap.LastMatch)
	}
	if snap.Confidence == nil || *snap.Confidence != 87 {
		t.Errorf("Confidence = %v, want 87", snap.Confidence)
	}
	if snap.SessionID == "" {
		t.Error("SessionID is empty")
	}
	if !h.source.isOpen() {
		t.Error("source should stay open after ScanOnce")
	}
}

func TestDebounceSkipsRepeatedName(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	if _, err := h.ctrl.ScanOnce(ctx); err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}
	reading := elsaReading()
	reading.Name = "  ELSA - Spírit of   Winter "
	h.reader.set(reading, nil)

	report, err := h.ctrl.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}
	if report.Outcome != OutcomeDetected {
		t.Errorf("Outcome = %v, want detected", report.Outcome)
	}
	if got := h.catalog.searches.Load(); got != 1 {
		t.Errorf("searches = %d, want 1", got)
	}
	snap := h.ctrl.Snapshot()
	if !strings.HasPrefix(snap.Message, "Detected: ") {
		t.Errorf("Message = %q", snap.Message)
	}
	if snap.LastMatch == nil {
		t.Error("debounced pass cleared the last match")
	}

	h.ctrl.SetFilters("LP", "")
	report, err = h.ctrl.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}
	if report.Outcome != OutcomeMatched || h.catalog.searches.Load() != 2 {
		t.Errorf("after SetFilters: outcome %v, searches %d", report.Outcome, h.catalog.searches.Load())
	}
	if report.Match.Price == nil || report.Match.Price.ID != "lp" {
		t.Errorf("Price = %+v, want lp variant", report.Match.Price)
	}
}

func TestEmptyTextKeepsPreviousMatch(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()

	if _, err := h.ctrl.ScanOnce(ctx); err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}
	h.reader.set(ocr.Reading{}, scanerr.Wrap(scanerr.ErrRecognitionEmpty, "ocr", "read", "", nil))

	report, err := h.ctrl.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}
	if report.Outcome != OutcomeNoText {
		t.Errorf("Outcome = %v, want no_text", report.Outcome)
	}
	if got := h.catalog.searches.Load(); got != 1 {
		t.Errorf("searches = %d, want 1", got)
	}
	snap := h.ctrl.Snapshot()
	if snap.Message != msgNoText {
		t.Errorf("Message = %q", snap.Message)
	}
	if snap.LastMatch == nil || snap.LastMatch.Record.ID != "spirit" {
		t.Errorf("LastMatch = %+v, want previous match", snap.LastMatch)
	}
	if snap.Confidence != nil {
		t.Errorf("Confidence = %v, want nil", *snap.Confidence)
	}
}

func TestSearchFailureKeepsScanning(t *testing.T) {
	h := newHarness(t, Options{Interval: 5 * time.Millisecond}, nil)
	h.catalog.setErr(scanerr.Wrap(scanerr.ErrRetrieval, "catalog", "search", "status 502", nil))

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.catalog.searches.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("searches = %d, want retries on later passes", h.catalog.searches.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap := h.ctrl.Snapshot()
	if snap.State != StateScanning {
		t.Errorf("State = %v, want SCANNING", snap.State)
	}
	if m := h.ctrl.Metrics(); m.SearchErrors < 1 {
		t.Errorf("SearchErrors = %d", m.SearchErrors)
	}

	h.ctrl.Stop()
	if h.source.isOpen() {
		t.Error("Stop did not release the source")
	}
}

func TestFailedSearchIsRetriedForSameName(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx := context.Background()
	h.catalog.setErr(scanerr.Wrap(scanerr.ErrRetrieval, "catalog", "search", "status 200: Rate limit exceeded", nil))

	report, err := h.ctrl.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}
	if report.Outcome != OutcomeSearchFailed {
		t.Fatalf("Outcome = %v, want search_failed", report.Outcome)
	}
	if snap := h.ctrl.Snapshot(); snap.Message != msgSearchFailed {
		t.Errorf("Message = %q", snap.Message)
	}

	h.catalog.setErr(nil)
	report, err = h.ctrl.ScanOnce(ctx)
	if err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}
	if report.Outcome != OutcomeMatched {
		t.Errorf("Outcome = %v, want matched on retry", report.Outcome)
	}
	if got := h.catalog.searches.Load(); got != 2 {
		t.Errorf("searches = %d, want 2", got)
	}
}

func TestNoMatch(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.catalog.records = []catalog.Record{{ID: "x", Name: "Maleficent - Monstrous Dragon", Number: "113"}}

	report, err := h.ctrl.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}
	if report.Outcome != OutcomeNoMatch || !errors.Is(report.Err, scanerr.ErrNoMatch) {
		t.Errorf("report = %v / %v, want no_match", report.Outcome, report.Err)
	}
	if snap := h.ctrl.Snapshot(); snap.Message != msgNoMatch || snap.LastMatch != nil {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestStartFailures(t *testing.T) {
	t.Run("engine load", func(t *testing.T) {
		h := newHarness(t, Options{}, nil)
		h.reader.loadErr = errors.New("missing traineddata")

		err := h.ctrl.Start(context.Background())
		if !errors.Is(err, scanerr.ErrEngineLoad) {
			t.Fatalf("Start() error = %v, want ErrEngineLoad", err)
		}
		if snap := h.ctrl.Snapshot(); snap.State != StateError {
			t.Errorf("State = %v, want ERROR", snap.State)
		}
		if h.source.opens != 0 {
			t.Error("source opened despite engine failure")
		}
	})

	t.Run("camera access", func(t *testing.T) {
		h := newHarness(t, Options{}, nil)
		h.source.openErr = errors.New("permission denied")

		err := h.ctrl.Start(context.Background())
		if !errors.Is(err, scanerr.ErrCameraAccess) {
			t.Fatalf("Start() error = %v, want ErrCameraAccess", err)
		}
		snap := h.ctrl.Snapshot()
		if snap.State != StateError || snap.Message != "Could not access camera." {
			t.Errorf("snapshot = %v %q", snap.State, snap.Message)
		}
	})

	t.Run("camera lost mid session", func(t *testing.T) {
		h := newHarness(t, Options{}, nil)
		if _, err := h.ctrl.ScanOnce(context.Background()); err != nil {
			t.Fatalf("ScanOnce() error = %v", err)
		}
		h.source.mu.Lock()
		h.source.readErr = scanerr.Wrap(scanerr.ErrCameraAccess, "camera", "read", "reconnect failed", nil)
		h.source.mu.Unlock()

		if _, err := h.ctrl.ScanOnce(context.Background()); !errors.Is(err, scanerr.ErrCameraAccess) {
			t.Fatalf("ScanOnce() error = %v, want ErrCameraAccess", err)
		}
		if snap := h.ctrl.Snapshot(); snap.State != StateError {
			t.Errorf("State = %v, want ERROR", snap.State)
		}
		if h.source.isOpen() {
			t.Error("source still open after fatal error")
		}
	})
}

func TestStopDiscardsInFlightPass(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.catalog.entered = make(chan struct{}, 1)
	h.catalog.release = make(chan struct{})

	done := make(chan Report, 1)
	go func() {
		report, _ := h.ctrl.ScanOnce(context.Background())
		done <- report
	}()

	<-h.catalog.entered
	h.ctrl.Stop()
	close(h.catalog.release)
	report := <-done

	if report.Outcome != OutcomeDiscarded {
		t.Errorf("Outcome = %v, want discarded", report.Outcome)
	}
	snap := h.ctrl.Snapshot()
	if snap.State != StateIdle || snap.LastMatch != nil {
		t.Errorf("snapshot = %v, match %+v", snap.State, snap.LastMatch)
	}
}

func TestCloseWaitsForInFlightPass(t *testing.T) {
	visual := &blockingVisual{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, Options{Interval: 5 * time.Millisecond}, visual)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-visual.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("pass never reached visual scoring")
	}

	closed := make(chan struct{})
	go func() {
		h.ctrl.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a pass was still scoring")
	case <-time.After(50 * time.Millisecond):
	}

	close(visual.release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after the pass finished")
	}
	if !visual.finished.Load() {
		t.Error("scorer had not finished when Close returned")
	}
	if h.source.isOpen() {
		t.Error("Close did not release the source")
	}
	if snap := h.ctrl.Snapshot(); snap.State != StateIdle || snap.LastMatch != nil {
		t.Errorf("snapshot = %v, match %+v", snap.State, snap.LastMatch)
	}
}

func TestPauseKeepsMatchStopClears(t *testing.T) {
	h := newHarness(t, Options{Interval: time.Hour}, nil)
	ctx := context.Background()

	if _, err := h.ctrl.ScanOnce(ctx); err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}
	session := h.ctrl.Snapshot().SessionID
	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if snap := h.ctrl.Snapshot(); snap.State != StateScanning || snap.SessionID != session {
		t.Fatalf("after Start: %v session %q (was %q)", snap.State, snap.SessionID, session)
	}

	h.ctrl.Pause()
	snap := h.ctrl.Snapshot()
	if snap.State != StatePaused || snap.LastMatch == nil {
		t.Errorf("after Pause: %v match %+v", snap.State, snap.LastMatch)
	}
	if h.source.isOpen() {
		t.Error("Pause did not release the source")
	}

	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if !h.source.isOpen() || h.source.opens != 2 {
		t.Errorf("resume opens = %d, open %v", h.source.opens, h.source.isOpen())
	}

	h.ctrl.Stop()
	snap = h.ctrl.Snapshot()
	if snap.State != StateIdle || snap.LastMatch != nil || snap.SessionID != "" {
		t.Errorf("after Stop: %+v", snap)
	}
}

func TestBeginPassThrottles(t *testing.T) {
	h := newHarness(t, Options{Cooldown: 1200 * time.Millisecond}, nil)
	c := h.ctrl
	clock := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return clock }
	c.state = StateScanning
	gen := c.generation

	if !c.beginPass(gen, true) {
		t.Fatal("first tick should start a pass")
	}
	clock = clock.Add(400 * time.Millisecond)
	if c.beginPass(gen, true) {
		t.Fatal("tick during an in-flight pass should be skipped")
	}
	c.endPass(Report{Outcome: OutcomeNoText})

	clock = clock.Add(400 * time.Millisecond)
	if c.beginPass(gen, true) {
		t.Fatal("tick inside the cooldown should be skipped")
	}
	clock = clock.Add(400 * time.Millisecond)
	if !c.beginPass(gen, true) {
		t.Fatal("tick after the cooldown should start a pass")
	}
	c.endPass(Report{Outcome: OutcomeNoText})

	if c.beginPass(gen+1, true) {
		t.Error("stale generation should not start a pass")
	}
	if got := c.Metrics().Skipped; got != 2 {
		t.Errorf("Skipped = %d, want 2", got)
	}
}

func TestVisualScoresJoinFusion(t *testing.T) {
	records := []catalog.Record{
		{ID: "a", Name: "Mickey Mouse - True Friend", Number: "12"},
		{ID: "b", Name: "Mickey Mouse - True Friends", Number: "13"},
	}

	t.Run("available", func(t *testing.T) {
		visual := &fakeVisual{scores: map[string]float64{"a": 0, "b": 1}}
		h := newHarness(t, Options{}, visual)
		h.catalog.records = records
		h.reader.set(ocr.Reading{Name: "Mickey Mouse - True Friend"}, nil)

		report, err := h.ctrl.ScanOnce(context.Background())
		if err != nil {
			t.Fatalf("ScanOnce() error = %v", err)
		}
		if !report.Visual {
			t.Fatal("Visual = false")
		}
		if report.Match.Record.ID != "b" {
			t.Errorf("matched %s, want b", report.Match.Record.ID)
		}
		if report.Match.ImageScore != 1 {
			t.Errorf("ImageScore = %v", report.Match.ImageScore)
		}
	})

	t.Run("unavailable", func(t *testing.T) {
		visual := &fakeVisual{scores: map[string]float64{}}
		h := newHarness(t, Options{}, visual)
		h.catalog.records = records
		h.reader.set(ocr.Reading{Name: "Mickey Mouse - True Friend"}, nil)

		report, err := h.ctrl.ScanOnce(context.Background())
		if err != nil {
			t.Fatalf("ScanOnce() error = %v", err)
		}
		if report.Visual {
			t.Error("Visual = true with no image scores")
		}
		if report.Match.Record.ID != "a" {
			t.Errorf("matched %s, want a", report.Match.Record.ID)
		}
		for _, c := range report.Candidates {
			if c.FinalScore != c.TextScore {
				t.Errorf("%s: FinalScore %v != TextScore %v", c.Record.ID, c.FinalScore, c.TextScore)
			}
		}
	})
}

func TestDetailRefresh(t *testing.T) {
	unpriced := []catalog.Record{{ID: "spirit", Name: "Elsa, Spirit of Winter", Number: "42"}}

	t.Run("refreshed", func(t *testing.T) {
		h := newHarness(t, Options{RefreshDetails: true}, nil)
		h.catalog.records = unpriced
		h.catalog.detailed = &catalog.Record{
			ID: "spirit", Name: "Elsa, Spirit of Winter", Number: "42",
			Variants: []catalog.Variant{{ID: "nm", Condition: "Near Mint", Price: price(5)}},
		}

		report, err := h.ctrl.ScanOnce(context.Background())
		if err != nil {
			t.Fatalf("ScanOnce() error = %v", err)
		}
		if h.catalog.lookups.Load() != 1 {
			t.Errorf("lookups = %d, want 1", h.catalog.lookups.Load())
		}
		if report.Match == nil || report.Match.Price == nil || report.Match.Price.ID != "nm" {
			t.Errorf("Match = %+v", report.Match)
		}
	})

	t.Run("refresh fails", func(t *testing.T) {
		h := newHarness(t, Options{RefreshDetails: true}, nil)
		h.catalog.records = unpriced
		h.catalog.lookupErr = scanerr.Wrap(scanerr.ErrRetrieval, "catalog", "search", "timeout", nil)

		report, err := h.ctrl.ScanOnce(context.Background())
		if err != nil {
			t.Fatalf("ScanOnce() error = %v", err)
		}
		if report.Outcome != OutcomeMatched || report.Match.Price != nil {
			t.Errorf("report = %v, price %+v", report.Outcome, report.Match.Price)
		}
		if msg := h.ctrl.Snapshot().Message; msg != msgDetailFailed {
			t.Errorf("Message = %q", msg)
		}
	})

	t.Run("priced result skips refresh", func(t *testing.T) {
		h := newHarness(t, Options{RefreshDetails: true}, nil)
		if _, err := h.ctrl.ScanOnce(context.Background()); err != nil {
			t.Fatalf("ScanOnce() error = %v", err)
		}
		if h.catalog.lookups.Load() != 0 {
			t.Errorf("lookups = %d, want 0", h.catalog.lookups.Load())
		}
	})
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	updates, unsubscribe := h.ctrl.Subscribe()

	if _, err := h.ctrl.ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}

	var states []State
	var last Snapshot
	for len(updates) > 0 {
		last = <-updates
		states = append(states, last.State)
	}
	if len(states) < 3 || states[0] != StateEnginesLoading {
		t.Fatalf("states = %v", states)
	}
	if last.LastMatch == nil || !strings.HasPrefix(last.Message, "Matched:") {
		t.Errorf("last snapshot = %+v", last)
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-updates; ok {
		t.Error("channel still open after unsubscribe")
	}
}

func TestConfigureROI(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	if err := h.ctrl.ConfigureROI(imageproc.ROI{Top: -0.1, Left: 0, Width: 1, Height: 0.5}); err == nil {
		t.Error("ConfigureROI accepted a negative offset")
	}
	if err := h.ctrl.ConfigureROI(imageproc.LowerThird); err != nil {
		t.Errorf("ConfigureROI() error = %v", err)
	}
}

func TestStateStrings(t *testing.T) {
	tests := map[State]string{
		StateIdle:           "IDLE",
		StateEnginesLoading: "ENGINES_LOADING",
		StateCameraReady:    "CAMERA_READY",
		StateScanning:       "SCANNING",
		StatePaused:         "PAUSED",
		StateError:          "ERROR",
		State(99):           "UNKNOWN",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
