package visual

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/clalos/cardscan/internal/catalog"
	"github.com/clalos/cardscan/internal/ranking"
	"github.com/clalos/cardscan/internal/scanerr"
)

// Options configures a Matcher.
type Options struct {
	// StrongMatchCount is the good-match count that maps to a score of 1.
	StrongMatchCount int
	FetchConcurrency int
	FetchTimeout     time.Duration
}

// Matcher scores candidates against a frame by descriptor matching. It is
// loaded lazily and reports readiness so callers can fall back to text-only
// fusion.
type Matcher struct {
	newExtractor func() (Extractor, error)
	fetcher      *Fetcher
	cache        *Cache
	resolver     catalog.ImageResolver
	opts         Options
	logger       *slog.Logger

	mu        sync.Mutex
	extractor Extractor
	ready     atomic.Bool

	scored   atomic.Int64
	failures atomic.Int64
}

// NewMatcher returns an unloaded Matcher. resolver may be nil.
func NewMatcher(newExtractor func() (Extractor, error), fetcher *Fetcher, cache *Cache, resolver catalog.ImageResolver, opts Options, logger *slog.Logger) *Matcher {
	if opts.StrongMatchCount <= 0 {
		opts.StrongMatchCount = 120
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 4
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	return &Matcher{
		newExtractor: newExtractor,
		fetcher:      fetcher,
		cache:        cache,
		resolver:     resolver,
		opts:         opts,
		logger:       logger.With("component", "visual"),
	}
}

// Load creates the feature extractor. Failures are marked scanerr.ErrEngineLoad.
func (m *Matcher) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.extractor != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	ext, err := m.newExtractor()
	if err != nil {
		return scanerr.Wrap(scanerr.ErrEngineLoad, "visual", "load", "create extractor", err)
	}
	m.extractor = ext
	m.ready.Store(true)
	m.logger.Info("visual matcher ready", "load_time", time.Since(start))
	return nil
}

// Ready reports whether Load has completed.
func (m *Matcher) Ready() bool { return m.ready.Load() }

// Score sets ImageScore on every candidate. It returns false when no visual
// signal is available for this pass: the matcher is not ready, the frame
// yields no descriptors, or every candidate failed. Per-candidate failures
// leave that candidate's ImageScore at 0.
func (m *Matcher) Score(ctx context.Context, scene gocv.Mat, cands []ranking.Scored) bool {
	if !m.Ready() || len(cands) == 0 {
		return false
	}
	m.mu.Lock()
	ext := m.extractor
	m.mu.Unlock()

	sceneDesc, err := ext.Extract(scene)
	if err != nil {
		m.logger.Debug("scene descriptor extraction failed", "error", err)
		return false
	}
	if sceneDesc.Empty() {
		m.logger.Debug("scene has no keypoints")
		return false
	}

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		sem       = make(chan struct{}, m.opts.FetchConcurrency)
	)
	for i := range cands {
		cands[i].ImageScore = 0
		wg.Add(1)
		go func(c *ranking.Scored) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := m.scoreCandidate(ctx, ext, sceneDesc, c.Record)
			if err != nil {
				m.failures.Add(1)
				m.logger.Debug("candidate image skipped", "card_id", c.Record.ID, "error", err)
				return
			}
			c.ImageScore = score
			succeeded.Add(1)
		}(&cands[i])
	}
	wg.Wait()

	m.scored.Add(succeeded.Load())
	return succeeded.Load() > 0
}

func (m *Matcher) scoreCandidate(ctx context.Context, ext Extractor, scene Descriptors, rec catalog.Record) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
	defer cancel()

	uri, err := m.referenceURI(ctx, rec)
	if err != nil {
		return 0, err
	}
	ref, err := m.referenceDescriptors(ctx, ext, uri)
	if err != nil {
		return 0, err
	}
	good, err := ext.GoodMatches(scene, ref)
	if err != nil {
		return 0, scanerr.Wrap(scanerr.ErrCandidateFetch, "visual", "match", rec.ID, err)
	}
	return NormalizeScore(good, m.opts.StrongMatchCount), nil
}

func (m *Matcher) referenceURI(ctx context.Context, rec catalog.Record) (string, error) {
	if uri := rec.PrimaryImage(); uri != "" {
		return uri, nil
	}
	if m.resolver == nil {
		return "", scanerr.Wrap(scanerr.ErrCandidateFetch, "visual", "resolve", "no reference image", nil)
	}
	uri, err := m.resolver.ResolveImage(ctx, rec)
	if err != nil {
		return "", err
	}
	if uri == "" {
		return "", scanerr.Wrap(scanerr.ErrCandidateFetch, "visual", "resolve", "no reference image", nil)
	}
	return uri, nil
}

func (m *Matcher) referenceDescriptors(ctx context.Context, ext Extractor, uri string) (Descriptors, error) {
	if m.cache != nil {
		if d, ok := m.cache.Get(ctx, uri); ok {
			return d, nil
		}
	}
	img, err := m.fetcher.Fetch(ctx, uri)
	if err != nil {
		return Descriptors{}, err
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return Descriptors{}, scanerr.Wrap(scanerr.ErrCandidateFetch, "visual", "convert", uri, err)
	}
	defer mat.Close()

	d, err := ext.Extract(mat)
	if err != nil {
		return Descriptors{}, scanerr.Wrap(scanerr.ErrCandidateFetch, "visual", "extract", uri, err)
	}
	if m.cache != nil {
		m.cache.Put(ctx, uri, d)
	}
	return d, nil
}

// Stats returns the number of scored candidates and per-candidate failures.
func (m *Matcher) Stats() (scored, failures int64) {
	return m.scored.Load(), m.failures.Load()
}

// Close releases the extractor.
func (m *Matcher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready.Store(false)
	var err error
	if closer, ok := m.extractor.(io.Closer); ok {
		err = closer.Close()
	}
	m.extractor = nil
	return err
}
