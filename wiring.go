package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/clalos/cardscan/internal/catalog"
	"github.com/clalos/cardscan/internal/config"
	"github.com/clalos/cardscan/internal/frame"
	"github.com/clalos/cardscan/internal/fusion"
	"github.com/clalos/cardscan/internal/imageproc"
	"github.com/clalos/cardscan/internal/ocr"
	"github.com/clalos/cardscan/internal/ranking"
	"github.com/clalos/cardscan/internal/scan"
	"github.com/clalos/cardscan/internal/visual"
)

// pipeline owns the components behind a Controller and releases them on Close.
type pipeline struct {
	controller *scan.Controller
	ocr        *ocr.Engine
	matcher    *visual.Matcher
	store      *visual.Store
	logger     *slog.Logger
}

func buildPipeline(ctx context.Context, cfg *config.Config, source scan.FrameSource, logger *slog.Logger) (*pipeline, error) {
	p := &pipeline{logger: logger}

	p.ocr = ocr.NewEngine(cfg.OCR.Language, logger)
	preprocess := imageproc.DefaultOCROptions()
	preprocess.SatMax = float64(cfg.OCR.SatMax)
	preprocess.ValMin = float64(cfg.OCR.ValMin)
	reader := ocr.NewReader(p.ocr, ocr.ReaderOptions{
		NameWhitelist:   cfg.OCR.NameWhitelist,
		NumberWhitelist: cfg.OCR.NumberWhitelist,
		MinTextLength:   cfg.Scan.MinTextLength,
		Preprocess:      preprocess,
	}, logger)

	httpClient := &http.Client{Timeout: cfg.Catalog.Timeout()}
	client, err := catalog.New(cfg.Catalog.APIKey, cfg.Catalog.BaseURL, cfg.Catalog.Game,
		catalog.WithHTTPClient(httpClient),
		catalog.WithRateLimit(cfg.Catalog.RequestsPerSecond),
		catalog.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("catalog client: %w", err)
	}

	ranker := ranking.New(ranking.Options{
		Weights: ranking.Weights{
			Name:   cfg.Ranking.NameWeight,
			Set:    cfg.Ranking.SetWeight,
			Number: cfg.Ranking.NumberWeight,
		},
		Threshold:   cfg.Ranking.Threshold,
		NumberBonus: cfg.Ranking.NumberBonus,
		Keep:        cfg.Ranking.Keep,
	})

	deps := scan.Deps{
		Source:  source,
		Reader:  reader,
		Catalog: client,
		Ranker:  ranker,
	}
	if cfg.Visual.Enabled {
		if err := p.buildMatcher(ctx, cfg); err != nil {
			p.Close()
			return nil, err
		}
		deps.Visual = p.matcher
	}

	p.controller = scan.New(deps, scan.Options{
		Interval: cfg.Scan.Interval(),
		Cooldown: cfg.Scan.Cooldown(),
		ROI: imageproc.ROI{
			Top:    cfg.Scan.ROI.Top,
			Left:   cfg.Scan.ROI.Left,
			Width:  cfg.Scan.ROI.Width,
			Height: cfg.Scan.ROI.Height,
		},
		Filter:         catalog.Filter{Condition: cfg.Scan.Condition, Printing: cfg.Scan.Printing},
		Limit:          cfg.Catalog.Limit,
		Fusion:         fusion.Weights{Text: cfg.Fusion.TextWeight, Image: cfg.Fusion.ImageWeight},
		RequestTimeout: cfg.Catalog.Timeout(),
		RefreshDetails: cfg.Catalog.RefreshDetails,
	}, logger)
	return p, nil
}

func (p *pipeline) buildMatcher(ctx context.Context, cfg *config.Config) error {
	if cfg.Visual.CachePath != "" {
		store, err := visual.OpenStore(ctx, cfg.Visual.CachePath)
		if err != nil {
			// The memory cache still works without the persistent tier.
			p.logger.Warn("descriptor store unavailable", "path", cfg.Visual.CachePath, "error", err)
		} else {
			p.store = store
			p.logger.Info("descriptor store opened", "path", store.Path())
		}
	}
	cache, err := visual.NewCache(cfg.Visual.CacheEntries, p.store, p.logger)
	if err != nil {
		return fmt.Errorf("descriptor cache: %w", err)
	}

	fetchClient := &http.Client{Timeout: cfg.Visual.FetchTimeout()}
	fetcher := visual.NewFetcher(fetchClient, cfg.Visual.MaxImageDimension)

	var resolver catalog.ImageResolver
	if cfg.Catalog.ImageSearchURL != "" {
		search, err := catalog.NewImageSearch(cfg.Catalog.ImageSearchURL,
			catalog.WithHTTPClient(fetchClient),
			catalog.WithLogger(p.logger),
		)
		if err != nil {
			return fmt.Errorf("image search: %w", err)
		}
		resolver = search
	}

	scale, ratio := cfg.Visual.Scale, cfg.Visual.RatioTest
	newExtractor := func() (visual.Extractor, error) {
		return visual.NewORB(scale, ratio), nil
	}
	p.matcher = visual.NewMatcher(newExtractor, fetcher, cache, resolver, visual.Options{
		StrongMatchCount: cfg.Visual.StrongMatchCount,
		FetchConcurrency: cfg.Visual.FetchConcurrency,
		FetchTimeout:     cfg.Visual.FetchTimeout(),
	}, p.logger)
	return nil
}

// Close stops the controller, waits for the running pass and releases the
// engines.
func (p *pipeline) Close() error {
	if p.controller != nil {
		p.controller.Close()
	}
	var errs []error
	if p.matcher != nil {
		errs = append(errs, p.matcher.Close())
	}
	if p.store != nil {
		errs = append(errs, p.store.Close())
	}
	if p.ocr != nil {
		errs = append(errs, p.ocr.Close())
	}
	return errors.Join(errs...)
}

func newCameraSource(cfg *config.Config, logger *slog.Logger) *frame.CameraSource {
	return frame.NewCameraSource(frame.CameraOptions{
		Device:        cfg.Camera.Device,
		Width:         cfg.Camera.Width,
		Height:        cfg.Camera.Height,
		LockDir:       cfg.Camera.LockDir,
		MaxReconnects: cfg.Camera.MaxReconnects,
	}, logger)
}
