package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateScan(); err != nil {
		return err
	}
	if err := c.validateOCR(); err != nil {
		return err
	}
	if err := c.validateCatalog(); err != nil {
		return err
	}
	if err := c.validateRanking(); err != nil {
		return err
	}
	if err := c.validateVisual(); err != nil {
		return err
	}
	if err := c.validateFusion(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateScan() error {
	if c.Scan.IntervalMillis <= 0 {
		return errors.New("scan.interval_ms must be positive")
	}
	if c.Scan.CooldownMillis < 0 {
		return errors.New("scan.cooldown_ms must not be negative")
	}
	if c.Scan.MinTextLength < 1 {
		return errors.New("scan.min_text_length must be at least 1")
	}
	return ValidateROI(c.Scan.ROI)
}

// ValidateROI checks that every fraction lies within [0,1] and that the
// region has a non-zero extent.
func ValidateROI(roi ROI) error {
	fields := []struct {
		name  string
		value float64
	}{
		{"top", roi.Top},
		{"left", roi.Left},
		{"width", roi.Width},
		{"height", roi.Height},
	}
	for _, f := range fields {
		if f.value < 0 || f.value > 1 {
			return fmt.Errorf("scan.roi.%s must be between 0 and 1, got %v", f.name, f.value)
		}
	}
	if roi.Width == 0 || roi.Height == 0 {
		return errors.New("scan.roi width and height must be greater than 0")
	}
	return nil
}

func (c *Config) validateOCR() error {
	if c.OCR.Language == "" {
		return errors.New("ocr.language must be set")
	}
	if c.OCR.SatMax < 0 || c.OCR.SatMax > 255 {
		return errors.New("ocr.white_saturation_max must be between 0 and 255")
	}
	if c.OCR.ValMin < 0 || c.OCR.ValMin > 255 {
		return errors.New("ocr.white_value_min must be between 0 and 255")
	}
	return nil
}

func (c *Config) validateCatalog() error {
	if c.Catalog.Limit < 1 {
		return errors.New("catalog.limit must be at least 1")
	}
	if c.Catalog.TimeoutSeconds <= 0 {
		return errors.New("catalog.timeout_seconds must be positive")
	}
	if c.Catalog.RequestsPerSecond <= 0 {
		return errors.New("catalog.requests_per_second must be positive")
	}
	return nil
}

func (c *Config) validateRanking() error {
	r := c.Ranking
	if r.NameWeight < 0 || r.SetWeight < 0 || r.NumberWeight < 0 {
		return errors.New("ranking weights must not be negative")
	}
	if r.NameWeight+r.SetWeight+r.NumberWeight == 0 {
		return errors.New("ranking weights must not all be zero")
	}
	if r.Threshold <= 0 || r.Threshold > 1 {
		return errors.New("ranking.threshold must be in (0, 1]")
	}
	if r.NumberBonus < 0 || r.NumberBonus > 1 {
		return errors.New("ranking.number_bonus must be between 0 and 1")
	}
	if r.Keep < 1 {
		return errors.New("ranking.keep must be at least 1")
	}
	return nil
}

func (c *Config) validateVisual() error {
	v := c.Visual
	if !v.Enabled {
		return nil
	}
	if v.Scale <= 0 || v.Scale > 1 {
		return errors.New("visual.scale must be in (0, 1]")
	}
	if v.RatioTest <= 0 || v.RatioTest >= 1 {
		return errors.New("visual.ratio_test must be in (0, 1)")
	}
	if v.StrongMatchCount < 1 {
		return errors.New("visual.strong_match_count must be at least 1")
	}
	if v.FetchTimeoutSeconds <= 0 {
		return errors.New("visual.fetch_timeout_seconds must be positive")
	}
	if v.FetchConcurrency < 1 {
		return errors.New("visual.fetch_concurrency must be at least 1")
	}
	if v.CacheEntries < 1 {
		return errors.New("visual.cache_entries must be at least 1")
	}
	return nil
}

func (c *Config) validateFusion() error {
	if c.Fusion.TextWeight < 0 || c.Fusion.ImageWeight < 0 {
		return errors.New("fusion weights must not be negative")
	}
	if c.Fusion.TextWeight+c.Fusion.ImageWeight == 0 {
		return errors.New("fusion weights must not both be zero")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "auto", "json", "console":
	default:
		return fmt.Errorf("logging.format must be auto, json or console, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}
