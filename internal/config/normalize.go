package config

import (
	"fmt"
	"math"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeCamera(); err != nil {
		return err
	}
	c.normalizeScan()
	c.normalizeCatalog()
	c.normalizeFusion()
	if err := c.normalizeVisual(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizeCamera() error {
	c.Camera.Device = strings.TrimSpace(c.Camera.Device)
	if c.Camera.Device == "" {
		c.Camera.Device = defaultCameraDevice
	}
	if strings.TrimSpace(c.Camera.LockDir) == "" {
		c.Camera.LockDir = os.TempDir()
	}
	var err error
	if c.Camera.LockDir, err = ExpandPath(c.Camera.LockDir); err != nil {
		return fmt.Errorf("camera.lock_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeScan() {
	c.Scan.Condition = strings.TrimSpace(c.Scan.Condition)
	c.Scan.Printing = strings.TrimSpace(c.Scan.Printing)
}

func (c *Config) normalizeCatalog() {
	if c.Catalog.APIKey == "" {
		for _, name := range []string{"CARDSCAN_CATALOG_API_KEY", "JUSTTCG_API_KEY"} {
			if value, ok := os.LookupEnv(name); ok && strings.TrimSpace(value) != "" {
				c.Catalog.APIKey = strings.TrimSpace(value)
				break
			}
		}
	}
	c.Catalog.BaseURL = strings.TrimRight(strings.TrimSpace(c.Catalog.BaseURL), "/")
	if c.Catalog.BaseURL == "" {
		c.Catalog.BaseURL = defaultCatalogBaseURL
	}
	c.Catalog.ImageSearchURL = strings.TrimRight(strings.TrimSpace(c.Catalog.ImageSearchURL), "/")
	if c.Catalog.Limit > maxCatalogLimit {
		c.Catalog.Limit = maxCatalogLimit
	}
}

// normalizeFusion rescales the weights so they sum to one.
func (c *Config) normalizeFusion() {
	sum := c.Fusion.TextWeight + c.Fusion.ImageWeight
	if sum <= 0 || math.Abs(sum-1) < 1e-9 {
		return
	}
	c.Fusion.TextWeight /= sum
	c.Fusion.ImageWeight /= sum
}

func (c *Config) normalizeVisual() error {
	var err error
	if c.Visual.CachePath, err = ExpandPath(strings.TrimSpace(c.Visual.CachePath)); err != nil {
		return fmt.Errorf("visual.cache_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
