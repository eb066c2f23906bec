// Package config loads and validates the cardscan TOML configuration.
//
// Configuration sections by subsystem:
//   - Camera: capture device and exclusive-ownership lock directory
//   - Scan: loop cadence, region of interest, and price filters
//   - OCR: Tesseract language and character whitelists
//   - Catalog: card catalog endpoint, credentials, and rate limits
//   - Ranking: fuzzy text matching weights and threshold
//   - Visual: ORB feature matching and descriptor cache
//   - Fusion: text/image score weights
//   - Logging: log format and level
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Camera selects the capture device. Device is either a numeric index or a
// stream/file URL understood by OpenCV.
type Camera struct {
	Device        string `toml:"device"`
	Width         int    `toml:"width"`
	Height        int    `toml:"height"`
	LockDir       string `toml:"lock_dir"`
	MaxReconnects int    `toml:"max_reconnects"`
}

// ROI is the title band of the card, expressed as fractions of the frame.
type ROI struct {
	Top    float64 `toml:"top"`
	Left   float64 `toml:"left"`
	Width  float64 `toml:"width"`
	Height float64 `toml:"height"`
}

// Scan contains the controller loop cadence and result filters.
type Scan struct {
	IntervalMillis int    `toml:"interval_ms"`
	CooldownMillis int    `toml:"cooldown_ms"`
	MinTextLength  int    `toml:"min_text_length"`
	Condition      string `toml:"condition"`
	Printing       string `toml:"printing"`
	ROI            ROI    `toml:"roi"`
}

// OCR contains Tesseract settings.
type OCR struct {
	Language        string `toml:"language"`
	NameWhitelist   string `toml:"name_whitelist"`
	NumberWhitelist string `toml:"number_whitelist"`
	SatMax          int    `toml:"white_saturation_max"`
	ValMin          int    `toml:"white_value_min"`
}

// Catalog contains the card catalog endpoint configuration.
type Catalog struct {
	BaseURL           string  `toml:"base_url"`
	APIKey            string  `toml:"api_key"`
	Game              string  `toml:"game"`
	Limit             int     `toml:"limit"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	RefreshDetails    bool    `toml:"refresh_details"`
	ImageSearchURL    string  `toml:"image_search_url"`
}

// Ranking contains fuzzy text ranking parameters.
type Ranking struct {
	NameWeight   float64 `toml:"name_weight"`
	SetWeight    float64 `toml:"set_weight"`
	NumberWeight float64 `toml:"number_weight"`
	Threshold    float64 `toml:"threshold"`
	NumberBonus  float64 `toml:"number_bonus"`
	Keep         int     `toml:"keep"`
}

// Visual contains ORB feature matching settings.
type Visual struct {
	Enabled             bool    `toml:"enabled"`
	Scale               float64 `toml:"scale"`
	RatioTest           float64 `toml:"ratio_test"`
	StrongMatchCount    int     `toml:"strong_match_count"`
	FetchTimeoutSeconds int     `toml:"fetch_timeout_seconds"`
	FetchConcurrency    int     `toml:"fetch_concurrency"`
	MaxImageDimension   int     `toml:"max_image_dimension"`
	CacheEntries        int     `toml:"cache_entries"`
	CachePath           string  `toml:"cache_path"`
}

// Fusion contains the score combination weights.
type Fusion struct {
	TextWeight  float64 `toml:"text_weight"`
	ImageWeight float64 `toml:"image_weight"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for cardscan.
type Config struct {
	Camera  Camera  `toml:"camera"`
	Scan    Scan    `toml:"scan"`
	OCR     OCR     `toml:"ocr"`
	Catalog Catalog `toml:"catalog"`
	Ranking Ranking `toml:"ranking"`
	Visual  Visual  `toml:"visual"`
	Fusion  Fusion  `toml:"fusion"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return ExpandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. It returns the
// resolved path and whether a file existed there; defaults are used when it
// does not.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := ExpandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := ExpandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("cardscan.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// CreateSample writes the embedded sample configuration to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML. The catalog API key is
// redacted.
func (c *Config) Encode() ([]byte, error) {
	clone := *c
	if clone.Catalog.APIKey != "" {
		clone.Catalog.APIKey = "<redacted>"
	}
	data, err := toml.Marshal(clone)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

// Interval is the scan tick period.
func (s Scan) Interval() time.Duration {
	return time.Duration(s.IntervalMillis) * time.Millisecond
}

// Cooldown is the minimum spacing between pass starts.
func (s Scan) Cooldown() time.Duration {
	return time.Duration(s.CooldownMillis) * time.Millisecond
}

// Timeout is the per-request catalog timeout.
func (c Catalog) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// FetchTimeout is the per-image fetch timeout.
func (v Visual) FetchTimeout() time.Duration {
	return time.Duration(v.FetchTimeoutSeconds) * time.Second
}

func ExpandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}
