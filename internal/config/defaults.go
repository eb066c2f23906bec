package config

const (
	defaultConfigPath          = "~/.config/cardscan/config.toml"
	defaultCameraDevice        = "0"
	defaultCameraWidth         = 1280
	defaultCameraHeight        = 720
	defaultMaxReconnects       = 10
	defaultIntervalMillis      = 400
	defaultCooldownMillis      = 1200
	defaultMinTextLength       = 3
	defaultCondition           = "NM"
	defaultOCRLanguage         = "eng"
	defaultNumberWhitelist     = "0123456789/"
	defaultSatMax              = 60
	defaultValMin              = 170
	defaultCatalogBaseURL      = "https://api.justtcg.com/v1"
	defaultCatalogGame         = "disney-lorcana"
	defaultCatalogLimit        = 12
	maxCatalogLimit            = 20
	defaultCatalogTimeout      = 10
	defaultCatalogRate         = 2.0
	defaultImageSearchURL      = "https://api.lorcast.com/v0"
	defaultNameWeight          = 0.78
	defaultSetWeight           = 0.14
	defaultNumberWeight        = 0.08
	defaultRankThreshold       = 0.36
	defaultNumberBonus         = 0.28
	defaultRankKeep            = 8
	defaultVisualScale         = 0.75
	defaultRatioTest           = 0.75
	defaultStrongMatchCount    = 120
	defaultFetchTimeout        = 5
	defaultFetchConcurrency    = 4
	defaultMaxImageDimension   = 1024
	defaultDescriptorCacheSize = 256
	defaultDescriptorCachePath = "~/.cache/cardscan/descriptors.db"
	defaultTextWeight          = 0.75
	defaultImageWeight         = 0.25
	defaultLogFormat           = "auto"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Camera: Camera{
			Device:        defaultCameraDevice,
			Width:         defaultCameraWidth,
			Height:        defaultCameraHeight,
			MaxReconnects: defaultMaxReconnects,
		},
		Scan: Scan{
			IntervalMillis: defaultIntervalMillis,
			CooldownMillis: defaultCooldownMillis,
			MinTextLength:  defaultMinTextLength,
			Condition:      defaultCondition,
			ROI:            ROI{Top: 0, Left: 0, Width: 1, Height: 0.18},
		},
		OCR: OCR{
			Language:        defaultOCRLanguage,
			NumberWhitelist: defaultNumberWhitelist,
			SatMax:          defaultSatMax,
			ValMin:          defaultValMin,
		},
		Catalog: Catalog{
			BaseURL:           defaultCatalogBaseURL,
			Game:              defaultCatalogGame,
			Limit:             defaultCatalogLimit,
			TimeoutSeconds:    defaultCatalogTimeout,
			RequestsPerSecond: defaultCatalogRate,
			RefreshDetails:    true,
			ImageSearchURL:    defaultImageSearchURL,
		},
		Ranking: Ranking{
			NameWeight:   defaultNameWeight,
			SetWeight:    defaultSetWeight,
			NumberWeight: defaultNumberWeight,
			Threshold:    defaultRankThreshold,
			NumberBonus:  defaultNumberBonus,
			Keep:         defaultRankKeep,
		},
		Visual: Visual{
			Enabled:             true,
			Scale:               defaultVisualScale,
			RatioTest:           defaultRatioTest,
			StrongMatchCount:    defaultStrongMatchCount,
			FetchTimeoutSeconds: defaultFetchTimeout,
			FetchConcurrency:    defaultFetchConcurrency,
			MaxImageDimension:   defaultMaxImageDimension,
			CacheEntries:        defaultDescriptorCacheSize,
			CachePath:           defaultDescriptorCachePath,
		},
		Fusion: Fusion{
			TextWeight:  defaultTextWeight,
			ImageWeight: defaultImageWeight,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
