package scraper

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"vessel_ingest/config"
	"vessel_ingest/httputil"
)

// NewAdapter builds the adapter a source config asks for. Each source gets
// its own host limiter so one slow broker never throttles another.
func NewAdapter(cfg *config.SourceConfig, clients *httputil.Clients, logger *zap.Logger) (Adapter, func(), error) {
	limiter := httputil.NewHostLimiter(cfg.RateLimit, cfg.Burst)

	var (
		fetcher PageFetcher
		closer  = func() {}
	)
	if cfg.UseBrowser {
		bf := NewBrowserFetcher(filepath.Join("browser_data", cfg.Key), limiter, logger)
		fetcher = bf
		closer = bf.Close
	} else {
		fetcher = httputil.NewFetcher(clients.Scraping, limiter)
	}

	switch cfg.Adapter {
	case "html":
		a, err := NewHTMLAdapter(cfg, fetcher)
		if err != nil {
			closer()
			return nil, nil, err
		}
		return a, closer, nil
	default:
		closer()
		return nil, nil, fmt.Errorf("source %s: unknown adapter %q", cfg.Key, cfg.Adapter)
	}
}

// BuildRegistry creates adapters for every enabled source. The returned
// func releases browser resources.
func BuildRegistry(cfg *config.Config, clients *httputil.Clients, logger *zap.Logger) (*Registry, func(), error) {
	var (
		adapters []Adapter
		closers  []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, key := range cfg.SourceKeys() {
		a, closer, err := NewAdapter(cfg.Sources[key], clients, logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		adapters = append(adapters, a)
		closers = append(closers, closer)
	}

	reg, err := NewRegistry(adapters...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return reg, closeAll, nil
}
