package scraper

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"vessel_ingest/httputil"
)

var blockTriggers = []string{
	"Request unsuccessful. Incapsula",
	"Incapsula incident ID",
	"Access Denied",
	"This request was blocked",
	"cf-browser-verification",
}

// BrowserFetcher renders pages in headless Chromium for sources whose
// listings are built client side. One browser context is shared; pages are
// opened per request.
type BrowserFetcher struct {
	limiter *httputil.HostLimiter
	dataDir string
	logger  *zap.Logger

	mu          sync.Mutex
	pw          *playwright.Playwright
	context     playwright.BrowserContext
	initialized bool
}

func NewBrowserFetcher(dataDir string, limiter *httputil.HostLimiter, logger *zap.Logger) *BrowserFetcher {
	return &BrowserFetcher{dataDir: dataDir, limiter: limiter, logger: logger}
}

func (b *BrowserFetcher) ensureBrowser() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	var err error
	b.pw, err = playwright.Run()
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	b.context, err = b.pw.Chromium.LaunchPersistentContext(filepath.Join(b.dataDir, "browser_data"), playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		b.pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	b.initialized = true
	return nil
}

// Get loads url and returns the rendered DOM.
func (b *BrowserFetcher) Get(ctx context.Context, url string) ([]byte, int, error) {
	if err := b.limiter.Wait(ctx, url); err != nil {
		return nil, 0, err
	}
	if err := b.ensureBrowser(); err != nil {
		return nil, 0, err
	}

	page, err := b.context.NewPage()
	if err != nil {
		return nil, 0, fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	resp, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(float64(httputil.ScrapeTimeout.Milliseconds())),
	})
	if err != nil {
		return nil, 1, fmt.Errorf("navigate %s: %w", url, err)
	}
	if resp != nil && (resp.Status() < 200 || resp.Status() >= 300) {
		return nil, 1, &httputil.StatusError{URL: url, Status: resp.Status()}
	}

	content, err := page.Content()
	if err != nil {
		return nil, 1, fmt.Errorf("read content %s: %w", url, err)
	}
	if trigger := detectBlock(content); trigger != "" {
		b.logger.Warn("bot protection page", zap.String("url", url), zap.String("trigger", trigger))
		return nil, 1, &httputil.StatusError{URL: url, Status: 503}
	}
	return []byte(content), 1, nil
}

func detectBlock(content string) string {
	for _, t := range blockTriggers {
		if strings.Contains(content, t) {
			return t
		}
	}
	return ""
}

func (b *BrowserFetcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.context != nil {
		b.context.Close()
	}
	if b.pw != nil {
		b.pw.Stop()
	}
	b.initialized = false
}
