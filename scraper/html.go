package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"vessel_ingest/config"
	"vessel_ingest/httputil"
	"vessel_ingest/models"
)

// PageFetcher returns a page body and the number of requests it took.
type PageFetcher interface {
	Get(ctx context.Context, url string) ([]byte, int, error)
}

// HTMLAdapter scrapes paginated list pages and detail pages with the CSS
// selectors from a source's YAML config.
type HTMLAdapter struct {
	cfg     *config.SourceConfig
	fetcher PageFetcher
	base    *url.URL
}

func NewHTMLAdapter(cfg *config.SourceConfig, fetcher PageFetcher) (*HTMLAdapter, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("source %s: base_url: %w", cfg.Key, err)
	}
	if cfg.Selectors.Item == "" {
		return nil, fmt.Errorf("source %s: selectors.item is required", cfg.Key)
	}
	return &HTMLAdapter{cfg: cfg, fetcher: fetcher, base: base}, nil
}

func (a *HTMLAdapter) Source() string { return a.cfg.Key }

func (a *HTMLAdapter) pageURL(page int) string {
	u := *a.base
	if a.cfg.ListPath != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(a.cfg.ListPath, "/")
	}
	if a.cfg.PageParam != "" && page > 1 {
		q := u.Query()
		q.Set(a.cfg.PageParam, strconv.Itoa(page))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (a *HTMLAdapter) ScrapeListing(ctx context.Context) ([]models.ListingRow, models.ListingMetrics, error) {
	var m models.ListingMetrics
	pages := a.cfg.Pages
	if pages <= 0 {
		pages = 1
	}

	var rows []models.ListingRow
	seen := make(map[string]bool)
	missed := make(map[string]bool)
	attempted, fetched := 0, 0

	for page := 1; page <= pages; page++ {
		attempted++
		body, n, err := a.fetcher.Get(ctx, a.pageURL(page))
		m.ExternalRequests += n
		if err != nil {
			if ctx.Err() != nil || httputil.IsPermanent(err) {
				return nil, m, fmt.Errorf("list page %d: %w", page, err)
			}
			continue
		}

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			m.ParseFailCount++
			continue
		}
		items := doc.Find(a.cfg.Selectors.Item)
		if items.Length() == 0 {
			if page > 1 {
				// Past the last page.
				attempted--
				break
			}
			m.SelectorFailCount++
			fetched++
			continue
		}
		fetched++

		parsed := a.parseItems(items, missed)
		m.ParseFailCount += parsed.parseFails
		for _, row := range parsed.rows {
			if seen[row.SourceID] {
				continue
			}
			seen[row.SourceID] = true
			rows = append(rows, row)
		}
	}

	if fetched == 0 {
		return nil, m, fmt.Errorf("no list page of %s could be fetched", a.cfg.Key)
	}
	m.SelectorFailCount += len(missed)
	m.PageCoverageRatio = float64(fetched) / float64(attempted)
	return rows, m, nil
}

type parsedPage struct {
	rows       []models.ListingRow
	parseFails int
}

// parseItems turns item nodes into rows. Field selectors that match in no
// item at all are added to missed.
func (a *HTMLAdapter) parseItems(items *goquery.Selection, missed map[string]bool) parsedPage {
	sel := a.cfg.Selectors
	fields := map[string]string{
		"name":       sel.Name,
		"type":       sel.Type,
		"dimensions": sel.Dimensions,
		"tonnage":    sel.Tonnage,
		"build_year": sel.BuildYear,
		"price":      sel.Price,
		"link":       sel.Link,
		"image":      sel.Image,
	}
	matched := make(map[string]bool)

	var out parsedPage
	items.Each(func(_ int, s *goquery.Selection) {
		text := func(field string) string {
			css := fields[field]
			if css == "" {
				return ""
			}
			found := s.Find(css)
			if found.Length() > 0 {
				matched[field] = true
			}
			return cleanText(found.First().Text())
		}

		link := a.attr(s, sel.Link, "href")
		if link != "" {
			matched["link"] = true
		}
		image := a.attr(s, sel.Image, "src")
		if image != "" {
			matched["image"] = true
		}

		row := models.ListingRow{
			Source:     a.cfg.Key,
			SourceID:   a.sourceID(s, link),
			Name:       text("name"),
			Type:       text("type"),
			Dimensions: text("dimensions"),
			URL:        link,
			ImageURL:   image,
			Currency:   a.currency(s),
		}
		if sel.Sold != "" {
			row.IsSold = s.Find(sel.Sold).Length() > 0
		}

		tonnage, okT := parseNumber(text("tonnage"))
		year, okY := parseYear(text("build_year"))
		price, okP := parseNumber(text("price"))
		if !okT || !okY || !okP || row.SourceID == "" || row.Name == "" || row.URL == "" {
			out.parseFails++
			return
		}
		row.Tonnage = &tonnage
		row.BuildYear = &year
		row.Price = &price
		out.rows = append(out.rows, row)
	})

	for field, css := range fields {
		if css != "" && !matched[field] {
			missed[field] = true
		}
	}
	return out
}

func (a *HTMLAdapter) attr(s *goquery.Selection, css, name string) string {
	if css == "" {
		return ""
	}
	v, ok := s.Find(css).First().Attr(name)
	if !ok || strings.TrimSpace(v) == "" {
		return ""
	}
	return a.resolve(v)
}

func (a *HTMLAdapter) resolve(ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ""
	}
	return a.base.ResolveReference(u).String()
}

// sourceID prefers the configured attribute on the item and falls back to
// the last path segment of the detail link.
func (a *HTMLAdapter) sourceID(s *goquery.Selection, link string) string {
	if a.cfg.Selectors.SourceIDAttr != "" {
		if v, ok := s.Attr(a.cfg.Selectors.SourceIDAttr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	return parts[len(parts)-1]
}

func (a *HTMLAdapter) currency(s *goquery.Selection) string {
	css := a.cfg.Selectors.Currency
	if css == "" {
		return ""
	}
	found := s.Find(css).First()
	if v, ok := found.Attr("data-currency"); ok {
		return strings.ToUpper(strings.TrimSpace(v))
	}
	return currencyFromText(found.Text())
}

func (a *HTMLAdapter) EnrichDetail(ctx context.Context, row models.ListingRow) (models.VesselPayload, models.DetailMetrics, error) {
	var m models.DetailMetrics
	body, n, err := a.fetcher.Get(ctx, row.URL)
	m.ExternalRequests = n
	if err != nil {
		return models.VesselPayload{}, m, fmt.Errorf("detail %s: %w", row.SourceID, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		m.ParseFailCount++
		return models.VesselPayload{}, m, fmt.Errorf("parse detail %s: %w", row.SourceID, err)
	}

	detail := make(map[string]string, len(a.cfg.Selectors.DetailFields))
	for key, css := range a.cfg.Selectors.DetailFields {
		v := cleanText(doc.Find(css).First().Text())
		if v == "" {
			m.ParseFailCount++
			continue
		}
		detail[key] = v
	}

	images := []string{}
	if css := a.cfg.Selectors.DetailImages; css != "" {
		doc.Find(css).Each(func(_ int, s *goquery.Selection) {
			if src, ok := s.Attr("src"); ok && src != "" {
				images = append(images, a.resolve(src))
			}
		})
	}

	raw, err := json.Marshal(detail)
	if err != nil {
		return models.VesselPayload{}, m, err
	}
	return models.VesselPayload{ListingRow: row, Detail: raw, Images: images}, m, nil
}
