package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/dealhound/deal-scraper/internal/models"
)

// Selectors names the CSS paths for each field within one deal tile.
// Name, SalePrice and OriginalPrice are required; the rest are optional.
type Selectors struct {
	Item          string
	Name          string
	Brand         string
	OriginalPrice string
	SalePrice     string
	Image         string
	Link          string
}

// SiteConfig is the static configuration for one selector-based site.
type SiteConfig struct {
	Name      string
	URL       string
	Currency  string
	Regions   []string
	Selectors Selectors
}

// SelectorExtractor scrapes a sale page with fixed CSS selectors. It is
// deterministic and costs nothing beyond the page fetch.
type SelectorExtractor struct {
	cfg    SiteConfig
	client *http.Client
	logger *slog.Logger
}

func NewSelector(cfg SiteConfig, logger *slog.Logger) *SelectorExtractor {
	return &SelectorExtractor{
		cfg: cfg,
		client: &http.Client{
			Timeout: 45 * time.Second,
		},
		logger: logger.With("component", "selector_extractor", "site", cfg.Name),
	}
}

func (e *SelectorExtractor) Name() string     { return e.cfg.Name }
func (e *SelectorExtractor) Variant() Variant { return VariantSelector }

func (e *SelectorExtractor) Run(ctx context.Context, maxRecords int) (*Result, error) {
	doc, err := e.fetch(ctx)
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(e.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid site url %q: %w", e.cfg.URL, err)
	}

	var records []models.RawDeal
	doc.Find(e.cfg.Selectors.Item).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		if len(records) >= maxRecords {
			return false
		}

		raw := models.RawDeal{
			Name:          strings.TrimSpace(item.Find(e.cfg.Selectors.Name).First().Text()),
			Currency:      e.cfg.Currency,
			Source:        e.cfg.Name,
			Regions:       e.cfg.Regions,
			OriginalPrice: ParsePrice(item.Find(e.cfg.Selectors.OriginalPrice).First().Text()),
			SalePrice:     ParsePrice(item.Find(e.cfg.Selectors.SalePrice).First().Text()),
		}

		if e.cfg.Selectors.Brand != "" {
			raw.Brand = strings.TrimSpace(item.Find(e.cfg.Selectors.Brand).First().Text())
		}
		if href, ok := item.Find(e.cfg.Selectors.Link).First().Attr("href"); ok {
			raw.URL = resolveURL(base, href)
		}
		if e.cfg.Selectors.Image != "" {
			if src, ok := item.Find(e.cfg.Selectors.Image).First().Attr("src"); ok {
				raw.ImageURL = resolveURL(base, src)
			}
		}

		// Tiles without a name or link are navigation chrome matched by a
		// too-broad item selector; skip them quietly.
		if raw.Name == "" || raw.URL == "" {
			return true
		}

		records = append(records, raw)
		return true
	})

	e.logger.Debug("page parsed", "records", len(records))
	return &Result{Records: records}, nil
}

func (e *SelectorExtractor) fetch(ctx context.Context) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", e.cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, e.cfg.URL)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return doc, nil
}

func resolveURL(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

var (
	priceRe            = regexp.MustCompile(`\d+(?:[.,]\d{3})*(?:[.,]\d{1,2})?`)
	groupedThousandsRe = regexp.MustCompile(`^\d{1,3}(?:\.\d{3})+$`)
)

// ParsePrice extracts the first monetary amount from text like "€ 1.299,95",
// "$1,299.95" or "29,99". Returns 0 when no amount is present; the validator
// rejects such records downstream.
func ParsePrice(text string) float64 {
	match := priceRe.FindString(text)
	if match == "" {
		return 0
	}

	lastComma := strings.LastIndex(match, ",")
	lastDot := strings.LastIndex(match, ".")

	switch {
	case lastComma > lastDot:
		// European format: dots group thousands, comma is decimal.
		match = strings.ReplaceAll(match, ".", "")
		match = strings.Replace(match, ",", ".", 1)
	case lastDot >= 0 && groupedThousandsRe.MatchString(match):
		// "1.299" style: dots are thousands separators, no decimal part.
		match = strings.ReplaceAll(match, ".", "")
	default:
		// US format (or no decimal part): commas group thousands.
		match = strings.ReplaceAll(match, ",", "")
	}

	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0
	}
	return v
}
