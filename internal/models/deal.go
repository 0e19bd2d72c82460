package models

import (
	"time"
)

// RawDeal is a candidate product record as returned by an extractor,
// before discount validation.
type RawDeal struct {
	Name          string   `json:"name"`
	Brand         string   `json:"brand,omitempty"`
	Category      string   `json:"category,omitempty"`
	OriginalPrice float64  `json:"original_price"`
	SalePrice     float64  `json:"sale_price"`
	Currency      string   `json:"currency"`
	ImageURL      string   `json:"image_url,omitempty"`
	URL           string   `json:"url"`
	Source        string   `json:"source"`
	Regions       []string `json:"regions,omitempty"`
}

// Deal is a validated deal with its computed discount. The product URL is
// the natural key: re-scraping the same URL supersedes the stored row.
type Deal struct {
	Name            string    `json:"name"`
	Brand           string    `json:"brand,omitempty"`
	Category        string    `json:"category,omitempty"`
	OriginalPrice   float64   `json:"original_price"`
	SalePrice       float64   `json:"sale_price"`
	Currency        string    `json:"currency"`
	ImageURL        string    `json:"image_url,omitempty"`
	URL             string    `json:"url"`
	Source          string    `json:"source"`
	Regions         []string  `json:"regions,omitempty"`
	DiscountPercent int       `json:"discount_percent"`
	ScrapedAt       time.Time `json:"scraped_at"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
}
