package validator

import (
	"errors"
	"testing"
	"time"

	"github.com/dealhound/deal-scraper/internal/models"
)

func TestValidateDiscountBounds(t *testing.T) {
	tests := []struct {
		name     string
		original float64
		sale     float64
		wantErr  error
		wantPct  int
	}{
		{"30 percent", 100, 70, nil, 30},
		{"exactly 10 percent", 100, 90, nil, 10},
		{"exactly 70 percent", 100, 30, nil, 70},
		{"9 percent too low", 100, 91, ErrDiscountTooLow, 0},
		{"71 percent too high", 100, 29, ErrDiscountTooHigh, 0},
		{"rounds up into band", 100, 90.4, nil, 10},
		{"rounds down out of band", 100, 90.6, ErrDiscountTooLow, 0},
		{"no discount", 100, 100, ErrNoDiscount, 0},
		{"inverted prices", 70, 100, ErrNoDiscount, 0},
		{"missing original", 0, 50, ErrMissingPrice, 0},
		{"missing sale", 100, 0, ErrMissingPrice, 0},
		{"negative sale", 100, -5, ErrMissingPrice, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deal, err := Validate(models.RawDeal{
				Name:          "Test Product",
				OriginalPrice: tt.original,
				SalePrice:     tt.sale,
				URL:           "https://example.com/p/1",
			}, time.Now())

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate(%v, %v) error = %v, want %v", tt.original, tt.sale, err, tt.wantErr)
			}
			if err == nil && deal.DiscountPercent != tt.wantPct {
				t.Errorf("discount = %d, want %d", deal.DiscountPercent, tt.wantPct)
			}
		})
	}
}

func TestValidateEstimationFingerprint(t *testing.T) {
	// original == sale * 1.3 exactly: the bare 23% discount would pass the
	// band check, but the record must be rejected as a synthesized price.
	_, err := Validate(models.RawDeal{
		Name:          "Suspicious",
		OriginalPrice: 130,
		SalePrice:     100,
		URL:           "https://example.com/p/2",
	}, time.Now())
	if !errors.Is(err, ErrEstimatedPrice) {
		t.Fatalf("error = %v, want ErrEstimatedPrice", err)
	}

	// Just outside the 1% tolerance: accepted.
	deal, err := Validate(models.RawDeal{
		Name:          "Legit",
		OriginalPrice: 132,
		SalePrice:     100,
		URL:           "https://example.com/p/3",
	}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deal.DiscountPercent != 24 {
		t.Errorf("discount = %d, want 24", deal.DiscountPercent)
	}
}

func TestValidateTrimsWhitespace(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	deal, err := Validate(models.RawDeal{
		Name:          "  Winter Jacket \n",
		Brand:         " Acme ",
		OriginalPrice: 200,
		SalePrice:     120,
		Currency:      "EUR",
		ImageURL:      " https://example.com/img.jpg ",
		URL:           " https://example.com/p/4 ",
		Source:        "example",
	}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if deal.Name != "Winter Jacket" {
		t.Errorf("name = %q", deal.Name)
	}
	if deal.URL != "https://example.com/p/4" {
		t.Errorf("url = %q", deal.URL)
	}
	if deal.ImageURL != "https://example.com/img.jpg" {
		t.Errorf("image url = %q", deal.ImageURL)
	}
	if !deal.ScrapedAt.Equal(now) {
		t.Errorf("scrapedAt = %v, want %v", deal.ScrapedAt, now)
	}
	if deal.DiscountPercent != 40 {
		t.Errorf("discount = %d, want 40", deal.DiscountPercent)
	}
}
