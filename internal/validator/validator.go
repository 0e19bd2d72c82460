package validator

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/dealhound/deal-scraper/internal/models"
)

const (
	// MinDiscountPercent is the smallest discount treated as a real deal.
	// Anything below is noise from rounding or placeholder prices.
	MinDiscountPercent = 10
	// MaxDiscountPercent is the largest plausible markdown. Above this the
	// original price is almost certainly wrong.
	MaxDiscountPercent = 70

	// estimationFactor and estimationTolerance describe the fingerprint of
	// an extractor that fabricated the original price by assuming 30% off
	// instead of reading a struck-through price.
	estimationFactor    = 1.3
	estimationTolerance = 0.01
)

var (
	ErrMissingPrice    = errors.New("original or sale price missing or not positive")
	ErrNoDiscount      = errors.New("sale price not below original price")
	ErrDiscountTooLow  = errors.New("discount below minimum threshold")
	ErrDiscountTooHigh = errors.New("discount above maximum threshold")
	// ErrEstimatedPrice indicates an upstream extractor malfunction, not a
	// bad deal. Callers should log it louder than routine rejections.
	ErrEstimatedPrice = errors.New("original price matches 30%-off estimation fingerprint")
)

// Validate applies the discount business rule to a raw record. It is pure:
// no I/O, no global state, and it never panics for any input. scrapedAt is
// stamped onto the accepted deal.
func Validate(raw models.RawDeal, scrapedAt time.Time) (models.Deal, error) {
	if !isPositive(raw.OriginalPrice) || !isPositive(raw.SalePrice) {
		return models.Deal{}, ErrMissingPrice
	}

	if raw.SalePrice >= raw.OriginalPrice {
		return models.Deal{}, ErrNoDiscount
	}

	discount := int(math.Round((raw.OriginalPrice - raw.SalePrice) / raw.OriginalPrice * 100))

	if discount < MinDiscountPercent {
		return models.Deal{}, ErrDiscountTooLow
	}
	if discount > MaxDiscountPercent {
		return models.Deal{}, ErrDiscountTooHigh
	}

	if isEstimatedOriginal(raw.OriginalPrice, raw.SalePrice) {
		return models.Deal{}, ErrEstimatedPrice
	}

	return models.Deal{
		Name:            strings.TrimSpace(raw.Name),
		Brand:           strings.TrimSpace(raw.Brand),
		Category:        raw.Category,
		OriginalPrice:   raw.OriginalPrice,
		SalePrice:       raw.SalePrice,
		Currency:        raw.Currency,
		ImageURL:        strings.TrimSpace(raw.ImageURL),
		URL:             strings.TrimSpace(raw.URL),
		Source:          raw.Source,
		Regions:         raw.Regions,
		DiscountPercent: discount,
		ScrapedAt:       scrapedAt,
	}, nil
}

func isPositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

// isEstimatedOriginal catches records where the original price sits within
// 1% of salePrice*1.3 — the signature of a scraper that synthesized the
// original from a 30%-off assumption.
func isEstimatedOriginal(original, sale float64) bool {
	estimated := sale * estimationFactor
	return math.Abs(original-estimated) <= estimated*estimationTolerance
}
