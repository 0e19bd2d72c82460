package database

import (
	"context"
	"fmt"
	"time"

	"github.com/dealhound/deal-scraper/internal/models"
)

// DealRepository persists accepted deals keyed by product URL.
type DealRepository struct {
	db *DB
}

func NewDealRepository(db *DB) *DealRepository {
	return &DealRepository{db: db}
}

// Upsert inserts the deal or, when a row with the same URL exists, replaces
// its mutable fields while keeping the original created_at. The single
// statement is atomic per record, so concurrent writers cannot race a
// read-then-write.
func (r *DealRepository) Upsert(ctx context.Context, deal *models.Deal) error {
	query := `
		INSERT INTO deals (
			url, name, brand, category, original_price, sale_price,
			currency, image_url, source, regions, discount_percent, scraped_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (url) DO UPDATE SET
			name = EXCLUDED.name,
			brand = EXCLUDED.brand,
			category = EXCLUDED.category,
			original_price = EXCLUDED.original_price,
			sale_price = EXCLUDED.sale_price,
			currency = EXCLUDED.currency,
			image_url = EXCLUDED.image_url,
			source = EXCLUDED.source,
			regions = EXCLUDED.regions,
			discount_percent = EXCLUDED.discount_percent,
			scraped_at = EXCLUDED.scraped_at`

	_, err := r.db.Exec(ctx, query,
		deal.URL, deal.Name, nullable(deal.Brand), nullable(deal.Category),
		deal.OriginalPrice, deal.SalePrice, deal.Currency,
		nullable(deal.ImageURL), deal.Source, deal.Regions,
		deal.DiscountPercent, deal.ScrapedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert deal %s: %w", deal.URL, err)
	}

	return nil
}

// DeleteOlderThan removes deals not re-confirmed since the cutoff and
// returns how many were swept.
func (r *DealRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM deals WHERE scraped_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale deals: %w", err)
	}
	return tag.RowsAffected(), nil
}

// List returns the freshest deals, optionally filtered by source.
func (r *DealRepository) List(ctx context.Context, source string, limit int) ([]*models.Deal, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT url, name, brand, category, original_price, sale_price,
		       currency, image_url, source, regions, discount_percent,
		       scraped_at, created_at
		FROM deals
		WHERE ($1 = '' OR source = $1)
		ORDER BY scraped_at DESC, discount_percent DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, source, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deals: %w", err)
	}
	defer rows.Close()

	var deals []*models.Deal
	for rows.Next() {
		d := &models.Deal{}
		var brand, category, imageURL *string
		err := rows.Scan(
			&d.URL, &d.Name, &brand, &category, &d.OriginalPrice, &d.SalePrice,
			&d.Currency, &imageURL, &d.Source, &d.Regions, &d.DiscountPercent,
			&d.ScrapedAt, &d.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deal: %w", err)
		}
		d.Brand = deref(brand)
		d.Category = deref(category)
		d.ImageURL = deref(imageURL)
		deals = append(deals, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return deals, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
