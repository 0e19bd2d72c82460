package extractor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dealhound/deal-scraper/internal/models"
)

// Variant discriminates extractors by cost profile so the orchestrator can
// gate metered ones without type-testing concrete implementations.
type Variant string

const (
	// VariantSelector is a deterministic CSS-selector extractor with zero
	// marginal external cost.
	VariantSelector Variant = "selector"
	// VariantVision delegates page interpretation to a metered AI service.
	VariantVision Variant = "vision"
)

// Usage reports the tokens consumed by a vision extractor's AI call. Image
// content is already included in InputTokens by the provider.
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	HasImage     bool `json:"has_image"`
}

// Result is the output of one extractor run. Usage is set only by vision
// extractors and must be present even on partial or failed extraction if an
// AI call was made, so its cost is never lost.
type Result struct {
	Records []models.RawDeal `json:"records"`
	Usage   *Usage           `json:"usage,omitempty"`
}

// Extractor scrapes one retailer and returns raw candidate deals.
type Extractor interface {
	Name() string
	Variant() Variant
	Run(ctx context.Context, maxRecords int) (*Result, error)
}

// Descriptor is the static roster entry for one extractor: its identity,
// cost variant, and invocation limits. Built once at startup, never mutated.
type Descriptor struct {
	Name       string
	Variant    Variant
	MaxRecords int
	Timeout    time.Duration
	Extractor  Extractor
}

// ErrTimeout marks an extractor invocation cut off by its deadline.
var ErrTimeout = errors.New("extractor timed out")

// Invoke runs an extractor with a hard timeout. There is no mid-extraction
// cancellation beyond the context: if the deadline fires, the invocation is
// reported as failed and any result a stray late completion produces is
// discarded, never applied retroactively.
func Invoke(ctx context.Context, d Descriptor) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}

	// Buffered so an abandoned run can complete without leaking.
	done := make(chan outcome, 1)
	go func() {
		res, err := d.Extractor.Run(runCtx, d.MaxRecords)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrTimeout, d.Timeout)
	}
}
