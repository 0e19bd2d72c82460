package extractor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealhound/deal-scraper/internal/models"
)

type stubExtractor struct {
	name    string
	variant Variant
	delay   time.Duration
	result  *Result
	err     error
}

func (s *stubExtractor) Name() string     { return s.name }
func (s *stubExtractor) Variant() Variant { return s.variant }

func (s *stubExtractor) Run(ctx context.Context, maxRecords int) (*Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.result, s.err
}

func TestInvokeReturnsResult(t *testing.T) {
	d := Descriptor{
		Name:       "fast",
		Variant:    VariantSelector,
		MaxRecords: 10,
		Timeout:    time.Second,
		Extractor: &stubExtractor{
			result: &Result{Records: []models.RawDeal{{Name: "x", URL: "u"}}},
		},
	}

	result, err := Invoke(context.Background(), d)
	require.NoError(t, err)
	assert.Len(t, result.Records, 1)
}

func TestInvokeTimeoutDiscardsStrayCompletion(t *testing.T) {
	slow := &stubExtractor{
		delay:  200 * time.Millisecond,
		result: &Result{Records: []models.RawDeal{{Name: "late", URL: "u"}}},
	}
	d := Descriptor{
		Name:      "slow",
		Variant:   VariantSelector,
		Timeout:   20 * time.Millisecond,
		Extractor: slow,
	}

	start := time.Now()
	result, err := Invoke(context.Background(), d)
	assert.Nil(t, result, "late result must be discarded")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "invoke must not wait for the stray run")
}

func TestInvokePropagatesExtractorError(t *testing.T) {
	wantErr := errors.New("page layout changed")
	d := Descriptor{
		Name:      "broken",
		Variant:   VariantSelector,
		Timeout:   time.Second,
		Extractor: &stubExtractor{err: wantErr},
	}

	_, err := Invoke(context.Background(), d)
	assert.ErrorIs(t, err, wantErr)
}

func TestInvokeParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := Descriptor{
		Name:      "cancelled",
		Variant:   VariantSelector,
		Timeout:   time.Second,
		Extractor: &stubExtractor{delay: time.Second},
	}

	_, err := Invoke(ctx, d)
	assert.ErrorIs(t, err, context.Canceled)
}
