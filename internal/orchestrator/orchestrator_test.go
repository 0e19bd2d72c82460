package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealhound/deal-scraper/internal/cost"
	"github.com/dealhound/deal-scraper/internal/extractor"
	"github.com/dealhound/deal-scraper/internal/models"
)

type memStore struct {
	mu        sync.Mutex
	deals     map[string]*models.Deal
	upsertErr error
}

func newMemStore() *memStore {
	return &memStore{deals: make(map[string]*models.Deal)}
}

func (s *memStore) Upsert(ctx context.Context, deal *models.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	copied := *deal
	s.deals[deal.URL] = &copied
	return nil
}

func (s *memStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for url, deal := range s.deals {
		if deal.ScrapedAt.Before(cutoff) {
			delete(s.deals, url)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deals)
}

type stubGovernor struct {
	mu       sync.Mutex
	deny     bool
	recorded []cost.Call
}

func (g *stubGovernor) Authorize() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deny {
		return cost.ErrDailyCostLimit
	}
	return nil
}

func (g *stubGovernor) Record(call cost.Call) cost.LedgerEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recorded = append(g.recorded, call)
	return cost.LedgerEntry{Extractor: call.Extractor}
}

func (g *stubGovernor) recordedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.recorded)
}

type stubExtractor struct {
	name    string
	variant extractor.Variant
	result  *extractor.Result
	err     error
	delay   time.Duration

	mu   sync.Mutex
	runs int
}

func (e *stubExtractor) Name() string               { return e.name }
func (e *stubExtractor) Variant() extractor.Variant { return e.variant }

func (e *stubExtractor) Run(ctx context.Context, maxRecords int) (*extractor.Result, error) {
	e.mu.Lock()
	e.runs++
	e.mu.Unlock()
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.result, e.err
}

func (e *stubExtractor) runCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs
}

func describe(e *stubExtractor) extractor.Descriptor {
	return extractor.Descriptor{
		Name:       e.name,
		Variant:    e.variant,
		MaxRecords: 50,
		Timeout:    time.Second,
		Extractor:  e,
	}
}

func validDeal(url string) models.RawDeal {
	return models.RawDeal{
		Name:          "Trail Runner GTX",
		Brand:         "Salomon",
		OriginalPrice: 100,
		SalePrice:     50,
		Currency:      "EUR",
		URL:           url,
		Source:        "test",
	}
}

func newTestOrchestrator(t *testing.T, roster []extractor.Descriptor, store Store, gov Governor) *Orchestrator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{
		Interval:  time.Hour,
		Retention: 7 * 24 * time.Hour,
	}, roster, store, gov, nil, logger)
}

func TestRunCycleFailureIsolation(t *testing.T) {
	good1 := &stubExtractor{name: "shop-a", variant: extractor.VariantSelector,
		result: &extractor.Result{Records: []models.RawDeal{validDeal("https://a.example/1")}}}
	broken := &stubExtractor{name: "shop-b", variant: extractor.VariantSelector,
		err: errors.New("connection refused")}
	good2 := &stubExtractor{name: "shop-c", variant: extractor.VariantSelector,
		result: &extractor.Result{Records: []models.RawDeal{validDeal("https://c.example/1")}}}

	store := newMemStore()
	o := newTestOrchestrator(t, []extractor.Descriptor{
		describe(good1), describe(broken), describe(good2),
	}, store, &stubGovernor{})

	result, err := o.RunCycle(context.Background())
	require.NoError(t, err, "one broken extractor must not fail the cycle")

	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, 2, result.RecordsStored)
	assert.Equal(t, 2, store.count())

	require.Len(t, result.Outcomes, 3)
	assert.Equal(t, OutcomeFailed, result.Outcomes[1].Outcome)
	assert.Contains(t, result.Outcomes[1].Reason, "connection refused")
}

func TestRunCycleCostStopSkipsVision(t *testing.T) {
	selector := &stubExtractor{name: "shop-a", variant: extractor.VariantSelector,
		result: &extractor.Result{Records: []models.RawDeal{validDeal("https://a.example/1")}}}
	vision := &stubExtractor{name: "shop-v", variant: extractor.VariantVision,
		result: &extractor.Result{Records: []models.RawDeal{validDeal("https://v.example/1")}}}

	store := newMemStore()
	gov := &stubGovernor{deny: true}
	o := newTestOrchestrator(t, []extractor.Descriptor{
		describe(selector), describe(vision),
	}, store, gov)

	result, err := o.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 1, result.RecordsStored)

	assert.Equal(t, 0, vision.runCount(), "a denied vision extractor must never run")
	assert.Equal(t, 0, gov.recordedCount())
	assert.Contains(t, result.Outcomes[1].Reason, "cost limit")
}

func TestRunCycleBillsUsageDespiteFailure(t *testing.T) {
	vision := &stubExtractor{name: "shop-v", variant: extractor.VariantVision,
		result: &extractor.Result{Usage: &extractor.Usage{InputTokens: 1500, OutputTokens: 20, HasImage: true}},
		err:    errors.New("model returned garbage")}

	gov := &stubGovernor{}
	o := newTestOrchestrator(t, []extractor.Descriptor{describe(vision)}, newMemStore(), gov)

	result, err := o.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	require.Equal(t, 1, gov.recordedCount(), "tokens were consumed, the call must be billed")
	assert.Equal(t, cost.KindScreenshot, gov.recorded[0].Kind)
	assert.Equal(t, 1500, gov.recorded[0].InputTokens)
}

func TestRunCycleFiltersInvalidRecords(t *testing.T) {
	lowDiscount := validDeal("https://a.example/low")
	lowDiscount.SalePrice = 95 // 5% off, below the band

	ext := &stubExtractor{name: "shop-a", variant: extractor.VariantSelector,
		result: &extractor.Result{Records: []models.RawDeal{
			validDeal("https://a.example/ok"), lowDiscount,
		}}}

	store := newMemStore()
	o := newTestOrchestrator(t, []extractor.Descriptor{describe(ext)}, store, &stubGovernor{})

	result, err := o.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Outcomes[0].RecordsFound)
	assert.Equal(t, 1, result.Outcomes[0].RecordsStored)
	assert.Equal(t, 1, store.count())
}

func TestRunCycleUpsertIsIdempotent(t *testing.T) {
	ext := &stubExtractor{name: "shop-a", variant: extractor.VariantSelector,
		result: &extractor.Result{Records: []models.RawDeal{validDeal("https://a.example/1")}}}

	store := newMemStore()
	o := newTestOrchestrator(t, []extractor.Descriptor{describe(ext)}, store, &stubGovernor{})

	_, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	_, err = o.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, store.count(), "re-scraping the same URL must update, not duplicate")
}

func TestRunCycleSweepsStaleDeals(t *testing.T) {
	store := newMemStore()
	store.deals["https://old.example/1"] = &models.Deal{
		URL:       "https://old.example/1",
		ScrapedAt: time.Now().Add(-30 * 24 * time.Hour),
	}

	ext := &stubExtractor{name: "shop-a", variant: extractor.VariantSelector,
		result: &extractor.Result{Records: []models.RawDeal{validDeal("https://a.example/1")}}}
	o := newTestOrchestrator(t, []extractor.Descriptor{describe(ext)}, store, &stubGovernor{})

	result, err := o.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.StaleDeleted)
	assert.Equal(t, 1, store.count(), "only the fresh deal remains")
}

func TestRunCycleFatalWhenStoreRejectsEverything(t *testing.T) {
	ext := &stubExtractor{name: "shop-a", variant: extractor.VariantSelector,
		result: &extractor.Result{Records: []models.RawDeal{
			validDeal("https://a.example/1"), validDeal("https://a.example/2"),
		}}}

	store := newMemStore()
	store.upsertErr = errors.New("connection refused")
	o := newTestOrchestrator(t, []extractor.Descriptor{describe(ext)}, store, &stubGovernor{})

	_, err := o.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected all")
}

func TestConcurrentCycleRejected(t *testing.T) {
	slow := &stubExtractor{name: "shop-slow", variant: extractor.VariantSelector,
		delay:  200 * time.Millisecond,
		result: &extractor.Result{}}

	o := newTestOrchestrator(t, []extractor.Descriptor{describe(slow)}, newMemStore(), &stubGovernor{})

	require.NoError(t, o.TriggerManual())

	// The background cycle is sitting in the slow extractor now.
	require.Eventually(t, func() bool { return o.Stats().CycleInFlight },
		time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, o.TriggerManual(), ErrCycleInFlight)
	_, err := o.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInFlight)

	require.Eventually(t, func() bool { return !o.Stats().CycleInFlight },
		time.Second, 5*time.Millisecond)
	assert.NoError(t, o.TriggerManual(), "a finished cycle frees the slot")
}

func TestStartStopIdempotent(t *testing.T) {
	o := newTestOrchestrator(t, nil, newMemStore(), &stubGovernor{})

	o.Start()
	o.Start()
	assert.True(t, o.Stats().SchedulerActive)
	assert.NotNil(t, o.Stats().NextCycleAt)

	o.Stop()
	o.Stop()
	assert.False(t, o.Stats().SchedulerActive)
	assert.Nil(t, o.Stats().NextCycleAt)

	o.Start()
	assert.True(t, o.Stats().SchedulerActive)
	o.Stop()
}

func TestStatsAccumulateAcrossCycles(t *testing.T) {
	ext := &stubExtractor{name: "shop-a", variant: extractor.VariantSelector,
		result: &extractor.Result{Records: []models.RawDeal{validDeal("https://a.example/1")}}}

	o := newTestOrchestrator(t, []extractor.Descriptor{describe(ext)}, newMemStore(), &stubGovernor{})

	_, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	_, err = o.RunCycle(context.Background())
	require.NoError(t, err)

	stats := o.Stats()
	assert.Equal(t, 2, stats.CyclesRun)
	assert.Equal(t, 2, stats.ExtractorsSucceeded)
	assert.Equal(t, 2, stats.RecordsStored)
	assert.NotNil(t, stats.LastCycleStarted)

	last := o.LastResult()
	require.NotNil(t, last)
	assert.Equal(t, 1, last.Succeeded)
}
