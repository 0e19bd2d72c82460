package cost

import (
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGovernor(cfg Config, auditor Auditor) (*Governor, *time.Time) {
	g := NewGovernor(cfg, auditor, testLogger())
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local)
	g.now = func() time.Time { return now }
	return g, &now
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []LedgerEntry
	alerts  []float64
}

func (a *recordingAuditor) AuditEntry(entry LedgerEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *recordingAuditor) CostAlert(date string, total float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, total)
}

func (a *recordingAuditor) alertCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

func TestRecordComputesCost(t *testing.T) {
	g, _ := newTestGovernor(Config{
		MaxDailyCostUSD:   1.00,
		AlertThresholdUSD: 0.50,
		InputRatePerMTok:  3.0,
		OutputRatePerMTok: 15.0,
	}, nil)

	entry := g.Record(Call{
		Extractor:    "site-b",
		Kind:         KindScreenshot,
		InputTokens:  1500,
		OutputTokens: 500,
		HasImage:     true,
	})

	// 1500/1e6*3 + 500/1e6*15 = 0.0045 + 0.0075
	assert.InDelta(t, 0.012, entry.CostUSD, 1e-9)
	assert.InDelta(t, 0.012, g.Summary().TotalCostUSD, 1e-9)
}

func TestTotalsAreMonotonic(t *testing.T) {
	g, _ := newTestGovernor(Config{
		MaxDailyCostUSD:   100,
		AlertThresholdUSD: 50,
		InputRatePerMTok:  3.0,
		OutputRatePerMTok: 15.0,
	}, nil)

	var want float64
	prev := 0.0
	for i := 0; i < 25; i++ {
		entry := g.Record(Call{Extractor: "site-b", Kind: KindText, InputTokens: 40_000, OutputTokens: 10_000})
		want += entry.CostUSD

		total := g.Summary().TotalCostUSD
		require.Greater(t, total, prev, "total must strictly increase")
		prev = total
	}

	s := g.Summary()
	assert.InDelta(t, want, s.TotalCostUSD, 1e-9)
	assert.Equal(t, 25, s.Calls)
	assert.Equal(t, 25*40_000, s.InputTokens)
	assert.Equal(t, 25*10_000, s.OutputTokens)
}

func TestStateTransitions(t *testing.T) {
	auditor := &recordingAuditor{}
	g, now := newTestGovernor(Config{
		MaxDailyCostUSD:   1.00,
		AlertThresholdUSD: 0.50,
		InputRatePerMTok:  3.0,
		OutputRatePerMTok: 15.0,
	}, auditor)

	// 100k input tokens = $0.30 per call.
	call := Call{Extractor: "site-b", Kind: KindScreenshot, InputTokens: 100_000, HasImage: true}

	require.NoError(t, g.Authorize())
	g.Record(call) // 0.30: still Open
	assert.False(t, g.Summary().AlertTriggered)
	require.NoError(t, g.Authorize())

	g.Record(call) // 0.60: crossed the alert threshold
	waitFor(t, func() bool { return auditor.alertCount() == 1 })
	assert.True(t, g.Summary().AlertTriggered)
	assert.False(t, g.Summary().Stopped)
	require.NoError(t, g.Authorize(), "warned state still authorizes")

	g.Record(call) // 0.90: no second alert
	g.Record(call) // 1.20: stopped
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, auditor.alertCount(), "alert fires exactly once per day")

	assert.True(t, g.Summary().Stopped)
	assert.ErrorIs(t, g.Authorize(), ErrDailyCostLimit)

	// Next local day: ledger resets, authorization reopens.
	*now = now.Add(24 * time.Hour)
	require.NoError(t, g.Authorize())
	s := g.Summary()
	assert.Zero(t, s.Calls)
	assert.True(t, math.Abs(s.TotalCostUSD) < 1e-12)
	assert.False(t, s.AlertTriggered)
	assert.False(t, s.Stopped)
}

func TestAuditTrailReceivesEntries(t *testing.T) {
	auditor := &recordingAuditor{}
	g, _ := newTestGovernor(Config{
		MaxDailyCostUSD:   1.00,
		AlertThresholdUSD: 0.50,
		InputRatePerMTok:  3.0,
		OutputRatePerMTok: 15.0,
	}, auditor)

	g.Record(Call{Extractor: "site-b", Kind: KindText, InputTokens: 1000, OutputTokens: 100})

	waitFor(t, func() bool {
		auditor.mu.Lock()
		defer auditor.mu.Unlock()
		return len(auditor.entries) == 1
	})

	auditor.mu.Lock()
	defer auditor.mu.Unlock()
	assert.Equal(t, "site-b", auditor.entries[0].Extractor)
	assert.NotEqual(t, [16]byte{}, [16]byte(auditor.entries[0].ID))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
