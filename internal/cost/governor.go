package cost

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDailyCostLimit is returned by Authorize once the day's spend has
// reached the hard limit. It clears at the next local midnight.
var ErrDailyCostLimit = errors.New("DAILY_COST_LIMIT_EXCEEDED")

// Kind distinguishes what the metered call interpreted.
type Kind string

const (
	KindScreenshot Kind = "screenshot"
	KindText       Kind = "text"
)

// Call describes one completed metered AI call. Image content is already
// tokenized by the provider, so InputTokens includes it; HasImage is kept
// for reporting only.
type Call struct {
	Extractor    string `json:"extractor"`
	Kind         Kind   `json:"kind"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	HasImage     bool   `json:"has_image"`
}

// LedgerEntry is one billed call in the day's ledger.
type LedgerEntry struct {
	ID           uuid.UUID `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Extractor    string    `json:"extractor"`
	Kind         Kind      `json:"kind"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	HasImage     bool      `json:"has_image"`
	CostUSD      float64   `json:"cost_usd"`
}

// Summary is a derived snapshot of the current day's ledger.
type Summary struct {
	Date           string  `json:"date"`
	Calls          int     `json:"calls"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	AlertTriggered bool    `json:"alert_triggered"`
	Stopped        bool    `json:"stopped"`
}

// Auditor receives ledger entries and alert notifications as a best-effort
// audit trail. Implementations must not be consulted for authorization
// decisions; the in-memory ledger is the source of truth.
type Auditor interface {
	AuditEntry(entry LedgerEntry)
	CostAlert(date string, totalUSD float64)
}

// Config holds the governor thresholds and provider pricing. The token
// rates belong to the provider, not to callers of Record.
type Config struct {
	MaxDailyCostUSD   float64
	AlertThresholdUSD float64
	InputRatePerMTok  float64
	OutputRatePerMTok float64
}

// Governor enforces a daily spending ceiling on metered AI calls. The
// running total lives in memory and is updated synchronously under a mutex,
// so a lost audit write can never let spend exceed the limit.
type Governor struct {
	cfg     Config
	auditor Auditor
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	day     string
	entries []LedgerEntry
	total   float64
	alerted bool
}

func NewGovernor(cfg Config, auditor Auditor, logger *slog.Logger) *Governor {
	if cfg.InputRatePerMTok == 0 {
		cfg.InputRatePerMTok = 3.0
	}
	if cfg.OutputRatePerMTok == 0 {
		cfg.OutputRatePerMTok = 15.0
	}
	return &Governor{
		cfg:     cfg,
		auditor: auditor,
		logger:  logger.With("component", "cost_governor"),
		now:     time.Now,
	}
}

// Authorize reports whether another metered call may be made today. It has
// no side effects beyond the lazy day rollover.
func (g *Governor) Authorize() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollDay()
	if g.total >= g.cfg.MaxDailyCostUSD {
		return ErrDailyCostLimit
	}
	return nil
}

// Record bills a completed call against the day's ledger and returns the
// entry with its computed cost. Failed calls that consumed tokens must be
// recorded too. The in-memory total is updated before the audit write is
// attempted.
func (g *Governor) Record(call Call) LedgerEntry {
	g.mu.Lock()
	g.rollDay()

	entry := LedgerEntry{
		ID:           uuid.New(),
		Timestamp:    g.now(),
		Extractor:    call.Extractor,
		Kind:         call.Kind,
		InputTokens:  call.InputTokens,
		OutputTokens: call.OutputTokens,
		HasImage:     call.HasImage,
		CostUSD:      g.cost(call),
	}

	g.entries = append(g.entries, entry)
	g.total += entry.CostUSD

	crossedAlert := !g.alerted && g.total >= g.cfg.AlertThresholdUSD
	if crossedAlert {
		g.alerted = true
	}
	day := g.day
	total := g.total
	g.mu.Unlock()

	g.logger.Debug("metered call recorded",
		"extractor", entry.Extractor,
		"cost_usd", entry.CostUSD,
		"day_total_usd", total)

	if crossedAlert {
		g.logger.Warn("daily cost alert threshold crossed",
			"day", day,
			"total_usd", total,
			"threshold_usd", g.cfg.AlertThresholdUSD)
	}

	// Audit trail is fire-and-forget: the relay behind the auditor owns
	// retries, and a storage hiccup must not block scraping.
	if g.auditor != nil {
		go func() {
			g.auditor.AuditEntry(entry)
			if crossedAlert {
				g.auditor.CostAlert(day, total)
			}
		}()
	}

	return entry
}

// Summary recomputes the day's aggregate from its entries.
func (g *Governor) Summary() Summary {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollDay()

	s := Summary{Date: g.day}
	for _, e := range g.entries {
		s.Calls++
		s.InputTokens += e.InputTokens
		s.OutputTokens += e.OutputTokens
		s.TotalCostUSD += e.CostUSD
	}
	s.AlertTriggered = s.TotalCostUSD >= g.cfg.AlertThresholdUSD
	s.Stopped = s.TotalCostUSD >= g.cfg.MaxDailyCostUSD
	return s
}

func (g *Governor) cost(call Call) float64 {
	return float64(call.InputTokens)/1e6*g.cfg.InputRatePerMTok +
		float64(call.OutputTokens)/1e6*g.cfg.OutputRatePerMTok
}

// rollDay resets the ledger when the local calendar day has changed.
// Callers must hold the mutex.
func (g *Governor) rollDay() {
	today := g.now().Local().Format("2006-01-02")
	if g.day == today {
		return
	}
	if g.day != "" {
		g.logger.Info("cost ledger rolled over",
			"previous_day", g.day,
			"previous_total_usd", g.total,
			"calls", len(g.entries))
	}
	g.day = today
	g.entries = nil
	g.total = 0
	g.alerted = false
}
