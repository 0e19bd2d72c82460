package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dealhound/deal-scraper/internal/cost"
	"github.com/dealhound/deal-scraper/internal/extractor"
	"github.com/dealhound/deal-scraper/internal/models"
	"github.com/dealhound/deal-scraper/internal/validator"
)

// ErrCycleInFlight is returned when a cycle is requested while another one
// is still running. Manual triggers are rejected rather than queued: a
// cycle queued right behind a full pass would re-scrape identical pages for
// no benefit.
var ErrCycleInFlight = errors.New("CYCLE_ALREADY_RUNNING")

// Store is the upsert contract the orchestrator persists accepted deals
// through. Implemented by database.DealRepository.
type Store interface {
	Upsert(ctx context.Context, deal *models.Deal) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Governor gates and bills metered vision extractions. Implemented by
// cost.Governor.
type Governor interface {
	Authorize() error
	Record(call cost.Call) cost.LedgerEntry
}

// Notifier receives a cycle-completed event after each cycle. Implemented
// by events.Publisher; optional.
type Notifier interface {
	Publish(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) error
}

// Pacer spaces consecutive extractors within a cycle and adapts its delays
// to extractor failures. Implemented by ratelimit.AdaptiveLimiter.
type Pacer interface {
	Wait(ctx context.Context) error
	RecordSuccess()
	RecordError()
}

// Outcome classifies how one extractor invocation ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// ExtractorOutcome is the per-extractor entry in a cycle result.
type ExtractorOutcome struct {
	Name          string            `json:"name"`
	Variant       extractor.Variant `json:"variant"`
	Outcome       Outcome           `json:"outcome"`
	Reason        string            `json:"reason,omitempty"`
	RecordsFound  int               `json:"records_found"`
	RecordsStored int               `json:"records_stored"`
	DurationMS    int64             `json:"duration_ms"`
}

// CycleResult aggregates one full pass over the roster.
type CycleResult struct {
	StartedAt     time.Time          `json:"started_at"`
	FinishedAt    time.Time          `json:"finished_at"`
	Attempted     int                `json:"attempted"`
	Succeeded     int                `json:"succeeded"`
	Failed        int                `json:"failed"`
	Skipped       int                `json:"skipped"`
	RecordsStored int                `json:"records_stored"`
	StaleDeleted  int64              `json:"stale_deleted"`
	Outcomes      []ExtractorOutcome `json:"outcomes"`
}

// Stats is the process-wide scheduler state exposed on the admin surface.
// It is reset on restart; nothing here needs to survive the process.
type Stats struct {
	CyclesRun           int        `json:"cycles_run"`
	ExtractorsSucceeded int        `json:"extractors_succeeded"`
	ExtractorsFailed    int        `json:"extractors_failed"`
	ExtractorsSkipped   int        `json:"extractors_skipped"`
	RecordsStored       int        `json:"records_stored"`
	LastCycleStarted    *time.Time `json:"last_cycle_started,omitempty"`
	NextCycleAt         *time.Time `json:"next_cycle_at,omitempty"`
	CycleInFlight       bool       `json:"cycle_in_flight"`
	SchedulerActive     bool       `json:"scheduler_active"`
}

type Config struct {
	// Interval between scheduled cycles.
	Interval time.Duration
	// Retention is how long a stored deal survives without re-confirmation.
	Retention time.Duration
	// ExtractorDelay paces consecutive extractors within a cycle so the
	// roster doesn't hammer targets back to back. Ignored when Pacer is set.
	ExtractorDelay time.Duration
	// Pacer, when set, replaces the fixed ExtractorDelay with adaptive
	// jittered pacing.
	Pacer Pacer
}

// Orchestrator owns the fixed extractor roster and runs it sequentially on
// a timer. Extractors are strictly one-after-another: parallel
// browser-backed scrapes multiply memory pressure and anti-bot risk while
// the cycle as a whole is not latency-sensitive. The roster order is fixed
// so a mid-cycle cost stop leaves a deterministic set of completed sites.
type Orchestrator struct {
	cfg      Config
	roster   []extractor.Descriptor
	store    Store
	governor Governor
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	inFlight   bool
	running    bool
	cancel     context.CancelFunc
	stats      Stats
	lastResult *CycleResult
}

func New(cfg Config, roster []extractor.Descriptor, store Store, governor Governor, notifier Notifier, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		roster:   roster,
		store:    store,
		governor: governor,
		notifier: notifier,
		logger:   logger.With("component", "orchestrator"),
		now:      time.Now,
	}
}

// RunCycle runs every extractor in the roster exactly once, in declared
// order. Individual extractor failures and cost skips are recorded in the
// result, never raised: one misbehaving site must not stop collection from
// the rest. The only error conditions are a concurrent cycle and a store
// that rejected every single upsert of the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleResult, error) {
	if err := o.beginCycle(); err != nil {
		return nil, err
	}
	defer o.endCycle()

	return o.runCycle(ctx)
}

// TriggerManual starts a cycle outside the schedule and returns
// immediately; the cycle runs in the background. Returns ErrCycleInFlight
// when one is already running.
func (o *Orchestrator) TriggerManual() error {
	if err := o.beginCycle(); err != nil {
		return err
	}

	go func() {
		defer o.endCycle()
		if _, err := o.runCycle(context.Background()); err != nil {
			o.logger.Error("manual cycle failed", "error", err)
		}
	}()

	return nil
}

// Start arms the scheduler. Calling Start on a running orchestrator is a
// no-op.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.running = true
	o.stats.SchedulerActive = true
	next := o.now().Add(o.cfg.Interval)
	o.stats.NextCycleAt = &next

	go o.loop(ctx)

	o.logger.Info("scheduler started", "interval", o.cfg.Interval)
}

// Stop disarms the scheduler. A cycle already in flight finishes; only
// future ticks are cancelled. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running {
		return
	}

	o.cancel()
	o.cancel = nil
	o.running = false
	o.stats.SchedulerActive = false
	o.stats.NextCycleAt = nil

	o.logger.Info("scheduler stopped")
}

// Stats returns a snapshot of the scheduler state.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// LastResult returns the most recent completed cycle result, or nil.
func (o *Orchestrator) LastResult() *CycleResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastResult
}

func (o *Orchestrator) loop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runScheduled(ctx)

			o.mu.Lock()
			if o.running {
				next := o.now().Add(o.cfg.Interval)
				o.stats.NextCycleAt = &next
			}
			o.mu.Unlock()
		}
	}
}

func (o *Orchestrator) runScheduled(ctx context.Context) {
	_, err := o.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrCycleInFlight):
		o.logger.Warn("scheduled cycle skipped, previous cycle still running")
	default:
		// A fatal cycle error means the store was down for the whole
		// cycle. Immediate retries against a down store would loop
		// tightly; the next scheduled tick is the retry.
		o.logger.Error("cycle failed", "error", err)
	}
}

func (o *Orchestrator) beginCycle() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.inFlight {
		return ErrCycleInFlight
	}
	o.inFlight = true
	o.stats.CycleInFlight = true
	started := o.now()
	o.stats.LastCycleStarted = &started
	return nil
}

func (o *Orchestrator) endCycle() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inFlight = false
	o.stats.CycleInFlight = false
}

// cycleState accumulates store-level counters across the roster so the
// fatal "store down for the whole cycle" condition can be detected.
type cycleState struct {
	upsertAttempts int
	upsertFailures int
}

func (o *Orchestrator) runCycle(ctx context.Context) (*CycleResult, error) {
	result := &CycleResult{StartedAt: o.now()}
	state := &cycleState{}

	o.logger.Info("cycle started", "roster_size", len(o.roster))

	for i, desc := range o.roster {
		if i > 0 {
			if err := o.pause(ctx); err != nil {
				return result, err
			}
		}

		outcome := o.runExtractor(ctx, desc, state)
		result.Outcomes = append(result.Outcomes, outcome)
		result.Attempted++
		result.RecordsStored += outcome.RecordsStored

		o.mu.Lock()
		switch outcome.Outcome {
		case OutcomeSucceeded:
			result.Succeeded++
			o.stats.ExtractorsSucceeded++
		case OutcomeFailed:
			result.Failed++
			o.stats.ExtractorsFailed++
		case OutcomeSkipped:
			result.Skipped++
			o.stats.ExtractorsSkipped++
		}
		o.stats.RecordsStored += outcome.RecordsStored
		o.mu.Unlock()

		if o.cfg.Pacer != nil {
			switch outcome.Outcome {
			case OutcomeSucceeded:
				o.cfg.Pacer.RecordSuccess()
			case OutcomeFailed:
				o.cfg.Pacer.RecordError()
			}
		}
	}

	if state.upsertAttempts > 0 && state.upsertFailures == state.upsertAttempts {
		return result, fmt.Errorf("store rejected all %d upserts this cycle", state.upsertAttempts)
	}

	cutoff := o.now().Add(-o.cfg.Retention)
	deleted, err := o.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		// Stale rows linger until the next cycle's sweep; not fatal.
		o.logger.Error("retention sweep failed", "error", err)
	} else {
		result.StaleDeleted = deleted
		if deleted > 0 {
			o.logger.Info("stale deals swept", "deleted", deleted, "cutoff", cutoff)
		}
	}

	result.FinishedAt = o.now()

	o.mu.Lock()
	o.stats.CyclesRun++
	o.lastResult = result
	o.mu.Unlock()

	o.logger.Info("cycle finished",
		"attempted", result.Attempted,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"records_stored", result.RecordsStored)

	if o.notifier != nil {
		if err := o.notifier.Publish(ctx, "scrape_cycle",
			result.StartedAt.Format(time.RFC3339), "CYCLE_COMPLETED", result); err != nil {
			o.logger.Error("failed to publish cycle event", "error", err)
		}
	}

	return result, nil
}

func (o *Orchestrator) runExtractor(ctx context.Context, desc extractor.Descriptor, state *cycleState) ExtractorOutcome {
	outcome := ExtractorOutcome{Name: desc.Name, Variant: desc.Variant}
	log := o.logger.With("extractor", desc.Name)

	if desc.Variant == extractor.VariantVision {
		if err := o.governor.Authorize(); err != nil {
			// A cost stop self-heals at the day boundary; skip, don't abort.
			log.Warn("vision extractor skipped", "reason", err.Error())
			outcome.Outcome = OutcomeSkipped
			outcome.Reason = fmt.Sprintf("cost limit: %s", err.Error())
			return outcome
		}
	}

	started := o.now()
	result, err := extractor.Invoke(ctx, desc)
	outcome.DurationMS = o.now().Sub(started).Milliseconds()

	// Bill reported usage before looking at the error: a failed vision call
	// that consumed tokens was still charged by the provider.
	if desc.Variant == extractor.VariantVision && result != nil && result.Usage != nil {
		kind := cost.KindText
		if result.Usage.HasImage {
			kind = cost.KindScreenshot
		}
		entry := o.governor.Record(cost.Call{
			Extractor:    desc.Name,
			Kind:         kind,
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
			HasImage:     result.Usage.HasImage,
		})
		log.Debug("vision call billed", "cost_usd", entry.CostUSD)
	}

	if err != nil {
		log.Error("extractor failed", "error", err, "duration_ms", outcome.DurationMS)
		outcome.Outcome = OutcomeFailed
		outcome.Reason = err.Error()
		return outcome
	}

	outcome.RecordsFound = len(result.Records)

	for _, raw := range result.Records {
		deal, verr := validator.Validate(raw, o.now())
		if verr != nil {
			if errors.Is(verr, validator.ErrEstimatedPrice) {
				// Fingerprint hits mean the extractor is synthesizing
				// prices; that's a malfunction worth surfacing.
				log.Warn("record rejected", "reason", verr.Error(), "url", raw.URL)
			} else {
				// Routine filtering, not a fault.
				log.Debug("record rejected", "reason", verr.Error(), "url", raw.URL)
			}
			continue
		}

		state.upsertAttempts++
		if err := o.store.Upsert(ctx, &deal); err != nil {
			state.upsertFailures++
			log.Error("failed to store deal", "url", deal.URL, "error", err)
			continue
		}
		outcome.RecordsStored++
	}

	log.Info("extractor finished",
		"records_found", outcome.RecordsFound,
		"records_stored", outcome.RecordsStored,
		"duration_ms", outcome.DurationMS)

	outcome.Outcome = OutcomeSucceeded
	return outcome
}

// pause waits the configured inter-extractor delay, abandoning the wait if
// the context is cancelled.
func (o *Orchestrator) pause(ctx context.Context) error {
	if o.cfg.Pacer != nil {
		return o.cfg.Pacer.Wait(ctx)
	}
	if o.cfg.ExtractorDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.cfg.ExtractorDelay):
		return nil
	}
}
