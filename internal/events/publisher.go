package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dealhound/deal-scraper/internal/cost"
	"github.com/dealhound/deal-scraper/internal/database"
)

// Event types shipped through the outbox to downstream consumers.
const (
	EventTypeCostEntry      = "COST_LEDGER_ENTRY"
	EventTypeCostAlert      = "COST_ALERT"
	EventTypeCycleCompleted = "CYCLE_COMPLETED"
)

// Publisher writes audit events into the transactional outbox; the relay
// ships them to Redis with its own retry schedule. It doubles as the cost
// governor's best-effort Auditor.
type Publisher struct {
	outbox *database.OutboxRepository
	logger *slog.Logger
}

func NewPublisher(db *database.DB, logger *slog.Logger) *Publisher {
	return &Publisher{
		outbox: database.NewOutboxRepository(db),
		logger: logger.With("component", "event_publisher"),
	}
}

// Publish appends one event to the outbox.
func (p *Publisher) Publish(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	event := &database.OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
	}

	if err := p.outbox.Insert(ctx, event); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("event published to outbox",
		"type", eventType,
		"aggregate_id", aggregateID,
		"outbox_id", event.ID)

	return nil
}

// AuditEntry implements cost.Auditor. Called from a governor goroutine, so
// failures are logged and swallowed: the audit trail never gates spending
// decisions or scraping progress.
func (p *Publisher) AuditEntry(entry cost.LedgerEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Publish(ctx, "cost_ledger", entry.ID.String(), EventTypeCostEntry, entry); err != nil {
		p.logger.Error("failed to audit ledger entry",
			"entry_id", entry.ID,
			"error", err)
	}
}

// CostAlert implements cost.Auditor.
func (p *Publisher) CostAlert(date string, totalUSD float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload := map[string]any{
		"date":      date,
		"total_usd": totalUSD,
	}
	if err := p.Publish(ctx, "cost_ledger", date, EventTypeCostAlert, payload); err != nil {
		p.logger.Error("failed to publish cost alert", "error", err)
	}
}
