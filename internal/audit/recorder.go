// Package audit writes and archives the append-only billing event log.
package audit

import (
	"context"
	"fmt"

	"trading-fee-billing/internal/database"
	"trading-fee-billing/internal/events"
	"trading-fee-billing/internal/logging"
)

// Inserter appends billing events. Rows are never updated or deleted.
type Inserter interface {
	InsertBillingEvent(ctx context.Context, e *database.BillingEvent) (bool, error)
}

// Recorder writes billing events and announces them on the event bus
type Recorder struct {
	store  Inserter
	bus    *events.EventBus
	logger *logging.Logger
}

// NewRecorder creates a recorder. bus may be nil.
func NewRecorder(store Inserter, bus *events.EventBus, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{store: store, bus: bus, logger: logger.WithComponent("audit")}
}

// Record inserts e. It returns false without error when e carries an
// external event id that has already been recorded.
func (r *Recorder) Record(ctx context.Context, e *database.BillingEvent) (bool, error) {
	if e.EventType == "" {
		return false, fmt.Errorf("audit: event type is required")
	}
	if e.EventData == nil {
		e.EventData = map[string]interface{}{}
	}

	inserted, err := r.store.InsertBillingEvent(ctx, e)
	if err != nil {
		return false, fmt.Errorf("audit: insert %s: %w", e.EventType, err)
	}
	if !inserted {
		r.logger.Debug("Billing event already recorded", "external_event_id", deref(e.ExternalEventID))
		return false, nil
	}

	r.bus.PublishBillingEvent(e)
	return true, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
