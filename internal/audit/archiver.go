package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"golang.org/x/sync/errgroup"

	"trading-fee-billing/internal/database"
	"trading-fee-billing/internal/logging"
)

// EventSource streams billing events created in [from, to)
type EventSource interface {
	ForEachBillingEvent(ctx context.Context, from, to time.Time, fn func(*database.BillingEvent) error) error
}

// ArchiveResult describes one uploaded archive
type ArchiveResult struct {
	Month    string        `json:"month"`
	Key      string        `json:"key"`
	Events   int           `json:"events"`
	Duration time.Duration `json:"duration"`
}

// Archiver copies a month of billing events to object storage as JSON lines.
// Source rows stay in the database; the archive is a retention copy.
type Archiver struct {
	source EventSource
	writer ObjectWriter
	prefix string
	logger *logging.Logger
}

// NewArchiver creates an archiver writing under prefix
func NewArchiver(source EventSource, writer ObjectWriter, prefix string, logger *logging.Logger) *Archiver {
	if prefix == "" {
		prefix = "billing-events"
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Archiver{source: source, writer: writer, prefix: prefix, logger: logger.WithComponent("audit")}
}

// ObjectKey returns the archive key for a month: <prefix>/YYYY/MM.jsonl
func ObjectKey(prefix string, month time.Time) string {
	return path.Join(prefix, month.Format("2006"), month.Format("01")+".jsonl")
}

// ArchiveMonth uploads every event created during the calendar month (UTC)
// containing month. Rerunning overwrites the object with the same content.
func (a *Archiver) ArchiveMonth(ctx context.Context, month time.Time) (*ArchiveResult, error) {
	start := time.Now()
	from := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	key := ObjectKey(a.prefix, from)

	pr, pw := io.Pipe()
	count := 0

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		enc := json.NewEncoder(pw)
		err := a.source.ForEachBillingEvent(gctx, from, to, func(e *database.BillingEvent) error {
			count++
			return enc.Encode(e)
		})
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := a.writer.Put(gctx, key, pr, "application/x-ndjson")
		if err != nil {
			pr.CloseWithError(err)
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("audit: archive %s: %w", from.Format("2006-01"), err)
	}

	result := &ArchiveResult{
		Month:    from.Format("2006-01"),
		Key:      key,
		Events:   count,
		Duration: time.Since(start),
	}
	a.logger.WithDuration(result.Duration).Info("Archived billing events",
		"month", result.Month, "key", key, "events", count)
	return result, nil
}

// ArchivePreviousMonth archives the last full month before now
func (a *Archiver) ArchivePreviousMonth(ctx context.Context, now time.Time) (*ArchiveResult, error) {
	first := time.Date(now.UTC().Year(), now.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	return a.ArchiveMonth(ctx, first.AddDate(0, -1, 0))
}
