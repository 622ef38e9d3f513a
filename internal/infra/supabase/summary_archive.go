package supabase

import (
	"context"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

const summaryTable = "daily_summaries"

type summaryRow struct {
	EngineID          string    `json:"engine_id"`
	Date              string    `json:"date"`
	Trigger           string    `json:"trigger"`
	DailyCharged      float64   `json:"daily_charged_kwh"`
	DailyDischarged   float64   `json:"daily_discharged_kwh"`
	AveragePercentage float64   `json:"average_percentage"`
	SourceCount       int       `json:"source_count"`
	ClosedAt          time.Time `json:"closed_at"`
}

// SummaryArchive stores closed accounting days in daily_summaries
// (implements port.DailySummaryPublisher). A repeated (engine, date, trigger)
// overwrites the earlier row.
type SummaryArchive struct {
	client   *Client
	engineID string
}

// NewSummaryArchive creates a SummaryArchive for the given engine id.
func NewSummaryArchive(client *Client, engineID string) *SummaryArchive {
	return &SummaryArchive{client: client, engineID: engineID}
}

// PublishDailySummary upserts one summary row.
func (a *SummaryArchive) PublishDailySummary(ctx context.Context, s domain.DailySummary) error {
	ctx, span := tracer.Start(ctx, "Supabase.ArchiveDailySummary")
	defer span.End()
	span.SetAttributes(
		attribute.String("summary.date", s.Date),
		attribute.String("summary.trigger", s.Trigger),
	)

	row := summaryRow{
		EngineID:          a.engineID,
		Date:              s.Date,
		Trigger:           s.Trigger,
		DailyCharged:      s.DailyCharged,
		DailyDischarged:   s.DailyDischarged,
		AveragePercentage: s.AveragePercentage,
		SourceCount:       s.SourceCount,
		ClosedAt:          s.ClosedAt.UTC(),
	}
	return a.client.call(ctx, func() error {
		return a.client.doPost(ctx, summaryTable+"?on_conflict=engine_id,date,trigger", "resolution=merge-duplicates,return=minimal", row)
	})
}
