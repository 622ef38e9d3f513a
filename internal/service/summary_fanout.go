package service

import (
	"context"
	"errors"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"
	"github.com/boddenberg/battery-aggregator-bfa/internal/port"
)

// SummaryFanout delivers a closed day to every publisher. One failing
// publisher does not stop the others; their errors are joined.
type SummaryFanout []port.DailySummaryPublisher

func (f SummaryFanout) PublishDailySummary(ctx context.Context, summary domain.DailySummary) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishDailySummary(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
