package service

import "github.com/boddenberg/battery-aggregator-bfa/internal/domain"

var (
	DecodeState = decodeState
	EncodeState = encodeState
)

func (s *MetricsStore) PublishAggregate(seq uint64, agg domain.Aggregate) {
	s.publishAggregate(seq, agg)
}
