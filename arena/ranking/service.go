package ranking

import (
	"context"
	"fmt"
	"time"

	"arenaserver/models"
)

// HistoryStore is the part of the encounter store the ranking service needs.
type HistoryStore interface {
	ListCompletedEncounters(ctx context.Context, participantID string, since time.Time) ([]models.Encounter, error)
	UpsertRankingRecord(ctx context.Context, rec *models.RankingRecord) error
}

type Service struct {
	store HistoryStore
	agg   *Aggregator
	now   func() time.Time
}

func NewService(store HistoryStore, agg *Aggregator, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, agg: agg, now: now}
}

// Recompute rebuilds every period record of the participant and upserts them.
func (s *Service) Recompute(ctx context.Context, participantID string) ([]models.RankingRecord, error) {
	now := s.now()
	since, _ := Window(models.PeriodAllTime, now)

	history, err := s.store.ListCompletedEncounters(ctx, participantID, since)
	if err != nil {
		return nil, fmt.Errorf("list completed encounters of %s: %w", participantID, err)
	}

	records := make([]models.RankingRecord, 0, len(models.Periods))
	for _, period := range models.Periods {
		rec := s.agg.Compute(participantID, period, history, now)
		if err := s.store.UpsertRankingRecord(ctx, &rec); err != nil {
			return nil, fmt.Errorf("upsert %s ranking of %s: %w", period, participantID, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
