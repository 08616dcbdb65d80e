package utils

import (
	"context"
	"time"

	"arenaserver/arena/store"
	"arenaserver/models"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	staleWaitingAge = 24 * time.Hour
	retryDrainBatch = 100
	jobTimeout      = time.Minute
)

// EncounterCloser は期限切れのオークション・マーケットを終了させます。
type EncounterCloser interface {
	Close(ctx context.Context, encounterID string) error
}

// RetryDrainer はランキング再計算のリトライキューを処理します。
type RetryDrainer interface {
	Drain(ctx context.Context, n int64) (int, error)
}

type Maintenance struct {
	store   store.Store
	closer  EncounterCloser
	drainer RetryDrainer
	logger  *zap.Logger
	now     func() time.Time
}

func NewMaintenance(st store.Store, closer EncounterCloser, drainer RetryDrainer, logger *zap.Logger, now func() time.Time) *Maintenance {
	if now == nil {
		now = time.Now
	}
	return &Maintenance{store: st, closer: closer, drainer: drainer, logger: logger, now: now}
}

// CloseExpiredEncounters は終了時刻を過ぎたオークションとマーケットを閉じ、閉じた件数を返します。
func (m *Maintenance) CloseExpiredEncounters(ctx context.Context) int {
	closed := 0
	for _, kind := range []models.EncounterKind{models.KindAuction, models.KindBetting} {
		ids, err := m.store.ListExpired(ctx, kind, m.now())
		if err != nil {
			m.logger.Error("期限切れEncounterの取得に失敗しました", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		for _, id := range ids {
			if err := m.closer.Close(ctx, id); err != nil {
				m.logger.Warn("Encounterの終了に失敗しました", zap.String("encounter", id), zap.Error(err))
				continue
			}
			closed++
		}
	}
	if closed > 0 {
		m.logger.Info("期限切れEncounterを終了しました", zap.Int("closed", closed))
	}
	return closed
}

func (m *Maintenance) DrainRankingRetries(ctx context.Context) int {
	done, err := m.drainer.Drain(ctx, retryDrainBatch)
	if err != nil {
		m.logger.Error("リトライキューの処理に失敗しました", zap.Error(err))
		return 0
	}
	if done > 0 {
		m.logger.Info("ランキングを再計算しました", zap.Int("participants", done))
	}
	return done
}

// Cleanup は期限切れの修正値を削除し、24時間開始されない待機中のEncounterをキャンセルします。
func (m *Maintenance) Cleanup(ctx context.Context) {
	now := m.now()
	pruned, err := m.store.PruneExpiredModifiers(ctx, now)
	if err != nil {
		m.logger.Error("期限切れ修正値の削除に失敗しました", zap.Error(err))
	}
	cancelled, err := m.store.CancelStaleWaiting(ctx, now.Add(-staleWaitingAge))
	if err != nil {
		m.logger.Error("待機中Encounterのキャンセルに失敗しました", zap.Error(err))
	}
	m.logger.Info("定期クリーンナップ完了", zap.Int64("modifiers_pruned", pruned), zap.Int64("encounters_cancelled", cancelled))
}

// CronCleaner はメンテナンスジョブを登録して開始します。停止は呼び出し側で Stop() します。
func CronCleaner(m *Maintenance, logger *zap.Logger) (*cron.Cron, error) {
	c := cron.New()

	jobs := []struct {
		schedule string
		run      func(ctx context.Context)
	}{
		{"@every 30s", func(ctx context.Context) { m.CloseExpiredEncounters(ctx) }},
		{"@every 1m", func(ctx context.Context) { m.DrainRankingRetries(ctx) }},
		{"@daily", m.Cleanup},
	}
	for _, job := range jobs {
		run := job.run
		if _, err := c.AddFunc(job.schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			run(ctx)
		}); err != nil {
			logger.Error("Cronジョブの登録に失敗しました", zap.String("schedule", job.schedule), zap.Error(err))
			return nil, err
		}
	}

	c.Start()
	logger.Info("Cronジョブを開始しました", zap.Int("jobs", len(jobs)))
	return c, nil
}
