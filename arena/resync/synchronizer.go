// Package resync periodically re-broadcasts the authoritative state of every live room,
// one job per encounter kind.
package resync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"arenaserver/arena/broadcast"
	"arenaserver/arena/room"
	"arenaserver/models"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

type Synchronizer struct {
	registry  *room.Registry
	loader    room.Loader
	logger    *zap.Logger
	now       func() time.Time
	intervals map[models.EncounterKind]time.Duration
	scheduler gocron.Scheduler
	stopOnce  sync.Once
	stopErr   error
}

func New(registry *room.Registry, loader room.Loader, cfg models.SyncConfig, logger *zap.Logger, now func() time.Time) *Synchronizer {
	if now == nil {
		now = time.Now
	}
	return &Synchronizer{
		registry: registry,
		loader:   loader,
		logger:   logger,
		now:      now,
		intervals: map[models.EncounterKind]time.Duration{
			models.KindBattle:  cfg.BattleInterval.Duration,
			models.KindAuction: cfg.AuctionInterval.Duration,
			models.KindBetting: cfg.BettingInterval.Duration,
		},
	}
}

// Start schedules the jobs. A tick that is still running when the next one is due
// is skipped. Jobs stop when ctx is cancelled or Stop is called.
func (s *Synchronizer) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	for _, kind := range []models.EncounterKind{models.KindBattle, models.KindAuction, models.KindBetting} {
		interval := s.intervals[kind]
		if interval <= 0 {
			continue
		}
		_, err := sched.NewJob(
			gocron.DurationJob(interval),
			gocron.NewTask(func(kind models.EncounterKind) { s.Tick(ctx, kind) }, kind),
			gocron.WithName("resync-"+string(kind)),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return fmt.Errorf("failed to schedule %s resync: %w", kind, err)
		}
		s.logger.Info("Resync job scheduled", zap.String("kind", string(kind)), zap.Duration("interval", interval))
	}
	s.scheduler = sched
	sched.Start()

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	return nil
}

// Tick refreshes every non-empty, unsealed room of kind and returns how many rooms
// received a state update.
func (s *Synchronizer) Tick(ctx context.Context, kind models.EncounterKind) int {
	sent := 0
	for _, key := range s.registry.RoomsOfKind(kind) {
		if ctx.Err() != nil {
			return sent
		}
		if s.registry.Sealed(key) || len(s.registry.Members(key)) == 0 {
			continue
		}
		enc, err := s.loader.GetEncounter(ctx, key.ID)
		if err != nil {
			s.logger.Warn("Resync fetch failed", zap.String("room", key.String()), zap.Error(err))
			continue
		}

		snap := models.NewSnapshot(enc, s.now())
		s.registry.Update(key, snap)
		if enc.Status.Terminal() {
			s.registry.Seal(key)
			continue
		}

		msg, err := broadcast.Encode(broadcast.TypeStateUpdate, "", broadcast.StateUpdate{Snapshot: snap})
		if err != nil {
			s.logger.Error("Failed to encode state update", zap.String("room", key.String()), zap.Error(err))
			continue
		}
		s.registry.Broadcast(key, msg)
		sent++
	}
	return sent
}

func (s *Synchronizer) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	s.stopOnce.Do(func() { s.stopErr = s.scheduler.Shutdown() })
	return s.stopErr
}
