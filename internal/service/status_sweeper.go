package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type staleActivityLister interface {
	ListStale(ctx context.Context, now time.Time, limit int) ([]string, error)
}

const sweepBatch = 200

// StatusSweeper periodically persists activity statuses that changed only because
// time passed (deadline or end reached) and no ledger mutation refreshed them.
type StatusSweeper struct {
	tx         transactor
	lister     staleActivityLister
	activities activityStore
	ledger     *CapacityLedger
	logger     *zap.Logger
	cron       *cron.Cron
	now        func() time.Time
}

// NewStatusSweeper constructs the sweeper.
func NewStatusSweeper(tx transactor, lister staleActivityLister, activities activityStore, ledger *CapacityLedger, logger *zap.Logger) *StatusSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusSweeper{tx: tx, lister: lister, activities: activities, ledger: ledger, logger: logger, now: time.Now}
}

// Sweep refreshes one batch of stale activities and returns how many changed status.
func (s *StatusSweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.lister.ListStale(ctx, s.now(), sweepBatch)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, id := range ids {
		updated := false
		err := s.tx.WithinTx(ctx, func(ctx context.Context, exec sqlx.ExtContext) error {
			activity, err := s.activities.GetForUpdate(ctx, exec, id)
			if err != nil {
				return err
			}
			updated, err = s.ledger.Refresh(ctx, exec, activity)
			return err
		})
		if err != nil {
			s.logger.Warn("status sweep failed for activity", zap.String("activity_id", id), zap.Error(err))
			continue
		}
		if updated {
			changed++
		}
	}
	return changed, nil
}

// Start schedules Sweep on spec (robfig/cron syntax, e.g. "@every 5m").
func (s *StatusSweeper) Start(spec string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		changed, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("status sweep failed", zap.Error(err))
			return
		}
		if changed > 0 {
			s.logger.Info("activity statuses refreshed", zap.Int("changed", changed))
		}
	}); err != nil {
		return fmt.Errorf("schedule status sweeper: %w", err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("status sweeper started", zap.String("schedule", spec))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *StatusSweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
