package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/model"
	"github.com/blockadesystems/certsmith/internal/storage"
)

// Sweeper periodically scans storage for orders stuck in a pending-processing
// state and re-enqueues them. It is the sole recovery path after a restart
// (the queues are not persisted) and the retry path for challenges waiting on
// external propagation. Duplicate enqueues are harmless because workers
// re-validate eligibility after dequeue.
type Sweeper struct {
	name     string
	interval time.Duration
	list     func(ctx context.Context) ([]*model.Order, error)
	queue    *Queue
}

// NewValidationSweeper creates the sweeper feeding the validation queue.
func NewValidationSweeper(orders storage.OrderStore, queue *Queue, interval time.Duration) *Sweeper {
	return &Sweeper{name: "validation", interval: interval, list: orders.ListValidatable, queue: queue}
}

// NewIssuanceSweeper creates the sweeper feeding the issuance queue.
func NewIssuanceSweeper(orders storage.OrderStore, queue *Queue, interval time.Duration) *Sweeper {
	return &Sweeper{name: "issuance", interval: interval, list: orders.ListFinalizable, queue: queue}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Info("sweeper started", zap.String("sweeper", s.name), zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopped", zap.String("sweeper", s.name))
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one scan-and-enqueue pass and returns how many orders it
// re-offered.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	orders, err := s.list(ctx)
	if err != nil {
		logger.Error("sweep query failed", zap.String("sweeper", s.name), zap.Error(err))
		return 0
	}
	for _, order := range orders {
		s.queue.Enqueue(order.ID)
	}
	if len(orders) > 0 {
		logger.Debug("sweep re-enqueued orders", zap.String("sweeper", s.name), zap.Int("count", len(orders)))
	}
	return len(orders)
}

// NonceJanitor periodically deletes expired nonces so the store does not grow
// without bound.
type NonceJanitor struct {
	store    storage.NonceStore
	interval time.Duration
}

// NewNonceJanitor creates a janitor sweeping the nonce store.
func NewNonceJanitor(store storage.NonceStore, interval time.Duration) *NonceJanitor {
	return &NonceJanitor{store: store, interval: interval}
}

// Run sweeps expired nonces on the configured interval until the context is
// cancelled.
func (j *NonceJanitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.store.DeleteExpiredNonces(ctx)
			if err != nil {
				logger.Error("failed to delete expired nonces", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("deleted expired nonces", zap.Int64("count", n))
			}
		}
	}
}
