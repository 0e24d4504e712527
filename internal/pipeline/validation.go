// Package pipeline runs the asynchronous order-processing machinery: the
// in-memory work queues, the challenge-validation and certificate-issuance
// workers that drain them, and the sweepers that re-offer work lost to
// restarts or still waiting on external conditions.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/model"
	"github.com/blockadesystems/certsmith/internal/storage"
	"github.com/blockadesystems/certsmith/internal/va"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "pipeline"))
}

// ValidationWorker drains the validation queue. For each order ID it reloads
// the aggregate, re-checks eligibility, runs the validator for every
// processing challenge, recomputes the order status and persists with the
// version observed at load time. Stale or duplicate items are no-ops, which is
// what makes at-least-once delivery safe.
type ValidationWorker struct {
	queue      *Queue
	orders     storage.OrderStore
	accounts   storage.AccountStore
	validators *va.Registry
	now        func() time.Time
}

// NewValidationWorker wires a validation worker to its queue and stores.
func NewValidationWorker(queue *Queue, orders storage.OrderStore, accounts storage.AccountStore, validators *va.Registry) *ValidationWorker {
	return &ValidationWorker{
		queue:      queue,
		orders:     orders,
		accounts:   accounts,
		validators: validators,
		now:        time.Now,
	}
}

// Run drains the queue until the context is cancelled. A failure processing
// one order never takes down the loop.
func (w *ValidationWorker) Run(ctx context.Context) {
	logger.Info("validation worker started")
	for {
		orderID, ok := w.queue.Dequeue(ctx)
		if !ok {
			logger.Info("validation worker stopped")
			return
		}
		w.safeProcess(ctx, orderID)
	}
}

func (w *ValidationWorker) safeProcess(ctx context.Context, orderID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while validating order", zap.String("order_id", orderID), zap.Any("panic", r))
		}
	}()
	if err := w.ProcessOne(ctx, orderID); err != nil {
		logger.Error("failed to validate order", zap.String("order_id", orderID), zap.Error(err))
	}
}

// ProcessOne performs one validation pass over the order. It is idempotent:
// a second pass over an order whose status already advanced is a no-op.
func (w *ValidationWorker) ProcessOne(ctx context.Context, orderID string) error {
	order, err := w.orders.GetOrder(ctx, orderID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Debug("validation item references a missing order", zap.String("order_id", orderID))
		return nil
	}
	if err != nil {
		return err
	}
	if order.Status != model.StatusPending {
		// Stale queue item; the order already advanced or failed.
		return nil
	}
	loadedVersion := order.Version

	account, err := w.accounts.GetAccount(ctx, order.AccountID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && account.Status != model.StatusValid) {
		order.Status = model.StatusInvalid
		order.Error = &model.ProblemDetails{
			Type:   "urn:ietf:params:acme:error:unauthorized",
			Detail: "the account that created this order is no longer valid",
		}
		return w.save(ctx, order, loadedVersion)
	}
	if err != nil {
		return err
	}

	now := w.now()
	for _, authz := range order.Authorizations {
		chal := authz.ProcessingChallenge()
		if chal == nil {
			continue
		}
		if now.After(authz.Expires) {
			logger.Info("authorization expired before validation",
				zap.String("order_id", order.ID), zap.String("authz_id", authz.ID))
			authz.Expire()
			continue
		}

		validator, err := w.validators.ForChallenge(chal.Type, authz.Identifier.Type)
		if err != nil {
			authz.Resolve(chal, false, now, &model.ProblemDetails{
				Type:   "urn:ietf:params:acme:error:malformed",
				Detail: err.Error(),
			})
			continue
		}

		valid, prob := validator.Validate(ctx, chal, authz, account)
		authz.Resolve(chal, valid, now, prob)
		logger.Info("challenge validated",
			zap.String("order_id", order.ID),
			zap.String("challenge_id", chal.ID),
			zap.String("type", chal.Type),
			zap.Bool("valid", valid))
	}

	order.RefreshStatus()
	return w.save(ctx, order, loadedVersion)
}

func (w *ValidationWorker) save(ctx context.Context, order *model.Order, expectedVersion int64) error {
	err := w.orders.SaveOrder(ctx, order, expectedVersion)
	if errors.Is(err, storage.ErrConcurrency) {
		// A concurrent writer raced this update. Drop the item; the sweeper
		// re-offers it if the order is still eligible.
		logger.Debug("dropping validation result after version conflict", zap.String("order_id", order.ID))
		return nil
	}
	return err
}
