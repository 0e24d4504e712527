package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/model"
	"github.com/blockadesystems/certsmith/internal/storage"
)

// CertificateIssuer signs the CSR captured at finalize time. A nil problem
// means success. Implemented by the ca package.
type CertificateIssuer interface {
	Issue(ctx context.Context, order *model.Order) (chainPEM []byte, serial string, problem *model.ProblemDetails)
}

// IssuanceWorker drains the issuance queue: for each order ID it reloads the
// aggregate, re-checks that it is still awaiting issuance, asks the CA to sign
// the stored CSR, and records the outcome under the version observed at load.
type IssuanceWorker struct {
	queue    *Queue
	orders   storage.OrderStore
	accounts storage.AccountStore
	issuer   CertificateIssuer
}

// NewIssuanceWorker wires an issuance worker to its queue, stores and CA.
func NewIssuanceWorker(queue *Queue, orders storage.OrderStore, accounts storage.AccountStore, issuer CertificateIssuer) *IssuanceWorker {
	return &IssuanceWorker{queue: queue, orders: orders, accounts: accounts, issuer: issuer}
}

// Run drains the queue until the context is cancelled.
func (w *IssuanceWorker) Run(ctx context.Context) {
	logger.Info("issuance worker started")
	for {
		orderID, ok := w.queue.Dequeue(ctx)
		if !ok {
			logger.Info("issuance worker stopped")
			return
		}
		w.safeProcess(ctx, orderID)
	}
}

func (w *IssuanceWorker) safeProcess(ctx context.Context, orderID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while issuing order", zap.String("order_id", orderID), zap.Any("panic", r))
		}
	}()
	if err := w.ProcessOne(ctx, orderID); err != nil {
		logger.Error("failed to issue order", zap.String("order_id", orderID), zap.Error(err))
	}
}

// ProcessOne performs one issuance pass over the order. Orders no longer in
// the processing status are skipped: they were already issued, already failed,
// or the item is stale.
func (w *IssuanceWorker) ProcessOne(ctx context.Context, orderID string) error {
	order, err := w.orders.GetOrder(ctx, orderID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Debug("issuance item references a missing order", zap.String("order_id", orderID))
		return nil
	}
	if err != nil {
		return err
	}
	if order.Status != model.StatusProcessing {
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

	chain, serial, prob := w.issuer.Issue(ctx, order)
	if prob != nil {
		order.Status = model.StatusInvalid
		order.Error = prob
		logger.Info("issuance failed", zap.String("order_id", order.ID), zap.String("detail", prob.Detail))
	} else {
		order.CertificateChain = chain
		order.CertificateSerial = serial
		order.Status = model.StatusValid
		logger.Info("certificate issued", zap.String("order_id", order.ID), zap.String("serial", serial))
	}
	return w.save(ctx, order, loadedVersion)
}

func (w *IssuanceWorker) save(ctx context.Context, order *model.Order, expectedVersion int64) error {
	err := w.orders.SaveOrder(ctx, order, expectedVersion)
	if errors.Is(err, storage.ErrConcurrency) {
		logger.Debug("dropping issuance result after version conflict", zap.String("order_id", order.ID))
		return nil
	}
	return err
}
