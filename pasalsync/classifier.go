package pasalsync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
	"bitbucket.org/mmdatafocus/marketsync_backend/models"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// DocumentStore is what the classifier needs from the document layer. The
// DocumentWriter is the production implementation; tests use in-memory fakes.
type DocumentStore interface {
	EnsurePreInvoice(ctx context.Context, ord *MarketOrder) (int, bool, error)
	CancelPreInvoice(ctx context.Context, orderSn string) error
	FindInvoiceId(ctx context.Context, orderSn string) (int, bool, error)
	EnsureInvoice(ctx context.Context, ord *MarketOrder, fb *FeeBreakdown) (int, InvoiceOutcome, error)
	EnsurePayment(ctx context.Context, invoiceId int, fb *FeeBreakdown) (int, bool, error)
	EnsureCreditNote(ctx context.Context, invoiceId int, fb *FeeBreakdown, reason string) (int, bool, error)
	CancelInvoice(ctx context.Context, invoiceId int) error
	CancelPayments(ctx context.Context, invoiceId int) error
}

// AppliedTracker records which order snapshot has already been applied, for
// out-of-order delivery suppression.
type AppliedTracker interface {
	AppliedUpdateTime(ctx context.Context, entityType, externalId string) (int64, error)
	MarkApplied(ctx context.Context, entityType, externalId, internalId string, updateTime int64) error
}

// EscrowFetcher returns the raw escrow payload for an order.
type EscrowFetcher interface {
	GetEscrowDetail(ctx context.Context, orderSn string) (json.RawMessage, error)
}

// OrderAction names what the classifier decided for one order.
type OrderAction string

const (
	ActionPreInvoiced  OrderAction = "pre_invoiced"
	ActionInvoiced     OrderAction = "invoiced"
	ActionRefunded     OrderAction = "refunded"
	ActionCancelled    OrderAction = "cancelled"
	ActionSkippedStale OrderAction = "skipped_stale"
	ActionSkippedOther OrderAction = "skipped_other"
	ActionUnchanged    OrderAction = "unchanged"
)

type ClassifyResult struct {
	OrderSn string
	Status  models.MarketOrderStatus
	Action  OrderAction
}

var ErrOrderLocked = errors.New("order is locked by another worker")

const (
	orderLockType = "PasalOrderSync"
	orderLockTTL  = 2 * time.Minute
)

// lockFunc matches utils.ObtainLock; swapped out in tests.
type lockFunc func(ctx context.Context, lockType, key string, ttl time.Duration, moduleName, functionName string) (*redislock.Lock, error)

// Classifier turns one marketplace order snapshot into document operations.
// Per order it takes a distributed lock, drops stale snapshots, then drives
// the document store according to the normalized status.
type Classifier struct {
	store   DocumentStore
	applied AppliedTracker
	escrow  EscrowFetcher
	logger  *logrus.Logger
	lock    lockFunc
}

func NewClassifier(store DocumentStore, applied AppliedTracker, escrow EscrowFetcher, logger *logrus.Logger, lock lockFunc) *Classifier {
	return &Classifier{
		store:   store,
		applied: applied,
		escrow:  escrow,
		logger:  logger,
		lock:    lock,
	}
}

// Apply processes one order snapshot end to end. Safe to call any number of
// times with the same snapshot; later snapshots supersede earlier ones and
// earlier ones arriving late are dropped.
func (c *Classifier) Apply(ctx context.Context, ord *MarketOrder) (ClassifyResult, error) {
	result := ClassifyResult{OrderSn: ord.OrderSn, Status: NormalizeOrderStatus(ord.Status)}

	if c.lock != nil {
		lock, err := c.lock(ctx, orderLockType, ord.OrderSn, orderLockTTL, "classifier.go", "Apply")
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return result, ErrOrderLocked
			}
			return result, err
		}
		defer lock.Release(context.Background())
	}

	applied, err := c.applied.AppliedUpdateTime(ctx, "order", ord.OrderSn)
	if err != nil {
		return result, err
	}
	if ord.UpdateTime > 0 && ord.UpdateTime <= applied {
		result.Action = ActionSkippedStale
		return result, nil
	}

	switch result.Status {
	case models.MarketOrderStatusReadyToShip:
		result.Action, err = c.applyReadyToShip(ctx, ord)
	case models.MarketOrderStatusCompleted:
		result.Action, err = c.applyCompleted(ctx, ord)
	case models.MarketOrderStatusCancelled:
		result.Action, err = c.applyCancelled(ctx, ord)
	default:
		result.Action = ActionSkippedOther
		return result, nil
	}
	if err != nil {
		return result, err
	}

	if err := c.applied.MarkApplied(ctx, "order", ord.OrderSn, ord.OrderSn, ord.UpdateTime); err != nil {
		config.LogError(c.logger, "classifier.go", "Apply", "MarkApplied", ord.OrderSn, err)
		return result, err
	}
	return result, nil
}

func (c *Classifier) applyReadyToShip(ctx context.Context, ord *MarketOrder) (OrderAction, error) {
	_, created, err := c.store.EnsurePreInvoice(ctx, ord)
	if err != nil {
		return "", err
	}
	if !created {
		return ActionUnchanged, nil
	}
	return ActionPreInvoiced, nil
}

func (c *Classifier) applyCompleted(ctx context.Context, ord *MarketOrder) (OrderAction, error) {
	fb, hasEscrow, err := c.fetchFees(ctx, ord.OrderSn)
	if err != nil {
		return "", err
	}

	invoiceId, outcome, err := c.store.EnsureInvoice(ctx, ord, fb)
	if err != nil {
		return "", err
	}

	// No escrow data yet means the payout is not released; the invoice posts
	// now and the payment follows once a later snapshot carries the payload.
	if !hasEscrow {
		if outcome == InvoiceUnchanged {
			return ActionUnchanged, nil
		}
		return ActionInvoiced, nil
	}

	if fb.IsRefund {
		if _, _, err := c.store.EnsureCreditNote(ctx, invoiceId, fb, "marketplace refund"); err != nil {
			return "", err
		}
		return ActionRefunded, nil
	}

	if _, _, err := c.store.EnsurePayment(ctx, invoiceId, fb); err != nil {
		return "", err
	}
	if outcome == InvoiceUnchanged {
		return ActionUnchanged, nil
	}
	return ActionInvoiced, nil
}

// applyCancelled voids whatever exists for the order: the pre-invoice always,
// plus any invoice and its payments when the order completed before the
// cancellation arrived. A refunded amount gets its credit note before the
// invoice is voided so the reversal references a resolvable invoice.
func (c *Classifier) applyCancelled(ctx context.Context, ord *MarketOrder) (OrderAction, error) {
	if err := c.store.CancelPreInvoice(ctx, ord.OrderSn); err != nil {
		return "", err
	}

	invoiceId, found, err := c.store.FindInvoiceId(ctx, ord.OrderSn)
	if err != nil {
		return "", err
	}
	if !found {
		return ActionCancelled, nil
	}

	if err := c.store.CancelPayments(ctx, invoiceId); err != nil {
		return "", err
	}

	fb, _, err := c.fetchFees(ctx, ord.OrderSn)
	if err != nil {
		return "", err
	}
	if fb.RefundAmount.IsPositive() {
		if _, _, err := c.store.EnsureCreditNote(ctx, invoiceId, fb, "order cancelled"); err != nil {
			return "", err
		}
	}

	if err := c.store.CancelInvoice(ctx, invoiceId); err != nil {
		return "", err
	}
	return ActionCancelled, nil
}

// fetchFees normalizes the escrow payload. The second return reports whether a
// payload existed at all: invoice creation does not depend on escrow
// availability, but payment and refund decisions do.
func (c *Classifier) fetchFees(ctx context.Context, orderSn string) (*FeeBreakdown, bool, error) {
	if c.escrow == nil {
		fb := NormalizeEscrow(nil)
		return &fb, false, nil
	}
	raw, err := c.escrow.GetEscrowDetail(ctx, orderSn)
	if err != nil {
		return nil, false, err
	}
	fb := NormalizeEscrow(raw)
	return &fb, len(raw) > 0, nil
}
