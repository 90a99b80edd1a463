package pasalsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
	"bitbucket.org/mmdatafocus/marketsync_backend/models"
	"bitbucket.org/mmdatafocus/marketsync_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// roundingEpsilon is one currency minor unit: payment deductions must reconcile
// gross against net within this bound, and any larger drift is absorbed by an
// explicit rounding line.
var roundingEpsilon = decimal.NewFromInt(1)

var (
	ErrMissingLineItems = errors.New("order has no line items")
	ErrInvoiceNotFound  = errors.New("invoice not found")
)

// InvoiceOutcome reports what EnsureInvoice did.
type InvoiceOutcome string

const (
	InvoiceUnchanged InvoiceOutcome = "unchanged"
	InvoiceCreated   InvoiceOutcome = "created"
	InvoiceAmended   InvoiceOutcome = "amended"
	InvoiceRecreated InvoiceOutcome = "recreated"
)

type DocumentRef struct {
	Type string // "sales_order" | "sales_invoice" | "customer_payment" | "credit_note"
	ID   int
}

// DocumentWriter creates, amends and voids the four financial document types.
// Every ensure operation is gated by the dedup resolver and transactional per
// document: a failed write rolls back whole, so a half-written document can
// never be mistaken for "exists and valid" on the next pass.
type DocumentWriter struct {
	db         *gorm.DB
	logger     *logrus.Logger
	businessId string
	dedup      *DedupResolver
	master     MasterDataResolver
	opts       SyncOptions

	maxWriteAttempts int
	retryBaseDelay   time.Duration
	now              func() time.Time
}

func NewDocumentWriter(db *gorm.DB, logger *logrus.Logger, businessId string, dedup *DedupResolver, master MasterDataResolver, opts SyncOptions) *DocumentWriter {
	return &DocumentWriter{
		db:               db,
		logger:           logger,
		businessId:       businessId,
		dedup:            dedup,
		master:           master,
		opts:             NormalizeSyncOptions(opts),
		maxWriteAttempts: 3,
		retryBaseDelay:   200 * time.Millisecond,
		now:              time.Now,
	}
}

// isLockContention matches MySQL deadlock (1213) and lock wait timeout (1205).
func isLockContention(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	return false
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// withWriteRetry retries fn on lock-contention errors with linear backoff
// (base * attempt). Everything else propagates to the caller.
func (w *DocumentWriter) withWriteRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= w.maxWriteAttempts; attempt++ {
		err = fn()
		if err == nil || !isLockContention(err) {
			return err
		}
		w.logger.WithFields(logrus.Fields{
			"module":      "pasalsync",
			"business_id": w.businessId,
			"attempt":     attempt,
		}).Warn("write contention, retrying: " + err.Error())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.retryBaseDelay * time.Duration(attempt)):
		}
	}
	return err
}

// derivePostingDate picks payout time, then pay time, then create time. When
// clamp is set the result never lands after now; backfills keep the historical
// date untouched.
func derivePostingDate(ord *MarketOrder, fb *FeeBreakdown, now time.Time, clamp bool) time.Time {
	var ts int64
	if fb != nil && fb.PayoutTime > 0 {
		ts = fb.PayoutTime
	} else if ord.PayTime > 0 {
		ts = ord.PayTime
	} else {
		ts = ord.CreateTime
	}
	posting := time.Unix(ts, 0).UTC()
	if clamp && posting.After(now) {
		posting = now
	}
	return posting
}

// buildDeductionLines produces one line per non-zero fee category. When the
// identity gross - sum(lines) == net drifts beyond one minor unit, a rounding
// line absorbs the whole difference.
func buildDeductionLines(gross decimal.Decimal, fb *FeeBreakdown) []models.PaymentDeduction {
	categories := []struct {
		name   string
		amount decimal.Decimal
	}{
		{models.DeductionCategoryCommission, fb.CommissionFee},
		{models.DeductionCategoryService, fb.ServiceFee},
		{models.DeductionCategoryProtection, fb.ProtectionFee},
		{models.DeductionCategoryShippingDiff, fb.ShippingFeeDiff},
		{models.DeductionCategoryVoucher, fb.VoucherSeller},
		{models.DeductionCategoryCoinCashback, fb.CoinCashback},
	}

	lines := make([]models.PaymentDeduction, 0, len(categories)+1)
	total := decimal.Zero
	for _, cat := range categories {
		if cat.amount.IsZero() {
			continue
		}
		lines = append(lines, models.PaymentDeduction{Category: cat.name, Amount: cat.amount})
		total = total.Add(cat.amount)
	}

	diff := gross.Sub(total).Sub(fb.NetAmount)
	if diff.Abs().GreaterThan(roundingEpsilon) {
		lines = append(lines, models.PaymentDeduction{Category: models.DeductionCategoryRounding, Amount: diff})
	}
	return lines
}

func orderLineTotal(items []MarketOrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		qty := decimalFromNumber(item.Qty)
		price := decimalFromNumber(item.UnitPrice)
		total = total.Add(qty.Mul(price))
	}
	return total
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	if d, err := utils.ParseDecimal(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}

// EnsurePreInvoice creates the pre-invoice order once. Returns (id, created).
func (w *DocumentWriter) EnsurePreInvoice(ctx context.Context, ord *MarketOrder) (int, bool, error) {
	existing, err := w.dedup.FindSalesOrder(ctx, ord.OrderSn)
	if err != nil {
		return 0, false, err
	}
	if existing != nil {
		return existing.ID, false, nil
	}
	if len(ord.Items) == 0 {
		return 0, false, ErrMissingLineItems
	}

	customerId, err := w.master.EnsureCustomer(ctx, ord.BuyerRef)
	if err != nil {
		return 0, false, err
	}

	var orderId int
	err = w.withWriteRetry(ctx, func() error {
		return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			number, err := models.NextTransactionNumber(tx, w.businessId, models.NumberModuleSalesOrder)
			if err != nil {
				return err
			}

			details := make([]models.SalesOrderDetail, 0, len(ord.Items))
			for _, item := range ord.Items {
				productId := w.resolveItem(ctx, item)
				qty := decimalFromNumber(item.Qty)
				price := decimalFromNumber(item.UnitPrice)
				details = append(details, models.SalesOrderDetail{
					ProductId:      productId,
					Name:           item.Name,
					Sku:            item.Sku,
					DetailQty:      qty,
					DetailUnitRate: price,
					DetailAmount:   qty.Mul(price),
				})
			}

			var shipBy *time.Time
			if ord.ShipByDate > 0 {
				t := time.Unix(ord.ShipByDate, 0).UTC()
				shipBy = &t
			}

			order := models.SalesOrder{
				BusinessId:      w.businessId,
				MarketOrderSn:   ord.OrderSn,
				OrderNumber:     number,
				CustomerId:      customerId,
				OrderDate:       time.Unix(ord.CreateTime, 0).UTC(),
				ShipByDate:      shipBy,
				CurrentStatus:   models.DocumentStatusConfirmed,
				OrderTotal:      orderLineTotal(ord.Items),
				MarketUpdatedAt: ord.UpdateTime,
				Details:         details,
			}
			if err := tx.Create(&order).Error; err != nil {
				return err
			}
			orderId = order.ID
			return nil
		})
	})
	if err != nil {
		if isDuplicateKeyErr(err) {
			// Lost the create race; the winner's row is the answer.
			winner, ferr := w.dedup.FindSalesOrder(ctx, ord.OrderSn)
			if ferr == nil && winner != nil {
				return winner.ID, false, nil
			}
		}
		return 0, false, err
	}
	return orderId, true, nil
}

// CancelPreInvoice voids the pre-invoice order if one exists.
func (w *DocumentWriter) CancelPreInvoice(ctx context.Context, orderSn string) error {
	existing, err := w.dedup.FindSalesOrder(ctx, orderSn)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	return w.withWriteRetry(ctx, func() error {
		return w.db.WithContext(ctx).
			Model(&models.SalesOrder{}).
			Where("id = ?", existing.ID).
			Update("current_status", models.DocumentStatusVoid).Error
	})
}

// invoiceMatchesOrder compares the stored invoice against the upstream
// snapshot: line items, total and posting date.
func invoiceMatchesOrder(inv *models.SalesInvoice, ord *MarketOrder, postingDate time.Time) bool {
	if len(inv.Details) != len(ord.Items) {
		return false
	}
	if !inv.InvoiceDate.Truncate(24 * time.Hour).Equal(postingDate.Truncate(24 * time.Hour)) {
		return false
	}
	if !inv.InvoiceTotalAmount.Equal(orderLineTotal(ord.Items)) {
		return false
	}
	bySku := make(map[string]models.SalesInvoiceDetail, len(inv.Details))
	for _, d := range inv.Details {
		bySku[d.Sku] = d
	}
	for _, item := range ord.Items {
		detail, ok := bySku[item.Sku]
		if !ok {
			return false
		}
		if !detail.DetailQty.Equal(decimalFromNumber(item.Qty)) {
			return false
		}
		if !detail.DetailUnitRate.Equal(decimalFromNumber(item.UnitPrice)) {
			return false
		}
	}
	return true
}

// EnsureInvoice creates the invoice for a completed order, or reconciles an
// existing one: unchanged when contents match, amended in place when still
// mutable, voided-and-recreated when finalized (payments referencing the old
// invoice are voided with it).
func (w *DocumentWriter) EnsureInvoice(ctx context.Context, ord *MarketOrder, fb *FeeBreakdown) (int, InvoiceOutcome, error) {
	if len(ord.Items) == 0 {
		return 0, "", ErrMissingLineItems
	}

	postingDate := derivePostingDate(ord, fb, w.now(), !w.opts.Backfill)
	existing, err := w.dedup.FindInvoice(ctx, ord.OrderSn)
	if err != nil {
		return 0, "", err
	}

	if existing != nil {
		if invoiceMatchesOrder(existing, ord, postingDate) {
			return existing.ID, InvoiceUnchanged, nil
		}
		if existing.IsFinalized() {
			if err := w.CancelPayments(ctx, existing.ID); err != nil {
				return 0, "", err
			}
			if err := w.CancelInvoice(ctx, existing.ID); err != nil {
				return 0, "", err
			}
			id, err := w.createInvoice(ctx, ord, postingDate)
			if err != nil {
				return 0, "", err
			}
			return id, InvoiceRecreated, nil
		}
		if err := w.amendInvoice(ctx, existing.ID, ord, postingDate); err != nil {
			return 0, "", err
		}
		return existing.ID, InvoiceAmended, nil
	}

	id, err := w.createInvoice(ctx, ord, postingDate)
	if err != nil {
		if isDuplicateKeyErr(err) {
			winner, ferr := w.dedup.FindInvoice(ctx, ord.OrderSn)
			if ferr == nil && winner != nil {
				return winner.ID, InvoiceUnchanged, nil
			}
		}
		return 0, "", err
	}
	return id, InvoiceCreated, nil
}

func (w *DocumentWriter) createInvoice(ctx context.Context, ord *MarketOrder, postingDate time.Time) (int, error) {
	customerId, err := w.master.EnsureCustomer(ctx, ord.BuyerRef)
	if err != nil {
		return 0, err
	}

	stockAffecting := utils.NewTrue()
	if w.opts.Backfill {
		stockAffecting = utils.NewFalse()
	}

	var invoiceId int
	err = w.withWriteRetry(ctx, func() error {
		return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			number, err := models.NextTransactionNumber(tx, w.businessId, models.NumberModuleSalesInvoice)
			if err != nil {
				return err
			}

			details := make([]models.SalesInvoiceDetail, 0, len(ord.Items))
			for _, item := range ord.Items {
				productId := w.resolveItem(ctx, item)
				qty := decimalFromNumber(item.Qty)
				price := decimalFromNumber(item.UnitPrice)
				details = append(details, models.SalesInvoiceDetail{
					ProductId:      productId,
					Name:           item.Name,
					Sku:            item.Sku,
					DetailQty:      qty,
					DetailUnitRate: price,
					DetailAmount:   qty.Mul(price),
				})
			}

			total := orderLineTotal(ord.Items)
			invoice := models.SalesInvoice{
				BusinessId:         w.businessId,
				MarketOrderSn:      ord.OrderSn,
				ActiveOrderSn:      &ord.OrderSn,
				ReferenceNumber:    "PASAL-" + ord.OrderSn,
				InvoiceNumber:      number,
				CustomerId:         customerId,
				InvoiceDate:        postingDate,
				StockAffecting:     stockAffecting,
				CurrentStatus:      models.DocumentStatusConfirmed,
				InvoiceSubtotal:    total,
				InvoiceTotalAmount: total,
				MarketUpdatedAt:    ord.UpdateTime,
				Details:            details,
			}
			if err := tx.Create(&invoice).Error; err != nil {
				return err
			}
			invoiceId = invoice.ID
			return nil
		})
	})
	return invoiceId, err
}

func (w *DocumentWriter) amendInvoice(ctx context.Context, invoiceId int, ord *MarketOrder, postingDate time.Time) error {
	return w.withWriteRetry(ctx, func() error {
		return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("sales_invoice_id = ?", invoiceId).
				Delete(&models.SalesInvoiceDetail{}).Error; err != nil {
				return err
			}

			details := make([]models.SalesInvoiceDetail, 0, len(ord.Items))
			for _, item := range ord.Items {
				productId := w.resolveItem(ctx, item)
				qty := decimalFromNumber(item.Qty)
				price := decimalFromNumber(item.UnitPrice)
				details = append(details, models.SalesInvoiceDetail{
					SalesInvoiceId: invoiceId,
					ProductId:      productId,
					Name:           item.Name,
					Sku:            item.Sku,
					DetailQty:      qty,
					DetailUnitRate: price,
					DetailAmount:   qty.Mul(price),
				})
			}
			if err := tx.Create(&details).Error; err != nil {
				return err
			}

			total := orderLineTotal(ord.Items)
			return tx.Model(&models.SalesInvoice{}).
				Where("id = ?", invoiceId).
				Updates(map[string]interface{}{
					"invoice_date":         postingDate,
					"invoice_subtotal":     total,
					"invoice_total_amount": total,
					"market_order_sn":      ord.OrderSn,
					"active_order_sn":      ord.OrderSn,
					"market_updated_at":    ord.UpdateTime,
				}).Error
		})
	})
}

// EnsurePayment records the payout receipt against the invoice once. Gross is
// the invoice total; net is the escrow net; reference date is the payout time
// falling back to the invoice's own posting date.
func (w *DocumentWriter) EnsurePayment(ctx context.Context, invoiceId int, fb *FeeBreakdown) (int, bool, error) {
	existing, err := w.dedup.FindPayment(ctx, invoiceId)
	if err != nil {
		return 0, false, err
	}
	if existing != nil {
		return existing.ID, false, nil
	}

	var invoice models.SalesInvoice
	if err := w.db.WithContext(ctx).
		Where("business_id = ? AND id = ?", w.businessId, invoiceId).
		Take(&invoice).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, ErrInvoiceNotFound
		}
		return 0, false, err
	}

	referenceDate := invoice.InvoiceDate
	if fb.PayoutTime > 0 {
		referenceDate = time.Unix(fb.PayoutTime, 0).UTC()
	}

	var paymentId int
	err = w.withWriteRetry(ctx, func() error {
		return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			number, err := models.NextTransactionNumber(tx, w.businessId, models.NumberModulePayment)
			if err != nil {
				return err
			}

			payment := models.CustomerPayment{
				BusinessId:      w.businessId,
				InvoiceId:       invoiceId,
				ActiveInvoiceId: &invoiceId,
				PaymentNumber:   number,
				GrossAmount:     invoice.InvoiceTotalAmount,
				NetReceived:     fb.NetAmount,
				ReferenceDate:   referenceDate,
				CurrentStatus:   models.DocumentStatusConfirmed,
				Deductions:      buildDeductionLines(invoice.InvoiceTotalAmount, fb),
			}
			if err := tx.Create(&payment).Error; err != nil {
				return err
			}
			paymentId = payment.ID
			return nil
		})
	})
	if err != nil {
		if isDuplicateKeyErr(err) {
			winner, ferr := w.dedup.FindPayment(ctx, invoiceId)
			if ferr == nil && winner != nil {
				return winner.ID, false, nil
			}
		}
		return 0, false, err
	}
	return paymentId, true, nil
}

// EnsureCreditNote creates the refund reversal for the invoice once. Lines
// mirror the invoice with negated quantities; deductions mirror the fee
// categories as negative adjustments.
func (w *DocumentWriter) EnsureCreditNote(ctx context.Context, invoiceId int, fb *FeeBreakdown, reason string) (int, bool, error) {
	existing, err := w.dedup.FindCreditNote(ctx, invoiceId)
	if err != nil {
		return 0, false, err
	}
	if existing != nil {
		return existing.ID, false, nil
	}

	invoice, err := w.loadInvoiceWithDetails(ctx, invoiceId)
	if err != nil {
		return 0, false, err
	}

	noteDate := w.now().UTC()
	if fb.PayoutTime > 0 {
		noteDate = time.Unix(fb.PayoutTime, 0).UTC()
	}

	var noteId int
	err = w.withWriteRetry(ctx, func() error {
		return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			number, err := models.NextTransactionNumber(tx, w.businessId, models.NumberModuleCreditNote)
			if err != nil {
				return err
			}

			details := make([]models.CreditNoteDetail, 0, len(invoice.Details))
			for _, d := range invoice.Details {
				details = append(details, models.CreditNoteDetail{
					ProductId:      d.ProductId,
					Name:           d.Name,
					Sku:            d.Sku,
					DetailQty:      d.DetailQty.Neg(),
					DetailUnitRate: d.DetailUnitRate,
					DetailAmount:   d.DetailAmount.Neg(),
				})
			}

			deductions := make([]models.CreditNoteDeduction, 0)
			for _, line := range buildDeductionLines(invoice.InvoiceTotalAmount, fb) {
				deductions = append(deductions, models.CreditNoteDeduction{
					Category: line.Category,
					Amount:   line.Amount.Neg(),
				})
			}

			note := models.CreditNote{
				BusinessId:       w.businessId,
				InvoiceId:        invoiceId,
				CreditNoteNumber: number,
				Reason:           reason,
				CreditNoteDate:   noteDate,
				RefundAmount:     fb.RefundAmount,
				CreditNoteTotal:  invoice.InvoiceTotalAmount.Neg(),
				CurrentStatus:    models.DocumentStatusConfirmed,
				Details:          details,
				Deductions:       deductions,
			}
			if err := tx.Create(&note).Error; err != nil {
				return err
			}
			noteId = note.ID
			return nil
		})
	})
	if err != nil {
		if isDuplicateKeyErr(err) {
			winner, ferr := w.dedup.FindCreditNote(ctx, invoiceId)
			if ferr == nil && winner != nil {
				return winner.ID, false, nil
			}
		}
		return 0, false, err
	}
	return noteId, true, nil
}

// FindInvoiceId resolves the active invoice for an order without mutating.
func (w *DocumentWriter) FindInvoiceId(ctx context.Context, orderSn string) (int, bool, error) {
	existing, err := w.dedup.FindInvoice(ctx, orderSn)
	if err != nil {
		return 0, false, err
	}
	if existing == nil {
		return 0, false, nil
	}
	return existing.ID, true, nil
}

// CancelInvoice voids the invoice and releases its active-order slot so a
// later recreate does not collide on the unique index.
func (w *DocumentWriter) CancelInvoice(ctx context.Context, invoiceId int) error {
	return w.withWriteRetry(ctx, func() error {
		return w.db.WithContext(ctx).
			Model(&models.SalesInvoice{}).
			Where("business_id = ? AND id = ?", w.businessId, invoiceId).
			Updates(map[string]interface{}{
				"current_status":  models.DocumentStatusVoid,
				"active_order_sn": nil,
			}).Error
	})
}

// CancelPayments voids every active payment referencing the invoice.
func (w *DocumentWriter) CancelPayments(ctx context.Context, invoiceId int) error {
	return w.withWriteRetry(ctx, func() error {
		return w.db.WithContext(ctx).
			Model(&models.CustomerPayment{}).
			Where("business_id = ? AND invoice_id = ? AND current_status <> ?",
				w.businessId, invoiceId, models.DocumentStatusVoid).
			Updates(map[string]interface{}{
				"current_status":    models.DocumentStatusVoid,
				"active_invoice_id": nil,
			}).Error
	})
}

// Cancel voids an arbitrary document reference.
func (w *DocumentWriter) Cancel(ctx context.Context, ref DocumentRef) error {
	switch ref.Type {
	case "sales_order":
		return w.withWriteRetry(ctx, func() error {
			return w.db.WithContext(ctx).
				Model(&models.SalesOrder{}).
				Where("business_id = ? AND id = ?", w.businessId, ref.ID).
				Update("current_status", models.DocumentStatusVoid).Error
		})
	case "sales_invoice":
		return w.CancelInvoice(ctx, ref.ID)
	case "customer_payment":
		return w.withWriteRetry(ctx, func() error {
			return w.db.WithContext(ctx).
				Model(&models.CustomerPayment{}).
				Where("business_id = ? AND id = ?", w.businessId, ref.ID).
				Updates(map[string]interface{}{
					"current_status":    models.DocumentStatusVoid,
					"active_invoice_id": nil,
				}).Error
		})
	case "credit_note":
		return w.withWriteRetry(ctx, func() error {
			return w.db.WithContext(ctx).
				Model(&models.CreditNote{}).
				Where("business_id = ? AND id = ?", w.businessId, ref.ID).
				Update("current_status", models.DocumentStatusVoid).Error
		})
	default:
		return fmt.Errorf("unknown document type %q", ref.Type)
	}
}

func (w *DocumentWriter) loadInvoiceWithDetails(ctx context.Context, invoiceId int) (*models.SalesInvoice, error) {
	var invoice models.SalesInvoice
	err := w.db.WithContext(ctx).
		Preload("Details").
		Where("business_id = ? AND id = ?", w.businessId, invoiceId).
		Take(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

// resolveItem maps an order line to a local product id; zero means unresolved
// (the document still posts with the raw SKU on the line).
func (w *DocumentWriter) resolveItem(ctx context.Context, item MarketOrderItem) int {
	if w.master == nil {
		return 0
	}
	id, err := w.master.EnsureItem(ctx, item)
	if err != nil {
		config.LogError(w.logger, "writer.go", "resolveItem", "EnsureItem", item.Sku, err)
		return 0
	}
	return id
}
