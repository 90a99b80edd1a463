package pasalsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/marketsync_backend/models"
	"bitbucket.org/mmdatafocus/marketsync_backend/utils"
	"gorm.io/gorm"
)

// DedupResolver answers "does a financial document already represent this
// order" before any write. Lookups return (nil, nil) on miss so callers branch
// on presence instead of catching uniqueness violations.
//
// The lookup order is load-bearing and must not change:
//  1. primary natural key field on the target document
//  2. secondary/legacy key field (records created before the primary key column)
//  3. deterministic legacy key patterns (item lookups only, never invoices)
//
// Reordering these resurrects the duplicate-document bug this type exists to
// prevent. The storage-layer backstop for the check-then-write race is the
// active-key unique indexes on the documents themselves: active_order_sn on
// invoices, active_invoice_id on payments, invoice_id on credit notes. Losers
// of a concurrent create hit 1062 and re-resolve the winner.
type DedupResolver struct {
	db           *gorm.DB
	businessId   string
	connectionId uint
}

func NewDedupResolver(db *gorm.DB, businessId string, connectionId uint) *DedupResolver {
	return &DedupResolver{db: db, businessId: businessId, connectionId: connectionId}
}

// LegacyInvoiceKeys are the reference-number patterns used by migration-era
// invoice imports.
func LegacyInvoiceKeys(orderSn string) []string {
	orderSn = strings.TrimSpace(orderSn)
	if orderSn == "" {
		return nil
	}
	return []string{"PASAL-" + orderSn, orderSn}
}

// LegacyItemKeys are the ad hoc codes older imports stored for a marketplace
// item, in resolution priority.
func LegacyItemKeys(itemId, variantId string) []string {
	itemId = strings.TrimSpace(itemId)
	variantId = strings.TrimSpace(variantId)
	if itemId == "" {
		return nil
	}
	keys := make([]string, 0, 2)
	if variantId != "" {
		keys = append(keys, fmt.Sprintf("%s-%s", itemId, variantId))
	}
	keys = append(keys, itemId)
	return keys
}

// FindSalesOrder returns the active pre-invoice order for the marketplace
// order, if any.
func (r *DedupResolver) FindSalesOrder(ctx context.Context, orderSn string) (*models.SalesOrder, error) {
	var order models.SalesOrder
	err := r.db.WithContext(ctx).
		Where("business_id = ? AND market_order_sn = ? AND current_status <> ?",
			r.businessId, orderSn, models.DocumentStatusVoid).
		Take(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// FindInvoice resolves the active invoice for an order: market_order_sn first,
// then the legacy reference-number patterns.
func (r *DedupResolver) FindInvoice(ctx context.Context, orderSn string) (*models.SalesInvoice, error) {
	var invoice models.SalesInvoice
	err := r.db.WithContext(ctx).
		Preload("Details").
		Where("business_id = ? AND market_order_sn = ? AND current_status <> ?",
			r.businessId, orderSn, models.DocumentStatusVoid).
		Take(&invoice).Error
	if err == nil {
		return &invoice, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	legacyKeys := LegacyInvoiceKeys(orderSn)
	if len(legacyKeys) == 0 {
		return nil, nil
	}
	err = r.db.WithContext(ctx).
		Preload("Details").
		Where("business_id = ? AND market_order_sn = '' AND reference_number IN ? AND current_status <> ?",
			r.businessId, legacyKeys, models.DocumentStatusVoid).
		Take(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

// FindPayment returns the active payment referencing the invoice, if any.
func (r *DedupResolver) FindPayment(ctx context.Context, invoiceId int) (*models.CustomerPayment, error) {
	var payment models.CustomerPayment
	err := r.db.WithContext(ctx).
		Preload("Deductions").
		Where("business_id = ? AND invoice_id = ? AND current_status <> ?",
			r.businessId, invoiceId, models.DocumentStatusVoid).
		Take(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// FindCreditNote returns the credit note reversing the invoice, if any. Void
// notes still count: one refund reversal per invoice, ever.
func (r *DedupResolver) FindCreditNote(ctx context.Context, invoiceId int) (*models.CreditNote, error) {
	var note models.CreditNote
	err := r.db.WithContext(ctx).
		Where("business_id = ? AND invoice_id = ?", r.businessId, invoiceId).
		Take(&note).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &note, nil
}

// FindProduct resolves a marketplace line item to a local product: SKU, then
// barcode, then the legacy key patterns.
func (r *DedupResolver) FindProduct(ctx context.Context, item MarketOrderItem) (*models.Product, error) {
	sku := strings.TrimSpace(item.Sku)
	if sku != "" {
		product, err := models.GetProductBySku(ctx, r.businessId, sku)
		if err == nil {
			return product, nil
		}
		if !errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, err
		}

		product, err = models.GetProductByBarcode(ctx, r.businessId, sku)
		if err == nil {
			return product, nil
		}
		if !errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, err
		}
	}

	for _, key := range LegacyItemKeys(item.ItemId, item.VariantId) {
		product, err := models.GetProductByLegacyCode(ctx, r.businessId, key)
		if err == nil {
			return product, nil
		}
		if !errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// MarkApplied records that the order's snapshot at updateTime has been applied
// to the given internal document. Creates the mapping on first write; the
// unique index absorbs the concurrent-create race (duplicate inserts fail, and
// the caller re-resolves).
func (r *DedupResolver) MarkApplied(ctx context.Context, entityType, externalId, internalId string, updateTime int64) error {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&models.IntegrationEntityMapping{}).
		Where("business_id = ? AND provider = ? AND entity_type = ? AND external_id = ?",
			r.businessId, models.IntegrationProviderPasal, entityType, externalId).
		Updates(map[string]interface{}{
			"internal_id":        internalId,
			"last_seen_at":       &now,
			"market_update_time": updateTime,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	mapping := models.IntegrationEntityMapping{
		BusinessId:       r.businessId,
		ConnectionId:     r.connectionId,
		Provider:         models.IntegrationProviderPasal,
		EntityType:       entityType,
		ExternalId:       externalId,
		InternalId:       internalId,
		LastSeenAt:       &now,
		MarketUpdateTime: updateTime,
	}
	if err := r.db.WithContext(ctx).Create(&mapping).Error; err != nil {
		if isDuplicateKeyErr(err) {
			// Lost the create race; the row exists now, update it instead.
			return r.db.WithContext(ctx).
				Model(&models.IntegrationEntityMapping{}).
				Where("business_id = ? AND provider = ? AND entity_type = ? AND external_id = ?",
					r.businessId, models.IntegrationProviderPasal, entityType, externalId).
				Updates(map[string]interface{}{
					"internal_id":        internalId,
					"last_seen_at":       &now,
					"market_update_time": updateTime,
				}).Error
		}
		return err
	}
	return nil
}

// AppliedUpdateTime returns the newest platform update_time already applied for
// the order, or zero when unseen.
func (r *DedupResolver) AppliedUpdateTime(ctx context.Context, entityType, externalId string) (int64, error) {
	var mapping models.IntegrationEntityMapping
	err := r.db.WithContext(ctx).
		Where("business_id = ? AND provider = ? AND entity_type = ? AND external_id = ?",
			r.businessId, models.IntegrationProviderPasal, entityType, externalId).
		Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return mapping.MarketUpdateTime, nil
}
