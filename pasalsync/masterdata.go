package pasalsync

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
	"bitbucket.org/mmdatafocus/marketsync_backend/models"
	"bitbucket.org/mmdatafocus/marketsync_backend/utils"
	"github.com/sirupsen/logrus"
)

// MasterDataResolver maps marketplace buyer refs and order lines to local
// customer and product ids, creating placeholders when auto-create is enabled.
type MasterDataResolver interface {
	EnsureCustomer(ctx context.Context, buyerRef string) (int, error)
	EnsureItem(ctx context.Context, item MarketOrderItem) (int, error)
}

// walkInCustomerName labels the shared fallback customer used when auto-create
// is disabled or the buyer ref is blank.
const walkInCustomerName = "Pasal Walk-in Customer"

type masterDataResolver struct {
	logger     *logrus.Logger
	businessId string
	dedup      *DedupResolver

	createCustomers bool
	createItems     bool
}

// NewMasterDataResolver builds the DB-backed resolver. allowCreate comes from
// the sync invocation's options and is intersected with the process-level
// feature flags.
func NewMasterDataResolver(logger *logrus.Logger, businessId string, dedup *DedupResolver, allowCreate bool) MasterDataResolver {
	return &masterDataResolver{
		logger:          logger,
		businessId:      businessId,
		dedup:           dedup,
		createCustomers: allowCreate && config.PasalSyncCreateCustomers(),
		createItems:     allowCreate && config.PasalSyncCreateItems(),
	}
}

// EnsureCustomer resolves the buyer ref to a customer id. Misses create a
// placeholder customer when enabled, otherwise fall back to the shared walk-in
// customer so document creation never blocks on master data.
func (m *masterDataResolver) EnsureCustomer(ctx context.Context, buyerRef string) (int, error) {
	if buyerRef != "" {
		customer, err := models.GetCustomerByBuyerRef(ctx, m.businessId, buyerRef)
		if err == nil {
			return customer.ID, nil
		}
		if !errors.Is(err, utils.ErrorRecordNotFound) {
			return 0, err
		}
		if m.createCustomers {
			return m.createCustomer(ctx, buyerRef)
		}
	}
	return m.walkInCustomer(ctx)
}

func (m *masterDataResolver) createCustomer(ctx context.Context, buyerRef string) (int, error) {
	customer, err := models.CreateCustomer(ctx, m.businessId, &models.NewCustomer{
		Name:           buyerRef,
		MarketBuyerRef: buyerRef,
	})
	if err != nil {
		if isDuplicateKeyErr(err) {
			if winner, ferr := models.GetCustomerByBuyerRef(ctx, m.businessId, buyerRef); ferr == nil {
				return winner.ID, nil
			}
		}
		return 0, err
	}
	m.logger.WithFields(logrus.Fields{
		"module":      "pasalsync",
		"business_id": m.businessId,
		"buyer_ref":   buyerRef,
	}).Info("created placeholder customer")
	return customer.ID, nil
}

func (m *masterDataResolver) walkInCustomer(ctx context.Context) (int, error) {
	customer, err := models.GetCustomerByName(ctx, m.businessId, walkInCustomerName)
	if err == nil {
		return customer.ID, nil
	}
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		return 0, err
	}

	created, err := models.CreateCustomer(ctx, m.businessId, &models.NewCustomer{Name: walkInCustomerName})
	if err != nil {
		return 0, err
	}
	return created.ID, nil
}

// EnsureItem resolves an order line to a product id via the dedup lookup chain
// (sku, barcode, legacy code patterns). A miss creates a placeholder product
// when enabled; otherwise the line posts unlinked.
func (m *masterDataResolver) EnsureItem(ctx context.Context, item MarketOrderItem) (int, error) {
	product, err := m.dedup.FindProduct(ctx, item)
	if err != nil {
		return 0, err
	}
	if product != nil {
		return product.ID, nil
	}
	if !m.createItems {
		return 0, nil
	}

	legacyCode := item.ItemId + "-" + item.VariantId
	sku := item.Sku
	if sku == "" {
		sku = legacyCode
	}
	created, err := models.CreateProduct(ctx, m.businessId, &models.NewProduct{
		Name:       item.Name,
		Sku:        sku,
		LegacyCode: legacyCode,
		SalesPrice: decimalFromNumber(item.UnitPrice),
	})
	if err != nil {
		if isDuplicateKeyErr(err) {
			if winner, ferr := m.dedup.FindProduct(ctx, item); ferr == nil && winner != nil {
				return winner.ID, nil
			}
		}
		return 0, err
	}
	m.logger.WithFields(logrus.Fields{
		"module":      "pasalsync",
		"business_id": m.businessId,
		"sku":         sku,
	}).Info("created placeholder product")
	return created.ID, nil
}
