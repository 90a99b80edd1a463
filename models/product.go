package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
	"bitbucket.org/mmdatafocus/marketsync_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Product struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"index;not null" json:"business_id" binding:"required"`
	Name       string `gorm:"size:255;not null" json:"name" binding:"required"`
	Sku        string `gorm:"size:128;index;not null" json:"sku" binding:"required"`
	Barcode    string `gorm:"size:128;index;default:null" json:"barcode"`
	// LegacyCode holds identifiers created before SKU became the natural key
	// (e.g. "{platform_item_id}-{variant_id}" patterns from old imports).
	LegacyCode    string          `gorm:"size:128;index;default:null" json:"legacy_code"`
	SalesPrice    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sales_price"`
	PurchasePrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"purchase_price"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name          string          `json:"name" binding:"required"`
	Sku           string          `json:"sku" binding:"required"`
	Barcode       string          `json:"barcode"`
	LegacyCode    string          `json:"legacy_code"`
	SalesPrice    decimal.Decimal `json:"sales_price"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
}

func CreateProduct(ctx context.Context, businessId string, input *NewProduct) (*Product, error) {
	if businessId == "" {
		return nil, errors.New("business id is required")
	}

	product := Product{
		BusinessId:    businessId,
		Name:          input.Name,
		Sku:           input.Sku,
		Barcode:       input.Barcode,
		LegacyCode:    input.LegacyCode,
		SalesPrice:    input.SalesPrice,
		PurchasePrice: input.PurchasePrice,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func getProductWhere(ctx context.Context, businessId string, cond string, value string) (*Product, error) {
	var product Product
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Where(cond, value).
		Take(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &product, nil
}

func GetProductBySku(ctx context.Context, businessId string, sku string) (*Product, error) {
	return getProductWhere(ctx, businessId, "sku = ?", sku)
}

func GetProductByBarcode(ctx context.Context, businessId string, barcode string) (*Product, error) {
	return getProductWhere(ctx, businessId, "barcode = ?", barcode)
}

func GetProductByLegacyCode(ctx context.Context, businessId string, code string) (*Product, error) {
	return getProductWhere(ctx, businessId, "legacy_code = ?", code)
}
