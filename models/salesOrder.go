package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SalesOrder is the pre-invoice order created when a marketplace order becomes
// ready to ship. It is voided if the order is later cancelled and superseded by
// the sales invoice on completion.
type SalesOrder struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"uniqueIndex:idx_sales_order_market_sn,priority:1;not null" json:"business_id" binding:"required"`
	// MarketOrderSn is the platform-assigned order serial, the natural dedup key.
	MarketOrderSn   string             `gorm:"uniqueIndex:idx_sales_order_market_sn,priority:2;size:64;not null" json:"market_order_sn" binding:"required"`
	OrderNumber     string             `gorm:"size:64;not null" json:"order_number"`
	CustomerId      int                `gorm:"index;not null" json:"customer_id" binding:"required"`
	OrderDate       time.Time          `gorm:"not null" json:"order_date" binding:"required"`
	ShipByDate      *time.Time         `json:"ship_by_date"`
	CurrentStatus   DocumentStatus     `gorm:"type:enum('Draft','Confirmed','Void');not null" json:"current_status"`
	OrderTotal      decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"order_total"`
	MarketUpdatedAt int64              `gorm:"default:0" json:"market_updated_at"`
	Details         []SalesOrderDetail `gorm:"foreignKey:SalesOrderId" json:"details"`
	CreatedAt       time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

type SalesOrderDetail struct {
	ID             int             `gorm:"primary_key" json:"id"`
	SalesOrderId   int             `gorm:"index;not null" json:"sales_order_id"`
	ProductId      int             `gorm:"default:null" json:"product_id"`
	Name           string          `gorm:"size:255;not null" json:"name"`
	Sku            string          `gorm:"size:128" json:"sku"`
	DetailQty      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_qty"`
	DetailUnitRate decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_unit_rate"`
	DetailAmount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_amount"`
}
