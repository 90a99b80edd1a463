package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SalesInvoice is the financial invoice for a completed marketplace order.
// Invariant: at most one non-Void invoice per (business_id, market_order_sn).
// The dedup resolver checks market_order_sn first, then reference_number for
// records created before market_order_sn existed as a column.
type SalesInvoice struct {
	ID            int    `gorm:"primary_key" json:"id"`
	BusinessId    string `gorm:"index;uniqueIndex:idx_invoice_active_sn,priority:1;not null" json:"business_id" binding:"required"`
	MarketOrderSn string `gorm:"size:64;index;default:null" json:"market_order_sn"`
	// ActiveOrderSn mirrors MarketOrderSn while the invoice is non-Void and is
	// nulled on void. The unique index blocks two active invoices for one order
	// at the storage layer while still admitting a void-and-recreate.
	ActiveOrderSn *string `gorm:"size:64;uniqueIndex:idx_invoice_active_sn,priority:2;default:null" json:"active_order_sn"`
	// ReferenceNumber is the legacy dedup key ("PASAL-{order_sn}" pattern) kept for
	// migration-era invoices.
	ReferenceNumber string    `gorm:"size:128;index;default:null" json:"reference_number"`
	InvoiceNumber   string    `gorm:"size:64;not null" json:"invoice_number"`
	CustomerId      int       `gorm:"index;not null" json:"customer_id" binding:"required"`
	InvoiceDate     time.Time `gorm:"not null" json:"invoice_date" binding:"required"`
	// StockAffecting is false during backfill/migration windows so historical
	// imports do not move inventory.
	StockAffecting     *bool                `gorm:"default:true" json:"stock_affecting"`
	CurrentStatus      DocumentStatus       `gorm:"type:enum('Draft','Confirmed','Void');not null" json:"current_status"`
	InvoiceSubtotal    decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"invoice_subtotal"`
	InvoiceTotalAmount decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"invoice_total_amount"`
	MarketUpdatedAt    int64                `gorm:"default:0" json:"market_updated_at"`
	Details            []SalesInvoiceDetail `gorm:"foreignKey:SalesInvoiceId" json:"details"`
	CreatedAt          time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

type SalesInvoiceDetail struct {
	ID             int             `gorm:"primary_key" json:"id"`
	SalesInvoiceId int             `gorm:"index;not null" json:"sales_invoice_id"`
	ProductId      int             `gorm:"default:null" json:"product_id"`
	Name           string          `gorm:"size:255;not null" json:"name"`
	Sku            string          `gorm:"size:128" json:"sku"`
	DetailQty      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_qty"`
	DetailUnitRate decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_unit_rate"`
	DetailAmount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_amount"`
}

// IsFinalized reports whether the invoice may still be amended in place.
// Confirmed invoices are immutable; divergence forces void-and-recreate.
func (inv *SalesInvoice) IsFinalized() bool {
	return inv.CurrentStatus == DocumentStatusConfirmed
}
