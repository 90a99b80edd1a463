package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CustomerPayment is the marketplace payout receipt against one invoice.
// Invariant: at most one non-Void payment per invoice, and
// gross_amount - sum(deductions) == net_received (rounding line absorbs drift).
type CustomerPayment struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"index;uniqueIndex:idx_payment_active_invoice,priority:1;not null" json:"business_id" binding:"required"`
	InvoiceId  int    `gorm:"index;not null" json:"invoice_id" binding:"required"`
	// ActiveInvoiceId mirrors InvoiceId while the payment is non-Void and is
	// nulled on void, so the unique index allows at most one active payment per
	// invoice even when concurrent workers pass the dedup lookup together.
	ActiveInvoiceId *int            `gorm:"uniqueIndex:idx_payment_active_invoice,priority:2;default:null" json:"active_invoice_id"`
	PaymentNumber   string          `gorm:"size:64;not null" json:"payment_number"`
	GrossAmount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"gross_amount"`
	NetReceived     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"net_received"`
	// ReferenceDate is the escrow payout time; falls back to the invoice posting
	// date when the payout time is unavailable.
	ReferenceDate time.Time          `gorm:"not null" json:"reference_date"`
	CurrentStatus DocumentStatus     `gorm:"type:enum('Draft','Confirmed','Void');not null" json:"current_status"`
	Deductions    []PaymentDeduction `gorm:"foreignKey:PaymentId" json:"deductions"`
	CreatedAt     time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

type PaymentDeduction struct {
	ID        int             `gorm:"primary_key" json:"id"`
	PaymentId int             `gorm:"index;not null" json:"payment_id"`
	Category  string          `gorm:"size:50;not null" json:"category"`
	Amount    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
}
