package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreditNote reverses an invoice's economic effect on refund. The reversal link
// (business_id, invoice_id) carries a unique index so a refund event can never
// produce a second note even under concurrent delivery.
type CreditNote struct {
	ID               int                   `gorm:"primary_key" json:"id"`
	BusinessId       string                `gorm:"uniqueIndex:idx_credit_note_invoice,priority:1;not null" json:"business_id" binding:"required"`
	InvoiceId        int                   `gorm:"uniqueIndex:idx_credit_note_invoice,priority:2;not null" json:"invoice_id" binding:"required"`
	CreditNoteNumber string                `gorm:"size:64;not null" json:"credit_note_number"`
	Reason           string                `gorm:"size:255;default:null" json:"reason"`
	CreditNoteDate   time.Time             `gorm:"not null" json:"credit_note_date" binding:"required"`
	RefundAmount     decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"refund_amount"`
	CreditNoteTotal  decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"credit_note_total"`
	CurrentStatus    DocumentStatus        `gorm:"type:enum('Draft','Confirmed','Void');not null" json:"current_status"`
	Details          []CreditNoteDetail    `gorm:"foreignKey:CreditNoteId" json:"details"`
	Deductions       []CreditNoteDeduction `gorm:"foreignKey:CreditNoteId" json:"deductions"`
	CreatedAt        time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

// CreditNoteDetail mirrors the invoice line with negated quantity.
type CreditNoteDetail struct {
	ID             int             `gorm:"primary_key" json:"id"`
	CreditNoteId   int             `gorm:"index;not null" json:"credit_note_id"`
	ProductId      int             `gorm:"default:null" json:"product_id"`
	Name           string          `gorm:"size:255;not null" json:"name"`
	Sku            string          `gorm:"size:128" json:"sku"`
	DetailQty      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_qty"`
	DetailUnitRate decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_unit_rate"`
	DetailAmount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"detail_amount"`
}

// CreditNoteDeduction mirrors a payment deduction as a negative adjustment.
type CreditNoteDeduction struct {
	ID           int             `gorm:"primary_key" json:"id"`
	CreditNoteId int             `gorm:"index;not null" json:"credit_note_id"`
	Category     string          `gorm:"size:50;not null" json:"category"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
}
