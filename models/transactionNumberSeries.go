package models

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TransactionNumberSeries is a per-business, per-module counter for document
// numbers ("SIV-000123"). NextTransactionNumber locks the row so two writers
// cannot hand out the same number.
type TransactionNumberSeries struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"uniqueIndex:idx_number_series,priority:1;not null" json:"business_id"`
	ModuleName string    `gorm:"uniqueIndex:idx_number_series,priority:2;size:50;not null" json:"module_name"`
	Prefix     string    `gorm:"size:10" json:"prefix"`
	NextNumber int64     `gorm:"default:1" json:"next_number"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func defaultPrefix(moduleName string) string {
	switch moduleName {
	case NumberModuleSalesOrder:
		return "SO"
	case NumberModuleSalesInvoice:
		return "SIV"
	case NumberModulePayment:
		return "PAY"
	case NumberModuleCreditNote:
		return "CN"
	default:
		return "DOC"
	}
}

// NextTransactionNumber must run inside the caller's transaction so the number
// is rolled back together with a failed document write.
func NextTransactionNumber(tx *gorm.DB, businessId string, moduleName string) (string, error) {
	if businessId == "" {
		return "", errors.New("business id is required")
	}

	var series TransactionNumberSeries
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND module_name = ?", businessId, moduleName).
		Take(&series).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		series = TransactionNumberSeries{
			BusinessId: businessId,
			ModuleName: moduleName,
			Prefix:     defaultPrefix(moduleName),
			NextNumber: 1,
		}
		if err := tx.Create(&series).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	number := fmt.Sprintf("%s-%06d", series.Prefix, series.NextNumber)
	if err := tx.Model(&TransactionNumberSeries{}).
		Where("id = ?", series.ID).
		Update("next_number", series.NextNumber+1).Error; err != nil {
		return "", err
	}
	return number, nil
}
