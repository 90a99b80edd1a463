package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
	"bitbucket.org/mmdatafocus/marketsync_backend/utils"
	"gorm.io/gorm"
)

type Customer struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index;not null" json:"business_id" binding:"required"`
	Name       string    `gorm:"size:255;not null" json:"name" binding:"required"`
	Email      string    `gorm:"size:255;default:null" json:"email"`
	Phone      string    `gorm:"size:50;default:null" json:"phone"`
	// MarketBuyerRef is the marketplace-side buyer identifier (masked username or
	// buyer id), used by the master-data resolver as the dedup key.
	MarketBuyerRef string    `gorm:"size:128;index;default:null" json:"market_buyer_ref"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCustomer struct {
	Name           string `json:"name" binding:"required"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	MarketBuyerRef string `json:"market_buyer_ref"`
}

func CreateCustomer(ctx context.Context, businessId string, input *NewCustomer) (*Customer, error) {
	if businessId == "" {
		return nil, errors.New("business id is required")
	}

	customer := Customer{
		BusinessId:     businessId,
		Name:           input.Name,
		Email:          input.Email,
		Phone:          utils.NormalizePhoneNumber(input.Phone, "MM"),
		MarketBuyerRef: input.MarketBuyerRef,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func getCustomerWhere(ctx context.Context, businessId string, cond string, value string) (*Customer, error) {
	var customer Customer
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Where(cond, value).
		Take(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &customer, nil
}

func GetCustomerByBuyerRef(ctx context.Context, businessId string, buyerRef string) (*Customer, error) {
	return getCustomerWhere(ctx, businessId, "market_buyer_ref = ?", buyerRef)
}

func GetCustomerByName(ctx context.Context, businessId string, name string) (*Customer, error) {
	return getCustomerWhere(ctx, businessId, "name = ?", name)
}
