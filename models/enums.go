package models

type DocumentStatus string

const (
	DocumentStatusDraft     DocumentStatus = "Draft"
	DocumentStatusConfirmed DocumentStatus = "Confirmed"
	DocumentStatusVoid      DocumentStatus = "Void"
)

// MarketOrderStatus is the normalized marketplace order status. Raw platform strings
// are mapped here before classification; anything unrecognized becomes Other.
type MarketOrderStatus string

const (
	MarketOrderStatusReadyToShip MarketOrderStatus = "READY_TO_SHIP"
	MarketOrderStatusCompleted   MarketOrderStatus = "COMPLETED"
	MarketOrderStatusCancelled   MarketOrderStatus = "CANCELLED"
	MarketOrderStatusOther       MarketOrderStatus = "OTHER"
)

type WebhookEventStatus string

const (
	WebhookEventStatusQueued     WebhookEventStatus = "queued"
	WebhookEventStatusProcessing WebhookEventStatus = "processing"
	WebhookEventStatusDone       WebhookEventStatus = "done"
	WebhookEventStatusFailed     WebhookEventStatus = "failed"
	WebhookEventStatusSkipped    WebhookEventStatus = "skipped"
)

// Deduction categories on payments and credit notes. One line per non-zero fee
// category from the escrow breakdown, plus an optional rounding line.
const (
	DeductionCategoryCommission   = "commission_fee"
	DeductionCategoryService      = "service_fee"
	DeductionCategoryProtection   = "protection_fee"
	DeductionCategoryShippingDiff = "shipping_fee_diff"
	DeductionCategoryVoucher      = "voucher_seller"
	DeductionCategoryCoinCashback = "coin_cashback"
	DeductionCategoryRounding     = "rounding_adjustment"
)

// Transaction number series module names.
const (
	NumberModuleSalesOrder   = "SALES_ORDER"
	NumberModuleSalesInvoice = "SALES_INVOICE"
	NumberModulePayment      = "CUSTOMER_PAYMENT"
	NumberModuleCreditNote   = "CREDIT_NOTE"
)
