package config

import (
	"os"
	"strings"
)

// PasalWebhookVerifyDisabled turns off webhook signature verification.
// Local development only; never set in production.
//
// Set via env:
// - PASAL_WEBHOOK_VERIFY_DISABLED=true
func PasalWebhookVerifyDisabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("PASAL_WEBHOOK_VERIFY_DISABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// PasalSyncCreateCustomers allows the sync to create customers for unknown buyer refs
// instead of failing the order.
//
// Set via env:
// - PASAL_SYNC_CREATE_CUSTOMERS=true (default true)
func PasalSyncCreateCustomers() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("PASAL_SYNC_CREATE_CUSTOMERS")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// PasalSyncCreateItems allows the sync to create placeholder products for SKUs that
// cannot be resolved through any dedup key.
//
// Set via env:
// - PASAL_SYNC_CREATE_ITEMS=true (default true)
func PasalSyncCreateItems() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("PASAL_SYNC_CREATE_ITEMS")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
