package models

import (
	"reflect"
	"strings"
	"testing"
)

func fieldTag(t *testing.T, model interface{}, field string) reflect.StructField {
	t.Helper()
	f, ok := reflect.TypeOf(model).FieldByName(field)
	if !ok {
		t.Fatalf("%T has no field %s", model, field)
	}
	return f
}

// The active-key columns back the one-active-document invariants at the
// storage layer: concurrent creates that both pass the dedup lookup collide on
// these indexes, and voiding nulls the key so a recreate is admitted.
func TestActiveDocumentKeysAreUniquelyIndexed(t *testing.T) {
	cases := []struct {
		model interface{}
		field string
		index string
	}{
		{SalesInvoice{}, "ActiveOrderSn", "idx_invoice_active_sn"},
		{CustomerPayment{}, "ActiveInvoiceId", "idx_payment_active_invoice"},
	}
	for _, tc := range cases {
		f := fieldTag(t, tc.model, tc.field)
		if f.Type.Kind() != reflect.Ptr {
			t.Errorf("%T.%s must be nullable (pointer), got %s", tc.model, tc.field, f.Type)
		}
		if !strings.Contains(f.Tag.Get("gorm"), "uniqueIndex:"+tc.index) {
			t.Errorf("%T.%s missing uniqueIndex %s in gorm tag %q", tc.model, tc.field, tc.index, f.Tag.Get("gorm"))
		}
		biz := fieldTag(t, tc.model, "BusinessId")
		if !strings.Contains(biz.Tag.Get("gorm"), "uniqueIndex:"+tc.index) {
			t.Errorf("%T.BusinessId missing uniqueIndex %s in gorm tag %q", tc.model, tc.index, biz.Tag.Get("gorm"))
		}
	}
}

// Credit notes are one-per-invoice forever, void included, so the plain
// composite unique index is correct there.
func TestCreditNoteInvoiceLinkIsUnique(t *testing.T) {
	f := fieldTag(t, CreditNote{}, "InvoiceId")
	if !strings.Contains(f.Tag.Get("gorm"), "uniqueIndex:idx_credit_note_invoice") {
		t.Fatalf("CreditNote.InvoiceId missing uniqueIndex in gorm tag %q", f.Tag.Get("gorm"))
	}
}

// Repeated webhook deliveries converge onto one inbox row through this index.
func TestWebhookEventIdempotencyKeyIsUnique(t *testing.T) {
	f := fieldTag(t, WebhookEvent{}, "IdempotencyKey")
	if !strings.Contains(f.Tag.Get("gorm"), "uniqueIndex:idx_webhook_event_key") {
		t.Fatalf("WebhookEvent.IdempotencyKey missing uniqueIndex in gorm tag %q", f.Tag.Get("gorm"))
	}
}
