package pasalsync

import (
	"reflect"
	"testing"
)

func TestLegacyInvoiceKeys(t *testing.T) {
	got := LegacyInvoiceKeys("240820ABC")
	want := []string{"PASAL-240820ABC", "240820ABC"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	if LegacyInvoiceKeys("  ") != nil {
		t.Fatal("blank order_sn produced keys")
	}
}

func TestLegacyItemKeys(t *testing.T) {
	got := LegacyItemKeys("123", "456")
	want := []string{"123-456", "123"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}

	// No variant: the composite key drops out.
	got = LegacyItemKeys("123", "")
	if !reflect.DeepEqual(got, []string{"123"}) {
		t.Fatalf("keys = %v, want [123]", got)
	}

	if LegacyItemKeys("", "456") != nil {
		t.Fatal("blank item id produced keys")
	}
}
