package pasalsync

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"
)

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture %s: %v", name, err)
	}
	return raw
}

func requireDecimal(t *testing.T, field string, got decimal.Decimal, want string) {
	t.Helper()
	w, err := decimal.NewFromString(want)
	if err != nil {
		t.Fatalf("bad expectation %q: %v", want, err)
	}
	if !got.Equal(w) {
		t.Fatalf("%s = %s, want %s", field, got.String(), want)
	}
}

func TestNormalizeEscrowPayout(t *testing.T) {
	fb := NormalizeEscrow(loadFixture(t, "escrow_payout.json"))

	requireDecimal(t, "net_amount", fb.NetAmount, "48500")
	requireDecimal(t, "refund_amount", fb.RefundAmount, "0")
	requireDecimal(t, "commission_fee", fb.CommissionFee, "1000")
	requireDecimal(t, "service_fee", fb.ServiceFee, "300")
	requireDecimal(t, "protection_fee", fb.ProtectionFee, "200")
	requireDecimal(t, "shipping_fee_diff", fb.ShippingFeeDiff, "0")
	if fb.PayoutTime != 1724140800 {
		t.Fatalf("payout_time = %d, want 1724140800", fb.PayoutTime)
	}
	if fb.IsRefund {
		t.Fatal("is_refund = true for a plain payout")
	}
}

func TestNormalizeEscrowRefund(t *testing.T) {
	fb := NormalizeEscrow(loadFixture(t, "escrow_refund.json"))

	requireDecimal(t, "refund_amount", fb.RefundAmount, "20000")
	requireDecimal(t, "net_amount", fb.NetAmount, "30000")
	requireDecimal(t, "commission_fee", fb.CommissionFee, "1250")
	requireDecimal(t, "service_fee", fb.ServiceFee, "750")
	requireDecimal(t, "shipping_fee_diff", fb.ShippingFeeDiff, "700")
	if fb.PayoutTime != 1724227200 {
		t.Fatalf("payout_time = %d, want 1724227200 (escrow_release_time fallback)", fb.PayoutTime)
	}
	if !fb.IsRefund {
		t.Fatal("is_refund = false with refund_amount > 0")
	}
}

func TestNormalizeEscrowDeterministic(t *testing.T) {
	raw := loadFixture(t, "escrow_refund.json")
	first := NormalizeEscrow(raw)
	second := NormalizeEscrow(raw)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("normalization not deterministic:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestNormalizeEscrowSiblingContainerCollision(t *testing.T) {
	// Two nested objects carry the same field; order_income must win every
	// time, regardless of map iteration order.
	raw := []byte(`{"order_income":{"commission_fee":"100"},"buyer_income":{"commission_fee":"999"}}`)
	for i := 0; i < 500; i++ {
		fb := NormalizeEscrow(raw)
		requireDecimal(t, "commission_fee", fb.CommissionFee, "100")
	}
}

func TestNormalizeEscrowUnknownSiblingContainersSortedOrder(t *testing.T) {
	// Neither container is in the precedence list; the lexicographically first
	// one wins, deterministically.
	raw := []byte(`{"b_extra":{"service_fee":"7"},"a_extra":{"service_fee":"3"}}`)
	for i := 0; i < 500; i++ {
		fb := NormalizeEscrow(raw)
		requireDecimal(t, "service_fee", fb.ServiceFee, "3")
	}
}

func TestNormalizeEscrowKeyPrecedence(t *testing.T) {
	// payout_amount is tried before escrow_amount; top-level wins over nested.
	raw := []byte(`{"payout_amount":"100","order_income":{"escrow_amount":"999","payout_amount":"888"}}`)
	fb := NormalizeEscrow(raw)
	requireDecimal(t, "net_amount", fb.NetAmount, "100")
}

func TestNormalizeEscrowNegativeNetIsRefund(t *testing.T) {
	fb := NormalizeEscrow([]byte(`{"payout_amount":"-1500"}`))
	if !fb.IsRefund {
		t.Fatal("is_refund = false with net_amount <= 0")
	}
}

func TestNormalizeEscrowEmptyPayload(t *testing.T) {
	for _, raw := range [][]byte{nil, {}, []byte(`{}`), []byte(`not-json`)} {
		fb := NormalizeEscrow(raw)
		if !fb.NetAmount.IsZero() {
			t.Fatalf("net_amount = %s for empty payload", fb.NetAmount.String())
		}
		if !fb.RefundAmount.IsZero() {
			t.Fatalf("refund_amount = %s for empty payload", fb.RefundAmount.String())
		}
	}
}
