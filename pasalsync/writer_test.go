package pasalsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/marketsync_backend/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func deductionSum(lines []models.PaymentDeduction) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Amount)
	}
	return total
}

func TestBuildDeductionLinesBalance(t *testing.T) {
	gross := dec("50000")
	fb := &FeeBreakdown{
		NetAmount:     dec("48500"),
		CommissionFee: dec("1000"),
		ServiceFee:    dec("300"),
		ProtectionFee: dec("200"),
	}

	lines := buildDeductionLines(gross, fb)
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	for _, line := range lines {
		if line.Category == models.DeductionCategoryRounding {
			t.Fatal("rounding line emitted for a balanced breakdown")
		}
	}
	if !gross.Sub(deductionSum(lines)).Equal(fb.NetAmount) {
		t.Fatalf("gross - deductions = %s, want %s", gross.Sub(deductionSum(lines)), fb.NetAmount)
	}
}

func TestBuildDeductionLinesRoundingAbsorbsDrift(t *testing.T) {
	gross := dec("50000")
	fb := &FeeBreakdown{
		NetAmount:     dec("48997"),
		CommissionFee: dec("1000"),
	}

	lines := buildDeductionLines(gross, fb)
	var rounding *models.PaymentDeduction
	for i := range lines {
		if lines[i].Category == models.DeductionCategoryRounding {
			rounding = &lines[i]
		}
	}
	if rounding == nil {
		t.Fatal("no rounding line for a 3-unit drift")
	}
	if !rounding.Amount.Equal(dec("3")) {
		t.Fatalf("rounding amount = %s, want 3", rounding.Amount)
	}
	if !gross.Sub(deductionSum(lines)).Equal(fb.NetAmount) {
		t.Fatalf("gross - deductions = %s, want %s", gross.Sub(deductionSum(lines)), fb.NetAmount)
	}
}

func TestBuildDeductionLinesToleratesOneMinorUnit(t *testing.T) {
	gross := dec("50000")
	fb := &FeeBreakdown{
		NetAmount:     dec("48999"),
		CommissionFee: dec("1000"),
	}

	// Off by exactly one minor unit: within epsilon, no rounding line.
	lines := buildDeductionLines(gross, fb)
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
}

func TestBuildDeductionLinesSkipsZeroCategories(t *testing.T) {
	fb := &FeeBreakdown{NetAmount: dec("100")}
	lines := buildDeductionLines(dec("100"), fb)
	if len(lines) != 0 {
		t.Fatalf("lines = %d for an all-zero breakdown, want 0", len(lines))
	}
}

func TestDerivePostingDatePrecedence(t *testing.T) {
	now := time.Date(2024, 8, 30, 12, 0, 0, 0, time.UTC)
	ord := &MarketOrder{CreateTime: 1700000000, PayTime: 1700100000}

	got := derivePostingDate(ord, &FeeBreakdown{PayoutTime: 1700200000}, now, true)
	if got.Unix() != 1700200000 {
		t.Fatalf("payout time not preferred, got %d", got.Unix())
	}

	got = derivePostingDate(ord, &FeeBreakdown{}, now, true)
	if got.Unix() != 1700100000 {
		t.Fatalf("pay time not used, got %d", got.Unix())
	}

	got = derivePostingDate(&MarketOrder{CreateTime: 1700000000}, nil, now, true)
	if got.Unix() != 1700000000 {
		t.Fatalf("create time fallback not used, got %d", got.Unix())
	}
}

func TestDerivePostingDateClamp(t *testing.T) {
	now := time.Date(2024, 8, 30, 12, 0, 0, 0, time.UTC)
	future := now.Add(48 * time.Hour).Unix()
	ord := &MarketOrder{CreateTime: future}

	if got := derivePostingDate(ord, nil, now, true); !got.Equal(now) {
		t.Fatalf("future date not clamped, got %s", got)
	}
	// Backfills keep the historical date as-is.
	if got := derivePostingDate(ord, nil, now, false); got.Unix() != future {
		t.Fatalf("backfill clamped the date, got %s", got)
	}
}

func TestOrderLineTotal(t *testing.T) {
	items := []MarketOrderItem{
		{Qty: json.Number("2"), UnitPrice: json.Number("1500.50")},
		{Qty: json.Number("1"), UnitPrice: json.Number("999")},
	}
	if got := orderLineTotal(items); !got.Equal(dec("4000")) {
		t.Fatalf("total = %s, want 4000", got)
	}
}

func TestDecimalFromNumber(t *testing.T) {
	if !decimalFromNumber("").IsZero() {
		t.Fatal("empty number not zero")
	}
	if !decimalFromNumber(json.Number("not-a-number")).IsZero() {
		t.Fatal("garbage number not zero")
	}
	if !decimalFromNumber(json.Number("12.34")).Equal(dec("12.34")) {
		t.Fatal("valid number mangled")
	}
}

func TestInvoiceMatchesOrder(t *testing.T) {
	postingDate := time.Date(2024, 8, 20, 0, 0, 0, 0, time.UTC)
	ord := &MarketOrder{
		Items: []MarketOrderItem{
			{Sku: "SKU-1", Qty: json.Number("2"), UnitPrice: json.Number("1000")},
			{Sku: "SKU-2", Qty: json.Number("1"), UnitPrice: json.Number("500")},
		},
	}
	inv := &models.SalesInvoice{
		InvoiceDate:        time.Date(2024, 8, 20, 15, 30, 0, 0, time.UTC),
		InvoiceTotalAmount: dec("2500"),
		Details: []models.SalesInvoiceDetail{
			{Sku: "SKU-1", DetailQty: dec("2"), DetailUnitRate: dec("1000")},
			{Sku: "SKU-2", DetailQty: dec("1"), DetailUnitRate: dec("500")},
		},
	}

	// Same calendar day, different wall clock: still a match.
	if !invoiceMatchesOrder(inv, ord, postingDate) {
		t.Fatal("matching invoice reported as different")
	}

	changedQty := *inv
	changedQty.Details = append([]models.SalesInvoiceDetail(nil), inv.Details...)
	changedQty.Details[0].DetailQty = dec("3")
	if invoiceMatchesOrder(&changedQty, ord, postingDate) {
		t.Fatal("quantity change not detected")
	}

	changedTotal := *inv
	changedTotal.InvoiceTotalAmount = dec("2400")
	if invoiceMatchesOrder(&changedTotal, ord, postingDate) {
		t.Fatal("total change not detected")
	}

	if invoiceMatchesOrder(inv, ord, postingDate.AddDate(0, 0, 1)) {
		t.Fatal("posting date change not detected")
	}

	shortOrd := &MarketOrder{Items: ord.Items[:1]}
	if invoiceMatchesOrder(inv, shortOrd, postingDate) {
		t.Fatal("line count change not detected")
	}
}

func TestIsDuplicateKeyErr(t *testing.T) {
	dup := &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}
	if !isDuplicateKeyErr(dup) {
		t.Fatal("1062 not recognized")
	}
	if !isDuplicateKeyErr(fmt.Errorf("create order: %w", dup)) {
		t.Fatal("wrapped 1062 not recognized")
	}
	if isDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1213}) {
		t.Fatal("1213 misclassified as duplicate")
	}
	if isDuplicateKeyErr(errors.New("plain error")) {
		t.Fatal("plain error misclassified")
	}
}

func TestIsLockContention(t *testing.T) {
	for _, code := range []uint16{1213, 1205} {
		if !isLockContention(&mysqlDriver.MySQLError{Number: code}) {
			t.Fatalf("%d not recognized as lock contention", code)
		}
	}
	if isLockContention(&mysqlDriver.MySQLError{Number: 1062}) {
		t.Fatal("1062 misclassified as lock contention")
	}
	if isLockContention(nil) {
		t.Fatal("nil error misclassified")
	}
}
