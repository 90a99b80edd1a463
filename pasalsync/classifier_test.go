package pasalsync

import (
	"context"
	"encoding/json"
	"testing"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
	"bitbucket.org/mmdatafocus/marketsync_backend/models"
)

type fakeStore struct {
	preInvoices map[string]int
	invoices    map[string]int
	payments    map[int]int
	creditNotes map[int]int
	voidedPre   map[string]bool
	voidedInv   map[int]bool
	voidedPay   map[int]bool
	nextId      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		preInvoices: map[string]int{},
		invoices:    map[string]int{},
		payments:    map[int]int{},
		creditNotes: map[int]int{},
		voidedPre:   map[string]bool{},
		voidedInv:   map[int]bool{},
		voidedPay:   map[int]bool{},
	}
}

func (f *fakeStore) id() int {
	f.nextId++
	return f.nextId
}

func (f *fakeStore) EnsurePreInvoice(_ context.Context, ord *MarketOrder) (int, bool, error) {
	if id, ok := f.preInvoices[ord.OrderSn]; ok {
		return id, false, nil
	}
	id := f.id()
	f.preInvoices[ord.OrderSn] = id
	return id, true, nil
}

func (f *fakeStore) CancelPreInvoice(_ context.Context, orderSn string) error {
	if _, ok := f.preInvoices[orderSn]; ok {
		f.voidedPre[orderSn] = true
	}
	return nil
}

func (f *fakeStore) FindInvoiceId(_ context.Context, orderSn string) (int, bool, error) {
	id, ok := f.invoices[orderSn]
	if !ok || f.voidedInv[id] {
		return 0, false, nil
	}
	return id, true, nil
}

func (f *fakeStore) EnsureInvoice(_ context.Context, ord *MarketOrder, _ *FeeBreakdown) (int, InvoiceOutcome, error) {
	if id, ok := f.invoices[ord.OrderSn]; ok && !f.voidedInv[id] {
		return id, InvoiceUnchanged, nil
	}
	id := f.id()
	f.invoices[ord.OrderSn] = id
	return id, InvoiceCreated, nil
}

func (f *fakeStore) EnsurePayment(_ context.Context, invoiceId int, _ *FeeBreakdown) (int, bool, error) {
	if id, ok := f.payments[invoiceId]; ok {
		return id, false, nil
	}
	id := f.id()
	f.payments[invoiceId] = id
	return id, true, nil
}

func (f *fakeStore) EnsureCreditNote(_ context.Context, invoiceId int, _ *FeeBreakdown, _ string) (int, bool, error) {
	if id, ok := f.creditNotes[invoiceId]; ok {
		return id, false, nil
	}
	id := f.id()
	f.creditNotes[invoiceId] = id
	return id, true, nil
}

func (f *fakeStore) CancelInvoice(_ context.Context, invoiceId int) error {
	f.voidedInv[invoiceId] = true
	return nil
}

func (f *fakeStore) CancelPayments(_ context.Context, invoiceId int) error {
	f.voidedPay[invoiceId] = true
	return nil
}

type fakeTracker struct {
	applied map[string]int64
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{applied: map[string]int64{}}
}

func (f *fakeTracker) AppliedUpdateTime(_ context.Context, entityType, externalId string) (int64, error) {
	return f.applied[entityType+"|"+externalId], nil
}

func (f *fakeTracker) MarkApplied(_ context.Context, entityType, externalId, _ string, updateTime int64) error {
	f.applied[entityType+"|"+externalId] = updateTime
	return nil
}

type fakeEscrow struct {
	payloads map[string][]byte
}

func (f *fakeEscrow) GetEscrowDetail(_ context.Context, orderSn string) (json.RawMessage, error) {
	return f.payloads[orderSn], nil
}

func newTestClassifier(store DocumentStore, escrow EscrowFetcher) (*Classifier, *fakeTracker) {
	tracker := newFakeTracker()
	return NewClassifier(store, tracker, escrow, config.GetLogger(), nil), tracker
}

func TestClassifierReadyToShipIdempotent(t *testing.T) {
	store := newFakeStore()
	classifier, _ := newTestClassifier(store, &fakeEscrow{})

	ord := &MarketOrder{OrderSn: "X1", Status: "READY_TO_SHIP", UpdateTime: 100}

	result, err := classifier.Apply(context.Background(), ord)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if result.Action != ActionPreInvoiced {
		t.Fatalf("first apply action = %s, want %s", result.Action, ActionPreInvoiced)
	}
	if len(store.preInvoices) != 1 {
		t.Fatalf("pre-invoices = %d, want 1", len(store.preInvoices))
	}

	// Identical snapshot replayed: dropped before any write.
	result, err = classifier.Apply(context.Background(), ord)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Action != ActionSkippedStale {
		t.Fatalf("replay action = %s, want %s", result.Action, ActionSkippedStale)
	}
	if len(store.preInvoices) != 1 {
		t.Fatalf("replay created a second pre-invoice")
	}
}

func TestClassifierReadyToShipReplayAfterRestart(t *testing.T) {
	store := newFakeStore()
	classifier, _ := newTestClassifier(store, &fakeEscrow{})
	ord := &MarketOrder{OrderSn: "X1", Status: "READY_TO_SHIP", UpdateTime: 100}
	if _, err := classifier.Apply(context.Background(), ord); err != nil {
		t.Fatal(err)
	}

	// Fresh tracker state, same store: the dedup gate alone keeps the replay
	// from creating a second document.
	replayClassifier, _ := newTestClassifier(store, &fakeEscrow{})
	result, err := replayClassifier.Apply(context.Background(), ord)
	if err != nil {
		t.Fatal(err)
	}
	if result.Action != ActionUnchanged {
		t.Fatalf("action = %s, want %s", result.Action, ActionUnchanged)
	}
	if len(store.preInvoices) != 1 {
		t.Fatal("replay created a second pre-invoice")
	}
}

func TestClassifierCompletedCreatesInvoiceAndPayment(t *testing.T) {
	store := newFakeStore()
	escrow := &fakeEscrow{payloads: map[string][]byte{
		"X2": []byte(`{"payout_amount":"50000","commission_fee":"1000"}`),
	}}
	classifier, _ := newTestClassifier(store, escrow)

	ord := &MarketOrder{OrderSn: "X2", Status: "COMPLETED", UpdateTime: 200}
	result, err := classifier.Apply(context.Background(), ord)
	if err != nil {
		t.Fatal(err)
	}
	if result.Action != ActionInvoiced {
		t.Fatalf("action = %s, want %s", result.Action, ActionInvoiced)
	}
	invoiceId := store.invoices["X2"]
	if invoiceId == 0 {
		t.Fatal("no invoice created")
	}
	if store.payments[invoiceId] == 0 {
		t.Fatal("no payment created")
	}
	if len(store.creditNotes) != 0 {
		t.Fatal("unexpected credit note")
	}
}

func TestClassifierCompletedWithoutEscrowDefersPayment(t *testing.T) {
	store := newFakeStore()
	classifier, _ := newTestClassifier(store, &fakeEscrow{})

	ord := &MarketOrder{OrderSn: "X2", Status: "COMPLETED", UpdateTime: 200}
	result, err := classifier.Apply(context.Background(), ord)
	if err != nil {
		t.Fatal(err)
	}
	if result.Action != ActionInvoiced {
		t.Fatalf("action = %s, want %s", result.Action, ActionInvoiced)
	}
	if len(store.payments) != 0 {
		t.Fatal("payment created without escrow data")
	}
	if len(store.creditNotes) != 0 {
		t.Fatal("credit note created without escrow data")
	}
}

func TestClassifierRefundCreatesCreditNote(t *testing.T) {
	store := newFakeStore()
	escrow := &fakeEscrow{payloads: map[string][]byte{
		"X3": []byte(`{"payout_amount":"50000","refund_amount":"20000"}`),
	}}
	classifier, _ := newTestClassifier(store, escrow)

	ord := &MarketOrder{OrderSn: "X3", Status: "COMPLETED", UpdateTime: 300}
	result, err := classifier.Apply(context.Background(), ord)
	if err != nil {
		t.Fatal(err)
	}
	if result.Action != ActionRefunded {
		t.Fatalf("action = %s, want %s", result.Action, ActionRefunded)
	}
	invoiceId := store.invoices["X3"]
	if store.creditNotes[invoiceId] == 0 {
		t.Fatal("no credit note created")
	}
	if len(store.payments) != 0 {
		t.Fatal("payment created for a refunded order")
	}
}

func TestClassifierCancellationAfterCompletion(t *testing.T) {
	store := newFakeStore()
	escrow := &fakeEscrow{payloads: map[string][]byte{
		"X3": []byte(`{"payout_amount":"50000"}`),
	}}
	classifier, _ := newTestClassifier(store, escrow)
	ctx := context.Background()

	if _, err := classifier.Apply(ctx, &MarketOrder{OrderSn: "X3", Status: "COMPLETED", UpdateTime: 300}); err != nil {
		t.Fatal(err)
	}
	invoiceId := store.invoices["X3"]

	// Refund arrives with the cancellation.
	escrow.payloads["X3"] = []byte(`{"payout_amount":"50000","refund_amount":"20000"}`)
	result, err := classifier.Apply(ctx, &MarketOrder{OrderSn: "X3", Status: "CANCELLED", UpdateTime: 400})
	if err != nil {
		t.Fatal(err)
	}
	if result.Action != ActionCancelled {
		t.Fatalf("action = %s, want %s", result.Action, ActionCancelled)
	}
	if !store.voidedInv[invoiceId] {
		t.Fatal("invoice not voided")
	}
	if !store.voidedPay[invoiceId] {
		t.Fatal("payments not voided")
	}
	if store.creditNotes[invoiceId] == 0 {
		t.Fatal("no credit note created")
	}

	// Replaying the cancellation must not mint a second credit note.
	result, err = classifier.Apply(ctx, &MarketOrder{OrderSn: "X3", Status: "CANCELLED", UpdateTime: 400})
	if err != nil {
		t.Fatal(err)
	}
	if result.Action != ActionSkippedStale {
		t.Fatalf("replay action = %s, want %s", result.Action, ActionSkippedStale)
	}
	if len(store.creditNotes) != 1 {
		t.Fatalf("credit notes = %d, want 1", len(store.creditNotes))
	}
}

func TestClassifierStaleSnapshotDropped(t *testing.T) {
	store := newFakeStore()
	classifier, tracker := newTestClassifier(store, &fakeEscrow{})
	ctx := context.Background()

	if _, err := classifier.Apply(ctx, &MarketOrder{OrderSn: "X5", Status: "READY_TO_SHIP", UpdateTime: 500}); err != nil {
		t.Fatal(err)
	}

	// An older snapshot arriving late must not regress anything.
	result, err := classifier.Apply(ctx, &MarketOrder{OrderSn: "X5", Status: "CANCELLED", UpdateTime: 400})
	if err != nil {
		t.Fatal(err)
	}
	if result.Action != ActionSkippedStale {
		t.Fatalf("action = %s, want %s", result.Action, ActionSkippedStale)
	}
	if store.voidedPre["X5"] {
		t.Fatal("stale cancellation voided the pre-invoice")
	}
	if got := tracker.applied["order|X5"]; got != 500 {
		t.Fatalf("applied update time = %d, want 500", got)
	}
}

func TestClassifierOtherStatusIsNoOp(t *testing.T) {
	store := newFakeStore()
	classifier, tracker := newTestClassifier(store, &fakeEscrow{})

	result, err := classifier.Apply(context.Background(), &MarketOrder{OrderSn: "X6", Status: "IN_TRANSIT", UpdateTime: 600})
	if err != nil {
		t.Fatal(err)
	}
	if result.Action != ActionSkippedOther {
		t.Fatalf("action = %s, want %s", result.Action, ActionSkippedOther)
	}
	if len(store.preInvoices)+len(store.invoices)+len(store.payments)+len(store.creditNotes) != 0 {
		t.Fatal("OTHER status caused writes")
	}
	if tracker.applied["order|X6"] != 0 {
		t.Fatal("OTHER status marked as applied")
	}
}

func TestNormalizeOrderStatusSynonyms(t *testing.T) {
	cases := map[string]models.MarketOrderStatus{
		"READY_TO_SHIP": models.MarketOrderStatusReadyToShip,
		"TO_SHIP":       models.MarketOrderStatusReadyToShip,
		"COMPLETED":     models.MarketOrderStatusCompleted,
		"complete":      models.MarketOrderStatusCompleted,
		"CANCELLED":     models.MarketOrderStatusCancelled,
		"CANCELED":      models.MarketOrderStatusCancelled,
		"IN_CANCEL":     models.MarketOrderStatusCancelled,
		"SHIPPED":       models.MarketOrderStatusOther,
		"":              models.MarketOrderStatusOther,
	}
	for raw, want := range cases {
		if got := NormalizeOrderStatus(raw); got != want {
			t.Errorf("NormalizeOrderStatus(%q) = %s, want %s", raw, got, want)
		}
	}
}
