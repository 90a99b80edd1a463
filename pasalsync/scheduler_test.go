package pasalsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/marketsync_backend/models"
)

func TestComputeWindowOverlap(t *testing.T) {
	now := time.Unix(2_000_000, 0)
	w := computeWindow(1_000_000, now, 5*time.Minute, 0)
	if w.From != 1_000_000-300 {
		t.Fatalf("from = %d, want %d", w.From, 1_000_000-300)
	}
	if w.To != 2_000_000 {
		t.Fatalf("to = %d, want 2000000", w.To)
	}
}

func TestComputeWindowFlooredAtZero(t *testing.T) {
	w := computeWindow(0, time.Unix(600, 0), 5*time.Minute, 0)
	if w.From != 0 {
		t.Fatalf("from = %d, want 0", w.From)
	}
}

func TestComputeWindowSpanCap(t *testing.T) {
	now := time.Unix(100*24*3600, 0)
	w := computeWindow(0, now, time.Minute, maxWindowSpan)
	if w.From != 0 {
		t.Fatalf("from = %d, want 0", w.From)
	}
	if w.To != int64((15*24*time.Hour).Seconds()) {
		t.Fatalf("to = %d, want 15 days", w.To)
	}
}

func TestClampWindowSpanBoundsExplicitRange(t *testing.T) {
	// A manual backfill window wider than the span cap is truncated the same
	// way a watermark-derived window is.
	w := clampWindowSpan(syncWindow{From: 1_000_000, To: 1_000_000 + 100*24*3600}, maxWindowSpan)
	if w.From != 1_000_000 {
		t.Fatalf("from = %d, want 1000000", w.From)
	}
	if want := int64(1_000_000 + 15*24*3600); w.To != want {
		t.Fatalf("to = %d, want %d", w.To, want)
	}

	within := clampWindowSpan(syncWindow{From: 100, To: 200}, maxWindowSpan)
	if within.From != 100 || within.To != 200 {
		t.Fatalf("window inside the cap changed: %+v", within)
	}
}

type fakeMarketAPI struct {
	pages  []OrderListPage
	orders map[string]MarketOrder

	listCalls    []ListOrdersParams
	detailCalls  [][]string
	escrowCalled []string
}

func (f *fakeMarketAPI) GetOrderList(_ context.Context, params ListOrdersParams) (OrderListPage, error) {
	f.listCalls = append(f.listCalls, params)
	if len(f.pages) == 0 {
		return OrderListPage{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeMarketAPI) GetOrderDetails(_ context.Context, orderSns []string) ([]MarketOrder, error) {
	f.detailCalls = append(f.detailCalls, orderSns)
	out := make([]MarketOrder, 0, len(orderSns))
	for _, sn := range orderSns {
		if ord, ok := f.orders[sn]; ok {
			out = append(out, ord)
		}
	}
	return out, nil
}

func (f *fakeMarketAPI) GetEscrowDetail(_ context.Context, orderSn string) (json.RawMessage, error) {
	f.escrowCalled = append(f.escrowCalled, orderSn)
	return nil, nil
}

type fakeProcessor struct {
	applied []string
	actions map[string]OrderAction
}

func (f *fakeProcessor) Apply(_ context.Context, ord *MarketOrder) (ClassifyResult, error) {
	f.applied = append(f.applied, ord.OrderSn)
	action := ActionPreInvoiced
	if a, ok := f.actions[ord.OrderSn]; ok {
		action = a
	}
	return ClassifyResult{OrderSn: ord.OrderSn, Action: action}, nil
}

func newDrainScheduler(api MarketAPI, processor OrderProcessor) *Scheduler {
	return &Scheduler{
		api:       api,
		processor: processor,
		opts:      DefaultSyncOptions(),
		overlap:   defaultWindowOverlap,
		maxSpan:   maxWindowSpan,
		now:       time.Now,
	}
}

func TestDrainWindowPagination(t *testing.T) {
	api := &fakeMarketAPI{
		pages: []OrderListPage{
			{OrderSnList: []string{"A", "B"}, More: true, NextCursor: "c1"},
			{OrderSnList: []string{"C"}, More: true, NextCursor: "c2"},
			{OrderSnList: []string{"D"}, More: false},
		},
		orders: map[string]MarketOrder{
			"A": {OrderSn: "A", UpdateTime: 10},
			"B": {OrderSn: "B", UpdateTime: 40},
			"C": {OrderSn: "C", UpdateTime: 20},
			"D": {OrderSn: "D", UpdateTime: 30},
		},
	}
	processor := &fakeProcessor{}
	sched := newDrainScheduler(api, processor)

	stats := cycleStats{}
	highest := sched.drainWindow(context.Background(), &models.IntegrationSyncRun{}, syncWindow{From: 0, To: 100}, TimeFieldUpdateTime, &stats)

	if highest != 40 {
		t.Fatalf("highest update_time = %d, want 40", highest)
	}
	if len(processor.applied) != 4 {
		t.Fatalf("applied = %d orders, want 4", len(processor.applied))
	}
	if stats.OrdersListed != 4 || stats.OrdersProcessed != 4 || stats.OrdersFailed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(api.listCalls) != 3 {
		t.Fatalf("list calls = %d, want 3", len(api.listCalls))
	}
	if api.listCalls[1].Cursor != "c1" || api.listCalls[2].Cursor != "c2" {
		t.Fatalf("cursors not threaded: %q, %q", api.listCalls[1].Cursor, api.listCalls[2].Cursor)
	}
	for _, call := range api.listCalls {
		if call.TimeRangeField != TimeFieldUpdateTime {
			t.Fatalf("time range field = %q", call.TimeRangeField)
		}
		if call.TimeFrom != 0 || call.TimeTo != 100 {
			t.Fatalf("window not passed through: %+v", call)
		}
	}
}

func TestDrainWindowCountsSkips(t *testing.T) {
	api := &fakeMarketAPI{
		pages: []OrderListPage{{OrderSnList: []string{"A", "B", "C"}}},
		orders: map[string]MarketOrder{
			"A": {OrderSn: "A", UpdateTime: 1},
			"B": {OrderSn: "B", UpdateTime: 2},
			"C": {OrderSn: "C", UpdateTime: 3},
		},
	}
	processor := &fakeProcessor{actions: map[string]OrderAction{
		"B": ActionSkippedStale,
		"C": ActionSkippedOther,
	}}
	sched := newDrainScheduler(api, processor)

	stats := cycleStats{}
	sched.drainWindow(context.Background(), &models.IntegrationSyncRun{}, syncWindow{From: 0, To: 100}, TimeFieldUpdateTime, &stats)

	if stats.OrdersProcessed != 1 {
		t.Fatalf("processed = %d, want 1", stats.OrdersProcessed)
	}
	if stats.OrdersSkipped != 2 {
		t.Fatalf("skipped = %d, want 2", stats.OrdersSkipped)
	}
}

func TestDrainWindowEmpty(t *testing.T) {
	api := &fakeMarketAPI{}
	processor := &fakeProcessor{}
	sched := newDrainScheduler(api, processor)

	stats := cycleStats{}
	highest := sched.drainWindow(context.Background(), &models.IntegrationSyncRun{}, syncWindow{From: 0, To: 100}, TimeFieldUpdateTime, &stats)

	if highest != 0 {
		t.Fatalf("highest = %d, want 0", highest)
	}
	if stats.OrdersListed != 0 || stats.OrdersFailed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}
