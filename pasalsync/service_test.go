package pasalsync

import (
	"testing"

	"bitbucket.org/mmdatafocus/marketsync_backend/models"
)

func TestRunWindowPrefersPersistedRange(t *testing.T) {
	run := &models.IntegrationSyncRun{WindowFrom: 100, WindowTo: 200}
	payload := SyncPubSubPayload{TimeFrom: 1, TimeTo: 2}

	w := runWindow(run, payload)
	if w.From != 100 || w.To != 200 {
		t.Fatalf("window = %+v, want persisted range", w)
	}
}

func TestRunWindowFallsBackToPayload(t *testing.T) {
	payload := SyncPubSubPayload{TimeFrom: 1, TimeTo: 2}

	// No persisted range on the row.
	w := runWindow(&models.IntegrationSyncRun{}, payload)
	if w.From != 1 || w.To != 2 {
		t.Fatalf("window = %+v, want payload range", w)
	}

	// A degenerate persisted range is ignored too.
	w = runWindow(&models.IntegrationSyncRun{WindowFrom: 500, WindowTo: 500}, payload)
	if w.From != 1 || w.To != 2 {
		t.Fatalf("window = %+v, want payload range", w)
	}
}
