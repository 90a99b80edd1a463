package pasalsync

import (
	"encoding/json"
	"strings"

	"bitbucket.org/mmdatafocus/marketsync_backend/models"
)

// MarketOrder is one order snapshot as returned by the Pasal order detail API.
// Timestamps are unix seconds; update_time is monotonic per order on the
// platform side.
type MarketOrder struct {
	OrderSn    string            `json:"order_sn"`
	Status     string            `json:"order_status"`
	CreateTime int64             `json:"create_time"`
	PayTime    int64             `json:"pay_time"`
	ShipByDate int64             `json:"ship_by_date"`
	DaysToShip int               `json:"days_to_ship"`
	UpdateTime int64             `json:"update_time"`
	BuyerRef   string            `json:"buyer_username"`
	Items      []MarketOrderItem `json:"item_list"`
}

type MarketOrderItem struct {
	ItemId    string      `json:"item_id"`
	VariantId string      `json:"variant_id"`
	Sku       string      `json:"item_sku"`
	Name      string      `json:"item_name"`
	Qty       json.Number `json:"quantity"`
	UnitPrice json.Number `json:"unit_price"`
}

// NormalizeOrderStatus maps raw platform status strings (with known synonyms)
// onto the four classifier states. Unrecognized statuses are Other, a terminal
// no-op.
func NormalizeOrderStatus(raw string) models.MarketOrderStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "READY_TO_SHIP", "READY TO SHIP", "TO_SHIP":
		return models.MarketOrderStatusReadyToShip
	case "COMPLETED", "COMPLETE":
		return models.MarketOrderStatusCompleted
	case "CANCELLED", "CANCELED", "IN_CANCEL":
		return models.MarketOrderStatusCancelled
	default:
		return models.MarketOrderStatusOther
	}
}

// SyncOptions carries per-invocation toggles. It is passed into the scheduler
// and classifier at construction so a backfill run cannot leak its flags into
// a concurrent live sync.
type SyncOptions struct {
	// Backfill marks a historical import: invoices are created with
	// stock_affecting=false and posting dates are never clamped forward.
	Backfill bool `json:"backfill"`
	// CreateMissingMasterData lets the master-data resolver create placeholder
	// customers/items instead of failing the order.
	CreateMissingMasterData bool `json:"createMissingMasterData"`
	PageSize                int  `json:"pageSize"`
}

func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		Backfill:                false,
		CreateMissingMasterData: true,
		PageSize:                100,
	}
}

func NormalizeSyncOptions(opts SyncOptions) SyncOptions {
	if opts.PageSize <= 0 || opts.PageSize > 100 {
		opts.PageSize = 100
	}
	return opts
}

func DecodeSyncOptions(raw []byte) SyncOptions {
	if len(raw) == 0 {
		return DefaultSyncOptions()
	}
	var opts SyncOptions
	if err := json.Unmarshal(raw, &opts); err != nil {
		return DefaultSyncOptions()
	}
	return NormalizeSyncOptions(opts)
}

func EncodeSyncOptions(opts SyncOptions) []byte {
	b, _ := json.Marshal(NormalizeSyncOptions(opts))
	return b
}

type ConnectRequest struct {
	ShopId    string `json:"shopId"`
	PartnerId string `json:"partnerId"`
	APIKey    string `json:"apiKey"`
}

type UpdateSettingsRequest struct {
	Options SyncOptions `json:"options"`
}

type TriggerSyncRequest struct {
	Options  SyncOptions `json:"options"`
	TimeFrom int64       `json:"timeFrom"`
	TimeTo   int64       `json:"timeTo"`
}

type StatusResponse struct {
	Connection        ConnectionResponse `json:"connection"`
	SyncWatermark     int64              `json:"syncWatermark"`
	LastSyncAt        *string            `json:"lastSyncAt"`
	LastSuccessSyncAt *string            `json:"lastSuccessSyncAt"`
	Options           SyncOptions        `json:"options"`
}

type ConnectionResponse struct {
	Status    string `json:"status"`
	ShopId    string `json:"shopId"`
	PartnerId string `json:"partnerId"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	Status        string  `json:"status"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	RecordsSynced int     `json:"recordsSynced"`
	ErrorCount    int     `json:"errorCount"`
	TriggeredBy   string  `json:"triggeredBy"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entityType"`
	ExternalId string `json:"externalId"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	RunId        uint   `json:"run_id"`
	BusinessId   string `json:"business_id"`
	ConnectionId uint   `json:"connection_id"`
	TimeFrom     int64  `json:"time_from"`
	TimeTo       int64  `json:"time_to"`
}

type InboxPubSubPayload struct {
	BusinessId string `json:"business_id"`
	EventId    uint   `json:"event_id"`
}
