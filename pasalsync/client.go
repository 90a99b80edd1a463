package pasalsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const orderDetailBatchLimit = 50

// MarketAPI is the slice of the partner API the sync engine consumes. The
// concrete client is unexported so tests can substitute fakes.
type MarketAPI interface {
	GetOrderList(ctx context.Context, p ListOrdersParams) (OrderListPage, error)
	GetOrderDetails(ctx context.Context, orderSns []string) ([]MarketOrder, error)
	GetEscrowDetail(ctx context.Context, orderSn string) (json.RawMessage, error)
}

func NewMarketAPI(partnerId, partnerKey, shopId string, tokens TokenProvider) (MarketAPI, error) {
	return newPasalClient(partnerId, partnerKey, shopId, tokens)
}

// TimeRangeField selects which upstream timestamp a list window filters on.
type TimeRangeField string

const (
	TimeFieldUpdateTime TimeRangeField = "update_time"
	TimeFieldCreateTime TimeRangeField = "create_time"
)

type pasalClient struct {
	baseURL    string
	partnerId  string
	partnerKey string
	shopId     string
	tokens     TokenProvider
	http       *http.Client
	limiter    <-chan time.Time
	maxRetries int
	retryBase  time.Duration
}

func newPasalClient(partnerId, partnerKey, shopId string, tokens TokenProvider) (*pasalClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("PASAL_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://partner.pasal.com.mm"
	}
	if strings.TrimSpace(partnerKey) == "" {
		return nil, errors.New("pasal partner key is empty")
	}
	if tokens == nil {
		return nil, errors.New("token provider is required")
	}

	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("PASAL_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &pasalClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		partnerId:  partnerId,
		partnerKey: partnerKey,
		shopId:     shopId,
		tokens:     tokens,
		http:       &http.Client{Timeout: 30 * time.Second},
		limiter:    time.Tick(interval),
		maxRetries: 3,
		retryBase:  2 * time.Second,
	}, nil
}

// sign computes the request signature: HMAC-SHA256 over
// partner_id|path|timestamp|access_token|shop_id with the partner key.
func (c *pasalClient) sign(path string, timestamp int64, accessToken string) string {
	base := fmt.Sprintf("%s|%s|%d|%s|%s", c.partnerId, path, timestamp, accessToken, c.shopId)
	mac := hmac.New(sha256.New, []byte(c.partnerKey))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("pasal api error %d: %s", e.StatusCode, e.Body)
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// get performs one signed GET with bounded backoff on transient failures and a
// single token refresh on auth failures.
func (c *pasalClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	refreshed := false
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.doSigned(ctx, path, params)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var apiErr *apiError
		if errors.As(err, &apiErr) {
			if isAuthStatus(apiErr.StatusCode) && !refreshed {
				if _, rerr := c.tokens.Refresh(ctx); rerr != nil {
					return nil, fmt.Errorf("token refresh failed: %w", rerr)
				}
				refreshed = true
				continue
			}
			if !isRetryableStatus(apiErr.StatusCode) {
				return nil, err
			}
			continue
		}
		// Transport-level error (timeout, connection reset): retry.
	}
	return nil, lastErr
}

func (c *pasalClient) doSigned(ctx context.Context, path string, params url.Values) ([]byte, error) {
	<-c.limiter

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().Unix()
	signed := url.Values{}
	for k, vs := range params {
		signed[k] = vs
	}
	signed.Set("partner_id", c.partnerId)
	signed.Set("shop_id", c.shopId)
	signed.Set("timestamp", strconv.FormatInt(timestamp, 10))
	signed.Set("access_token", token)
	signed.Set("sign", c.sign(path, timestamp, token))

	endpoint := c.baseURL + path + "?" + signed.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apiError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

type OrderListPage struct {
	OrderSnList []string `json:"order_sn_list"`
	More        bool     `json:"more"`
	NextCursor  string   `json:"next_cursor"`
}

type ListOrdersParams struct {
	TimeRangeField TimeRangeField
	TimeFrom       int64
	TimeTo         int64
	PageSize       int
	OrderStatus    string
	Cursor         string
}

func (c *pasalClient) GetOrderList(ctx context.Context, p ListOrdersParams) (OrderListPage, error) {
	params := url.Values{}
	field := p.TimeRangeField
	if field == "" {
		field = TimeFieldUpdateTime
	}
	params.Set("time_range_field", string(field))
	params.Set("time_from", strconv.FormatInt(p.TimeFrom, 10))
	params.Set("time_to", strconv.FormatInt(p.TimeTo, 10))
	pageSize := p.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	params.Set("page_size", strconv.Itoa(pageSize))
	if p.OrderStatus != "" {
		params.Set("order_status", p.OrderStatus)
	}
	if p.Cursor != "" {
		params.Set("cursor", p.Cursor)
	}

	body, err := c.get(ctx, "/api/v2/order/get_order_list", params)
	if err != nil {
		return OrderListPage{}, err
	}

	var parsed struct {
		Response OrderListPage `json:"response"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return OrderListPage{}, err
	}
	return parsed.Response, nil
}

// GetOrderDetails fetches full order records, chunking the id list to the
// upstream batch limit of 50.
func (c *pasalClient) GetOrderDetails(ctx context.Context, orderSns []string) ([]MarketOrder, error) {
	orders := make([]MarketOrder, 0, len(orderSns))
	for start := 0; start < len(orderSns); start += orderDetailBatchLimit {
		end := start + orderDetailBatchLimit
		if end > len(orderSns) {
			end = len(orderSns)
		}

		params := url.Values{}
		params.Set("order_sn_list", strings.Join(orderSns[start:end], ","))

		body, err := c.get(ctx, "/api/v2/order/get_order_detail", params)
		if err != nil {
			return orders, err
		}

		var parsed struct {
			Response struct {
				OrderList []MarketOrder `json:"order_list"`
			} `json:"response"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return orders, err
		}
		orders = append(orders, parsed.Response.OrderList...)
	}
	return orders, nil
}

// GetEscrowDetail returns the raw escrow payload for one order. The shape
// varies by API version; the fee normalizer owns interpretation.
func (c *pasalClient) GetEscrowDetail(ctx context.Context, orderSn string) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("order_sn", orderSn)

	body, err := c.get(ctx, "/api/v2/payment/get_escrow_detail", params)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return parsed.Response, nil
}
