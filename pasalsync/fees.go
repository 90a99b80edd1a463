package pasalsync

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/marketsync_backend/utils"
)

// FeeBreakdown is the canonical view of a raw escrow/payout payload.
type FeeBreakdown struct {
	NetAmount       decimal.Decimal `json:"net_amount"`
	RefundAmount    decimal.Decimal `json:"refund_amount"`
	CommissionFee   decimal.Decimal `json:"commission_fee"`
	ServiceFee      decimal.Decimal `json:"service_fee"`
	ProtectionFee   decimal.Decimal `json:"protection_fee"`
	ShippingFeeDiff decimal.Decimal `json:"shipping_fee_diff"`
	VoucherSeller   decimal.Decimal `json:"voucher_seller"`
	CoinCashback    decimal.Decimal `json:"coin_cashback"`
	PayoutTime      int64           `json:"payout_time"`
	IsRefund        bool            `json:"is_refund"`
}

// Alternative field names per category, tried in order. The payload shape has
// drifted across platform API versions; missing fields read as zero.
var (
	payoutAmountKeys    = []string{"payout_amount", "escrow_amount"}
	refundAmountKeys    = []string{"refund_amount", "seller_return_refund"}
	commissionFeeKeys   = []string{"commission_fee"}
	serviceFeeKeys      = []string{"service_fee", "seller_transaction_fee"}
	protectionFeeKeys   = []string{"order_protection_fee", "protection_fee"}
	reverseShippingKeys = []string{"reverse_shipping_fee"}
	shippingRebateKeys  = []string{"platform_shipping_rebate", "shipping_rebate"}
	voucherSellerKeys   = []string{"voucher_from_seller", "voucher_seller"}
	coinCashbackKeys    = []string{"coins_cashback", "coin_cashback"}
	payoutTimeKeys      = []string{"payout_time", "escrow_release_time"}
)

// NormalizeEscrow converts a raw escrow payload into a FeeBreakdown. Pure
// function: no I/O, identical output for identical input.
func NormalizeEscrow(raw []byte) FeeBreakdown {
	fields := flattenPayload(raw)

	payout := pickDecimal(fields, payoutAmountKeys)
	refund := pickDecimal(fields, refundAmountKeys)

	net := payout
	if refund.IsPositive() {
		net = net.Sub(refund)
	}

	reverseShipping := pickDecimal(fields, reverseShippingKeys)
	shippingRebate := pickDecimal(fields, shippingRebateKeys)

	fb := FeeBreakdown{
		NetAmount:       net,
		RefundAmount:    refund,
		CommissionFee:   pickDecimal(fields, commissionFeeKeys),
		ServiceFee:      pickDecimal(fields, serviceFeeKeys),
		ProtectionFee:   pickDecimal(fields, protectionFeeKeys),
		ShippingFeeDiff: reverseShipping.Sub(shippingRebate),
		VoucherSeller:   pickDecimal(fields, voucherSellerKeys),
		CoinCashback:    pickDecimal(fields, coinCashbackKeys),
		PayoutTime:      pickInt64(fields, payoutTimeKeys),
	}
	fb.IsRefund = fb.RefundAmount.IsPositive() || fb.NetAmount.LessThanOrEqual(decimal.Zero)
	return fb
}

// nestedContainerPrecedence orders the known nested objects; order_income is
// the seller-side breakdown and must win over sibling containers (buyer_income
// and friends) that repeat the same field names with buyer-side values.
var nestedContainerPrecedence = []string{"order_income", "escrow_detail"}

// flattenPayload merges the payload's top-level scalar fields with the scalar
// fields of any directly nested object. Containers merge in a fixed order
// (precedence list, then remaining keys sorted) with first-write-wins, and
// top-level values override everything, so identical payloads always flatten
// to identical maps.
func flattenPayload(raw []byte) map[string]json.Number {
	out := make(map[string]json.Number)
	if len(raw) == 0 {
		return out
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return out
	}

	for _, container := range orderedContainers(payload) {
		nested := payload[container].(map[string]any)
		for k, v := range nested {
			if _, taken := out[k]; taken {
				continue
			}
			if num, ok := asNumber(v); ok {
				out[k] = num
			}
		}
	}
	for k, v := range payload {
		if num, ok := asNumber(v); ok {
			out[k] = num
		}
	}
	return out
}

func orderedContainers(payload map[string]any) []string {
	rest := make([]string, 0, len(payload))
	ordered := make([]string, 0, len(payload))
	for key, value := range payload {
		if _, ok := value.(map[string]any); !ok {
			continue
		}
		preferred := false
		for _, p := range nestedContainerPrecedence {
			if key == p {
				preferred = true
				break
			}
		}
		if !preferred {
			rest = append(rest, key)
		}
	}
	for _, p := range nestedContainerPrecedence {
		if _, ok := payload[p].(map[string]any); ok {
			ordered = append(ordered, p)
		}
	}
	sort.Strings(rest)
	return append(ordered, rest...)
}

func asNumber(v any) (json.Number, bool) {
	switch n := v.(type) {
	case json.Number:
		return n, true
	case string:
		if _, err := utils.ParseDecimal(n); err == nil {
			return json.Number(strings.TrimSpace(n)), true
		}
		return "", false
	default:
		return "", false
	}
}

func pickDecimal(fields map[string]json.Number, keys []string) decimal.Decimal {
	for _, key := range keys {
		if num, ok := fields[key]; ok {
			if d, err := utils.ParseDecimal(num.String()); err == nil {
				return d
			}
		}
	}
	return decimal.Zero
}

func pickInt64(fields map[string]json.Number, keys []string) int64 {
	for _, key := range keys {
		if num, ok := fields[key]; ok {
			if n, err := num.Int64(); err == nil {
				return n
			}
			// Some responses send timestamps as floats.
			if f, err := num.Float64(); err == nil {
				return int64(f)
			}
		}
	}
	return 0
}
