package constants

import "time"

// shared constants used by multiple packages

// PUBKEY_HEX_LENGTH is the length of a hex-encoded 33-byte node public key.
const PUBKEY_HEX_LENGTH = 66

// EXPECTED_BYTES is the estimated on-chain size of a channel funding
// transaction, used to derive the transaction fee from a sat/byte rate.
const EXPECTED_BYTES = 500

// PEER_BALANCE_RATIO_THRESHOLD refuses additional inbound capacity when the
// remote side already holds more than this share of the existing channel
// balances with us.
const PEER_BALANCE_RATIO_THRESHOLD = 0.7

// CapacityChoices is the menu of channel sizes offered to visitors.
// 16777215 is the maximum pre-wumbo channel capacity.
var CapacityChoices = []int64{500_000, 1_000_000, 2_000_000, 5_000_000, 16_777_215}

// CapacityFeeRate maps a fee rate selection to the minimum time the channel
// stays open. The rate is applied to the requested capacity, in basis points
// to keep the capacity fee exact.
type CapacityFeeRate struct {
	Value       string
	BasisPoints int64
	Duration    time.Duration
	Label       string
}

var CapacityFeeRates = []CapacityFeeRate{
	{Value: "0", BasisPoints: 0, Duration: 7 * 24 * time.Hour, Label: "One week free"},
	{Value: "0.02", BasisPoints: 200, Duration: 30 * 24 * time.Hour, Label: "One month 2%"},
	{Value: "0.1", BasisPoints: 1000, Duration: 182 * 24 * time.Hour, Label: "Six months 10%"},
	{Value: "0.18", BasisPoints: 1800, Duration: 365 * 24 * time.Hour, Label: "One year 18%"},
}

// GetCapacityFeeRate returns the table entry matching a submitted rate value.
func GetCapacityFeeRate(value string) *CapacityFeeRate {
	for i := range CapacityFeeRates {
		if CapacityFeeRates[i].Value == value {
			return &CapacityFeeRates[i]
		}
	}
	return nil
}

// capacity request saga states, always advanced in order, never reverted
const (
	CAPACITY_REQUEST_STATUS_REGISTERED         = "registered"
	CAPACITY_REQUEST_STATUS_CONNECTED          = "connected"
	CAPACITY_REQUEST_STATUS_CONFIRMED_CAPACITY = "confirmed_capacity"
	CAPACITY_REQUEST_STATUS_INVOICE_SENT       = "confirmed_chain_fee_and_invoice_sent"
	CAPACITY_REQUEST_STATUS_PAYMENT_RECEIVED   = "payment_received"
	CAPACITY_REQUEST_STATUS_CHANNEL_OPENED     = "channel_opened"
)

var capacityRequestStatusRank = map[string]int{
	CAPACITY_REQUEST_STATUS_REGISTERED:         0,
	CAPACITY_REQUEST_STATUS_CONNECTED:          1,
	CAPACITY_REQUEST_STATUS_CONFIRMED_CAPACITY: 2,
	CAPACITY_REQUEST_STATUS_INVOICE_SENT:       3,
	CAPACITY_REQUEST_STATUS_PAYMENT_RECEIVED:   4,
	CAPACITY_REQUEST_STATUS_CHANNEL_OPENED:     5,
}

// CapacityRequestStatusRank returns the position of a status in the saga, or
// -1 for an unknown status.
func CapacityRequestStatusRank(status string) int {
	rank, ok := capacityRequestStatusRank[status]
	if !ok {
		return -1
	}
	return rank
}

// names of the backend processes, used as config keys for their server ids
const (
	SERVER_NAME_INVOICE_WATCHER = "invoice-watcher"
	SERVER_NAME_FUNDING_WORKER  = "channel-funding-worker"
)

// visitor message actions
const (
	ACTION_REGISTER         = "register"
	ACTION_CONNECT          = "connect"
	ACTION_CAPACITY_REQUEST = "capacity_request"
	ACTION_CHAIN_FEE        = "chain_fee"
)

// outbound message actions
const (
	ACTION_REGISTERED         = "registered"
	ACTION_CONNECTED          = "connected"
	ACTION_ERROR_MESSAGE      = "error_message"
	ACTION_CONFIRMED_CAPACITY = "confirmed_capacity"
	ACTION_PAYMENT_REQUEST    = "payment_request"
	ACTION_RECEIVE_PAYMENT    = "receive_payment"
	ACTION_CHANNEL_OPEN       = "channel_open"
)

// internal event names published on the events bus
const (
	EVENT_CAPACITY_REQUEST_PAID    = "capacity_request_paid"
	EVENT_CAPACITY_CHANNEL_OPENED  = "capacity_channel_opened"
	EVENT_CAPACITY_REQUEST_CREATED = "capacity_request_created"
)

const (
	PEER_CONNECT_TIMEOUT = 5 * time.Second

	// how often the poller refreshes the mirror tables and fee estimates
	MIRROR_SYNC_SCHEDULE  = "@every 1m"
	FEE_ESTIMATE_SCHEDULE = "@every 10m"
)
