// Package wire defines the JSON envelope exchanged between the visitor
// browser, the relay, the invoice watcher and the channel-funding worker.
package wire

import "encoding/json"

type FormField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// InvoiceData is the settlement payload the invoice watcher forwards to the
// relay once a capacity-request invoice is paid.
type InvoiceData struct {
	RHash       string `json:"r_hash"`
	AmtPaidSat  int64  `json:"amt_paid_sat"`
	SettleIndex uint64 `json:"settle_index,omitempty"`
}

// OpenChannelUpdate is the successful outcome of a channel-open instruction.
type OpenChannelUpdate struct {
	FundingTxId string `json:"funding_txid"`
}

// Envelope is the message exchanged on every socket. SessionID is always
// required; ServerID is only set by trusted backend processes and switches
// routing away from the visitor path.
type Envelope struct {
	SessionID string      `json:"session_id"`
	ServerID  string      `json:"server_id,omitempty"`
	Action    string      `json:"action,omitempty"`
	FormData  []FormField `json:"form_data,omitempty"`

	// watcher -> relay
	InvoiceData *InvoiceData `json:"invoice_data,omitempty"`

	// relay -> worker open-channel instruction
	RemotePubkey       string `json:"remote_pubkey,omitempty"`
	LocalFundingAmount int64  `json:"local_funding_amount,omitempty"`
	SatPerByte         int64  `json:"sat_per_byte,omitempty"`

	// worker -> relay result
	OpenChannelUpdate *OpenChannelUpdate `json:"open_channel_update,omitempty"`
	Error             string             `json:"error,omitempty"`
}

func ParseEnvelope(data []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

// FormValue returns the value of the named form field, or "" when absent.
func (e *Envelope) FormValue(name string) string {
	for _, field := range e.FormData {
		if field.Name == name {
			return field.Value
		}
	}
	return ""
}

// HasFormField reports whether the named field was submitted at all, which
// is distinct from it being submitted empty.
func (e *Envelope) HasFormField(name string) bool {
	for _, field := range e.FormData {
		if field.Name == name {
			return true
		}
	}
	return false
}
