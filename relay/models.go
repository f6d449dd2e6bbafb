package relay

// Conn is the write side of a visitor or backend websocket connection.
// Implementations must be safe for concurrent writes.
type Conn interface {
	WriteJSON(v interface{}) error
}

// typed per-step inputs, extracted from the loosely-typed form data by the
// router before the session is invoked

type ConnectInput struct {
	PubkeyInput string
}

type CapacityInput struct {
	Capacity        int64
	CapacityFeeRate string
	// reciprocation is chosen by omitting the fee rate field entirely
	HasFeeRate bool
}

type ChainFeeInput struct {
	TransactionFeeRate int64
}

// ChannelTotals summarizes the existing channels with a counterparty, sent
// to the visitor on a successful connect.
type ChannelTotals struct {
	ChannelCount  int   `json:"channel_count"`
	Capacity      int64 `json:"capacity"`
	LocalBalance  int64 `json:"local_balance"`
	RemoteBalance int64 `json:"remote_balance"`
}

// outbound visitor messages

type RegisteredMessage struct {
	Action string `json:"action"`
}

type ConnectedMessage struct {
	Action string         `json:"action"`
	Data   *ChannelTotals `json:"data"`
}

type ErrorMessage struct {
	Action string `json:"action"`
	Error  string `json:"error"`
}

type ConfirmedCapacityMessage struct {
	Action      string `json:"action"`
	Capacity    int64  `json:"capacity"`
	CapacityFee int64  `json:"capacity_fee"`
}

type PaymentRequestMessage struct {
	Action         string `json:"action"`
	PaymentRequest string `json:"payment_request"`
	URI            string `json:"uri"`
	QRCode         string `json:"qrcode"`
}

type ReceivePaymentMessage struct {
	Action string `json:"action"`
}

type ChannelOpenMessage struct {
	Action string `json:"action"`
	URL    string `json:"url"`
	TxId   string `json:"txid"`
}
