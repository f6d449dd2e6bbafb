package lnclient

import (
	"context"
	"time"
)

// LNClient abstracts the node RPC capabilities this system consumes. The
// relay only uses the non-spending calls; OpenChannel belongs to the
// channel-funding worker, which owns the only spend-capable connection.
type LNClient interface {
	GetInfo(ctx context.Context) (*NodeInfo, error)
	ListPeers(ctx context.Context) ([]PeerDetails, error)
	ConnectPeer(ctx context.Context, connectPeerRequest *ConnectPeerRequest) error
	ListChannels(ctx context.Context) ([]Channel, error)
	CloseChannel(ctx context.Context, closeChannelRequest *CloseChannelRequest) (*CloseChannelResponse, error)
	AddInvoice(ctx context.Context, amountSat int64, memo string) (*AddInvoiceResponse, error)
	// SubscribeSettledInvoices resumes from the given settle index; the
	// stream also carries invoice-creation updates, which have a zero
	// settle timestamp.
	SubscribeSettledInvoices(ctx context.Context, settleIndex uint64) (<-chan InvoiceUpdate, <-chan error, error)
	// OpenChannel yields progress updates; the first terminal update is
	// either a pending funding txid or an error.
	OpenChannel(ctx context.Context, openChannelRequest *OpenChannelRequest) (<-chan OpenChannelUpdate, error)
	GetNetworkGraph(ctx context.Context) (*NetworkGraph, error)
	ForwardingHistory(ctx context.Context, since time.Time) ([]ForwardingEvent, error)
	GetBalances(ctx context.Context) (*BalancesResponse, error)
	Shutdown() error
}

type NodeInfo struct {
	Alias       string `json:"alias"`
	Pubkey      string `json:"pubkey"`
	Network     string `json:"network"`
	BlockHeight uint32 `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	SyncedToChain bool `json:"synced_to_chain"`
}

type PeerDetails struct {
	NodeId  string `json:"node_id"`
	Address string `json:"address"`
}

type ConnectPeerRequest struct {
	Pubkey  string
	Host    string
	Timeout time.Duration
}

type Channel struct {
	RemotePubkey  string
	ChannelPoint  string
	Capacity      int64
	LocalBalance  int64
	RemoteBalance int64
	Active        bool
}

type CloseChannelRequest struct {
	ChannelPoint string
	Force        bool
	SatPerByte   int64
}

type CloseChannelResponse struct {
	ClosingTxId string
}

type AddInvoiceResponse struct {
	RHash          string
	PaymentRequest string
	AddIndex       uint64
}

// InvoiceUpdate is one event on the node's invoice stream. SettledAt is nil
// for invoice-creation updates.
type InvoiceUpdate struct {
	RHash       string
	AmtPaidSat  int64
	Memo        string
	AddIndex    uint64
	SettleIndex uint64
	SettledAt   *time.Time
}

type OpenChannelRequest struct {
	Pubkey             string
	LocalFundingAmount int64
	SatPerByte         int64
}

// OpenChannelUpdate is a progress update from an in-flight channel open.
// Exactly one of PendingTxId and Err is set on a terminal update; Err keeps
// the RPC detail string unmodified since it is shown to the visitor.
type OpenChannelUpdate struct {
	PendingTxId string
	Err         error
}

type NetworkGraph struct {
	Nodes    []GraphNode
	Channels []GraphChannel
}

type GraphNode struct {
	Pubkey    string
	Alias     string
	Addresses []string
}

type GraphChannel struct {
	ChannelId uint64
	Node1     string
	Node2     string
	Capacity  int64
}

type ForwardingEvent struct {
	TimestampNs uint64
	ChanIdIn    uint64
	ChanIdOut   uint64
	AmtInMsat   uint64
	AmtOutMsat  uint64
	FeeMsat     uint64
}

type BalancesResponse struct {
	ChannelBalance         int64
	PendingOpenBalance     int64
	WalletConfirmedBalance int64
	WalletTotalBalance     int64
}
