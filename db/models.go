package db

import (
	"time"
)

type UserConfig struct {
	ID        uint
	Key       string `gorm:"unique;not null"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CapacityRequest is the durable record of one inbound-capacity negotiation.
// One mutable row per session id, advanced in place as the saga progresses.
type CapacityRequest struct {
	ID                 uint
	SessionID          string `validate:"required" gorm:"uniqueIndex;not null"`
	RemotePubkey       string
	RemoteHost         string
	Capacity           int64
	CapacityFeeRate    string
	CapacityFee        int64
	TransactionFeeRate int64
	TransactionFee     int64
	TotalFee           int64
	InvoiceRHash       string `gorm:"index"`
	PaymentRequest     string
	Status             string
	KeepOpenUntil      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Invoice mirrors the node's invoice state, upserted by the watcher before
// any settlement correlation is trusted.
type Invoice struct {
	ID          uint
	AddIndex    uint64 `gorm:"uniqueIndex"`
	SettleIndex uint64
	RHash       string `gorm:"index"`
	AmtPaidSat  int64
	Memo        string
	SettledAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Channel mirrors an open channel on the node.
type Channel struct {
	ID            uint
	ChannelPoint  string `gorm:"uniqueIndex;not null"`
	RemotePubkey  string `gorm:"index"`
	Capacity      int64
	LocalBalance  int64
	RemoteBalance int64
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ForwardingEvent is an append-only mirror of the node's forwarding history.
type ForwardingEvent struct {
	ID          uint
	TimestampNs uint64 `gorm:"uniqueIndex"`
	ChanIdIn    uint64
	ChanIdOut   uint64
	AmtInMsat   uint64
	AmtOutMsat  uint64
	FeeMsat     uint64
	CreatedAt   time.Time
}

type BalanceSnapshot struct {
	ID                     uint
	ChannelBalance         int64
	PendingOpenBalance     int64
	WalletConfirmedBalance int64
	WalletTotalBalance     int64
	CreatedAt              time.Time
}

// SmartFeeEstimate backs the fee menu shown to visitors.
type SmartFeeEstimate struct {
	ID         uint
	ConfTarget int32 `gorm:"uniqueIndex"`
	Label      string
	SatPerByte int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ServiceState is a small key/value table for process resume points, such as
// the watcher's last handled settle index.
type ServiceState struct {
	Key   string `gorm:"primaryKey"`
	Value string
}
