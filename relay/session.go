package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
	"gorm.io/gorm"

	"github.com/lnfoundry/capacityhub/constants"
	"github.com/lnfoundry/capacityhub/db"
	"github.com/lnfoundry/capacityhub/lnclient"
	"github.com/lnfoundry/capacityhub/logger"
	"github.com/lnfoundry/capacityhub/utils"
	"github.com/lnfoundry/capacityhub/wire"
)

// Session is the in-memory side of one capacity negotiation. The visitor's
// read loop drives the forward steps; the router calls ReceivePayment and
// ChannelOpen from backend deliveries, so all state is guarded by the mutex.
type Session struct {
	id          string
	conn        Conn
	db          *gorm.DB
	lnClient    lnclient.LNClient
	explorerURL string

	mtx                   sync.Mutex
	status                string
	remotePubkey          string
	remoteHost            string
	capacity              int64
	capacityFeeRate       string
	capacityFee           int64
	keepOpenUntil         time.Time
	reciprocationCapacity int64
	reciprocated          bool
	totalFee              int64
}

func NewSession(id string, conn Conn, gormDB *gorm.DB, lnClient lnclient.LNClient, explorerURL string) *Session {
	return &Session{
		id:          id,
		conn:        conn,
		db:          gormDB,
		lnClient:    lnClient,
		explorerURL: explorerURL,
	}
}

func (s *Session) ID() string {
	return s.id
}

// Register creates the durable request row for this session, or resets it
// when the visitor re-registers the same session id, and acknowledges.
func (s *Session) Register(ctx context.Context) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var request db.CapacityRequest
	result := s.db.Where("session_id = ?", s.id).Find(&request)
	if result.Error != nil {
		logger.Logger.Error().Err(result.Error).
			Str("session_id", s.id).
			Msg("Failed to read capacity request on register")
		return s.sendError("registration failed, please try again")
	}

	if result.RowsAffected == 0 {
		err := s.db.Create(&db.CapacityRequest{
			SessionID: s.id,
			Status:    constants.CAPACITY_REQUEST_STATUS_REGISTERED,
		}).Error
		if err != nil {
			logger.Logger.Error().Err(err).
				Str("session_id", s.id).
				Msg("Failed to create capacity request")
			return s.sendError("registration failed, please try again")
		}
	} else {
		// a re-register restarts the negotiation from scratch
		err := s.db.Model(&request).Updates(map[string]interface{}{
			"remote_pubkey":        "",
			"remote_host":          "",
			"capacity":             0,
			"capacity_fee_rate":    "",
			"capacity_fee":         0,
			"transaction_fee_rate": 0,
			"transaction_fee":      0,
			"total_fee":            0,
			"invoice_r_hash":       "",
			"payment_request":      "",
			"keep_open_until":      nil,
			"status":               constants.CAPACITY_REQUEST_STATUS_REGISTERED,
		}).Error
		if err != nil {
			logger.Logger.Error().Err(err).
				Str("session_id", s.id).
				Msg("Failed to reset capacity request")
			return s.sendError("registration failed, please try again")
		}
	}

	s.status = constants.CAPACITY_REQUEST_STATUS_REGISTERED
	s.remotePubkey = ""
	s.reciprocationCapacity = 0
	s.reciprocated = false

	logger.Logger.Info().Str("session_id", s.id).Msg("Session registered")
	return s.conn.WriteJSON(&RegisteredMessage{Action: constants.ACTION_REGISTERED})
}

// ConnectToPeer validates the submitted pubkey, ensures a peer connection
// exists and reports the totals of any channels we already share.
func (s *Session) ConnectToPeer(ctx context.Context, input ConnectInput) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	pubkey, host, err := utils.SplitPubkeyHost(input.PubkeyInput)
	if err != nil {
		return s.sendError(err.Error())
	}
	if len(pubkey) != constants.PUBKEY_HEX_LENGTH {
		return s.sendError(fmt.Sprintf("invalid pubkey: expected %d hex characters, got %d",
			constants.PUBKEY_HEX_LENGTH, len(pubkey)))
	}

	if host == "" {
		peers, err := s.lnClient.ListPeers(ctx)
		if err != nil {
			logger.Logger.Error().Err(err).
				Str("session_id", s.id).
				Msg("Failed to list peers")
			return s.sendError("could not check the peer list, please try again")
		}
		known := slices.ContainsFunc(peers, func(peer lnclient.PeerDetails) bool {
			return peer.NodeId == pubkey
		})
		if !known {
			return s.sendError("unknown pubkey, please provide pubkey@host:port")
		}
	} else {
		err = s.lnClient.ConnectPeer(ctx, &lnclient.ConnectPeerRequest{
			Pubkey:  pubkey,
			Host:    host,
			Timeout: constants.PEER_CONNECT_TIMEOUT,
		})
		if err != nil {
			logger.Logger.Error().Err(err).
				Str("session_id", s.id).
				Str("pubkey", pubkey).
				Str("host", host).
				Msg("Failed to connect to peer")
			return s.sendError(err.Error())
		}
	}

	channels, err := s.lnClient.ListChannels(ctx)
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("session_id", s.id).
			Msg("Failed to list channels")
		return s.sendError("could not check existing channels, please try again")
	}

	peerChannels := utils.Filter(channels, func(channel lnclient.Channel) bool {
		return channel.RemotePubkey == pubkey
	})
	if len(peerChannels) > 1 {
		return s.sendError(fmt.Sprintf(
			"you already have %d channels with our node, please close %d of them before requesting more capacity",
			len(peerChannels), len(peerChannels)-1))
	}

	var totals *ChannelTotals
	s.reciprocationCapacity = 0
	if len(peerChannels) == 1 {
		channel := peerChannels[0]
		totals = &ChannelTotals{
			ChannelCount:  1,
			Capacity:      channel.Capacity,
			LocalBalance:  channel.LocalBalance,
			RemoteBalance: channel.RemoteBalance,
		}
		balance := channel.LocalBalance + channel.RemoteBalance
		if balance > 0 && float64(channel.RemoteBalance)/float64(balance) > constants.PEER_BALANCE_RATIO_THRESHOLD {
			return s.sendError("your side already holds most of the balance in our existing channel, please rebalance it before requesting more capacity")
		}
		s.reciprocationCapacity = channel.Capacity
	}

	if err := s.persistConnect(pubkey, host); err != nil {
		logger.Logger.Error().Err(err).
			Str("session_id", s.id).
			Msg("Failed to persist peer connection")
		return s.sendError("could not save the connection, please try again")
	}

	s.remotePubkey = pubkey
	s.remoteHost = host
	s.status = constants.CAPACITY_REQUEST_STATUS_CONNECTED

	logger.Logger.Info().
		Str("session_id", s.id).
		Str("pubkey", pubkey).
		Msg("Peer connected")
	return s.conn.WriteJSON(&ConnectedMessage{Action: constants.ACTION_CONNECTED, Data: totals})
}

// ConfirmCapacity fixes the channel size and capacity fee. A submission
// without a fee rate asks for reciprocation, which is only granted at the
// capacity the visitor already extends to us.
func (s *Session) ConfirmCapacity(ctx context.Context, input CapacityInput) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.remotePubkey == "" {
		return s.sendError("no connected peer for this session, please connect first")
	}

	var capacity int64
	var rate *constants.CapacityFeeRate
	reciprocated := false

	if input.HasFeeRate {
		rate = constants.GetCapacityFeeRate(input.CapacityFeeRate)
		if rate == nil {
			return s.sendError(fmt.Sprintf("invalid capacity fee rate %q", input.CapacityFeeRate))
		}
		if !slices.Contains(constants.CapacityChoices, input.Capacity) {
			return s.sendError(fmt.Sprintf("invalid capacity %d", input.Capacity))
		}
		capacity = input.Capacity
	} else {
		if s.reciprocationCapacity == 0 {
			return s.sendError("reciprocation requires an existing channel with our node")
		}
		if input.Capacity != 0 && input.Capacity != s.reciprocationCapacity {
			return s.sendError(fmt.Sprintf(
				"reciprocation is only available at your existing capacity of %d sat",
				s.reciprocationCapacity))
		}
		capacity = s.reciprocationCapacity
		rate = &constants.CapacityFeeRates[0]
		reciprocated = true
	}

	capacityFee := capacity * rate.BasisPoints / 10000
	keepOpenUntil := time.Now().Add(rate.Duration)

	err := s.db.Model(&db.CapacityRequest{}).
		Where("session_id = ?", s.id).
		Updates(map[string]interface{}{
			"capacity":          capacity,
			"capacity_fee_rate": rate.Value,
			"capacity_fee":      capacityFee,
			"keep_open_until":   keepOpenUntil,
			"status":            constants.CAPACITY_REQUEST_STATUS_CONFIRMED_CAPACITY,
		}).Error
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("session_id", s.id).
			Msg("Failed to persist capacity confirmation")
		return s.sendError("could not save your selection, please try again")
	}

	s.capacity = capacity
	s.capacityFeeRate = rate.Value
	s.capacityFee = capacityFee
	s.keepOpenUntil = keepOpenUntil
	s.reciprocated = reciprocated
	s.status = constants.CAPACITY_REQUEST_STATUS_CONFIRMED_CAPACITY

	logger.Logger.Info().
		Str("session_id", s.id).
		Int64("capacity", capacity).
		Int64("capacity_fee", capacityFee).
		Bool("reciprocated", reciprocated).
		Msg("Capacity confirmed")
	return s.conn.WriteJSON(&ConfirmedCapacityMessage{
		Action:      constants.ACTION_CONFIRMED_CAPACITY,
		Capacity:    capacity,
		CapacityFee: capacityFee,
	})
}

// ChainFee completes the pricing with the visitor's chosen sat/byte rate,
// creates the invoice and returns it with a lightning: URI and a QR code.
func (s *Session) ChainFee(ctx context.Context, input ChainFeeInput) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.status != constants.CAPACITY_REQUEST_STATUS_CONFIRMED_CAPACITY {
		return s.sendError("please confirm a capacity first")
	}
	if input.TransactionFeeRate <= 0 {
		return s.sendError("transaction fee rate must be a positive number of sat/byte")
	}

	transactionFee := input.TransactionFeeRate * constants.EXPECTED_BYTES
	totalFee := s.capacityFee + transactionFee

	kind := "Paid"
	if s.reciprocated {
		kind = "Reciprocated"
	}
	memo := fmt.Sprintf("%s inbound channel: %d sat capacity to %s", kind, s.capacity, s.remotePubkey)

	invoice, err := s.lnClient.AddInvoice(ctx, totalFee, memo)
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("session_id", s.id).
			Int64("total_fee", totalFee).
			Msg("Failed to create invoice")
		return s.sendError("could not create an invoice, please try again")
	}

	err = s.db.Model(&db.CapacityRequest{}).
		Where("session_id = ?", s.id).
		Updates(map[string]interface{}{
			"transaction_fee_rate": input.TransactionFeeRate,
			"transaction_fee":      transactionFee,
			"total_fee":            totalFee,
			"invoice_r_hash":       invoice.RHash,
			"payment_request":      invoice.PaymentRequest,
			"status":               constants.CAPACITY_REQUEST_STATUS_INVOICE_SENT,
		}).Error
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("session_id", s.id).
			Msg("Failed to persist invoice")
		return s.sendError("could not save the invoice, please try again")
	}

	s.totalFee = totalFee
	s.status = constants.CAPACITY_REQUEST_STATUS_INVOICE_SENT

	uri := "lightning:" + invoice.PaymentRequest
	qr := ""
	png, err := qrcode.Encode(uri, qrcode.Medium, 256)
	if err != nil {
		// the payment request itself is still usable without the image
		logger.Logger.Error().Err(err).
			Str("session_id", s.id).
			Msg("Failed to encode invoice QR code")
	} else {
		qr = base64.StdEncoding.EncodeToString(png)
	}

	logger.Logger.Info().
		Str("session_id", s.id).
		Str("r_hash", invoice.RHash).
		Int64("total_fee", totalFee).
		Msg("Invoice sent")
	return s.conn.WriteJSON(&PaymentRequestMessage{
		Action:         constants.ACTION_PAYMENT_REQUEST,
		PaymentRequest: invoice.PaymentRequest,
		URI:            uri,
		QRCode:         qr,
	})
}

// ReceivePayment notifies the visitor that their invoice settled. The
// durable status was already advanced by the router before this call.
func (s *Session) ReceivePayment() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.status = constants.CAPACITY_REQUEST_STATUS_PAYMENT_RECEIVED
	return s.conn.WriteJSON(&ReceivePaymentMessage{Action: constants.ACTION_RECEIVE_PAYMENT})
}

// ChannelOpen relays the outcome of the funding worker's channel open. An
// error outcome is shown verbatim so the visitor sees what the node said.
func (s *Session) ChannelOpen(update *wire.OpenChannelUpdate, errMessage string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if errMessage != "" {
		return s.sendError(errMessage)
	}
	if update == nil {
		return s.sendError("channel open finished without a funding transaction")
	}

	s.status = constants.CAPACITY_REQUEST_STATUS_CHANNEL_OPENED
	return s.conn.WriteJSON(&ChannelOpenMessage{
		Action: constants.ACTION_CHANNEL_OPEN,
		URL:    s.explorerURL + "/tx/" + update.FundingTxId,
		TxId:   update.FundingTxId,
	})
}

func (s *Session) persistConnect(pubkey string, host string) error {
	var request db.CapacityRequest
	result := s.db.Where("session_id = ?", s.id).Find(&request)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.db.Create(&db.CapacityRequest{
			SessionID:    s.id,
			RemotePubkey: pubkey,
			RemoteHost:   host,
			Status:       constants.CAPACITY_REQUEST_STATUS_CONNECTED,
		}).Error
	}

	return s.db.Model(&request).Updates(map[string]interface{}{
		"remote_pubkey": pubkey,
		"remote_host":   host,
		"status":        constants.CAPACITY_REQUEST_STATUS_CONNECTED,
	}).Error
}

func (s *Session) sendError(message string) error {
	return s.conn.WriteJSON(&ErrorMessage{
		Action: constants.ACTION_ERROR_MESSAGE,
		Error:  message,
	})
}
