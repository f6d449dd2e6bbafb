package relay

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lnfoundry/capacityhub/config"
	"github.com/lnfoundry/capacityhub/constants"
	"github.com/lnfoundry/capacityhub/db/queries"
	"github.com/lnfoundry/capacityhub/events"
	"github.com/lnfoundry/capacityhub/lnclient"
	"github.com/lnfoundry/capacityhub/logger"
	"github.com/lnfoundry/capacityhub/wire"
)

// Router dispatches every inbound websocket message. Messages without a
// server id come from visitors; the two backend server ids switch to the
// settlement and funding-worker paths. An unknown server id is dropped.
type Router struct {
	db              *gorm.DB
	lnClient        lnclient.LNClient
	registry        *Registry
	eventPublisher  events.EventPublisher
	explorerURL     string
	watcherServerID string
	fundingServerID string
}

func NewRouter(gormDB *gorm.DB, lnClient lnclient.LNClient, registry *Registry, eventPublisher events.EventPublisher, cfg config.Config) (*Router, error) {
	watcherServerID, err := cfg.GetServerID(constants.SERVER_NAME_INVOICE_WATCHER)
	if err != nil {
		return nil, err
	}
	fundingServerID, err := cfg.GetServerID(constants.SERVER_NAME_FUNDING_WORKER)
	if err != nil {
		return nil, err
	}

	return &Router{
		db:              gormDB,
		lnClient:        lnClient,
		registry:        registry,
		eventPublisher:  eventPublisher,
		explorerURL:     cfg.GetEnv().BlockExplorerUrl,
		watcherServerID: watcherServerID,
		fundingServerID: fundingServerID,
	}, nil
}

// HandleMessage processes one raw websocket frame from any connection and
// returns the session id it belonged to. Malformed envelopes and invalid
// session ids are logged and dropped without a reply.
func (r *Router) HandleMessage(ctx context.Context, conn Conn, data []byte) string {
	envelope, err := wire.ParseEnvelope(data)
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to parse message envelope")
		return ""
	}
	if _, err := uuid.Parse(envelope.SessionID); err != nil {
		logger.Logger.Error().
			Str("session_id", envelope.SessionID).
			Msg("Rejected message with invalid session id")
		return ""
	}

	switch envelope.ServerID {
	case "":
		r.handleVisitorMessage(ctx, conn, envelope)
	case r.watcherServerID:
		r.handleSettlement(ctx, envelope)
	case r.fundingServerID:
		r.handleFundingWorker(ctx, conn, envelope)
	default:
		logger.Logger.Error().
			Str("session_id", envelope.SessionID).
			Msg("Illegal access attempted with unknown server id")
		return ""
	}
	return envelope.SessionID
}

// HandleDisconnect drops the connection's session and, if it was the
// funding worker, forgets that too.
func (r *Router) HandleDisconnect(conn Conn, sessionID string) {
	if sessionID != "" {
		r.registry.Remove(sessionID)
	}
	r.registry.ClearFundingConn(conn)
}

func (r *Router) handleVisitorMessage(ctx context.Context, conn Conn, envelope *wire.Envelope) {
	if envelope.Action == constants.ACTION_REGISTER {
		session := NewSession(envelope.SessionID, conn, r.db, r.lnClient, r.explorerURL)
		r.registry.Add(session)
		if err := session.Register(ctx); err != nil {
			logger.Logger.Error().Err(err).
				Str("session_id", envelope.SessionID).
				Msg("Failed to acknowledge registration")
		}
		return
	}

	session := r.registry.Get(envelope.SessionID)
	if session == nil {
		logger.Logger.Error().
			Str("session_id", envelope.SessionID).
			Str("action", envelope.Action).
			Msg("Dropping message for unregistered session")
		return
	}

	var err error
	switch envelope.Action {
	case constants.ACTION_CONNECT:
		err = session.ConnectToPeer(ctx, ConnectInput{
			PubkeyInput: envelope.FormValue("pub_key"),
		})
	case constants.ACTION_CAPACITY_REQUEST:
		capacity, parseErr := parseFormInt(envelope, "capacity")
		if parseErr != nil {
			err = session.sendError("capacity must be a number")
			break
		}
		err = session.ConfirmCapacity(ctx, CapacityInput{
			Capacity:        capacity,
			CapacityFeeRate: envelope.FormValue("capacity_fee_rate"),
			HasFeeRate:      envelope.HasFormField("capacity_fee_rate"),
		})
	case constants.ACTION_CHAIN_FEE:
		feeRate, parseErr := parseFormInt(envelope, "transaction_fee_rate")
		if parseErr != nil {
			err = session.sendError("transaction fee rate must be a number")
			break
		}
		err = session.ChainFee(ctx, ChainFeeInput{
			TransactionFeeRate: feeRate,
		})
	default:
		logger.Logger.Error().
			Str("session_id", envelope.SessionID).
			Str("action", envelope.Action).
			Msg("Dropping message with unknown action")
		return
	}

	if err != nil {
		logger.Logger.Error().Err(err).
			Str("session_id", envelope.SessionID).
			Str("action", envelope.Action).
			Msg("Failed to send reply to visitor")
	}
}

// handleSettlement processes one paid invoice reported by the watcher: it
// advances the request, notifies the visitor if still connected, and
// instructs the funding worker to open the channel. Requests already at or
// past payment_received are duplicates and are dropped.
func (r *Router) handleSettlement(ctx context.Context, envelope *wire.Envelope) {
	if envelope.InvoiceData == nil {
		logger.Logger.Error().
			Str("session_id", envelope.SessionID).
			Msg("Dropping settlement without invoice data")
		return
	}

	request, err := queries.GetCapacityRequestByInvoiceRHash(r.db, envelope.InvoiceData.RHash)
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("r_hash", envelope.InvoiceData.RHash).
			Msg("Failed to correlate settled invoice")
		return
	}
	if request == nil {
		logger.Logger.Info().
			Str("r_hash", envelope.InvoiceData.RHash).
			Msg("Settled invoice does not belong to a capacity request")
		return
	}
	if constants.CapacityRequestStatusRank(request.Status) >=
		constants.CapacityRequestStatusRank(constants.CAPACITY_REQUEST_STATUS_PAYMENT_RECEIVED) {
		logger.Logger.Info().
			Str("session_id", request.SessionID).
			Str("status", request.Status).
			Msg("Dropping duplicate settlement")
		return
	}
	if envelope.InvoiceData.AmtPaidSat != request.TotalFee {
		logger.Logger.Error().
			Str("session_id", request.SessionID).
			Int64("amt_paid_sat", envelope.InvoiceData.AmtPaidSat).
			Int64("total_fee", request.TotalFee).
			Msg("Settled amount does not match the invoiced total fee")
		return
	}

	err = queries.AdvanceCapacityRequestStatus(r.db, request, constants.CAPACITY_REQUEST_STATUS_PAYMENT_RECEIVED)
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("session_id", request.SessionID).
			Msg("Failed to record payment")
		return
	}

	r.eventPublisher.Publish(&events.Event{
		Event: constants.EVENT_CAPACITY_REQUEST_PAID,
		Properties: map[string]interface{}{
			"session_id":    request.SessionID,
			"remote_pubkey": request.RemotePubkey,
			"capacity":      request.Capacity,
			"total_fee":     request.TotalFee,
		},
	})

	if session := r.registry.Get(request.SessionID); session != nil {
		if err := session.ReceivePayment(); err != nil {
			logger.Logger.Error().Err(err).
				Str("session_id", request.SessionID).
				Msg("Failed to notify visitor of payment")
		}
	} else {
		logger.Logger.Info().
			Str("session_id", request.SessionID).
			Msg("Visitor disconnected before payment notification")
	}

	worker := r.registry.FundingConn()
	if worker == nil {
		logger.Logger.Error().
			Str("session_id", request.SessionID).
			Msg("No funding worker registered, channel open deferred")
		return
	}

	err = worker.WriteJSON(&wire.Envelope{
		SessionID:          request.SessionID,
		RemotePubkey:       request.RemotePubkey,
		LocalFundingAmount: request.Capacity,
		SatPerByte:         request.TransactionFeeRate,
	})
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("session_id", request.SessionID).
			Msg("Failed to send open-channel instruction to funding worker")
		return
	}

	logger.Logger.Info().
		Str("session_id", request.SessionID).
		Str("remote_pubkey", request.RemotePubkey).
		Int64("capacity", request.Capacity).
		Msg("Open-channel instruction sent")
}

// handleFundingWorker accepts the worker's registration and routes its
// open-channel results back to the waiting visitor session.
func (r *Router) handleFundingWorker(ctx context.Context, conn Conn, envelope *wire.Envelope) {
	r.registry.SetFundingConn(conn)

	if envelope.Action == constants.ACTION_REGISTER {
		logger.Logger.Info().Msg("Funding worker registered")
		return
	}

	if envelope.Error == "" && envelope.OpenChannelUpdate != nil {
		request, err := queries.GetCapacityRequestBySessionID(r.db, envelope.SessionID)
		if err != nil {
			logger.Logger.Error().Err(err).
				Str("session_id", envelope.SessionID).
				Msg("Failed to read capacity request for channel-open result")
		} else if request == nil {
			logger.Logger.Error().
				Str("session_id", envelope.SessionID).
				Msg("Channel-open result for unknown session")
		} else {
			err = queries.AdvanceCapacityRequestStatus(r.db, request, constants.CAPACITY_REQUEST_STATUS_CHANNEL_OPENED)
			if err != nil {
				logger.Logger.Error().Err(err).
					Str("session_id", envelope.SessionID).
					Msg("Failed to record channel open")
			} else {
				r.eventPublisher.Publish(&events.Event{
					Event: constants.EVENT_CAPACITY_CHANNEL_OPENED,
					Properties: map[string]interface{}{
						"session_id":    request.SessionID,
						"remote_pubkey": request.RemotePubkey,
						"capacity":      request.Capacity,
						"funding_txid":  envelope.OpenChannelUpdate.FundingTxId,
					},
				})
			}
		}
	}

	session := r.registry.Get(envelope.SessionID)
	if session == nil {
		logger.Logger.Info().
			Str("session_id", envelope.SessionID).
			Msg("Visitor disconnected before channel-open result")
		return
	}
	if err := session.ChannelOpen(envelope.OpenChannelUpdate, envelope.Error); err != nil {
		logger.Logger.Error().Err(err).
			Str("session_id", envelope.SessionID).
			Msg("Failed to send channel-open result to visitor")
	}
}

func parseFormInt(envelope *wire.Envelope, name string) (int64, error) {
	value := envelope.FormValue(name)
	if value == "" {
		return 0, nil
	}
	return strconv.ParseInt(value, 10, 64)
}
