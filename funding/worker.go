// Package funding runs the channel-funding worker, the only process holding
// a spend-capable node connection. It receives open-channel instructions
// from the relay and reports the first terminal outcome back.
package funding

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lnfoundry/capacityhub/constants"
	"github.com/lnfoundry/capacityhub/lnclient"
	"github.com/lnfoundry/capacityhub/logger"
	"github.com/lnfoundry/capacityhub/wire"
)

// RelayConn is the worker's bidirectional connection to the relay.
type RelayConn interface {
	Send(envelope *wire.Envelope) error
	ReadEnvelope() (*wire.Envelope, error)
}

type Worker struct {
	lnClient lnclient.LNClient
	relay    RelayConn
	serverID string

	wg sync.WaitGroup
}

func NewWorker(lnClient lnclient.LNClient, relay RelayConn, serverID string) *Worker {
	return &Worker{
		lnClient: lnClient,
		relay:    relay,
		serverID: serverID,
	}
}

// Run registers the worker with the relay and processes instructions until
// the connection drops or the context ends. Each channel open runs in its
// own goroutine so a slow funding flow does not block later instructions.
func (w *Worker) Run(ctx context.Context) error {
	err := w.relay.Send(&wire.Envelope{
		SessionID: uuid.NewString(),
		ServerID:  w.serverID,
		Action:    constants.ACTION_REGISTER,
	})
	if err != nil {
		return err
	}
	logger.Logger.Info().Msg("Funding worker registered with relay")

	for {
		envelope, err := w.relay.ReadEnvelope()
		if err != nil {
			w.wg.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if envelope.RemotePubkey == "" || envelope.LocalFundingAmount == 0 {
			logger.Logger.Error().
				Str("session_id", envelope.SessionID).
				Msg("Dropping malformed open-channel instruction")
			continue
		}

		w.wg.Add(1)
		go func(envelope *wire.Envelope) {
			defer w.wg.Done()
			w.openChannel(ctx, envelope)
		}(envelope)
	}
}

// openChannel executes one instruction and reports exactly one result: the
// pending funding txid, or the node's error text unmodified.
func (w *Worker) openChannel(ctx context.Context, instruction *wire.Envelope) {
	logger.Logger.Info().
		Str("session_id", instruction.SessionID).
		Str("remote_pubkey", instruction.RemotePubkey).
		Int64("local_funding_amount", instruction.LocalFundingAmount).
		Int64("sat_per_byte", instruction.SatPerByte).
		Msg("Opening channel")

	updates, err := w.lnClient.OpenChannel(ctx, &lnclient.OpenChannelRequest{
		Pubkey:             instruction.RemotePubkey,
		LocalFundingAmount: instruction.LocalFundingAmount,
		SatPerByte:         instruction.SatPerByte,
	})
	if err != nil {
		w.reportError(instruction.SessionID, err.Error())
		return
	}

	select {
	case <-ctx.Done():
		return
	case update, ok := <-updates:
		if !ok {
			w.reportError(instruction.SessionID, "channel open ended without a result")
			return
		}
		if update.Err != nil {
			w.reportError(instruction.SessionID, update.Err.Error())
			return
		}
		w.reportSuccess(instruction.SessionID, update.PendingTxId)
	}
}

func (w *Worker) reportSuccess(sessionID string, fundingTxId string) {
	logger.Logger.Info().
		Str("session_id", sessionID).
		Str("funding_txid", fundingTxId).
		Msg("Channel open pending")

	err := w.relay.Send(&wire.Envelope{
		SessionID: sessionID,
		ServerID:  w.serverID,
		Action:    constants.ACTION_CHANNEL_OPEN,
		OpenChannelUpdate: &wire.OpenChannelUpdate{
			FundingTxId: fundingTxId,
		},
	})
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("session_id", sessionID).
			Msg("Failed to report channel open to relay")
	}
}

func (w *Worker) reportError(sessionID string, message string) {
	logger.Logger.Error().
		Str("session_id", sessionID).
		Str("error", message).
		Msg("Channel open failed")

	err := w.relay.Send(&wire.Envelope{
		SessionID: sessionID,
		ServerID:  w.serverID,
		Action:    constants.ACTION_CHANNEL_OPEN,
		Error:     message,
	})
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("session_id", sessionID).
			Msg("Failed to report channel-open error to relay")
	}
}
