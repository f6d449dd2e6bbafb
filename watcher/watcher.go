// Package watcher streams settled invoices from the node and reports the
// ones that pay for capacity requests to the relay.
package watcher

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lnfoundry/capacityhub/constants"
	"github.com/lnfoundry/capacityhub/db"
	"github.com/lnfoundry/capacityhub/lnclient"
	"github.com/lnfoundry/capacityhub/logger"
	"github.com/lnfoundry/capacityhub/wire"
)

const settleIndexStateKey = "InvoiceWatcher/LastSettleIndex"

// RelaySender is the watcher's outbound connection to the relay.
type RelaySender interface {
	Send(envelope *wire.Envelope) error
}

type Watcher struct {
	db       *gorm.DB
	lnClient lnclient.LNClient
	relay    RelaySender
	serverID string
}

func NewWatcher(gormDB *gorm.DB, lnClient lnclient.LNClient, relay RelaySender, serverID string) *Watcher {
	return &Watcher{
		db:       gormDB,
		lnClient: lnClient,
		relay:    relay,
		serverID: serverID,
	}
}

// Run announces the watcher to the relay, then subscribes to the invoice
// stream from the last handled settle index and processes updates until the
// context ends or the stream fails.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Register(uuid.NewString()); err != nil {
		return err
	}

	settleIndex, err := w.lastSettleIndex()
	if err != nil {
		return err
	}

	updates, errs, err := w.lnClient.SubscribeSettledInvoices(ctx, settleIndex)
	if err != nil {
		return err
	}

	logger.Logger.Info().
		Uint64("settle_index", settleIndex).
		Msg("Watching for settled invoices")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			w.HandleInvoice(ctx, &update)
		}
	}
}

// HandleInvoice processes one invoice stream update. The resume index only
// advances once the update is fully handled, so a failed report to the
// relay is retried after a restart.
func (w *Watcher) HandleInvoice(ctx context.Context, update *lnclient.InvoiceUpdate) {
	// correlation is only trusted once the invoice row is mirrored; on a
	// failed upsert the resume index stays put and the update is redelivered
	if err := w.mirrorInvoice(update); err != nil {
		logger.Logger.Error().Err(err).
			Str("r_hash", update.RHash).
			Msg("Failed to mirror invoice")
		return
	}

	// creation updates carry no settlement and nothing to report
	if update.SettledAt == nil {
		return
	}

	request, err := w.requestForInvoice(update.RHash)
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("r_hash", update.RHash).
			Msg("Failed to correlate settled invoice")
		return
	}

	if request == nil {
		// settlements unrelated to capacity requests still advance the
		// resume index, otherwise they would be replayed forever
		logger.Logger.Debug().
			Str("r_hash", update.RHash).
			Msg("Settled invoice is not a capacity request")
		w.advanceSettleIndex(update.SettleIndex)
		return
	}

	err = w.relay.Send(&wire.Envelope{
		SessionID: request.SessionID,
		ServerID:  w.serverID,
		Action:    constants.ACTION_RECEIVE_PAYMENT,
		InvoiceData: &wire.InvoiceData{
			RHash:       update.RHash,
			AmtPaidSat:  update.AmtPaidSat,
			SettleIndex: update.SettleIndex,
		},
	})
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("session_id", request.SessionID).
			Str("r_hash", update.RHash).
			Msg("Failed to report settlement to relay")
		return
	}

	logger.Logger.Info().
		Str("session_id", request.SessionID).
		Str("r_hash", update.RHash).
		Int64("amt_paid_sat", update.AmtPaidSat).
		Msg("Settlement reported to relay")
	w.advanceSettleIndex(update.SettleIndex)
}

// Register announces the watcher on the relay socket so later settlement
// reports are accepted as coming from a trusted process.
func (w *Watcher) Register(sessionID string) error {
	return w.relay.Send(&wire.Envelope{
		SessionID: sessionID,
		ServerID:  w.serverID,
		Action:    constants.ACTION_REGISTER,
	})
}

func (w *Watcher) mirrorInvoice(update *lnclient.InvoiceUpdate) error {
	invoice := db.Invoice{
		AddIndex:    update.AddIndex,
		SettleIndex: update.SettleIndex,
		RHash:       update.RHash,
		AmtPaidSat:  update.AmtPaidSat,
		Memo:        update.Memo,
		SettledAt:   update.SettledAt,
	}
	return w.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "add_index"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"settle_index", "amt_paid_sat", "settled_at", "updated_at",
		}),
	}).Create(&invoice).Error
}

func (w *Watcher) requestForInvoice(rHash string) (*db.CapacityRequest, error) {
	var request db.CapacityRequest
	result := w.db.Where("invoice_r_hash = ?", rHash).Find(&request)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &request, nil
}

func (w *Watcher) lastSettleIndex() (uint64, error) {
	var state db.ServiceState
	result := w.db.Where("key = ?", settleIndexStateKey).Find(&state)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 || state.Value == "" {
		return 0, nil
	}
	return strconv.ParseUint(state.Value, 10, 64)
}

func (w *Watcher) advanceSettleIndex(settleIndex uint64) {
	if settleIndex == 0 {
		return
	}
	err := w.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&db.ServiceState{
		Key:   settleIndexStateKey,
		Value: strconv.FormatUint(settleIndex, 10),
	}).Error
	if err != nil {
		logger.Logger.Error().Err(err).
			Uint64("settle_index", settleIndex).
			Msg("Failed to persist settle index")
	}
}
