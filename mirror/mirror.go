// Package mirror keeps local copies of the node's channel, forwarding and
// balance state so the operator tooling and HTTP endpoints do not need a
// node round trip per query.
package mirror

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lnfoundry/capacityhub/db"
	"github.com/lnfoundry/capacityhub/lnclient"
	"github.com/lnfoundry/capacityhub/logger"
)

type Service struct {
	db       *gorm.DB
	lnClient lnclient.LNClient
}

func NewService(gormDB *gorm.DB, lnClient lnclient.LNClient) *Service {
	return &Service{
		db:       gormDB,
		lnClient: lnClient,
	}
}

// SyncChannels upserts the node's channel list by channel point and marks
// channels that disappeared as inactive.
func (svc *Service) SyncChannels(ctx context.Context) error {
	channels, err := svc.lnClient.ListChannels(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(channels))
	for _, channel := range channels {
		seen[channel.ChannelPoint] = true
		err = svc.db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "channel_point"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"local_balance", "remote_balance", "active", "updated_at",
			}),
		}).Create(&db.Channel{
			ChannelPoint:  channel.ChannelPoint,
			RemotePubkey:  channel.RemotePubkey,
			Capacity:      channel.Capacity,
			LocalBalance:  channel.LocalBalance,
			RemoteBalance: channel.RemoteBalance,
			Active:        channel.Active,
		}).Error
		if err != nil {
			return err
		}
	}

	var mirrored []db.Channel
	if err := svc.db.Where("active = ?", true).Find(&mirrored).Error; err != nil {
		return err
	}
	for _, channel := range mirrored {
		if seen[channel.ChannelPoint] {
			continue
		}
		err = svc.db.Model(&channel).Update("active", false).Error
		if err != nil {
			return err
		}
		logger.Logger.Info().
			Str("channel_point", channel.ChannelPoint).
			Msg("Channel no longer reported by node, marked inactive")
	}

	return nil
}

// SyncForwardingEvents appends forwarding history newer than the last
// mirrored event. The nanosecond timestamp is unique on the node side, so
// replays are dropped on conflict.
func (svc *Service) SyncForwardingEvents(ctx context.Context) error {
	var last db.ForwardingEvent
	result := svc.db.Order("timestamp_ns desc").Limit(1).Find(&last)
	if result.Error != nil {
		return result.Error
	}

	since := time.Time{}
	if result.RowsAffected > 0 {
		since = time.Unix(0, int64(last.TimestampNs))
	}

	forwardingEvents, err := svc.lnClient.ForwardingHistory(ctx, since)
	if err != nil {
		return err
	}

	for _, event := range forwardingEvents {
		err = svc.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "timestamp_ns"}},
			DoNothing: true,
		}).Create(&db.ForwardingEvent{
			TimestampNs: event.TimestampNs,
			ChanIdIn:    event.ChanIdIn,
			ChanIdOut:   event.ChanIdOut,
			AmtInMsat:   event.AmtInMsat,
			AmtOutMsat:  event.AmtOutMsat,
			FeeMsat:     event.FeeMsat,
		}).Error
		if err != nil {
			return err
		}
	}

	if len(forwardingEvents) > 0 {
		logger.Logger.Info().
			Int("count", len(forwardingEvents)).
			Msg("Mirrored forwarding events")
	}
	return nil
}

// SnapshotBalances appends one row of current channel and wallet balances.
func (svc *Service) SnapshotBalances(ctx context.Context) error {
	balances, err := svc.lnClient.GetBalances(ctx)
	if err != nil {
		return err
	}

	return svc.db.Create(&db.BalanceSnapshot{
		ChannelBalance:         balances.ChannelBalance,
		PendingOpenBalance:     balances.PendingOpenBalance,
		WalletConfirmedBalance: balances.WalletConfirmedBalance,
		WalletTotalBalance:     balances.WalletTotalBalance,
	}).Error
}

// SyncAll runs the three mirrors and reports the first error after trying
// all of them.
func (svc *Service) SyncAll(ctx context.Context) error {
	var firstErr error
	for _, sync := range []func(context.Context) error{
		svc.SyncChannels,
		svc.SyncForwardingEvents,
		svc.SnapshotBalances,
	} {
		if err := sync(ctx); err != nil {
			logger.Logger.Error().Err(err).Msg("Mirror sync step failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
