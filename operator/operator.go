// Package operator implements node maintenance commands: reconnecting
// dropped peers, closing dormant or duplicated channels and summarizing the
// local view of the network graph.
package operator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/lnfoundry/capacityhub/constants"
	"github.com/lnfoundry/capacityhub/db"
	"github.com/lnfoundry/capacityhub/lnclient"
	"github.com/lnfoundry/capacityhub/logger"
	"github.com/lnfoundry/capacityhub/utils"
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

// Reconnect dials every peer we share an inactive channel with, using the
// addresses announced in the network graph.
func (svc *Service) Reconnect(ctx context.Context) error {
	channels, err := svc.lnClient.ListChannels(ctx)
	if err != nil {
		return err
	}

	inactive := utils.Filter(channels, func(channel lnclient.Channel) bool {
		return !channel.Active
	})
	if len(inactive) == 0 {
		logger.Logger.Info().Msg("All channels active, nothing to reconnect")
		return nil
	}

	graph, err := svc.lnClient.GetNetworkGraph(ctx)
	if err != nil {
		return err
	}
	addresses := graphAddresses(graph)

	reconnected := 0
	for _, channel := range inactive {
		hosts := addresses[channel.RemotePubkey]
		if len(hosts) == 0 {
			logger.Logger.Warn().
				Str("pubkey", channel.RemotePubkey).
				Msg("Peer announces no addresses, cannot reconnect")
			continue
		}
		var lastErr error
		for _, host := range hosts {
			lastErr = svc.lnClient.ConnectPeer(ctx, &lnclient.ConnectPeerRequest{
				Pubkey:  channel.RemotePubkey,
				Host:    host,
				Timeout: constants.PEER_CONNECT_TIMEOUT,
			})
			if lastErr == nil {
				reconnected++
				break
			}
		}
		if lastErr != nil {
			logger.Logger.Error().Err(lastErr).
				Str("pubkey", channel.RemotePubkey).
				Msg("Failed to reconnect peer")
		}
	}

	logger.Logger.Info().
		Int("inactive", len(inactive)).
		Int("reconnected", reconnected).
		Msg("Reconnect pass finished")
	return nil
}

// CloseDormant force-closes channels that are inactive, hold no remote
// balance and lock up local funds. Channels still inside a paid keep-open
// window are skipped.
func (svc *Service) CloseDormant(ctx context.Context, satPerByte int64, dryRun bool) error {
	channels, err := svc.lnClient.ListChannels(ctx)
	if err != nil {
		return err
	}

	dormant := utils.Filter(channels, func(channel lnclient.Channel) bool {
		return !channel.Active && channel.RemoteBalance == 0 && channel.LocalBalance > 0
	})

	closed := 0
	for _, channel := range dormant {
		protected, err := svc.insideKeepOpenWindow(channel.RemotePubkey)
		if err != nil {
			return err
		}
		if protected {
			logger.Logger.Info().
				Str("channel_point", channel.ChannelPoint).
				Str("pubkey", channel.RemotePubkey).
				Msg("Channel inside keep-open window, skipping")
			continue
		}

		if dryRun {
			fmt.Printf("would close %s (pubkey %s, local balance %d)\n",
				channel.ChannelPoint, channel.RemotePubkey, channel.LocalBalance)
			continue
		}

		// the peer is offline, cooperative close is not possible
		response, err := svc.lnClient.CloseChannel(ctx, &lnclient.CloseChannelRequest{
			ChannelPoint: channel.ChannelPoint,
			Force:        true,
			SatPerByte:   satPerByte,
		})
		if err != nil {
			logger.Logger.Error().Err(err).
				Str("channel_point", channel.ChannelPoint).
				Msg("Failed to close dormant channel")
			continue
		}
		closed++
		logger.Logger.Info().
			Str("channel_point", channel.ChannelPoint).
			Str("closing_txid", response.ClosingTxId).
			Msg("Dormant channel closing")
	}

	logger.Logger.Info().
		Int("dormant", len(dormant)).
		Int("closed", closed).
		Bool("dry_run", dryRun).
		Msg("Dormant channel pass finished")
	return nil
}

// CloseByHost closes channels with peers whose announced addresses contain
// the given substring, for cutting ties with a hosting provider or region.
func (svc *Service) CloseByHost(ctx context.Context, hostSubstring string, satPerByte int64, dryRun bool) error {
	if hostSubstring == "" {
		return fmt.Errorf("host substring must not be empty")
	}

	graph, err := svc.lnClient.GetNetworkGraph(ctx)
	if err != nil {
		return err
	}
	addresses := graphAddresses(graph)

	channels, err := svc.lnClient.ListChannels(ctx)
	if err != nil {
		return err
	}

	matched := utils.Filter(channels, func(channel lnclient.Channel) bool {
		for _, host := range addresses[channel.RemotePubkey] {
			if strings.Contains(host, hostSubstring) {
				return true
			}
		}
		return false
	})

	for _, channel := range matched {
		if dryRun {
			fmt.Printf("would close %s (pubkey %s)\n", channel.ChannelPoint, channel.RemotePubkey)
			continue
		}
		response, err := svc.lnClient.CloseChannel(ctx, &lnclient.CloseChannelRequest{
			ChannelPoint: channel.ChannelPoint,
			Force:        !channel.Active,
			SatPerByte:   satPerByte,
		})
		if err != nil {
			logger.Logger.Error().Err(err).
				Str("channel_point", channel.ChannelPoint).
				Msg("Failed to close channel by host")
			continue
		}
		logger.Logger.Info().
			Str("channel_point", channel.ChannelPoint).
			Str("closing_txid", response.ClosingTxId).
			Msg("Channel closing")
	}

	logger.Logger.Info().
		Int("matched", len(matched)).
		Bool("dry_run", dryRun).
		Msg("Close-by-host pass finished")
	return nil
}

// Dupes lists peers holding three or more channels with us. Extra channels
// with one peer waste funding that could serve other requests.
func (svc *Service) Dupes(ctx context.Context) error {
	channels, err := svc.lnClient.ListChannels(ctx)
	if err != nil {
		return err
	}

	byPeer := map[string][]lnclient.Channel{}
	for _, channel := range channels {
		byPeer[channel.RemotePubkey] = append(byPeer[channel.RemotePubkey], channel)
	}

	found := 0
	for pubkey, peerChannels := range byPeer {
		if len(peerChannels) < 3 {
			continue
		}
		found++
		fmt.Printf("%s has %d channels:\n", pubkey, len(peerChannels))
		for _, channel := range peerChannels {
			fmt.Printf("  %s capacity=%d local=%d remote=%d active=%v\n",
				channel.ChannelPoint, channel.Capacity, channel.LocalBalance,
				channel.RemoteBalance, channel.Active)
		}
	}
	if found == 0 {
		fmt.Println("no peers with three or more channels")
	}
	return nil
}

// GraphStats prints a short summary of the local network graph view.
func (svc *Service) GraphStats(ctx context.Context) error {
	graph, err := svc.lnClient.GetNetworkGraph(ctx)
	if err != nil {
		return err
	}

	announced := 0
	var totalCapacity int64
	for _, node := range graph.Nodes {
		if len(node.Addresses) > 0 {
			announced++
		}
	}
	for _, channel := range graph.Channels {
		totalCapacity += channel.Capacity
	}

	fmt.Printf("nodes: %d (%d with announced addresses)\n", len(graph.Nodes), announced)
	fmt.Printf("channels: %d, total capacity %d sat\n", len(graph.Channels), totalCapacity)
	return nil
}

// insideKeepOpenWindow reports whether any paid capacity request for the
// peer is still within its promised open duration.
func (svc *Service) insideKeepOpenWindow(pubkey string) (bool, error) {
	var requests []db.CapacityRequest
	err := svc.db.
		Where("remote_pubkey = ? AND status = ?", pubkey, constants.CAPACITY_REQUEST_STATUS_CHANNEL_OPENED).
		Find(&requests).Error
	if err != nil {
		return false, err
	}

	now := time.Now()
	for _, request := range requests {
		if request.KeepOpenUntil != nil && request.KeepOpenUntil.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func graphAddresses(graph *lnclient.NetworkGraph) map[string][]string {
	addresses := make(map[string][]string, len(graph.Nodes))
	for _, node := range graph.Nodes {
		if len(node.Addresses) > 0 {
			addresses[node.Pubkey] = node.Addresses
		}
	}
	return addresses
}
