package lnd

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"google.golang.org/grpc/status"

	"github.com/lnfoundry/capacityhub/lnclient"
	"github.com/lnfoundry/capacityhub/lnclient/lnd/wrapper"
	"github.com/lnfoundry/capacityhub/logger"
)

type LNDService struct {
	client *wrapper.LNDWrapper
	cancel context.CancelFunc
}

func NewLNDService(ctx context.Context, lndAddress, lndCertFile, lndMacaroonFile string) (lnclient.LNClient, error) {
	lndClient, err := wrapper.NewLNDclient(wrapper.LNDoptions{
		Address:      lndAddress,
		CertFile:     lndCertFile,
		MacaroonFile: lndMacaroonFile,
	})
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to create new LND client")
		return nil, err
	}

	lndCtx, cancel := context.WithCancel(ctx)
	svc := &LNDService{
		client: lndClient,
		cancel: cancel,
	}

	var info *lnclient.NodeInfo
	maxRetries := 5
	for i := range maxRetries {
		info, err = svc.GetInfo(lndCtx)
		if err == nil {
			break
		}
		logger.Logger.Error().Err(err).
			Int("iteration", i).
			Msg("Failed to connect to LND, retrying in 2s")

		select {
		case <-time.After(2 * time.Second):
		case <-lndCtx.Done():
			return nil, lndCtx.Err()
		}
	}
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to connect to LND on final attempt, not attempting further retries")
		return nil, err
	}

	logger.Logger.Info().Str("alias", info.Alias).Msg("Connected to LND")
	return svc, nil
}

func (svc *LNDService) Shutdown() error {
	svc.cancel()
	return svc.client.Close()
}

func (svc *LNDService) GetInfo(ctx context.Context) (*lnclient.NodeInfo, error) {
	resp, err := svc.client.Client.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, err
	}
	return &lnclient.NodeInfo{
		Alias:         resp.Alias,
		Pubkey:        resp.IdentityPubkey,
		Network:       resp.Chains[0].Network,
		BlockHeight:   resp.BlockHeight,
		BlockHash:     resp.BlockHash,
		SyncedToChain: resp.SyncedToChain,
	}, nil
}

func (svc *LNDService) ListPeers(ctx context.Context) ([]lnclient.PeerDetails, error) {
	resp, err := svc.client.Client.ListPeers(ctx, &lnrpc.ListPeersRequest{})
	if err != nil {
		return nil, err
	}
	peers := make([]lnclient.PeerDetails, 0, len(resp.Peers))
	for _, peer := range resp.Peers {
		peers = append(peers, lnclient.PeerDetails{
			NodeId:  peer.PubKey,
			Address: peer.Address,
		})
	}
	return peers, nil
}

func (svc *LNDService) ConnectPeer(ctx context.Context, connectPeerRequest *lnclient.ConnectPeerRequest) error {
	if connectPeerRequest.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectPeerRequest.Timeout)
		defer cancel()
	}

	_, err := svc.client.Client.ConnectPeer(ctx, &lnrpc.ConnectPeerRequest{
		Addr: &lnrpc.LightningAddress{
			Pubkey: connectPeerRequest.Pubkey,
			Host:   connectPeerRequest.Host,
		},
	})

	if grpcErr, ok := status.FromError(err); ok {
		if strings.HasPrefix(grpcErr.Message(), "already connected to peer") {
			return nil
		}
	}
	return err
}

func (svc *LNDService) ListChannels(ctx context.Context) ([]lnclient.Channel, error) {
	resp, err := svc.client.Client.ListChannels(ctx, &lnrpc.ListChannelsRequest{})
	if err != nil {
		return nil, err
	}
	channels := make([]lnclient.Channel, 0, len(resp.Channels))
	for _, channel := range resp.Channels {
		channels = append(channels, lnclient.Channel{
			RemotePubkey:  channel.RemotePubkey,
			ChannelPoint:  channel.ChannelPoint,
			Capacity:      channel.Capacity,
			LocalBalance:  channel.LocalBalance,
			RemoteBalance: channel.RemoteBalance,
			Active:        channel.Active,
		})
	}
	return channels, nil
}

func (svc *LNDService) CloseChannel(ctx context.Context, closeChannelRequest *lnclient.CloseChannelRequest) (*lnclient.CloseChannelResponse, error) {
	channelPoint, err := parseChannelPoint(closeChannelRequest.ChannelPoint)
	if err != nil {
		return nil, err
	}

	stream, err := svc.client.Client.CloseChannel(ctx, &lnrpc.CloseChannelRequest{
		ChannelPoint: channelPoint,
		Force:        closeChannelRequest.Force,
		SatPerVbyte:  uint64(closeChannelRequest.SatPerByte),
	})
	if err != nil {
		return nil, err
	}

	update, err := stream.Recv()
	if err != nil {
		return nil, err
	}

	closePending := update.GetClosePending()
	if closePending == nil {
		return nil, fmt.Errorf("unexpected close channel update: %v", update)
	}

	return &lnclient.CloseChannelResponse{
		ClosingTxId: reversedTxId(closePending.Txid),
	}, nil
}

func (svc *LNDService) AddInvoice(ctx context.Context, amountSat int64, memo string) (*lnclient.AddInvoiceResponse, error) {
	resp, err := svc.client.Client.AddInvoice(ctx, &lnrpc.Invoice{
		Value: amountSat,
		Memo:  memo,
	})
	if err != nil {
		return nil, err
	}
	return &lnclient.AddInvoiceResponse{
		RHash:          hex.EncodeToString(resp.RHash),
		PaymentRequest: resp.PaymentRequest,
		AddIndex:       resp.AddIndex,
	}, nil
}

func (svc *LNDService) SubscribeSettledInvoices(ctx context.Context, settleIndex uint64) (<-chan lnclient.InvoiceUpdate, <-chan error, error) {
	stream, err := svc.client.Client.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{
		SettleIndex: settleIndex,
	})
	if err != nil {
		return nil, nil, err
	}

	updateChan := make(chan lnclient.InvoiceUpdate)
	errChan := make(chan error, 1)

	go func() {
		defer close(updateChan)
		for {
			invoice, err := stream.Recv()
			if err != nil {
				errChan <- err
				return
			}

			update := lnclient.InvoiceUpdate{
				RHash:       hex.EncodeToString(invoice.RHash),
				AmtPaidSat:  invoice.AmtPaidSat,
				Memo:        invoice.Memo,
				AddIndex:    invoice.AddIndex,
				SettleIndex: invoice.SettleIndex,
			}
			if invoice.SettleDate > 0 {
				settledAt := time.Unix(invoice.SettleDate, 0)
				update.SettledAt = &settledAt
			}

			select {
			case updateChan <- update:
			case <-ctx.Done():
				return
			}
		}
	}()

	return updateChan, errChan, nil
}

func (svc *LNDService) OpenChannel(ctx context.Context, openChannelRequest *lnclient.OpenChannelRequest) (<-chan lnclient.OpenChannelUpdate, error) {
	nodePub, err := hex.DecodeString(openChannelRequest.Pubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pubkey: %w", err)
	}

	stream, err := svc.client.Client.OpenChannel(ctx, &lnrpc.OpenChannelRequest{
		NodePubkey:         nodePub,
		LocalFundingAmount: openChannelRequest.LocalFundingAmount,
		PushSat:            0,
		SatPerVbyte:        uint64(openChannelRequest.SatPerByte),
		SpendUnconfirmed:   true,
	})
	if err != nil {
		return nil, err
	}

	updateChan := make(chan lnclient.OpenChannelUpdate, 1)
	go func() {
		defer close(updateChan)
		for {
			update, err := stream.Recv()
			if err != nil {
				// keep the RPC detail verbatim, it is shown to the visitor
				updateChan <- lnclient.OpenChannelUpdate{Err: fmt.Errorf("%s", status.Convert(err).Message())}
				return
			}

			chanPending := update.GetChanPending()
			if chanPending == nil {
				continue
			}

			updateChan <- lnclient.OpenChannelUpdate{PendingTxId: reversedTxId(chanPending.Txid)}
			return
		}
	}()

	return updateChan, nil
}

func (svc *LNDService) GetNetworkGraph(ctx context.Context) (*lnclient.NetworkGraph, error) {
	resp, err := svc.client.Client.DescribeGraph(ctx, &lnrpc.ChannelGraphRequest{})
	if err != nil {
		return nil, err
	}

	graph := &lnclient.NetworkGraph{}
	for _, node := range resp.Nodes {
		addresses := make([]string, 0, len(node.Addresses))
		for _, address := range node.Addresses {
			addresses = append(addresses, address.Addr)
		}
		graph.Nodes = append(graph.Nodes, lnclient.GraphNode{
			Pubkey:    node.PubKey,
			Alias:     node.Alias,
			Addresses: addresses,
		})
	}
	for _, edge := range resp.Edges {
		graph.Channels = append(graph.Channels, lnclient.GraphChannel{
			ChannelId: edge.ChannelId,
			Node1:     edge.Node1Pub,
			Node2:     edge.Node2Pub,
			Capacity:  edge.Capacity,
		})
	}
	return graph, nil
}

func (svc *LNDService) ForwardingHistory(ctx context.Context, since time.Time) ([]lnclient.ForwardingEvent, error) {
	var events []lnclient.ForwardingEvent
	var offset uint32
	for {
		resp, err := svc.client.Client.ForwardingHistory(ctx, &lnrpc.ForwardingHistoryRequest{
			StartTime:    uint64(since.Unix()),
			IndexOffset:  offset,
			NumMaxEvents: 1000,
		})
		if err != nil {
			return nil, err
		}
		for _, event := range resp.ForwardingEvents {
			events = append(events, lnclient.ForwardingEvent{
				TimestampNs: event.TimestampNs,
				ChanIdIn:    event.ChanIdIn,
				ChanIdOut:   event.ChanIdOut,
				AmtInMsat:   event.AmtInMsat,
				AmtOutMsat:  event.AmtOutMsat,
				FeeMsat:     event.FeeMsat,
			})
		}
		if len(resp.ForwardingEvents) < 1000 {
			return events, nil
		}
		offset = resp.LastOffsetIndex
	}
}

func (svc *LNDService) GetBalances(ctx context.Context) (*lnclient.BalancesResponse, error) {
	channelBalance, err := svc.client.Client.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return nil, err
	}
	walletBalance, err := svc.client.Client.WalletBalance(ctx, &lnrpc.WalletBalanceRequest{})
	if err != nil {
		return nil, err
	}
	return &lnclient.BalancesResponse{
		ChannelBalance:         int64(channelBalance.LocalBalance.GetSat()),
		PendingOpenBalance:     int64(channelBalance.PendingOpenLocalBalance.GetSat()),
		WalletConfirmedBalance: walletBalance.ConfirmedBalance,
		WalletTotalBalance:     walletBalance.TotalBalance,
	}, nil
}

func parseChannelPoint(channelPointStr string) (*lnrpc.ChannelPoint, error) {
	parts := strings.Split(channelPointStr, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid channel point: %s", channelPointStr)
	}
	var outputIndex uint32
	_, err := fmt.Sscanf(parts[1], "%d", &outputIndex)
	if err != nil {
		return nil, fmt.Errorf("invalid channel point output index: %s", channelPointStr)
	}
	return &lnrpc.ChannelPoint{
		FundingTxid: &lnrpc.ChannelPoint_FundingTxidStr{
			FundingTxidStr: parts[0],
		},
		OutputIndex: outputIndex,
	}, nil
}

// txids arrive from the RPC in reverse byte order
func reversedTxId(txidBytes []byte) string {
	reversed := make([]byte, len(txidBytes))
	for i, b := range txidBytes {
		reversed[len(txidBytes)-1-i] = b
	}
	return hex.EncodeToString(reversed)
}
