package mocks

import (
	"context"
	"time"

	mock "github.com/stretchr/testify/mock"

	"github.com/lnfoundry/capacityhub/lnclient"
)

type MockLNClient struct {
	mock.Mock
}

func NewMockLNClient() *MockLNClient {
	return &MockLNClient{}
}

func (_m *MockLNClient) GetInfo(ctx context.Context) (*lnclient.NodeInfo, error) {
	ret := _m.Called(ctx)
	var r0 *lnclient.NodeInfo
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*lnclient.NodeInfo)
	}
	return r0, ret.Error(1)
}

func (_m *MockLNClient) ListPeers(ctx context.Context) ([]lnclient.PeerDetails, error) {
	ret := _m.Called(ctx)
	var r0 []lnclient.PeerDetails
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]lnclient.PeerDetails)
	}
	return r0, ret.Error(1)
}

func (_m *MockLNClient) ConnectPeer(ctx context.Context, connectPeerRequest *lnclient.ConnectPeerRequest) error {
	ret := _m.Called(ctx, connectPeerRequest)
	return ret.Error(0)
}

func (_m *MockLNClient) ListChannels(ctx context.Context) ([]lnclient.Channel, error) {
	ret := _m.Called(ctx)
	var r0 []lnclient.Channel
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]lnclient.Channel)
	}
	return r0, ret.Error(1)
}

func (_m *MockLNClient) CloseChannel(ctx context.Context, closeChannelRequest *lnclient.CloseChannelRequest) (*lnclient.CloseChannelResponse, error) {
	ret := _m.Called(ctx, closeChannelRequest)
	var r0 *lnclient.CloseChannelResponse
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*lnclient.CloseChannelResponse)
	}
	return r0, ret.Error(1)
}

func (_m *MockLNClient) AddInvoice(ctx context.Context, amountSat int64, memo string) (*lnclient.AddInvoiceResponse, error) {
	ret := _m.Called(ctx, amountSat, memo)
	var r0 *lnclient.AddInvoiceResponse
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*lnclient.AddInvoiceResponse)
	}
	return r0, ret.Error(1)
}

func (_m *MockLNClient) SubscribeSettledInvoices(ctx context.Context, settleIndex uint64) (<-chan lnclient.InvoiceUpdate, <-chan error, error) {
	ret := _m.Called(ctx, settleIndex)
	var r0 <-chan lnclient.InvoiceUpdate
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(<-chan lnclient.InvoiceUpdate)
	}
	var r1 <-chan error
	if ret.Get(1) != nil {
		r1 = ret.Get(1).(<-chan error)
	}
	return r0, r1, ret.Error(2)
}

func (_m *MockLNClient) OpenChannel(ctx context.Context, openChannelRequest *lnclient.OpenChannelRequest) (<-chan lnclient.OpenChannelUpdate, error) {
	ret := _m.Called(ctx, openChannelRequest)
	var r0 <-chan lnclient.OpenChannelUpdate
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(<-chan lnclient.OpenChannelUpdate)
	}
	return r0, ret.Error(1)
}

func (_m *MockLNClient) GetNetworkGraph(ctx context.Context) (*lnclient.NetworkGraph, error) {
	ret := _m.Called(ctx)
	var r0 *lnclient.NetworkGraph
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*lnclient.NetworkGraph)
	}
	return r0, ret.Error(1)
}

func (_m *MockLNClient) ForwardingHistory(ctx context.Context, since time.Time) ([]lnclient.ForwardingEvent, error) {
	ret := _m.Called(ctx, since)
	var r0 []lnclient.ForwardingEvent
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]lnclient.ForwardingEvent)
	}
	return r0, ret.Error(1)
}

func (_m *MockLNClient) GetBalances(ctx context.Context) (*lnclient.BalancesResponse, error) {
	ret := _m.Called(ctx)
	var r0 *lnclient.BalancesResponse
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*lnclient.BalancesResponse)
	}
	return r0, ret.Error(1)
}

func (_m *MockLNClient) Shutdown() error {
	ret := _m.Called()
	return ret.Error(0)
}
