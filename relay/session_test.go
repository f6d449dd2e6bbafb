package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/lnfoundry/capacityhub/constants"
	"github.com/lnfoundry/capacityhub/db"
	"github.com/lnfoundry/capacityhub/lnclient"
	"github.com/lnfoundry/capacityhub/tests/mocks"
	"github.com/lnfoundry/capacityhub/wire"
)

const (
	testPubkey      = "02a1633cafcc01ebfb6d78e39f687a1f0995c62fc95f51ead10a02ee0be551b5dc"
	testPubkeyInput = testPubkey + "@192.0.2.10:9735"
	testExplorerURL = "https://blockstream.info"
)

type fakeConn struct {
	mtx      sync.Mutex
	messages []interface{}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.messages = append(c.messages, v)
	return nil
}

func (c *fakeConn) lastMessage(t *testing.T) interface{} {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	require.NotEmpty(t, c.messages)
	return c.messages[len(c.messages)-1]
}

func (c *fakeConn) lastError(t *testing.T) string {
	errorMessage, ok := c.lastMessage(t).(*ErrorMessage)
	require.True(t, ok, "expected an error message, got %T", c.lastMessage(t))
	assert.Equal(t, constants.ACTION_ERROR_MESSAGE, errorMessage.Action)
	return errorMessage.Error
}

func setupTestDB(t *testing.T) *gorm.DB {
	gormDB, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(&db.UserConfig{}, &db.CapacityRequest{}, &db.Invoice{}, &db.ServiceState{}))
	return gormDB
}

func setupSession(t *testing.T) (*Session, *fakeConn, *mocks.MockLNClient, *gorm.DB) {
	gormDB := setupTestDB(t)
	conn := &fakeConn{}
	lnClient := mocks.NewMockLNClient()
	session := NewSession(uuid.NewString(), conn, gormDB, lnClient, testExplorerURL)
	return session, conn, lnClient, gormDB
}

func registerSession(t *testing.T, session *Session) {
	require.NoError(t, session.Register(context.Background()))
}

func connectSession(t *testing.T, session *Session, conn *fakeConn, lnClient *mocks.MockLNClient, channels []lnclient.Channel) {
	lnClient.On("ConnectPeer", mock.Anything, mock.Anything).Return(nil).Once()
	lnClient.On("ListChannels", mock.Anything).Return(channels, nil).Once()
	require.NoError(t, session.ConnectToPeer(context.Background(), ConnectInput{PubkeyInput: testPubkeyInput}))
	_, ok := conn.lastMessage(t).(*ConnectedMessage)
	require.True(t, ok, "expected connected, got %T", conn.lastMessage(t))
}

func TestSessionRegister(t *testing.T) {
	session, conn, _, gormDB := setupSession(t)
	registerSession(t, session)

	registered, ok := conn.lastMessage(t).(*RegisteredMessage)
	require.True(t, ok)
	assert.Equal(t, constants.ACTION_REGISTERED, registered.Action)

	var request db.CapacityRequest
	require.NoError(t, gormDB.Where("session_id = ?", session.ID()).First(&request).Error)
	assert.Equal(t, constants.CAPACITY_REQUEST_STATUS_REGISTERED, request.Status)
}

func TestSessionRegisterResetsExistingRow(t *testing.T) {
	session, _, _, gormDB := setupSession(t)
	registerSession(t, session)

	require.NoError(t, gormDB.Model(&db.CapacityRequest{}).
		Where("session_id = ?", session.ID()).
		Updates(map[string]interface{}{
			"remote_pubkey": testPubkey,
			"capacity":      int64(500_000),
			"status":        constants.CAPACITY_REQUEST_STATUS_CONFIRMED_CAPACITY,
		}).Error)

	registerSession(t, session)

	var request db.CapacityRequest
	require.NoError(t, gormDB.Where("session_id = ?", session.ID()).First(&request).Error)
	assert.Equal(t, constants.CAPACITY_REQUEST_STATUS_REGISTERED, request.Status)
	assert.Empty(t, request.RemotePubkey)
	assert.Zero(t, request.Capacity)
}

func TestConnectRejectsMissingPubkey(t *testing.T) {
	session, conn, _, _ := setupSession(t)
	registerSession(t, session)

	require.NoError(t, session.ConnectToPeer(context.Background(), ConnectInput{PubkeyInput: "   "}))
	assert.Equal(t, "missing pubkey", conn.lastError(t))
}

func TestConnectRejectsMalformedInput(t *testing.T) {
	session, conn, _, _ := setupSession(t)
	registerSession(t, session)

	require.NoError(t, session.ConnectToPeer(context.Background(), ConnectInput{PubkeyInput: "a@b@c"}))
	assert.Equal(t, "invalid format, expected pubkey@host:port", conn.lastError(t))
}

func TestConnectRejectsWrongPubkeyLength(t *testing.T) {
	session, conn, _, _ := setupSession(t)
	registerSession(t, session)

	require.NoError(t, session.ConnectToPeer(context.Background(), ConnectInput{PubkeyInput: "02abcd"}))
	assert.Equal(t, "invalid pubkey: expected 66 hex characters, got 6", conn.lastError(t))

	// the length check also applies when a host is given
	require.NoError(t, session.ConnectToPeer(context.Background(), ConnectInput{PubkeyInput: "02abcd@192.0.2.10:9735"}))
	assert.Equal(t, "invalid pubkey: expected 66 hex characters, got 6", conn.lastError(t))
}

func TestConnectUnknownPubkeyWithoutHost(t *testing.T) {
	session, conn, lnClient, _ := setupSession(t)
	registerSession(t, session)

	lnClient.On("ListPeers", mock.Anything).Return([]lnclient.PeerDetails{
		{NodeId: "03" + strings.Repeat("ab", 32)},
	}, nil).Once()

	require.NoError(t, session.ConnectToPeer(context.Background(), ConnectInput{PubkeyInput: testPubkey}))
	assert.Equal(t, "unknown pubkey, please provide pubkey@host:port", conn.lastError(t))
}

func TestConnectKnownPubkeyWithoutHost(t *testing.T) {
	session, conn, lnClient, _ := setupSession(t)
	registerSession(t, session)

	lnClient.On("ListPeers", mock.Anything).Return([]lnclient.PeerDetails{
		{NodeId: testPubkey},
	}, nil).Once()
	lnClient.On("ListChannels", mock.Anything).Return([]lnclient.Channel{}, nil).Once()

	require.NoError(t, session.ConnectToPeer(context.Background(), ConnectInput{PubkeyInput: testPubkey}))

	connected, ok := conn.lastMessage(t).(*ConnectedMessage)
	require.True(t, ok)
	assert.Nil(t, connected.Data)
}

func TestConnectWithHostDialsPeer(t *testing.T) {
	session, conn, lnClient, gormDB := setupSession(t)
	registerSession(t, session)

	lnClient.On("ConnectPeer", mock.Anything, mock.MatchedBy(func(req *lnclient.ConnectPeerRequest) bool {
		return req.Pubkey == testPubkey && req.Host == "192.0.2.10:9735"
	})).Return(nil).Once()
	lnClient.On("ListChannels", mock.Anything).Return([]lnclient.Channel{}, nil).Once()

	require.NoError(t, session.ConnectToPeer(context.Background(), ConnectInput{PubkeyInput: testPubkeyInput}))

	_, ok := conn.lastMessage(t).(*ConnectedMessage)
	require.True(t, ok)

	var request db.CapacityRequest
	require.NoError(t, gormDB.Where("session_id = ?", session.ID()).First(&request).Error)
	assert.Equal(t, testPubkey, request.RemotePubkey)
	assert.Equal(t, constants.CAPACITY_REQUEST_STATUS_CONNECTED, request.Status)
	lnClient.AssertExpectations(t)
}

func TestConnectUppercasePubkeyIsLowercased(t *testing.T) {
	session, _, lnClient, gormDB := setupSession(t)
	registerSession(t, session)

	lnClient.On("ConnectPeer", mock.Anything, mock.MatchedBy(func(req *lnclient.ConnectPeerRequest) bool {
		return req.Pubkey == testPubkey
	})).Return(nil).Once()
	lnClient.On("ListChannels", mock.Anything).Return([]lnclient.Channel{}, nil).Once()

	input := strings.ToUpper(testPubkey) + "@192.0.2.10:9735"
	require.NoError(t, session.ConnectToPeer(context.Background(), ConnectInput{PubkeyInput: input}))

	var request db.CapacityRequest
	require.NoError(t, gormDB.Where("session_id = ?", session.ID()).First(&request).Error)
	assert.Equal(t, testPubkey, request.RemotePubkey)
}

func TestConnectReportsExistingChannelTotals(t *testing.T) {
	session, conn, lnClient, _ := setupSession(t)
	registerSession(t, session)

	lnClient.On("ConnectPeer", mock.Anything, mock.Anything).Return(nil).Once()
	lnClient.On("ListChannels", mock.Anything).Return([]lnclient.Channel{
		{RemotePubkey: testPubkey, ChannelPoint: "aa:0", Capacity: 1_000_000, LocalBalance: 600_000, RemoteBalance: 400_000, Active: true},
		{RemotePubkey: "03" + strings.Repeat("cd", 32), ChannelPoint: "bb:0", Capacity: 2_000_000},
	}, nil).Once()

	require.NoError(t, session.ConnectToPeer(context.Background(), ConnectInput{PubkeyInput: testPubkeyInput}))

	connected, ok := conn.lastMessage(t).(*ConnectedMessage)
	require.True(t, ok)
	require.NotNil(t, connected.Data)
	assert.Equal(t, 1, connected.Data.ChannelCount)
	assert.Equal(t, int64(1_000_000), connected.Data.Capacity)
	assert.Equal(t, int64(600_000), connected.Data.LocalBalance)
	assert.Equal(t, int64(400_000), connected.Data.RemoteBalance)
}

func TestConnectRefusesMultipleExistingChannels(t *testing.T) {
	session, conn, lnClient, _ := setupSession(t)
	registerSession(t, session)

	lnClient.On("ConnectPeer", mock.Anything, mock.Anything).Return(nil).Once()
	lnClient.On("ListChannels", mock.Anything).Return([]lnclient.Channel{
		{RemotePubkey: testPubkey, ChannelPoint: "aa:0"},
		{RemotePubkey: testPubkey, ChannelPoint: "bb:0"},
		{RemotePubkey: testPubkey, ChannelPoint: "cc:0"},
	}, nil).Once()

	require.NoError(t, session.ConnectToPeer(context.Background(), ConnectInput{PubkeyInput: testPubkeyInput}))
	assert.Equal(t, "you already have 3 channels with our node, please close 2 of them before requesting more capacity", conn.lastError(t))
}

func TestConnectRefusesLopsidedBalance(t *testing.T) {
	session, conn, lnClient, _ := setupSession(t)
	registerSession(t, session)

	// remote holds 80% of the balance, above the 0.7 threshold
	lnClient.On("ConnectPeer", mock.Anything, mock.Anything).Return(nil).Once()
	lnClient.On("ListChannels", mock.Anything).Return([]lnclient.Channel{
		{RemotePubkey: testPubkey, ChannelPoint: "aa:0", Capacity: 1_000_000, LocalBalance: 200_000, RemoteBalance: 800_000},
	}, nil).Once()

	require.NoError(t, session.ConnectToPeer(context.Background(), ConnectInput{PubkeyInput: testPubkeyInput}))
	assert.Contains(t, conn.lastError(t), "rebalance")
}

func TestConnectPeerErrorIsForwardedVerbatim(t *testing.T) {
	session, conn, lnClient, _ := setupSession(t)
	registerSession(t, session)

	lnClient.On("ConnectPeer", mock.Anything, mock.Anything).
		Return(fmt.Errorf("dial tcp 192.0.2.10:9735: i/o timeout")).Once()

	require.NoError(t, session.ConnectToPeer(context.Background(), ConnectInput{PubkeyInput: testPubkeyInput}))
	assert.Equal(t, "dial tcp 192.0.2.10:9735: i/o timeout", conn.lastError(t))
}

func TestConfirmCapacityWithFeeRate(t *testing.T) {
	session, conn, lnClient, gormDB := setupSession(t)
	registerSession(t, session)
	connectSession(t, session, conn, lnClient, nil)

	require.NoError(t, session.ConfirmCapacity(context.Background(), CapacityInput{
		Capacity:        5_000_000,
		CapacityFeeRate: "0.02",
		HasFeeRate:      true,
	}))

	confirmed, ok := conn.lastMessage(t).(*ConfirmedCapacityMessage)
	require.True(t, ok)
	assert.Equal(t, int64(5_000_000), confirmed.Capacity)
	assert.Equal(t, int64(100_000), confirmed.CapacityFee)

	var request db.CapacityRequest
	require.NoError(t, gormDB.Where("session_id = ?", session.ID()).First(&request).Error)
	assert.Equal(t, int64(100_000), request.CapacityFee)
	assert.Equal(t, "0.02", request.CapacityFeeRate)
	assert.Equal(t, constants.CAPACITY_REQUEST_STATUS_CONFIRMED_CAPACITY, request.Status)
	require.NotNil(t, request.KeepOpenUntil)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *request.KeepOpenUntil, time.Minute)
}

func TestConfirmCapacityFreeTier(t *testing.T) {
	session, conn, lnClient, gormDB := setupSession(t)
	registerSession(t, session)
	connectSession(t, session, conn, lnClient, nil)

	require.NoError(t, session.ConfirmCapacity(context.Background(), CapacityInput{
		Capacity:        500_000,
		CapacityFeeRate: "0",
		HasFeeRate:      true,
	}))

	confirmed, ok := conn.lastMessage(t).(*ConfirmedCapacityMessage)
	require.True(t, ok)
	assert.Zero(t, confirmed.CapacityFee)

	var request db.CapacityRequest
	require.NoError(t, gormDB.Where("session_id = ?", session.ID()).First(&request).Error)
	require.NotNil(t, request.KeepOpenUntil)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), *request.KeepOpenUntil, time.Minute)
}

func TestConfirmCapacityRejectsUnknownRate(t *testing.T) {
	session, conn, lnClient, _ := setupSession(t)
	registerSession(t, session)
	connectSession(t, session, conn, lnClient, nil)

	require.NoError(t, session.ConfirmCapacity(context.Background(), CapacityInput{
		Capacity:        500_000,
		CapacityFeeRate: "0.5",
		HasFeeRate:      true,
	}))
	assert.Equal(t, `invalid capacity fee rate "0.5"`, conn.lastError(t))
}

func TestConfirmCapacityRejectsUnknownCapacity(t *testing.T) {
	session, conn, lnClient, _ := setupSession(t)
	registerSession(t, session)
	connectSession(t, session, conn, lnClient, nil)

	require.NoError(t, session.ConfirmCapacity(context.Background(), CapacityInput{
		Capacity:        123_456,
		CapacityFeeRate: "0.02",
		HasFeeRate:      true,
	}))
	assert.Equal(t, "invalid capacity 123456", conn.lastError(t))
}

func TestReciprocationRequiresExistingChannel(t *testing.T) {
	session, conn, lnClient, _ := setupSession(t)
	registerSession(t, session)
	connectSession(t, session, conn, lnClient, nil)

	require.NoError(t, session.ConfirmCapacity(context.Background(), CapacityInput{
		Capacity:   1_000_000,
		HasFeeRate: false,
	}))
	assert.Equal(t, "reciprocation requires an existing channel with our node", conn.lastError(t))
}

func TestReciprocationRejectsMismatchedCapacity(t *testing.T) {
	session, conn, lnClient, _ := setupSession(t)
	registerSession(t, session)
	connectSession(t, session, conn, lnClient, []lnclient.Channel{
		{RemotePubkey: testPubkey, ChannelPoint: "aa:0", Capacity: 1_000_000, LocalBalance: 500_000, RemoteBalance: 500_000},
	})

	require.NoError(t, session.ConfirmCapacity(context.Background(), CapacityInput{
		Capacity:   2_000_000,
		HasFeeRate: false,
	}))
	assert.Equal(t, "reciprocation is only available at your existing capacity of 1000000 sat", conn.lastError(t))
}

func TestReciprocationMatchesExistingCapacity(t *testing.T) {
	session, conn, lnClient, gormDB := setupSession(t)
	registerSession(t, session)
	connectSession(t, session, conn, lnClient, []lnclient.Channel{
		{RemotePubkey: testPubkey, ChannelPoint: "aa:0", Capacity: 1_000_000, LocalBalance: 500_000, RemoteBalance: 500_000},
	})

	// omitting the capacity picks the reciprocation amount automatically
	require.NoError(t, session.ConfirmCapacity(context.Background(), CapacityInput{
		Capacity:   0,
		HasFeeRate: false,
	}))

	confirmed, ok := conn.lastMessage(t).(*ConfirmedCapacityMessage)
	require.True(t, ok)
	assert.Equal(t, int64(1_000_000), confirmed.Capacity)
	assert.Zero(t, confirmed.CapacityFee)

	var request db.CapacityRequest
	require.NoError(t, gormDB.Where("session_id = ?", session.ID()).First(&request).Error)
	assert.Equal(t, "0", request.CapacityFeeRate)
}

func TestChainFeeCreatesInvoice(t *testing.T) {
	session, conn, lnClient, gormDB := setupSession(t)
	registerSession(t, session)
	connectSession(t, session, conn, lnClient, nil)

	require.NoError(t, session.ConfirmCapacity(context.Background(), CapacityInput{
		Capacity:        5_000_000,
		CapacityFeeRate: "0.02",
		HasFeeRate:      true,
	}))

	// 100_000 capacity fee + 10 sat/byte * 500 bytes
	expectedTotal := int64(105_000)
	expectedMemo := fmt.Sprintf("Paid inbound channel: 5000000 sat capacity to %s", testPubkey)
	lnClient.On("AddInvoice", mock.Anything, expectedTotal, expectedMemo).Return(&lnclient.AddInvoiceResponse{
		RHash:          "abcd1234",
		PaymentRequest: "lnbc1050u1fakeinvoice",
		AddIndex:       7,
	}, nil).Once()

	require.NoError(t, session.ChainFee(context.Background(), ChainFeeInput{TransactionFeeRate: 10}))

	paymentRequest, ok := conn.lastMessage(t).(*PaymentRequestMessage)
	require.True(t, ok)
	assert.Equal(t, constants.ACTION_PAYMENT_REQUEST, paymentRequest.Action)
	assert.Equal(t, "lnbc1050u1fakeinvoice", paymentRequest.PaymentRequest)
	assert.Equal(t, "lightning:lnbc1050u1fakeinvoice", paymentRequest.URI)
	assert.NotEmpty(t, paymentRequest.QRCode)

	var request db.CapacityRequest
	require.NoError(t, gormDB.Where("session_id = ?", session.ID()).First(&request).Error)
	assert.Equal(t, expectedTotal, request.TotalFee)
	assert.Equal(t, int64(5_000), request.TransactionFee)
	assert.Equal(t, "abcd1234", request.InvoiceRHash)
	assert.Equal(t, constants.CAPACITY_REQUEST_STATUS_INVOICE_SENT, request.Status)
	lnClient.AssertExpectations(t)
}

func TestChainFeeReciprocatedMemo(t *testing.T) {
	session, conn, lnClient, _ := setupSession(t)
	registerSession(t, session)
	connectSession(t, session, conn, lnClient, []lnclient.Channel{
		{RemotePubkey: testPubkey, ChannelPoint: "aa:0", Capacity: 1_000_000, LocalBalance: 500_000, RemoteBalance: 500_000},
	})
	require.NoError(t, session.ConfirmCapacity(context.Background(), CapacityInput{HasFeeRate: false}))

	expectedMemo := fmt.Sprintf("Reciprocated inbound channel: 1000000 sat capacity to %s", testPubkey)
	lnClient.On("AddInvoice", mock.Anything, int64(500), expectedMemo).Return(&lnclient.AddInvoiceResponse{
		RHash:          "ffff",
		PaymentRequest: "lnbc5u1fakeinvoice",
	}, nil).Once()

	require.NoError(t, session.ChainFee(context.Background(), ChainFeeInput{TransactionFeeRate: 1}))
	lnClient.AssertExpectations(t)
}

func TestChainFeeRejectsNonPositiveRate(t *testing.T) {
	session, conn, lnClient, _ := setupSession(t)
	registerSession(t, session)
	connectSession(t, session, conn, lnClient, nil)
	require.NoError(t, session.ConfirmCapacity(context.Background(), CapacityInput{
		Capacity:        500_000,
		CapacityFeeRate: "0",
		HasFeeRate:      true,
	}))

	require.NoError(t, session.ChainFee(context.Background(), ChainFeeInput{TransactionFeeRate: 0}))
	assert.Equal(t, "transaction fee rate must be a positive number of sat/byte", conn.lastError(t))
}

func TestChainFeeRequiresConfirmedCapacity(t *testing.T) {
	session, conn, lnClient, _ := setupSession(t)
	registerSession(t, session)
	connectSession(t, session, conn, lnClient, nil)

	require.NoError(t, session.ChainFee(context.Background(), ChainFeeInput{TransactionFeeRate: 10}))
	assert.Equal(t, "please confirm a capacity first", conn.lastError(t))
}

func TestChannelOpenMessage(t *testing.T) {
	session, conn, _, _ := setupSession(t)
	registerSession(t, session)

	require.NoError(t, session.ChannelOpen(&wire.OpenChannelUpdate{FundingTxId: "deadbeef"}, ""))
	channelOpen, ok := conn.lastMessage(t).(*ChannelOpenMessage)
	require.True(t, ok)
	assert.Equal(t, "deadbeef", channelOpen.TxId)
	assert.Equal(t, testExplorerURL+"/tx/deadbeef", channelOpen.URL)
}

func TestChannelOpenErrorShownVerbatim(t *testing.T) {
	session, conn, _, _ := setupSession(t)
	registerSession(t, session)

	require.NoError(t, session.ChannelOpen(nil, "not enough witness outputs to create funding transaction"))
	assert.Equal(t, "not enough witness outputs to create funding transaction", conn.lastError(t))
}

func TestConnectedMessageSerializesNullData(t *testing.T) {
	data, err := json.Marshal(&ConnectedMessage{Action: constants.ACTION_CONNECTED})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"connected","data":null}`, string(data))
}
