package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/lnfoundry/capacityhub/config"
	"github.com/lnfoundry/capacityhub/constants"
	"github.com/lnfoundry/capacityhub/db"
	"github.com/lnfoundry/capacityhub/events"
	"github.com/lnfoundry/capacityhub/lnclient"
	"github.com/lnfoundry/capacityhub/tests/mocks"
	"github.com/lnfoundry/capacityhub/wire"
)

func setupRouter(t *testing.T) (*Router, *Registry, *mocks.MockLNClient, *gorm.DB, config.Config) {
	gormDB := setupTestDB(t)
	lnClient := mocks.NewMockLNClient()
	registry := NewRegistry()

	cfg, err := config.NewConfig(&config.AppConfig{BlockExplorerUrl: testExplorerURL}, gormDB)
	require.NoError(t, err)

	router, err := NewRouter(gormDB, lnClient, registry, events.NewEventPublisher(), cfg)
	require.NoError(t, err)
	return router, registry, lnClient, gormDB, cfg
}

func marshalEnvelope(t *testing.T, envelope *wire.Envelope) []byte {
	data, err := json.Marshal(envelope)
	require.NoError(t, err)
	return data
}

func TestRouterDropsMalformedJSON(t *testing.T) {
	router, _, _, _, _ := setupRouter(t)
	conn := &fakeConn{}

	assert.Empty(t, router.HandleMessage(context.Background(), conn, []byte("{not json")))
	assert.Empty(t, conn.messages)
}

func TestRouterDropsInvalidSessionID(t *testing.T) {
	router, _, _, _, _ := setupRouter(t)
	conn := &fakeConn{}

	data := marshalEnvelope(t, &wire.Envelope{SessionID: "not-a-uuid", Action: constants.ACTION_REGISTER})
	assert.Empty(t, router.HandleMessage(context.Background(), conn, data))
	assert.Empty(t, conn.messages)
}

func TestRouterDropsUnknownServerID(t *testing.T) {
	router, registry, _, _, _ := setupRouter(t)
	conn := &fakeConn{}

	data := marshalEnvelope(t, &wire.Envelope{
		SessionID: uuid.NewString(),
		ServerID:  uuid.NewString(),
		Action:    constants.ACTION_REGISTER,
	})
	assert.Empty(t, router.HandleMessage(context.Background(), conn, data))
	assert.Empty(t, conn.messages)
	assert.Nil(t, registry.FundingConn())
}

func TestRouterRegistersVisitor(t *testing.T) {
	router, registry, _, _, _ := setupRouter(t)
	conn := &fakeConn{}
	sessionID := uuid.NewString()

	data := marshalEnvelope(t, &wire.Envelope{SessionID: sessionID, Action: constants.ACTION_REGISTER})
	assert.Equal(t, sessionID, router.HandleMessage(context.Background(), conn, data))

	require.NotNil(t, registry.Get(sessionID))
	_, ok := conn.lastMessage(t).(*RegisteredMessage)
	assert.True(t, ok)
}

func TestRouterDropsActionForUnregisteredSession(t *testing.T) {
	router, _, _, _, _ := setupRouter(t)
	conn := &fakeConn{}

	data := marshalEnvelope(t, &wire.Envelope{
		SessionID: uuid.NewString(),
		Action:    constants.ACTION_CONNECT,
		FormData:  []wire.FormField{{Name: "pub_key", Value: testPubkeyInput}},
	})
	router.HandleMessage(context.Background(), conn, data)
	assert.Empty(t, conn.messages)
}

func TestRouterDispatchesConnect(t *testing.T) {
	router, _, lnClient, _, _ := setupRouter(t)
	conn := &fakeConn{}
	sessionID := uuid.NewString()

	router.HandleMessage(context.Background(), conn,
		marshalEnvelope(t, &wire.Envelope{SessionID: sessionID, Action: constants.ACTION_REGISTER}))

	lnClient.On("ConnectPeer", mock.Anything, mock.Anything).Return(nil).Once()
	lnClient.On("ListChannels", mock.Anything).Return([]lnclient.Channel{}, nil).Once()

	router.HandleMessage(context.Background(), conn, marshalEnvelope(t, &wire.Envelope{
		SessionID: sessionID,
		Action:    constants.ACTION_CONNECT,
		FormData:  []wire.FormField{{Name: "pub_key", Value: testPubkeyInput}},
	}))

	_, ok := conn.lastMessage(t).(*ConnectedMessage)
	assert.True(t, ok)
	lnClient.AssertExpectations(t)
}

func TestRouterRejectsNonNumericCapacity(t *testing.T) {
	router, _, _, _, _ := setupRouter(t)
	conn := &fakeConn{}
	sessionID := uuid.NewString()

	router.HandleMessage(context.Background(), conn,
		marshalEnvelope(t, &wire.Envelope{SessionID: sessionID, Action: constants.ACTION_REGISTER}))

	router.HandleMessage(context.Background(), conn, marshalEnvelope(t, &wire.Envelope{
		SessionID: sessionID,
		Action:    constants.ACTION_CAPACITY_REQUEST,
		FormData: []wire.FormField{
			{Name: "capacity", Value: "lots"},
			{Name: "capacity_fee_rate", Value: "0.02"},
		},
	}))
	assert.Equal(t, "capacity must be a number", conn.lastError(t))
}

// runs a full negotiation so settlement and channel-open routing can be
// exercised against a realistic request row
func negotiateToInvoice(t *testing.T, router *Router, lnClient *mocks.MockLNClient, conn *fakeConn, sessionID string) {
	ctx := context.Background()

	router.HandleMessage(ctx, conn,
		marshalEnvelope(t, &wire.Envelope{SessionID: sessionID, Action: constants.ACTION_REGISTER}))

	lnClient.On("ConnectPeer", mock.Anything, mock.Anything).Return(nil).Once()
	lnClient.On("ListChannels", mock.Anything).Return([]lnclient.Channel{}, nil).Once()
	router.HandleMessage(ctx, conn, marshalEnvelope(t, &wire.Envelope{
		SessionID: sessionID,
		Action:    constants.ACTION_CONNECT,
		FormData:  []wire.FormField{{Name: "pub_key", Value: testPubkeyInput}},
	}))

	router.HandleMessage(ctx, conn, marshalEnvelope(t, &wire.Envelope{
		SessionID: sessionID,
		Action:    constants.ACTION_CAPACITY_REQUEST,
		FormData: []wire.FormField{
			{Name: "capacity", Value: "1000000"},
			{Name: "capacity_fee_rate", Value: "0.02"},
		},
	}))

	lnClient.On("AddInvoice", mock.Anything, int64(25_000), mock.Anything).Return(&lnclient.AddInvoiceResponse{
		RHash:          "feed1234",
		PaymentRequest: "lnbc250u1fakeinvoice",
	}, nil).Once()
	router.HandleMessage(ctx, conn, marshalEnvelope(t, &wire.Envelope{
		SessionID: sessionID,
		Action:    constants.ACTION_CHAIN_FEE,
		FormData:  []wire.FormField{{Name: "transaction_fee_rate", Value: "10"}},
	}))

	_, ok := conn.lastMessage(t).(*PaymentRequestMessage)
	require.True(t, ok, "expected payment request, got %T", conn.lastMessage(t))
}

func TestRouterSettlementFlow(t *testing.T) {
	router, registry, lnClient, gormDB, cfg := setupRouter(t)
	visitorConn := &fakeConn{}
	workerConn := &fakeConn{}
	sessionID := uuid.NewString()
	ctx := context.Background()

	negotiateToInvoice(t, router, lnClient, visitorConn, sessionID)

	watcherServerID, err := cfg.GetServerID(constants.SERVER_NAME_INVOICE_WATCHER)
	require.NoError(t, err)
	fundingServerID, err := cfg.GetServerID(constants.SERVER_NAME_FUNDING_WORKER)
	require.NoError(t, err)

	// the funding worker registers first
	router.HandleMessage(ctx, workerConn, marshalEnvelope(t, &wire.Envelope{
		SessionID: uuid.NewString(),
		ServerID:  fundingServerID,
		Action:    constants.ACTION_REGISTER,
	}))
	require.NotNil(t, registry.FundingConn())

	// the watcher reports the settlement
	router.HandleMessage(ctx, &fakeConn{}, marshalEnvelope(t, &wire.Envelope{
		SessionID: sessionID,
		ServerID:  watcherServerID,
		Action:    constants.ACTION_RECEIVE_PAYMENT,
		InvoiceData: &wire.InvoiceData{
			RHash:      "feed1234",
			AmtPaidSat: 25_000,
		},
	}))

	// visitor is told the payment arrived
	_, ok := visitorConn.lastMessage(t).(*ReceivePaymentMessage)
	assert.True(t, ok, "expected receive_payment, got %T", visitorConn.lastMessage(t))

	// worker received the open-channel instruction
	instruction, ok := workerConn.lastMessage(t).(*wire.Envelope)
	require.True(t, ok)
	assert.Equal(t, sessionID, instruction.SessionID)
	assert.Equal(t, testPubkey, instruction.RemotePubkey)
	assert.Equal(t, int64(1_000_000), instruction.LocalFundingAmount)
	assert.Equal(t, int64(10), instruction.SatPerByte)

	var request db.CapacityRequest
	require.NoError(t, gormDB.Where("session_id = ?", sessionID).First(&request).Error)
	assert.Equal(t, constants.CAPACITY_REQUEST_STATUS_PAYMENT_RECEIVED, request.Status)

	// duplicate settlement must not trigger a second instruction
	instructionsBefore := len(workerConn.messages)
	router.HandleMessage(ctx, &fakeConn{}, marshalEnvelope(t, &wire.Envelope{
		SessionID: sessionID,
		ServerID:  watcherServerID,
		Action:    constants.ACTION_RECEIVE_PAYMENT,
		InvoiceData: &wire.InvoiceData{
			RHash:      "feed1234",
			AmtPaidSat: 25_000,
		},
	}))
	assert.Equal(t, instructionsBefore, len(workerConn.messages))

	// worker reports success, visitor gets the explorer link
	router.HandleMessage(ctx, workerConn, marshalEnvelope(t, &wire.Envelope{
		SessionID:         sessionID,
		ServerID:          fundingServerID,
		Action:            constants.ACTION_CHANNEL_OPEN,
		OpenChannelUpdate: &wire.OpenChannelUpdate{FundingTxId: "deadbeef"},
	}))

	channelOpen, ok := visitorConn.lastMessage(t).(*ChannelOpenMessage)
	require.True(t, ok, "expected channel_open, got %T", visitorConn.lastMessage(t))
	assert.Equal(t, fmt.Sprintf("%s/tx/deadbeef", testExplorerURL), channelOpen.URL)

	require.NoError(t, gormDB.Where("session_id = ?", sessionID).First(&request).Error)
	assert.Equal(t, constants.CAPACITY_REQUEST_STATUS_CHANNEL_OPENED, request.Status)
}

func TestRouterSettlementRejectsAmountMismatch(t *testing.T) {
	// the settled amount must match the invoiced total fee exactly; both a
	// short payment and an excess payment leave the request untouched
	for name, amtPaidSat := range map[string]int64{
		"underpaid": 1,
		"overpaid":  26_000,
	} {
		t.Run(name, func(t *testing.T) {
			router, _, lnClient, gormDB, cfg := setupRouter(t)
			visitorConn := &fakeConn{}
			workerConn := &fakeConn{}
			sessionID := uuid.NewString()
			ctx := context.Background()

			negotiateToInvoice(t, router, lnClient, visitorConn, sessionID)

			watcherServerID, err := cfg.GetServerID(constants.SERVER_NAME_INVOICE_WATCHER)
			require.NoError(t, err)
			fundingServerID, err := cfg.GetServerID(constants.SERVER_NAME_FUNDING_WORKER)
			require.NoError(t, err)
			router.HandleMessage(ctx, workerConn, marshalEnvelope(t, &wire.Envelope{
				SessionID: uuid.NewString(),
				ServerID:  fundingServerID,
				Action:    constants.ACTION_REGISTER,
			}))

			router.HandleMessage(ctx, &fakeConn{}, marshalEnvelope(t, &wire.Envelope{
				SessionID: sessionID,
				ServerID:  watcherServerID,
				Action:    constants.ACTION_RECEIVE_PAYMENT,
				InvoiceData: &wire.InvoiceData{
					RHash:      "feed1234",
					AmtPaidSat: amtPaidSat,
				},
			}))

			assert.Len(t, workerConn.messages, 0)
			var request db.CapacityRequest
			require.NoError(t, gormDB.Where("session_id = ?", sessionID).First(&request).Error)
			assert.Equal(t, constants.CAPACITY_REQUEST_STATUS_INVOICE_SENT, request.Status)
		})
	}
}

func TestRouterWorkerErrorReachesVisitor(t *testing.T) {
	router, _, lnClient, gormDB, cfg := setupRouter(t)
	visitorConn := &fakeConn{}
	workerConn := &fakeConn{}
	sessionID := uuid.NewString()
	ctx := context.Background()

	negotiateToInvoice(t, router, lnClient, visitorConn, sessionID)

	fundingServerID, err := cfg.GetServerID(constants.SERVER_NAME_FUNDING_WORKER)
	require.NoError(t, err)

	router.HandleMessage(ctx, workerConn, marshalEnvelope(t, &wire.Envelope{
		SessionID: sessionID,
		ServerID:  fundingServerID,
		Action:    constants.ACTION_CHANNEL_OPEN,
		Error:     "peer disconnected during funding",
	}))

	assert.Equal(t, "peer disconnected during funding", visitorConn.lastError(t))

	// error results never advance the saga
	var request db.CapacityRequest
	require.NoError(t, gormDB.Where("session_id = ?", sessionID).First(&request).Error)
	assert.Equal(t, constants.CAPACITY_REQUEST_STATUS_INVOICE_SENT, request.Status)
}

func TestRouterDisconnectCleansUp(t *testing.T) {
	router, registry, _, _, cfg := setupRouter(t)
	visitorConn := &fakeConn{}
	workerConn := &fakeConn{}
	sessionID := uuid.NewString()
	ctx := context.Background()

	router.HandleMessage(ctx, visitorConn,
		marshalEnvelope(t, &wire.Envelope{SessionID: sessionID, Action: constants.ACTION_REGISTER}))
	require.NotNil(t, registry.Get(sessionID))

	fundingServerID, err := cfg.GetServerID(constants.SERVER_NAME_FUNDING_WORKER)
	require.NoError(t, err)
	router.HandleMessage(ctx, workerConn, marshalEnvelope(t, &wire.Envelope{
		SessionID: uuid.NewString(),
		ServerID:  fundingServerID,
		Action:    constants.ACTION_REGISTER,
	}))
	require.NotNil(t, registry.FundingConn())

	router.HandleDisconnect(visitorConn, sessionID)
	assert.Nil(t, registry.Get(sessionID))
	// the visitor's disconnect must not drop the worker connection
	assert.NotNil(t, registry.FundingConn())

	router.HandleDisconnect(workerConn, "")
	assert.Nil(t, registry.FundingConn())
}
