// Package http exposes the relay's public surface: the visitor websocket
// and a small read-only JSON API backing the frontend.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/maypok86/otter"

	"github.com/lnfoundry/capacityhub/constants"
	"github.com/lnfoundry/capacityhub/feecache"
	"github.com/lnfoundry/capacityhub/lnclient"
	"github.com/lnfoundry/capacityhub/logger"
	"github.com/lnfoundry/capacityhub/relay"
)

type ErrorResponse struct {
	Message string `json:"message"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// visitors connect from arbitrary origins, the session id is the only
	// correlation and grants nothing by itself
	CheckOrigin: func(r *http.Request) bool { return true },
}

type HttpService struct {
	router    *relay.Router
	registry  *relay.Registry
	lnClient  lnclient.LNClient
	feeSvc    *feecache.Service
	infoCache otter.Cache[string, *lnclient.NodeInfo]
}

func NewHttpService(router *relay.Router, registry *relay.Registry, lnClient lnclient.LNClient, feeSvc *feecache.Service) *HttpService {
	infoCache, err := otter.MustBuilder[string, *lnclient.NodeInfo](4).
		WithTTL(time.Minute).
		Build()
	if err != nil {
		panic("failed to create node info cache: " + err.Error())
	}

	return &HttpService{
		router:    router,
		registry:  registry,
		lnClient:  lnClient,
		feeSvc:    feeSvc,
		infoCache: infoCache,
	}
}

func (httpSvc *HttpService) RegisterSharedRoutes(e *echo.Echo) {
	e.HideBanner = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogRemoteIP: true,
		LogValuesFunc: func(c echo.Context, values middleware.RequestLoggerValues) error {
			logger.HttpLogger.Info().
				Str("uri", values.URI).
				Int("status", values.Status).
				Str("remote_ip", values.RemoteIP).
				Msg("handled API request")
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/ws", httpSvc.websocketHandler)
	e.GET("/api/info", httpSvc.infoHandler)
	e.GET("/api/fees", httpSvc.feesHandler)
	e.GET("/api/capacity-options", httpSvc.capacityOptionsHandler)
}

// wsConn adapts a gorilla connection to the relay's Conn interface. The
// relay writes from multiple goroutines, gorilla allows only one writer.
type wsConn struct {
	conn     *websocket.Conn
	writeMtx sync.Mutex
}

func (c *wsConn) WriteJSON(v interface{}) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	return c.conn.WriteJSON(v)
}

func (httpSvc *HttpService) websocketHandler(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	wrapped := &wsConn{conn: conn}
	ctx := context.Background()
	var sessionID string

	defer func() {
		httpSvc.router.HandleDisconnect(wrapped, sessionID)
		conn.Close()
		logger.Logger.Info().
			Str("session_id", sessionID).
			Msg("Websocket connection closed")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Logger.Error().Err(err).Msg("Websocket read failed")
			}
			return nil
		}

		handledSessionID := httpSvc.router.HandleMessage(ctx, wrapped, data)
		if sessionID == "" {
			sessionID = handledSessionID
		}
	}
}

type infoResponse struct {
	Node           *lnclient.NodeInfo `json:"node"`
	ActiveSessions int                `json:"active_sessions"`
}

func (httpSvc *HttpService) infoHandler(c echo.Context) error {
	info, ok := httpSvc.infoCache.Get("info")
	if !ok {
		var err error
		info, err = httpSvc.lnClient.GetInfo(c.Request().Context())
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{
				Message: err.Error(),
			})
		}
		httpSvc.infoCache.Set("info", info)
	}

	return c.JSON(http.StatusOK, infoResponse{
		Node:           info,
		ActiveSessions: httpSvc.registry.SessionCount(),
	})
}

func (httpSvc *HttpService) feesHandler(c echo.Context) error {
	options, err := httpSvc.feeSvc.FeeMenu()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Message: err.Error(),
		})
	}
	return c.JSON(http.StatusOK, options)
}

type capacityOption struct {
	Capacity int64 `json:"capacity"`
}

type capacityFeeRateOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type capacityOptionsResponse struct {
	Capacities []capacityOption        `json:"capacities"`
	FeeRates   []capacityFeeRateOption `json:"fee_rates"`
}

func (httpSvc *HttpService) capacityOptionsHandler(c echo.Context) error {
	response := capacityOptionsResponse{}
	for _, capacity := range constants.CapacityChoices {
		response.Capacities = append(response.Capacities, capacityOption{Capacity: capacity})
	}
	for _, rate := range constants.CapacityFeeRates {
		response.FeeRates = append(response.FeeRates, capacityFeeRateOption{
			Value: rate.Value,
			Label: rate.Label,
		})
	}
	return c.JSON(http.StatusOK, response)
}
