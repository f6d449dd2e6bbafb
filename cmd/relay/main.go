package main

import (
	"context"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lnfoundry/capacityhub/feecache"
	"github.com/lnfoundry/capacityhub/http"
	"github.com/lnfoundry/capacityhub/logger"
	"github.com/lnfoundry/capacityhub/relay"
	"github.com/lnfoundry/capacityhub/service"
)

func main() {
	osSignalChannel := make(chan os.Signal, 1)
	signal.Notify(osSignalChannel, os.Interrupt, syscall.SIGTERM, syscall.SIGPIPE)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		for {
			signal := <-osSignalChannel
			logger.Logger.Info().Interface("signal", signal).Msg("Received OS signal")
			if signal == syscall.SIGPIPE {
				continue
			}
			cancel()
			break
		}
	}()

	svc, err := service.NewService(ctx, service.Options{RequireLNClient: true})
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to create service")
		return
	}
	logger.Logger.Info().Msg("Capacity relay starting")

	registry := relay.NewRegistry()
	router, err := relay.NewRouter(svc.GetDB(), svc.GetLNClient(), registry, svc.GetEventPublisher(), svc.GetConfig())
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to create message router")
		return
	}

	feeSvc := feecache.NewService(svc.GetDB(), svc.GetConfig().GetEnv().MempoolApi)
	defer feeSvc.Close()

	e := echo.New()
	httpSvc := http.NewHttpService(router, registry, svc.GetLNClient(), feeSvc)
	httpSvc.RegisterSharedRoutes(e)

	go func() {
		if err := e.Start(fmt.Sprintf(":%v", svc.GetConfig().GetEnv().Port)); err != nil && err != nethttp.ErrServerClosed {
			logger.Logger.Error().Err(err).Msg("echo server failed to start")
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Logger.Info().Msg("Shutting down echo server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to shutdown echo server")
	}
	svc.Shutdown()
	logger.Logger.Info().Msg("Capacity relay exited")
}
