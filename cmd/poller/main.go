package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/lnfoundry/capacityhub/constants"
	"github.com/lnfoundry/capacityhub/feecache"
	"github.com/lnfoundry/capacityhub/logger"
	"github.com/lnfoundry/capacityhub/mirror"
	"github.com/lnfoundry/capacityhub/service"
)

func main() {
	osSignalChannel := make(chan os.Signal, 1)
	signal.Notify(osSignalChannel, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-osSignalChannel
		cancel()
	}()

	svc, err := service.NewService(ctx, service.Options{RequireLNClient: true})
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to create service")
		return
	}
	defer svc.Shutdown()
	logger.Logger.Info().Msg("Poller starting")

	mirrorSvc := mirror.NewService(svc.GetDB(), svc.GetLNClient())
	feeSvc := feecache.NewService(svc.GetDB(), svc.GetConfig().GetEnv().MempoolApi)
	defer feeSvc.Close()

	// run both once at startup so a fresh deployment has data immediately
	if err := mirrorSvc.SyncAll(ctx); err != nil {
		logger.Logger.Error().Err(err).Msg("Initial mirror sync failed")
	}
	if err := feeSvc.Refresh(ctx); err != nil {
		logger.Logger.Error().Err(err).Msg("Initial fee refresh failed")
	}

	c := cron.New()
	_, err = c.AddFunc(constants.MIRROR_SYNC_SCHEDULE, func() {
		if err := mirrorSvc.SyncAll(ctx); err != nil {
			logger.Logger.Error().Err(err).Msg("Mirror sync failed")
		}
	})
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to schedule mirror sync")
		return
	}
	_, err = c.AddFunc(constants.FEE_ESTIMATE_SCHEDULE, func() {
		if err := feeSvc.Refresh(ctx); err != nil {
			logger.Logger.Error().Err(err).Msg("Fee refresh failed")
		}
	})
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to schedule fee refresh")
		return
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	logger.Logger.Info().Msg("Poller exited")
}
