package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lnfoundry/capacityhub/constants"
	"github.com/lnfoundry/capacityhub/logger"
	"github.com/lnfoundry/capacityhub/service"
	"github.com/lnfoundry/capacityhub/watcher"
	"github.com/lnfoundry/capacityhub/wire"
)

const retryDelay = 5 * time.Second

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
	logger.Logger.Info().Msg("Invoice watcher starting")

	serverID, err := svc.GetConfig().GetServerID(constants.SERVER_NAME_INVOICE_WATCHER)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to load server id")
		return
	}
	relayURL := svc.GetConfig().GetEnv().RelayWebsocketUrl

	// the relay or the node stream can drop at any time; the settle index
	// is durable, so reconnecting and resuming is always safe
	for ctx.Err() == nil {
		relayClient, err := wire.Dial(relayURL)
		if err != nil {
			logger.Logger.Error().Err(err).Msg("Failed to connect to relay")
			sleepCtx(ctx, retryDelay)
			continue
		}

		w := watcher.NewWatcher(svc.GetDB(), svc.GetLNClient(), relayClient, serverID)
		err = w.Run(ctx)
		relayClient.Close()
		if ctx.Err() != nil {
			break
		}
		logger.Logger.Error().Err(err).Msg("Invoice watcher stopped, restarting")
		sleepCtx(ctx, retryDelay)
	}

	logger.Logger.Info().Msg("Invoice watcher exited")
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
