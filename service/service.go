// Package service wires the shared infrastructure used by every process:
// environment, logging, database, config and the node client.
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gorm.io/gorm"

	"github.com/lnfoundry/capacityhub/config"
	"github.com/lnfoundry/capacityhub/db"
	"github.com/lnfoundry/capacityhub/db/migrations"
	"github.com/lnfoundry/capacityhub/events"
	"github.com/lnfoundry/capacityhub/lnclient"
	"github.com/lnfoundry/capacityhub/lnclient/lnd"
	"github.com/lnfoundry/capacityhub/logger"
	"github.com/lnfoundry/capacityhub/notify"
)

type service struct {
	cfg            config.Config
	db             *gorm.DB
	lnClient       lnclient.LNClient
	eventPublisher events.EventPublisher
}

// Options control which optional pieces a process needs. The relay does not
// spend, so it can run without a node client only when one is unreachable.
type Options struct {
	// connect to the node over RPC; all processes except the poller's
	// offline commands want this
	RequireLNClient bool
}

func NewService(ctx context.Context, options Options) (*service, error) {
	// ignore errors, the file may not exist
	godotenv.Load(".env")

	appConfig := &config.AppConfig{}
	err := envconfig.Process("", appConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	logger.Init(appConfig.LogLevel)

	workDir, err := getWorkDir(appConfig)
	if err != nil {
		return nil, err
	}
	appConfig.Workdir = workDir

	if appConfig.LogToFile {
		logger.AddFileLogger(workDir)
	}

	databaseUri := appConfig.DatabaseUri
	// relative sqlite paths land in the workdir, next to the logs
	if !filepath.IsAbs(databaseUri) && !isMemoryDatabase(databaseUri) {
		databaseUri = filepath.Join(workDir, databaseUri)
	}

	gormDB, err := db.NewDB(databaseUri, appConfig.LogDBQueries)
	if err != nil {
		return nil, err
	}
	if err := migrations.Migrate(gormDB); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	cfg, err := config.NewConfig(appConfig, gormDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create config: %w", err)
	}

	eventPublisher := events.NewEventPublisher()
	if mailer := notify.NewMailer(appConfig); mailer != nil {
		eventPublisher.RegisterSubscriber(mailer)
	}

	var lnClient lnclient.LNClient
	if options.RequireLNClient {
		lnClient, err = lnd.NewLNDService(ctx, appConfig.LNDAddress, appConfig.LNDCertFile, appConfig.LNDMacaroonFile)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to node: %w", err)
		}
	}

	return &service{
		cfg:            cfg,
		db:             gormDB,
		lnClient:       lnClient,
		eventPublisher: eventPublisher,
	}, nil
}

func getWorkDir(appConfig *config.AppConfig) (string, error) {
	workDir := appConfig.Workdir
	if workDir == "" {
		workDir = filepath.Join(xdg.DataHome, "capacityhub")
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workdir: %w", err)
	}
	if err := os.MkdirAll(workDir, os.ModePerm); err != nil {
		return "", fmt.Errorf("failed to create workdir: %w", err)
	}
	return workDir, nil
}

func isMemoryDatabase(uri string) bool {
	return uri == ":memory:" || len(uri) > 5 && uri[:5] == "file:"
}

func (svc *service) GetDB() *gorm.DB {
	return svc.db
}

func (svc *service) GetConfig() config.Config {
	return svc.cfg
}

func (svc *service) GetEventPublisher() events.EventPublisher {
	return svc.eventPublisher
}

func (svc *service) GetLNClient() lnclient.LNClient {
	return svc.lnClient
}

func (svc *service) Shutdown() {
	if svc.lnClient != nil {
		if err := svc.lnClient.Shutdown(); err != nil {
			logger.Logger.Error().Err(err).Msg("Failed to shut down node client")
		}
	}
	if err := db.Stop(svc.db); err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to close database")
	}
}
