package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lnfoundry/capacityhub/constants"
	"github.com/lnfoundry/capacityhub/db"
	"github.com/lnfoundry/capacityhub/logger"
)

type config struct {
	Env        *AppConfig
	db         *gorm.DB
	cache      map[string]string
	cacheMutex sync.Mutex
}

func NewConfig(env *AppConfig, gormDB *gorm.DB) (*config, error) {
	cfg := &config{
		Env:   env,
		db:    gormDB,
		cache: map[string]string{},
	}

	// mint the backend server ids once per deployment; they are the
	// access-control boundary between visitors and the trusted processes
	// and must never appear in client-visible code
	for _, serverName := range []string{
		constants.SERVER_NAME_INVOICE_WATCHER,
		constants.SERVER_NAME_FUNDING_WORKER,
	} {
		err := cfg.SetIgnore(serverIDKey(serverName), uuid.NewString())
		if err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func serverIDKey(serverName string) string {
	return "ServerID/" + serverName
}

func (cfg *config) Get(key string) (string, error) {
	cfg.cacheMutex.Lock()
	defer cfg.cacheMutex.Unlock()

	if cachedValue, ok := cfg.cache[key]; ok {
		return cachedValue, nil
	}

	var userConfig db.UserConfig
	result := cfg.db.Where(&db.UserConfig{Key: key}).Limit(1).Find(&userConfig)
	if result.Error != nil {
		return "", fmt.Errorf("failed to get configuration value: %w", result.Error)
	}

	cfg.cache[key] = userConfig.Value
	return userConfig.Value, nil
}

func (cfg *config) set(key string, value string, clauses clause.OnConflict) error {
	userConfig := db.UserConfig{Key: key, Value: value}
	result := cfg.db.Clauses(clauses).Create(&userConfig)
	if result.Error != nil {
		return fmt.Errorf("failed to save key to config: %w", result.Error)
	}

	cfg.cacheMutex.Lock()
	defer cfg.cacheMutex.Unlock()
	delete(cfg.cache, key)

	return nil
}

func (cfg *config) SetIgnore(key string, value string) error {
	clauses := clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoNothing: true,
	}
	err := cfg.set(key, value, clauses)
	if err != nil {
		logger.Logger.Error().Err(err).Str("key", key).Msg("Failed to set config key with ignore")
		return err
	}
	return nil
}

func (cfg *config) SetUpdate(key string, value string) error {
	clauses := clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}
	err := cfg.set(key, value, clauses)
	if err != nil {
		logger.Logger.Error().Err(err).Str("key", key).Msg("Failed to set config key with update")
		return err
	}
	return nil
}

// GetServerID returns the persistent id identifying a trusted backend
// process on the relay socket.
func (cfg *config) GetServerID(serverName string) (string, error) {
	serverID, err := cfg.Get(serverIDKey(serverName))
	if err != nil {
		return "", err
	}
	if serverID == "" {
		return "", fmt.Errorf("no server id stored for %s", serverName)
	}
	return serverID, nil
}

func (cfg *config) GetEnv() *AppConfig {
	return cfg.Env
}

func (cfg *config) GetDefaultWorkDir() string {
	if cfg.Env.Workdir != "" {
		return cfg.Env.Workdir
	}
	return filepath.Join(xdg.DataHome, "capacityhub")
}
