package db

import (
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lnfoundry/capacityhub/logger"
)

func NewDB(uri string, logDBQueries bool) (*gorm.DB, error) {
	gormLogLevel := gormlogger.Silent
	if logDBQueries {
		gormLogLevel = gormlogger.Info
	}

	gormDB, err := gorm.Open(sqlite.Open(uri), &gorm.Config{
		Logger: gormlogger.New(&gormLogAdapter{}, gormlogger.Config{
			SlowThreshold: time.Second,
			LogLevel:      gormLogLevel,
		}),
	})
	if err != nil {
		return nil, err
	}

	// sqlite serves several processes at once, keep it well-behaved
	err = gormDB.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;").Error
	if err != nil {
		return nil, err
	}

	return gormDB, nil
}

func Stop(gormDB *gorm.DB) error {
	sqlDB, err := gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormLogAdapter struct{}

func (a *gormLogAdapter) Printf(format string, v ...interface{}) {
	logger.Logger.WithLevel(zerolog.DebugLevel).Msgf(format, v...)
}
