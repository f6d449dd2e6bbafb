package migrations

import (
	"gorm.io/gorm"

	"github.com/lnfoundry/capacityhub/db"
)

func Migrate(gormDB *gorm.DB) error {
	return gormDB.AutoMigrate(
		&db.UserConfig{},
		&db.CapacityRequest{},
		&db.Invoice{},
		&db.Channel{},
		&db.ForwardingEvent{},
		&db.BalanceSnapshot{},
		&db.SmartFeeEstimate{},
		&db.ServiceState{},
	)
}
