package service

import (
	"gorm.io/gorm"

	"github.com/lnfoundry/capacityhub/config"
	"github.com/lnfoundry/capacityhub/events"
	"github.com/lnfoundry/capacityhub/lnclient"
)

type Service interface {
	GetDB() *gorm.DB
	GetConfig() config.Config
	GetEventPublisher() events.EventPublisher
	GetLNClient() lnclient.LNClient
	Shutdown()
}
