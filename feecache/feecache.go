// Package feecache maintains the on-chain fee menu offered to visitors. It
// refreshes recommended rates from a mempool API, persists them and serves
// reads from a short-lived in-process cache.
package feecache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/maypok86/otter"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lnfoundry/capacityhub/db"
	"github.com/lnfoundry/capacityhub/logger"
)

const (
	feeMenuCacheKey = "fee_menu"
	feeMenuCacheTTL = 30 * time.Second
	fetchTimeout    = 10 * time.Second
)

// FeeOption is one selectable transaction fee rate with the confirmation
// target it buys.
type FeeOption struct {
	Label      string `json:"label"`
	ConfTarget int32  `json:"conf_target"`
	SatPerByte int64  `json:"sat_per_byte"`
}

// recommendedFees is the response shape of mempool.space's
// /v1/fees/recommended endpoint.
type recommendedFees struct {
	FastestFee  int64 `json:"fastestFee"`
	HalfHourFee int64 `json:"halfHourFee"`
	HourFee     int64 `json:"hourFee"`
	EconomyFee  int64 `json:"economyFee"`
	MinimumFee  int64 `json:"minimumFee"`
}

type Service struct {
	db         *gorm.DB
	mempoolApi string
	httpClient *http.Client
	cache      otter.Cache[string, []FeeOption]
}

func NewService(gormDB *gorm.DB, mempoolApi string) *Service {
	cache, err := otter.MustBuilder[string, []FeeOption](16).
		WithTTL(feeMenuCacheTTL).
		Build()
	if err != nil {
		panic("failed to create fee menu cache: " + err.Error())
	}

	return &Service{
		db:         gormDB,
		mempoolApi: mempoolApi,
		httpClient: &http.Client{Timeout: fetchTimeout},
		cache:      cache,
	}
}

// Refresh fetches the recommended rates and upserts one estimate row per
// confirmation target.
func (svc *Service) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.mempoolApi+"/v1/fees/recommended", nil)
	if err != nil {
		return err
	}

	resp, err := svc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch recommended fees: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from fee endpoint", resp.StatusCode)
	}

	var fees recommendedFees
	if err := json.NewDecoder(resp.Body).Decode(&fees); err != nil {
		return fmt.Errorf("failed to decode recommended fees: %w", err)
	}

	estimates := []db.SmartFeeEstimate{
		{ConfTarget: 1, Label: "Fastest", SatPerByte: fees.FastestFee},
		{ConfTarget: 3, Label: "Half hour", SatPerByte: fees.HalfHourFee},
		{ConfTarget: 6, Label: "One hour", SatPerByte: fees.HourFee},
		{ConfTarget: 144, Label: "Economy", SatPerByte: fees.EconomyFee},
	}
	for _, estimate := range estimates {
		err = svc.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conf_target"}},
			DoUpdates: clause.AssignmentColumns([]string{"label", "sat_per_byte", "updated_at"}),
		}).Create(&estimate).Error
		if err != nil {
			return err
		}
	}

	svc.cache.Delete(feeMenuCacheKey)
	logger.Logger.Info().
		Int64("fastest", fees.FastestFee).
		Int64("economy", fees.EconomyFee).
		Msg("Refreshed fee estimates")
	return nil
}

// FeeMenu returns the stored estimates ordered fastest first, with targets
// that resolve to the same rate collapsed into the faster one.
func (svc *Service) FeeMenu() ([]FeeOption, error) {
	if cached, ok := svc.cache.Get(feeMenuCacheKey); ok {
		return cached, nil
	}

	var estimates []db.SmartFeeEstimate
	err := svc.db.Order("conf_target asc").Find(&estimates).Error
	if err != nil {
		return nil, err
	}

	options := make([]FeeOption, 0, len(estimates))
	var lastRate int64 = -1
	for _, estimate := range estimates {
		if estimate.SatPerByte == lastRate {
			continue
		}
		lastRate = estimate.SatPerByte
		options = append(options, FeeOption{
			Label:      estimate.Label,
			ConfTarget: estimate.ConfTarget,
			SatPerByte: estimate.SatPerByte,
		})
	}

	svc.cache.Set(feeMenuCacheKey, options)
	return options, nil
}

func (svc *Service) Close() {
	svc.cache.Close()
}
