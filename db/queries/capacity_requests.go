package queries

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/lnfoundry/capacityhub/constants"
	"github.com/lnfoundry/capacityhub/db"
)

// GetCapacityRequestBySessionID returns the request for a session, or nil
// when none exists.
func GetCapacityRequestBySessionID(gormDB *gorm.DB, sessionID string) (*db.CapacityRequest, error) {
	var request db.CapacityRequest
	// Find instead of First to avoid "record not found" logs on misses
	result := gormDB.Where("session_id = ?", sessionID).Find(&request)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to read capacity request for session %s: %w", sessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &request, nil
}

// GetCapacityRequestByInvoiceRHash correlates a settled invoice back to its
// capacity request, or returns nil when the invoice is unrelated.
func GetCapacityRequestByInvoiceRHash(gormDB *gorm.DB, rHash string) (*db.CapacityRequest, error) {
	var request db.CapacityRequest
	result := gormDB.Where("invoice_r_hash = ?", rHash).Find(&request)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to read capacity request for invoice %s: %w", rHash, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &request, nil
}

// AdvanceCapacityRequestStatus moves a request forward in the saga. The
// status narrative is append-only: an attempt to move backwards or sideways
// is rejected so duplicate deliveries cannot rewind a session.
func AdvanceCapacityRequestStatus(gormDB *gorm.DB, request *db.CapacityRequest, status string) error {
	newRank := constants.CapacityRequestStatusRank(status)
	if newRank < 0 {
		return fmt.Errorf("unknown capacity request status %q", status)
	}
	if constants.CapacityRequestStatusRank(request.Status) >= newRank {
		return fmt.Errorf("capacity request %d already at status %q, refusing to set %q",
			request.ID, request.Status, status)
	}

	err := gormDB.Model(request).Update("status", status).Error
	if err != nil {
		return fmt.Errorf("failed to advance capacity request %d to %q: %w", request.ID, status, err)
	}
	return nil
}
