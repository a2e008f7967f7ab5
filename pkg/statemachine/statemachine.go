// Package statemachine validates and applies status transitions on a single
// delivery record: pending -> partial -> delivered, with delivered locked and
// archival gated behind elevated roles.
package statemachine

import (
	"time"

	"github.com/12313131dBossza/siteproc-fulfillment/pkg/models"
)

// transitions is the table of valid status moves. delivered has no outgoing
// entries; archival out of delivered is handled separately as a lock
// override.
var transitions = map[models.DeliveryStatus][]models.DeliveryStatus{
	models.DeliveryStatusPending: {models.DeliveryStatusPartial, models.DeliveryStatusDelivered},
	models.DeliveryStatusPartial: {models.DeliveryStatusDelivered},
}

// TransitionRequest carries the target status and the role-specific required
// fields for it.
type TransitionRequest struct {
	Target     models.DeliveryStatus
	DriverName *string
	SignerName *string
	ProofURL   *string
	Note       *string
}

// CanTransition reports whether the transition table allows from -> to.
func CanTransition(from, to models.DeliveryStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Validate checks a transition request against the delivery's current state
// and the actor's role. No state is touched; the first failed guard wins.
// Guard order: role gate, lock, transition table, required fields.
func Validate(d *models.Delivery, req TransitionRequest, role models.Role) error {
	if !role.CanTransitionDelivery() {
		return &models.PermissionError{Role: role, Action: "update deliveries"}
	}

	if d.IsLocked() {
		// Archival of a locked record is a separate override path
		// (ValidateArchive); no status transition leaves delivered. Roles
		// with override authority still get the transition-table rejection
		// so the lock error is reserved for authority failures.
		if !role.CanOverrideLock() {
			return &models.DeliveryLockedError{DeliveryID: d.ID, Status: d.Status}
		}
		return &models.InvalidTransitionError{From: d.Status, To: req.Target}
	}

	if !CanTransition(d.Status, req.Target) {
		return &models.InvalidTransitionError{From: d.Status, To: req.Target}
	}

	switch req.Target {
	case models.DeliveryStatusPartial:
		if req.DriverName == nil || *req.DriverName == "" {
			return models.NewValidationError("driver_name is required for partial delivery")
		}
	case models.DeliveryStatusDelivered:
		if req.SignerName == nil || *req.SignerName == "" {
			return models.NewValidationError("signer_name is required for delivered status")
		}
	case models.DeliveryStatusPending, models.DeliveryStatusArchived:
	default:
		return models.NewValidationError("unknown delivery status %q", req.Target)
	}

	return nil
}

// ValidateArchive checks that the actor may soft-delete the delivery. A
// delivered record may only be archived by a role with lock override.
func ValidateArchive(d *models.Delivery, role models.Role) error {
	if !role.CanArchiveDelivery() {
		return &models.PermissionError{Role: role, Action: "archive deliveries"}
	}

	if d.Status == models.DeliveryStatusArchived {
		return &models.InvalidTransitionError{From: d.Status, To: models.DeliveryStatusArchived}
	}

	if d.Status == models.DeliveryStatusDelivered && !role.CanOverrideLock() {
		return &models.DeliveryLockedError{DeliveryID: d.ID, Status: d.Status}
	}

	return nil
}

// Apply performs a validated transition. Stamps updated_at on any accepted
// transition and delivered_at on the move into delivered.
func Apply(d *models.Delivery, req TransitionRequest, now time.Time) {
	d.Status = req.Target
	d.UpdatedAt = now

	if req.DriverName != nil {
		d.DriverName = req.DriverName
	}
	if req.SignerName != nil {
		d.SignerName = req.SignerName
	}
	if req.ProofURL != nil {
		d.ProofURL = req.ProofURL
	}
	if req.Note != nil {
		d.Note = req.Note
	}

	if req.Target == models.DeliveryStatusDelivered {
		d.DeliveredAt = &now
	}
}

// ApplyArchive performs a validated archival.
func ApplyArchive(d *models.Delivery, now time.Time) {
	d.Status = models.DeliveryStatusArchived
	d.ArchivedAt = &now
	d.UpdatedAt = now
}
