package models

import (
	"fmt"
	"time"
)

// DeliveryStatus is the lifecycle state of a single delivery record.
type DeliveryStatus string

const (
	// DeliveryStatusPending is the initial state: recorded but not fulfilled.
	DeliveryStatusPending DeliveryStatus = "pending"
	// DeliveryStatusPartial means in transit / partially fulfilled.
	DeliveryStatusPartial DeliveryStatus = "partial"
	// DeliveryStatusDelivered is terminal. The record is locked: no field but
	// audit metadata may change, and only an elevated role may override.
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	// DeliveryStatusArchived is the soft-deleted state.
	DeliveryStatusArchived DeliveryStatus = "archived"
)

// Delivery is a single delivery event against a purchase order, or a
// synthetic backorder placeholder created by the engine to represent the
// undelivered remainder of a line item.
type Delivery struct {
	ID          string         `json:"id" db:"id"`
	CompanyID   string         `json:"company_id" db:"company_id"`
	OrderID     string         `json:"order_id" db:"order_id"`
	ProductID   string         `json:"product_id" db:"product_id"`
	Status      DeliveryStatus `json:"status" db:"status"`
	DeliveredQty float64       `json:"delivered_qty" db:"delivered_qty"`

	// Backorder fields. RemainingQty is only meaningful when IsBackorder is
	// set; the note mirrors it for human-readable listings.
	IsBackorder  bool    `json:"is_backorder" db:"is_backorder"`
	RemainingQty float64 `json:"remaining_qty" db:"remaining_qty"`
	Note         *string `json:"note,omitempty" db:"note"`

	// Proof-of-delivery metadata supplied on status transitions.
	DriverName *string `json:"driver_name,omitempty" db:"driver_name"`
	SignerName *string `json:"signer_name,omitempty" db:"signer_name"`
	ProofURL   *string `json:"proof_url,omitempty" db:"proof_url"`

	CreatedBy   *string    `json:"created_by,omitempty" db:"created_by"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty" db:"archived_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsOpen reports whether the delivery is still in flight (pending or partial).
func (d *Delivery) IsOpen() bool {
	return d.Status == DeliveryStatusPending || d.Status == DeliveryStatusPartial
}

// IsLocked reports whether the record is immutable without an elevated role.
func (d *Delivery) IsLocked() bool {
	return d.Status == DeliveryStatusDelivered || d.Status == DeliveryStatusArchived
}

// BackorderNote renders the human-readable note carried on backorder rows.
// The prefix matches what operators see in delivery listings.
func BackorderNote(remaining float64) string {
	return fmt.Sprintf("Backorder remaining %g", remaining)
}
