package models

import "time"

// Project owns purchase orders and accumulates realized cost as their
// deliveries complete. ActualCost is append-only from the engine's
// perspective; reversal paths live elsewhere.
type Project struct {
	ID         string    `json:"id" db:"id"`
	CompanyID  string    `json:"company_id" db:"company_id"`
	Name       string    `json:"name" db:"name"`
	Budget     float64   `json:"budget" db:"budget"`
	ActualCost float64   `json:"actual_cost" db:"actual_cost"`
	Variance   float64   `json:"variance" db:"variance"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// RollupStatus is the lifecycle of a project cost rollup record.
type RollupStatus string

const (
	// RollupStatusPending means the rollup row is committed but the project
	// accumulator has not been incremented yet.
	RollupStatusPending RollupStatus = "pending"
	// RollupStatusApplied means the amount has been added to the project.
	RollupStatusApplied RollupStatus = "applied"
)

// ProjectRollup is the outbox row recording one realized-cost increment. The
// unique delivery reference keys idempotency: re-running the propagator for
// the same completion inserts nothing and applies nothing twice.
type ProjectRollup struct {
	ID         string       `json:"id" db:"id"`
	CompanyID  string       `json:"company_id" db:"company_id"`
	ProjectID  string       `json:"project_id" db:"project_id"`
	OrderID    string       `json:"order_id" db:"order_id"`
	DeliveryID string       `json:"delivery_id" db:"delivery_id"`
	Amount     float64      `json:"amount" db:"amount"`
	Status     RollupStatus `json:"status" db:"status"`
	AppliedAt  *time.Time   `json:"applied_at,omitempty" db:"applied_at"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
}
