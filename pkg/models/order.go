package models

import "time"

// OrderStatus is the approval lifecycle state of a purchase order. Only the
// transition to complete is owned by this service; the rest belong to the
// approval workflow.
type OrderStatus string

const (
	OrderStatusDraft    OrderStatus = "draft"
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusApproved OrderStatus = "approved"
	OrderStatusRejected OrderStatus = "rejected"
	OrderStatusComplete OrderStatus = "complete"
)

// DeliveryProgress is the order-level aggregate derived from line item
// delivered quantities. It is recomputed from ledger state after every
// delivery mutation and is never the source of truth.
type DeliveryProgress string

const (
	ProgressNotStarted         DeliveryProgress = "not_started"
	ProgressPartiallyDelivered DeliveryProgress = "partially_delivered"
	ProgressCompleted          DeliveryProgress = "completed"
)

// PurchaseOrder is an approved order against which deliveries are recorded.
type PurchaseOrder struct {
	ID               string           `json:"id" db:"id"`
	CompanyID        string           `json:"company_id" db:"company_id"`
	ProjectID        *string          `json:"project_id,omitempty" db:"project_id"`
	OrderNumber      string           `json:"order_number" db:"order_number"`
	Status           OrderStatus      `json:"status" db:"status"`
	DeliveryProgress DeliveryProgress `json:"delivery_progress" db:"delivery_progress"`
	TotalAmount      float64          `json:"total_amount" db:"total_amount"`
	DeliveredQty     float64          `json:"delivered_qty" db:"delivered_qty"`
	RemainingQty     float64          `json:"remaining_qty" db:"remaining_qty"`
	DeliveredValue   float64          `json:"delivered_value" db:"delivered_value"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
	ArchivedAt       *time.Time       `json:"archived_at,omitempty" db:"archived_at"`
}

// IsComplete reports whether the order has reached its terminal delivered
// state.
func (o *PurchaseOrder) IsComplete() bool {
	return o.Status == OrderStatusComplete
}

// OrderLineItem is a single product/quantity row within a purchase order.
// OrderedQty is fixed at order creation. DeliveredQty is mutated only by the
// reconciliation engine and never decreases.
type OrderLineItem struct {
	ID           string    `json:"id" db:"id"`
	CompanyID    string    `json:"company_id" db:"company_id"`
	OrderID      string    `json:"order_id" db:"order_id"`
	ProductID    string    `json:"product_id" db:"product_id"`
	ProductName  string    `json:"product_name" db:"product_name"`
	Unit         string    `json:"unit" db:"unit"`
	OrderedQty   float64   `json:"ordered_qty" db:"ordered_qty"`
	DeliveredQty float64   `json:"delivered_qty" db:"delivered_qty"`
	UnitPrice    float64   `json:"unit_price" db:"unit_price"`
	Version      int       `json:"version" db:"version"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// RemainingQty is the undelivered remainder of the line item.
func (li *OrderLineItem) RemainingQty() float64 {
	return li.OrderedQty - li.DeliveredQty
}

// LineTotal is the monetary value of the full ordered quantity.
func (li *OrderLineItem) LineTotal() float64 {
	return li.OrderedQty * li.UnitPrice
}

// DeliveredValue is the monetary value of the quantity delivered so far.
func (li *OrderLineItem) DeliveredValue() float64 {
	return li.DeliveredQty * li.UnitPrice
}
