package entity

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// OrderStatus is the lifecycle state of a buying-team order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPendingDelivery OrderStatus = "PENDING_DELIVERY"
	OrderStatusSuccessful      OrderStatus = "SUCCESSFUL"
	OrderStatusFailed          OrderStatus = "FAILED"
)

// CanTransitionTo reports whether moving from s to next keeps the status monotonic.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next == OrderStatusPendingDelivery || next == OrderStatusFailed
	case OrderStatusPendingDelivery:
		return next == OrderStatusSuccessful
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusSuccessful || s == OrderStatusFailed
}

// Order is one delivery window of a buying team.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID                int64           `bun:",pk,autoincrement" json:"id"`
	TeamID            int64           `bun:"team_id,notnull" json:"team_id"`
	MinimumThreshold  decimal.Decimal `bun:"minimum_threshold,type:decimal(12,2),notnull" json:"minimum_threshold"`
	AccumulatedAmount decimal.Decimal `bun:"accumulated_amount,type:decimal(12,2),notnull" json:"accumulated_amount"`
	Status            OrderStatus     `bun:"status,notnull" json:"status"`
	Deadline          time.Time       `bun:"deadline,notnull" json:"deadline"`
	DeliveryDate      *time.Time      `bun:"delivery_date" json:"delivery_date,omitempty"`
	LastNudge         *time.Time      `bun:"last_nudge" json:"last_nudge,omitempty"`
	// ClonePending is set while members' previous baskets still have to be copied in.
	ClonePending      bool            `bun:"clone_pending,notnull,default:false" json:"clone_pending"`
	CreatedAt         time.Time       `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time       `bun:"updated_at,nullzero" json:"updated_at"`
}

// ThresholdMet reports whether the authorized total has reached the minimum spend.
func (o *Order) ThresholdMet() bool {
	return o.AccumulatedAmount.GreaterThanOrEqual(o.MinimumThreshold)
}

// EligibleForCompletion is the capture/complete predicate: still pending and threshold met.
func (o *Order) EligibleForCompletion() bool {
	return o.Status == OrderStatusPending && o.ThresholdMet()
}

// EligibleForCancellation is the losing branch: pending, past deadline, threshold not met.
// It can never hold together with EligibleForCompletion.
func (o *Order) EligibleForCancellation(now time.Time) bool {
	return o.Status == OrderStatusPending && !o.Deadline.After(now) && !o.ThresholdMet()
}
