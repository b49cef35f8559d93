package entity

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// PaymentStatus tracks a member's contribution through authorization and capture.
type PaymentStatus string

const (
	PaymentStatusPending       PaymentStatus = "PENDING"
	PaymentStatusIntentCreated PaymentStatus = "INTENT_CREATED"
	PaymentStatusCaptured      PaymentStatus = "CAPTURED"
	PaymentStatusFailed        PaymentStatus = "FAILED"
)

// CanTransitionTo enforces PENDING -> INTENT_CREATED -> {CAPTURED, FAILED}.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	switch s {
	case PaymentStatusPending:
		return next == PaymentStatusIntentCreated
	case PaymentStatusIntentCreated:
		return next == PaymentStatusCaptured || next == PaymentStatusFailed
	default:
		return false
	}
}

// Payment is one member's share of an order.
type Payment struct {
	bun.BaseModel `bun:"table:payments"`

	ID                int64           `bun:",pk,autoincrement" json:"id"`
	OrderID           int64           `bun:"order_id,notnull" json:"order_id"`
	UserID            int64           `bun:"user_id,notnull" json:"user_id"`
	Amount            decimal.Decimal `bun:"amount,type:decimal(12,2),notnull" json:"amount"`
	PaymentIntentID   *string         `bun:"payment_intent_id" json:"payment_intent_id,omitempty"`
	Status            PaymentStatus   `bun:"status,notnull" json:"status"`
	FailureReason     string          `bun:"failure_reason,nullzero" json:"failure_reason,omitempty"`
	AuthorizeAttempts int             `bun:"authorize_attempts,notnull,default:0" json:"authorize_attempts"`
	CreatedAt         time.Time       `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time       `bun:"updated_at,nullzero" json:"updated_at"`
}

// IntentID returns the external intent reference or "" when unauthorized.
func (p *Payment) IntentID() string {
	if p.PaymentIntentID == nil {
		return ""
	}
	return *p.PaymentIntentID
}

// Basket is a single line item of a member's order, priced at creation time.
type Basket struct {
	bun.BaseModel `bun:"table:baskets"`

	ID        int64           `bun:",pk,autoincrement" json:"id"`
	OrderID   int64           `bun:"order_id,notnull" json:"order_id"`
	UserID    int64           `bun:"user_id,notnull" json:"user_id"`
	ProductID int64           `bun:"product_id,notnull" json:"product_id"`
	Quantity  int             `bun:"quantity,notnull" json:"quantity"`
	Price     decimal.Decimal `bun:"price,type:decimal(12,2),notnull" json:"price"`
	CreatedAt time.Time       `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP" json:"created_at"`
}

// LineTotal is price times quantity.
func (b *Basket) LineTotal() decimal.Decimal {
	return b.Price.Mul(decimal.NewFromInt(int64(b.Quantity)))
}
