package entity

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// BuyingTeam is a group of members ordering together from one producer.
type BuyingTeam struct {
	bun.BaseModel `bun:"table:buying_teams"`

	ID               int64      `bun:",pk,autoincrement"`
	ProducerID       int64      `bun:"producer_id,notnull"`
	HostID           int64      `bun:"host_id,notnull"`
	Frequency        int64      `bun:"frequency,notnull"`
	NextDeliveryDate *time.Time `bun:"next_delivery_date"`
	PostalCode       string     `bun:"postal_code"`
}

// Cadence is the delay between recurring orders.
func (t *BuyingTeam) Cadence() time.Duration {
	return time.Duration(t.Frequency) * time.Second
}

// DueAt reports whether a new order should be opened at now.
func (t *BuyingTeam) DueAt(now time.Time) bool {
	return t.NextDeliveryDate == nil || !t.NextDeliveryDate.After(now)
}

// TeamMember links a member to a team. Membership is managed elsewhere.
type TeamMember struct {
	bun.BaseModel `bun:"table:team_members"`

	TeamID int64 `bun:"team_id,pk"`
	UserID int64 `bun:"user_id,pk"`
}

// Member holds the payment profile of a user.
type Member struct {
	bun.BaseModel `bun:"table:members"`

	ID               int64   `bun:",pk,autoincrement"`
	Phone            string  `bun:"phone"`
	CustomerRef      *string `bun:"customer_ref"`
	PaymentMethodRef *string `bun:"payment_method_ref"`
}

// CanPay reports whether the member has a stored customer and default payment method.
func (m *Member) CanPay() bool {
	return m.CustomerRef != nil && *m.CustomerRef != "" &&
		m.PaymentMethodRef != nil && *m.PaymentMethodRef != ""
}

// Producer sells to buying teams and sets the minimum spend per order.
type Producer struct {
	bun.BaseModel `bun:"table:producers"`

	ID               int64           `bun:",pk,autoincrement"`
	Name             string          `bun:"name,notnull"`
	MinimumThreshold decimal.Decimal `bun:"minimum_threshold,type:decimal(12,2),notnull"`
	DeliveryLeadDays int             `bun:"delivery_lead_days,notnull"`
}
