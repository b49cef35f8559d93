package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/bulkbuy/internal/database"
	"github.com/Additional-Code/bulkbuy/internal/entity"
)

var repoTracer = otel.Tracer("github.com/Additional-Code/bulkbuy/repository/ledger")

var (
	// ErrNotFound is returned when a referenced row is missing.
	ErrNotFound = errors.New("ledger: not found")
	// ErrStaleState is returned when a compare-and-set update matched no row,
	// i.e. another run already moved the row on.
	ErrStaleState = errors.New("ledger: stale state")
	// ErrIllegalTransition is returned for status changes that would break monotonicity.
	ErrIllegalTransition = errors.New("ledger: illegal status transition")
)

// Repository is the ledger store backing the settlement engine.
type Repository struct {
	writer  *bun.DB
	reader  *bun.DB
	nowFunc func() time.Time
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{
		writer:  conns.Writer,
		reader:  conns.Reader,
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// OrderFilter narrows FindOrders. Zero values are ignored.
type OrderFilter struct {
	IDs                []int64
	TeamID             int64
	Statuses           []entity.OrderStatus
	DeadlineBefore     *time.Time
	DeadlineAfter      *time.Time
	DeliveryDateNull   bool
	DeliveryDateBefore *time.Time
	ClonePending       bool
	Limit              int
}

// PaymentFilter narrows FindPayments. Zero values are ignored.
type PaymentFilter struct {
	OrderID  int64
	UserID   int64
	Statuses []entity.PaymentStatus
	Limit    int
}

// BasketFilter narrows FindBasketRows. OrderID is required.
type BasketFilter struct {
	OrderID   int64
	UserID    int64
	ProductID int64
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return repoTracer.Start(ctx, "LedgerRepository."+name, trace.WithAttributes(attrs...))
}

func failSpan(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

// FindOrders lists orders matching the filter, oldest first.
func (r *Repository) FindOrders(ctx context.Context, f OrderFilter) ([]entity.Order, error) {
	ctx, span := startSpan(ctx, "FindOrders")
	defer span.End()

	var orders []entity.Order
	q := r.reader.NewSelect().Model(&orders)
	if len(f.IDs) > 0 {
		q = q.Where("id IN (?)", bun.In(f.IDs))
	}
	if f.TeamID != 0 {
		q = q.Where("team_id = ?", f.TeamID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN (?)", bun.In(f.Statuses))
	}
	if f.DeadlineBefore != nil {
		q = q.Where("deadline <= ?", *f.DeadlineBefore)
	}
	if f.DeadlineAfter != nil {
		q = q.Where("deadline > ?", *f.DeadlineAfter)
	}
	if f.DeliveryDateNull {
		q = q.Where("delivery_date IS NULL")
	}
	if f.DeliveryDateBefore != nil {
		q = q.Where("delivery_date <= ?", *f.DeliveryDateBefore)
	}
	if f.ClonePending {
		q = q.Where("clone_pending = ?", true)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Order("id ASC").Scan(ctx); err != nil {
		failSpan(span, err, "select failed")
		return nil, fmt.Errorf("find orders: %w", err)
	}
	span.SetAttributes(attribute.Int("orders.count", len(orders)))
	return orders, nil
}

// GetOrder fetches a single order.
func (r *Repository) GetOrder(ctx context.Context, id int64) (*entity.Order, error) {
	ctx, span := startSpan(ctx, "GetOrder", attribute.Int64("order.id", id))
	defer span.End()

	order := new(entity.Order)
	err := r.reader.NewSelect().Model(order).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		failSpan(span, err, "select failed")
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	return order, nil
}

// TransitionOrder moves an order from one status to the next with compare-and-set semantics.
func (r *Repository) TransitionOrder(ctx context.Context, id int64, from, to entity.OrderStatus) error {
	ctx, span := startSpan(ctx, "TransitionOrder",
		attribute.Int64("order.id", id),
		attribute.String("order.from", string(from)),
		attribute.String("order.to", string(to)),
	)
	defer span.End()

	if !from.CanTransitionTo(to) {
		failSpan(span, ErrIllegalTransition, "illegal transition")
		return fmt.Errorf("order %d %s -> %s: %w", id, from, to, ErrIllegalTransition)
	}

	res, err := r.writer.NewUpdate().
		Model((*entity.Order)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", r.nowFunc()).
		Where("id = ?", id).
		Where("status = ?", from).
		Exec(ctx)
	if err != nil {
		failSpan(span, err, "update failed")
		return fmt.Errorf("transition order %d: %w", id, err)
	}
	return expectOneRow(res, fmt.Sprintf("order %d %s -> %s", id, from, to))
}

// SetDeliveryDate assigns a delivery date only if none has been set yet.
// It reports whether the row was updated.
func (r *Repository) SetDeliveryDate(ctx context.Context, id int64, date time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "SetDeliveryDate", attribute.Int64("order.id", id))
	defer span.End()

	res, err := r.writer.NewUpdate().
		Model((*entity.Order)(nil)).
		Set("delivery_date = ?", date).
		Set("updated_at = ?", r.nowFunc()).
		Where("id = ?", id).
		Where("delivery_date IS NULL").
		Where("status = ?", entity.OrderStatusPendingDelivery).
		Exec(ctx)
	if err != nil {
		failSpan(span, err, "update failed")
		return false, fmt.Errorf("set delivery date for order %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TouchNudge records when members were last reminded about an order.
func (r *Repository) TouchNudge(ctx context.Context, id int64, at time.Time) error {
	ctx, span := startSpan(ctx, "TouchNudge", attribute.Int64("order.id", id))
	defer span.End()

	_, err := r.writer.NewUpdate().
		Model((*entity.Order)(nil)).
		Set("last_nudge = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		failSpan(span, err, "update failed")
		return fmt.Errorf("touch nudge for order %d: %w", id, err)
	}
	return nil
}

// AggregateCapturedAmount sums captured payments of an order using exact decimal arithmetic.
func (r *Repository) AggregateCapturedAmount(ctx context.Context, orderID int64) (decimal.Decimal, error) {
	ctx, span := startSpan(ctx, "AggregateCapturedAmount", attribute.Int64("order.id", orderID))
	defer span.End()

	var captured []entity.Payment
	err := r.reader.NewSelect().
		Model(&captured).
		Column("id", "amount").
		Where("order_id = ?", orderID).
		Where("status = ?", entity.PaymentStatusCaptured).
		Scan(ctx)
	if err != nil {
		failSpan(span, err, "select failed")
		return decimal.Zero, fmt.Errorf("aggregate captured for order %d: %w", orderID, err)
	}
	total := decimal.Zero
	for _, p := range captured {
		total = total.Add(p.Amount)
	}
	return total, nil
}

// FindPayments lists payments matching the filter.
func (r *Repository) FindPayments(ctx context.Context, f PaymentFilter) ([]entity.Payment, error) {
	ctx, span := startSpan(ctx, "FindPayments", attribute.Int64("order.id", f.OrderID))
	defer span.End()

	var payments []entity.Payment
	q := r.reader.NewSelect().Model(&payments)
	if f.OrderID != 0 {
		q = q.Where("order_id = ?", f.OrderID)
	}
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN (?)", bun.In(f.Statuses))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Order("id ASC").Scan(ctx); err != nil {
		failSpan(span, err, "select failed")
		return nil, fmt.Errorf("find payments: %w", err)
	}
	return payments, nil
}

// UpdatePaymentStatus moves a payment between statuses with compare-and-set semantics.
func (r *Repository) UpdatePaymentStatus(ctx context.Context, id int64, from, to entity.PaymentStatus, reason string) error {
	ctx, span := startSpan(ctx, "UpdatePaymentStatus",
		attribute.Int64("payment.id", id),
		attribute.String("payment.to", string(to)),
	)
	defer span.End()

	if !from.CanTransitionTo(to) {
		failSpan(span, ErrIllegalTransition, "illegal transition")
		return fmt.Errorf("payment %d %s -> %s: %w", id, from, to, ErrIllegalTransition)
	}

	q := r.writer.NewUpdate().
		Model((*entity.Payment)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", r.nowFunc()).
		Where("id = ?", id).
		Where("status = ?", from)
	if reason != "" {
		q = q.Set("failure_reason = ?", reason)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		failSpan(span, err, "update failed")
		return fmt.Errorf("update payment %d: %w", id, err)
	}
	return expectOneRow(res, fmt.Sprintf("payment %d %s -> %s", id, from, to))
}

// RecordDeclinedAuthorization counts a declined hold on a PENDING payment. The CAS on
// the observed attempt count keeps concurrent runs from counting one decline twice.
func (r *Repository) RecordDeclinedAuthorization(ctx context.Context, paymentID int64, attempts int) error {
	ctx, span := startSpan(ctx, "RecordDeclinedAuthorization",
		attribute.Int64("payment.id", paymentID),
		attribute.Int("payment.attempts", attempts),
	)
	defer span.End()

	res, err := r.writer.NewUpdate().
		Model((*entity.Payment)(nil)).
		Set("authorize_attempts = ?", attempts+1).
		Set("updated_at = ?", r.nowFunc()).
		Where("id = ?", paymentID).
		Where("status = ?", entity.PaymentStatusPending).
		Where("authorize_attempts = ?", attempts).
		Exec(ctx)
	if err != nil {
		failSpan(span, err, "update failed")
		return fmt.Errorf("record declined authorization for payment %d: %w", paymentID, err)
	}
	return expectOneRow(res, fmt.Sprintf("payment %d attempt %d", paymentID, attempts))
}

// AuthorizePayment records a created intent and adds the payment amount to its order,
// both in one transaction.
func (r *Repository) AuthorizePayment(ctx context.Context, paymentID int64, intentID string) error {
	ctx, span := startSpan(ctx, "AuthorizePayment", attribute.Int64("payment.id", paymentID))
	defer span.End()

	err := r.writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		payment := new(entity.Payment)
		if err := tx.NewSelect().Model(payment).Where("id = ?", paymentID).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		now := r.nowFunc()
		res, err := tx.NewUpdate().
			Model((*entity.Payment)(nil)).
			Set("status = ?", entity.PaymentStatusIntentCreated).
			Set("payment_intent_id = ?", intentID).
			Set("updated_at = ?", now).
			Where("id = ?", paymentID).
			Where("status = ?", entity.PaymentStatusPending).
			Exec(ctx)
		if err != nil {
			return err
		}
		if err := expectOneRow(res, fmt.Sprintf("authorize payment %d", paymentID)); err != nil {
			return err
		}

		return accumulate(ctx, tx, payment.OrderID, payment.Amount, now)
	})
	if err != nil {
		failSpan(span, err, "authorize failed")
		return fmt.Errorf("authorize payment %d: %w", paymentID, err)
	}
	return nil
}

// accumulateAttempts bounds the read-add-write retries when a concurrent authorization
// moves the order's total between the read and the write.
const accumulateAttempts = 3

// accumulate adds amount to the order total. The sum is computed with decimal in Go and
// written with a compare-and-set on the previous total, so no dialect ever does the
// arithmetic in floating point.
func accumulate(ctx context.Context, tx bun.Tx, orderID int64, amount decimal.Decimal, now time.Time) error {
	for attempt := 0; attempt < accumulateAttempts; attempt++ {
		order := new(entity.Order)
		err := tx.NewSelect().
			Model(order).
			Column("id", "accumulated_amount").
			Where("id = ?", orderID).
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("accumulate order %d: %w", orderID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		total := order.AccumulatedAmount.Add(amount).Round(2)
		res, err := tx.NewUpdate().
			Model((*entity.Order)(nil)).
			Set("accumulated_amount = ?", total).
			Set("updated_at = ?", now).
			Where("id = ?", orderID).
			Where("accumulated_amount = ?", order.AccumulatedAmount).
			Exec(ctx)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("accumulate order %d: rows affected: %w", orderID, err)
		}
		if n == 1 {
			return nil
		}
	}
	return fmt.Errorf("accumulate order %d: %w", orderID, ErrStaleState)
}

// FindTeamsDueForDelivery returns teams whose next delivery date is unset or has elapsed.
func (r *Repository) FindTeamsDueForDelivery(ctx context.Context, now time.Time) ([]entity.BuyingTeam, error) {
	ctx, span := startSpan(ctx, "FindTeamsDueForDelivery")
	defer span.End()

	var teams []entity.BuyingTeam
	err := r.reader.NewSelect().
		Model(&teams).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("next_delivery_date IS NULL").WhereOr("next_delivery_date <= ?", now)
		}).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		failSpan(span, err, "select failed")
		return nil, fmt.Errorf("find teams due: %w", err)
	}
	return teams, nil
}

// OpenOrderForTeam advances the team's next delivery date from the value the caller
// observed and inserts the new order in the same transaction. If another run moved the
// date first, nothing is written and ErrStaleState is returned.
func (r *Repository) OpenOrderForTeam(ctx context.Context, team entity.BuyingTeam, order *entity.Order, nextDelivery time.Time) error {
	ctx, span := startSpan(ctx, "OpenOrderForTeam", attribute.Int64("team.id", team.ID))
	defer span.End()

	err := r.writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewUpdate().
			Model((*entity.BuyingTeam)(nil)).
			Set("next_delivery_date = ?", nextDelivery).
			Where("id = ?", team.ID)
		if team.NextDeliveryDate == nil {
			q = q.Where("next_delivery_date IS NULL")
		} else {
			q = q.Where("next_delivery_date = ?", *team.NextDeliveryDate)
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return err
		}
		if err := expectOneRow(res, fmt.Sprintf("advance team %d", team.ID)); err != nil {
			return err
		}

		_, err = tx.NewInsert().Model(order).Exec(ctx)
		return err
	})
	if err != nil {
		failSpan(span, err, "open order failed")
		return fmt.Errorf("open order for team %d: %w", team.ID, err)
	}
	span.SetAttributes(attribute.Int64("order.id", order.ID))
	return nil
}

// LatestPriorOrder returns the most recent order of a team opened before beforeID.
// A zero beforeID considers every order of the team.
func (r *Repository) LatestPriorOrder(ctx context.Context, teamID, beforeID int64) (*entity.Order, error) {
	ctx, span := startSpan(ctx, "LatestPriorOrder", attribute.Int64("team.id", teamID))
	defer span.End()

	order := new(entity.Order)
	q := r.reader.NewSelect().
		Model(order).
		Where("team_id = ?", teamID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	err := q.Order("id DESC").Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		failSpan(span, err, "select failed")
		return nil, fmt.Errorf("latest prior order for team %d: %w", teamID, err)
	}
	return order, nil
}

// FinishBasketClone clears the clone marker once every member basket has been copied.
func (r *Repository) FinishBasketClone(ctx context.Context, orderID int64) error {
	ctx, span := startSpan(ctx, "FinishBasketClone", attribute.Int64("order.id", orderID))
	defer span.End()

	_, err := r.writer.NewUpdate().
		Model((*entity.Order)(nil)).
		Set("clone_pending = ?", false).
		Set("updated_at = ?", r.nowFunc()).
		Where("id = ?", orderID).
		Exec(ctx)
	if err != nil {
		failSpan(span, err, "update failed")
		return fmt.Errorf("finish basket clone for order %d: %w", orderID, err)
	}
	return nil
}

// FindBasketRows lists basket lines of an order, optionally for one member or product.
func (r *Repository) FindBasketRows(ctx context.Context, f BasketFilter) ([]entity.Basket, error) {
	ctx, span := startSpan(ctx, "FindBasketRows", attribute.Int64("order.id", f.OrderID))
	defer span.End()

	var rows []entity.Basket
	q := r.reader.NewSelect().Model(&rows).Where("order_id = ?", f.OrderID)
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.ProductID != 0 {
		q = q.Where("product_id = ?", f.ProductID)
	}
	if err := q.Order("id ASC").Scan(ctx); err != nil {
		failSpan(span, err, "select failed")
		return nil, fmt.Errorf("find basket rows: %w", err)
	}
	return rows, nil
}

// CreateMemberBasket inserts a member's basket lines and their payment atomically.
// It returns false without writing when the member already has a payment for the order.
func (r *Repository) CreateMemberBasket(ctx context.Context, rows []entity.Basket, payment *entity.Payment) (bool, error) {
	ctx, span := startSpan(ctx, "CreateMemberBasket",
		attribute.Int64("order.id", payment.OrderID),
		attribute.Int64("user.id", payment.UserID),
	)
	defer span.End()

	created := false
	err := r.writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*entity.Payment)(nil)).
			Where("order_id = ?", payment.OrderID).
			Where("user_id = ?", payment.UserID).
			Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if len(rows) > 0 {
			if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
				return err
			}
		}
		if _, err := tx.NewInsert().Model(payment).Exec(ctx); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		failSpan(span, err, "insert failed")
		return false, fmt.Errorf("create basket for user %d order %d: %w", payment.UserID, payment.OrderID, err)
	}
	return created, nil
}

// GetTeam fetches a buying team.
func (r *Repository) GetTeam(ctx context.Context, id int64) (*entity.BuyingTeam, error) {
	team := new(entity.BuyingTeam)
	if err := r.getByID(ctx, "GetTeam", team, id); err != nil {
		return nil, err
	}
	return team, nil
}

// GetProducer fetches a producer.
func (r *Repository) GetProducer(ctx context.Context, id int64) (*entity.Producer, error) {
	producer := new(entity.Producer)
	if err := r.getByID(ctx, "GetProducer", producer, id); err != nil {
		return nil, err
	}
	return producer, nil
}

// GetMember fetches a member's payment profile.
func (r *Repository) GetMember(ctx context.Context, id int64) (*entity.Member, error) {
	member := new(entity.Member)
	if err := r.getByID(ctx, "GetMember", member, id); err != nil {
		return nil, err
	}
	return member, nil
}

// GetProduct fetches a catalog product.
func (r *Repository) GetProduct(ctx context.Context, id int64) (*entity.Product, error) {
	product := new(entity.Product)
	if err := r.getByID(ctx, "GetProduct", product, id); err != nil {
		return nil, err
	}
	return product, nil
}

// UpdateMemberPaymentProfile stores the external customer and payment method references.
func (r *Repository) UpdateMemberPaymentProfile(ctx context.Context, id int64, customerRef, methodRef *string) error {
	ctx, span := startSpan(ctx, "UpdateMemberPaymentProfile", attribute.Int64("member.id", id))
	defer span.End()

	res, err := r.writer.NewUpdate().
		Model((*entity.Member)(nil)).
		Set("customer_ref = ?", customerRef).
		Set("payment_method_ref = ?", methodRef).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		failSpan(span, err, "update failed")
		return fmt.Errorf("update member %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTeamMembers returns the user ids of a team.
func (r *Repository) ListTeamMembers(ctx context.Context, teamID int64) ([]int64, error) {
	ctx, span := startSpan(ctx, "ListTeamMembers", attribute.Int64("team.id", teamID))
	defer span.End()

	var ids []int64
	err := r.reader.NewSelect().
		Model((*entity.TeamMember)(nil)).
		Column("user_id").
		Where("team_id = ?", teamID).
		Order("user_id ASC").
		Scan(ctx, &ids)
	if err != nil {
		failSpan(span, err, "select failed")
		return nil, fmt.Errorf("list members of team %d: %w", teamID, err)
	}
	return ids, nil
}

// ReplacePortionAllocations rewrites the allocation of one portioned product in an order.
func (r *Repository) ReplacePortionAllocations(ctx context.Context, orderID, productID int64, allocations []entity.PortionAllocation) error {
	ctx, span := startSpan(ctx, "ReplacePortionAllocations",
		attribute.Int64("order.id", orderID),
		attribute.Int64("product.id", productID),
	)
	defer span.End()

	err := r.writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewDelete().
			Model((*entity.PortionAllocation)(nil)).
			Where("order_id = ?", orderID).
			Where("product_id = ?", productID).
			Exec(ctx)
		if err != nil {
			return err
		}
		if len(allocations) == 0 {
			return nil
		}
		_, err = tx.NewInsert().Model(&allocations).Exec(ctx)
		return err
	})
	if err != nil {
		failSpan(span, err, "replace failed")
		return fmt.Errorf("replace portion allocations for order %d product %d: %w", orderID, productID, err)
	}
	return nil
}

// FindPortionAllocations lists the allocation of one product in an order.
func (r *Repository) FindPortionAllocations(ctx context.Context, orderID, productID int64) ([]entity.PortionAllocation, error) {
	var allocations []entity.PortionAllocation
	err := r.reader.NewSelect().
		Model(&allocations).
		Where("order_id = ?", orderID).
		Where("product_id = ?", productID).
		Order("unit_index ASC", "user_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("find portion allocations: %w", err)
	}
	return allocations, nil
}

func (r *Repository) getByID(ctx context.Context, op string, model any, id int64) error {
	ctx, span := startSpan(ctx, op, attribute.Int64("id", id))
	defer span.End()

	err := r.reader.NewSelect().Model(model).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return ErrNotFound
	}
	if err != nil {
		failSpan(span, err, "select failed")
		return fmt.Errorf("%s %d: %w", op, id, err)
	}
	return nil
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrStaleState)
	}
	return nil
}
