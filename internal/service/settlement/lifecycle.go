package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Additional-Code/bulkbuy/internal/entity"
	"github.com/Additional-Code/bulkbuy/internal/notification"
	"github.com/Additional-Code/bulkbuy/internal/repository/ledger"
)

const (
	titlePaymentFailed   = "Payment failed"
	titleOrderCancelled  = "Order cancelled"
	titleOrderClosing    = "Order closing soon"
	reasonOrderCancelled = "order cancelled before capture"
	reasonMissingIntent  = "no payment intent on authorized payment"
)

func orderContext(orderID int64) map[string]string {
	return map[string]string{"order_id": strconv.FormatInt(orderID, 10)}
}

// pendingOrders returns PENDING orders narrowed by an extra filter.
func (s *Service) pendingOrders(ctx context.Context, f ledger.OrderFilter) ([]entity.Order, error) {
	f.Statuses = []entity.OrderStatus{entity.OrderStatusPending}
	return s.ledger.FindOrders(ctx, f)
}

// ChargeUsers captures every authorized, uncaptured payment of PENDING orders whose
// accumulated amount has reached the threshold. Each payment is isolated: a capture
// failure marks only that payment FAILED and notifies its member.
func (s *Service) ChargeUsers(ctx context.Context) (Result, error) {
	ctx, span := serviceTracer.Start(ctx, "SettlementService.ChargeUsers")
	defer span.End()

	orders, err := s.pendingOrders(ctx, ledger.OrderFilter{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find orders failed")
		return Result{Stage: StageChargeUsers}, fmt.Errorf("charge users: %w", err)
	}

	var payments []entity.Payment
	for _, order := range orders {
		if !order.EligibleForCompletion() {
			continue
		}
		batch, err := s.ledger.FindPayments(ctx, ledger.PaymentFilter{
			OrderID:  order.ID,
			Statuses: []entity.PaymentStatus{entity.PaymentStatusIntentCreated},
		})
		if err != nil {
			s.logger.Error("load payments for capture failed", zap.Int64("order_id", order.ID), zap.Error(err))
			continue
		}
		payments = append(payments, batch...)
	}
	span.SetAttributes(attribute.Int("payments.count", len(payments)))

	return runUnits(ctx, s, StageChargeUsers, payments, s.capturePayment), nil
}

func (s *Service) capturePayment(ctx context.Context, payment entity.Payment) outcome {
	ctx, span := serviceTracer.Start(ctx, "SettlementService.capturePayment", trace.WithAttributes(
		attribute.Int64("payment.id", payment.ID),
		attribute.Int64("order.id", payment.OrderID),
	))
	defer span.End()

	log := s.logger.With(zap.Int64("payment_id", payment.ID), zap.Int64("order_id", payment.OrderID))

	intentID := payment.IntentID()
	var captureErr error
	if intentID == "" {
		captureErr = errors.New(reasonMissingIntent)
	} else {
		_, captureErr = s.gateway.CaptureIntent(ctx, intentID, "capture-"+strconv.FormatInt(payment.ID, 10))
	}

	if captureErr == nil {
		err := s.ledger.UpdatePaymentStatus(ctx, payment.ID, entity.PaymentStatusIntentCreated, entity.PaymentStatusCaptured, "")
		switch {
		case errors.Is(err, ledger.ErrStaleState):
			log.Info("payment already settled by another run")
			return outcomeSkipped
		case err != nil:
			span.RecordError(err)
			log.Error("record capture failed", zap.String("intent_id", intentID), zap.Error(err))
			return outcomeFailed
		}
		log.Info("payment captured", zap.String("intent_id", intentID))
		return outcomeProcessed
	}

	span.RecordError(captureErr)
	span.SetStatus(codes.Error, "capture failed")
	log.Warn("capture failed", zap.String("intent_id", intentID), zap.Error(captureErr))

	err := s.ledger.UpdatePaymentStatus(ctx, payment.ID, entity.PaymentStatusIntentCreated, entity.PaymentStatusFailed, captureErr.Error())
	switch {
	case errors.Is(err, ledger.ErrStaleState):
		return outcomeSkipped
	case err != nil:
		log.Error("record capture failure failed", zap.Error(err))
		return outcomeFailed
	}

	s.notifier.Notify(ctx, notification.Notification{
		UserID:  payment.UserID,
		Title:   titlePaymentFailed,
		Text:    fmt.Sprintf("We could not take payment for your team order #%d. Please check your payment details.", payment.OrderID),
		Context: orderContext(payment.OrderID),
	})
	return outcomeFailed
}

// CompleteOrders moves PENDING orders to PENDING_DELIVERY once captured funds cover the threshold.
func (s *Service) CompleteOrders(ctx context.Context) (Result, error) {
	ctx, span := serviceTracer.Start(ctx, "SettlementService.CompleteOrders")
	defer span.End()

	orders, err := s.pendingOrders(ctx, ledger.OrderFilter{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find orders failed")
		return Result{Stage: StageCompleteOrders}, fmt.Errorf("complete orders: %w", err)
	}

	eligible := orders[:0]
	for _, order := range orders {
		if order.EligibleForCompletion() {
			eligible = append(eligible, order)
		}
	}

	return runUnits(ctx, s, StageCompleteOrders, eligible, func(ctx context.Context, order entity.Order) outcome {
		return s.advanceIfCaptured(ctx, order, entity.OrderStatusPending, entity.OrderStatusPendingDelivery)
	}), nil
}

// advanceIfCaptured transitions order when its captured sum reaches the threshold.
func (s *Service) advanceIfCaptured(ctx context.Context, order entity.Order, from, to entity.OrderStatus) outcome {
	log := s.logger.With(zap.Int64("order_id", order.ID))

	captured, err := s.ledger.AggregateCapturedAmount(ctx, order.ID)
	if err != nil {
		log.Error("aggregate captured amount failed", zap.Error(err))
		return outcomeFailed
	}
	if captured.LessThan(order.MinimumThreshold) {
		log.Debug("captured amount below threshold",
			zap.String("captured", captured.String()),
			zap.String("threshold", order.MinimumThreshold.String()),
		)
		return outcomeSkipped
	}

	err = s.ledger.TransitionOrder(ctx, order.ID, from, to)
	switch {
	case errors.Is(err, ledger.ErrStaleState):
		return outcomeSkipped
	case err != nil:
		log.Error("transition order failed", zap.String("to", string(to)), zap.Error(err))
		return outcomeFailed
	}
	log.Info("order advanced",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("captured", captured.String()),
	)
	return outcomeProcessed
}

// CancelOrders fails PENDING orders whose deadline passed without reaching the threshold,
// then releases their outstanding holds and tells the members.
func (s *Service) CancelOrders(ctx context.Context) (Result, error) {
	ctx, span := serviceTracer.Start(ctx, "SettlementService.CancelOrders")
	defer span.End()

	now := s.now()
	orders, err := s.pendingOrders(ctx, ledger.OrderFilter{DeadlineBefore: &now})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find orders failed")
		return Result{Stage: StageCancelOrders}, fmt.Errorf("cancel orders: %w", err)
	}

	eligible := orders[:0]
	for _, order := range orders {
		if order.EligibleForCancellation(now) {
			eligible = append(eligible, order)
		}
	}

	return runUnits(ctx, s, StageCancelOrders, eligible, s.cancelOrder), nil
}

func (s *Service) cancelOrder(ctx context.Context, order entity.Order) outcome {
	log := s.logger.With(zap.Int64("order_id", order.ID))

	err := s.ledger.TransitionOrder(ctx, order.ID, entity.OrderStatusPending, entity.OrderStatusFailed)
	switch {
	case errors.Is(err, ledger.ErrStaleState):
		return outcomeSkipped
	case err != nil:
		log.Error("cancel order failed", zap.Error(err))
		return outcomeFailed
	}
	log.Info("order cancelled",
		zap.String("accumulated", order.AccumulatedAmount.String()),
		zap.String("threshold", order.MinimumThreshold.String()),
	)

	payments, err := s.ledger.FindPayments(ctx, ledger.PaymentFilter{OrderID: order.ID})
	if err != nil {
		log.Error("load payments of cancelled order failed", zap.Error(err))
		return outcomeProcessed
	}
	for _, payment := range payments {
		if payment.Status == entity.PaymentStatusIntentCreated {
			s.releaseHold(ctx, payment)
		}
		s.notifier.Notify(ctx, notification.Notification{
			UserID:  payment.UserID,
			Title:   titleOrderCancelled,
			Text:    fmt.Sprintf("Your team order #%d did not reach the producer's minimum and has been cancelled. You have not been charged.", order.ID),
			Context: orderContext(order.ID),
		})
	}
	return outcomeProcessed
}

// releaseHold cancels an uncaptured intent. Failures are logged and left for reconciliation.
func (s *Service) releaseHold(ctx context.Context, payment entity.Payment) {
	log := s.logger.With(zap.Int64("payment_id", payment.ID), zap.String("intent_id", payment.IntentID()))

	if payment.IntentID() != "" {
		if _, err := s.gateway.CancelIntent(ctx, payment.IntentID()); err != nil {
			log.Warn("release hold failed", zap.Error(err))
			return
		}
	}
	err := s.ledger.UpdatePaymentStatus(ctx, payment.ID, entity.PaymentStatusIntentCreated, entity.PaymentStatusFailed, reasonOrderCancelled)
	if err != nil && !errors.Is(err, ledger.ErrStaleState) {
		log.Error("record released hold failed", zap.Error(err))
	}
}

// SetDelivery assigns a delivery date to PENDING_DELIVERY orders that have none.
// Dates already set are never reassigned.
func (s *Service) SetDelivery(ctx context.Context) (Result, error) {
	ctx, span := serviceTracer.Start(ctx, "SettlementService.SetDelivery")
	defer span.End()

	orders, err := s.ledger.FindOrders(ctx, ledger.OrderFilter{
		Statuses:         []entity.OrderStatus{entity.OrderStatusPendingDelivery},
		DeliveryDateNull: true,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find orders failed")
		return Result{Stage: StageSetDelivery}, fmt.Errorf("set delivery: %w", err)
	}

	now := s.now()
	return runUnits(ctx, s, StageSetDelivery, orders, func(ctx context.Context, order entity.Order) outcome {
		date := s.deliveryDate(ctx, order, now)
		updated, err := s.ledger.SetDeliveryDate(ctx, order.ID, date)
		if err != nil {
			s.logger.Error("set delivery date failed", zap.Int64("order_id", order.ID), zap.Error(err))
			return outcomeFailed
		}
		if !updated {
			return outcomeSkipped
		}
		s.logger.Info("delivery date assigned", zap.Int64("order_id", order.ID), zap.Time("delivery_date", date))
		return outcomeProcessed
	}), nil
}

// deliveryDate is max(now, deadline) plus the producer's lead time.
func (s *Service) deliveryDate(ctx context.Context, order entity.Order, now time.Time) time.Time {
	base := now
	if order.Deadline.After(base) {
		base = order.Deadline
	}
	return base.Add(s.deliveryLead(ctx, order))
}

func (s *Service) deliveryLead(ctx context.Context, order entity.Order) time.Duration {
	lead := s.cfg.DefaultDeliveryLead
	team, err := s.ledger.GetTeam(ctx, order.TeamID)
	if err != nil {
		s.logger.Warn("team lookup for delivery lead failed", zap.Int64("order_id", order.ID), zap.Error(err))
		return lead
	}
	producer, err := s.ledger.GetProducer(ctx, team.ProducerID)
	if err != nil {
		s.logger.Warn("producer lookup for delivery lead failed", zap.Int64("order_id", order.ID), zap.Error(err))
		return lead
	}
	if producer.DeliveryLeadDays > 0 {
		lead = time.Duration(producer.DeliveryLeadDays) * 24 * time.Hour
	}
	return lead
}

// FinalizeDeliveries archives PENDING_DELIVERY orders as SUCCESSFUL once their delivery
// date has passed and captured funds still cover the threshold.
func (s *Service) FinalizeDeliveries(ctx context.Context) (Result, error) {
	ctx, span := serviceTracer.Start(ctx, "SettlementService.FinalizeDeliveries")
	defer span.End()

	now := s.now()
	orders, err := s.ledger.FindOrders(ctx, ledger.OrderFilter{
		Statuses:           []entity.OrderStatus{entity.OrderStatusPendingDelivery},
		DeliveryDateBefore: &now,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find orders failed")
		return Result{Stage: StageFinalizeDeliveries}, fmt.Errorf("finalize deliveries: %w", err)
	}

	return runUnits(ctx, s, StageFinalizeDeliveries, orders, func(ctx context.Context, order entity.Order) outcome {
		return s.advanceIfCaptured(ctx, order, entity.OrderStatusPendingDelivery, entity.OrderStatusSuccessful)
	}), nil
}

// NudgeMembers reminds team members of PENDING orders that close within the nudge window
// and are still short of the threshold. Each order is nudged at most once per interval.
func (s *Service) NudgeMembers(ctx context.Context) (Result, error) {
	ctx, span := serviceTracer.Start(ctx, "SettlementService.NudgeMembers")
	defer span.End()

	now := s.now()
	orders, err := s.pendingOrders(ctx, ledger.OrderFilter{DeadlineAfter: &now})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find orders failed")
		return Result{Stage: StageNudgeMembers}, fmt.Errorf("nudge members: %w", err)
	}

	due := orders[:0]
	for _, order := range orders {
		if s.nudgeDue(order, now) {
			due = append(due, order)
		}
	}

	return runUnits(ctx, s, StageNudgeMembers, due, func(ctx context.Context, order entity.Order) outcome {
		members, err := s.ledger.ListTeamMembers(ctx, order.TeamID)
		if err != nil {
			s.logger.Error("list team members failed", zap.Int64("order_id", order.ID), zap.Error(err))
			return outcomeFailed
		}
		short := order.MinimumThreshold.Sub(order.AccumulatedAmount)
		for _, userID := range members {
			s.notifier.Notify(ctx, notification.Notification{
				UserID: userID,
				Title:  titleOrderClosing,
				Text: fmt.Sprintf("Your team order #%d closes %s and is %s short of the minimum. Add to your basket to make it happen.",
					order.ID, order.Deadline.Format("Mon 2 Jan 15:04"), short.StringFixed(2)),
				Context: orderContext(order.ID),
			})
		}
		if err := s.ledger.TouchNudge(ctx, order.ID, now); err != nil {
			s.logger.Error("record nudge failed", zap.Int64("order_id", order.ID), zap.Error(err))
			return outcomeFailed
		}
		return outcomeProcessed
	}), nil
}

func (s *Service) nudgeDue(order entity.Order, now time.Time) bool {
	if order.ThresholdMet() || order.Deadline.Sub(now) > s.cfg.NudgeWindow {
		return false
	}
	return order.LastNudge == nil || now.Sub(*order.LastNudge) >= s.cfg.NudgeInterval
}
