package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Additional-Code/bulkbuy/internal/entity"
	"github.com/Additional-Code/bulkbuy/internal/gateway"
	"github.com/Additional-Code/bulkbuy/internal/repository/ledger"
)

// AuthorizePayments places a manual-capture hold for every PENDING payment. A successful
// hold moves the payment to INTENT_CREATED and adds its amount to the order in one write.
// Members without a stored payment method are skipped for manual follow-up, and gateway
// failures leave the payment PENDING for the next cycle.
func (s *Service) AuthorizePayments(ctx context.Context) (Result, error) {
	ctx, span := serviceTracer.Start(ctx, "SettlementService.AuthorizePayments")
	defer span.End()

	payments, err := s.ledger.FindPayments(ctx, ledger.PaymentFilter{
		Statuses: []entity.PaymentStatus{entity.PaymentStatusPending},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find payments failed")
		return Result{Stage: StageAuthorizePayments}, fmt.Errorf("authorize payments: %w", err)
	}
	span.SetAttributes(attribute.Int("payments.count", len(payments)))

	return runUnits(ctx, s, StageAuthorizePayments, payments, s.authorizePayment), nil
}

func (s *Service) authorizePayment(ctx context.Context, payment entity.Payment) outcome {
	ctx, span := serviceTracer.Start(ctx, "SettlementService.authorizePayment", trace.WithAttributes(
		attribute.Int64("payment.id", payment.ID),
		attribute.Int64("order.id", payment.OrderID),
	))
	defer span.End()

	log := s.logger.With(
		zap.Int64("payment_id", payment.ID),
		zap.Int64("order_id", payment.OrderID),
		zap.Int64("user_id", payment.UserID),
	)

	order, err := s.ledger.GetOrder(ctx, payment.OrderID)
	if err != nil {
		log.Error("order lookup failed", zap.Error(err))
		return outcomeFailed
	}
	if order.Status != entity.OrderStatusPending {
		log.Debug("order no longer collecting payments", zap.String("order_status", string(order.Status)))
		return outcomeSkipped
	}

	member, err := s.ledger.GetMember(ctx, payment.UserID)
	if errors.Is(err, ledger.ErrNotFound) {
		log.Warn("member has no payment profile", zap.Bool("manual_followup", true))
		s.metrics.incManualFollowUp(ctx, "missing_profile")
		return outcomeSkipped
	}
	if err != nil {
		log.Error("member lookup failed", zap.Error(err))
		return outcomeFailed
	}
	if !member.CanPay() {
		log.Warn("member has no stored payment method", zap.Bool("manual_followup", true))
		s.metrics.incManualFollowUp(ctx, "missing_payment_method")
		return outcomeSkipped
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, gateway.IntentRequest{
		AmountMinor:      gateway.ToMinorUnits(payment.Amount),
		Currency:         s.cfg.Currency,
		CustomerRef:      *member.CustomerRef,
		PaymentMethodRef: *member.PaymentMethodRef,
		IdempotencyKey:   authorizeKey(payment),
		Metadata: map[string]string{
			"order_id":   strconv.FormatInt(payment.OrderID, 10),
			"payment_id": strconv.FormatInt(payment.ID, 10),
			"user_id":    strconv.FormatInt(payment.UserID, 10),
		},
	})
	if err == nil && intent.Status != gateway.IntentStatusRequiresCapture && intent.Status != gateway.IntentStatusSucceeded {
		err = fmt.Errorf("%w: intent %s returned %s", gateway.ErrDeclined, intent.ID, intent.Status)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authorization failed")
		log.Warn("authorization failed; payment stays pending", zap.Error(err))
		if errors.Is(err, gateway.ErrInvalidRequest) {
			s.metrics.incManualFollowUp(ctx, "invalid_request")
		}
		if errors.Is(err, gateway.ErrDeclined) {
			if err := s.ledger.RecordDeclinedAuthorization(ctx, payment.ID, payment.AuthorizeAttempts); err != nil {
				log.Warn("record declined authorization failed", zap.Error(err))
			}
		}
		return outcomeFailed
	}

	err = s.ledger.AuthorizePayment(ctx, payment.ID, intent.ID)
	switch {
	case errors.Is(err, ledger.ErrStaleState):
		log.Info("payment already authorized by another run", zap.String("intent_id", intent.ID))
		return outcomeSkipped
	case err != nil:
		log.Error("record authorization failed", zap.String("intent_id", intent.ID), zap.Error(err))
		return outcomeFailed
	}

	log.Info("payment authorized",
		zap.String("intent_id", intent.ID),
		zap.String("amount", payment.Amount.String()),
	)
	return outcomeProcessed
}

// authorizeKey is stable across transient failures so a retried request is replayed.
// Each recorded decline moves to a fresh key, since processors replay stored declines.
func authorizeKey(p entity.Payment) string {
	key := "authorize-" + strconv.FormatInt(p.ID, 10)
	if p.AuthorizeAttempts > 0 {
		key += "-" + strconv.Itoa(p.AuthorizeAttempts)
	}
	return key
}
