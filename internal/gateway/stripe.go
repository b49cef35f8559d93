package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// Stripe implements Gateway on top of Stripe payment intents with manual capture.
type Stripe struct {
	api *client.API
}

// NewStripe builds a Stripe gateway whose HTTP calls are bounded by timeout.
func NewStripe(secretKey string, timeout time.Duration) *Stripe {
	httpClient := &http.Client{Timeout: timeout}
	return &Stripe{api: client.New(secretKey, stripe.NewBackends(httpClient))}
}

func (s *Stripe) CreateCustomer(ctx context.Context, phone string) (string, error) {
	params := &stripe.CustomerParams{Phone: stripe.String(phone)}
	params.Context = ctx
	customer, err := s.api.Customers.New(params)
	if err != nil {
		return "", mapStripeError(err)
	}
	return customer.ID, nil
}

func (s *Stripe) AttachPaymentMethod(ctx context.Context, methodRef, customerRef string) error {
	if methodRef == "" || customerRef == "" {
		return fmt.Errorf("%w: payment method and customer are required", ErrInvalidRequest)
	}
	params := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerRef)}
	params.Context = ctx
	_, err := s.api.PaymentMethods.Attach(methodRef, params)
	return mapStripeError(err)
}

func (s *Stripe) DetachPaymentMethod(ctx context.Context, methodRef string) error {
	if methodRef == "" {
		return fmt.Errorf("%w: payment method is required", ErrInvalidRequest)
	}
	params := &stripe.PaymentMethodDetachParams{}
	params.Context = ctx
	_, err := s.api.PaymentMethods.Detach(methodRef, params)
	return mapStripeError(err)
}

func (s *Stripe) CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if err := req.Validate(); err != nil {
		return Intent{}, err
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountMinor),
		Currency:      stripe.String(req.Currency),
		Customer:      stripe.String(req.CustomerRef),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return Intent{}, mapStripeError(err)
	}
	return toIntent(pi), nil
}

func (s *Stripe) CaptureIntent(ctx context.Context, intentID, idempotencyKey string) (Intent, error) {
	if intentID == "" {
		return Intent{}, fmt.Errorf("%w: intent id is required", ErrInvalidRequest)
	}
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	pi, err := s.api.PaymentIntents.Capture(intentID, params)
	if err != nil {
		return Intent{}, mapStripeError(err)
	}
	intent := toIntent(pi)
	if intent.Status != IntentStatusSucceeded {
		return intent, fmt.Errorf("%w: capture left intent %s in %s", ErrDeclined, intentID, intent.Status)
	}
	return intent, nil
}

func (s *Stripe) CancelIntent(ctx context.Context, intentID string) (Intent, error) {
	if intentID == "" {
		return Intent{}, fmt.Errorf("%w: intent id is required", ErrInvalidRequest)
	}
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Cancel(intentID, params)
	if err != nil {
		return Intent{}, mapStripeError(err)
	}
	return toIntent(pi), nil
}

func toIntent(pi *stripe.PaymentIntent) Intent {
	return Intent{
		ID:          pi.ID,
		Status:      normaliseStatus(pi.Status),
		AmountMinor: pi.Amount,
	}
}

func normaliseStatus(status stripe.PaymentIntentStatus) IntentStatus {
	switch status {
	case stripe.PaymentIntentStatusRequiresCapture:
		return IntentStatusRequiresCapture
	case stripe.PaymentIntentStatusSucceeded:
		return IntentStatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return IntentStatusCanceled
	case stripe.PaymentIntentStatusProcessing:
		return IntentStatusProcessing
	default:
		return IntentStatusFailed
	}
}

func mapStripeError(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard:
			return fmt.Errorf("%w: %s", ErrDeclined, stripeErr.Msg)
		case stripe.ErrorTypeInvalidRequest:
			return fmt.Errorf("%w: %s", ErrInvalidRequest, stripeErr.Msg)
		}
	}
	return fmt.Errorf("stripe: %w", err)
}
