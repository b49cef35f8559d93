package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/bulkbuy/internal/config"
)

var (
	// ErrDeclined is returned when the processor refuses a hold or capture.
	ErrDeclined = errors.New("gateway: payment declined")
	// ErrInvalidRequest is returned for malformed requests or unknown references.
	ErrInvalidRequest = errors.New("gateway: invalid request")
)

// IntentStatus is the processor-neutral state of a payment intent.
type IntentStatus string

const (
	IntentStatusRequiresCapture IntentStatus = "requires_capture"
	IntentStatusProcessing      IntentStatus = "processing"
	IntentStatusSucceeded       IntentStatus = "succeeded"
	IntentStatusCanceled        IntentStatus = "canceled"
	IntentStatusFailed          IntentStatus = "failed"
)

// Intent is a hold (or completed charge) on a member's payment method.
type Intent struct {
	ID          string
	Status      IntentStatus
	AmountMinor int64
}

// IntentRequest asks the processor to place a manual-capture hold.
type IntentRequest struct {
	AmountMinor      int64  `validate:"gt=0"`
	Currency         string `validate:"required,len=3,lowercase"`
	CustomerRef      string `validate:"required"`
	PaymentMethodRef string `validate:"required"`
	IdempotencyKey   string `validate:"required,max=255"`
	Metadata         map[string]string
}

// Gateway is the external payment processor seen by the settlement engine.
type Gateway interface {
	CreateCustomer(ctx context.Context, phone string) (string, error)
	AttachPaymentMethod(ctx context.Context, methodRef, customerRef string) error
	DetachPaymentMethod(ctx context.Context, methodRef string) error
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error)
	CaptureIntent(ctx context.Context, intentID, idempotencyKey string) (Intent, error)
	CancelIntent(ctx context.Context, intentID string) (Intent, error)
}

// Module provides the configured gateway to Fx.
var Module = fx.Provide(New)

// New selects the gateway driver from configuration and bounds every call by GATEWAY_TIMEOUT.
func New(cfg config.Config, logger *zap.Logger) (Gateway, error) {
	var gw Gateway
	switch cfg.Gateway.Driver {
	case "stripe":
		gw = NewStripe(cfg.Gateway.SecretKey, cfg.Gateway.Timeout)
	case "sandbox":
		gw = NewSandbox()
	default:
		return nil, fmt.Errorf("unsupported gateway driver: %s", cfg.Gateway.Driver)
	}
	logger.Info("payment gateway configured", zap.String("driver", cfg.Gateway.Driver))
	return WithTimeout(gw, cfg.Gateway.Timeout), nil
}

// ToMinorUnits converts a major-unit amount to the processor's integer minor units.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

var validate = validatorv10.New()

// Validate checks a request before it leaves the process.
func (r IntentRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// WithTimeout wraps gw so each call runs under its own deadline.
// An expired deadline surfaces as context.DeadlineExceeded.
func WithTimeout(gw Gateway, timeout time.Duration) Gateway {
	if timeout <= 0 {
		return gw
	}
	return &timeoutGateway{next: gw, timeout: timeout}
}

type timeoutGateway struct {
	next    Gateway
	timeout time.Duration
}

func (t *timeoutGateway) CreateCustomer(ctx context.Context, phone string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.CreateCustomer(ctx, phone)
}

func (t *timeoutGateway) AttachPaymentMethod(ctx context.Context, methodRef, customerRef string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.AttachPaymentMethod(ctx, methodRef, customerRef)
}

func (t *timeoutGateway) DetachPaymentMethod(ctx context.Context, methodRef string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.DetachPaymentMethod(ctx, methodRef)
}

func (t *timeoutGateway) CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.CreatePaymentIntent(ctx, req)
}

func (t *timeoutGateway) CaptureIntent(ctx context.Context, intentID, idempotencyKey string) (Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.CaptureIntent(ctx, intentID, idempotencyKey)
}

func (t *timeoutGateway) CancelIntent(ctx context.Context, intentID string) (Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.CancelIntent(ctx, intentID)
}
