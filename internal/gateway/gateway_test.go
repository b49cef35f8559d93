package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() IntentRequest {
	return IntentRequest{
		AmountMinor:      2550,
		Currency:         "gbp",
		CustomerRef:      "cus_1",
		PaymentMethodRef: "pm_1",
		IdempotencyKey:   "authorize-1",
	}
}

func TestToMinorUnits(t *testing.T) {
	assert.Equal(t, int64(2550), ToMinorUnits(decimal.RequireFromString("25.50")))
	assert.Equal(t, int64(1), ToMinorUnits(decimal.RequireFromString("0.005")))
	assert.Equal(t, int64(10000), ToMinorUnits(decimal.NewFromInt(100)))
}

func TestIntentRequestValidate(t *testing.T) {
	require.NoError(t, validRequest().Validate())

	cases := map[string]func(*IntentRequest){
		"zero amount":      func(r *IntentRequest) { r.AmountMinor = 0 },
		"upper currency":   func(r *IntentRequest) { r.Currency = "GBP" },
		"long currency":    func(r *IntentRequest) { r.Currency = "gbpx" },
		"missing customer": func(r *IntentRequest) { r.CustomerRef = "" },
		"missing method":   func(r *IntentRequest) { r.PaymentMethodRef = "" },
		"missing key":      func(r *IntentRequest) { r.IdempotencyKey = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			mutate(&req)
			assert.ErrorIs(t, req.Validate(), ErrInvalidRequest)
		})
	}
}

func TestSandboxAuthorizeAndCapture(t *testing.T) {
	ctx := context.Background()
	sb := NewSandbox()

	intent, err := sb.CreatePaymentIntent(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, IntentStatusRequiresCapture, intent.Status)

	replayed, err := sb.CreatePaymentIntent(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, intent.ID, replayed.ID)

	captured, err := sb.CaptureIntent(ctx, intent.ID, "capture-1")
	require.NoError(t, err)
	assert.Equal(t, IntentStatusSucceeded, captured.Status)

	again, err := sb.CaptureIntent(ctx, intent.ID, "capture-1")
	require.NoError(t, err)
	assert.Equal(t, IntentStatusSucceeded, again.Status)

	_, err = sb.CancelIntent(ctx, intent.ID)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSandboxDeclines(t *testing.T) {
	req := validRequest()
	req.AmountMinor = 1013

	_, err := NewSandbox().CreatePaymentIntent(context.Background(), req)
	assert.ErrorIs(t, err, ErrDeclined)
}

func TestSandboxCancelThenCaptureFails(t *testing.T) {
	ctx := context.Background()
	sb := NewSandbox()

	intent, err := sb.CreatePaymentIntent(ctx, validRequest())
	require.NoError(t, err)

	canceled, err := sb.CancelIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentStatusCanceled, canceled.Status)

	_, err = sb.CaptureIntent(ctx, intent.ID, "")
	assert.ErrorIs(t, err, ErrDeclined)
}

func TestSandboxPaymentMethods(t *testing.T) {
	ctx := context.Background()
	sb := NewSandbox()

	_, err := sb.CreateCustomer(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	customer, err := sb.CreateCustomer(ctx, "+447700900000")
	require.NoError(t, err)

	require.NoError(t, sb.AttachPaymentMethod(ctx, "pm_card", customer))
	assert.ErrorIs(t, sb.AttachPaymentMethod(ctx, "pm_card", "cus_unknown"), ErrInvalidRequest)
	require.NoError(t, sb.DetachPaymentMethod(ctx, "pm_card"))
	assert.ErrorIs(t, sb.DetachPaymentMethod(ctx, "pm_card"), ErrInvalidRequest)
}

type slowGateway struct {
	Gateway
}

func (slowGateway) CaptureIntent(ctx context.Context, _, _ string) (Intent, error) {
	<-ctx.Done()
	return Intent{}, ctx.Err()
}

func TestWithTimeoutBoundsCalls(t *testing.T) {
	gw := WithTimeout(slowGateway{Gateway: NewSandbox()}, 10*time.Millisecond)

	_, err := gw.CaptureIntent(context.Background(), "pi_1", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
