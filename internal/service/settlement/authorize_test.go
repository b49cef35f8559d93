package settlement

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Additional-Code/bulkbuy/internal/entity"
	"github.com/Additional-Code/bulkbuy/internal/gateway"
)

func TestAuthorizePayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payer := f.ledger.addMember(true)
	declined := f.ledger.addMember(true)
	noMethod := f.ledger.addMember(false)

	order := f.ledger.addOrder(1, entity.OrderStatusPending, "100", "0", baseTime.Add(time.Hour))
	ok := f.ledger.addPayment(order.ID, payer.ID, "25", entity.PaymentStatusPending, "")
	bad := f.ledger.addPayment(order.ID, declined.ID, "13.13", entity.PaymentStatusPending, "")
	skipped := f.ledger.addPayment(order.ID, noMethod.ID, "40", entity.PaymentStatusPending, "")
	f.gateway.declineCreate[1313] = true

	closed := f.ledger.addOrder(1, entity.OrderStatusFailed, "100", "0", baseTime.Add(-time.Hour))
	stale := f.ledger.addPayment(closed.ID, payer.ID, "10", entity.PaymentStatusPending, "")

	res, err := f.service.AuthorizePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Stage: StageAuthorizePayments, Processed: 1, Skipped: 2, Failed: 1}, res)

	authorized := f.ledger.payment(ok.ID)
	assert.Equal(t, entity.PaymentStatusIntentCreated, authorized.Status)
	assert.NotEmpty(t, authorized.IntentID())

	assert.Equal(t, entity.PaymentStatusPending, f.ledger.payment(bad.ID).Status)
	assert.Equal(t, 1, f.ledger.payment(bad.ID).AuthorizeAttempts)
	assert.Equal(t, entity.PaymentStatusPending, f.ledger.payment(skipped.ID).Status)
	assert.Equal(t, entity.PaymentStatusPending, f.ledger.payment(stale.ID).Status)

	assert.True(t, f.ledger.order(order.ID).AccumulatedAmount.Equal(decimal.NewFromInt(25)))
	assert.True(t, f.ledger.order(closed.ID).AccumulatedAmount.IsZero())

	var req *gateway.IntentRequest
	for i := range f.gateway.created {
		if f.gateway.created[i].AmountMinor == 2500 {
			req = &f.gateway.created[i]
		}
	}
	require.NotNil(t, req)
	assert.Equal(t, "authorize-"+strconv.FormatInt(ok.ID, 10), req.IdempotencyKey)
	assert.Equal(t, "gbp", req.Currency)
	assert.Equal(t, strconv.FormatInt(order.ID, 10), req.Metadata["order_id"])
	assert.Len(t, f.gateway.created, 2)
}

func TestAuthorizeRetriesPendingOnNextRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	member := f.ledger.addMember(true)
	order := f.ledger.addOrder(1, entity.OrderStatusPending, "20", "0", baseTime.Add(time.Hour))
	p := f.ledger.addPayment(order.ID, member.ID, "13.13", entity.PaymentStatusPending, "")
	f.gateway.declineCreate[1313] = true

	res, err := f.service.AuthorizePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	assert.Equal(t, 1, f.ledger.payment(p.ID).AuthorizeAttempts)

	delete(f.gateway.declineCreate, 1313)
	res, err = f.service.AuthorizePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, entity.PaymentStatusIntentCreated, f.ledger.payment(p.ID).Status)

	key := "authorize-" + strconv.FormatInt(p.ID, 10)
	require.Len(t, f.gateway.created, 2)
	assert.Equal(t, key, f.gateway.created[0].IdempotencyKey)
	assert.Equal(t, key+"-1", f.gateway.created[1].IdempotencyKey)

	res, err = f.service.AuthorizePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Stage: StageAuthorizePayments}, res)
	assert.True(t, f.ledger.order(order.ID).AccumulatedAmount.Equal(decimal.RequireFromString("13.13")))
}

func TestAuthorizeKeepsKeyAfterTransientFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	member := f.ledger.addMember(true)
	order := f.ledger.addOrder(1, entity.OrderStatusPending, "20", "0", baseTime.Add(time.Hour))
	p := f.ledger.addPayment(order.ID, member.ID, "12.00", entity.PaymentStatusPending, "")
	f.gateway.createErr = errors.New("i/o timeout")

	res, err := f.service.AuthorizePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, f.ledger.payment(p.ID).AuthorizeAttempts)

	res, err = f.service.AuthorizePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	require.Len(t, f.gateway.created, 2)
	assert.Equal(t, f.gateway.created[0].IdempotencyKey, f.gateway.created[1].IdempotencyKey)
}
