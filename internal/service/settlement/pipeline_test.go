package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Additional-Code/bulkbuy/internal/entity"
	"github.com/Additional-Code/bulkbuy/internal/repository/ledger"
)

type statusRecorder struct {
	mu       sync.Mutex
	statuses []healthpb.HealthCheckResponse_ServingStatus
}

func (r *statusRecorder) SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if service == HealthService {
		r.statuses = append(r.statuses, status)
	}
}

func (r *statusRecorder) last() healthpb.HealthCheckResponse_ServingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[len(r.statuses)-1]
}

func newTestPipeline(f *fixture, health StatusReporter) *Pipeline {
	return NewPipeline(PipelineParams{
		Service: f.service,
		Config:  testConfig(),
		Logger:  zap.NewNop(),
		Health:  health,
	})
}

func stagesOf(results []Result) []Stage {
	out := make([]Stage, 0, len(results))
	for _, r := range results {
		out = append(out, r.Stage)
	}
	return out
}

func TestParseStage(t *testing.T) {
	stage, err := ParseStage("chargeUsers")
	require.NoError(t, err)
	assert.Equal(t, StageChargeUsers, stage)

	_, err = ParseStage("refundEveryone")
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestPipelineRunsStagesInOrder(t *testing.T) {
	f := newFixture(t)
	health := &statusRecorder{}
	p := newTestPipeline(f, health)

	results, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stages(), stagesOf(results))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, health.last())

	results, err = p.Run(context.Background(), StageSetDelivery, StageCreateOrders)
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageCreateOrders, StageSetDelivery}, stagesOf(results))

	_, err = p.Run(context.Background(), Stage("bogus"))
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestPipelineStopsAtFirstStageError(t *testing.T) {
	f := newFixture(t)
	f.ledger.findErr = errors.New("database is locked")
	health := &statusRecorder{}
	p := newTestPipeline(f, health)

	results, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(StageChargeUsers))
	assert.Equal(t, []Stage{StageCreateOrders, StageAuthorizePayments, StageChargeUsers}, stagesOf(results))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, health.last())
}

func TestPipelineRejectsConcurrentRuns(t *testing.T) {
	f := newFixture(t)
	p := newTestPipeline(f, nil)

	p.running.Lock()
	_, err := p.RunStage(context.Background(), StageCancelOrders)
	assert.ErrorIs(t, err, ErrPipelineBusy)
	_, err = p.Run(context.Background())
	assert.ErrorIs(t, err, ErrPipelineBusy)
	p.running.Unlock()

	res, err := p.RunStage(context.Background(), StageCancelOrders)
	require.NoError(t, err)
	assert.Equal(t, StageCancelOrders, res.Stage)
}

func TestPipelineSettlesRecurringOrderEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	addProduct(f.catalog, 701, "6.00", entity.ProductStatusInStock, entity.ProductTypeStandard)
	producer := f.ledger.addProducer("20", 2)
	a := f.ledger.addMember(true)
	b := f.ledger.addMember(true)
	team := f.ledger.addTeam(producer.ID, a.ID, b.ID)
	prior := f.ledger.addOrder(team.ID, entity.OrderStatusSuccessful, "20", "24", baseTime.AddDate(0, 0, -7))
	f.ledger.addBasket(prior.ID, a.ID, 701, 2, "6.00")
	f.ledger.addBasket(prior.ID, b.ID, 701, 2, "6.00")

	p := newTestPipeline(f, nil)
	_, err := p.Run(ctx)
	require.NoError(t, err)

	orders, err := f.ledger.FindOrders(ctx, ledger.OrderFilter{TeamID: team.ID, Statuses: []entity.OrderStatus{entity.OrderStatusPendingDelivery}})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	order := orders[0]
	assert.NotEqual(t, prior.ID, order.ID)
	require.NotNil(t, order.DeliveryDate)

	for _, payment := range f.ledger.paymentsOf(order.ID) {
		assert.Equal(t, entity.PaymentStatusCaptured, payment.Status)
	}

	captured, err := f.ledger.AggregateCapturedAmount(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "24.00", captured.StringFixed(2))
}
