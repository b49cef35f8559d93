package portioning

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/bulkbuy/internal/config"
	"github.com/Additional-Code/bulkbuy/internal/entity"
	"github.com/Additional-Code/bulkbuy/internal/messaging"
	"github.com/Additional-Code/bulkbuy/internal/repository/ledger"
)

func TestAllocateSplitsMembersAcrossUnits(t *testing.T) {
	demands := []Demand{{UserID: 3, Portions: 2}, {UserID: 1, Portions: 3}, {UserID: 2, Portions: 2}}

	got := Allocate(10, 20, 4, demands)

	want := []entity.PortionAllocation{
		{OrderID: 10, ProductID: 20, UserID: 1, UnitIndex: 0, Portions: 3},
		{OrderID: 10, ProductID: 20, UserID: 2, UnitIndex: 0, Portions: 1},
		{OrderID: 10, ProductID: 20, UserID: 2, UnitIndex: 1, Portions: 1},
		{OrderID: 10, ProductID: 20, UserID: 3, UnitIndex: 1, Portions: 2},
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 2, UnitsNeeded(4, demands))
	assert.Equal(t, got, Allocate(10, 20, 4, demands), "allocation must be deterministic")
}

func TestAllocateEdgeCases(t *testing.T) {
	assert.Nil(t, Allocate(1, 1, 0, []Demand{{UserID: 1, Portions: 2}}))
	assert.Empty(t, Allocate(1, 1, 4, nil))
	assert.Equal(t, 0, UnitsNeeded(0, []Demand{{UserID: 1, Portions: 2}}))
	assert.Equal(t, 3, UnitsNeeded(2, []Demand{{UserID: 1, Portions: 5}}))
}

func TestDemandFromBaskets(t *testing.T) {
	rows := []entity.Basket{
		{UserID: 2, Quantity: 1},
		{UserID: 1, Quantity: 2},
		{UserID: 2, Quantity: 3},
		{UserID: 3, Quantity: 0},
	}
	assert.Equal(t, []Demand{{UserID: 1, Portions: 2}, {UserID: 2, Portions: 4}}, DemandFromBaskets(rows))
}

type memStore struct {
	products map[int64]*entity.Product
	rows     []entity.Basket
	replaced map[[2]int64][]entity.PortionAllocation
}

func (m *memStore) GetProduct(_ context.Context, id int64) (*entity.Product, error) {
	p, ok := m.products[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return p, nil
}

func (m *memStore) FindBasketRows(_ context.Context, f ledger.BasketFilter) ([]entity.Basket, error) {
	var out []entity.Basket
	for _, r := range m.rows {
		if r.OrderID == f.OrderID && (f.ProductID == 0 || r.ProductID == f.ProductID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ReplacePortionAllocations(_ context.Context, orderID, productID int64, allocations []entity.PortionAllocation) error {
	m.replaced[[2]int64{orderID, productID}] = allocations
	return nil
}

func newTestHandler(store Store, now time.Time) *Handler {
	return &Handler{store: store, logger: zap.NewNop(), nowFunc: func() time.Time { return now }}
}

func TestHandlerRecomputesDueRequest(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &memStore{
		products: map[int64]*entity.Product{
			5: {ID: 5, Type: entity.ProductTypePortioned, PortionsPerUnit: 2, Price: decimal.NewFromInt(9)},
			6: {ID: 6, Type: entity.ProductTypeStandard, PortionsPerUnit: 1},
		},
		rows: []entity.Basket{
			{OrderID: 1, UserID: 7, ProductID: 5, Quantity: 1},
			{OrderID: 1, UserID: 8, ProductID: 5, Quantity: 2},
			{OrderID: 1, UserID: 8, ProductID: 6, Quantity: 9},
		},
		replaced: make(map[[2]int64][]entity.PortionAllocation),
	}
	h := newTestHandler(store, now)

	payload, err := json.Marshal(Request{OrderID: 1, ProductID: 5, NotBefore: now.Add(-time.Minute)})
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), messaging.Message{Topic: "portioning", Value: payload}))

	got := store.replaced[[2]int64{1, 5}]
	require.Len(t, got, 3)
	assert.Equal(t, entity.PortionAllocation{OrderID: 1, ProductID: 5, UserID: 7, UnitIndex: 0, Portions: 1}, got[0])
	assert.Equal(t, 1, got[2].UnitIndex)

	require.NoError(t, h.Recompute(context.Background(), 1, 6))
	_, touched := store.replaced[[2]int64{1, 6}]
	assert.False(t, touched, "standard products are not portioned")

	assert.ErrorIs(t, h.Recompute(context.Background(), 1, 99), ledger.ErrNotFound)
}

func TestHandlerRejectsMalformedPayload(t *testing.T) {
	h := newTestHandler(&memStore{}, time.Now())
	assert.Error(t, h.Handle(context.Background(), messaging.Message{Value: []byte("{")}))
}

func TestHandlerWaitHonoursCancellation(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	h := newTestHandler(&memStore{}, now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.waitUntil(ctx, now.Add(time.Hour)), context.Canceled)
	assert.NoError(t, h.waitUntil(context.Background(), now.Add(-time.Second)))
}

type capturingClient struct {
	topic string
	key   []byte
	value []byte
}

func (c *capturingClient) Publish(_ context.Context, topic string, key, value []byte) error {
	c.topic, c.key, c.value = topic, key, value
	return nil
}

func (c *capturingClient) Consume(ctx context.Context, _ messaging.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *capturingClient) Topics() []string { return []string{c.topic} }

func TestSchedulerPublishesDeferredRequest(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	client := &capturingClient{}
	cfg := config.Config{
		Messaging:  config.Messaging{Kafka: config.Kafka{PortioningTopic: "bulkbuy.portioning"}},
		Settlement: config.Settlement{PortioningDelay: 10 * time.Minute},
	}
	s := NewScheduler(client, cfg)
	s.nowFunc = func() time.Time { return now }

	require.NoError(t, s.SchedulePortioning(context.Background(), 4, 9))
	assert.Equal(t, "bulkbuy.portioning", client.topic)
	assert.Equal(t, "4:9", string(client.key))

	var req Request
	require.NoError(t, json.Unmarshal(client.value, &req))
	assert.Equal(t, int64(4), req.OrderID)
	assert.Equal(t, int64(9), req.ProductID)
	assert.True(t, req.NotBefore.Equal(now.Add(10*time.Minute)))
}
