package portioning

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/bulkbuy/internal/config"
	"github.com/Additional-Code/bulkbuy/internal/entity"
	"github.com/Additional-Code/bulkbuy/internal/messaging"
	"github.com/Additional-Code/bulkbuy/internal/repository/ledger"
	"github.com/Additional-Code/bulkbuy/internal/service/settlement"
	"github.com/Additional-Code/bulkbuy/internal/worker"
)

var workerTracer = otel.Tracer("github.com/Additional-Code/bulkbuy/worker/portioning")

// Module registers the portioning scheduler and its worker handler.
var Module = fx.Module("worker_portioning",
	fx.Provide(
		func(r *ledger.Repository) Store { return r },
		NewScheduler,
		func(s *Scheduler) settlement.PortioningScheduler { return s },
		fx.Annotate(
			NewHandler,
			fx.ResultTags(`group:"worker.handlers"`),
		),
	),
)

// Request asks for the allocation of one portioned product in an order, no earlier
// than NotBefore so late basket lines of the same run are included.
type Request struct {
	OrderID   int64     `json:"order_id"`
	ProductID int64     `json:"product_id"`
	NotBefore time.Time `json:"not_before"`
}

// Store is the persistence needed to recompute allocations.
type Store interface {
	GetProduct(ctx context.Context, id int64) (*entity.Product, error)
	FindBasketRows(ctx context.Context, f ledger.BasketFilter) ([]entity.Basket, error)
	ReplacePortionAllocations(ctx context.Context, orderID, productID int64, allocations []entity.PortionAllocation) error
}

// Scheduler publishes deferred allocation requests on the portioning topic.
type Scheduler struct {
	client  messaging.Client
	topic   string
	delay   time.Duration
	nowFunc func() time.Time
}

// NewScheduler wires a Scheduler from configuration.
func NewScheduler(client messaging.Client, cfg config.Config) *Scheduler {
	return &Scheduler{
		client:  client,
		topic:   cfg.Messaging.Kafka.PortioningTopic,
		delay:   cfg.Settlement.PortioningDelay,
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// SchedulePortioning enqueues an allocation request for orderID/productID.
func (s *Scheduler) SchedulePortioning(ctx context.Context, orderID, productID int64) error {
	payload, err := json.Marshal(Request{
		OrderID:   orderID,
		ProductID: productID,
		NotBefore: s.nowFunc().Add(s.delay),
	})
	if err != nil {
		return err
	}
	key := []byte(fmt.Sprintf("%d:%d", orderID, productID))
	return s.client.Publish(ctx, s.topic, key, payload)
}

// Handler recomputes portion allocations when a request becomes due.
type Handler struct {
	store   Store
	logger  *zap.Logger
	nowFunc func() time.Time
}

// NewHandler registers the portioning handler on the portioning topic.
func NewHandler(store Store, logger *zap.Logger, cfg config.Config) worker.HandlerRegistration {
	h := &Handler{
		store:   store,
		logger:  logger.Named("portioning"),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
	return worker.HandlerRegistration{
		Topic:   cfg.Messaging.Kafka.PortioningTopic,
		Handler: h.Handle,
	}
}

// Handle decodes a request, waits for its NotBefore time and rewrites the allocation.
func (h *Handler) Handle(ctx context.Context, msg messaging.Message) error {
	ctx, span := workerTracer.Start(ctx, "worker.portioning.process", trace.WithAttributes(
		attribute.String("messaging.topic", msg.Topic),
	))
	defer span.End()

	var req Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		h.logger.Error("failed to decode portioning request", zap.Error(err))

		span.RecordError(err)
		span.SetStatus(codes.Error, "decode error")
		return err
	}
	span.SetAttributes(
		attribute.Int64("order.id", req.OrderID),
		attribute.Int64("product.id", req.ProductID),
	)

	if err := h.waitUntil(ctx, req.NotBefore); err != nil {
		return err
	}

	if err := h.Recompute(ctx, req.OrderID, req.ProductID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "allocation failed")
		return err
	}
	return nil
}

// Recompute replaces the allocation of a product in an order from its current baskets.
func (h *Handler) Recompute(ctx context.Context, orderID, productID int64) error {
	product, err := h.store.GetProduct(ctx, productID)
	if err != nil {
		return fmt.Errorf("load product %d: %w", productID, err)
	}
	if !product.Portioned() || product.PortionsPerUnit <= 0 {
		h.logger.Warn("product is not portioned; skipping", zap.Int64("product_id", productID))
		return nil
	}

	rows, err := h.store.FindBasketRows(ctx, ledger.BasketFilter{OrderID: orderID, ProductID: productID})
	if err != nil {
		return fmt.Errorf("load baskets: %w", err)
	}

	demands := DemandFromBaskets(rows)
	allocations := Allocate(orderID, productID, product.PortionsPerUnit, demands)
	if err := h.store.ReplacePortionAllocations(ctx, orderID, productID, allocations); err != nil {
		return err
	}

	h.logger.Info("portions allocated",
		zap.Int64("order_id", orderID),
		zap.Int64("product_id", productID),
		zap.Int("members", len(demands)),
		zap.Int("units", UnitsNeeded(product.PortionsPerUnit, demands)),
	)
	return nil
}

func (h *Handler) waitUntil(ctx context.Context, at time.Time) error {
	wait := at.Sub(h.nowFunc())
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
