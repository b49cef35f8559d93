package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/bulkbuy/internal/cache"
	"github.com/Additional-Code/bulkbuy/internal/config"
	"github.com/Additional-Code/bulkbuy/internal/entity"
	"github.com/Additional-Code/bulkbuy/internal/repository/ledger"
	"github.com/Additional-Code/bulkbuy/pkg/errorbank"
)

// Module provides the order read service to Fx.
var Module = fx.Provide(NewService)

var serviceTracer = otel.Tracer("github.com/Additional-Code/bulkbuy/service/order")

// Reader is the ledger surface needed to assemble an order view.
type Reader interface {
	GetOrder(ctx context.Context, id int64) (*entity.Order, error)
	FindPayments(ctx context.Context, f ledger.PaymentFilter) ([]entity.Payment, error)
}

// View is an order together with its member payments.
type View struct {
	Order    entity.Order     `json:"order"`
	Payments []entity.Payment `json:"payments"`
	Captured decimal.Decimal  `json:"captured"`
}

// Service serves read-only order views, consulting the cache first.
type Service struct {
	repo     Reader
	cache    cache.Store
	cacheTTL time.Duration
	logger   *zap.Logger
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Repository *ledger.Repository
	Cache      cache.Store
	Config     config.Config
	Logger     *zap.Logger
}

// NewService wires a new Service instance.
func NewService(p Params) *Service {
	return New(p.Repository, p.Cache, p.Config.Cache.DefaultTTL, p.Logger)
}

// New builds a Service over any Reader.
func New(repo Reader, store cache.Store, ttl time.Duration, logger *zap.Logger) *Service {
	return &Service{repo: repo, cache: store, cacheTTL: ttl, logger: logger}
}

// Get retrieves an order view by id.
func (s *Service) Get(ctx context.Context, id int64) (*View, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Get", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	if view, err := cache.GetJSON[View](ctx, s.cache, cacheKey(id)); err == nil {
		return view, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("orders cache read failed", zap.Int64("id", id), zap.Error(err))
	}

	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, errorbank.NotFound("order not found")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
	}

	payments, err := s.repo.FindPayments(ctx, ledger.PaymentFilter{OrderID: id})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to load payments", errorbank.WithCause(err))
	}

	captured := decimal.Zero
	for _, p := range payments {
		if p.Status == entity.PaymentStatusCaptured {
			captured = captured.Add(p.Amount)
		}
	}

	view := &View{Order: *order, Payments: payments, Captured: captured}
	if err := cache.SetJSON(ctx, s.cache, cacheKey(id), view, s.cacheTTL); err != nil {
		s.logger.Warn("orders cache write failed", zap.Int64("id", id), zap.Error(err))
	}
	return view, nil
}

func cacheKey(id int64) string {
	return fmt.Sprintf("orders:%d", id)
}
