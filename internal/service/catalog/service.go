package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

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
)

var serviceTracer = otel.Tracer("github.com/Additional-Code/bulkbuy/service/catalog")

// ErrProductNotFound is returned for unknown product ids.
var ErrProductNotFound = errors.New("catalog: product not found")

// ProductSource loads products from the system of record.
type ProductSource interface {
	GetProduct(ctx context.Context, id int64) (*entity.Product, error)
}

// Service is a read-through product catalog.
type Service struct {
	source   ProductSource
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

// Module provides the catalog service to Fx.
var Module = fx.Provide(NewService)

// NewService wires the catalog over the ledger repository.
func NewService(p Params) *Service {
	return New(p.Repository, p.Cache, p.Config.Cache.DefaultTTL, p.Logger)
}

// New builds a catalog over any product source.
func New(source ProductSource, store cache.Store, ttl time.Duration, logger *zap.Logger) *Service {
	return &Service{source: source, cache: store, cacheTTL: ttl, logger: logger}
}

// GetProduct returns a product, consulting the cache first.
func (s *Service) GetProduct(ctx context.Context, id int64) (*entity.Product, error) {
	ctx, span := serviceTracer.Start(ctx, "CatalogService.GetProduct", trace.WithAttributes(attribute.Int64("product.id", id)))
	defer span.End()

	if product, err := cache.GetJSON[entity.Product](ctx, s.cache, cacheKey(id)); err == nil {
		return product, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("catalog cache read failed", zap.Int64("product_id", id), zap.Error(err))
	}

	product, err := s.source.GetProduct(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrProductNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "source error")
		return nil, fmt.Errorf("load product %d: %w", id, err)
	}

	if err := cache.SetJSON(ctx, s.cache, cacheKey(product.ID), product, s.cacheTTL); err != nil {
		s.logger.Warn("catalog cache write failed", zap.Int64("product_id", id), zap.Error(err))
	}
	return product, nil
}

// Invalidate drops a cached product after a catalog change.
func (s *Service) Invalidate(ctx context.Context, id int64) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, cacheKey(id))
}

func cacheKey(id int64) string {
	return fmt.Sprintf("products:%d", id)
}
