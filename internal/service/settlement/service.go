package settlement

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Additional-Code/bulkbuy/internal/clock"
	"github.com/Additional-Code/bulkbuy/internal/config"
	"github.com/Additional-Code/bulkbuy/internal/entity"
	"github.com/Additional-Code/bulkbuy/internal/gateway"
	"github.com/Additional-Code/bulkbuy/internal/notification"
	"github.com/Additional-Code/bulkbuy/internal/repository/ledger"
)

var serviceTracer = otel.Tracer("github.com/Additional-Code/bulkbuy/service/settlement")

// Ledger is the persistence surface the settlement stages depend on.
type Ledger interface {
	FindOrders(ctx context.Context, f ledger.OrderFilter) ([]entity.Order, error)
	TransitionOrder(ctx context.Context, id int64, from, to entity.OrderStatus) error
	SetDeliveryDate(ctx context.Context, id int64, date time.Time) (bool, error)
	TouchNudge(ctx context.Context, id int64, at time.Time) error
	AggregateCapturedAmount(ctx context.Context, orderID int64) (decimal.Decimal, error)

	FindPayments(ctx context.Context, f ledger.PaymentFilter) ([]entity.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id int64, from, to entity.PaymentStatus, reason string) error
	AuthorizePayment(ctx context.Context, paymentID int64, intentID string) error
	RecordDeclinedAuthorization(ctx context.Context, paymentID int64, attempts int) error

	FindTeamsDueForDelivery(ctx context.Context, now time.Time) ([]entity.BuyingTeam, error)
	OpenOrderForTeam(ctx context.Context, team entity.BuyingTeam, order *entity.Order, nextDelivery time.Time) error
	LatestPriorOrder(ctx context.Context, teamID, beforeID int64) (*entity.Order, error)
	FinishBasketClone(ctx context.Context, orderID int64) error
	FindBasketRows(ctx context.Context, f ledger.BasketFilter) ([]entity.Basket, error)
	CreateMemberBasket(ctx context.Context, rows []entity.Basket, payment *entity.Payment) (bool, error)

	GetOrder(ctx context.Context, id int64) (*entity.Order, error)
	GetTeam(ctx context.Context, id int64) (*entity.BuyingTeam, error)
	GetProducer(ctx context.Context, id int64) (*entity.Producer, error)
	GetMember(ctx context.Context, id int64) (*entity.Member, error)
	ListTeamMembers(ctx context.Context, teamID int64) ([]int64, error)
}

// Notifier dispatches member notifications. It must not block on delivery failures.
type Notifier interface {
	Notify(ctx context.Context, n notification.Notification)
}

// Catalog resolves current product data during basket cloning.
type Catalog interface {
	GetProduct(ctx context.Context, id int64) (*entity.Product, error)
}

// PortioningScheduler defers allocation of a portioned product across members.
type PortioningScheduler interface {
	SchedulePortioning(ctx context.Context, orderID, productID int64) error
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Ledger     Ledger
	Gateway    gateway.Gateway
	Notifier   Notifier
	Catalog    Catalog
	Portioning PortioningScheduler
	Config     config.Config
	Logger     *zap.Logger
	Clock      clock.Clock `optional:"true"`
}

// Service runs the settlement stages against the ledger and payment gateway.
type Service struct {
	ledger     Ledger
	gateway    gateway.Gateway
	notifier   Notifier
	catalog    Catalog
	portioning PortioningScheduler
	cfg        config.Settlement
	logger     *zap.Logger
	clock      clock.Clock
	metrics    *stageMetrics
}

// NewService wires a Service instance.
func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	cfg := p.Config.Settlement
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Service{
		ledger:     p.Ledger,
		gateway:    p.Gateway,
		notifier:   p.Notifier,
		catalog:    p.Catalog,
		portioning: p.Portioning,
		cfg:        cfg,
		logger:     p.Logger.Named("settlement"),
		clock:      clk,
		metrics:    newStageMetrics(p.Logger),
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// Result summarises one stage invocation. Processed counts units that changed state.
type Result struct {
	Stage     Stage `json:"stage"`
	Processed int   `json:"processed"`
	Skipped   int   `json:"skipped"`
	Failed    int   `json:"failed"`
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSkipped
	outcomeFailed
)

// runUnits processes independent units with bounded parallelism. Units never abort
// their siblings; each reports its own outcome.
func runUnits[T any](ctx context.Context, s *Service, stage Stage, units []T, fn func(context.Context, T) outcome) Result {
	var processed, skipped, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, unit := range units {
		g.Go(func() error {
			if gctx.Err() != nil {
				skipped.Add(1)
				return nil
			}
			switch fn(gctx, unit) {
			case outcomeProcessed:
				processed.Add(1)
			case outcomeFailed:
				failed.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		Stage:     stage,
		Processed: int(processed.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}
	s.metrics.recordUnits(ctx, res)
	return res
}
