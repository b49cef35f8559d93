package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Additional-Code/bulkbuy/internal/entity"
	"github.com/Additional-Code/bulkbuy/internal/notification"
	"github.com/Additional-Code/bulkbuy/internal/repository/ledger"
)

const titleNewOrder = "New order started"

// stageCloneBaskets labels per-member units of CreateUserBasket in metrics.
const stageCloneBaskets Stage = "cloneBaskets"

// stageResumeClones labels orders whose basket cloning is retried by CreateOrders.
const stageResumeClones Stage = "resumeClones"

// ErrTeamAlreadyScheduled is returned by CreateNewOrder when another run already opened
// the team's next order.
var ErrTeamAlreadyScheduled = errors.New("settlement: team order already opened for this window")

// BasketSummary reports the outcome of cloning baskets into a new order.
type BasketSummary struct {
	Members  int
	Created  int
	Skipped  int
	Failed   int
	Portions int
}

// GetTeams returns buying teams whose next delivery date is unset or has elapsed.
func (s *Service) GetTeams(ctx context.Context) ([]entity.BuyingTeam, error) {
	teams, err := s.ledger.FindTeamsDueForDelivery(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("get teams: %w", err)
	}
	return teams, nil
}

// CreateNewOrder opens the next PENDING order of a team. The team's next delivery date
// advances in the same transaction, so a re-run for the same window creates nothing.
func (s *Service) CreateNewOrder(ctx context.Context, team entity.BuyingTeam) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "SettlementService.CreateNewOrder", trace.WithAttributes(
		attribute.Int64("team.id", team.ID),
	))
	defer span.End()

	producer, err := s.ledger.GetProducer(ctx, team.ProducerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "producer lookup failed")
		return nil, fmt.Errorf("producer %d of team %d: %w", team.ProducerID, team.ID, err)
	}

	now := s.now()
	cadence := team.Cadence()
	if cadence <= 0 {
		cadence = s.cfg.OrderWindow
	}

	order := &entity.Order{
		TeamID:            team.ID,
		MinimumThreshold:  producer.MinimumThreshold,
		AccumulatedAmount: decimal.Zero,
		Status:            entity.OrderStatusPending,
		Deadline:          now.Add(s.cfg.OrderWindow),
		ClonePending:      true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.ledger.OpenOrderForTeam(ctx, team, order, now.Add(cadence)); err != nil {
		if errors.Is(err, ledger.ErrStaleState) {
			return nil, fmt.Errorf("team %d: %w", team.ID, ErrTeamAlreadyScheduled)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "open order failed")
		return nil, err
	}

	s.logger.Info("order opened",
		zap.Int64("order_id", order.ID),
		zap.Int64("team_id", team.ID),
		zap.Time("deadline", order.Deadline),
		zap.String("threshold", order.MinimumThreshold.String()),
	)
	return order, nil
}

// CreateUserBasket clones each member's basket from the team's latest prior order into
// newOrderID. Out-of-stock lines are dropped and prices are snapshotted from the catalog.
// Every member is handled exactly once, and members left with no lines get no payment.
// Members that already hold a payment for newOrderID are skipped, so a re-run only fills gaps.
func (s *Service) CreateUserBasket(ctx context.Context, teamID, newOrderID int64) (BasketSummary, error) {
	ctx, span := serviceTracer.Start(ctx, "SettlementService.CreateUserBasket", trace.WithAttributes(
		attribute.Int64("team.id", teamID),
		attribute.Int64("order.id", newOrderID),
	))
	defer span.End()

	prior, err := s.ledger.LatestPriorOrder(ctx, teamID, newOrderID)
	if errors.Is(err, ledger.ErrNotFound) {
		return BasketSummary{}, nil
	}
	if err != nil {
		span.RecordError(err)
		return BasketSummary{}, fmt.Errorf("prior order of team %d: %w", teamID, err)
	}

	rows, err := s.ledger.FindBasketRows(ctx, ledger.BasketFilter{OrderID: prior.ID})
	if err != nil {
		span.RecordError(err)
		return BasketSummary{}, fmt.Errorf("basket rows of order %d: %w", prior.ID, err)
	}

	existing, err := s.ledger.FindPayments(ctx, ledger.PaymentFilter{OrderID: newOrderID})
	if err != nil {
		span.RecordError(err)
		return BasketSummary{}, fmt.Errorf("payments of order %d: %w", newOrderID, err)
	}

	paid := make(map[int64]struct{}, len(existing))
	for _, p := range existing {
		paid[p.UserID] = struct{}{}
	}
	processed := make(map[int64]struct{})
	members := make([]int64, 0)
	already := 0
	for _, row := range rows {
		if _, seen := processed[row.UserID]; seen {
			continue
		}
		processed[row.UserID] = struct{}{}
		if _, ok := paid[row.UserID]; ok {
			already++
			continue
		}
		members = append(members, row.UserID)
	}

	scheduled := &portionSet{seen: make(map[int64]struct{})}
	res := runUnits(ctx, s, stageCloneBaskets, members, func(ctx context.Context, userID int64) outcome {
		return s.cloneMemberBasket(ctx, prior.ID, newOrderID, userID, scheduled)
	})

	summary := BasketSummary{
		Members:  len(members) + already,
		Created:  res.Processed,
		Skipped:  res.Skipped + already,
		Failed:   res.Failed,
		Portions: scheduled.count(),
	}
	span.SetAttributes(
		attribute.Int("members", summary.Members),
		attribute.Int("baskets.created", summary.Created),
	)
	return summary, nil
}

func (s *Service) cloneMemberBasket(ctx context.Context, priorOrderID, newOrderID, userID int64, scheduled *portionSet) outcome {
	log := s.logger.With(zap.Int64("order_id", newOrderID), zap.Int64("user_id", userID))

	lines, err := s.ledger.FindBasketRows(ctx, ledger.BasketFilter{OrderID: priorOrderID, UserID: userID})
	if err != nil {
		log.Error("load prior basket failed", zap.Error(err))
		return outcomeFailed
	}

	now := s.now()
	rows := make([]entity.Basket, 0, len(lines))
	var portioned []int64
	total := decimal.Zero
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		product, err := s.catalog.GetProduct(ctx, line.ProductID)
		if err != nil {
			log.Warn("product lookup failed; line skipped", zap.Int64("product_id", line.ProductID), zap.Error(err))
			continue
		}
		if product.Status == entity.ProductStatusOutOfStock {
			log.Debug("out of stock; line skipped", zap.Int64("product_id", product.ID))
			continue
		}
		row := entity.Basket{
			OrderID:   newOrderID,
			UserID:    userID,
			ProductID: product.ID,
			Quantity:  line.Quantity,
			Price:     product.Price,
			CreatedAt: now,
		}
		rows = append(rows, row)
		total = total.Add(row.LineTotal())
		if product.Portioned() {
			portioned = append(portioned, product.ID)
		}
	}

	if len(rows) == 0 {
		log.Info("no in-stock lines to carry forward")
		return outcomeSkipped
	}

	payment := &entity.Payment{
		OrderID:   newOrderID,
		UserID:    userID,
		Amount:    total,
		Status:    entity.PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := s.ledger.CreateMemberBasket(ctx, rows, payment)
	if err != nil {
		log.Error("create basket failed", zap.Error(err))
		return outcomeFailed
	}
	if !created {
		log.Info("basket already exists for member")
		return outcomeSkipped
	}

	for _, productID := range portioned {
		if scheduled.add(productID) {
			s.schedulePortioning(ctx, newOrderID, productID)
		}
	}

	s.notifier.Notify(ctx, notification.Notification{
		UserID:  userID,
		Title:   titleNewOrder,
		Text:    fmt.Sprintf("Your next team order #%d has started with your usual basket (%s).", newOrderID, total.StringFixed(2)),
		Context: orderContext(newOrderID),
	})
	log.Info("basket cloned", zap.Int("lines", len(rows)), zap.String("total", total.String()))
	return outcomeProcessed
}

// schedulePortioning is fire-and-forget; allocation never gates basket creation.
func (s *Service) schedulePortioning(ctx context.Context, orderID, productID int64) {
	if s.portioning == nil {
		return
	}
	if err := s.portioning.SchedulePortioning(ctx, orderID, productID); err != nil {
		s.logger.Warn("schedule portioning failed",
			zap.Int64("order_id", orderID),
			zap.Int64("product_id", productID),
			zap.Error(err),
		)
	}
}

// CreateOrders first finishes basket cloning left incomplete by earlier runs, then opens
// the next order for every due team and clones member baskets into it. An order keeps its
// clone marker until every member basket has been copied.
func (s *Service) CreateOrders(ctx context.Context) (Result, error) {
	ctx, span := serviceTracer.Start(ctx, "SettlementService.CreateOrders")
	defer span.End()

	now := s.now()
	unfinished, err := s.ledger.FindOrders(ctx, ledger.OrderFilter{
		Statuses:      []entity.OrderStatus{entity.OrderStatusPending},
		DeadlineAfter: &now,
		ClonePending:  true,
	})
	var resumed Result
	if err != nil {
		span.RecordError(err)
		s.logger.Error("find orders with unfinished baskets failed", zap.Error(err))
		resumed.Failed = 1
	} else {
		resumed = runUnits(ctx, s, stageResumeClones, unfinished, func(ctx context.Context, order entity.Order) outcome {
			return s.cloneBaskets(ctx, order.TeamID, order.ID)
		})
	}

	teams, err := s.GetTeams(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find teams failed")
		return Result{Stage: StageCreateOrders}, fmt.Errorf("create orders: %w", err)
	}

	res := runUnits(ctx, s, StageCreateOrders, teams, func(ctx context.Context, team entity.BuyingTeam) outcome {
		order, err := s.CreateNewOrder(ctx, team)
		if errors.Is(err, ErrTeamAlreadyScheduled) {
			s.logger.Info("team already advanced by another run", zap.Int64("team_id", team.ID))
			return outcomeSkipped
		}
		if err != nil {
			s.logger.Error("create order failed", zap.Int64("team_id", team.ID), zap.Error(err))
			return outcomeFailed
		}
		return s.cloneBaskets(ctx, team.ID, order.ID)
	})

	res.Processed += resumed.Processed
	res.Skipped += resumed.Skipped
	res.Failed += resumed.Failed
	return res, nil
}

// cloneBaskets runs CreateUserBasket for an order and clears its clone marker when no
// member failed. Otherwise the marker stays and the next run retries the gaps.
func (s *Service) cloneBaskets(ctx context.Context, teamID, orderID int64) outcome {
	log := s.logger.With(zap.Int64("team_id", teamID), zap.Int64("order_id", orderID))

	summary, err := s.CreateUserBasket(ctx, teamID, orderID)
	if err != nil {
		log.Error("clone baskets failed; will retry", zap.Error(err))
		return outcomeFailed
	}
	if summary.Failed > 0 {
		log.Warn("some baskets were not cloned; will retry",
			zap.Int("members", summary.Members),
			zap.Int("failed", summary.Failed),
		)
		return outcomeFailed
	}
	if err := s.ledger.FinishBasketClone(ctx, orderID); err != nil {
		log.Error("finish basket clone failed", zap.Error(err))
		return outcomeFailed
	}
	log.Info("baskets cloned",
		zap.Int("members", summary.Members),
		zap.Int("created", summary.Created),
		zap.Int("skipped", summary.Skipped),
	)
	return outcomeProcessed
}

type portionSet struct {
	mu   sync.Mutex
	seen map[int64]struct{}
}

// add reports whether productID was newly recorded.
func (p *portionSet) add(productID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[productID]; ok {
		return false
	}
	p.seen[productID] = struct{}{}
	return true
}

func (p *portionSet) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}
