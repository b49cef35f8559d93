package seeder

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/bulkbuy/internal/database"
	"github.com/Additional-Code/bulkbuy/internal/entity"
)

const demoProducer = "Hillside Farm"

// Module provides the seeder to Fx.
var Module = fx.Provide(New)

// Seeder performs database seeding for local/dev setups.
type Seeder struct {
	db      *bun.DB
	logger  *zap.Logger
	nowFunc func() time.Time
}

// New constructs a Seeder backed by the primary database connection.
func New(conns *database.Connections, logger *zap.Logger) *Seeder {
	return &Seeder{db: conns.Writer, logger: logger, nowFunc: func() time.Time { return time.Now().UTC() }}
}

func strptr(s string) *string { return &s }

// Run seeds a demo producer, catalog and buying team with one elapsed order whose
// baskets the generator can clone. It is a no-op when the demo producer exists.
func (s *Seeder) Run(ctx context.Context) error {
	exists, err := s.db.NewSelect().Model((*entity.Producer)(nil)).Where("name = ?", demoProducer).Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		if s.logger != nil {
			s.logger.Info("demo data already present; skipping seed")
		}
		return nil
	}

	now := s.nowFunc()
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		producer := &entity.Producer{
			Name:             demoProducer,
			MinimumThreshold: decimal.NewFromInt(100),
			DeliveryLeadDays: 2,
		}
		if _, err := tx.NewInsert().Model(producer).Exec(ctx); err != nil {
			return err
		}

		products := []entity.Product{
			{ProducerID: producer.ID, Name: "Free-range eggs (dozen)", Price: decimal.RequireFromString("4.20"), Status: entity.ProductStatusInStock, Type: entity.ProductTypeStandard, PortionsPerUnit: 1},
			{ProducerID: producer.ID, Name: "Raw milk cheese (quarter wheel)", Price: decimal.RequireFromString("18.75"), Status: entity.ProductStatusInStock, Type: entity.ProductTypePortioned, PortionsPerUnit: 4},
			{ProducerID: producer.ID, Name: "Heritage apples (5kg)", Price: decimal.RequireFromString("9.90"), Status: entity.ProductStatusOutOfStock, Type: entity.ProductTypeStandard, PortionsPerUnit: 1},
		}
		if _, err := tx.NewInsert().Model(&products).Exec(ctx); err != nil {
			return err
		}

		members := []entity.Member{
			{Phone: "+447700900001", CustomerRef: strptr("cus_demo_1"), PaymentMethodRef: strptr("pm_demo_1")},
			{Phone: "+447700900002", CustomerRef: strptr("cus_demo_2"), PaymentMethodRef: strptr("pm_demo_2")},
			{Phone: "+447700900003"},
		}
		if _, err := tx.NewInsert().Model(&members).Exec(ctx); err != nil {
			return err
		}

		team := &entity.BuyingTeam{
			ProducerID: producer.ID,
			HostID:     members[0].ID,
			Frequency:  int64((7 * 24 * time.Hour).Seconds()),
			PostalCode: "BS1 4DJ",
		}
		if _, err := tx.NewInsert().Model(team).Exec(ctx); err != nil {
			return err
		}

		teamMembers := make([]entity.TeamMember, 0, len(members))
		for _, m := range members {
			teamMembers = append(teamMembers, entity.TeamMember{TeamID: team.ID, UserID: m.ID})
		}
		if _, err := tx.NewInsert().Model(&teamMembers).Exec(ctx); err != nil {
			return err
		}

		prior := &entity.Order{
			TeamID:            team.ID,
			MinimumThreshold:  producer.MinimumThreshold,
			AccumulatedAmount: decimal.Zero,
			Status:            entity.OrderStatusFailed,
			Deadline:          now.Add(-24 * time.Hour),
			CreatedAt:         now.Add(-7 * 24 * time.Hour),
			UpdatedAt:         now.Add(-24 * time.Hour),
		}
		if _, err := tx.NewInsert().Model(prior).Exec(ctx); err != nil {
			return err
		}

		baskets := []entity.Basket{
			{OrderID: prior.ID, UserID: members[0].ID, ProductID: products[0].ID, Quantity: 2, Price: products[0].Price, CreatedAt: prior.CreatedAt},
			{OrderID: prior.ID, UserID: members[0].ID, ProductID: products[2].ID, Quantity: 1, Price: products[2].Price, CreatedAt: prior.CreatedAt},
			{OrderID: prior.ID, UserID: members[1].ID, ProductID: products[1].ID, Quantity: 3, Price: products[1].Price, CreatedAt: prior.CreatedAt},
			{OrderID: prior.ID, UserID: members[2].ID, ProductID: products[1].ID, Quantity: 2, Price: products[1].Price, CreatedAt: prior.CreatedAt},
		}
		if _, err := tx.NewInsert().Model(&baskets).Exec(ctx); err != nil {
			return err
		}

		if s.logger != nil {
			s.logger.Info("seeded demo team",
				zap.Int64("producer_id", producer.ID),
				zap.Int64("team_id", team.ID),
				zap.Int64("prior_order_id", prior.ID),
				zap.Int("members", len(members)),
			)
		}
		return nil
	})
}
