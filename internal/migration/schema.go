package migration

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/Additional-Code/bulkbuy/internal/entity"
)

func models() []any {
	return []any{
		(*entity.Producer)(nil),
		(*entity.Product)(nil),
		(*entity.Member)(nil),
		(*entity.BuyingTeam)(nil),
		(*entity.TeamMember)(nil),
		(*entity.Order)(nil),
		(*entity.Basket)(nil),
		(*entity.Payment)(nil),
		(*entity.PortionAllocation)(nil),
	}
}

// CreateSchema creates every settlement table from the bun models. Used for sqlite and tests.
func CreateSchema(ctx context.Context, db *bun.DB) error {
	for _, model := range models() {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}

	indexes := []struct {
		model   any
		name    string
		columns []string
	}{
		{(*entity.Payment)(nil), "payments_order_user_uidx", []string{"order_id", "user_id"}},
		{(*entity.PortionAllocation)(nil), "portion_allocations_uidx", []string{"order_id", "product_id", "user_id", "unit_index"}},
	}
	for _, idx := range indexes {
		_, err := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Unique().
			IfNotExists().
			Column(idx.columns...).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// DropSchema removes the settlement tables in reverse dependency order.
func DropSchema(ctx context.Context, db *bun.DB) error {
	all := models()
	for i := len(all) - 1; i >= 0; i-- {
		if _, err := db.NewDropTable().Model(all[i]).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("drop table for %T: %w", all[i], err)
		}
	}
	return nil
}
