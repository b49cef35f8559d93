package entity

import (
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// ProductStatus marks whether a product can be carried into a new basket.
type ProductStatus string

const (
	ProductStatusInStock    ProductStatus = "IN_STOCK"
	ProductStatusOutOfStock ProductStatus = "OUT_OF_STOCK"
)

// ProductType distinguishes whole-unit products from portions of a larger unit.
type ProductType string

const (
	ProductTypeStandard  ProductType = "STANDARD"
	ProductTypePortioned ProductType = "PORTIONED"
)

// Product is a producer's catalog item.
type Product struct {
	bun.BaseModel `bun:"table:products"`

	ID              int64           `bun:",pk,autoincrement" json:"id"`
	ProducerID      int64           `bun:"producer_id,notnull" json:"producer_id"`
	Name            string          `bun:"name,notnull" json:"name"`
	Price           decimal.Decimal `bun:"price,type:decimal(12,2),notnull" json:"price"`
	Status          ProductStatus   `bun:"status,notnull" json:"status"`
	Type            ProductType     `bun:"type,notnull" json:"type"`
	PortionsPerUnit int             `bun:"portions_per_unit,notnull" json:"portions_per_unit"`
}

// Portioned reports whether the product is sold as a share of a larger unit.
func (p *Product) Portioned() bool {
	return p.Type == ProductTypePortioned
}

// PortionAllocation assigns a member's portions to a physical unit.
type PortionAllocation struct {
	bun.BaseModel `bun:"table:portion_allocations"`

	ID        int64 `bun:",pk,autoincrement"`
	OrderID   int64 `bun:"order_id,notnull"`
	ProductID int64 `bun:"product_id,notnull"`
	UserID    int64 `bun:"user_id,notnull"`
	UnitIndex int   `bun:"unit_index,notnull"`
	Portions  int   `bun:"portions,notnull"`
}
