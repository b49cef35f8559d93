package portioning

import (
	"sort"

	"github.com/Additional-Code/bulkbuy/internal/entity"
)

// Demand is the number of portions one member ordered of a portioned product.
type Demand struct {
	UserID   int64
	Portions int
}

// DemandFromBaskets sums basket quantities per member.
func DemandFromBaskets(rows []entity.Basket) []Demand {
	totals := make(map[int64]int)
	for _, row := range rows {
		if row.Quantity > 0 {
			totals[row.UserID] += row.Quantity
		}
	}
	demands := make([]Demand, 0, len(totals))
	for userID, portions := range totals {
		demands = append(demands, Demand{UserID: userID, Portions: portions})
	}
	sort.Slice(demands, func(i, j int) bool { return demands[i].UserID < demands[j].UserID })
	return demands
}

// Allocate fills physical units of portionsPerUnit in member order. A member whose portions
// do not fit in the current unit continues in the next one. The result is deterministic
// for the same demands, so recomputing it is idempotent.
func Allocate(orderID, productID int64, portionsPerUnit int, demands []Demand) []entity.PortionAllocation {
	if portionsPerUnit <= 0 {
		return nil
	}

	sorted := append([]Demand(nil), demands...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].UserID < sorted[j].UserID })

	var (
		allocations []entity.PortionAllocation
		unit        int
		free        = portionsPerUnit
	)
	for _, d := range sorted {
		remaining := d.Portions
		for remaining > 0 {
			take := min(remaining, free)
			allocations = append(allocations, entity.PortionAllocation{
				OrderID:   orderID,
				ProductID: productID,
				UserID:    d.UserID,
				UnitIndex: unit,
				Portions:  take,
			})
			remaining -= take
			free -= take
			if free == 0 {
				unit++
				free = portionsPerUnit
			}
		}
	}
	return allocations
}

// UnitsNeeded is the number of physical units the allocation occupies.
func UnitsNeeded(portionsPerUnit int, demands []Demand) int {
	if portionsPerUnit <= 0 {
		return 0
	}
	total := 0
	for _, d := range demands {
		total += d.Portions
	}
	return (total + portionsPerUnit - 1) / portionsPerUnit
}
