// Package fulfillment holds the pure order-fulfillment logic: resolving a
// sold product into consumption requirements, merging requirements across
// order lines, and tracking cumulative reservations inside one unit of work.
// Storage backends run this logic inside their own atomic boundary.
package fulfillment

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"ordena/backend/internal/domain"
	"ordena/backend/internal/store"
)

// ConsumptionPlan is the resolved consumption for one order line: either a
// direct draw of the finished good itself, or an exploded set of supply
// draws from its recipe.
type ConsumptionPlan struct {
	Direct   *domain.StockDraw
	Exploded []domain.StockDraw
	// EmptyRecipe marks a compound product with no recipe rows. Policy:
	// the sale proceeds with zero consumption and the engine logs the
	// misconfiguration, rather than failing the customer's order.
	EmptyRecipe bool
}

// Resolve translates quantitySold units of a product into a consumption
// plan. Simple products consume their own stock row one-for-one; compound
// products explode into (supply, quantityPerUnit * quantitySold) draws.
func Resolve(product domain.Product, quantitySold int) (ConsumptionPlan, error) {
	if quantitySold < 1 {
		return ConsumptionPlan{}, fmt.Errorf("%w: quantity must be positive for product %s", store.ErrInvalidRequest, product.ID)
	}

	if !product.IsCompound {
		return ConsumptionPlan{
			Direct: &domain.StockDraw{
				Item:     product.Ref(),
				Quantity: decimal.NewFromInt(int64(quantitySold)),
			},
		}, nil
	}

	if len(product.Recipe) == 0 {
		return ConsumptionPlan{EmptyRecipe: true}, nil
	}

	sold := decimal.NewFromInt(int64(quantitySold))
	exploded := make([]domain.StockDraw, 0, len(product.Recipe))
	for _, entry := range product.Recipe {
		exploded = append(exploded, domain.StockDraw{
			Item:     domain.ItemRef{Kind: domain.ItemKindSupply, ID: entry.SupplyID},
			Quantity: entry.Quantity.Mul(sold),
		})
	}
	return ConsumptionPlan{Exploded: exploded}, nil
}

// Merge combines the plans of all lines in one order into a single draw per
// item, summing quantities for items touched by multiple lines. The result
// is sorted by item key so storage backends lock rows in a stable order.
func Merge(plans []ConsumptionPlan) []domain.StockDraw {
	byItem := make(map[string]domain.StockDraw)
	for _, plan := range plans {
		draws := plan.Exploded
		if plan.Direct != nil {
			draws = append(draws, *plan.Direct)
		}
		for _, draw := range draws {
			if !draw.Quantity.IsPositive() {
				continue
			}
			key := draw.Item.Key()
			if existing, ok := byItem[key]; ok {
				existing.Quantity = existing.Quantity.Add(draw.Quantity)
				byItem[key] = existing
				continue
			}
			byItem[key] = draw
		}
	}

	merged := make([]domain.StockDraw, 0, len(byItem))
	for _, draw := range byItem {
		merged = append(merged, draw)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Item.Key() < merged[j].Item.Key()
	})
	return merged
}

// Reservation tracks the quantities already committed to the current unit
// of work, so lines consuming the same item are validated cumulatively
// against the on-hand balance instead of independently.
type Reservation struct {
	taken map[string]decimal.Decimal
}

func NewReservation() *Reservation {
	return &Reservation{taken: make(map[string]decimal.Decimal)}
}

// Reserve checks that qty units of item fit within onHand minus what this
// unit of work already reserved, records the reservation, and returns an
// *store.InsufficientStockError otherwise. onHand is the latest committed
// balance read under the unit's exclusive access.
func (r *Reservation) Reserve(item domain.ItemRef, qty decimal.Decimal, onHand decimal.Decimal) error {
	key := item.Key()
	available := onHand.Sub(r.taken[key])
	if available.LessThan(qty) {
		return &store.InsufficientStockError{
			Item:      item,
			Requested: qty,
			Available: available,
		}
	}
	r.taken[key] = r.taken[key].Add(qty)
	return nil
}

// Taken returns the total reserved so far for item.
func (r *Reservation) Taken(item domain.ItemRef) decimal.Decimal {
	return r.taken[item.Key()]
}
