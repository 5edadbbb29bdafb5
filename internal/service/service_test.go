package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"ordena/backend/internal/domain"
	"ordena/backend/internal/store"
	"ordena/backend/internal/store/memory"
)

func newTestService() *Service {
	return New(memory.NewSeeded(), nil, "br-matriz")
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func dec(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", value, err)
	}
	return d
}

func stockQuantity(t *testing.T, svc *Service, branchID string, item domain.ItemRef) decimal.Decimal {
	t.Helper()
	rows, err := svc.BranchStock(context.Background(), branchID)
	if err != nil {
		t.Fatalf("branch stock failed: %v", err)
	}
	for _, row := range rows {
		if row.Item == item {
			return row.Quantity
		}
	}
	t.Fatalf("no stock row for %s", item.Key())
	return decimal.Zero
}

func TestPlaceOrderSimpleProductDrawsStock(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	receipt, err := svc.PlaceOrder(ctx, domain.PlaceOrderRequest{
		BranchID:     "br-matriz",
		CustomerName: "Ana",
		Lines: []domain.PlaceOrderLine{
			{ProductID: "prod-agua", Quantity: 2, UnitPrice: dec(t, "18")},
		},
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}
	if len(receipt.Folio) != 5 {
		t.Fatalf("expected 5-char folio, got %q", receipt.Folio)
	}
	if !receipt.Total.Equal(dec(t, "36")) {
		t.Fatalf("expected total 36, got %s", receipt.Total)
	}

	agua := domain.ItemRef{Kind: domain.ItemKindProduct, ID: "prod-agua"}
	if qty := stockQuantity(t, svc, "br-matriz", agua); !qty.Equal(dec(t, "118")) {
		t.Fatalf("expected 118 agua left, got %s", qty)
	}

	movements, err := svc.ListMovements(ctx, "br-matriz", &agua, 10)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("expected exactly 1 movement, got %d", len(movements))
	}
	if movements[0].Type != domain.MovementSaleOut || !movements[0].Quantity.Equal(dec(t, "2")) {
		t.Fatalf("unexpected movement %s qty=%s", movements[0].Type, movements[0].Quantity)
	}
	if movements[0].Ref != receipt.OrderID {
		t.Fatalf("expected movement ref %s, got %s", receipt.OrderID, movements[0].Ref)
	}
	if movements[0].UserID != "admin" {
		t.Fatalf("expected sale-out stamped with acting user, got %q", movements[0].UserID)
	}
}

func TestPlaceOrderRequiresBranch(t *testing.T) {
	svc := newTestService()

	_, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		Lines: []domain.PlaceOrderLine{
			{ProductID: "prod-agua", Quantity: 2, UnitPrice: dec(t, "18")},
		},
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for absent branch, got %v", err)
	}

	agua := domain.ItemRef{Kind: domain.ItemKindProduct, ID: "prod-agua"}
	if qty := stockQuantity(t, svc, "br-matriz", agua); !qty.Equal(dec(t, "120")) {
		t.Fatalf("expected no stock drawn anywhere, got %s at br-matriz", qty)
	}
}

func TestPlaceOrderExplodesRecipe(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	_, err := svc.PlaceOrder(ctx, domain.PlaceOrderRequest{
		BranchID: "br-matriz",
		Lines: []domain.PlaceOrderLine{
			{ProductID: "prod-licuado-fresa", Quantity: 3},
		},
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}

	fresa := domain.ItemRef{Kind: domain.ItemKindSupply, ID: "sup-fresa"}
	leche := domain.ItemRef{Kind: domain.ItemKindSupply, ID: "sup-leche"}
	vaso := domain.ItemRef{Kind: domain.ItemKindSupply, ID: "sup-vaso"}

	if qty := stockQuantity(t, svc, "br-matriz", fresa); !qty.Equal(dec(t, "9.4")) {
		t.Fatalf("expected 9.4 fresa, got %s", qty)
	}
	if qty := stockQuantity(t, svc, "br-matriz", leche); !qty.Equal(dec(t, "39.25")) {
		t.Fatalf("expected 39.25 leche, got %s", qty)
	}
	if qty := stockQuantity(t, svc, "br-matriz", vaso); !qty.Equal(dec(t, "497")) {
		t.Fatalf("expected 497 vasos, got %s", qty)
	}

	// The finished product itself never gets a ledger entry.
	licuado := domain.ItemRef{Kind: domain.ItemKindProduct, ID: "prod-licuado-fresa"}
	movements, err := svc.ListMovements(ctx, "br-matriz", &licuado, 10)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if len(movements) != 0 {
		t.Fatalf("expected no product movements for compound sale, got %d", len(movements))
	}
}

func TestPlaceOrderAtomicOnFailure(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	// Second line needs 10 kg of mango and only 8 are on hand; the first
	// line must not leave any trace either.
	_, err := svc.PlaceOrder(ctx, domain.PlaceOrderRequest{
		BranchID: "br-matriz",
		Lines: []domain.PlaceOrderLine{
			{ProductID: "prod-agua", Quantity: 1},
			{ProductID: "prod-licuado-mango", Quantity: 50},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	agua := domain.ItemRef{Kind: domain.ItemKindProduct, ID: "prod-agua"}
	if qty := stockQuantity(t, svc, "br-matriz", agua); !qty.Equal(dec(t, "120")) {
		t.Fatalf("expected agua untouched at 120, got %s", qty)
	}
	movements, err := svc.ListMovements(ctx, "br-matriz", nil, 50)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if len(movements) != 0 {
		t.Fatalf("expected no movements after failed order, got %d", len(movements))
	}
}

func TestPlaceOrderValidatesCumulatively(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	// 60 galletas seeded: each line alone fits, together they do not.
	_, err := svc.PlaceOrder(ctx, domain.PlaceOrderRequest{
		BranchID: "br-matriz",
		Lines: []domain.PlaceOrderLine{
			{ProductID: "prod-galleta", Quantity: 35},
			{ProductID: "prod-galleta", Quantity: 35},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected cumulative validation to fail, got %v", err)
	}

	galleta := domain.ItemRef{Kind: domain.ItemKindProduct, ID: "prod-galleta"}
	if qty := stockQuantity(t, svc, "br-matriz", galleta); !qty.Equal(dec(t, "60")) {
		t.Fatalf("expected galleta untouched at 60, got %s", qty)
	}
}

func TestPlaceOrderConcurrentOverSell(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	galleta := domain.ItemRef{Kind: domain.ItemKindProduct, ID: "prod-galleta"}
	if _, err := svc.AdjustStock(ctx, domain.AdjustStockRequest{
		Item:            galleta,
		BranchID:        "br-matriz",
		CountedQuantity: dec(t, "5"),
		Reason:          "prueba",
	}); err != nil {
		t.Fatalf("adjust failed: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, results[idx] = svc.PlaceOrder(ctx, domain.PlaceOrderRequest{
				BranchID: "br-matriz",
				Lines: []domain.PlaceOrderLine{
					{ProductID: "prod-galleta", Quantity: 3},
				},
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	insufficient := 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInsufficientStock):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || insufficient != 1 {
		t.Fatalf("expected exactly one winner, got %d successes and %d rejections", succeeded, insufficient)
	}
	if qty := stockQuantity(t, svc, "br-matriz", galleta); !qty.Equal(dec(t, "2")) {
		t.Fatalf("expected 2 galletas left, got %s", qty)
	}
}

func TestPlaceOrderCompoundWithoutRecipe(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	receipt, err := svc.PlaceOrder(ctx, domain.PlaceOrderRequest{
		BranchID: "br-matriz",
		Lines: []domain.PlaceOrderLine{
			{ProductID: "prod-especial", Quantity: 2, UnitPrice: dec(t, "70")},
		},
	})
	if err != nil {
		t.Fatalf("expected recipe-less compound to sell, got %v", err)
	}
	if !receipt.Total.Equal(dec(t, "140")) {
		t.Fatalf("expected total 140, got %s", receipt.Total)
	}

	movements, err := svc.ListMovements(ctx, "br-matriz", nil, 50)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if len(movements) != 0 {
		t.Fatalf("expected zero consumption, got %d movements", len(movements))
	}
}

func TestPlaceOrderUnknownBranch(t *testing.T) {
	svc := newTestService()

	_, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		BranchID: "br-nope",
		Lines: []domain.PlaceOrderLine{
			{ProductID: "prod-agua", Quantity: 1},
		},
	})
	if !errors.Is(err, store.ErrUnknownBranch) {
		t.Fatalf("expected unknown branch, got %v", err)
	}
}

func TestPlaceOrderUnknownProduct(t *testing.T) {
	svc := newTestService()

	_, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		BranchID: "br-matriz",
		Lines: []domain.PlaceOrderLine{
			{ProductID: "prod-fantasma", Quantity: 1},
		},
	})
	if !errors.Is(err, store.ErrUnknownItem) {
		t.Fatalf("expected unknown item, got %v", err)
	}
}

func TestPlaceOrderCapturesPriceAndOptionsVerbatim(t *testing.T) {
	svc := newTestService()

	// The intake surface already priced the line (base 55 + size 10 +
	// modifier 8); the engine records it as charged, never recomputing
	// from the catalog.
	receipt, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		BranchID: "br-matriz",
		Lines: []domain.PlaceOrderLine{
			{
				ProductID: "prod-licuado-fresa",
				Quantity:  1,
				UnitPrice: dec(t, "73"),
				Options: domain.LineOptions{
					Size:      "grande",
					SizePrice: dec(t, "10"),
					Modifiers: []domain.ModifierOption{
						{Name: "extra fresa", Price: dec(t, "8")},
					},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}
	if !receipt.Total.Equal(dec(t, "73")) {
		t.Fatalf("expected total 73, got %s", receipt.Total)
	}

	order, err := svc.GetOrder(adminCtx(), receipt.OrderID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if len(order.Lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(order.Lines))
	}
	line := order.Lines[0]
	if !line.UnitPrice.Equal(dec(t, "73")) {
		t.Fatalf("expected stored unit price 73, got %s", line.UnitPrice)
	}
	if line.Options.Size != "grande" || len(line.Options.Modifiers) != 1 || line.Options.Modifiers[0].Name != "extra fresa" {
		t.Fatalf("options not round-tripped: %+v", line.Options)
	}
}

func TestPlaceOrderRejectsNegativeUnitPrice(t *testing.T) {
	svc := newTestService()

	_, err := svc.PlaceOrder(adminCtx(), domain.PlaceOrderRequest{
		BranchID: "br-matriz",
		Lines: []domain.PlaceOrderLine{
			{ProductID: "prod-agua", Quantity: 1, UnitPrice: dec(t, "-1")},
		},
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestOrderLifecycle(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	receipt, err := svc.PlaceOrder(ctx, domain.PlaceOrderRequest{
		BranchID:     "br-matriz",
		CustomerName: "Luis",
		Lines: []domain.PlaceOrderLine{
			{ProductID: "prod-agua", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}

	for _, next := range []domain.OrderStatus{domain.OrderInProgress, domain.OrderReady, domain.OrderCompleted} {
		order, err := svc.UpdateOrderStatus(ctx, receipt.OrderID, next)
		if err != nil {
			t.Fatalf("transition to %s failed: %v", next, err)
		}
		if order.Status != next {
			t.Fatalf("expected status %s, got %s", next, order.Status)
		}
	}

	if _, err := svc.UpdateOrderStatus(ctx, receipt.OrderID, domain.OrderPlaced); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition out of completed, got %v", err)
	}
}

func TestCancelAfterReadyRejected(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	receipt, err := svc.PlaceOrder(ctx, domain.PlaceOrderRequest{
		BranchID: "br-matriz",
		Lines: []domain.PlaceOrderLine{
			{ProductID: "prod-agua", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}

	if _, err := svc.UpdateOrderStatus(ctx, receipt.OrderID, domain.OrderInProgress); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if _, err := svc.UpdateOrderStatus(ctx, receipt.OrderID, domain.OrderReady); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if _, err := svc.UpdateOrderStatus(ctx, receipt.OrderID, domain.OrderCancelled); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected cancel after ready to fail, got %v", err)
	}
}

func TestCancelOrderRestocks(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	receipt, err := svc.PlaceOrder(ctx, domain.PlaceOrderRequest{
		BranchID: "br-matriz",
		Lines: []domain.PlaceOrderLine{
			{ProductID: "prod-licuado-fresa", Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("place order failed: %v", err)
	}

	fresa := domain.ItemRef{Kind: domain.ItemKindSupply, ID: "sup-fresa"}
	if qty := stockQuantity(t, svc, "br-matriz", fresa); !qty.Equal(dec(t, "9.6")) {
		t.Fatalf("expected 9.6 fresa after sale, got %s", qty)
	}

	order, err := svc.UpdateOrderStatus(ctx, receipt.OrderID, domain.OrderCancelled)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if order.Status != domain.OrderCancelled {
		t.Fatalf("expected cancelled, got %s", order.Status)
	}

	if qty := stockQuantity(t, svc, "br-matriz", fresa); !qty.Equal(dec(t, "10")) {
		t.Fatalf("expected fresa restored to 10, got %s", qty)
	}

	movements, err := svc.ListMovements(ctx, "br-matriz", &fresa, 10)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	// Sale-out plus compensating adjustment, both tagged with the order.
	if len(movements) != 2 {
		t.Fatalf("expected 2 movements, got %d", len(movements))
	}
	if movements[0].Type != domain.MovementAdjustment || movements[0].Ref != receipt.OrderID {
		t.Fatalf("expected compensating adjustment for %s, got %s ref=%s", receipt.OrderID, movements[0].Type, movements[0].Ref)
	}
}

func TestReceiveStockRoundTrip(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	mango := domain.ItemRef{Kind: domain.ItemKindSupply, ID: "sup-mango"}
	row, err := svc.ReceiveStock(ctx, domain.ReceiveStockRequest{
		Item:     mango,
		BranchID: "br-matriz",
		Quantity: dec(t, "10"),
		Reason:   "Compra semanal",
	})
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if !row.Quantity.Equal(dec(t, "18")) {
		t.Fatalf("expected 18 mango after receive, got %s", row.Quantity)
	}

	// 5 licuados consume 5 x 0.2 = 1 kg.
	if _, err := svc.PlaceOrder(ctx, domain.PlaceOrderRequest{
		BranchID: "br-matriz",
		Lines: []domain.PlaceOrderLine{
			{ProductID: "prod-licuado-mango", Quantity: 5},
		},
	}); err != nil {
		t.Fatalf("place order failed: %v", err)
	}

	if qty := stockQuantity(t, svc, "br-matriz", mango); !qty.Equal(dec(t, "17")) {
		t.Fatalf("expected 17 mango left, got %s", qty)
	}

	movements, err := svc.ListMovements(ctx, "br-matriz", &mango, 10)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if len(movements) != 2 {
		t.Fatalf("expected purchase-in and sale-out, got %d movements", len(movements))
	}
	if movements[0].Type != domain.MovementSaleOut || movements[1].Type != domain.MovementPurchaseIn {
		t.Fatalf("unexpected movement order: %s then %s", movements[1].Type, movements[0].Type)
	}
}

func TestReceiveStockRejectsNonPositive(t *testing.T) {
	svc := newTestService()

	_, err := svc.ReceiveStock(adminCtx(), domain.ReceiveStockRequest{
		Item:     domain.ItemRef{Kind: domain.ItemKindSupply, ID: "sup-mango"},
		BranchID: "br-matriz",
		Quantity: dec(t, "0"),
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestManualOperationsRequireBranch(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()
	mango := domain.ItemRef{Kind: domain.ItemKindSupply, ID: "sup-mango"}

	_, err := svc.ReceiveStock(ctx, domain.ReceiveStockRequest{
		Item:     mango,
		Quantity: dec(t, "5"),
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected receive without branch to be rejected, got %v", err)
	}

	_, err = svc.AdjustStock(ctx, domain.AdjustStockRequest{
		Item:            mango,
		CountedQuantity: dec(t, "5"),
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected adjust without branch to be rejected, got %v", err)
	}
}

func TestAdjustStockWritesSignedMovement(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	galleta := domain.ItemRef{Kind: domain.ItemKindProduct, ID: "prod-galleta"}
	movement, err := svc.AdjustStock(ctx, domain.AdjustStockRequest{
		Item:            galleta,
		BranchID:        "br-matriz",
		CountedQuantity: dec(t, "50"),
		Reason:          "Conteo",
	})
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if movement == nil {
		t.Fatalf("expected a movement for the shrinkage")
	}
	if movement.Type != domain.MovementLossOut || !movement.Quantity.Equal(dec(t, "10")) {
		t.Fatalf("expected loss-out of 10, got %s qty=%s", movement.Type, movement.Quantity)
	}

	surplus, err := svc.AdjustStock(ctx, domain.AdjustStockRequest{
		Item:            galleta,
		BranchID:        "br-matriz",
		CountedQuantity: dec(t, "55"),
		Reason:          "Conteo",
	})
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if surplus.Type != domain.MovementAdjustment || !surplus.Quantity.Equal(dec(t, "5")) {
		t.Fatalf("expected adjustment of 5, got %s qty=%s", surplus.Type, surplus.Quantity)
	}
}

func TestAdjustStockNoOpWhenCountMatches(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	galleta := domain.ItemRef{Kind: domain.ItemKindProduct, ID: "prod-galleta"}
	movement, err := svc.AdjustStock(ctx, domain.AdjustStockRequest{
		Item:            galleta,
		BranchID:        "br-matriz",
		CountedQuantity: dec(t, "60"),
		Reason:          "Conteo",
	})
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if movement != nil {
		t.Fatalf("expected no movement when count matches, got %s", movement.Type)
	}

	movements, err := svc.ListMovements(ctx, "br-matriz", &galleta, 10)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if len(movements) != 0 {
		t.Fatalf("expected empty ledger, got %d movements", len(movements))
	}
}

func TestAdjustStockRejectsNegativeCount(t *testing.T) {
	svc := newTestService()

	_, err := svc.AdjustStock(adminCtx(), domain.AdjustStockRequest{
		Item:            domain.ItemRef{Kind: domain.ItemKindProduct, ID: "prod-galleta"},
		BranchID:        "br-matriz",
		CountedQuantity: dec(t, "-1"),
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestBranchStockStatuses(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	agua := domain.ItemRef{Kind: domain.ItemKindProduct, ID: "prod-agua"}
	fresa := domain.ItemRef{Kind: domain.ItemKindSupply, ID: "sup-fresa"}
	if _, err := svc.AdjustStock(ctx, domain.AdjustStockRequest{Item: agua, BranchID: "br-matriz", CountedQuantity: dec(t, "0"), Reason: "merma"}); err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if _, err := svc.AdjustStock(ctx, domain.AdjustStockRequest{Item: fresa, BranchID: "br-matriz", CountedQuantity: dec(t, "1"), Reason: "merma"}); err != nil {
		t.Fatalf("adjust failed: %v", err)
	}

	rows, err := svc.BranchStock(ctx, "br-matriz")
	if err != nil {
		t.Fatalf("branch stock failed: %v", err)
	}
	statuses := make(map[string]string, len(rows))
	for _, row := range rows {
		statuses[row.Item.Key()] = row.Status
	}
	if statuses[agua.Key()] != domain.StockStatusOut {
		t.Fatalf("expected agua OUT, got %s", statuses[agua.Key()])
	}
	if statuses[fresa.Key()] != domain.StockStatusLow {
		t.Fatalf("expected fresa LOW, got %s", statuses[fresa.Key()])
	}
	if statuses["supply:sup-vaso"] != domain.StockStatusOK {
		t.Fatalf("expected vasos OK, got %s", statuses["supply:sup-vaso"])
	}
}

func TestKitchenQueueAndBoard(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	var orderIDs []string
	for i := 0; i < 3; i++ {
		receipt, err := svc.PlaceOrder(ctx, domain.PlaceOrderRequest{
			BranchID: "br-matriz",
			Lines: []domain.PlaceOrderLine{
				{ProductID: "prod-agua", Quantity: 1},
			},
		})
		if err != nil {
			t.Fatalf("place order failed: %v", err)
		}
		orderIDs = append(orderIDs, receipt.OrderID)
	}

	if _, err := svc.UpdateOrderStatus(ctx, orderIDs[0], domain.OrderInProgress); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if _, err := svc.UpdateOrderStatus(ctx, orderIDs[1], domain.OrderInProgress); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if _, err := svc.UpdateOrderStatus(ctx, orderIDs[1], domain.OrderReady); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	queue, err := svc.KitchenQueue(ctx, "")
	if err != nil {
		t.Fatalf("kitchen queue failed: %v", err)
	}
	if len(queue) != 2 {
		t.Fatalf("expected 2 queued orders, got %d", len(queue))
	}
	if queue[0].ID != orderIDs[0] {
		t.Fatalf("expected oldest working order first, got %s", queue[0].ID)
	}

	board, err := svc.OrderBoard(ctx, "")
	if err != nil {
		t.Fatalf("order board failed: %v", err)
	}
	if len(board.InProgress) != 1 || board.InProgress[0].ID != orderIDs[0] {
		t.Fatalf("unexpected in-progress board: %+v", board.InProgress)
	}
	if len(board.Ready) != 1 || board.Ready[0].ID != orderIDs[1] {
		t.Fatalf("unexpected ready board: %+v", board.Ready)
	}
}

func TestAuditLogsRequireAdmin(t *testing.T) {
	svc := newTestService()

	staffCtx := WithActor(context.Background(), domain.Actor{Username: "staff", Role: "staff"})
	if _, err := svc.ListAuditLogs(staffCtx, "", 10); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden for staff, got %v", err)
	}

	ctx := adminCtx()
	if _, err := svc.PlaceOrder(ctx, domain.PlaceOrderRequest{
		BranchID: "br-matriz",
		Lines: []domain.PlaceOrderLine{
			{ProductID: "prod-agua", Quantity: 1},
		},
	}); err != nil {
		t.Fatalf("place order failed: %v", err)
	}

	logs, err := svc.ListAuditLogs(ctx, "br-matriz", 10)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != "order_place" {
		t.Fatalf("expected one order_place audit entry, got %+v", logs)
	}
	if logs[0].ActorUsername != "admin" {
		t.Fatalf("expected admin actor, got %s", logs[0].ActorUsername)
	}
}
