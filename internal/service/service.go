package service

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ordena/backend/internal/domain"
	"ordena/backend/internal/fulfillment"
	"ordena/backend/internal/notify"
	"ordena/backend/internal/store"
	"ordena/backend/internal/xid"
)

// readyBoardLimit caps how many ready orders the pickup board shows.
const readyBoardLimit = 12

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo            store.Repository
	publisher       notify.Publisher
	defaultBranchID string
}

func New(repo store.Repository, publisher notify.Publisher, defaultBranchID string) *Service {
	if defaultBranchID == "" {
		defaultBranchID = "br-matriz"
	}
	if publisher == nil {
		publisher = notify.NewNoopPublisher()
	}

	return &Service{
		repo:            repo,
		publisher:       publisher,
		defaultBranchID: defaultBranchID,
	}
}

func (s *Service) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	return s.repo.ListBranches(ctx)
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) ListSupplies(ctx context.Context) ([]domain.Supply, error) {
	return s.repo.ListSupplies(ctx)
}

// PlaceOrder resolves every line's consumption, validates the whole order
// against branch stock, and commits the order with its ledger movements in
// one atomic unit. On any failure nothing is drawn.
func (s *Service) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.OrderReceipt, error) {
	if req.BranchID == "" {
		return domain.OrderReceipt{}, fmt.Errorf("%w: branch id required", store.ErrInvalidRequest)
	}
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	if len(req.Lines) == 0 {
		return domain.OrderReceipt{}, store.ErrInvalidRequest
	}
	for _, line := range req.Lines {
		if line.ProductID == "" || line.Quantity < 1 || line.UnitPrice.IsNegative() {
			return domain.OrderReceipt{}, store.ErrInvalidRequest
		}
	}

	if _, err := s.repo.GetBranch(ctx, req.BranchID); err != nil {
		return domain.OrderReceipt{}, err
	}

	ids := make([]string, 0, len(req.Lines))
	for _, line := range req.Lines {
		ids = append(ids, line.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.OrderReceipt{}, err
	}

	plans := make([]fulfillment.ConsumptionPlan, 0, len(req.Lines))
	lines := make([]domain.OrderLine, 0, len(req.Lines))
	total := decimal.Zero
	for _, line := range req.Lines {
		product, exists := products[line.ProductID]
		if !exists {
			return domain.OrderReceipt{}, fmt.Errorf("%w: product:%s", store.ErrUnknownItem, line.ProductID)
		}

		plan, err := fulfillment.Resolve(product, line.Quantity)
		if err != nil {
			return domain.OrderReceipt{}, err
		}
		if plan.EmptyRecipe {
			log.Printf("[service] WARN: compound product %s sold without recipe, no stock consumed", product.ID)
		}
		plans = append(plans, plan)

		// The unit price is captured from the caller at sale time, not
		// recomputed from the catalog, so later price changes never
		// rewrite old receipts.
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))

		lines = append(lines, domain.OrderLine{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Options:     line.Options,
		})
	}

	order := domain.Order{
		ID:           xid.New("ord"),
		BranchID:     req.BranchID,
		CustomerName: req.CustomerName,
		Status:       domain.OrderPlaced,
		Total:        total,
		Lines:        lines,
	}

	actor, _ := ActorFromContext(ctx)
	placed, err := s.repo.PlaceOrder(ctx, order, fulfillment.Merge(plans), actor.Username)
	if err != nil {
		return domain.OrderReceipt{}, err
	}

	s.logAudit(ctx, placed.BranchID, "order_place", "order", placed.ID, fmt.Sprintf("lines=%d,total=%s", len(placed.Lines), placed.Total.String()))
	s.publishEvent(ctx, domain.OrderEvent{
		Type:         domain.EventOrderPlaced,
		OrderID:      placed.ID,
		BranchID:     placed.BranchID,
		Status:       placed.Status,
		CustomerName: placed.CustomerName,
		At:           placed.CreatedAt,
	})

	return domain.OrderReceipt{
		OrderID: placed.ID,
		Folio:   xid.Folio(placed.ID),
		Total:   placed.Total,
	}, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, store.ErrInvalidRequest
	}
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) ListOrders(ctx context.Context, branchID string, statuses []domain.OrderStatus, limit int) ([]domain.Order, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	for _, status := range statuses {
		if !domain.ValidStatus(status) {
			return nil, store.ErrInvalidRequest
		}
	}
	return s.repo.ListOrders(ctx, branchID, statuses, limit)
}

// UpdateOrderStatus advances an order through its lifecycle. Cancelling an
// order restocks everything it consumed.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID string, next domain.OrderStatus) (domain.Order, error) {
	if orderID == "" || !domain.ValidStatus(next) {
		return domain.Order{}, store.ErrInvalidRequest
	}

	actor, _ := ActorFromContext(ctx)
	updated, err := s.repo.UpdateOrderStatus(ctx, orderID, next, actor.Username)
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, updated.BranchID, "order_status", "order", updated.ID, string(next))
	s.publishEvent(ctx, domain.OrderEvent{
		Type:         domain.EventOrderStatusChanged,
		OrderID:      updated.ID,
		BranchID:     updated.BranchID,
		Status:       updated.Status,
		CustomerName: updated.CustomerName,
		At:           updated.UpdatedAt,
	})

	return *updated, nil
}

// KitchenQueue lists the orders the kitchen still has to work, oldest first.
func (s *Service) KitchenQueue(ctx context.Context, branchID string) ([]domain.Order, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	return s.repo.ListOrders(ctx, branchID, []domain.OrderStatus{domain.OrderPlaced, domain.OrderInProgress}, 200)
}

// OrderBoard builds the pickup display: in-progress orders oldest first and
// the newest ready orders capped at the board limit.
func (s *Service) OrderBoard(ctx context.Context, branchID string) (domain.OrderBoard, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}

	inProgress, err := s.repo.ListOrders(ctx, branchID, []domain.OrderStatus{domain.OrderInProgress}, 200)
	if err != nil {
		return domain.OrderBoard{}, err
	}
	ready, err := s.repo.ListOrders(ctx, branchID, []domain.OrderStatus{domain.OrderReady}, 200)
	if err != nil {
		return domain.OrderBoard{}, err
	}

	slices.Reverse(ready)
	if len(ready) > readyBoardLimit {
		ready = ready[:readyBoardLimit]
	}

	return domain.OrderBoard{InProgress: inProgress, Ready: ready}, nil
}

// ReceiveStock records an incoming delivery as a purchase-in movement and
// raises the branch balance.
func (s *Service) ReceiveStock(ctx context.Context, req domain.ReceiveStockRequest) (domain.StockRow, error) {
	if req.BranchID == "" {
		return domain.StockRow{}, fmt.Errorf("%w: branch id required", store.ErrInvalidRequest)
	}
	if !req.Item.Valid() || !req.Quantity.IsPositive() {
		return domain.StockRow{}, store.ErrInvalidRequest
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		req.Reason = "Compra"
	}

	actor, _ := ActorFromContext(ctx)
	row, err := s.repo.ReceiveStock(ctx, req.Item, req.BranchID, req.Quantity, req.Reason, actor.Username)
	if err != nil {
		return domain.StockRow{}, err
	}

	s.logAudit(ctx, req.BranchID, "stock_receive", "stock", req.Item.Key(), fmt.Sprintf("qty=%s,reason=%s", req.Quantity.String(), req.Reason))
	return *row, nil
}

// AdjustStock reconciles a physical count against the ledger. When the count
// matches the system balance nothing is written and no movement is returned.
func (s *Service) AdjustStock(ctx context.Context, req domain.AdjustStockRequest) (*domain.Movement, error) {
	if req.BranchID == "" {
		return nil, fmt.Errorf("%w: branch id required", store.ErrInvalidRequest)
	}
	if !req.Item.Valid() || req.CountedQuantity.IsNegative() {
		return nil, store.ErrInvalidRequest
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		req.Reason = "Conteo fisico"
	}

	actor, _ := ActorFromContext(ctx)
	movement, err := s.repo.AdjustStock(ctx, req.Item, req.BranchID, req.CountedQuantity, req.Reason, actor.Username)
	if err != nil {
		return nil, err
	}
	if movement == nil {
		return nil, nil
	}

	s.logAudit(ctx, req.BranchID, "stock_adjust", "stock", req.Item.Key(), fmt.Sprintf("counted=%s,type=%s", req.CountedQuantity.String(), movement.Type))
	return movement, nil
}

// BranchStock joins the branch's stock rows with catalog names and flags
// each row OK, LOW, or OUT against its minimum.
func (s *Service) BranchStock(ctx context.Context, branchID string) ([]domain.StockReportRow, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}

	rows, err := s.repo.ListStockRows(ctx, branchID)
	if err != nil {
		return nil, err
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	supplies, err := s.repo.ListSupplies(ctx)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(products)+len(supplies))
	units := make(map[string]string, len(supplies))
	for _, p := range products {
		names[p.Ref().Key()] = p.Name
	}
	for _, sup := range supplies {
		names[sup.Ref().Key()] = sup.Name
		units[sup.Ref().Key()] = sup.Unit
	}

	report := make([]domain.StockReportRow, 0, len(rows))
	for _, row := range rows {
		key := row.Item.Key()
		report = append(report, domain.StockReportRow{
			Item:     row.Item,
			Name:     names[key],
			Unit:     units[key],
			Quantity: row.Quantity,
			MinStock: row.MinStock,
			Status:   stockStatus(row),
		})
	}
	return report, nil
}

func stockStatus(row domain.StockRow) string {
	if !row.Quantity.IsPositive() {
		return domain.StockStatusOut
	}
	if row.Quantity.LessThanOrEqual(row.MinStock) {
		return domain.StockStatusLow
	}
	return domain.StockStatusOK
}

func (s *Service) ListMovements(ctx context.Context, branchID string, item *domain.ItemRef, limit int) ([]domain.Movement, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	if item != nil && !item.Valid() {
		return nil, store.ErrInvalidRequest
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListMovements(ctx, branchID, item, limit)
}

func (s *Service) ListAuditLogs(ctx context.Context, branchID string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("%w: admin role required", store.ErrForbidden)
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, branchID, limit)
}

func (s *Service) publishEvent(ctx context.Context, event domain.OrderEvent) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Printf("[service] WARN: failed to publish %s for order %s: %v", event.Type, event.OrderID, err)
	}
}

func (s *Service) logAudit(ctx context.Context, branchID string, action string, entityType string, entityID string, detail string) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		BranchID:      branchID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
