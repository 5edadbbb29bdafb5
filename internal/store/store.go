package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"ordena/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrUnknownBranch     = errors.New("unknown branch")
	ErrUnknownItem       = errors.New("unknown item")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrForbidden         = errors.New("forbidden")
)

// InsufficientStockError carries the offending item and the available vs.
// requested quantities so the calling surface can render a precise message.
// It matches ErrInsufficientStock under errors.Is.
type InsufficientStockError struct {
	Item      domain.ItemRef
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %s, available %s",
		e.Item.Key(), e.Requested.String(), e.Available.String())
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Repository is the durable state behind the fulfillment engine. PlaceOrder,
// ReceiveStock, AdjustStock, and UpdateOrderStatus are each one atomic unit
// of work: either every row they touch is committed together or none are,
// and concurrent units touching the same stock rows behave as if serialized.
type Repository interface {
	GetBranch(ctx context.Context, id string) (*domain.Branch, error)
	ListBranches(ctx context.Context) ([]domain.Branch, error)

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	ListSupplies(ctx context.Context) ([]domain.Supply, error)

	GetStockRow(ctx context.Context, item domain.ItemRef, branchID string) (*domain.StockRow, error)
	ListStockRows(ctx context.Context, branchID string) ([]domain.StockRow, error)
	ListMovements(ctx context.Context, branchID string, item *domain.ItemRef, limit int) ([]domain.Movement, error)

	// PlaceOrder validates the merged draws against the branch's stock under
	// exclusive row access, applies them as sale-out movements stamped with
	// the acting user, and persists the order with its lines. On
	// insufficiency it returns an *InsufficientStockError and leaves no
	// trace.
	PlaceOrder(ctx context.Context, order domain.Order, draws []domain.StockDraw, userID string) (*domain.Order, error)
	ReceiveStock(ctx context.Context, item domain.ItemRef, branchID string, qty decimal.Decimal, reason string, userID string) (*domain.StockRow, error)
	// AdjustStock sets the row to the counted quantity exactly and returns
	// the recorded movement, or nil when the count matched the system value.
	AdjustStock(ctx context.Context, item domain.ItemRef, branchID string, counted decimal.Decimal, reason string, userID string) (*domain.Movement, error)

	GetOrderByID(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, branchID string, statuses []domain.OrderStatus, limit int) ([]domain.Order, error)
	// UpdateOrderStatus enforces the order state machine. Cancelling a
	// placed or in-progress order also appends compensating adjustment
	// movements restoring everything the order drew, in the same unit.
	UpdateOrderStatus(ctx context.Context, orderID string, next domain.OrderStatus, userID string) (*domain.Order, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branchID string, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
