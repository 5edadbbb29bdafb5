package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ItemKind distinguishes the two stockable item families: finished goods
// sold directly and raw-material supplies consumed through recipes.
type ItemKind string

const (
	ItemKindProduct ItemKind = "product"
	ItemKindSupply  ItemKind = "supply"
)

// ItemRef identifies one stockable item. Stock rows and movements are keyed
// by (ItemRef, branch).
type ItemRef struct {
	Kind ItemKind `json:"kind"`
	ID   string   `json:"id"`
}

func (r ItemRef) Valid() bool {
	return (r.Kind == ItemKindProduct || r.Kind == ItemKindSupply) && r.ID != ""
}

// Key returns the stable map/sort key for the item.
func (r ItemRef) Key() string {
	return string(r.Kind) + ":" + r.ID
}

type Branch struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Slug    string `json:"slug"`
	Address string `json:"address,omitempty"`
}

// RecipeItem maps one unit sold of a compound product to a supply quantity.
type RecipeItem struct {
	SupplyID string          `json:"supply_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

type Product struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Category   string          `json:"category"`
	Price      decimal.Decimal `json:"price"`
	IsCompound bool            `json:"is_compound"`
	Active     bool            `json:"active"`
	Recipe     []RecipeItem    `json:"recipe,omitempty"`
}

func (p Product) Ref() ItemRef {
	return ItemRef{Kind: ItemKindProduct, ID: p.ID}
}

type Supply struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Unit string          `json:"unit"`
	Cost decimal.Decimal `json:"cost"`
}

func (s Supply) Ref() ItemRef {
	return ItemRef{Kind: ItemKindSupply, ID: s.ID}
}

// StockRow is the current quantity-on-hand for one item at one branch.
// Rows are created lazily on first movement; an absent row reads as zero.
type StockRow struct {
	Item      ItemRef         `json:"item"`
	BranchID  string          `json:"branch_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	MinStock  decimal.Decimal `json:"min_stock"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type MovementType string

const (
	MovementPurchaseIn MovementType = "purchase-in"
	MovementSaleOut    MovementType = "sale-out"
	MovementLossOut    MovementType = "loss-out"
	MovementAdjustment MovementType = "adjustment"
)

// Signed returns the delta a movement type applies to the stock balance.
func (t MovementType) Signed(magnitude decimal.Decimal) decimal.Decimal {
	switch t {
	case MovementSaleOut, MovementLossOut:
		return magnitude.Neg()
	default:
		return magnitude
	}
}

// Movement is one immutable kardex entry. Quantity is a magnitude; the sign
// is implied by Type. Ref carries the order id on sale-out and cancellation
// entries so a cancel can reverse exactly what the order drew.
type Movement struct {
	ID        string          `json:"id"`
	Type      MovementType    `json:"type"`
	Quantity  decimal.Decimal `json:"quantity"`
	Reason    string          `json:"reason"`
	Item      ItemRef         `json:"item"`
	BranchID  string          `json:"branch_id"`
	UserID    string          `json:"user_id"`
	Ref       string          `json:"ref,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type OrderStatus string

const (
	OrderPlaced     OrderStatus = "placed"
	OrderInProgress OrderStatus = "in-progress"
	OrderReady      OrderStatus = "ready"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPlaced:     {OrderInProgress, OrderCancelled},
	OrderInProgress: {OrderReady, OrderCancelled},
	OrderReady:      {OrderCompleted},
	OrderCompleted:  {},
	OrderCancelled:  {},
}

// ValidStatus reports whether s names a known order status.
func ValidStatus(s OrderStatus) bool {
	_, ok := orderTransitions[s]
	return ok
}

// CanTransition enforces the order lifecycle: placed -> in-progress -> ready
// -> completed, with cancellation allowed only from placed and in-progress.
func CanTransition(from OrderStatus, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ModifierOption is one chosen modifier on an order line (extra topping and
// so on), with the price charged for it.
type ModifierOption struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// LineOptions is the structured options payload stored verbatim on a line
// for receipt and kitchen rendering. It plays no role in consumption.
type LineOptions struct {
	Size      string           `json:"size,omitempty"`
	SizePrice decimal.Decimal  `json:"size_price"`
	Modifiers []ModifierOption `json:"modifiers,omitempty"`
}

type OrderLine struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Options     LineOptions     `json:"options"`
}

type Order struct {
	ID           string          `json:"id"`
	BranchID     string          `json:"branch_id"`
	CustomerName string          `json:"customer_name"`
	Status       OrderStatus     `json:"status"`
	Total        decimal.Decimal `json:"total"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Lines        []OrderLine     `json:"lines"`
}

// StockDraw is one consumption requirement produced by recipe resolution:
// draw Quantity units of Item from the branch stock.
type StockDraw struct {
	Item     ItemRef         `json:"item"`
	Quantity decimal.Decimal `json:"quantity"`
}

type PlaceOrderLine struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Options   LineOptions     `json:"options"`
}

type PlaceOrderRequest struct {
	BranchID     string           `json:"branch_id"`
	CustomerName string           `json:"customer_name"`
	Lines        []PlaceOrderLine `json:"lines"`
}

type OrderReceipt struct {
	OrderID string          `json:"order_id"`
	Folio   string          `json:"folio"`
	Total   decimal.Decimal `json:"total"`
}

type ReceiveStockRequest struct {
	Item     ItemRef         `json:"item"`
	BranchID string          `json:"branch_id"`
	Quantity decimal.Decimal `json:"quantity"`
	Reason   string          `json:"reason"`
}

type AdjustStockRequest struct {
	Item            ItemRef         `json:"item"`
	BranchID        string          `json:"branch_id"`
	CountedQuantity decimal.Decimal `json:"counted_quantity"`
	Reason          string          `json:"reason"`
}

type UpdateOrderStatusRequest struct {
	Status OrderStatus `json:"status"`
}

const (
	StockStatusOK  = "OK"
	StockStatusLow = "LOW"
	StockStatusOut = "OUT"
)

// StockReportRow is the inventory screen's view of one stock row joined
// with its catalog entry.
type StockReportRow struct {
	Item     ItemRef         `json:"item"`
	Name     string          `json:"name"`
	Unit     string          `json:"unit,omitempty"`
	Quantity decimal.Decimal `json:"quantity"`
	MinStock decimal.Decimal `json:"min_stock"`
	Status   string          `json:"status"`
}

// OrderBoard is the customer-facing pickup display: orders being prepared
// plus the most recent ready orders.
type OrderBoard struct {
	InProgress []Order `json:"in_progress"`
	Ready      []Order `json:"ready"`
}

// OrderEvent is the state-changed signal published after a successful order
// placement or status transition. Display surfaces refresh on it.
type OrderEvent struct {
	Type         string      `json:"type"`
	OrderID      string      `json:"order_id"`
	BranchID     string      `json:"branch_id"`
	Status       OrderStatus `json:"status"`
	CustomerName string      `json:"customer_name,omitempty"`
	At           time.Time   `json:"at"`
}

const (
	EventOrderPlaced        = "order_placed"
	EventOrderStatusChanged = "order_status_changed"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	BranchID      string    `json:"branch_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
