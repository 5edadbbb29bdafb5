package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"ordena/backend/internal/domain"
	"ordena/backend/internal/fulfillment"
	"ordena/backend/internal/store"
	"ordena/backend/internal/xid"
)

// Store is the in-memory repository used by tests and dev mode. One mutex
// guards every unit of work, which trivially gives the serialized behavior
// the ledger requires.
type Store struct {
	mu              sync.Mutex
	branches        map[string]domain.Branch
	products        map[string]domain.Product
	supplies        map[string]domain.Supply
	stock           map[string]map[string]domain.StockRow
	movements       []domain.Movement
	ordersByID      map[string]*domain.Order
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func envOr(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. These credentials
// are never used in production (the backend uses PostgreSQL when
// DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"staff", staffPwd, "staff"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

// NewSeeded returns a store loaded with a small juice-bar catalog: two
// branches, simple and compound products, supplies, recipes, and starting
// stock at the main branch.
func NewSeeded() *Store {
	branches := []domain.Branch{
		{ID: "br-matriz", Name: "Sucursal Matriz", Slug: "matriz", Address: "Av. Centro 100"},
		{ID: "br-norte", Name: "Sucursal Norte", Slug: "norte", Address: "Blvd. Norte 45"},
	}

	supplies := []domain.Supply{
		{ID: "sup-fresa", Name: "Fresa", Unit: "kg", Cost: dec("85")},
		{ID: "sup-leche", Name: "Leche", Unit: "l", Cost: dec("24")},
		{ID: "sup-mango", Name: "Mango", Unit: "kg", Cost: dec("60")},
		{ID: "sup-vaso", Name: "Vaso mediano", Unit: "pza", Cost: dec("2.5")},
		{ID: "sup-chocolate", Name: "Jarabe de chocolate", Unit: "l", Cost: dec("110")},
	}

	products := []domain.Product{
		{ID: "prod-agua", Name: "Agua embotellada", Category: "bebidas", Price: dec("18"), Active: true},
		{ID: "prod-galleta", Name: "Galleta artesanal", Category: "snacks", Price: dec("25"), Active: true},
		{
			ID: "prod-licuado-fresa", Name: "Licuado de fresa", Category: "licuados",
			Price: dec("55"), IsCompound: true, Active: true,
			Recipe: []domain.RecipeItem{
				{SupplyID: "sup-fresa", Quantity: dec("0.2")},
				{SupplyID: "sup-leche", Quantity: dec("0.25")},
				{SupplyID: "sup-vaso", Quantity: dec("1")},
			},
		},
		{
			ID: "prod-licuado-mango", Name: "Licuado de mango", Category: "licuados",
			Price: dec("55"), IsCompound: true, Active: true,
			Recipe: []domain.RecipeItem{
				{SupplyID: "sup-mango", Quantity: dec("0.2")},
				{SupplyID: "sup-leche", Quantity: dec("0.25")},
				{SupplyID: "sup-vaso", Quantity: dec("1")},
			},
		},
		// Compound but without recipe rows yet: exercised by the
		// empty-recipe policy.
		{ID: "prod-especial", Name: "Especial de la casa", Category: "licuados", Price: dec("70"), IsCompound: true, Active: true},
	}

	branchMap := make(map[string]domain.Branch, len(branches))
	for _, b := range branches {
		branchMap[b.ID] = b
	}
	supplyMap := make(map[string]domain.Supply, len(supplies))
	for _, s := range supplies {
		supplyMap[s.ID] = s
	}
	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}

	now := time.Now().UTC()
	stock := map[string]map[string]domain.StockRow{
		"br-matriz": {},
		"br-norte":  {},
	}
	seedRow := func(branchID string, item domain.ItemRef, qty string, min string) {
		stock[branchID][item.Key()] = domain.StockRow{
			Item: item, BranchID: branchID,
			Quantity: dec(qty), MinStock: dec(min), UpdatedAt: now,
		}
	}
	seedRow("br-matriz", domain.ItemRef{Kind: domain.ItemKindProduct, ID: "prod-agua"}, "120", "12")
	seedRow("br-matriz", domain.ItemRef{Kind: domain.ItemKindProduct, ID: "prod-galleta"}, "60", "10")
	seedRow("br-matriz", domain.ItemRef{Kind: domain.ItemKindSupply, ID: "sup-fresa"}, "10", "2")
	seedRow("br-matriz", domain.ItemRef{Kind: domain.ItemKindSupply, ID: "sup-leche"}, "40", "8")
	seedRow("br-matriz", domain.ItemRef{Kind: domain.ItemKindSupply, ID: "sup-mango"}, "8", "2")
	seedRow("br-matriz", domain.ItemRef{Kind: domain.ItemKindSupply, ID: "sup-vaso"}, "500", "50")

	return &Store{
		branches:        branchMap,
		products:        productMap,
		supplies:        supplyMap,
		stock:           stock,
		movements:       make([]domain.Movement, 0, 256),
		ordersByID:      make(map[string]*domain.Order),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) GetBranch(_ context.Context, id string) (*domain.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch, ok := s.branches[id]
	if !ok {
		return nil, store.ErrUnknownBranch
	}
	copied := branch
	return &copied, nil
}

func (s *Store) ListBranches(_ context.Context) ([]domain.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	branches := make([]domain.Branch, 0, len(s.branches))
	for _, b := range s.branches {
		branches = append(branches, b)
	}
	slices.SortFunc(branches, func(a, b domain.Branch) int {
		return strings.Compare(a.Name, b.Name)
	})
	return branches, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, cloneProduct(p))
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.Active {
			result[id] = cloneProduct(p)
		}
	}
	return result, nil
}

func (s *Store) ListSupplies(_ context.Context) ([]domain.Supply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	supplies := make([]domain.Supply, 0, len(s.supplies))
	for _, sup := range s.supplies {
		supplies = append(supplies, sup)
	}
	slices.SortFunc(supplies, func(a, b domain.Supply) int {
		return strings.Compare(a.Name, b.Name)
	})
	return supplies, nil
}

func (s *Store) GetStockRow(_ context.Context, item domain.ItemRef, branchID string) (*domain.StockRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[branchID]; !ok {
		return nil, store.ErrUnknownBranch
	}
	row, ok := s.stock[branchID][item.Key()]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := row
	return &copied, nil
}

func (s *Store) ListStockRows(_ context.Context, branchID string) ([]domain.StockRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[branchID]; !ok {
		return nil, store.ErrUnknownBranch
	}
	rows := make([]domain.StockRow, 0, len(s.stock[branchID]))
	for _, row := range s.stock[branchID] {
		rows = append(rows, row)
	}
	slices.SortFunc(rows, func(a, b domain.StockRow) int {
		return strings.Compare(a.Item.Key(), b.Item.Key())
	})
	return rows, nil
}

func (s *Store) ListMovements(_ context.Context, branchID string, item *domain.ItemRef, limit int) ([]domain.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.Movement, 0, limit)
	for i := len(s.movements) - 1; i >= 0 && len(result) < limit; i-- {
		mv := s.movements[i]
		if mv.BranchID != branchID {
			continue
		}
		if item != nil && mv.Item != *item {
			continue
		}
		result = append(result, mv)
	}
	return result, nil
}

// itemExists must be called with the mutex held.
func (s *Store) itemExists(item domain.ItemRef) bool {
	switch item.Kind {
	case domain.ItemKindProduct:
		_, ok := s.products[item.ID]
		return ok
	case domain.ItemKindSupply:
		_, ok := s.supplies[item.ID]
		return ok
	default:
		return false
	}
}

// rowQuantity reads the committed balance of a row, zero when absent.
// Must be called with the mutex held.
func (s *Store) rowQuantity(branchID string, item domain.ItemRef) decimal.Decimal {
	if row, ok := s.stock[branchID][item.Key()]; ok {
		return row.Quantity
	}
	return decimal.Zero
}

// applyDelta upserts a stock row by a signed delta and refuses to commit a
// negative balance. Must be called with the mutex held.
func (s *Store) applyDelta(branchID string, item domain.ItemRef, delta decimal.Decimal, at time.Time) (domain.StockRow, error) {
	rows := s.stock[branchID]
	if rows == nil {
		rows = make(map[string]domain.StockRow)
		s.stock[branchID] = rows
	}
	row, ok := rows[item.Key()]
	if !ok {
		row = domain.StockRow{Item: item, BranchID: branchID, Quantity: decimal.Zero}
	}
	next := row.Quantity.Add(delta)
	if next.IsNegative() {
		return domain.StockRow{}, &store.InsufficientStockError{
			Item:      item,
			Requested: delta.Neg(),
			Available: row.Quantity,
		}
	}
	row.Quantity = next
	row.UpdatedAt = at
	rows[item.Key()] = row
	return row, nil
}

func (s *Store) PlaceOrder(_ context.Context, order domain.Order, draws []domain.StockDraw, userID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[order.BranchID]; !ok {
		return nil, store.ErrUnknownBranch
	}
	if len(order.Lines) == 0 {
		return nil, store.ErrInvalidRequest
	}

	// Validate everything before mutating anything: a failed validation on
	// the last draw must leave no visible change from the earlier ones.
	reservation := fulfillment.NewReservation()
	for _, draw := range draws {
		if !s.itemExists(draw.Item) {
			return nil, fmt.Errorf("%w: %s", store.ErrUnknownItem, draw.Item.Key())
		}
		if err := reservation.Reserve(draw.Item, draw.Quantity, s.rowQuantity(order.BranchID, draw.Item)); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	for _, draw := range draws {
		if _, err := s.applyDelta(order.BranchID, draw.Item, draw.Quantity.Neg(), now); err != nil {
			return nil, err
		}
		s.movements = append(s.movements, domain.Movement{
			ID:        xid.New("mov"),
			Type:      domain.MovementSaleOut,
			Quantity:  draw.Quantity,
			Reason:    "Venta " + xid.Folio(order.ID),
			Item:      draw.Item,
			BranchID:  order.BranchID,
			UserID:    userID,
			Ref:       order.ID,
			CreatedAt: now,
		})
	}

	if order.Status == "" {
		order.Status = domain.OrderPlaced
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	for i := range order.Lines {
		order.Lines[i].OrderID = order.ID
		if order.Lines[i].ID == "" {
			order.Lines[i].ID = xid.New("line")
		}
	}

	copied := cloneOrder(&order)
	s.ordersByID[order.ID] = copied
	return cloneOrder(copied), nil
}

func (s *Store) ReceiveStock(_ context.Context, item domain.ItemRef, branchID string, qty decimal.Decimal, reason string, userID string) (*domain.StockRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[branchID]; !ok {
		return nil, store.ErrUnknownBranch
	}
	if !s.itemExists(item) {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownItem, item.Key())
	}
	if !qty.IsPositive() {
		return nil, store.ErrInvalidRequest
	}

	now := time.Now().UTC()
	row, err := s.applyDelta(branchID, item, qty, now)
	if err != nil {
		return nil, err
	}
	s.movements = append(s.movements, domain.Movement{
		ID:        xid.New("mov"),
		Type:      domain.MovementPurchaseIn,
		Quantity:  qty,
		Reason:    reason,
		Item:      item,
		BranchID:  branchID,
		UserID:    userID,
		CreatedAt: now,
	})
	copied := row
	return &copied, nil
}

func (s *Store) AdjustStock(_ context.Context, item domain.ItemRef, branchID string, counted decimal.Decimal, reason string, userID string) (*domain.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[branchID]; !ok {
		return nil, store.ErrUnknownBranch
	}
	if !s.itemExists(item) {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownItem, item.Key())
	}
	if counted.IsNegative() {
		return nil, store.ErrInvalidRequest
	}

	current := s.rowQuantity(branchID, item)
	delta := counted.Sub(current)
	if delta.IsZero() {
		return nil, nil
	}

	now := time.Now().UTC()
	// Set the exact counted value rather than delta arithmetic.
	rows := s.stock[branchID]
	if rows == nil {
		rows = make(map[string]domain.StockRow)
		s.stock[branchID] = rows
	}
	row, ok := rows[item.Key()]
	if !ok {
		row = domain.StockRow{Item: item, BranchID: branchID}
	}
	row.Quantity = counted
	row.UpdatedAt = now
	rows[item.Key()] = row

	movementType := domain.MovementAdjustment
	if delta.IsNegative() {
		movementType = domain.MovementLossOut
	}
	movement := domain.Movement{
		ID:        xid.New("mov"),
		Type:      movementType,
		Quantity:  delta.Abs(),
		Reason:    fmt.Sprintf("Ajuste: Sistema(%s) vs Fisico(%s) - %s", current.String(), counted.String(), reason),
		Item:      item,
		BranchID:  branchID,
		UserID:    userID,
		CreatedAt: now,
	}
	s.movements = append(s.movements, movement)
	copied := movement
	return &copied, nil
}

func (s *Store) GetOrderByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) ListOrders(_ context.Context, branchID string, statuses []domain.OrderStatus, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.Order, 0, limit)
	for _, order := range s.ordersByID {
		if order.BranchID != branchID {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, order.Status) {
			continue
		}
		result = append(result, *cloneOrder(order))
	}
	slices.SortFunc(result, func(a, b domain.Order) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) UpdateOrderStatus(_ context.Context, orderID string, next domain.OrderStatus, userID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !domain.CanTransition(order.Status, next) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, order.Status, next)
	}

	now := time.Now().UTC()
	if next == domain.OrderCancelled {
		s.restockCancelledOrder(order, userID, now)
	}
	order.Status = next
	order.UpdatedAt = now
	return cloneOrder(order), nil
}

// restockCancelledOrder reverses the order's sale-out draws with
// compensating adjustment movements. Must be called with the mutex held.
func (s *Store) restockCancelledOrder(order *domain.Order, userID string, at time.Time) {
	for _, mv := range s.movements {
		if mv.Ref != order.ID || mv.Type != domain.MovementSaleOut {
			continue
		}
		// Increasing stock never violates the non-negative invariant.
		if _, err := s.applyDelta(order.BranchID, mv.Item, mv.Quantity, at); err != nil {
			continue
		}
		s.movements = append(s.movements, domain.Movement{
			ID:        xid.New("mov"),
			Type:      domain.MovementAdjustment,
			Quantity:  mv.Quantity,
			Reason:    "Cancelacion " + xid.Folio(order.ID),
			Item:      mv.Item,
			BranchID:  order.BranchID,
			UserID:    userID,
			Ref:       order.ID,
			CreatedAt: at,
		})
	}
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, branchID string, limit int) ([]domain.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.auditLogs[i]
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" {
		return store.ErrInvalidRequest
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidRequest
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneProduct(p domain.Product) domain.Product {
	copied := p
	if len(p.Recipe) > 0 {
		copied.Recipe = slices.Clone(p.Recipe)
	}
	return copied
}

func cloneOrder(o *domain.Order) *domain.Order {
	copied := *o
	copied.Lines = make([]domain.OrderLine, len(o.Lines))
	for i, line := range o.Lines {
		copied.Lines[i] = line
		copied.Lines[i].Options.Modifiers = slices.Clone(line.Options.Modifiers)
	}
	return &copied
}
