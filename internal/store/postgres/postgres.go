package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"ordena/backend/internal/domain"
	"ordena/backend/internal/fulfillment"
	"ordena/backend/internal/store"
	"ordena/backend/internal/xid"
)

// serializableAttempts bounds retries of transactions that abort with a
// serialization failure before the caller sees ErrConflict.
const serializableAttempts = 3

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetBranch(ctx context.Context, id string) (*domain.Branch, error) {
	var branch domain.Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, COALESCE(address,'')
		FROM branches
		WHERE id = $1
	`, id).Scan(&branch.ID, &branch.Name, &branch.Slug, &branch.Address)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrUnknownBranch
		}
		return nil, err
	}
	return &branch, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, slug, COALESCE(address,'')
		FROM branches
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	branches := make([]domain.Branch, 0, 8)
	for rows.Next() {
		var b domain.Branch
		if err := rows.Scan(&b.ID, &b.Name, &b.Slug, &b.Address); err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return branches, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, price, is_compound, active
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	ids := make([]string, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.IsCompound, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recipes, err := s.getRecipes(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range products {
		products[i].Recipe = recipes[products[i].ID]
	}
	return products, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, price, is_compound, active
		FROM products
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.IsCompound, &p.Active); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recipes, err := s.getRecipes(ctx, ids)
	if err != nil {
		return nil, err
	}
	for id, p := range result {
		p.Recipe = recipes[id]
		result[id] = p
	}
	return result, nil
}

func (s *Store) getRecipes(ctx context.Context, productIDs []string) (map[string][]domain.RecipeItem, error) {
	recipes := make(map[string][]domain.RecipeItem, len(productIDs))
	if len(productIDs) == 0 {
		return recipes, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, supply_id, quantity
		FROM recipe_items
		WHERE product_id = ANY($1)
		ORDER BY product_id, supply_id
	`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var productID string
		var item domain.RecipeItem
		if err := rows.Scan(&productID, &item.SupplyID, &item.Quantity); err != nil {
			return nil, err
		}
		recipes[productID] = append(recipes[productID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recipes, nil
}

func (s *Store) ListSupplies(ctx context.Context) ([]domain.Supply, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, unit, cost
		FROM supplies
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	supplies := make([]domain.Supply, 0, 64)
	for rows.Next() {
		var sup domain.Supply
		if err := rows.Scan(&sup.ID, &sup.Name, &sup.Unit, &sup.Cost); err != nil {
			return nil, err
		}
		supplies = append(supplies, sup)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return supplies, nil
}

func (s *Store) GetStockRow(ctx context.Context, item domain.ItemRef, branchID string) (*domain.StockRow, error) {
	var row domain.StockRow
	row.Item = item
	err := s.db.QueryRowContext(ctx, `
		SELECT branch_id, quantity, min_stock, updated_at
		FROM stock_rows
		WHERE item_kind = $1 AND item_id = $2 AND branch_id = $3
	`, item.Kind, item.ID, branchID).Scan(&row.BranchID, &row.Quantity, &row.MinStock, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	row.UpdatedAt = row.UpdatedAt.UTC()
	return &row, nil
}

func (s *Store) ListStockRows(ctx context.Context, branchID string) ([]domain.StockRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_kind, item_id, branch_id, quantity, min_stock, updated_at
		FROM stock_rows
		WHERE branch_id = $1
		ORDER BY item_kind, item_id
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.StockRow, 0, 128)
	for rows.Next() {
		var row domain.StockRow
		if err := rows.Scan(&row.Item.Kind, &row.Item.ID, &row.BranchID, &row.Quantity, &row.MinStock, &row.UpdatedAt); err != nil {
			return nil, err
		}
		row.UpdatedAt = row.UpdatedAt.UTC()
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListMovements(ctx context.Context, branchID string, item *domain.ItemRef, limit int) ([]domain.Movement, error) {
	if limit < 1 {
		limit = 100
	}
	itemKind := ""
	itemID := ""
	if item != nil {
		itemKind = string(item.Kind)
		itemID = item.ID
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, movement_type, quantity, reason, item_kind, item_id, branch_id,
			COALESCE(user_id,''), COALESCE(ref,''), created_at
		FROM stock_movements
		WHERE branch_id = $1
			AND ($2 = '' OR (item_kind = $2 AND item_id = $3))
		ORDER BY created_at DESC
		LIMIT $4
	`, branchID, itemKind, itemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.Movement, 0, limit)
	for rows.Next() {
		var mv domain.Movement
		if err := rows.Scan(&mv.ID, &mv.Type, &mv.Quantity, &mv.Reason, &mv.Item.Kind, &mv.Item.ID, &mv.BranchID, &mv.UserID, &mv.Ref, &mv.CreatedAt); err != nil {
			return nil, err
		}
		mv.CreatedAt = mv.CreatedAt.UTC()
		movements = append(movements, mv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) PlaceOrder(ctx context.Context, order domain.Order, draws []domain.StockDraw, userID string) (*domain.Order, error) {
	if len(order.Lines) == 0 {
		return nil, store.ErrInvalidRequest
	}

	var placed *domain.Order
	err := s.runSerializable(ctx, func(tx *sql.Tx) error {
		var err error
		placed, err = s.placeOrderTx(ctx, tx, order, draws, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return placed, nil
}

func (s *Store) placeOrderTx(ctx context.Context, tx *sql.Tx, order domain.Order, draws []domain.StockDraw, userID string) (*domain.Order, error) {
	var branchExists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM branches WHERE id = $1)
	`, order.BranchID).Scan(&branchExists); err != nil {
		return nil, err
	}
	if !branchExists {
		return nil, store.ErrUnknownBranch
	}

	// Lock rows one at a time in the caller's (sorted) draw order so two
	// concurrent orders acquire locks in the same sequence.
	reservation := fulfillment.NewReservation()
	for _, draw := range draws {
		onHand, err := lockStockRow(ctx, tx, order.BranchID, draw.Item)
		if err != nil {
			return nil, err
		}
		if err := reservation.Reserve(draw.Item, draw.Quantity, onHand); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	for _, draw := range draws {
		_, err := tx.ExecContext(ctx, `
			UPDATE stock_rows
			SET quantity = quantity - $1, updated_at = now()
			WHERE item_kind = $2 AND item_id = $3 AND branch_id = $4
		`, draw.Quantity, draw.Item.Kind, draw.Item.ID, order.BranchID)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_movements (id, movement_type, quantity, reason, item_kind, item_id, branch_id, user_id, ref, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, xid.New("mov"), domain.MovementSaleOut, draw.Quantity, "Venta "+xid.Folio(order.ID), draw.Item.Kind, draw.Item.ID, order.BranchID, nullIfEmpty(userID), order.ID, now)
		if err != nil {
			return nil, err
		}
	}

	if order.Status == "" {
		order.Status = domain.OrderPlaced
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, branch_id, customer_name, status, total, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, order.ID, order.BranchID, order.CustomerName, order.Status, order.Total, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRequest
		}
		return nil, err
	}

	for i := range order.Lines {
		line := &order.Lines[i]
		line.OrderID = order.ID
		if line.ID == "" {
			line.ID = xid.New("line")
		}
		optionsJSON, err := json.Marshal(line.Options)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_lines (id, order_id, product_id, product_name, qty, unit_price, options)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, line.ID, order.ID, line.ProductID, line.ProductName, line.Quantity, line.UnitPrice, optionsJSON)
		if err != nil {
			return nil, err
		}
	}

	saved := order
	return &saved, nil
}

// lockStockRow reads a branch stock balance under FOR UPDATE. A missing row
// reads as zero, which any positive draw will then fail against; the item
// itself must still exist in the catalog.
func lockStockRow(ctx context.Context, tx *sql.Tx, branchID string, item domain.ItemRef) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		SELECT quantity
		FROM stock_rows
		WHERE item_kind = $1 AND item_id = $2 AND branch_id = $3
		FOR UPDATE
	`, item.Kind, item.ID, branchID).Scan(&qty)
	if err == nil {
		return qty, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, err
	}

	exists, existsErr := itemExists(ctx, tx, item)
	if existsErr != nil {
		return decimal.Zero, existsErr
	}
	if !exists {
		return decimal.Zero, fmt.Errorf("%w: %s", store.ErrUnknownItem, item.Key())
	}
	return decimal.Zero, nil
}

func itemExists(ctx context.Context, tx *sql.Tx, item domain.ItemRef) (bool, error) {
	var query string
	switch item.Kind {
	case domain.ItemKindProduct:
		query = `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`
	case domain.ItemKindSupply:
		query = `SELECT EXISTS (SELECT 1 FROM supplies WHERE id = $1)`
	default:
		return false, nil
	}
	var exists bool
	err := tx.QueryRowContext(ctx, query, item.ID).Scan(&exists)
	return exists, err
}

func (s *Store) ReceiveStock(ctx context.Context, item domain.ItemRef, branchID string, qty decimal.Decimal, reason string, userID string) (*domain.StockRow, error) {
	if !qty.IsPositive() {
		return nil, store.ErrInvalidRequest
	}

	var row *domain.StockRow
	err := s.runSerializable(ctx, func(tx *sql.Tx) error {
		exists, err := itemExists(ctx, tx, item)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", store.ErrUnknownItem, item.Key())
		}

		var branchExists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM branches WHERE id = $1)
		`, branchID).Scan(&branchExists); err != nil {
			return err
		}
		if !branchExists {
			return store.ErrUnknownBranch
		}

		updated := domain.StockRow{Item: item, BranchID: branchID}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO stock_rows (item_kind, item_id, branch_id, quantity, min_stock, updated_at)
			VALUES ($1,$2,$3,$4,0,now())
			ON CONFLICT (item_kind, item_id, branch_id)
			DO UPDATE SET quantity = stock_rows.quantity + EXCLUDED.quantity, updated_at = now()
			RETURNING quantity, min_stock, updated_at
		`, item.Kind, item.ID, branchID, qty).Scan(&updated.Quantity, &updated.MinStock, &updated.UpdatedAt)
		if err != nil {
			return err
		}
		updated.UpdatedAt = updated.UpdatedAt.UTC()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_movements (id, movement_type, quantity, reason, item_kind, item_id, branch_id, user_id, ref, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULL,$9)
		`, xid.New("mov"), domain.MovementPurchaseIn, qty, reason, item.Kind, item.ID, branchID, nullIfEmpty(userID), time.Now().UTC())
		if err != nil {
			return err
		}

		row = &updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Store) AdjustStock(ctx context.Context, item domain.ItemRef, branchID string, counted decimal.Decimal, reason string, userID string) (*domain.Movement, error) {
	if counted.IsNegative() {
		return nil, store.ErrInvalidRequest
	}

	var movement *domain.Movement
	err := s.runSerializable(ctx, func(tx *sql.Tx) error {
		movement = nil
		exists, err := itemExists(ctx, tx, item)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", store.ErrUnknownItem, item.Key())
		}

		var branchExists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM branches WHERE id = $1)
		`, branchID).Scan(&branchExists); err != nil {
			return err
		}
		if !branchExists {
			return store.ErrUnknownBranch
		}

		current, err := lockStockRow(ctx, tx, branchID, item)
		if err != nil {
			return err
		}
		delta := counted.Sub(current)
		if delta.IsZero() {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_rows (item_kind, item_id, branch_id, quantity, min_stock, updated_at)
			VALUES ($1,$2,$3,$4,0,now())
			ON CONFLICT (item_kind, item_id, branch_id)
			DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()
		`, item.Kind, item.ID, branchID, counted)
		if err != nil {
			return err
		}

		movementType := domain.MovementAdjustment
		if delta.IsNegative() {
			movementType = domain.MovementLossOut
		}
		mv := domain.Movement{
			ID:        xid.New("mov"),
			Type:      movementType,
			Quantity:  delta.Abs(),
			Reason:    fmt.Sprintf("Ajuste: Sistema(%s) vs Fisico(%s) - %s", current.String(), counted.String(), reason),
			Item:      item,
			BranchID:  branchID,
			UserID:    userID,
			CreatedAt: time.Now().UTC(),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_movements (id, movement_type, quantity, reason, item_kind, item_id, branch_id, user_id, ref, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULL,$9)
		`, mv.ID, mv.Type, mv.Quantity, mv.Reason, item.Kind, item.ID, branchID, nullIfEmpty(userID), mv.CreatedAt)
		if err != nil {
			return err
		}

		movement = &mv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

func (s *Store) GetOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	var order domain.Order
	err := s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, customer_name, status, total, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.BranchID, &order.CustomerName, &order.Status, &order.Total, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()

	lines, err := s.getOrderLines(ctx, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.Lines = lines[order.ID]
	return &order, nil
}

func (s *Store) getOrderLines(ctx context.Context, orderIDs []string) (map[string][]domain.OrderLine, error) {
	result := make(map[string][]domain.OrderLine, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, product_name, qty, unit_price, options
		FROM order_lines
		WHERE order_id = ANY($1)
		ORDER BY id ASC
	`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.OrderLine
		var optionsRaw []byte
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ProductID, &line.ProductName, &line.Quantity, &line.UnitPrice, &optionsRaw); err != nil {
			return nil, err
		}
		if len(optionsRaw) > 0 {
			if err := json.Unmarshal(optionsRaw, &line.Options); err != nil {
				return nil, err
			}
		}
		result[line.OrderID] = append(result[line.OrderID], line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListOrders(ctx context.Context, branchID string, statuses []domain.OrderStatus, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 100
	}
	statusFilter := make([]string, 0, len(statuses))
	for _, status := range statuses {
		statusFilter = append(statusFilter, string(status))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, customer_name, status, total, created_at, updated_at
		FROM orders
		WHERE branch_id = $1
			AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY created_at ASC
		LIMIT $3
	`, branchID, statusFilter, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		var order domain.Order
		if err := rows.Scan(&order.ID, &order.BranchID, &order.CustomerName, &order.Status, &order.Total, &order.CreatedAt, &order.UpdatedAt); err != nil {
			return nil, err
		}
		order.CreatedAt = order.CreatedAt.UTC()
		order.UpdatedAt = order.UpdatedAt.UTC()
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lines, err := s.getOrderLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Lines = lines[orders[i].ID]
	}
	return orders, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, next domain.OrderStatus, userID string) (*domain.Order, error) {
	var updated *domain.Order
	err := s.runSerializable(ctx, func(tx *sql.Tx) error {
		var order domain.Order
		err := tx.QueryRowContext(ctx, `
			SELECT id, branch_id, customer_name, status, total, created_at
			FROM orders
			WHERE id = $1
			FOR UPDATE
		`, orderID).Scan(&order.ID, &order.BranchID, &order.CustomerName, &order.Status, &order.Total, &order.CreatedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if !domain.CanTransition(order.Status, next) {
			return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, order.Status, next)
		}

		now := time.Now().UTC()
		if next == domain.OrderCancelled {
			if err := restockCancelledOrder(ctx, tx, order, userID, now); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $2, updated_at = $3
			WHERE id = $1
		`, orderID, next, now)
		if err != nil {
			return err
		}

		order.Status = next
		order.CreatedAt = order.CreatedAt.UTC()
		order.UpdatedAt = now
		updated = &order
		return nil
	})
	if err != nil {
		return nil, err
	}

	lines, err := s.getOrderLines(ctx, []string{updated.ID})
	if err != nil {
		return nil, err
	}
	updated.Lines = lines[updated.ID]
	return updated, nil
}

// restockCancelledOrder reverses the order's sale-out movements with
// compensating adjustment entries inside the same transaction.
func restockCancelledOrder(ctx context.Context, tx *sql.Tx, order domain.Order, userID string, at time.Time) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT item_kind, item_id, quantity
		FROM stock_movements
		WHERE ref = $1 AND movement_type = $2
		ORDER BY item_kind, item_id
	`, order.ID, domain.MovementSaleOut)
	if err != nil {
		return err
	}
	type saleDraw struct {
		item domain.ItemRef
		qty  decimal.Decimal
	}
	draws := make([]saleDraw, 0, 8)
	for rows.Next() {
		var draw saleDraw
		if err := rows.Scan(&draw.item.Kind, &draw.item.ID, &draw.qty); err != nil {
			_ = rows.Close()
			return err
		}
		draws = append(draws, draw)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, draw := range draws {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stock_rows (item_kind, item_id, branch_id, quantity, min_stock, updated_at)
			VALUES ($1,$2,$3,$4,0,now())
			ON CONFLICT (item_kind, item_id, branch_id)
			DO UPDATE SET quantity = stock_rows.quantity + EXCLUDED.quantity, updated_at = now()
		`, draw.item.Kind, draw.item.ID, order.BranchID, draw.qty)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_movements (id, movement_type, quantity, reason, item_kind, item_id, branch_id, user_id, ref, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, xid.New("mov"), domain.MovementAdjustment, draw.qty, "Cancelacion "+xid.Folio(order.ID), draw.item.Kind, draw.item.ID, order.BranchID, nullIfEmpty(userID), order.ID, at)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.BranchID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR branch_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, branchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRequest
	}
	if user.Role == "" {
		user.Role = "staff"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidRequest
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRequest
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// runSerializable executes fn inside a SERIALIZABLE transaction, retrying a
// bounded number of times when Postgres aborts it with a serialization or
// deadlock failure. Exhausted retries surface as ErrConflict.
func (s *Store) runSerializable(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < serializableAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isSerializationFailure(err) {
				lastErr = err
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if isSerializationFailure(err) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: %v", store.ErrConflict, lastErr)
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
