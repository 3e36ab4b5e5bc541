package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/marketplace-orders/pkg/models"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, sslMode)
}

type PostgresStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// OpenPostgres connects, waits for the database to accept connections and
// bootstraps the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var pingErr error
	for i := 0; i < 30; i++ {
		if pingErr = db.PingContext(ctx); pingErr == nil {
			logger.Info("Database connection established")
			break
		}
		logger.Info("Waiting for database...")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("database not reachable: %w", pingErr)
	}

	s := NewPostgresStore(db, logger)
	if err := s.CreateTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func NewPostgresStore(db *sql.DB, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			price BIGINT NOT NULL CHECK (price >= 0),
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(255) PRIMARY KEY,
			buyer_id VARCHAR(255) NOT NULL,
			status VARCHAR(20) NOT NULL,
			total BIGINT NOT NULL CHECK (total >= 0),
			location TEXT NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			mt_snap_token TEXT,
			mt_redirect_url TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id VARCHAR(255) PRIMARY KEY,
			order_id VARCHAR(255) NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			product_id VARCHAR(255) NOT NULL,
			seller_id VARCHAR(255) NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity >= 1),
			price_per_item BIGINT NOT NULL,
			total BIGINT NOT NULL,
			CHECK (total = quantity * price_per_item),
			UNIQUE (order_id, product_id)
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			order_id VARCHAR(255),
			amount BIGINT NOT NULL CHECK (amount > 0),
			type VARCHAR(20) NOT NULL CHECK (type IN ('Pemasukan', 'Pencairan')),
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_buyer_id ON orders(buyer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_seller_id ON order_items(seller_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user_id ON transactions(user_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_income_once
			ON transactions(order_id, user_id) WHERE type = 'Pemasukan'`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) GetProducts(ctx context.Context, ids []string) ([]models.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, price, is_deleted FROM products WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.SellerID, &p.Price, &p.IsDeleted); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *PostgresStore) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, buyer_id, status, total, location, latitude, longitude, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		order.ID, order.BuyerID, string(order.Status), order.Total, order.Location,
		order.Latitude, order.Longitude, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return err
	}

	for _, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, seller_id, quantity, price_per_item, total)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			item.ID, order.ID, item.ProductID, item.SellerID, item.Quantity, item.PricePerItem, item.Total)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) SetCheckout(ctx context.Context, orderID, token, redirectURL string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET mt_snap_token = $2, mt_redirect_url = $3, updated_at = $4 WHERE id = $1`,
		orderID, token, redirectURL, time.Now())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) DeleteOrder(ctx context.Context, orderID string) error {
	// order_items cascade
	_, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
	return err
}

func (s *PostgresStore) TransitionStatus(ctx context.Context, orderID string, from, to models.Status) (bool, models.Status, error) {
	if from != to {
		res, err := s.db.ExecContext(ctx,
			`UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
			orderID, string(from), string(to), time.Now())
		if err != nil {
			return false, "", err
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return true, to, nil
		}
	}

	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", ErrNotFound
	}
	if err != nil {
		return false, "", err
	}
	return false, models.Status(current), nil
}

const orderColumns = `o.id, o.buyer_id, o.status, o.total, o.location, o.latitude, o.longitude,
	o.mt_snap_token, o.mt_redirect_url, o.created_at, o.updated_at`

// scopeClause renders the visibility predicate starting at placeholder $n.
func scopeClause(scope Scope, n int) (string, []interface{}) {
	switch scope.Role {
	case models.RoleAdmin:
		return "TRUE", nil
	case models.RoleBuyer:
		return fmt.Sprintf("o.buyer_id = $%d", n), []interface{}{scope.UserID}
	case models.RoleSeller:
		return fmt.Sprintf(`EXISTS (SELECT 1 FROM order_items oi WHERE oi.order_id = o.id AND oi.seller_id = $%d)`, n),
			[]interface{}{scope.UserID}
	default:
		return "FALSE", nil
	}
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string, scope Scope) (*models.Order, error) {
	clause, args := scopeClause(scope, 2)
	query := `SELECT ` + orderColumns + ` FROM orders o WHERE o.id = $1 AND ` + clause

	order, err := scanOrder(s.db.QueryRowContext(ctx, query, append([]interface{}{orderID}, args...)...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadItems(ctx, []*models.Order{order}); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, scope Scope) ([]*models.Order, error) {
	clause, args := scopeClause(scope, 1)
	query := `SELECT ` + orderColumns + ` FROM orders o WHERE ` + clause + ` ORDER BY o.created_at DESC`
	return s.queryOrders(ctx, query, args...)
}

func (s *PostgresStore) ListOrdersByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders o WHERE o.status = $1 ORDER BY o.created_at ASC`
	args := []interface{}{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryOrders(ctx, query, args...)
}

func (s *PostgresStore) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*models.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	var status string
	var token, redirect sql.NullString
	err := row.Scan(
		&order.ID, &order.BuyerID, &status, &order.Total, &order.Location,
		&order.Latitude, &order.Longitude, &token, &redirect,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	order.Status = models.Status(status)
	if token.Valid {
		order.GatewaySnapToken = &token.String
	}
	if redirect.Valid {
		order.GatewayRedirectURL = &redirect.String
	}
	return order, nil
}

func (s *PostgresStore) loadItems(ctx context.Context, orders []*models.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]string, len(orders))
	byID := make(map[string]*models.Order, len(orders))
	for i, order := range orders {
		ids[i] = order.ID
		byID[order.ID] = order
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, seller_id, quantity, price_per_item, total
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, product_id`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.SellerID,
			&item.Quantity, &item.PricePerItem, &item.Total); err != nil {
			return err
		}
		if order, ok := byID[item.OrderID]; ok {
			order.Items = append(order.Items, item)
		}
	}
	return rows.Err()
}

const transactionColumns = `id, user_id, order_id, amount, type, created_at`

func scanTransaction(row rowScanner) (models.Transaction, error) {
	var tx models.Transaction
	var orderID sql.NullString
	var txType string
	if err := row.Scan(&tx.ID, &tx.UserID, &orderID, &tx.Amount, &txType, &tx.CreatedAt); err != nil {
		return tx, err
	}
	tx.Type = models.TransactionType(txType)
	if orderID.Valid {
		tx.OrderID = &orderID.String
	}
	return tx, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions`
	var args []interface{}
	if userID != "" {
		query += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

const balanceQuery = `
	SELECT COALESCE(SUM(CASE WHEN type = 'Pemasukan' THEN amount ELSE -amount END), 0)
	FROM transactions WHERE user_id = $1`

func (s *PostgresStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, balanceQuery, userID).Scan(&balance)
	return balance, err
}

// Withdraw serialises withdrawals per user with a transaction-scoped advisory
// lock so the balance read and the insert cannot interleave.
func (s *PostgresStore) Withdraw(ctx context.Context, userID string, amount int64) (*models.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return nil, fmt.Errorf("failed to lock balance: %w", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, balanceQuery, userID).Scan(&balance); err != nil {
		return nil, err
	}
	if amount > balance {
		return nil, ErrInsufficientBalance
	}

	entry := models.Transaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    amount,
		Type:      models.TransactionWithdrawal,
		CreatedAt: time.Now(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (id, user_id, amount, type, created_at) VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.UserID, entry.Amount, string(entry.Type), entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *PostgresStore) CreditIncome(ctx context.Context, orderID, sellerID string, amount int64) (*models.Transaction, error) {
	id := orderID
	entry := models.Transaction{
		ID:        uuid.New().String(),
		UserID:    sellerID,
		OrderID:   &id,
		Amount:    amount,
		Type:      models.TransactionIncome,
		CreatedAt: time.Now(),
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, order_id, amount, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		entry.ID, entry.UserID, orderID, entry.Amount, string(entry.Type), entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrDuplicateIncome
	}
	return &entry, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
