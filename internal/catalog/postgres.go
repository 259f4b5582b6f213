package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the read-only knowledge tables. The marketplace
// owns these tables; [PostgresSource.Migrate] exists for local development.
const Schema = `
CREATE TABLE IF NOT EXISTS products (
    id              TEXT PRIMARY KEY,
    vendor_name     TEXT NOT NULL DEFAULT '',
    name            TEXT NOT NULL,
    category        TEXT NOT NULL DEFAULT '',
    price           DOUBLE PRECISION NOT NULL DEFAULT 0,
    stock           INTEGER NOT NULL DEFAULT 0,
    min_order_qty   INTEGER NOT NULL DEFAULT 1,
    lead_time_hours INTEGER NOT NULL DEFAULT 24,
    description     TEXT NOT NULL DEFAULT '',
    is_sponsored    BOOLEAN NOT NULL DEFAULT false
);
CREATE TABLE IF NOT EXISTS couriers (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    type            TEXT NOT NULL DEFAULT 'standard',
    base_rate       DOUBLE PRECISION NOT NULL DEFAULT 0,
    estimated_days  TEXT NOT NULL DEFAULT '',
    description     TEXT NOT NULL DEFAULT '',
    is_vendor_fleet BOOLEAN NOT NULL DEFAULT false
);
CREATE TABLE IF NOT EXISTS orders (
    id              TEXT PRIMARY KEY,
    buyer_name      TEXT NOT NULL DEFAULT '',
    total_amount    DOUBLE PRECISION NOT NULL DEFAULT 0,
    status          TEXT NOT NULL DEFAULT 'pending',
    payment_status  TEXT NOT NULL DEFAULT 'unpaid',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    courier_id      TEXT,
    tracking_number TEXT
);
CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at DESC);
`

// DefaultOrderLimit caps how many recent orders a snapshot carries.
const DefaultOrderLimit = 20

// DB is the database interface used by [PostgresSource]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSource is a [Source] that reads products, couriers and recent
// orders with plain SELECTs.
type PostgresSource struct {
	db         DB
	orderLimit int
}

var _ Source = (*PostgresSource)(nil)

// NewPostgresSource creates a source over db. A non-positive orderLimit uses
// [DefaultOrderLimit].
func NewPostgresSource(db DB, orderLimit int) *PostgresSource {
	if orderLimit <= 0 {
		orderLimit = DefaultOrderLimit
	}
	return &PostgresSource{db: db, orderLimit: orderLimit}
}

// OpenPool parses dsn and connects a pool, pinging once so that a bad DSN
// fails at startup.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("catalog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes [Schema].
func (s *PostgresSource) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	return nil
}

// Load implements [Source].
func (s *PostgresSource) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Products, err = s.products(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Couriers, err = s.couriers(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Orders, err = s.orders(ctx); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *PostgresSource) products(ctx context.Context) ([]Product, error) {
	const query = `
		SELECT id, vendor_name, name, category, price, stock,
		       min_order_qty, lead_time_hours, description, is_sponsored
		FROM products
		ORDER BY id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("catalog: query products: %w", err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.VendorName, &p.Name, &p.Category, &p.Price, &p.Stock,
			&p.MinOrderQty, &p.LeadTimeHours, &p.Description, &p.Sponsored); err != nil {
			return nil, fmt.Errorf("catalog: scan product: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate products: %w", err)
	}
	return out, nil
}

func (s *PostgresSource) couriers(ctx context.Context) ([]Courier, error) {
	const query = `
		SELECT id, name, type, base_rate, estimated_days, description, is_vendor_fleet
		FROM couriers
		ORDER BY base_rate, id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("catalog: query couriers: %w", err)
	}
	defer rows.Close()

	var out []Courier
	for rows.Next() {
		var c Courier
		var typ string
		if err := rows.Scan(&c.ID, &c.Name, &typ, &c.BaseRate, &c.EstimatedDays,
			&c.Description, &c.VendorFleet); err != nil {
			return nil, fmt.Errorf("catalog: scan courier: %w", err)
		}
		c.Type = CourierType(typ)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate couriers: %w", err)
	}
	return out, nil
}

func (s *PostgresSource) orders(ctx context.Context) ([]Order, error) {
	const query = `
		SELECT id, buyer_name, total_amount, status, payment_status, created_at,
		       COALESCE(courier_id, ''), COALESCE(tracking_number, '')
		FROM orders
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, s.orderLimit)
	if err != nil {
		return nil, fmt.Errorf("catalog: query orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.BuyerName, &o.TotalAmount, &o.Status, &o.PaymentStatus,
			&o.CreatedAt, &o.CourierID, &o.TrackingNumber); err != nil {
			return nil, fmt.Errorf("catalog: scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate orders: %w", err)
	}
	return out, nil
}
