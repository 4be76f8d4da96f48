package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/petfriendzone23-source/caixa-pet-shop/internal/domain"
	"github.com/petfriendzone23-source/caixa-pet-shop/internal/store"
	"github.com/petfriendzone23-source/caixa-pet-shop/internal/xid"
)

const qtyEpsilon = 1e-6

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

	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &Store{db: db}, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id text PRIMARY KEY,
		code text NOT NULL,
		name text NOT NULL,
		category text NOT NULL,
		subgroup text,
		cost_price_cents bigint NOT NULL DEFAULT 0,
		price_cents bigint NOT NULL,
		stock double precision NOT NULL DEFAULT 0,
		unit_type text NOT NULL DEFAULT 'un',
		color text,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS products_code_lower_idx ON products (lower(code))`,
	`CREATE TABLE IF NOT EXISTS customers (
		id text PRIMARY KEY,
		name text NOT NULL,
		phone text,
		email text,
		document text,
		pet_name text,
		notes text,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS payment_methods (
		id text PRIMARY KEY,
		name text NOT NULL,
		icon text NOT NULL DEFAULT '💰',
		fee_percent double precision NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS company_info (
		id int PRIMARY KEY,
		name text NOT NULL,
		tax_id text NOT NULL DEFAULT '',
		address text NOT NULL DEFAULT '',
		phone text NOT NULL DEFAULT '',
		footer text NOT NULL DEFAULT '',
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sales (
		id text PRIMARY KEY,
		total_cents bigint NOT NULL,
		change_cents bigint NOT NULL DEFAULT 0,
		customer_id text,
		customer_name text,
		items jsonb NOT NULL,
		payments jsonb NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS sales_created_at_idx ON sales (created_at)`,
	`CREATE TABLE IF NOT EXISTS sale_counter (
		id int PRIMARY KEY,
		next_number bigint NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS app_users (
		username text PRIMARY KEY,
		password text NOT NULL,
		role text NOT NULL,
		active boolean NOT NULL DEFAULT true,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, name, category, subgroup, cost_price_cents, price_cents, stock, unit_type, color
		FROM products
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, code, name, category, subgroup, cost_price_cents, price_cents, stock, unit_type, color
		FROM products
		WHERE id = $1
	`, id)
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductByCode(ctx context.Context, code string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, code, name, category, subgroup, cost_price_cents, price_cents, stock, unit_type, color
		FROM products
		WHERE lower(code) = lower($1)
	`, strings.TrimSpace(code))
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) SaveProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Code == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidSale
	}
	if product.UnitType != domain.UnitEach && product.UnitType != domain.UnitWeight {
		return nil, store.ErrInvalidSale
	}
	if product.Stock < 0 || product.CostPriceCents < 0 {
		return nil, store.ErrInvalidSale
	}

	if product.ID == "" {
		product.ID = xid.New("prd")
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO products (id, code, name, category, subgroup, cost_price_cents, price_cents, stock, unit_type, color, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
		`, product.ID, product.Code, product.Name, product.Category, nullIfEmpty(product.Subgroup),
			product.CostPriceCents, product.PriceCents, product.Stock, product.UnitType, nullIfEmpty(product.Color))
		if err != nil {
			if isUniqueViolation(err) {
				return nil, store.ErrDuplicateCode
			}
			return nil, err
		}
		created := product
		return &created, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET code = $2, name = $3, category = $4, subgroup = $5, cost_price_cents = $6,
		    price_cents = $7, stock = $8, unit_type = $9, color = $10, updated_at = now()
		WHERE id = $1
	`, product.ID, product.Code, product.Name, product.Category, nullIfEmpty(product.Subgroup),
		product.CostPriceCents, product.PriceCents, product.Stock, product.UnitType, nullIfEmpty(product.Color))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateCode
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := product
	return &updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
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

func (s *Store) SetProductStock(ctx context.Context, id string, stock float64) (*domain.Product, error) {
	if stock < 0 {
		return nil, store.ErrInvalidSale
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE products SET stock = $2, updated_at = now() WHERE id = $1
	`, id, stock)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetProductByID(ctx, id)
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, email, document, pet_name, notes, created_at
		FROM customers
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		customer, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, customer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, email, document, pet_name, notes, created_at
		FROM customers
		WHERE id = $1
	`, id)
	customer, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &customer, nil
}

func (s *Store) SaveCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" {
		return nil, store.ErrInvalidSale
	}

	if customer.ID == "" {
		customer.ID = xid.New("cus")
		customer.CreatedAt = time.Now().UTC()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO customers (id, name, phone, email, document, pet_name, notes, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, customer.ID, customer.Name, nullIfEmpty(customer.Phone), nullIfEmpty(customer.Email),
			nullIfEmpty(customer.Document), nullIfEmpty(customer.PetName), nullIfEmpty(customer.Notes), customer.CreatedAt)
		if err != nil {
			return nil, err
		}
		created := customer
		return &created, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET name = $2, phone = $3, email = $4, document = $5, pet_name = $6, notes = $7
		WHERE id = $1
	`, customer.ID, customer.Name, nullIfEmpty(customer.Phone), nullIfEmpty(customer.Email),
		nullIfEmpty(customer.Document), nullIfEmpty(customer.PetName), nullIfEmpty(customer.Notes))
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetCustomerByID(ctx, customer.ID)
}

func (s *Store) DeleteCustomer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, id)
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

func (s *Store) ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, icon, fee_percent
		FROM payment_methods
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	methods := make([]domain.PaymentMethod, 0, 8)
	for rows.Next() {
		var m domain.PaymentMethod
		if err := rows.Scan(&m.ID, &m.Name, &m.Icon, &m.FeePercent); err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return methods, nil
}

func (s *Store) GetPaymentMethodByID(ctx context.Context, id string) (*domain.PaymentMethod, error) {
	var m domain.PaymentMethod
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, icon, fee_percent
		FROM payment_methods
		WHERE id = $1
	`, id).Scan(&m.ID, &m.Name, &m.Icon, &m.FeePercent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) SavePaymentMethod(ctx context.Context, method domain.PaymentMethod) (*domain.PaymentMethod, error) {
	if strings.TrimSpace(method.Name) == "" || method.FeePercent < 0 || method.FeePercent > 100 {
		return nil, store.ErrInvalidSale
	}
	if method.Icon == "" {
		method.Icon = "💰"
	}

	if method.ID == "" {
		method.ID = xid.New("pay")
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO payment_methods (id, name, icon, fee_percent)
			VALUES ($1,$2,$3,$4)
		`, method.ID, method.Name, method.Icon, method.FeePercent)
		if err != nil {
			return nil, err
		}
		created := method
		return &created, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_methods
		SET name = $2, icon = $3, fee_percent = $4
		WHERE id = $1
	`, method.ID, method.Name, method.Icon, method.FeePercent)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := method
	return &updated, nil
}

func (s *Store) DeletePaymentMethod(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM payment_methods WHERE id = $1`, id)
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

func (s *Store) GetCompanyInfo(ctx context.Context) (*domain.CompanyInfo, error) {
	var info domain.CompanyInfo
	err := s.db.QueryRowContext(ctx, `
		SELECT name, tax_id, address, phone, footer
		FROM company_info
		WHERE id = 1
	`).Scan(&info.Name, &info.TaxID, &info.Address, &info.Phone, &info.Footer)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Unset until the first save.
			return &domain.CompanyInfo{}, nil
		}
		return nil, err
	}
	return &info, nil
}

func (s *Store) SaveCompanyInfo(ctx context.Context, info domain.CompanyInfo) (*domain.CompanyInfo, error) {
	if strings.TrimSpace(info.Name) == "" {
		return nil, store.ErrInvalidSale
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO company_info (id, name, tax_id, address, phone, footer, updated_at)
		VALUES (1,$1,$2,$3,$4,$5,now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, tax_id = EXCLUDED.tax_id, address = EXCLUDED.address,
		    phone = EXCLUDED.phone, footer = EXCLUDED.footer, updated_at = now()
	`, info.Name, info.TaxID, info.Address, info.Phone, info.Footer)
	if err != nil {
		return nil, err
	}
	saved := info
	return &saved, nil
}

func (s *Store) CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 || len(sale.Payments) == 0 {
		return nil, store.ErrInvalidSale
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	credit := map[string]float64{}
	if sale.ID != "" {
		var priorItemsJSON []byte
		var priorCreatedAt time.Time
		err := pgTx.QueryRowContext(ctx, `
			SELECT items, created_at
			FROM sales
			WHERE id = $1
			FOR UPDATE
		`, sale.ID).Scan(&priorItemsJSON, &priorCreatedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}

		var priorItems []domain.SaleItem
		if err := json.Unmarshal(priorItemsJSON, &priorItems); err != nil {
			return nil, err
		}
		for _, it := range priorItems {
			if it.Category == domain.ServiceCategory {
				continue
			}
			credit[it.ProductID] += it.Quantity
		}
		sale.CreatedAt = priorCreatedAt.UTC()
	}

	need := map[string]float64{}
	for _, it := range sale.Items {
		if it.Quantity <= 0 {
			return nil, store.ErrInvalidSale
		}
		if it.Category == domain.ServiceCategory {
			continue
		}
		need[it.ProductID] += it.Quantity
	}

	ids := uniqueProductIDs(need, credit)
	stockByID := map[string]float64{}
	if len(ids) > 0 {
		stockRows, err := pgTx.QueryContext(ctx, `
			SELECT id, stock
			FROM products
			WHERE id = ANY($1)
			FOR UPDATE
		`, ids)
		if err != nil {
			return nil, err
		}
		for stockRows.Next() {
			var id string
			var stock float64
			if err := stockRows.Scan(&id, &stock); err != nil {
				_ = stockRows.Close()
				return nil, err
			}
			stockByID[id] = stock
		}
		if err := stockRows.Err(); err != nil {
			_ = stockRows.Close()
			return nil, err
		}
		_ = stockRows.Close()
	}

	for id, qty := range need {
		stock, exists := stockByID[id]
		if !exists {
			return nil, fmt.Errorf("product %s unavailable: %w", id, store.ErrNotFound)
		}
		if stock+credit[id]-qty < -qtyEpsilon {
			return nil, store.ErrInsufficientStock
		}
	}

	for _, id := range ids {
		stock, exists := stockByID[id]
		if !exists {
			continue
		}
		next := stock + credit[id] - need[id]
		if next < 0 {
			next = 0
		}
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE products SET stock = $2, updated_at = now() WHERE id = $1
		`, id, next); err != nil {
			return nil, err
		}
	}

	if sale.ID == "" {
		number, err := nextSaleNumber(ctx, pgTx)
		if err != nil {
			return nil, err
		}
		sale.ID = fmt.Sprintf("%06d", number)
		if sale.CreatedAt.IsZero() {
			sale.CreatedAt = time.Now().UTC()
		}
	}

	itemsJSON, err := json.Marshal(sale.Items)
	if err != nil {
		return nil, err
	}
	paymentsJSON, err := json.Marshal(sale.Payments)
	if err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (id, total_cents, change_cents, customer_id, customer_name, items, payments, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE
		SET total_cents = EXCLUDED.total_cents, change_cents = EXCLUDED.change_cents,
		    customer_id = EXCLUDED.customer_id, customer_name = EXCLUDED.customer_name,
		    items = EXCLUDED.items, payments = EXCLUDED.payments
	`, sale.ID, sale.TotalCents, sale.ChangeCents, nullIfEmpty(sale.CustomerID), nullIfEmpty(sale.CustomerName),
		itemsJSON, paymentsJSON, sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	committed := sale
	return &committed, nil
}

// nextSaleNumber claims the next value from the single-row counter, seeding
// the row on first use.
func nextSaleNumber(ctx context.Context, pgTx *sql.Tx) (int64, error) {
	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO sale_counter (id, next_number) VALUES (1, 1)
		ON CONFLICT (id) DO NOTHING
	`); err != nil {
		return 0, err
	}

	var number int64
	err := pgTx.QueryRowContext(ctx, `
		UPDATE sale_counter
		SET next_number = next_number + 1
		WHERE id = 1
		RETURNING next_number - 1
	`).Scan(&number)
	if err != nil {
		return 0, err
	}
	return number, nil
}

func (s *Store) CancelSale(ctx context.Context, id string, _ time.Time) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	row := pgTx.QueryRowContext(ctx, `
		SELECT id, total_cents, change_cents, customer_id, customer_name, items, payments, created_at
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, id)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	for _, it := range sale.Items {
		if it.Category == domain.ServiceCategory {
			continue
		}
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1
		`, it.ProductID, it.Quantity); err != nil {
			return nil, err
		}
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, id); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, total_cents, change_cents, customer_id, customer_name, items, payments, created_at
		FROM sales
		WHERE id = $1
	`, id)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	query := `
		SELECT id, total_cents, change_cents, customer_id, customer_name, items, payments, created_at
		FROM sales
	`
	args := make([]any, 0, 2)
	conditions := make([]string, 0, 2)
	if !from.IsZero() {
		args = append(args, from)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) ExportBackup(ctx context.Context) (*domain.Backup, error) {
	backup := domain.Backup{
		ExportedAt:     time.Now().UTC().Format(time.RFC3339),
		NextSaleNumber: 1,
	}

	products, err := s.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	backup.Products = products

	customers, err := s.ListCustomers(ctx)
	if err != nil {
		return nil, err
	}
	backup.Customers = customers

	methods, err := s.ListPaymentMethods(ctx)
	if err != nil {
		return nil, err
	}
	backup.PaymentMethods = methods

	company, err := s.GetCompanyInfo(ctx)
	if err != nil {
		return nil, err
	}
	backup.Company = *company

	sales, err := s.ListSales(ctx, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	backup.Sales = sales

	err = s.db.QueryRowContext(ctx, `
		SELECT next_number FROM sale_counter WHERE id = 1
	`).Scan(&backup.NextSaleNumber)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	return &backup, nil
}

func (s *Store) ImportBackup(ctx context.Context, backup domain.Backup) error {
	if backup.NextSaleNumber < 1 {
		backup.NextSaleNumber = 1
	}
	for _, p := range backup.Products {
		if p.ID == "" {
			return store.ErrInvalidSale
		}
	}
	for _, c := range backup.Customers {
		if c.ID == "" {
			return store.ErrInvalidSale
		}
	}
	for _, m := range backup.PaymentMethods {
		if m.ID == "" {
			return store.ErrInvalidSale
		}
	}
	for _, sale := range backup.Sales {
		if sale.ID == "" {
			return store.ErrInvalidSale
		}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	for _, table := range []string{"sales", "products", "customers", "payment_methods", "company_info", "sale_counter"} {
		if _, err := pgTx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}

	for _, p := range backup.Products {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO products (id, code, name, category, subgroup, cost_price_cents, price_cents, stock, unit_type, color, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
		`, p.ID, p.Code, p.Name, p.Category, nullIfEmpty(p.Subgroup), p.CostPriceCents, p.PriceCents, p.Stock, p.UnitType, nullIfEmpty(p.Color)); err != nil {
			return err
		}
	}
	for _, c := range backup.Customers {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO customers (id, name, phone, email, document, pet_name, notes, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, c.ID, c.Name, nullIfEmpty(c.Phone), nullIfEmpty(c.Email), nullIfEmpty(c.Document), nullIfEmpty(c.PetName), nullIfEmpty(c.Notes), createdAt); err != nil {
			return err
		}
	}
	for _, m := range backup.PaymentMethods {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO payment_methods (id, name, icon, fee_percent)
			VALUES ($1,$2,$3,$4)
		`, m.ID, m.Name, m.Icon, m.FeePercent); err != nil {
			return err
		}
	}
	if strings.TrimSpace(backup.Company.Name) != "" {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO company_info (id, name, tax_id, address, phone, footer, updated_at)
			VALUES (1,$1,$2,$3,$4,$5,now())
		`, backup.Company.Name, backup.Company.TaxID, backup.Company.Address, backup.Company.Phone, backup.Company.Footer); err != nil {
			return err
		}
	}
	for _, sale := range backup.Sales {
		itemsJSON, err := json.Marshal(sale.Items)
		if err != nil {
			return err
		}
		paymentsJSON, err := json.Marshal(sale.Payments)
		if err != nil {
			return err
		}
		createdAt := sale.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO sales (id, total_cents, change_cents, customer_id, customer_name, items, payments, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, sale.ID, sale.TotalCents, sale.ChangeCents, nullIfEmpty(sale.CustomerID), nullIfEmpty(sale.CustomerName), itemsJSON, paymentsJSON, createdAt); err != nil {
			return err
		}
	}
	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO sale_counter (id, next_number) VALUES (1, $1)
	`, backup.NextSaleNumber); err != nil {
		return err
	}

	return pgTx.Commit()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidSale
	}
	if user.Role == "" {
		user.Role = "operator"
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
			return store.ErrInvalidSale
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
		return store.ErrInvalidSale
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var subgroup, color sql.NullString
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Category, &subgroup, &p.CostPriceCents, &p.PriceCents, &p.Stock, &p.UnitType, &color)
	if err != nil {
		return domain.Product{}, err
	}
	p.Subgroup = subgroup.String
	p.Color = color.String
	return p, nil
}

func scanCustomer(row rowScanner) (domain.Customer, error) {
	var c domain.Customer
	var phone, email, document, petName, notes sql.NullString
	err := row.Scan(&c.ID, &c.Name, &phone, &email, &document, &petName, &notes, &c.CreatedAt)
	if err != nil {
		return domain.Customer{}, err
	}
	c.Phone = phone.String
	c.Email = email.String
	c.Document = document.String
	c.PetName = petName.String
	c.Notes = notes.String
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	var customerID, customerName sql.NullString
	var itemsJSON, paymentsJSON []byte
	err := row.Scan(&sale.ID, &sale.TotalCents, &sale.ChangeCents, &customerID, &customerName, &itemsJSON, &paymentsJSON, &sale.CreatedAt)
	if err != nil {
		return domain.Sale{}, err
	}
	sale.CustomerID = customerID.String
	sale.CustomerName = customerName.String
	sale.CreatedAt = sale.CreatedAt.UTC()
	if err := json.Unmarshal(itemsJSON, &sale.Items); err != nil {
		return domain.Sale{}, err
	}
	if err := json.Unmarshal(paymentsJSON, &sale.Payments); err != nil {
		return domain.Sale{}, err
	}
	return sale, nil
}

func uniqueProductIDs(need map[string]float64, credit map[string]float64) []string {
	set := make(map[string]struct{}, len(need)+len(credit))
	for id := range need {
		set[id] = struct{}{}
	}
	for id := range credit {
		set[id] = struct{}{}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
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
