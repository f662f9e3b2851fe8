package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dukabook/internal/domain"
	"dukabook/internal/store"
	"dukabook/internal/xid"
)

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

func (s *Store) CreateShop(ctx context.Context, shop domain.Shop) (*domain.Shop, error) {
	if shop.Name == "" || shop.Abbrev == "" {
		return nil, store.ErrValidation
	}
	if shop.ID == "" {
		shop.ID = xid.New("shop")
	}
	if shop.CreatedAt.IsZero() {
		shop.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shops (id, name, abbrev, comment, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, shop.ID, shop.Name, shop.Abbrev, strings.TrimSpace(shop.Comment), shop.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}
	created := shop
	return &created, nil
}

func (s *Store) UpdateShop(ctx context.Context, shop domain.Shop) (*domain.Shop, error) {
	if shop.ID == "" || shop.Name == "" || shop.Abbrev == "" {
		return nil, store.ErrValidation
	}

	var updated domain.Shop
	err := s.db.QueryRowContext(ctx, `
		UPDATE shops
		SET name = $2, abbrev = $3, comment = $4
		WHERE id = $1
		RETURNING id, name, abbrev, comment, created_at
	`, shop.ID, shop.Name, shop.Abbrev, strings.TrimSpace(shop.Comment)).Scan(
		&updated.ID,
		&updated.Name,
		&updated.Abbrev,
		&updated.Comment,
		&updated.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}
	updated.CreatedAt = updated.CreatedAt.UTC()
	return &updated, nil
}

func (s *Store) DeleteShop(ctx context.Context, shopID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var salesCount int64
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)::bigint FROM sales WHERE shop_id = $1
	`, shopID).Scan(&salesCount)
	if err != nil {
		return err
	}
	if salesCount > 0 {
		return store.ErrValidation
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM products WHERE shop_id = $1`, shopID)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM shops WHERE id = $1`, shopID)
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

	return tx.Commit()
}

func (s *Store) GetShop(ctx context.Context, shopID string) (*domain.Shop, error) {
	var shop domain.Shop
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, abbrev, comment, created_at
		FROM shops
		WHERE id = $1
	`, shopID).Scan(&shop.ID, &shop.Name, &shop.Abbrev, &shop.Comment, &shop.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	shop.CreatedAt = shop.CreatedAt.UTC()
	return &shop, nil
}

func (s *Store) ListShops(ctx context.Context) ([]domain.Shop, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, abbrev, comment, created_at
		FROM shops
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shops := make([]domain.Shop, 0, 16)
	for rows.Next() {
		var shop domain.Shop
		if err := rows.Scan(&shop.ID, &shop.Name, &shop.Abbrev, &shop.Comment, &shop.CreatedAt); err != nil {
			return nil, err
		}
		shop.CreatedAt = shop.CreatedAt.UTC()
		shops = append(shops, shop)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return shops, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ShopID == "" || product.Name == "" || product.Qty < 0 {
		return nil, store.ErrValidation
	}
	if product.CostCents < 0 || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	if product.RestockedAt.IsZero() {
		product.RestockedAt = now
	}
	product.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (
			id, shop_id, name, qty, cost_cents, price_cents, hidden, deleted,
			comment, restocked_at, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,false,false,$7,$8,$9,$10)
	`, product.ID, product.ShopID, product.Name, product.Qty, product.CostCents,
		product.PriceCents, strings.TrimSpace(product.Comment), product.RestockedAt,
		product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.PriceCents < 1 || product.CostCents < 0 {
		return nil, store.ErrValidation
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, cost_cents = $3, price_cents = $4, comment = $5, updated_at = now()
		WHERE id = $1 AND deleted = false
		RETURNING id, shop_id, name, qty, cost_cents, price_cents, hidden, deleted,
			comment, restocked_at, created_at, updated_at
	`, product.ID, product.Name, product.CostCents, product.PriceCents, strings.TrimSpace(product.Comment))
	updated, err := scanProductRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return updated, nil
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, shop_id, name, qty, cost_cents, price_cents, hidden, deleted,
			comment, restocked_at, created_at, updated_at
		FROM products
		WHERE id = $1
	`, productID)
	product, err := scanProductRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return product, nil
}

func (s *Store) ListProducts(ctx context.Context, shopID string, includeHidden bool) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shop_id, name, qty, cost_cents, price_cents, hidden, deleted,
			comment, restocked_at, created_at, updated_at
		FROM products
		WHERE deleted = false
			AND ($1 = '' OR shop_id = $1)
			AND ($2 OR hidden = false)
		ORDER BY created_at DESC, name ASC
	`, shopID, includeHidden)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.ShopID, &p.Name, &p.Qty, &p.CostCents, &p.PriceCents,
			&p.Hidden, &p.Deleted, &p.Comment, &p.RestockedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.RestockedAt = p.RestockedAt.UTC()
		p.CreatedAt = p.CreatedAt.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) SetProductHidden(ctx context.Context, productID string, hidden bool) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET hidden = $2, updated_at = now()
		WHERE id = $1 AND deleted = false
		RETURNING id, shop_id, name, qty, cost_cents, price_cents, hidden, deleted,
			comment, restocked_at, created_at, updated_at
	`, productID, hidden)
	product, err := scanProductRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return product, nil
}

func (s *Store) SoftDeleteProduct(ctx context.Context, productID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE products
		SET deleted = true, hidden = true, updated_at = now()
		WHERE id = $1 AND deleted = false
	`, productID)
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

	// Pending cart lines for a deleted product are dropped.
	_, err = tx.ExecContext(ctx, `DELETE FROM cart_lines WHERE product_id = $1`, productID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) IncreaseStock(ctx context.Context, productID string, delta int, restockedAt time.Time) (*domain.Product, error) {
	if delta < 1 {
		return nil, store.ErrValidation
	}
	if restockedAt.IsZero() {
		restockedAt = time.Now().UTC()
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET qty = qty + $2, restocked_at = $3, updated_at = now()
		WHERE id = $1 AND deleted = false
		RETURNING id, shop_id, name, qty, cost_cents, price_cents, hidden, deleted,
			comment, restocked_at, created_at, updated_at
	`, productID, delta, restockedAt)
	product, err := scanProductRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return product, nil
}

func (s *Store) GetProductSalesTotals(ctx context.Context, productID string) (int, int64, error) {
	var qty int
	var amount int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(qty), 0), COALESCE(SUM(qty * unit_price_cents), 0)
		FROM sale_lines
		WHERE product_id = $1
	`, productID).Scan(&qty, &amount)
	if err != nil {
		return 0, 0, err
	}
	return qty, amount, nil
}

func (s *Store) UpsertCartLine(ctx context.Context, userID string, productID string, qty int) (*domain.CartLine, error) {
	if userID == "" || qty < 1 {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var line domain.CartLine
	err = tx.QueryRowContext(ctx, `
		SELECT id, shop_id, name, qty, cost_cents, price_cents
		FROM products
		WHERE id = $1 AND deleted = false AND hidden = false
	`, productID).Scan(&line.ProductID, &line.ShopID, &line.ProductName, &line.Available, &line.UnitCost, &line.UnitPrice)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if qty > line.Available {
		return nil, &store.InsufficientStockError{Shortages: []store.StockShortage{{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Requested:   qty,
			Available:   line.Available,
		}}}
	}

	// Replace, never sum: a repeated add for the same product is an update.
	err = tx.QueryRowContext(ctx, `
		INSERT INTO cart_lines (id, user_id, product_id, qty, created_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (user_id, product_id)
		DO UPDATE SET qty = EXCLUDED.qty
		RETURNING id
	`, xid.New("cart"), userID, productID, qty).Scan(&line.ID)
	if err != nil {
		return nil, err
	}
	line.UserID = userID
	line.Qty = qty

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &line, nil
}

func (s *Store) DeleteCartLine(ctx context.Context, userID string, lineID string) error {
	// Removing an absent line is a no-op.
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM cart_lines WHERE user_id = $1 AND id = $2
	`, userID, lineID)
	return err
}

func (s *Store) ClearCart(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cart_lines WHERE user_id = $1`, userID)
	return err
}

func (s *Store) ListCartLines(ctx context.Context, userID string) ([]domain.CartLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.product_id, c.qty, p.name, p.shop_id, p.price_cents, p.cost_cents, p.qty
		FROM cart_lines c
		JOIN products p ON p.id = c.product_id
		WHERE c.user_id = $1
		ORDER BY p.name ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.CartLine, 0, 8)
	for rows.Next() {
		line := domain.CartLine{UserID: userID}
		if err := rows.Scan(&line.ID, &line.ProductID, &line.Qty, &line.ProductName,
			&line.ShopID, &line.UnitPrice, &line.UnitCost, &line.Available); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// CreateSale finalizes the user's cart in one serializable transaction. Cart
// products are re-read with FOR UPDATE so the availability check and the
// decrement observe the same rows; concurrent checkouts serialize on those
// locks and the loser sees the already-decremented quantities.
func (s *Store) CreateSale(ctx context.Context, userID string, shopID string, customer string, comment string) (*domain.Sale, error) {
	if userID == "" || shopID == "" {
		return nil, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var exists bool
	err = pgTx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM shops WHERE id = $1)
	`, shopID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	type lockedLine struct {
		qty         int
		productID   string
		productName string
		available   int
		priceCents  int64
		costCents   int64
		prodShopID  string
		deleted     bool
	}

	rows, err := pgTx.QueryContext(ctx, `
		SELECT c.qty, p.id, p.name, p.qty, p.price_cents, p.cost_cents, p.shop_id, p.deleted
		FROM cart_lines c
		JOIN products p ON p.id = c.product_id
		WHERE c.user_id = $1
		ORDER BY p.name ASC
		FOR UPDATE OF p
	`, userID)
	if err != nil {
		return nil, err
	}
	lines := make([]lockedLine, 0, 8)
	for rows.Next() {
		var line lockedLine
		if err := rows.Scan(&line.qty, &line.productID, &line.productName, &line.available,
			&line.priceCents, &line.costCents, &line.prodShopID, &line.deleted); err != nil {
			_ = rows.Close()
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(lines) == 0 {
		return nil, store.ErrEmptyCart
	}

	var shortages []store.StockShortage
	for _, line := range lines {
		if line.deleted || line.prodShopID != shopID {
			return nil, store.ErrValidation
		}
		if line.qty > line.available {
			shortages = append(shortages, store.StockShortage{
				ProductID:   line.productID,
				ProductName: line.productName,
				Requested:   line.qty,
				Available:   line.available,
			})
		}
	}
	if len(shortages) > 0 {
		return nil, &store.InsufficientStockError{Shortages: shortages}
	}

	sale := &domain.Sale{
		ID:        xid.New("sale"),
		ShopID:    shopID,
		UserID:    userID,
		Customer:  customer,
		Comment:   comment,
		CreatedAt: time.Now().UTC(),
		Lines:     make([]domain.SaleLine, 0, len(lines)),
	}
	for _, line := range lines {
		lineProfit := (line.priceCents - line.costCents) * int64(line.qty)
		sale.Lines = append(sale.Lines, domain.SaleLine{
			ID:          xid.New("sl"),
			ProductID:   line.productID,
			ProductName: line.productName,
			Qty:         line.qty,
			UnitPrice:   line.priceCents,
			UnitCost:    line.costCents,
			ProfitCents: lineProfit,
		})
		sale.AmountCents += line.priceCents * int64(line.qty)
		sale.ProfitCents += lineProfit

		_, err = pgTx.ExecContext(ctx, `
			UPDATE products
			SET qty = qty - $1, updated_at = now()
			WHERE id = $2
		`, line.qty, line.productID)
		if err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (id, shop_id, user_id, customer, comment, amount_cents, profit_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, sale.ID, sale.ShopID, sale.UserID, sale.Customer, strings.TrimSpace(sale.Comment),
		sale.AmountCents, sale.ProfitCents, sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, line := range sale.Lines {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_lines (id, sale_id, product_id, product_name, qty, unit_price_cents, unit_cost_cents, profit_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, line.ID, sale.ID, line.ProductID, line.ProductName, line.Qty, line.UnitPrice, line.UnitCost, line.ProfitCents)
		if err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `DELETE FROM cart_lines WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return sale, nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		SELECT id, shop_id, user_id, customer, comment, amount_cents, profit_cents, created_at
		FROM sales
		WHERE id = $1
	`, saleID).Scan(&sale.ID, &sale.ShopID, &sale.UserID, &sale.Customer, &sale.Comment,
		&sale.AmountCents, &sale.ProfitCents, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	lines, err := listSaleLines(ctx, s.db, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines
	return &sale, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so sale lines can be read
// inside or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listSaleLines(ctx context.Context, q querier, saleID string) ([]domain.SaleLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, product_id, product_name, qty, unit_price_cents, unit_cost_cents, profit_cents
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY product_name ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ID, &line.ProductID, &line.ProductName, &line.Qty,
			&line.UnitPrice, &line.UnitCost, &line.ProfitCents); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListSales(ctx context.Context, shopID string, from time.Time, to time.Time, search string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 200
	}
	search = strings.TrimSpace(search)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shop_id, user_id, customer, comment, amount_cents, profit_cents, created_at
		FROM sales
		WHERE ($1 = '' OR shop_id = $1)
			AND created_at >= $2
			AND created_at < $3
			AND ($4 = '' OR customer ILIKE '%' || $4 || '%')
		ORDER BY created_at DESC
		LIMIT $5
	`, shopID, from, to, search, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.ShopID, &sale.UserID, &sale.Customer, &sale.Comment,
			&sale.AmountCents, &sale.ProfitCents, &sale.CreatedAt); err != nil {
			return nil, err
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return sales, nil
	}

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, id, product_id, product_name, qty, unit_price_cents, unit_cost_cents, profit_cents
		FROM sale_lines
		WHERE sale_id = ANY($1)
		ORDER BY product_name ASC
	`, ids)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()

	lineMap := make(map[string][]domain.SaleLine, len(ids))
	for lineRows.Next() {
		var saleID string
		var line domain.SaleLine
		if err := lineRows.Scan(&saleID, &line.ID, &line.ProductID, &line.ProductName,
			&line.Qty, &line.UnitPrice, &line.UnitCost, &line.ProfitCents); err != nil {
			return nil, err
		}
		lineMap[saleID] = append(lineMap[saleID], line)
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		sales[i].Lines = lineMap[sales[i].ID]
	}
	return sales, nil
}

// DeleteSale reverses a recorded sale: every line's quantity goes back to its
// product, then the sale and its lines are removed.
func (s *Store) DeleteSale(ctx context.Context, saleID string) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var found string
	err = pgTx.QueryRowContext(ctx, `
		SELECT id FROM sales WHERE id = $1 FOR UPDATE
	`, saleID).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	rows, err := pgTx.QueryContext(ctx, `
		SELECT product_id, qty
		FROM sale_lines
		WHERE sale_id = $1
	`, saleID)
	if err != nil {
		return err
	}
	type restoreLine struct {
		productID string
		qty       int
	}
	restores := make([]restoreLine, 0, 8)
	for rows.Next() {
		var line restoreLine
		if err := rows.Scan(&line.productID, &line.qty); err != nil {
			_ = rows.Close()
			return err
		}
		restores = append(restores, line)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, line := range restores {
		_, err := pgTx.ExecContext(ctx, `
			UPDATE products
			SET qty = qty + $1, updated_at = now()
			WHERE id = $2
		`, line.qty, line.productID)
		if err != nil {
			return err
		}
	}

	_, err = pgTx.ExecContext(ctx, `DELETE FROM sale_lines WHERE sale_id = $1`, saleID)
	if err != nil {
		return err
	}
	_, err = pgTx.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID)
	if err != nil {
		return err
	}

	return pgTx.Commit()
}

// RemoveSaleLine restores the removed quantity to its product and shrinks the
// sale's totals. Removing the last line deletes the sale itself.
func (s *Store) RemoveSaleLine(ctx context.Context, saleID string, lineID string) (*domain.SaleCorrection, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var found string
	err = pgTx.QueryRowContext(ctx, `
		SELECT id FROM sales WHERE id = $1 FOR UPDATE
	`, saleID).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var removed domain.SaleLine
	err = pgTx.QueryRowContext(ctx, `
		SELECT id, product_id, product_name, qty, unit_price_cents, unit_cost_cents, profit_cents
		FROM sale_lines
		WHERE sale_id = $1 AND id = $2
	`, saleID, lineID).Scan(&removed.ID, &removed.ProductID, &removed.ProductName,
		&removed.Qty, &removed.UnitPrice, &removed.UnitCost, &removed.ProfitCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE products
		SET qty = qty + $1, updated_at = now()
		WHERE id = $2
	`, removed.Qty, removed.ProductID)
	if err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		DELETE FROM sale_lines WHERE sale_id = $1 AND id = $2
	`, saleID, lineID)
	if err != nil {
		return nil, err
	}

	var remaining int64
	err = pgTx.QueryRowContext(ctx, `
		SELECT COUNT(*)::bigint FROM sale_lines WHERE sale_id = $1
	`, saleID).Scan(&remaining)
	if err != nil {
		return nil, err
	}

	correction := &domain.SaleCorrection{
		ProductID:   removed.ProductID,
		RestoredQty: removed.Qty,
	}

	if remaining == 0 {
		_, err = pgTx.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID)
		if err != nil {
			return nil, err
		}
		if err := pgTx.Commit(); err != nil {
			return nil, err
		}
		correction.SaleDeleted = true
		return correction, nil
	}

	var sale domain.Sale
	err = pgTx.QueryRowContext(ctx, `
		UPDATE sales
		SET amount_cents = amount_cents - $2, profit_cents = profit_cents - $3
		WHERE id = $1
		RETURNING id, shop_id, user_id, customer, comment, amount_cents, profit_cents, created_at
	`, saleID, removed.UnitPrice*int64(removed.Qty), removed.ProfitCents).Scan(
		&sale.ID, &sale.ShopID, &sale.UserID, &sale.Customer, &sale.Comment,
		&sale.AmountCents, &sale.ProfitCents, &sale.CreatedAt)
	if err != nil {
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	lines, err := listSaleLines(ctx, pgTx, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	correction.Sale = &sale
	return correction, nil
}

func (s *Store) CreateBalanceTransaction(ctx context.Context, tx domain.BalanceTransaction) (*domain.BalanceTransaction, error) {
	if tx.Name == "" || tx.PrincipalCents < 1 || !domain.IsBalanceKind(tx.Kind) {
		return nil, store.ErrValidation
	}
	if tx.ID == "" {
		tx.ID = xid.New(tx.Kind)
	}
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balance_transactions (
			id, kind, shop_id, user_id, name, principal_cents, paid_cents,
			description, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, tx.ID, tx.Kind, nullIfEmpty(tx.ShopID), tx.UserID, tx.Name, tx.PrincipalCents,
		tx.PaidCents, strings.TrimSpace(tx.Description), tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	created := tx
	return &created, nil
}

func (s *Store) GetBalanceTransaction(ctx context.Context, txID string) (*domain.BalanceTransaction, error) {
	var tx domain.BalanceTransaction
	var shopID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, shop_id, user_id, name, principal_cents, paid_cents,
			description, created_at, updated_at
		FROM balance_transactions
		WHERE id = $1
	`, txID).Scan(&tx.ID, &tx.Kind, &shopID, &tx.UserID, &tx.Name, &tx.PrincipalCents,
		&tx.PaidCents, &tx.Description, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if shopID.Valid {
		tx.ShopID = shopID.String
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return &tx, nil
}

func (s *Store) ListBalanceTransactions(ctx context.Context, kind string, shopID string, from time.Time, to time.Time, limit int) ([]domain.BalanceTransaction, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, shop_id, user_id, name, principal_cents, paid_cents,
			description, created_at, updated_at
		FROM balance_transactions
		WHERE ($1 = '' OR kind = $1)
			AND ($2 = '' OR shop_id = $2)
			AND created_at >= $3
			AND created_at < $4
		ORDER BY created_at DESC
		LIMIT $5
	`, kind, shopID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.BalanceTransaction, 0, limit)
	for rows.Next() {
		var tx domain.BalanceTransaction
		var rowShopID sql.NullString
		if err := rows.Scan(&tx.ID, &tx.Kind, &rowShopID, &tx.UserID, &tx.Name,
			&tx.PrincipalCents, &tx.PaidCents, &tx.Description, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
			return nil, err
		}
		if rowShopID.Valid {
			tx.ShopID = rowShopID.String
		}
		tx.CreatedAt = tx.CreatedAt.UTC()
		tx.UpdatedAt = tx.UpdatedAt.UTC()
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyBalancePayment adjusts cumulative paid under a row lock so the balance
// check and the write observe the same row. Positive deltas are always
// accepted, including past zero balance; negative deltas are bounded by the
// current balance.
func (s *Store) ApplyBalancePayment(ctx context.Context, txID string, deltaCents int64) (*domain.BalanceTransaction, error) {
	if deltaCents == 0 {
		return nil, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var tx domain.BalanceTransaction
	var shopID sql.NullString
	err = pgTx.QueryRowContext(ctx, `
		SELECT id, kind, shop_id, user_id, name, principal_cents, paid_cents,
			description, created_at, updated_at
		FROM balance_transactions
		WHERE id = $1
		FOR UPDATE
	`, txID).Scan(&tx.ID, &tx.Kind, &shopID, &tx.UserID, &tx.Name, &tx.PrincipalCents,
		&tx.PaidCents, &tx.Description, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if shopID.Valid {
		tx.ShopID = shopID.String
	}

	if deltaCents < 0 {
		balance := tx.BalanceCents()
		if -deltaCents > balance {
			return nil, &store.OverpaymentError{BalanceCents: balance}
		}
	}

	err = pgTx.QueryRowContext(ctx, `
		UPDATE balance_transactions
		SET paid_cents = paid_cents + $2, updated_at = now()
		WHERE id = $1
		RETURNING paid_cents, updated_at
	`, txID, deltaCents).Scan(&tx.PaidCents, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return &tx, nil
}

func (s *Store) DeleteBalanceTransaction(ctx context.Context, txID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM balance_transactions WHERE id = $1`, txID)
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

func (s *Store) CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error) {
	if expense.Title == "" || expense.AmountCents < 1 {
		return nil, store.ErrValidation
	}
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}
	if expense.Date.IsZero() {
		expense.Date = expense.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expenses (id, shop_id, user_id, date, title, amount_cents, description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, expense.ID, nullIfEmpty(expense.ShopID), expense.UserID, expense.Date, expense.Title,
		expense.AmountCents, strings.TrimSpace(expense.Description), expense.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	created := expense
	return &created, nil
}

func (s *Store) UpdateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error) {
	if expense.ID == "" || expense.Title == "" || expense.AmountCents < 1 {
		return nil, store.ErrValidation
	}

	var updated domain.Expense
	var shopID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		UPDATE expenses
		SET date = $2, title = $3, amount_cents = $4, description = $5
		WHERE id = $1
		RETURNING id, shop_id, user_id, date, title, amount_cents, description, created_at
	`, expense.ID, expense.Date, expense.Title, expense.AmountCents, strings.TrimSpace(expense.Description)).Scan(
		&updated.ID, &shopID, &updated.UserID, &updated.Date, &updated.Title,
		&updated.AmountCents, &updated.Description, &updated.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if shopID.Valid {
		updated.ShopID = shopID.String
	}
	updated.Date = updated.Date.UTC()
	updated.CreatedAt = updated.CreatedAt.UTC()
	return &updated, nil
}

func (s *Store) GetExpense(ctx context.Context, expenseID string) (*domain.Expense, error) {
	var expense domain.Expense
	var shopID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, shop_id, user_id, date, title, amount_cents, description, created_at
		FROM expenses
		WHERE id = $1
	`, expenseID).Scan(&expense.ID, &shopID, &expense.UserID, &expense.Date,
		&expense.Title, &expense.AmountCents, &expense.Description, &expense.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if shopID.Valid {
		expense.ShopID = shopID.String
	}
	expense.Date = expense.Date.UTC()
	expense.CreatedAt = expense.CreatedAt.UTC()
	return &expense, nil
}

func (s *Store) DeleteExpense(ctx context.Context, expenseID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM expenses WHERE id = $1`, expenseID)
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

func (s *Store) ListExpenses(ctx context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.Expense, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shop_id, user_id, date, title, amount_cents, description, created_at
		FROM expenses
		WHERE ($1 = '' OR shop_id = $1)
			AND date >= $2
			AND date < $3
		ORDER BY date DESC
		LIMIT $4
	`, shopID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Expense, 0, limit)
	for rows.Next() {
		var expense domain.Expense
		var rowShopID sql.NullString
		if err := rows.Scan(&expense.ID, &rowShopID, &expense.UserID, &expense.Date,
			&expense.Title, &expense.AmountCents, &expense.Description, &expense.CreatedAt); err != nil {
			return nil, err
		}
		if rowShopID.Valid {
			expense.ShopID = rowShopID.String
		}
		expense.Date = expense.Date.UTC()
		expense.CreatedAt = expense.CreatedAt.UTC()
		result = append(result, expense)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetShopSummary(ctx context.Context, shopID string, from time.Time, to time.Time) (domain.ShopSummary, error) {
	summary := domain.ShopSummary{ShopID: shopID}

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM shops WHERE id = $1)
	`, shopID).Scan(&exists)
	if err != nil {
		return summary, err
	}
	if !exists {
		return summary, store.ErrNotFound
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*)::bigint,
			COALESCE(SUM(amount_cents),0)::bigint,
			COALESCE(SUM(profit_cents),0)::bigint
		FROM sales
		WHERE shop_id = $1 AND created_at >= $2 AND created_at < $3
	`, shopID, from, to).Scan(&summary.SalesCount, &summary.SalesCents, &summary.ProfitCents)
	if err != nil {
		return summary, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents),0)::bigint
		FROM expenses
		WHERE shop_id = $1 AND date >= $2 AND date < $3
	`, shopID, from, to).Scan(&summary.ExpenseCents)
	if err != nil {
		return summary, err
	}

	// Loan and debt balances are outstanding totals, not range-bound; lipa and
	// selcom are receipts counted inside the range.
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN kind = 'loan' THEN principal_cents - paid_cents ELSE 0 END),0)::bigint,
			COALESCE(SUM(CASE WHEN kind = 'debt' THEN principal_cents - paid_cents ELSE 0 END),0)::bigint,
			COALESCE(SUM(CASE WHEN kind = 'lipa' AND created_at >= $2 AND created_at < $3 THEN principal_cents ELSE 0 END),0)::bigint,
			COALESCE(SUM(CASE WHEN kind = 'selcom' AND created_at >= $2 AND created_at < $3 THEN principal_cents ELSE 0 END),0)::bigint
		FROM balance_transactions
		WHERE shop_id = $1
	`, shopID, from, to).Scan(&summary.LoanBalanceCents, &summary.DebtBalanceCents, &summary.LipaCents, &summary.SelcomCents)
	if err != nil {
		return summary, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(cost_cents * qty),0)::bigint,
			COALESCE(SUM(CASE WHEN qty = 0 THEN 1 ELSE 0 END),0)::int,
			COALESCE(SUM(CASE WHEN qty > 0 AND hidden = false THEN 1 ELSE 0 END),0)::int
		FROM products
		WHERE shop_id = $1 AND deleted = false
	`, shopID).Scan(&summary.StockValueCents, &summary.SoldOutProducts, &summary.ActiveProducts)
	if err != nil {
		return summary, err
	}

	return summary, nil
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
			id, shop_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.ShopID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shop_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR shop_id = $1)
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, shopID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ShopID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
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
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
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
			return store.ErrValidation
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
		return store.ErrValidation
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

func scanProductRow(row *sql.Row) (*domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.ShopID, &p.Name, &p.Qty, &p.CostCents, &p.PriceCents,
		&p.Hidden, &p.Deleted, &p.Comment, &p.RestockedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.RestockedAt = p.RestockedAt.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
