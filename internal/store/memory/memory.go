package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dukabook/internal/domain"
	"dukabook/internal/store"
	"dukabook/internal/xid"
)

// Store is a mutex-guarded in-memory Repository used by tests and by dev mode
// when no DATABASE_URL is configured. The single write lock doubles as the
// exclusive section the checkout and payment paths require.
type Store struct {
	mu            sync.RWMutex
	shops         map[string]domain.Shop
	products      map[string]domain.Product
	carts         map[string]map[string]domain.CartLine // userID -> productID -> line
	salesByID     map[string]*domain.Sale
	balancesByID  map[string]domain.BalanceTransaction
	expensesByID  map[string]domain.Expense
	auditLogs     []domain.AuditLog
	usersByName   map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD; hardcoded
// dev defaults are used with a warning when unset. Production deployments use
// PostgreSQL and never hit this path.
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
		{"admin", adminPwd, domain.RoleAdmin},
		{"staff", staffPwd, domain.RoleStaff},
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

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		shops:        make(map[string]domain.Shop),
		products:     make(map[string]domain.Product),
		carts:        make(map[string]map[string]domain.CartLine),
		salesByID:    make(map[string]*domain.Sale),
		balancesByID: make(map[string]domain.BalanceTransaction),
		expensesByID: make(map[string]domain.Expense),
		auditLogs:    make([]domain.AuditLog, 0, 128),
		usersByName:  seedUsers(),
	}
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	shop := domain.Shop{
		ID:        "shop-cive",
		Name:      "Duka la CIVE",
		Abbrev:    "CIVE",
		Comment:   "campus shop",
		CreatedAt: now,
	}
	s.shops[shop.ID] = shop

	products := []domain.Product{
		{ID: "prod-sukari-01", ShopID: shop.ID, Name: "Sukari 1kg", Qty: 120, CostCents: 280000, PriceCents: 320000},
		{ID: "prod-unga-01", ShopID: shop.ID, Name: "Unga wa Ngano 2kg", Qty: 80, CostCents: 420000, PriceCents: 480000},
		{ID: "prod-mafuta-01", ShopID: shop.ID, Name: "Mafuta ya Kupikia 1L", Qty: 60, CostCents: 650000, PriceCents: 750000},
		{ID: "prod-maji-01", ShopID: shop.ID, Name: "Maji 600ml", Qty: 200, CostCents: 50000, PriceCents: 80000},
		{ID: "prod-sabuni-01", ShopID: shop.ID, Name: "Sabuni ya Kufulia", Qty: 90, CostCents: 90000, PriceCents: 120000},
		{ID: "prod-chumvi-01", ShopID: shop.ID, Name: "Chumvi 500g", Qty: 150, CostCents: 40000, PriceCents: 60000},
	}
	for _, p := range products {
		p.RestockedAt = now
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}

	return s
}

func (s *Store) CreateShop(_ context.Context, shop domain.Shop) (*domain.Shop, error) {
	if shop.Name == "" || shop.Abbrev == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.shops {
		if strings.EqualFold(existing.Abbrev, shop.Abbrev) {
			return nil, store.ErrValidation
		}
	}
	if shop.ID == "" {
		shop.ID = xid.New("shop")
	}
	if shop.CreatedAt.IsZero() {
		shop.CreatedAt = time.Now().UTC()
	}
	s.shops[shop.ID] = shop
	created := shop
	return &created, nil
}

func (s *Store) UpdateShop(_ context.Context, shop domain.Shop) (*domain.Shop, error) {
	if shop.ID == "" || shop.Name == "" || shop.Abbrev == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.shops[shop.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	for id, other := range s.shops {
		if id != shop.ID && strings.EqualFold(other.Abbrev, shop.Abbrev) {
			return nil, store.ErrValidation
		}
	}
	shop.CreatedAt = existing.CreatedAt
	s.shops[shop.ID] = shop
	updated := shop
	return &updated, nil
}

func (s *Store) DeleteShop(_ context.Context, shopID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shops[shopID]; !ok {
		return store.ErrNotFound
	}
	for _, sale := range s.salesByID {
		if sale.ShopID == shopID {
			return store.ErrValidation
		}
	}
	for id, p := range s.products {
		if p.ShopID == shopID {
			delete(s.products, id)
		}
	}
	delete(s.shops, shopID)
	return nil
}

func (s *Store) GetShop(_ context.Context, shopID string) (*domain.Shop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shop, ok := s.shops[shopID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyShop := shop
	return &copyShop, nil
}

func (s *Store) ListShops(_ context.Context) ([]domain.Shop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shops := make([]domain.Shop, 0, len(s.shops))
	for _, shop := range s.shops {
		shops = append(shops, shop)
	}
	slices.SortFunc(shops, func(a, b domain.Shop) int {
		return strings.Compare(a.Name, b.Name)
	})
	return shops, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.ShopID == "" || product.Name == "" || product.Qty < 0 {
		return nil, store.ErrValidation
	}
	if product.CostCents < 0 || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shops[product.ShopID]; !ok {
		return nil, store.ErrNotFound
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
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.PriceCents < 1 || product.CostCents < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok || existing.Deleted {
		return nil, store.ErrNotFound
	}
	product.ShopID = existing.ShopID
	product.Qty = existing.Qty
	product.Hidden = existing.Hidden
	product.Deleted = existing.Deleted
	product.RestockedAt = existing.RestockedAt
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) ListProducts(_ context.Context, shopID string, includeHidden bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Deleted {
			continue
		}
		if shopID != "" && p.ShopID != shopID {
			continue
		}
		if p.Hidden && !includeHidden {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.Name, b.Name)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return products, nil
}

func (s *Store) SetProductHidden(_ context.Context, productID string, hidden bool) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok || product.Deleted {
		return nil, store.ErrNotFound
	}
	product.Hidden = hidden
	product.UpdatedAt = time.Now().UTC()
	s.products[productID] = product
	updated := product
	return &updated, nil
}

func (s *Store) SoftDeleteProduct(_ context.Context, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok || product.Deleted {
		return store.ErrNotFound
	}
	product.Deleted = true
	product.UpdatedAt = time.Now().UTC()
	s.products[productID] = product

	// Pending cart lines for a deleted product are dropped.
	for userID, lines := range s.carts {
		if _, ok := lines[productID]; ok {
			delete(lines, productID)
			if len(lines) == 0 {
				delete(s.carts, userID)
			}
		}
	}
	return nil
}

func (s *Store) IncreaseStock(_ context.Context, productID string, delta int, restockedAt time.Time) (*domain.Product, error) {
	if delta < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok || product.Deleted {
		return nil, store.ErrNotFound
	}
	product.Qty += delta
	if !restockedAt.IsZero() {
		product.RestockedAt = restockedAt
	}
	product.UpdatedAt = time.Now().UTC()
	s.products[productID] = product
	updated := product
	return &updated, nil
}

func (s *Store) GetProductSalesTotals(_ context.Context, productID string) (int, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var qty int
	var amount int64
	for _, sale := range s.salesByID {
		for _, line := range sale.Lines {
			if line.ProductID == productID {
				qty += line.Qty
				amount += int64(line.Qty) * line.UnitPrice
			}
		}
	}
	return qty, amount, nil
}

func (s *Store) UpsertCartLine(_ context.Context, userID string, productID string, qty int) (*domain.CartLine, error) {
	if userID == "" || qty < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok || product.Deleted || product.Hidden {
		return nil, store.ErrNotFound
	}
	if qty > product.Qty {
		return nil, &store.InsufficientStockError{Shortages: []store.StockShortage{{
			ProductID:   product.ID,
			ProductName: product.Name,
			Requested:   qty,
			Available:   product.Qty,
		}}}
	}

	lines, ok := s.carts[userID]
	if !ok {
		lines = make(map[string]domain.CartLine)
		s.carts[userID] = lines
	}

	line, exists := lines[productID]
	if !exists {
		line = domain.CartLine{ID: xid.New("cart"), UserID: userID, ProductID: productID}
	}
	// Replace, never sum: a repeated add for the same product is an update.
	line.Qty = qty
	lines[productID] = line

	view := s.cartLineView(line, product)
	return &view, nil
}

func (s *Store) DeleteCartLine(_ context.Context, userID string, lineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := s.carts[userID]
	for productID, line := range lines {
		if line.ID == lineID {
			delete(lines, productID)
			break
		}
	}
	if len(lines) == 0 {
		delete(s.carts, userID)
	}
	return nil
}

func (s *Store) ClearCart(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.carts, userID)
	return nil
}

func (s *Store) ListCartLines(_ context.Context, userID string) ([]domain.CartLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotCartLocked(userID), nil
}

func (s *Store) snapshotCartLocked(userID string) []domain.CartLine {
	lines := make([]domain.CartLine, 0, len(s.carts[userID]))
	for productID, line := range s.carts[userID] {
		product, ok := s.products[productID]
		if !ok {
			continue
		}
		lines = append(lines, s.cartLineView(line, product))
	}
	slices.SortFunc(lines, func(a, b domain.CartLine) int {
		return strings.Compare(a.ProductName, b.ProductName)
	})
	return lines
}

func (s *Store) cartLineView(line domain.CartLine, product domain.Product) domain.CartLine {
	line.ProductName = product.Name
	line.ShopID = product.ShopID
	line.UnitPrice = product.PriceCents
	line.UnitCost = product.CostCents
	line.Available = product.Qty
	return line
}

// CreateSale runs the whole checkout under the store mutex: the availability
// check and the decrement observe the same state, so concurrent checkouts can
// never jointly oversell.
func (s *Store) CreateSale(_ context.Context, userID string, shopID string, customer string, comment string) (*domain.Sale, error) {
	if userID == "" || shopID == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shops[shopID]; !ok {
		return nil, store.ErrNotFound
	}

	snapshot := s.snapshotCartLocked(userID)
	if len(snapshot) == 0 {
		return nil, store.ErrEmptyCart
	}

	var shortages []store.StockShortage
	for _, line := range snapshot {
		product := s.products[line.ProductID]
		if product.Deleted || product.ShopID != shopID {
			return nil, store.ErrValidation
		}
		if line.Qty > product.Qty {
			shortages = append(shortages, store.StockShortage{
				ProductID:   product.ID,
				ProductName: product.Name,
				Requested:   line.Qty,
				Available:   product.Qty,
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
		Lines:     make([]domain.SaleLine, 0, len(snapshot)),
	}
	for _, line := range snapshot {
		product := s.products[line.ProductID]
		lineProfit := (product.PriceCents - product.CostCents) * int64(line.Qty)
		sale.Lines = append(sale.Lines, domain.SaleLine{
			ID:          xid.New("sl"),
			ProductID:   product.ID,
			ProductName: product.Name,
			Qty:         line.Qty,
			UnitPrice:   product.PriceCents,
			UnitCost:    product.CostCents,
			ProfitCents: lineProfit,
		})
		sale.AmountCents += product.PriceCents * int64(line.Qty)
		sale.ProfitCents += lineProfit

		product.Qty -= line.Qty
		product.UpdatedAt = sale.CreatedAt
		s.products[product.ID] = product
	}

	s.salesByID[sale.ID] = sale
	delete(s.carts, userID)

	created := cloneSale(sale)
	return created, nil
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, shopID string, from time.Time, to time.Time, search string, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search = strings.ToLower(strings.TrimSpace(search))
	sales := make([]domain.Sale, 0, 32)
	for _, sale := range s.salesByID {
		if shopID != "" && sale.ShopID != shopID {
			continue
		}
		if !from.IsZero() && sale.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !sale.CreatedAt.Before(to) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(sale.Customer), search) {
			continue
		}
		sales = append(sales, *cloneSale(sale))
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) DeleteSale(_ context.Context, saleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return store.ErrNotFound
	}
	for _, line := range sale.Lines {
		if product, ok := s.products[line.ProductID]; ok {
			product.Qty += line.Qty
			product.UpdatedAt = time.Now().UTC()
			s.products[product.ID] = product
		}
	}
	delete(s.salesByID, saleID)
	return nil
}

func (s *Store) RemoveSaleLine(_ context.Context, saleID string, lineID string) (*domain.SaleCorrection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}

	idx := -1
	for i, line := range sale.Lines {
		if line.ID == lineID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, store.ErrNotFound
	}

	removed := sale.Lines[idx]
	if product, ok := s.products[removed.ProductID]; ok {
		product.Qty += removed.Qty
		product.UpdatedAt = time.Now().UTC()
		s.products[product.ID] = product
	}

	sale.Lines = append(sale.Lines[:idx], sale.Lines[idx+1:]...)
	sale.AmountCents -= removed.UnitPrice * int64(removed.Qty)
	sale.ProfitCents -= removed.ProfitCents

	correction := &domain.SaleCorrection{
		ProductID:   removed.ProductID,
		RestoredQty: removed.Qty,
	}
	if len(sale.Lines) == 0 {
		delete(s.salesByID, saleID)
		correction.SaleDeleted = true
		return correction, nil
	}
	correction.Sale = cloneSale(sale)
	return correction, nil
}

func (s *Store) CreateBalanceTransaction(_ context.Context, tx domain.BalanceTransaction) (*domain.BalanceTransaction, error) {
	if tx.Name == "" || tx.PrincipalCents < 1 || !domain.IsBalanceKind(tx.Kind) {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ShopID != "" {
		if _, ok := s.shops[tx.ShopID]; !ok {
			return nil, store.ErrNotFound
		}
	}
	if tx.ID == "" {
		tx.ID = xid.New(tx.Kind)
	}
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	s.balancesByID[tx.ID] = tx
	created := tx
	return &created, nil
}

func (s *Store) GetBalanceTransaction(_ context.Context, txID string) (*domain.BalanceTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.balancesByID[txID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyTx := tx
	return &copyTx, nil
}

func (s *Store) ListBalanceTransactions(_ context.Context, kind string, shopID string, from time.Time, to time.Time, limit int) ([]domain.BalanceTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.BalanceTransaction, 0, 32)
	for _, tx := range s.balancesByID {
		if kind != "" && tx.Kind != kind {
			continue
		}
		if shopID != "" && tx.ShopID != shopID {
			continue
		}
		if !from.IsZero() && tx.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !tx.CreatedAt.Before(to) {
			continue
		}
		result = append(result, tx)
	}
	slices.SortFunc(result, func(a, b domain.BalanceTransaction) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ApplyBalancePayment adjusts cumulative paid under the store mutex so the
// balance check and the write observe the same state. Positive deltas are
// always accepted, including past zero balance; negative deltas are bounded
// by the current balance.
func (s *Store) ApplyBalancePayment(_ context.Context, txID string, deltaCents int64) (*domain.BalanceTransaction, error) {
	if deltaCents == 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.balancesByID[txID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if deltaCents < 0 {
		balance := tx.BalanceCents()
		if -deltaCents > balance {
			return nil, &store.OverpaymentError{BalanceCents: balance}
		}
	}
	tx.PaidCents += deltaCents
	tx.UpdatedAt = time.Now().UTC()
	s.balancesByID[txID] = tx
	updated := tx
	return &updated, nil
}

func (s *Store) DeleteBalanceTransaction(_ context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.balancesByID[txID]; !ok {
		return store.ErrNotFound
	}
	delete(s.balancesByID, txID)
	return nil
}

func (s *Store) CreateExpense(_ context.Context, expense domain.Expense) (*domain.Expense, error) {
	if expense.Title == "" || expense.AmountCents < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if expense.ShopID != "" {
		if _, ok := s.shops[expense.ShopID]; !ok {
			return nil, store.ErrNotFound
		}
	}
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}
	s.expensesByID[expense.ID] = expense
	created := expense
	return &created, nil
}

func (s *Store) UpdateExpense(_ context.Context, expense domain.Expense) (*domain.Expense, error) {
	if expense.ID == "" || expense.Title == "" || expense.AmountCents < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.expensesByID[expense.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	expense.ShopID = existing.ShopID
	expense.UserID = existing.UserID
	expense.CreatedAt = existing.CreatedAt
	s.expensesByID[expense.ID] = expense
	updated := expense
	return &updated, nil
}

func (s *Store) GetExpense(_ context.Context, expenseID string) (*domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expense, ok := s.expensesByID[expenseID]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := expense
	return &found, nil
}

func (s *Store) DeleteExpense(_ context.Context, expenseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.expensesByID[expenseID]; !ok {
		return store.ErrNotFound
	}
	delete(s.expensesByID, expenseID)
	return nil
}

func (s *Store) ListExpenses(_ context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Expense, 0, 32)
	for _, expense := range s.expensesByID {
		if shopID != "" && expense.ShopID != shopID {
			continue
		}
		if !from.IsZero() && expense.Date.Before(from) {
			continue
		}
		if !to.IsZero() && !expense.Date.Before(to) {
			continue
		}
		result = append(result, expense)
	}
	slices.SortFunc(result, func(a, b domain.Expense) int {
		if a.Date.Equal(b.Date) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.Date.After(b.Date) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetShopSummary(_ context.Context, shopID string, from time.Time, to time.Time) (domain.ShopSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.shops[shopID]; !ok {
		return domain.ShopSummary{}, store.ErrNotFound
	}

	summary := domain.ShopSummary{ShopID: shopID}
	for _, sale := range s.salesByID {
		if sale.ShopID != shopID || sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		summary.SalesCount++
		summary.SalesCents += sale.AmountCents
		summary.ProfitCents += sale.ProfitCents
	}
	for _, expense := range s.expensesByID {
		if expense.ShopID != shopID || expense.Date.Before(from) || !expense.Date.Before(to) {
			continue
		}
		summary.ExpenseCents += expense.AmountCents
	}
	for _, tx := range s.balancesByID {
		if tx.ShopID != shopID {
			continue
		}
		switch tx.Kind {
		case domain.BalanceKindLoan:
			summary.LoanBalanceCents += tx.BalanceCents()
		case domain.BalanceKindDebt:
			summary.DebtBalanceCents += tx.BalanceCents()
		case domain.BalanceKindLipa:
			if !tx.CreatedAt.Before(from) && tx.CreatedAt.Before(to) {
				summary.LipaCents += tx.PrincipalCents
			}
		case domain.BalanceKindSelcom:
			if !tx.CreatedAt.Before(from) && tx.CreatedAt.Before(to) {
				summary.SelcomCents += tx.PrincipalCents
			}
		}
	}
	for _, p := range s.products {
		if p.ShopID != shopID || p.Deleted {
			continue
		}
		summary.StockValueCents += p.CostCents * int64(p.Qty)
		if p.Qty == 0 {
			summary.SoldOutProducts++
		} else if !p.Hidden {
			summary.ActiveProducts++
		}
	}
	return summary, nil
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

func (s *Store) ListAuditLogs(_ context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if shopID != "" && entry.ShopID != shopID {
			continue
		}
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByName[username]; exists {
		return store.ErrValidation
	}
	user.Username = username
	s.usersByName[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByName))
	for _, user := range s.usersByName {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByName[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByName[username] = user
	return nil
}

func cloneSale(sale *domain.Sale) *domain.Sale {
	copySale := *sale
	copySale.Lines = make([]domain.SaleLine, len(sale.Lines))
	copy(copySale.Lines, sale.Lines)
	return &copySale
}
