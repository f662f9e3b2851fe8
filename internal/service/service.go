package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dukabook/internal/cache"
	"dukabook/internal/domain"
	"dukabook/internal/store"
	"dukabook/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	summaries  cache.SummaryCache
	summaryTTL time.Duration
	logger     *zap.Logger
}

func New(repo store.Repository, summaries cache.SummaryCache, summaryTTL time.Duration, logger *zap.Logger) *Service {
	if summaries == nil {
		summaries = cache.NoopSummaryCache{}
	}
	if summaryTTL <= 0 {
		summaryTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:       repo,
		summaries:  summaries,
		summaryTTL: summaryTTL,
		logger:     logger,
	}
}

func (s *Service) ListShops(ctx context.Context) ([]domain.Shop, error) {
	return s.repo.ListShops(ctx)
}

func (s *Service) GetShop(ctx context.Context, shopID string) (domain.Shop, error) {
	shop, err := s.repo.GetShop(ctx, shopID)
	if err != nil {
		return domain.Shop{}, err
	}
	return *shop, nil
}

func (s *Service) CreateShop(ctx context.Context, req domain.ShopCreateRequest) (domain.Shop, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Shop{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Abbrev = strings.ToUpper(strings.TrimSpace(req.Abbrev))
	if req.Name == "" || req.Abbrev == "" {
		return domain.Shop{}, store.ErrValidation
	}

	created, err := s.repo.CreateShop(ctx, domain.Shop{
		ID:        xid.New("shop"),
		Name:      req.Name,
		Abbrev:    req.Abbrev,
		Comment:   strings.TrimSpace(req.Comment),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Shop{}, err
	}

	s.logAudit(ctx, created.ID, "shop_create", "shop", created.ID, fmt.Sprintf("name=%s,abbrev=%s", created.Name, created.Abbrev))
	return *created, nil
}

func (s *Service) UpdateShop(ctx context.Context, shopID string, req domain.ShopUpdateRequest) (domain.Shop, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Shop{}, fmt.Errorf("admin role required")
	}

	existing, err := s.repo.GetShop(ctx, shopID)
	if err != nil {
		return domain.Shop{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Shop{}, store.ErrValidation
		}
		updated.Name = name
	}
	if req.Abbrev != nil {
		abbrev := strings.ToUpper(strings.TrimSpace(*req.Abbrev))
		if abbrev == "" {
			return domain.Shop{}, store.ErrValidation
		}
		updated.Abbrev = abbrev
	}
	if req.Comment != nil {
		updated.Comment = strings.TrimSpace(*req.Comment)
	}

	saved, err := s.repo.UpdateShop(ctx, updated)
	if err != nil {
		return domain.Shop{}, err
	}

	s.logAudit(ctx, saved.ID, "shop_update", "shop", saved.ID, fmt.Sprintf("name=%s,abbrev=%s", saved.Name, saved.Abbrev))
	return *saved, nil
}

func (s *Service) DeleteShop(ctx context.Context, shopID string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("admin role required")
	}

	if err := s.repo.DeleteShop(ctx, shopID); err != nil {
		return err
	}
	s.logAudit(ctx, shopID, "shop_delete", "shop", shopID, "")
	return nil
}

func (s *Service) ListProducts(ctx context.Context, shopID string) ([]domain.Product, error) {
	actor, _ := ActorFromContext(ctx)
	includeHidden := actor.Role == domain.RoleAdmin
	return s.repo.ListProducts(ctx, shopID, includeHidden)
}

func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	if product.Deleted {
		return domain.Product{}, store.ErrNotFound
	}
	return *product, nil
}

// GetProductDetail is the single-product view: the product plus how much of
// it has ever been sold.
func (s *Service) GetProductDetail(ctx context.Context, productID string) (domain.ProductDetail, error) {
	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		return domain.ProductDetail{}, err
	}
	soldQty, soldCents, err := s.repo.GetProductSalesTotals(ctx, productID)
	if err != nil {
		return domain.ProductDetail{}, err
	}
	return domain.ProductDetail{Product: product, SoldQty: soldQty, SoldCents: soldCents}, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.ShopID == "" || req.Name == "" {
		return domain.Product{}, store.ErrValidation
	}
	if req.Qty < 0 || req.CostCents < 0 || req.PriceCents < 1 {
		return domain.Product{}, store.ErrValidation
	}

	now := time.Now().UTC()
	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:          xid.New("prod"),
		ShopID:      req.ShopID,
		Name:        req.Name,
		Qty:         req.Qty,
		CostCents:   req.CostCents,
		PriceCents:  req.PriceCents,
		Comment:     strings.TrimSpace(req.Comment),
		RestockedAt: now,
		CreatedAt:   now,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, created.ShopID, "product_create", "product", created.ID, fmt.Sprintf("name=%s,qty=%d,price=%d", created.Name, created.Qty, created.PriceCents))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, productID string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	existing, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	if existing.Deleted {
		return domain.Product{}, store.ErrNotFound
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrValidation
		}
		updated.Name = name
	}
	if req.CostCents != nil {
		if *req.CostCents < 0 {
			return domain.Product{}, store.ErrValidation
		}
		updated.CostCents = *req.CostCents
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 1 {
			return domain.Product{}, store.ErrValidation
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.Comment != nil {
		updated.Comment = strings.TrimSpace(*req.Comment)
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, saved.ShopID, "product_update", "product", saved.ID, fmt.Sprintf("price=%d,cost=%d", saved.PriceCents, saved.CostCents))
	return *saved, nil
}

func (s *Service) SetProductHidden(ctx context.Context, productID string, hidden bool) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	saved, err := s.repo.SetProductHidden(ctx, productID, hidden)
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, saved.ShopID, "product_hide", "product", saved.ID, fmt.Sprintf("hidden=%t", hidden))
	return *saved, nil
}

func (s *Service) DeleteProduct(ctx context.Context, productID string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("admin role required")
	}

	existing, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	if err := s.repo.SoftDeleteProduct(ctx, productID); err != nil {
		return err
	}
	s.logAudit(ctx, existing.ShopID, "product_delete", "product", productID, existing.Name)
	return nil
}

func (s *Service) IncreaseStock(ctx context.Context, productID string, req domain.StockIncreaseRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Product{}, fmt.Errorf("admin role required")
	}
	if req.Delta < 1 {
		return domain.Product{}, store.ErrValidation
	}

	saved, err := s.repo.IncreaseStock(ctx, productID, req.Delta, time.Now().UTC())
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, saved.ShopID, "product_restock", "product", saved.ID, fmt.Sprintf("delta=%d,qty=%d", req.Delta, saved.Qty))
	return *saved, nil
}

// AddToCart validates against current stock as a courtesy; the authoritative
// check happens again inside Checkout.
func (s *Service) AddToCart(ctx context.Context, req domain.AddToCartRequest) (domain.CartLine, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.CartLine{}, fmt.Errorf("authentication required")
	}
	if req.ProductID == "" || req.Qty < 1 {
		return domain.CartLine{}, store.ErrValidation
	}

	line, err := s.repo.UpsertCartLine(ctx, actor.Username, req.ProductID, req.Qty)
	if err != nil {
		return domain.CartLine{}, err
	}
	return *line, nil
}

func (s *Service) ViewCart(ctx context.Context) (domain.CartView, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.CartView{}, fmt.Errorf("authentication required")
	}

	lines, err := s.repo.ListCartLines(ctx, actor.Username)
	if err != nil {
		return domain.CartView{}, err
	}

	view := domain.CartView{Lines: lines}
	for _, line := range lines {
		view.TotalCents += line.UnitPrice * int64(line.Qty)
	}
	return view, nil
}

func (s *Service) RemoveCartLine(ctx context.Context, lineID string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("authentication required")
	}
	return s.repo.DeleteCartLine(ctx, actor.Username, lineID)
}

func (s *Service) ClearCart(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("authentication required")
	}
	return s.repo.ClearCart(ctx, actor.Username)
}

// Checkout converts the caller's cart into a sale. The store performs the
// stock re-validation, the decrements and the cart clear atomically; on any
// failure nothing is written and the cart survives intact.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.SaleReceipt, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SaleReceipt{}, fmt.Errorf("authentication required")
	}
	if req.ShopID == "" {
		return domain.SaleReceipt{}, store.ErrValidation
	}

	customer := strings.TrimSpace(req.Customer)
	if customer == "" {
		customer = "n/a"
	}

	sale, err := s.repo.CreateSale(ctx, actor.Username, req.ShopID, customer, strings.TrimSpace(req.Comment))
	if err != nil {
		var shortErr *store.InsufficientStockError
		if errors.As(err, &shortErr) {
			s.logger.Info("checkout rejected on stock",
				zap.String("user", actor.Username),
				zap.String("shop_id", req.ShopID),
				zap.Int("short_products", len(shortErr.Shortages)))
		}
		return domain.SaleReceipt{}, err
	}

	s.logger.Info("checkout completed",
		zap.String("sale_id", sale.ID),
		zap.String("user", actor.Username),
		zap.String("shop_id", sale.ShopID),
		zap.Int("lines", len(sale.Lines)),
		zap.Int64("amount_cents", sale.AmountCents))
	s.logAudit(ctx, sale.ShopID, "checkout", "sale", sale.ID, fmt.Sprintf("amount=%d,profit=%d,lines=%d", sale.AmountCents, sale.ProfitCents, len(sale.Lines)))

	return domain.SaleReceipt{
		SaleID:      sale.ID,
		ShopID:      sale.ShopID,
		Customer:    sale.Customer,
		Lines:       sale.Lines,
		AmountCents: sale.AmountCents,
		ProfitCents: sale.ProfitCents,
		CreatedAt:   sale.CreatedAt.Format(time.RFC3339),
	}, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, shopID string, fromDate string, toDate string, search string, limit int) ([]domain.Sale, error) {
	from, to, err := parseDateRange(fromDate, toDate)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSales(ctx, shopID, from, to, search, limit)
}

// DeleteSale undoes a recorded sale, restoring stock for every line.
func (s *Service) DeleteSale(ctx context.Context, saleID string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("admin role required")
	}

	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteSale(ctx, saleID); err != nil {
		return err
	}
	s.logAudit(ctx, sale.ShopID, "sale_delete", "sale", saleID, fmt.Sprintf("amount=%d,lines=%d", sale.AmountCents, len(sale.Lines)))
	return nil
}

func (s *Service) RemoveSaleLine(ctx context.Context, saleID string, lineID string) (domain.SaleCorrection, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.SaleCorrection{}, fmt.Errorf("admin role required")
	}

	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.SaleCorrection{}, err
	}

	correction, err := s.repo.RemoveSaleLine(ctx, saleID, lineID)
	if err != nil {
		return domain.SaleCorrection{}, err
	}
	s.logAudit(ctx, sale.ShopID, "sale_line_remove", "sale", saleID, fmt.Sprintf("restored_qty=%d,sale_deleted=%t", correction.RestoredQty, correction.SaleDeleted))
	return *correction, nil
}

func (s *Service) OpenBalance(ctx context.Context, req domain.BalanceOpenRequest) (domain.BalanceTransaction, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.BalanceTransaction{}, fmt.Errorf("authentication required")
	}

	req.Kind = strings.ToLower(strings.TrimSpace(req.Kind))
	req.Name = strings.TrimSpace(req.Name)
	if !domain.IsBalanceKind(req.Kind) || req.Name == "" || req.PrincipalCents < 1 {
		return domain.BalanceTransaction{}, store.ErrValidation
	}

	created, err := s.repo.CreateBalanceTransaction(ctx, domain.BalanceTransaction{
		ID:             xid.New(req.Kind),
		Kind:           req.Kind,
		ShopID:         req.ShopID,
		UserID:         actor.Username,
		Name:           req.Name,
		PrincipalCents: req.PrincipalCents,
		Description:    strings.TrimSpace(req.Description),
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return domain.BalanceTransaction{}, err
	}

	s.logAudit(ctx, created.ShopID, req.Kind+"_open", "balance", created.ID, fmt.Sprintf("name=%s,principal=%d", created.Name, created.PrincipalCents))
	return *created, nil
}

// ApplyPayment adjusts the cumulative paid amount on a balance transaction.
// Positive deltas always succeed, even past zero balance; negative deltas
// must not push the balance above the original principal.
func (s *Service) ApplyPayment(ctx context.Context, txID string, req domain.PaymentRequest) (domain.BalanceTransaction, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.BalanceTransaction{}, fmt.Errorf("authentication required")
	}
	if req.DeltaCents == 0 {
		return domain.BalanceTransaction{}, store.ErrValidation
	}

	updated, err := s.repo.ApplyBalancePayment(ctx, txID, req.DeltaCents)
	if err != nil {
		var overErr *store.OverpaymentError
		if errors.As(err, &overErr) {
			s.logger.Info("payment adjustment rejected",
				zap.String("user", actor.Username),
				zap.String("tx_id", txID),
				zap.Int64("delta_cents", req.DeltaCents),
				zap.Int64("balance_cents", overErr.BalanceCents))
		}
		return domain.BalanceTransaction{}, err
	}

	s.logAudit(ctx, updated.ShopID, updated.Kind+"_payment", "balance", updated.ID, fmt.Sprintf("delta=%d,paid=%d,balance=%d", req.DeltaCents, updated.PaidCents, updated.BalanceCents()))
	return *updated, nil
}

func (s *Service) GetBalance(ctx context.Context, txID string) (domain.BalanceTransaction, error) {
	tx, err := s.repo.GetBalanceTransaction(ctx, txID)
	if err != nil {
		return domain.BalanceTransaction{}, err
	}
	return *tx, nil
}

func (s *Service) ListBalances(ctx context.Context, kind string, shopID string, fromDate string, toDate string, limit int) ([]domain.BalanceTransaction, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind != "" && !domain.IsBalanceKind(kind) {
		return nil, store.ErrValidation
	}
	from, to, err := parseDateRange(fromDate, toDate)
	if err != nil {
		return nil, err
	}
	return s.repo.ListBalanceTransactions(ctx, kind, shopID, from, to, limit)
}

func (s *Service) DeleteBalance(ctx context.Context, txID string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("admin role required")
	}

	tx, err := s.repo.GetBalanceTransaction(ctx, txID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteBalanceTransaction(ctx, txID); err != nil {
		return err
	}
	s.logAudit(ctx, tx.ShopID, tx.Kind+"_delete", "balance", txID, tx.Name)
	return nil
}

func (s *Service) CreateExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.Expense, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Expense{}, fmt.Errorf("authentication required")
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" || req.AmountCents < 1 {
		return domain.Expense{}, store.ErrValidation
	}

	date := time.Now().UTC()
	if strings.TrimSpace(req.Date) != "" {
		parsed, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			return domain.Expense{}, store.ErrValidation
		}
		date = parsed.UTC()
	}

	created, err := s.repo.CreateExpense(ctx, domain.Expense{
		ID:          xid.New("exp"),
		ShopID:      req.ShopID,
		UserID:      actor.Username,
		Date:        date,
		Title:       req.Title,
		AmountCents: req.AmountCents,
		Description: strings.TrimSpace(req.Description),
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return domain.Expense{}, err
	}

	s.logAudit(ctx, created.ShopID, "expense_create", "expense", created.ID, fmt.Sprintf("title=%s,amount=%d", created.Title, created.AmountCents))
	return *created, nil
}

func (s *Service) UpdateExpense(ctx context.Context, expenseID string, req domain.ExpenseUpdateRequest) (domain.Expense, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Expense{}, fmt.Errorf("admin role required")
	}

	existing, err := s.repo.GetExpense(ctx, expenseID)
	if err != nil {
		return domain.Expense{}, err
	}

	updated := *existing
	if req.Date != nil {
		parsed, err := time.Parse("2006-01-02", *req.Date)
		if err != nil {
			return domain.Expense{}, store.ErrValidation
		}
		updated.Date = parsed.UTC()
	}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return domain.Expense{}, store.ErrValidation
		}
		updated.Title = title
	}
	if req.AmountCents != nil {
		if *req.AmountCents < 1 {
			return domain.Expense{}, store.ErrValidation
		}
		updated.AmountCents = *req.AmountCents
	}
	if req.Description != nil {
		updated.Description = strings.TrimSpace(*req.Description)
	}

	saved, err := s.repo.UpdateExpense(ctx, updated)
	if err != nil {
		return domain.Expense{}, err
	}
	s.logAudit(ctx, saved.ShopID, "expense_update", "expense", saved.ID, fmt.Sprintf("title=%s,amount=%d", saved.Title, saved.AmountCents))
	return *saved, nil
}

func (s *Service) DeleteExpense(ctx context.Context, expenseID string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("admin role required")
	}

	existing, err := s.repo.GetExpense(ctx, expenseID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteExpense(ctx, expenseID); err != nil {
		return err
	}
	s.logAudit(ctx, existing.ShopID, "expense_delete", "expense", expenseID, existing.Title)
	return nil
}

func (s *Service) ListExpenses(ctx context.Context, shopID string, fromDate string, toDate string, limit int) ([]domain.Expense, error) {
	from, to, err := parseDateRange(fromDate, toDate)
	if err != nil {
		return nil, err
	}
	return s.repo.ListExpenses(ctx, shopID, from, to, limit)
}

// ShopSummary aggregates one shop over a date range. Results are cached with
// a short TTL so dashboard polling does not hammer the store.
func (s *Service) ShopSummary(ctx context.Context, shopID string, fromDate string, toDate string) (domain.ShopSummary, error) {
	if shopID == "" {
		return domain.ShopSummary{}, store.ErrValidation
	}
	from, to, err := parseDateRange(fromDate, toDate)
	if err != nil {
		return domain.ShopSummary{}, err
	}

	key := fmt.Sprintf("summary:%s:%s:%s", shopID, from.Format("2006-01-02"), to.Format("2006-01-02"))
	if cached, found, err := s.summaries.Get(ctx, key); err == nil && found {
		return *cached, nil
	} else if err != nil {
		s.logger.Warn("summary cache read failed", zap.String("key", key), zap.Error(err))
	}

	summary, err := s.repo.GetShopSummary(ctx, shopID, from, to)
	if err != nil {
		return domain.ShopSummary{}, err
	}
	if !from.IsZero() {
		summary.From = from.Format("2006-01-02")
	}
	summary.To = to.Format("2006-01-02")

	if err := s.summaries.Set(ctx, key, &summary, s.summaryTTL); err != nil {
		s.logger.Warn("summary cache write failed", zap.String("key", key), zap.Error(err))
	}
	return summary, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, shopID string, fromDate string, toDate string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("admin role required")
	}
	from, to, err := parseDateRange(fromDate, toDate)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, shopID, from, to, limit)
}

// parseDateRange turns optional YYYY-MM-DD bounds into a half-open [from, to)
// interval. An empty from means unbounded; an empty to means now plus a day
// so today's rows are included.
func parseDateRange(fromDate string, toDate string) (time.Time, time.Time, error) {
	var from time.Time
	if strings.TrimSpace(fromDate) != "" {
		parsed, err := time.Parse("2006-01-02", fromDate)
		if err != nil {
			return time.Time{}, time.Time{}, store.ErrValidation
		}
		from = parsed.UTC()
	}

	to := time.Now().UTC().Add(24 * time.Hour)
	if strings.TrimSpace(toDate) != "" {
		parsed, err := time.Parse("2006-01-02", toDate)
		if err != nil {
			return time.Time{}, time.Time{}, store.ErrValidation
		}
		// Inclusive end date.
		to = parsed.UTC().Add(24 * time.Hour)
	}
	if !from.IsZero() && to.Before(from) {
		return time.Time{}, time.Time{}, store.ErrValidation
	}
	return from, to, nil
}

func (s *Service) logAudit(ctx context.Context, shopID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ShopID:        shopID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("audit log write failed",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err))
	}
}
