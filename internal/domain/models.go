package domain

import "time"

// Shop owns products, sales, ledger entries and expenses.
type Shop struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Abbrev    string    `json:"abbrev"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ShopCreateRequest struct {
	Name    string `json:"name"`
	Abbrev  string `json:"abbrev"`
	Comment string `json:"comment"`
}

type ShopUpdateRequest struct {
	Name    *string `json:"name,omitempty"`
	Abbrev  *string `json:"abbrev,omitempty"`
	Comment *string `json:"comment,omitempty"`
}

const (
	ProductStatusActive  = "active"
	ProductStatusBlocked = "blocked"
	ProductStatusSoldOut = "sold_out"
	ProductStatusDeleted = "deleted"
)

type Product struct {
	ID          string    `json:"id"`
	ShopID      string    `json:"shop_id"`
	Name        string    `json:"name"`
	Qty         int       `json:"qty"`
	CostCents   int64     `json:"cost_cents"`
	PriceCents  int64     `json:"price_cents"`
	Hidden      bool      `json:"hidden"`
	Deleted     bool      `json:"deleted"`
	RestockedAt time.Time `json:"restocked_at"`
	Comment     string    `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Status is derived, never stored: sold-out is purely a function of quantity.
func (p Product) Status() string {
	switch {
	case p.Deleted:
		return ProductStatusDeleted
	case p.Hidden:
		return ProductStatusBlocked
	case p.Qty == 0:
		return ProductStatusSoldOut
	default:
		return ProductStatusActive
	}
}

// ProductDetail is a product plus its lifetime sales totals.
type ProductDetail struct {
	Product
	SoldQty   int   `json:"sold_qty"`
	SoldCents int64 `json:"sold_cents"`
}

type ProductCreateRequest struct {
	ShopID     string `json:"shop_id"`
	Name       string `json:"name"`
	Qty        int    `json:"qty"`
	CostCents  int64  `json:"cost_cents"`
	PriceCents int64  `json:"price_cents"`
	Comment    string `json:"comment"`
}

type ProductUpdateRequest struct {
	Name       *string `json:"name,omitempty"`
	CostCents  *int64  `json:"cost_cents,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
	Comment    *string `json:"comment,omitempty"`
}

type StockIncreaseRequest struct {
	Delta int `json:"delta"`
}

// CartLine is a pending (product, quantity) request owned by one user. The
// price, cost and availability fields are a read-time join against the product
// and are advisory only; checkout re-reads them under lock.
type CartLine struct {
	ID          string `json:"id"`
	UserID      string `json:"-"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	ShopID      string `json:"shop_id"`
	Qty         int    `json:"qty"`
	UnitPrice   int64  `json:"unit_price_cents"`
	UnitCost    int64  `json:"-"`
	Available   int    `json:"available_qty"`
}

type CartView struct {
	Lines      []CartLine `json:"lines"`
	TotalCents int64      `json:"total_cents"`
}

type AddToCartRequest struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type SaleLine struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Qty         int    `json:"qty"`
	UnitPrice   int64  `json:"unit_price_cents"`
	UnitCost    int64  `json:"unit_cost_cents"`
	ProfitCents int64  `json:"profit_cents"`
}

// Sale is finalized at checkout. Amount and profit always equal the sum over
// its lines; corrections (line removal, deletion) keep that equality.
type Sale struct {
	ID          string     `json:"id"`
	ShopID      string     `json:"shop_id"`
	UserID      string     `json:"user_id"`
	Customer    string     `json:"customer"`
	Comment     string     `json:"comment,omitempty"`
	AmountCents int64      `json:"amount_cents"`
	ProfitCents int64      `json:"profit_cents"`
	CreatedAt   time.Time  `json:"created_at"`
	Lines       []SaleLine `json:"lines"`
}

type CheckoutRequest struct {
	ShopID   string `json:"shop_id"`
	Customer string `json:"customer"`
	Comment  string `json:"comment"`
}

type SaleReceipt struct {
	SaleID      string     `json:"sale_id"`
	ShopID      string     `json:"shop_id"`
	Customer    string     `json:"customer"`
	Lines       []SaleLine `json:"lines"`
	AmountCents int64      `json:"amount_cents"`
	ProfitCents int64      `json:"profit_cents"`
	CreatedAt   string     `json:"created_at"`
}

// SaleCorrection reports the outcome of removing one line from a sale. When
// the removed line was the last one the whole sale is deleted.
type SaleCorrection struct {
	Sale        *Sale  `json:"sale,omitempty"`
	SaleDeleted bool   `json:"sale_deleted"`
	ProductID   string `json:"product_id"`
	RestoredQty int    `json:"restored_qty"`
}

const (
	BalanceKindLoan   = "loan"
	BalanceKindDebt   = "debt"
	BalanceKindLipa   = "lipa"
	BalanceKindSelcom = "selcom"
)

// BalanceTransaction covers loans, debts and mobile-money entries: principal,
// cumulative paid, derived balance. Balance is never stored.
type BalanceTransaction struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	ShopID         string    `json:"shop_id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	PrincipalCents int64     `json:"principal_cents"`
	PaidCents      int64     `json:"paid_cents"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (t BalanceTransaction) BalanceCents() int64 {
	return t.PrincipalCents - t.PaidCents
}

type BalanceOpenRequest struct {
	Kind           string `json:"kind"`
	ShopID         string `json:"shop_id"`
	Name           string `json:"name"`
	PrincipalCents int64  `json:"principal_cents"`
	Description    string `json:"description"`
}

type PaymentRequest struct {
	DeltaCents  int64  `json:"delta_cents"`
	Description string `json:"description"`
}

type Expense struct {
	ID          string    `json:"id"`
	ShopID      string    `json:"shop_id"`
	UserID      string    `json:"user_id"`
	Date        time.Time `json:"date"`
	Title       string    `json:"title"`
	AmountCents int64     `json:"amount_cents"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type ExpenseCreateRequest struct {
	ShopID      string `json:"shop_id"`
	Date        string `json:"date"`
	Title       string `json:"title"`
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description"`
}

type ExpenseUpdateRequest struct {
	Date        *string `json:"date,omitempty"`
	Title       *string `json:"title,omitempty"`
	AmountCents *int64  `json:"amount_cents,omitempty"`
	Description *string `json:"description,omitempty"`
}

type ShopSummary struct {
	ShopID           string `json:"shop_id"`
	From             string `json:"from"`
	To               string `json:"to"`
	SalesCount       int64  `json:"sales_count"`
	SalesCents       int64  `json:"sales_cents"`
	ProfitCents      int64  `json:"profit_cents"`
	ExpenseCents     int64  `json:"expense_cents"`
	LoanBalanceCents int64  `json:"loan_balance_cents"`
	DebtBalanceCents int64  `json:"debt_balance_cents"`
	LipaCents        int64  `json:"lipa_cents"`
	SelcomCents      int64  `json:"selcom_cents"`
	StockValueCents  int64  `json:"stock_value_cents"`
	SoldOutProducts  int    `json:"sold_out_products"`
	ActiveProducts   int    `json:"active_products"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ShopID        string    `json:"shop_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

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

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

func IsBalanceKind(kind string) bool {
	switch kind {
	case BalanceKindLoan, BalanceKindDebt, BalanceKindLipa, BalanceKindSelcom:
		return true
	}
	return false
}
