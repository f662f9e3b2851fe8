package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dukabook/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("invalid input")
	ErrEmptyCart         = errors.New("cart is empty")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOverpayment       = errors.New("payment exceeds balance")
)

// StockShortage identifies one cart line that could not be covered by the
// product's available quantity at checkout time.
type StockShortage struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Requested   int    `json:"requested"`
	Available   int    `json:"available"`
}

// InsufficientStockError names every short product so the caller can report
// precisely what is missing rather than a generic failure.
type InsufficientStockError struct {
	Shortages []StockShortage
}

func (e *InsufficientStockError) Error() string {
	names := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		names = append(names, fmt.Sprintf("%s (want %d, have %d)", s.ProductName, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(names, ", ")
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// OverpaymentError carries the current balance so the caller can correct the
// rejected adjustment.
type OverpaymentError struct {
	BalanceCents int64
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("payment exceeds balance: current balance is %d", e.BalanceCents)
}

func (e *OverpaymentError) Unwrap() error { return ErrOverpayment }

// Repository is the persistence collaborator for the whole application. The
// checkout path (CreateSale) and the payment path (ApplyBalancePayment) must
// run their read-then-write sequences under row-level locking or an
// equivalent exclusive section; everything else is plain row CRUD.
type Repository interface {
	CreateShop(ctx context.Context, shop domain.Shop) (*domain.Shop, error)
	UpdateShop(ctx context.Context, shop domain.Shop) (*domain.Shop, error)
	DeleteShop(ctx context.Context, shopID string) error
	GetShop(ctx context.Context, shopID string) (*domain.Shop, error)
	ListShops(ctx context.Context) ([]domain.Shop, error)

	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	ListProducts(ctx context.Context, shopID string, includeHidden bool) ([]domain.Product, error)
	SetProductHidden(ctx context.Context, productID string, hidden bool) (*domain.Product, error)
	SoftDeleteProduct(ctx context.Context, productID string) error
	IncreaseStock(ctx context.Context, productID string, delta int, restockedAt time.Time) (*domain.Product, error)
	// GetProductSalesTotals sums qty and amount over every sale line that
	// references the product, across the product's whole lifetime.
	GetProductSalesTotals(ctx context.Context, productID string) (qty int, amountCents int64, err error)

	UpsertCartLine(ctx context.Context, userID string, productID string, qty int) (*domain.CartLine, error)
	DeleteCartLine(ctx context.Context, userID string, lineID string) error
	ClearCart(ctx context.Context, userID string) error
	ListCartLines(ctx context.Context, userID string) ([]domain.CartLine, error)

	// CreateSale converts the user's cart into a finalized sale: it re-reads
	// every cart product under lock, verifies stock, writes the sale and its
	// lines, decrements stock and clears the cart, all in one transaction.
	CreateSale(ctx context.Context, userID string, shopID string, customer string, comment string) (*domain.Sale, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, shopID string, from time.Time, to time.Time, search string, limit int) ([]domain.Sale, error)
	DeleteSale(ctx context.Context, saleID string) error
	RemoveSaleLine(ctx context.Context, saleID string, lineID string) (*domain.SaleCorrection, error)

	CreateBalanceTransaction(ctx context.Context, tx domain.BalanceTransaction) (*domain.BalanceTransaction, error)
	GetBalanceTransaction(ctx context.Context, txID string) (*domain.BalanceTransaction, error)
	ListBalanceTransactions(ctx context.Context, kind string, shopID string, from time.Time, to time.Time, limit int) ([]domain.BalanceTransaction, error)
	ApplyBalancePayment(ctx context.Context, txID string, deltaCents int64) (*domain.BalanceTransaction, error)
	DeleteBalanceTransaction(ctx context.Context, txID string) error

	CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error)
	UpdateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error)
	GetExpense(ctx context.Context, expenseID string) (*domain.Expense, error)
	DeleteExpense(ctx context.Context, expenseID string) error
	ListExpenses(ctx context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.Expense, error)

	GetShopSummary(ctx context.Context, shopID string, from time.Time, to time.Time) (domain.ShopSummary, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, shopID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
