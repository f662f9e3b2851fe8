package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dukabook/internal/cache"
	"dukabook/internal/domain"
	"dukabook/internal/store"
	"dukabook/internal/store/memory"
)

func newTestService() *Service {
	return New(memory.New(), cache.NoopSummaryCache{}, 5*time.Second, zap.NewNop())
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func staffCtx(username string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: username, Role: domain.RoleStaff})
}

func mustCreateShop(t *testing.T, svc *Service) domain.Shop {
	t.Helper()
	shop, err := svc.CreateShop(adminCtx(), domain.ShopCreateRequest{Name: "Duka la CIVE", Abbrev: "cive"})
	require.NoError(t, err)
	require.Equal(t, "CIVE", shop.Abbrev)
	return shop
}

func mustCreateProduct(t *testing.T, svc *Service, shopID string, name string, qty int, cost int64, price int64) domain.Product {
	t.Helper()
	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		ShopID:     shopID,
		Name:       name,
		Qty:        qty,
		CostCents:  cost,
		PriceCents: price,
	})
	require.NoError(t, err)
	return product
}

func TestAddToCartReplacesQuantity(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	product := mustCreateProduct(t, svc, shop.ID, "Sukari 1kg", 50, 280000, 320000)

	ctx := staffCtx("staff")
	_, err := svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: product.ID, Qty: 2})
	require.NoError(t, err)
	_, err = svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: product.ID, Qty: 5})
	require.NoError(t, err)

	view, err := svc.ViewCart(ctx)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	require.Equal(t, 5, view.Lines[0].Qty)
	require.Equal(t, int64(5*320000), view.TotalCents)
}

func TestRemoveCartLineDropsOnlyThatLine(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	sukari := mustCreateProduct(t, svc, shop.ID, "Sukari 1kg", 50, 280000, 320000)
	unga := mustCreateProduct(t, svc, shop.ID, "Unga 2kg", 40, 400000, 480000)

	ctx := staffCtx("staff")
	_, err := svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: sukari.ID, Qty: 2})
	require.NoError(t, err)
	_, err = svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: unga.ID, Qty: 1})
	require.NoError(t, err)

	view, err := svc.ViewCart(ctx)
	require.NoError(t, err)
	require.Len(t, view.Lines, 2)

	var sukariLineID string
	for _, line := range view.Lines {
		if line.ProductID == sukari.ID {
			sukariLineID = line.ID
		}
	}
	require.NotEmpty(t, sukariLineID)
	require.NoError(t, svc.RemoveCartLine(ctx, sukariLineID))

	view, err = svc.ViewCart(ctx)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	require.Equal(t, unga.ID, view.Lines[0].ProductID)
	require.Equal(t, int64(480000), view.TotalCents)
}

func TestRemoveCartLineMissingIsNoOp(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	product := mustCreateProduct(t, svc, shop.ID, "Sabuni", 30, 120000, 150000)

	ctx := staffCtx("staff")
	_, err := svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: product.ID, Qty: 2})
	require.NoError(t, err)

	require.NoError(t, svc.RemoveCartLine(ctx, "cart-does-not-exist"))

	view, err := svc.ViewCart(ctx)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	require.Equal(t, 2, view.Lines[0].Qty)
}

func TestClearCartEmptiesAndRepeatsSilently(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	product := mustCreateProduct(t, svc, shop.ID, "Chumvi 500g", 20, 40000, 60000)

	ctx := staffCtx("staff")
	_, err := svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: product.ID, Qty: 3})
	require.NoError(t, err)

	require.NoError(t, svc.ClearCart(ctx))

	view, err := svc.ViewCart(ctx)
	require.NoError(t, err)
	require.Empty(t, view.Lines)
	require.Equal(t, int64(0), view.TotalCents)

	require.NoError(t, svc.ClearCart(ctx))
}

func TestAddToCartRejectsMoreThanAvailable(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	product := mustCreateProduct(t, svc, shop.ID, "Maji 600ml", 3, 50000, 80000)

	_, err := svc.AddToCart(staffCtx("staff"), domain.AddToCartRequest{ProductID: product.ID, Qty: 4})
	var shortErr *store.InsufficientStockError
	require.ErrorAs(t, err, &shortErr)
	require.Len(t, shortErr.Shortages, 1)
	require.Equal(t, 3, shortErr.Shortages[0].Available)
}

func TestProductDetailCarriesLifetimeSales(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	product := mustCreateProduct(t, svc, shop.ID, "Sukari 1kg", 10, 280000, 320000)

	ctx := staffCtx("staff")
	_, err := svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: product.ID, Qty: 3})
	require.NoError(t, err)
	_, err = svc.Checkout(ctx, domain.CheckoutRequest{ShopID: shop.ID})
	require.NoError(t, err)

	detail, err := svc.GetProductDetail(context.Background(), product.ID)
	require.NoError(t, err)
	require.Equal(t, 7, detail.Qty)
	require.Equal(t, 3, detail.SoldQty)
	require.Equal(t, int64(3*320000), detail.SoldCents)
}

func TestCheckoutEmptyCart(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	product := mustCreateProduct(t, svc, shop.ID, "Chumvi 500g", 10, 40000, 60000)

	_, err := svc.Checkout(staffCtx("staff"), domain.CheckoutRequest{ShopID: shop.ID})
	require.ErrorIs(t, err, store.ErrEmptyCart)

	got, err := svc.GetProduct(context.Background(), product.ID)
	require.NoError(t, err)
	require.Equal(t, 10, got.Qty)

	sales, err := svc.ListSales(context.Background(), shop.ID, "", "", "", 0)
	require.NoError(t, err)
	require.Empty(t, sales)
}

func TestCheckoutSuccess(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	sukari := mustCreateProduct(t, svc, shop.ID, "Sukari 1kg", 50, 280000, 320000)
	unga := mustCreateProduct(t, svc, shop.ID, "Unga 2kg", 20, 420000, 480000)

	ctx := staffCtx("staff")
	_, err := svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: sukari.ID, Qty: 3})
	require.NoError(t, err)
	_, err = svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: unga.ID, Qty: 2})
	require.NoError(t, err)

	receipt, err := svc.Checkout(ctx, domain.CheckoutRequest{ShopID: shop.ID, Customer: "  "})
	require.NoError(t, err)
	require.Equal(t, "n/a", receipt.Customer)
	require.Len(t, receipt.Lines, 2)
	require.Equal(t, int64(3*320000+2*480000), receipt.AmountCents)
	require.Equal(t, int64(3*(320000-280000)+2*(480000-420000)), receipt.ProfitCents)

	gotSukari, err := svc.GetProduct(context.Background(), sukari.ID)
	require.NoError(t, err)
	require.Equal(t, 47, gotSukari.Qty)
	gotUnga, err := svc.GetProduct(context.Background(), unga.ID)
	require.NoError(t, err)
	require.Equal(t, 18, gotUnga.Qty)

	view, err := svc.ViewCart(ctx)
	require.NoError(t, err)
	require.Empty(t, view.Lines)
}

func TestCheckoutInsufficientStockLeavesEverythingIntact(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	product := mustCreateProduct(t, svc, shop.ID, "Mafuta 1L", 5, 650000, 750000)

	// Two carts race for the same stock; the first checkout drains it below
	// what the second cart holds.
	first := staffCtx("staff-a")
	second := staffCtx("staff-b")
	_, err := svc.AddToCart(first, domain.AddToCartRequest{ProductID: product.ID, Qty: 4})
	require.NoError(t, err)
	_, err = svc.AddToCart(second, domain.AddToCartRequest{ProductID: product.ID, Qty: 3})
	require.NoError(t, err)

	_, err = svc.Checkout(first, domain.CheckoutRequest{ShopID: shop.ID})
	require.NoError(t, err)

	_, err = svc.Checkout(second, domain.CheckoutRequest{ShopID: shop.ID})
	var shortErr *store.InsufficientStockError
	require.ErrorAs(t, err, &shortErr)
	require.Equal(t, 3, shortErr.Shortages[0].Requested)
	require.Equal(t, 1, shortErr.Shortages[0].Available)

	// The failed checkout wrote nothing: stock and the loser's cart survive.
	got, err := svc.GetProduct(context.Background(), product.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Qty)

	view, err := svc.ViewCart(second)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	require.Equal(t, 3, view.Lines[0].Qty)

	sales, err := svc.ListSales(context.Background(), shop.ID, "", "", "", 0)
	require.NoError(t, err)
	require.Len(t, sales, 1)
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	product := mustCreateProduct(t, svc, shop.ID, "Sabuni", 5, 90000, 120000)

	ctxA := staffCtx("staff-a")
	ctxB := staffCtx("staff-b")
	_, err := svc.AddToCart(ctxA, domain.AddToCartRequest{ProductID: product.ID, Qty: 3})
	require.NoError(t, err)
	_, err = svc.AddToCart(ctxB, domain.AddToCartRequest{ProductID: product.ID, Qty: 3})
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = svc.Checkout(ctxA, domain.CheckoutRequest{ShopID: shop.ID})
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = svc.Checkout(ctxB, domain.CheckoutRequest{ShopID: shop.ID})
	}()
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var shortErr *store.InsufficientStockError
		require.ErrorAs(t, err, &shortErr)
	}
	require.Equal(t, 1, succeeded)

	got, err := svc.GetProduct(context.Background(), product.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Qty)
}

func TestCheckoutToZeroMarksSoldOut(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	product := mustCreateProduct(t, svc, shop.ID, "Chumvi 500g", 2, 40000, 60000)

	ctx := staffCtx("staff")
	_, err := svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: product.ID, Qty: 2})
	require.NoError(t, err)
	_, err = svc.Checkout(ctx, domain.CheckoutRequest{ShopID: shop.ID})
	require.NoError(t, err)

	got, err := svc.GetProduct(context.Background(), product.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.Qty)
	require.Equal(t, domain.ProductStatusSoldOut, got.Status())

	restocked, err := svc.IncreaseStock(adminCtx(), product.ID, domain.StockIncreaseRequest{Delta: 10})
	require.NoError(t, err)
	require.Equal(t, 10, restocked.Qty)
	require.Equal(t, domain.ProductStatusActive, restocked.Status())
}

func TestIncreaseStockRejectsNonPositiveDelta(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	product := mustCreateProduct(t, svc, shop.ID, "Maji 600ml", 5, 50000, 80000)

	_, err := svc.IncreaseStock(adminCtx(), product.ID, domain.StockIncreaseRequest{Delta: 0})
	require.ErrorIs(t, err, store.ErrValidation)
	_, err = svc.IncreaseStock(adminCtx(), product.ID, domain.StockIncreaseRequest{Delta: -3})
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestProductMutationsRequireAdmin(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)

	_, err := svc.CreateProduct(staffCtx("staff"), domain.ProductCreateRequest{
		ShopID:     shop.ID,
		Name:       "Sukari 1kg",
		Qty:        10,
		CostCents:  280000,
		PriceCents: 320000,
	})
	require.Error(t, err)

	_, err = svc.CreateProduct(context.Background(), domain.ProductCreateRequest{
		ShopID:     shop.ID,
		Name:       "Sukari 1kg",
		Qty:        10,
		CostCents:  280000,
		PriceCents: 320000,
	})
	require.Error(t, err)
}

func TestDeleteSaleRestoresStock(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	product := mustCreateProduct(t, svc, shop.ID, "Unga 2kg", 20, 420000, 480000)

	ctx := staffCtx("staff")
	_, err := svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: product.ID, Qty: 4})
	require.NoError(t, err)
	receipt, err := svc.Checkout(ctx, domain.CheckoutRequest{ShopID: shop.ID})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteSale(adminCtx(), receipt.SaleID))

	got, err := svc.GetProduct(context.Background(), product.ID)
	require.NoError(t, err)
	require.Equal(t, 20, got.Qty)

	_, err = svc.GetSale(context.Background(), receipt.SaleID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemoveSaleLine(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	sukari := mustCreateProduct(t, svc, shop.ID, "Sukari 1kg", 50, 280000, 320000)
	unga := mustCreateProduct(t, svc, shop.ID, "Unga 2kg", 20, 420000, 480000)

	ctx := staffCtx("staff")
	_, err := svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: sukari.ID, Qty: 3})
	require.NoError(t, err)
	_, err = svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: unga.ID, Qty: 2})
	require.NoError(t, err)
	receipt, err := svc.Checkout(ctx, domain.CheckoutRequest{ShopID: shop.ID})
	require.NoError(t, err)

	var sukariLine domain.SaleLine
	for _, line := range receipt.Lines {
		if line.ProductID == sukari.ID {
			sukariLine = line
		}
	}
	require.NotEmpty(t, sukariLine.ID)

	correction, err := svc.RemoveSaleLine(adminCtx(), receipt.SaleID, sukariLine.ID)
	require.NoError(t, err)
	require.False(t, correction.SaleDeleted)
	require.Equal(t, 3, correction.RestoredQty)
	require.Equal(t, int64(2*480000), correction.Sale.AmountCents)

	got, err := svc.GetProduct(context.Background(), sukari.ID)
	require.NoError(t, err)
	require.Equal(t, 50, got.Qty)

	// Removing the last line deletes the sale entirely.
	ungaLine := correction.Sale.Lines[0]
	correction, err = svc.RemoveSaleLine(adminCtx(), receipt.SaleID, ungaLine.ID)
	require.NoError(t, err)
	require.True(t, correction.SaleDeleted)

	_, err = svc.GetSale(context.Background(), receipt.SaleID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestBalancePaymentLifecycle(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)

	ctx := staffCtx("staff")
	tx, err := svc.OpenBalance(ctx, domain.BalanceOpenRequest{
		Kind:           domain.BalanceKindLoan,
		ShopID:         shop.ID,
		Name:           "Mama Ntilie",
		PrincipalCents: 1000,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1000), tx.BalanceCents())

	tx, err = svc.ApplyPayment(ctx, tx.ID, domain.PaymentRequest{DeltaCents: 600})
	require.NoError(t, err)
	require.Equal(t, int64(600), tx.PaidCents)
	require.Equal(t, int64(400), tx.BalanceCents())

	_, err = svc.ApplyPayment(ctx, tx.ID, domain.PaymentRequest{DeltaCents: -500})
	var overErr *store.OverpaymentError
	require.ErrorAs(t, err, &overErr)
	require.Equal(t, int64(400), overErr.BalanceCents)

	tx, err = svc.ApplyPayment(ctx, tx.ID, domain.PaymentRequest{DeltaCents: -400})
	require.NoError(t, err)
	require.Equal(t, int64(200), tx.PaidCents)
	require.Equal(t, int64(800), tx.BalanceCents())
}

func TestBalancePaymentPastZeroAllowed(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)

	ctx := staffCtx("staff")
	tx, err := svc.OpenBalance(ctx, domain.BalanceOpenRequest{
		Kind:           domain.BalanceKindDebt,
		ShopID:         shop.ID,
		Name:           "Wakala",
		PrincipalCents: 500,
	})
	require.NoError(t, err)

	// Positive deltas are accepted even when they push the balance negative.
	tx, err = svc.ApplyPayment(ctx, tx.ID, domain.PaymentRequest{DeltaCents: 700})
	require.NoError(t, err)
	require.Equal(t, int64(-200), tx.BalanceCents())
}

func TestBalancePaymentZeroDeltaRejected(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)

	ctx := staffCtx("staff")
	tx, err := svc.OpenBalance(ctx, domain.BalanceOpenRequest{
		Kind:           domain.BalanceKindLipa,
		ShopID:         shop.ID,
		Name:           "Lipa kwa simu",
		PrincipalCents: 300,
	})
	require.NoError(t, err)

	_, err = svc.ApplyPayment(ctx, tx.ID, domain.PaymentRequest{DeltaCents: 0})
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestOpenBalanceRejectsUnknownKind(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)

	_, err := svc.OpenBalance(staffCtx("staff"), domain.BalanceOpenRequest{
		Kind:           "wager",
		ShopID:         shop.ID,
		Name:           "X",
		PrincipalCents: 100,
	})
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestSoftDeletedProductLeavesCart(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	product := mustCreateProduct(t, svc, shop.ID, "Mafuta 1L", 10, 650000, 750000)

	ctx := staffCtx("staff")
	_, err := svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: product.ID, Qty: 2})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteProduct(adminCtx(), product.ID))

	view, err := svc.ViewCart(ctx)
	require.NoError(t, err)
	require.Empty(t, view.Lines)

	_, err = svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: product.ID, Qty: 1})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestShopSummary(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	product := mustCreateProduct(t, svc, shop.ID, "Sukari 1kg", 10, 280000, 320000)

	ctx := staffCtx("staff")
	_, err := svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: product.ID, Qty: 2})
	require.NoError(t, err)
	_, err = svc.Checkout(ctx, domain.CheckoutRequest{ShopID: shop.ID})
	require.NoError(t, err)

	_, err = svc.CreateExpense(ctx, domain.ExpenseCreateRequest{
		ShopID:      shop.ID,
		Title:       "Umeme",
		AmountCents: 50000,
	})
	require.NoError(t, err)

	summary, err := svc.ShopSummary(context.Background(), shop.ID, "", "")
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.SalesCount)
	require.Equal(t, int64(2*320000), summary.SalesCents)
	require.Equal(t, int64(2*(320000-280000)), summary.ProfitCents)
	require.Equal(t, int64(50000), summary.ExpenseCents)
	require.Equal(t, int64(8*280000), summary.StockValueCents)
	require.Equal(t, 1, summary.ActiveProducts)
	require.NotEmpty(t, summary.To)
}

func TestListSalesRejectsBadDates(t *testing.T) {
	svc := newTestService()

	_, err := svc.ListSales(context.Background(), "", "yesterday", "", "", 0)
	require.ErrorIs(t, err, store.ErrValidation)
	_, err = svc.ListSales(context.Background(), "", "2026-02-10", "2026-02-01", "", 0)
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestAuditTrailRecordsCheckout(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	product := mustCreateProduct(t, svc, shop.ID, "Maji 600ml", 10, 50000, 80000)

	ctx := staffCtx("staff")
	_, err := svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: product.ID, Qty: 1})
	require.NoError(t, err)
	_, err = svc.Checkout(ctx, domain.CheckoutRequest{ShopID: shop.ID})
	require.NoError(t, err)

	logs, err := svc.ListAuditLogs(adminCtx(), shop.ID, "", "", 0)
	require.NoError(t, err)

	found := false
	for _, entry := range logs {
		if entry.Action == "checkout" && entry.ActorUsername == "staff" {
			found = true
		}
	}
	require.True(t, found, "expected a checkout audit entry")
}

func TestDeleteShopBlockedBySales(t *testing.T) {
	svc := newTestService()
	shop := mustCreateShop(t, svc)
	product := mustCreateProduct(t, svc, shop.ID, "Chumvi 500g", 10, 40000, 60000)

	ctx := staffCtx("staff")
	_, err := svc.AddToCart(ctx, domain.AddToCartRequest{ProductID: product.ID, Qty: 1})
	require.NoError(t, err)
	_, err = svc.Checkout(ctx, domain.CheckoutRequest{ShopID: shop.ID})
	require.NoError(t, err)

	err = svc.DeleteShop(adminCtx(), shop.ID)
	require.True(t, errors.Is(err, store.ErrValidation))
}
