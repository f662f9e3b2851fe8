package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"dukabook/internal/cache"
	"dukabook/internal/domain"
	"dukabook/internal/service"
	"dukabook/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopSummaryCache{}, 5*time.Second, zap.NewNop())
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*", zap.NewNop())
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["access_token"] == "" || body["access_token"] == nil {
		t.Fatalf("expected access_token in response, got %v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products?shop_id=shop-cive", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["products"] == nil {
		t.Fatalf("expected products key in response, got %v", body)
	}
}

func TestCartAndCheckoutFlow(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	addPayload, _ := json.Marshal(domain.AddToCartRequest{ProductID: "prod-sukari-01", Qty: 2})
	addReq := httptest.NewRequest(http.MethodPost, "/api/v1/cart", bytes.NewReader(addPayload))
	addReq.Header.Set("Content-Type", "application/json")
	addReq.Header.Set("Authorization", "Bearer "+token)
	addReq.Header.Set("X-CSRF-Token", csrf)
	addRec := httptest.NewRecorder()
	handler.ServeHTTP(addRec, addReq)
	if addRec.Code != http.StatusOK {
		t.Fatalf("add to cart failed: %d %s", addRec.Code, addRec.Body.String())
	}

	cartReq := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	cartReq.Header.Set("Authorization", "Bearer "+token)
	cartRec := httptest.NewRecorder()
	handler.ServeHTTP(cartRec, cartReq)
	if cartRec.Code != http.StatusOK {
		t.Fatalf("view cart failed: %d %s", cartRec.Code, cartRec.Body.String())
	}
	var view domain.CartView
	if err := json.NewDecoder(cartRec.Body).Decode(&view); err != nil {
		t.Fatalf("decode cart view: %v", err)
	}
	if len(view.Lines) != 1 || view.Lines[0].Qty != 2 {
		t.Fatalf("unexpected cart view %+v", view)
	}

	checkoutPayload, _ := json.Marshal(domain.CheckoutRequest{ShopID: "shop-cive", Customer: "Asha"})
	checkoutReq := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewReader(checkoutPayload))
	checkoutReq.Header.Set("Content-Type", "application/json")
	checkoutReq.Header.Set("Authorization", "Bearer "+token)
	checkoutReq.Header.Set("X-CSRF-Token", csrf)
	checkoutRec := httptest.NewRecorder()
	handler.ServeHTTP(checkoutRec, checkoutReq)
	if checkoutRec.Code != http.StatusOK {
		t.Fatalf("checkout failed: %d %s", checkoutRec.Code, checkoutRec.Body.String())
	}

	var receipt domain.SaleReceipt
	if err := json.NewDecoder(checkoutRec.Body).Decode(&receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.SaleID == "" || receipt.AmountCents != 2*320000 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestCheckoutEmptyCartReturnsConflict(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(domain.CheckoutRequest{ShopID: "shop-cive"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for empty cart, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestCheckoutInsufficientStockReturnsShortages(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	// Two carts hold 60 each against 60 in stock; the second checkout loses.
	staffToken := loginAs(t, api, "staff", "staff123")
	for _, tok := range []string{token, staffToken} {
		payload, _ := json.Marshal(domain.AddToCartRequest{ProductID: "prod-mafuta-01", Qty: 60})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/cart", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("X-CSRF-Token", csrf)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("add to cart failed: %d %s", rec.Code, rec.Body.String())
		}
	}

	checkoutPayload, _ := json.Marshal(domain.CheckoutRequest{ShopID: "shop-cive"})
	first := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewReader(checkoutPayload))
	first.Header.Set("Content-Type", "application/json")
	first.Header.Set("Authorization", "Bearer "+token)
	first.Header.Set("X-CSRF-Token", csrf)
	firstRec := httptest.NewRecorder()
	handler.ServeHTTP(firstRec, first)
	if firstRec.Code != http.StatusOK {
		t.Fatalf("first checkout failed: %d %s", firstRec.Code, firstRec.Body.String())
	}

	second := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewReader(checkoutPayload))
	second.Header.Set("Content-Type", "application/json")
	second.Header.Set("Authorization", "Bearer "+staffToken)
	second.Header.Set("X-CSRF-Token", csrf)
	secondRec := httptest.NewRecorder()
	handler.ServeHTTP(secondRec, second)

	if secondRec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", secondRec.Code, secondRec.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(secondRec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["shortages"] == nil {
		t.Fatalf("expected shortages in conflict payload, got %v", body)
	}
}

func TestBalancePaymentOverpaymentReturnsBalance(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	openPayload, _ := json.Marshal(domain.BalanceOpenRequest{
		Kind:           "loan",
		ShopID:         "shop-cive",
		Name:           "Mzee Juma",
		PrincipalCents: 1000,
	})
	openReq := httptest.NewRequest(http.MethodPost, "/api/v1/balances", bytes.NewReader(openPayload))
	openReq.Header.Set("Content-Type", "application/json")
	openReq.Header.Set("Authorization", "Bearer "+token)
	openReq.Header.Set("X-CSRF-Token", csrf)
	openRec := httptest.NewRecorder()
	handler.ServeHTTP(openRec, openReq)
	if openRec.Code != http.StatusCreated {
		t.Fatalf("open balance failed: %d %s", openRec.Code, openRec.Body.String())
	}

	var opened struct {
		Balance domain.BalanceTransaction `json:"balance"`
	}
	if err := json.NewDecoder(openRec.Body).Decode(&opened); err != nil {
		t.Fatalf("decode open response: %v", err)
	}

	payPayload, _ := json.Marshal(domain.PaymentRequest{DeltaCents: -1200})
	payReq := httptest.NewRequest(http.MethodPost, "/api/v1/balances/"+opened.Balance.ID+"/payments", bytes.NewReader(payPayload))
	payReq.Header.Set("Content-Type", "application/json")
	payReq.Header.Set("Authorization", "Bearer "+token)
	payReq.Header.Set("X-CSRF-Token", csrf)
	payRec := httptest.NewRecorder()
	handler.ServeHTTP(payRec, payReq)

	if payRec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for overpayment, got %d (body: %s)", payRec.Code, payRec.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(payRec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if _, ok := body["balance_cents"]; !ok {
		t.Fatalf("expected balance_cents in conflict payload, got %v", body)
	}
}

func TestStaffCannotCreateProducts(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "staff", "staff123")
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(domain.ProductCreateRequest{
		ShopID:     "shop-cive",
		Name:       "Mchele 5kg",
		Qty:        10,
		CostCents:  900000,
		PriceCents: 1100000,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/products", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestSalesCSVExport(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	addPayload, _ := json.Marshal(domain.AddToCartRequest{ProductID: "prod-maji-01", Qty: 3})
	addReq := httptest.NewRequest(http.MethodPost, "/api/v1/cart", bytes.NewReader(addPayload))
	addReq.Header.Set("Content-Type", "application/json")
	addReq.Header.Set("Authorization", "Bearer "+token)
	addReq.Header.Set("X-CSRF-Token", csrf)
	handler.ServeHTTP(httptest.NewRecorder(), addReq)

	checkoutPayload, _ := json.Marshal(domain.CheckoutRequest{ShopID: "shop-cive"})
	checkoutReq := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewReader(checkoutPayload))
	checkoutReq.Header.Set("Content-Type", "application/json")
	checkoutReq.Header.Set("Authorization", "Bearer "+token)
	checkoutReq.Header.Set("X-CSRF-Token", csrf)
	handler.ServeHTTP(httptest.NewRecorder(), checkoutReq)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sales?shop_id=shop-cive&format=csv", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("Maji 600ml")) {
		t.Fatalf("expected product name in CSV, got %s", rec.Body.String())
	}
}

func loginAs(t *testing.T, api *API, username string, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed, status %d", username, rec.Code)
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	return payload.AccessToken
}
