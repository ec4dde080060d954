package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/mysterybox-system/internal/middleware"
	"github.com/mmeshcher/mysterybox-system/internal/model"
	"github.com/mmeshcher/mysterybox-system/internal/repository"
	"github.com/mmeshcher/mysterybox-system/internal/service"
)

type stubService struct {
	registerUserID int64
	registerErr    error

	authUserID int64
	authErr    error

	purchaseOrder *model.Order
	purchaseErr   error

	ordersResp []model.Order
	ordersErr  error

	allOrdersResp []model.Order
	allOrdersErr  error

	ownedResp []model.Product
	ownedErr  error

	balanceResp *model.Balance
	balanceErr  error

	topUpID  int64
	topUpErr error

	listingsResp []model.Listing
	listingsErr  error
}

func (s *stubService) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	return s.authUserID, s.authErr
}

func (s *stubService) Purchase(ctx context.Context, userID, boxID int64) (*model.Order, error) {
	return s.purchaseOrder, s.purchaseErr
}

func (s *stubService) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.ordersResp, s.ordersErr
}

func (s *stubService) GetAllOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.allOrdersResp, s.allOrdersErr
}

func (s *stubService) GetOwnedProducts(ctx context.Context, userID int64) ([]model.Product, error) {
	return s.ownedResp, s.ownedErr
}

func (s *stubService) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) RequestTopUp(ctx context.Context, userID, amount int64) (int64, error) {
	return s.topUpID, s.topUpErr
}

func (s *stubService) GetListings(ctx context.Context) ([]model.Listing, error) {
	return s.listingsResp, s.listingsErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

// authorizedRequest создаёт запрос с валидным cookie авторизации.
func authorizedRequest(t *testing.T, h *Handler, method, target string, body *bytes.Reader) *http.Request {
	t.Helper()

	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, body)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, 1)
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("no auth cookie set")
	}
	req.AddCookie(cookies[0])

	return req
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		registerUserID: 42,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("auth cookie not set on register")
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{
		registerErr: repository.ErrUserExists,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{
		authErr: repository.ErrUserNotFound,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "user",
		Password: "wrong",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestBuyBox_Success(t *testing.T) {
	svc := &stubService{
		purchaseOrder: &model.Order{
			ID:           7,
			UserID:       1,
			BoxID:        2,
			ProductID:    3,
			ProductTitle: "Figure A",
			Status:       model.OrderStatusPending,
			CreatedAt:    time.Now(),
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := authorizedRequest(t, h, http.MethodPost, "/api/user/buy/2", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got orderResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != 7 || got.ProductID != 3 || got.ProductTitle != "Figure A" {
		t.Fatalf("unexpected order response: %+v", got)
	}
}

func TestBuyBox_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "insufficient points", err: repository.ErrInsufficientPoints, want: http.StatusPaymentRequired},
		{name: "box not found", err: repository.ErrBoxNotFound, want: http.StatusNotFound},
		{name: "nothing to draw", err: service.ErrNothingToDraw, want: http.StatusConflict},
		{name: "infrastructure", err: context.DeadlineExceeded, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{purchaseErr: tt.err}
			h := newTestHandler(t, svc)
			router := h.SetupRouter()

			req := authorizedRequest(t, h, http.MethodPost, "/api/user/buy/2", nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Result().StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", rec.Result().StatusCode, tt.want)
			}
		})
	}
}

func TestBuyBox_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/user/buy/2", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestBuyBox_BadBoxID(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := authorizedRequest(t, h, http.MethodPost, "/api/user/buy/abc", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestGetOrders_Empty(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := authorizedRequest(t, h, http.MethodGet, "/api/user/orders", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNoContent)
	}
}

func TestGetOrders_List(t *testing.T) {
	svc := &stubService{
		ordersResp: []model.Order{
			{ID: 1, BoxID: 2, ProductID: 3, ProductTitle: "Figure B", Status: model.OrderStatusPending, CreatedAt: time.Now()},
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := authorizedRequest(t, h, http.MethodGet, "/api/user/orders", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got []orderResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].ProductTitle != "Figure B" {
		t.Fatalf("unexpected orders: %+v", got)
	}
}

func TestGetAllOrders_Forbidden(t *testing.T) {
	svc := &stubService{
		allOrdersErr: service.ErrNotSuperuser,
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := authorizedRequest(t, h, http.MethodGet, "/api/orders", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusForbidden)
	}
}

func TestGetBalance(t *testing.T) {
	svc := &stubService{
		balanceResp: &model.Balance{Points: 150},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := authorizedRequest(t, h, http.MethodGet, "/api/user/balance", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got model.Balance
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Points != 150 {
		t.Fatalf("points = %d, want 150", got.Points)
	}
}

func TestTopUp_Accepted(t *testing.T) {
	svc := &stubService{topUpID: 9}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	body, _ := json.Marshal(topUpRequest{Amount: 100})
	req := authorizedRequest(t, h, http.MethodPost, "/api/user/balance/topup", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}

	var got topUpResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != 9 {
		t.Fatalf("topup id = %d, want 9", got.ID)
	}
}

func TestTopUp_InvalidAmount(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	body, _ := json.Marshal(topUpRequest{Amount: -5})
	req := authorizedRequest(t, h, http.MethodPost, "/api/user/balance/topup", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestGetListings_Public(t *testing.T) {
	svc := &stubService{
		listingsResp: []model.Listing{
			{ID: 1, Title: "Ichiban Kuji", BoxCount: 1},
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	// Каталог доступен без авторизации.
	req := httptest.NewRequest(http.MethodGet, "/api/listings", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got []model.Listing
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].Title != "Ichiban Kuji" {
		t.Fatalf("unexpected listings: %+v", got)
	}
}
