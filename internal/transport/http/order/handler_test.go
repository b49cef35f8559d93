package order

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/bulkbuy/internal/cache"
	"github.com/Additional-Code/bulkbuy/internal/dto"
	"github.com/Additional-Code/bulkbuy/internal/entity"
	"github.com/Additional-Code/bulkbuy/internal/repository/ledger"
	service "github.com/Additional-Code/bulkbuy/internal/service/order"
)

type fakeReader struct{}

func (fakeReader) GetOrder(_ context.Context, id int64) (*entity.Order, error) {
	if id != 3 {
		return nil, ledger.ErrNotFound
	}
	return &entity.Order{
		ID:                3,
		TeamID:            1,
		Status:            entity.OrderStatusPending,
		MinimumThreshold:  decimal.NewFromInt(100),
		AccumulatedAmount: decimal.RequireFromString("42.5"),
		Deadline:          time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (fakeReader) FindPayments(context.Context, ledger.PaymentFilter) ([]entity.Payment, error) {
	return []entity.Payment{{ID: 5, OrderID: 3, UserID: 9, Amount: decimal.RequireFromString("42.5"), Status: entity.PaymentStatusIntentCreated}}, nil
}

func serve(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	Register(e, NewHandler(service.New(fakeReader{}, cache.NewMemory(time.Minute), time.Minute, zap.NewNop())))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestGetOrder(t *testing.T) {
	rec := serve(t, "/orders/3")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success bool              `json:"success"`
		Data    dto.OrderResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "PENDING", body.Data.Status)
	assert.Equal(t, "100.00", body.Data.MinimumThreshold)
	assert.Equal(t, "42.50", body.Data.AccumulatedAmount)
	assert.Equal(t, "0.00", body.Data.CapturedAmount)
	require.Len(t, body.Data.Payments, 1)
	assert.Equal(t, "INTENT_CREATED", body.Data.Payments[0].Status)
}

func TestGetOrderErrors(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, serve(t, "/orders/4").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, "/orders/abc").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, serve(t, "/orders/0").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, serve(t, "/orders/-3").Code)
}
