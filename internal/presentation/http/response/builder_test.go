package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Additional-Code/bulkbuy/pkg/errorbank"
)

func newContext() (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	rec := httptest.NewRecorder()
	return e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec), rec
}

func TestSuccessCarriesRequestID(t *testing.T) {
	c, rec := newContext()
	c.Response().Header().Set(echo.HeaderXRequestID, "req-1")

	require.NoError(t, New(c).WithStatus(http.StatusAccepted).WithData(map[string]int{"processed": 3}).Build())

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var body struct {
		Success bool           `json:"success"`
		Data    map[string]int `json:"data"`
		Meta    map[string]any `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 3, body.Data["processed"])
	assert.Equal(t, "req-1", body.Meta["request_id"])
}

func TestErrorRendersKindAndRetryAfter(t *testing.T) {
	c, rec := newContext()

	err := errorbank.Unavailable("settlement stage timed out", errorbank.WithRetryAfter(1500*time.Millisecond))
	require.NoError(t, New(c).WithError(err).Build())

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"kind":"unavailable"`)
	assert.NotContains(t, rec.Body.String(), `"meta"`)
}
