package wallet

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newTestLedger(t)
	router := gin.New()
	l.RegisterRoutes(router.Group("/api/v1"))

	do := func(method, path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/api/v1/accounts/alice", "").Code)
	assert.Equal(t, http.StatusCreated, do(http.MethodPost, "/api/v1/accounts/alice", "").Code)
	assert.Equal(t, http.StatusConflict, do(http.MethodPost, "/api/v1/accounts/alice", "").Code)

	w := do(http.MethodPost, "/api/v1/accounts/alice/deposit", `{"currency":1000,"inventory":20}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"available_currency":1000`)
	assert.Contains(t, w.Body.String(), `"available_inventory":20`)

	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/api/v1/accounts/alice/deposit", `{"currency":-1}`).Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/api/v1/accounts/bob/deposit", `{"currency":1}`).Code)

	w = do(http.MethodGet, "/api/v1/accounts/alice/settlements", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}
