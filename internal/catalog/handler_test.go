package catalog

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/storage/storagetest"
)

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	svc, _, _ := setupService(t)
	r := chi.NewRouter()
	NewHandler(svc, storagetest.Logger()).Routes(r)
	return r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ItemLifecycle(t *testing.T) {
	h := newRouter(t)

	rec := do(h, http.MethodPost, "/items", `{"title":"Dune","total_copies":2}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"id":"41"`)

	rec = do(h, http.MethodPatch, "/items/41/stock", `{"delta":-3}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"stock_underflow"`)

	rec = do(h, http.MethodPatch, "/items/41/stock", `{"delta":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_copies":3`)

	rec = do(h, http.MethodPut, "/items/41", `{"author":"Herbert","total_copies":99}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"author":"Herbert"`)
	assert.Contains(t, rec.Body.String(), `"total_copies":3`)

	rec = do(h, http.MethodPut, "/items/41", `{"title":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodGet, "/items?q=dune", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"title":"Dune"`)

	rec = do(h, http.MethodDelete, "/items/41", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"retired"`)
}

func TestHandler_Errors(t *testing.T) {
	h := newRouter(t)

	rec := do(h, http.MethodGet, "/items/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"not_found"`)

	rec = do(h, http.MethodPost, "/items", `{"title":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"invalid_request"`)

	rec = do(h, http.MethodGet, "/items?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
