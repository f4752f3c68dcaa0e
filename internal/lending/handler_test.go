package lending

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

func newRouter(t *testing.T) (http.Handler, *fixture) {
	t.Helper()
	f := setup(t)
	r := chi.NewRouter()
	NewHandler(f.svc, storagetest.Logger()).Routes(r)
	return r, f
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_BorrowAndReturn(t *testing.T) {
	h, f := newRouter(t)
	itemID := f.item(t, 1)
	f.member(t, "R001", 2)

	rec := do(h, http.MethodPost, "/loans", `{"member_id":"R001","item_id":"`+itemID+`","borrow_date":"2023-12-18","due_date":"2024-01-01"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"id":"20230001"`)
	assert.Contains(t, rec.Body.String(), `"due_date":"2024-01-01"`)

	rec = do(h, http.MethodPost, "/loans", `{"member_id":"R001","item_id":"`+itemID+`"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"no_copies_available"`)

	rec = do(h, http.MethodGet, "/loans/20230001", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"OVERDUE"`)

	rec = do(h, http.MethodGet, "/loans?state=overdue&member_id=R001", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"20230001"`)

	rec = do(h, http.MethodPost, "/returns", `{"loan_id":"20230001","return_date":"2024-01-05"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"id":"RT20240105001"`)
	assert.Contains(t, rec.Body.String(), `"overdue_days":4`)
	assert.Contains(t, rec.Body.String(), `"fine":"4"`)

	rec = do(h, http.MethodPost, "/returns", `{"loan_id":"20230001"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"already_returned"`)

	rec = do(h, http.MethodGet, "/loans/20230001/return", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"return_date":"2024-01-05"`)

	rec = do(h, http.MethodGet, "/returns/RT20240105001", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodGet, "/returns?from=2024-01-01&to=2024-01-31", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"loan_id":"20230001"`)
}

func TestHandler_Batches(t *testing.T) {
	h, f := newRouter(t)
	itemID := f.item(t, 2)
	f.member(t, "R001", 5)

	rec := do(h, http.MethodPost, "/loans/batch", `{"member_id":"R001","lines":[{"item_id":"`+itemID+`","quantity":3}]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(h, http.MethodPost, "/loans/batch", `{"member_id":"R001","lines":[{"item_id":"`+itemID+`","quantity":2}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"id":"20240001"`)
	assert.Contains(t, rec.Body.String(), `"id":"20240002"`)

	rec = do(h, http.MethodPost, "/returns/batch", `{"loan_ids":["20240001","20249999"],"mode":"strict"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodPost, "/returns/batch", `{"loan_ids":["20240001","20249999"],"mode":"partial"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := rec.Body.String()
	assert.Contains(t, body, `"return_id":"RT20240310001"`)
	assert.Contains(t, body, `"code":"loan_not_found"`)

	rec = do(h, http.MethodPost, "/returns/batch", `{"loan_ids":["20240002"],"mode":"sometimes"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_MaintenanceAndStatistics(t *testing.T) {
	h, f := newRouter(t)
	itemID := f.item(t, 2)
	f.member(t, "R001", 5)

	rec := do(h, http.MethodPost, "/loans", `{"member_id":"R001","item_id":"`+itemID+`","borrow_date":"2024-02-01","due_date":"2024-02-10"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(h, http.MethodPost, "/maintenance/overdue-sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":1}`, rec.Body.String())

	rec = do(h, http.MethodGet, "/statistics/overview", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total_titles":1,"total_copies":2,"total_members":1,"loans_out":1,"overdue":1}`, rec.Body.String())

	rec = do(h, http.MethodGet, "/statistics/popular?top=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"borrow_count":1`)
}

func TestHandler_BadInput(t *testing.T) {
	h, _ := newRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"malformed body", http.MethodPost, "/loans", `{`, http.StatusBadRequest},
		{"bad date", http.MethodPost, "/loans", `{"member_id":"R001","item_id":"41","borrow_date":"10/03/2024"}`, http.StatusBadRequest},
		{"bad state", http.MethodGet, "/loans?state=lost", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/loans?limit=-1", "", http.StatusBadRequest},
		{"unknown loan", http.MethodGet, "/loans/nope", "", http.StatusNotFound},
		{"unknown member", http.MethodPost, "/loans", `{"member_id":"R404","item_id":"41"}`, http.StatusNotFound},
		{"bad top", http.MethodGet, "/statistics/popular?top=x", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}
