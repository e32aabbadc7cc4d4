package inventory_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/costledger/internal/inventory"
	"github.com/odyssey-erp/costledger/internal/platform/httpx"
	"github.com/odyssey-erp/costledger/internal/rbac"
)

func newTestRouter(f *fixture) http.Handler {
	mw := rbac.Middleware{}
	r := chi.NewRouter()
	r.Use(mw.ResolveActor)
	r.Route("/inventory", inventory.NewHandler(nil, f.svc, mw).MountRoutes)
	return r
}

func doRequest(t *testing.T, h http.Handler, method, path string, actor rbac.Actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if actor.Identified() {
		req.Header.Set(rbac.HeaderActorID, strconv.FormatInt(actor.ID, 10))
		req.Header.Set(rbac.HeaderActorRole, actor.Role.String())
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) httpx.ProblemDetail {
	t.Helper()
	var p httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestHandlerReceiveAndSale(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	h := newTestRouter(f)

	rec := doRequest(t, h, http.MethodPost, "/inventory/receipts", staff,
		`{"branch_id":1,"item_id":100,"quantity":"100","unit_cost":"10","receipt_date":"2024-01-01","reference":"GRN-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = doRequest(t, h, http.MethodPost, "/inventory/receipts", staff,
		`{"branch_id":1,"item_id":100,"quantity":"50","unit_cost":"12","receipt_date":"2024-01-05"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(t, h, http.MethodPost, "/inventory/sales", staff,
		`{"branch_id":1,"item_id":100,"quantity":"120","sale_id":"SO-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sale struct {
		Entries []struct {
			Quantity string `json:"quantity"`
			UnitCost string `json:"unit_cost"`
		} `json:"entries"`
		TotalCost string `json:"total_cost"`
		Stock     struct {
			Quantity string `json:"quantity"`
		} `json:"stock"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sale))
	require.Len(t, sale.Entries, 2)
	require.Equal(t, "1240", sale.TotalCost)
	require.Equal(t, "30", sale.Stock.Quantity)

	rec = doRequest(t, h, http.MethodGet, "/inventory/stock?branch_id=1&item_id=100", staff, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"quantity":"30"`)

	rec = doRequest(t, h, http.MethodGet, "/inventory/layers?branch_id=1&item_id=100&all=true", staff, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var layers struct {
		Layers []map[string]any `json:"layers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &layers))
	require.Len(t, layers.Layers, 2)
}

func TestHandlerMapsErrorKinds(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	h := newTestRouter(f)

	rec := doRequest(t, h, http.MethodPost, "/inventory/sales", staff,
		`{"branch_id":1,"item_id":100,"quantity":"5","sale_id":"SO-1"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	p := decodeProblem(t, rec)
	require.Equal(t, "state", p.Kind)
	require.Equal(t, "insufficient_stock", p.Code)

	rec = doRequest(t, h, http.MethodPost, "/inventory/receipts", staff,
		`{"branch_id":1,"item_id":100,"quantity":"0","unit_cost":"1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_quantity", decodeProblem(t, rec).Code)

	rec = doRequest(t, h, http.MethodPost, "/inventory/receipts", staff,
		`{"branch_id":1,"item_id":100,"quantity":"0.00001","unit_cost":"1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_precision", decodeProblem(t, rec).Code)

	rec = doRequest(t, h, http.MethodGet, "/inventory/adjustments/42", staff, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "adjustment_not_found", decodeProblem(t, rec).Code)
}

func TestHandlerRejectsMalformedRequests(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	h := newTestRouter(f)

	rec := doRequest(t, h, http.MethodPost, "/inventory/receipts", staff, `{"branch_id":1,"item_id":100,"bogus":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/inventory/adjustments", manager,
		`{"branch_id":1,"item_id":100,"type":"MOVE","reason":"DAMAGE","quantity":"1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	require.Contains(t, p.Fields, "type")

	rec = doRequest(t, h, http.MethodGet, "/inventory/stock?branch_id=x", staff, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	p = decodeProblem(t, rec)
	require.Contains(t, p.Fields, "branch_id")
	require.Contains(t, p.Fields, "item_id")

	rec = doRequest(t, h, http.MethodGet, "/inventory/movements?branch_id=1&item_id=100&from=01-02-2024", staff, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerEnforcesRoles(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	h := newTestRouter(f)

	rec := doRequest(t, h, http.MethodGet, "/inventory/stock?branch_id=1&item_id=100", rbac.Actor{}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	body := `{"branch_id":1,"item_id":100,"type":"INCREASE","reason":"STOCK_COUNT","quantity":"40","unit_cost":"15"}`
	rec = doRequest(t, h, http.MethodPost, "/inventory/adjustments", staff, body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/inventory/adjustments", manager, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Adjustment struct {
			ID          int64  `json:"id"`
			Status      string `json:"status"`
			SupplyPrice string `json:"supply_price"`
			TaxAmount   string `json:"tax_amount"`
		} `json:"adjustment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "ACTIVE", created.Adjustment.Status)
	require.Equal(t, "545.45", created.Adjustment.SupplyPrice)
	require.Equal(t, "54.55", created.Adjustment.TaxAmount)

	cancelPath := "/inventory/adjustments/" + strconv.FormatInt(created.Adjustment.ID, 10) + "/cancel"
	rec = doRequest(t, h, http.MethodPost, cancelPath, manager, `{"reason":"typo"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, h, http.MethodPost, cancelPath, director, `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, cancelPath, director, `{"reason":"typo"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"status":"CANCELLED"`)

	rec = doRequest(t, h, http.MethodPost, cancelPath, director, `{"reason":"typo"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "already_cancelled", decodeProblem(t, rec).Code)

	rec = doRequest(t, h, http.MethodGet, "/inventory/integrity?branch_id=1&item_id=100", director, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok":true`)
}

func TestHandlerIdempotencyHeader(t *testing.T) {
	f := newFixture(t, inventory.ServiceConfig{})
	h := newTestRouter(f)
	body := `{"branch_id":1,"item_id":100,"quantity":"5","unit_cost":"2"}`

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/inventory/receipts", strings.NewReader(body))
		req.Header.Set(rbac.HeaderActorID, "11")
		req.Header.Set(rbac.HeaderActorRole, "staff")
		req.Header.Set(inventory.HeaderIdempotencyKey, "grn-77")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusCreated, send())
	require.Equal(t, http.StatusConflict, send())

	rec := doRequest(t, h, http.MethodGet, "/inventory/movements?branch_id=1&item_id=100", staff, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report struct {
		Rows    []map[string]any `json:"rows"`
		Closing string           `json:"closing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Rows, 1)
	require.Equal(t, "5", report.Closing)
}
