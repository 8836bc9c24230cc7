package dispute

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/accountbazaar/escrowd/internal/auth"
	"github.com/accountbazaar/escrowd/internal/trade"
	"github.com/accountbazaar/escrowd/internal/trade/tradetest"
)

const testAdminSecret = "s3cret"

func setupTestRouter(t *testing.T) (*gin.Engine, *tradetest.Fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, f, _ := newTestService(t)
	handler := NewHandler(svc)

	r := gin.New()
	r.Use(auth.Middleware())
	v1 := r.Group("/v1")
	protected := v1.Group("")
	protected.Use(auth.RequireUser())
	handler.RegisterProtectedRoutes(protected)
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(testAdminSecret))
	handler.RegisterAdminRoutes(admin)
	return r, f
}

func request(r *gin.Engine, method, path string, headers map[string]string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func as(user string) map[string]string { return map[string]string{auth.HeaderUserID: user} }

var asAdmin = map[string]string{auth.HeaderAdminSecret: testAdminSecret}

func TestHandler_DisputeLifecycle(t *testing.T) {
	router, f := setupTestRouter(t)
	p := f.Purchase(t, "buyer", "seller", "100.00")
	f.Fund(t, p.Transaction.ID)

	w := request(router, "POST", "/v1/transactions/"+p.Transaction.ID+"/dispute", as("buyer"),
		map[string]string{"reason": "wrong_rank", "description": "account is not diamond"})
	if w.Code != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var opened struct {
		Dispute trade.Dispute `json:"dispute"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &opened); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := opened.Dispute.ID

	if w := request(router, "GET", "/v1/disputes/"+id, as("stranger"), nil); w.Code != http.StatusNotFound {
		t.Errorf("stranger read: expected 404, got %d", w.Code)
	}
	if w := request(router, "POST", "/v1/disputes/"+id+"/evidence", as("buyer"),
		map[string]string{"attachmentUrl": "https://cdn.example/rank.png"}); w.Code != http.StatusCreated {
		t.Errorf("evidence: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := request(router, "POST", "/v1/admin/disputes/"+id+"/messages", asAdmin,
		map[string]interface{}{"body": "checking seller history", "internal": true}); w.Code != http.StatusCreated {
		t.Errorf("internal note: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = request(router, "GET", "/v1/disputes/"+id+"/messages", as("seller"), nil)
	var msgs struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &msgs)
	if msgs.Count != 1 {
		t.Errorf("seller should see 1 message, got %d", msgs.Count)
	}

	if w := request(router, "POST", "/v1/admin/disputes/"+id+"/resolve", as("buyer"),
		map[string]string{"resolution": "refund"}); w.Code != http.StatusUnauthorized {
		t.Errorf("resolve without secret: expected 401, got %d", w.Code)
	}
	if w := request(router, "POST", "/v1/admin/disputes/"+id+"/resolve", asAdmin,
		map[string]string{"resolution": "refund", "note": "no delivery"}); w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := request(router, "POST", "/v1/admin/disputes/"+id+"/resolve", asAdmin,
		map[string]string{"resolution": "payout"}); w.Code != http.StatusConflict {
		t.Errorf("second resolve: expected 409, got %d", w.Code)
	}

	if got := f.Transaction(t, p.Transaction.ID).Status; got != trade.StatusRefunded {
		t.Errorf("transaction status %s", got)
	}
}

func TestHandler_OpenRequiresReason(t *testing.T) {
	router, f := setupTestRouter(t)
	p := f.Purchase(t, "buyer", "seller", "10.00")
	f.Fund(t, p.Transaction.ID)

	w := request(router, "POST", "/v1/transactions/"+p.Transaction.ID+"/dispute", as("buyer"), map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandler_ListOverdue(t *testing.T) {
	router, _ := setupTestRouter(t)
	w := request(router, "GET", "/v1/admin/disputes/overdue", asAdmin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
