package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestMiddleware_SetsIdentity(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set(HeaderUserID, "user_42")
	c.Request.Header.Set(HeaderUserRole, "Staff")

	Middleware()(c)

	if got := GetUserID(c); got != "user_42" {
		t.Errorf("Expected user_42, got %q", got)
	}
	if !IsStaff(c) {
		t.Error("Expected staff role to be recognized")
	}
}

func TestMiddleware_NoHeader(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set(HeaderUserRole, RoleStaff)

	Middleware()(c)

	if GetUserID(c) != "" || IsStaff(c) {
		t.Error("Role without a user must not grant anything")
	}
}

func TestRequireUser(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/me", RequireUser(), func(c *gin.Context) { c.String(http.StatusOK, GetUserID(c)) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without identity, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set(HeaderUserID, "buyer_1")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "buyer_1" {
		t.Errorf("Expected 200 buyer_1, got %d %q", w.Code, w.Body.String())
	}
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"correct secret", "s3cret", "s3cret", http.StatusOK},
		{"wrong secret", "s3cret", "nope", http.StatusUnauthorized},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"not configured", "", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.POST("/admin", RequireAdmin(tt.secret), func(c *gin.Context) {
				c.String(http.StatusOK, ActorID(c))
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/admin", nil)
			if tt.header != "" {
				req.Header.Set(HeaderAdminSecret, tt.header)
			}
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
			if tt.want == http.StatusOK && w.Body.String() != "admin" {
				t.Errorf("Expected actor admin, got %q", w.Body.String())
			}
		})
	}
}
