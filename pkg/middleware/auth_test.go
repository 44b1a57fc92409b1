package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newAuthRouter(token string, required bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/guarded", BearerAuthMiddleware(token, required), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestBearerAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		required   bool
		authHeader string
		wantStatus int
	}{
		{"matching token", "secret", true, "Bearer secret", http.StatusOK},
		{"wrong token", "secret", true, "Bearer wrong", http.StatusUnauthorized},
		{"missing header", "secret", true, "", http.StatusUnauthorized},
		{"malformed header", "secret", true, "Token secret", http.StatusUnauthorized},
		{"lowercase scheme accepted", "secret", true, "bearer secret", http.StatusOK},
		{"auth disabled passes everything", "secret", false, "", http.StatusOK},
		{"required without configured token", "", true, "Bearer anything", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newAuthRouter(tt.token, tt.required)
			req := httptest.NewRequest(http.MethodPost, "/guarded", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus == http.StatusUnauthorized && !strings.Contains(w.Body.String(), `"ok":false`) {
				t.Errorf("401 body should carry the ingest envelope, got %s", w.Body.String())
			}
		})
	}
}

func TestBearerAuthMiddleware_MismatchMentionsInvalid(t *testing.T) {
	r := newAuthRouter("secret", true)
	req := httptest.NewRequest(http.MethodPost, "/guarded", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid") {
		t.Errorf("mismatch error should mention \"invalid\", got %s", w.Body.String())
	}
}
