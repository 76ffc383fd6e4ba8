package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(v *Verifier, guards ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(v))
	handlers := append(guards, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": UserID(c), "role": Role(c)})
	})
	r.GET("/test", handlers...)
	return r
}

func do(r *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestVerify_RoundTrip(t *testing.T) {
	v := NewVerifier("secret", "hireloop")
	token, err := v.Issue("user_1", RoleClient, time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "user_1" || claims.Role != RoleClient {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	token, _ := NewVerifier("other", "").Issue("user_1", RoleClient, time.Hour)
	if _, err := NewVerifier("secret", "").Verify(token); err == nil {
		t.Fatal("expected error for token signed with another secret")
	}
}

func TestVerify_RejectsExpired(t *testing.T) {
	v := NewVerifier("secret", "")
	token, _ := v.Issue("user_1", RoleClient, -time.Minute)
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerify_RejectsNoneAlgorithm(t *testing.T) {
	claims := Claims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory"}}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := NewVerifier("secret", "").Verify(token); err == nil {
		t.Fatal("expected error for unsigned token")
	}
}

func TestRequireAuth(t *testing.T) {
	v := NewVerifier("secret", "")
	r := newRouter(v, RequireAuth())

	if w := do(r, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", w.Code)
	}
	if w := do(r, "garbage"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", w.Code)
	}

	token, _ := v.Issue("user_1", RoleClient, time.Hour)
	if w := do(r, token); w.Code != http.StatusOK {
		t.Errorf("valid token: expected 200, got %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	v := NewVerifier("secret", "")
	r := newRouter(v, RequireRole(RoleAdmin))

	client, _ := v.Issue("user_1", RoleClient, time.Hour)
	if w := do(r, client); w.Code != http.StatusForbidden {
		t.Errorf("client: expected 403, got %d", w.Code)
	}

	admin, _ := v.Issue("ops_1", RoleAdmin, time.Hour)
	if w := do(r, admin); w.Code != http.StatusOK {
		t.Errorf("admin: expected 200, got %d", w.Code)
	}
}
