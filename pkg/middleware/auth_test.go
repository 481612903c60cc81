package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const testSecret = "test-secret-key"

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(cfg *AuthConfig) *gin.Engine {
	router := gin.New()
	router.Use(JWTAuth(cfg))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/api/v1/sagas/:partnerID", func(c *gin.Context) {
		userID, _ := c.Get("user_id")
		c.JSON(http.StatusOK, gin.H{"user_id": userID})
	})
	return router
}

func TestJWTAuth_MissingHeader(t *testing.T) {
	router := setupRouter(&AuthConfig{Secret: testSecret})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/p-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestJWTAuth_InvalidFormat(t *testing.T) {
	router := setupRouter(&AuthConfig{Secret: testSecret})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/p-1", nil)
	req.Header.Set("Authorization", "Token abc")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestJWTAuth_ValidToken(t *testing.T) {
	router := setupRouter(&AuthConfig{Secret: testSecret, Issuer: "saga-coordinator"})

	token, err := SignToken("user-1", "operator", testSecret, "saga-coordinator", time.Minute)
	if err != nil {
		t.Fatalf("SignToken() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/p-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}
}

func TestJWTAuth_WrongSecret(t *testing.T) {
	router := setupRouter(&AuthConfig{Secret: testSecret})

	token, err := SignToken("user-1", "operator", "other-secret", "", time.Minute)
	if err != nil {
		t.Fatalf("SignToken() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/p-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestJWTAuth_ExpiredToken(t *testing.T) {
	router := setupRouter(&AuthConfig{Secret: testSecret})

	token, err := SignToken("user-1", "operator", testSecret, "", -time.Minute)
	if err != nil {
		t.Fatalf("SignToken() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/p-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestJWTAuth_WrongIssuer(t *testing.T) {
	router := setupRouter(&AuthConfig{Secret: testSecret, Issuer: "saga-coordinator"})

	token, err := SignToken("user-1", "operator", testSecret, "someone-else", time.Minute)
	if err != nil {
		t.Fatalf("SignToken() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/p-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestJWTAuth_SkipPath(t *testing.T) {
	router := setupRouter(&AuthConfig{Secret: testSecret, SkipPaths: []string{"/health"}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestValidateToken_ClaimExtraction(t *testing.T) {
	token, err := SignToken("user-9", "admin", testSecret, "saga-coordinator", time.Minute)
	if err != nil {
		t.Fatalf("SignToken() error = %v", err)
	}

	claims, err := ValidateToken(token, testSecret, "saga-coordinator")
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}

	if claims.Subject != "user-9" {
		t.Errorf("Subject = %q, want user-9", claims.Subject)
	}

	if claims.Role != "admin" {
		t.Errorf("Role = %q, want admin", claims.Role)
	}
}
