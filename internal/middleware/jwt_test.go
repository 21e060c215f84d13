package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, key any, role string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(method, OperatorClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	s, err := token.SignedString(key)
	require.NoError(t, err)
	return s
}

func serve(secret, header string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.DELETE("/rooms/:room", OperatorAuth(secret), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("operator"))
	})

	req := httptest.NewRequest(http.MethodDelete, "/rooms/r1", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestOperatorAuth(t *testing.T) {
	valid := sign(t, jwt.SigningMethodHS256, []byte(secret), RoleOperator, time.Now().Add(time.Hour))

	tests := []struct {
		name   string
		secret string
		header string
		status int
	}{
		{"valid token", secret, "Bearer " + valid, http.StatusOK},
		{"disabled without secret", "", "Bearer " + valid, http.StatusForbidden},
		{"missing header", secret, "", http.StatusUnauthorized},
		{"malformed header", secret, "Token " + valid, http.StatusUnauthorized},
		{"wrong secret", "other", "Bearer " + valid, http.StatusUnauthorized},
		{"expired", secret, "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), RoleOperator, time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"wrong role", secret, "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), "participant", time.Now().Add(time.Hour)), http.StatusForbidden},
		{"none algorithm", secret, "Bearer " + sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, RoleOperator, time.Now().Add(time.Hour)), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(tt.secret, tt.header)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "ops", rec.Body.String())
			}
		})
	}
}
