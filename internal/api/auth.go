package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"crypto-signal-engine/config"
)

// operatorClaims is the token payload for the single-operator API.
type operatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// authManager issues and validates operator tokens. Login exchanges the
// admin token (stored as a bcrypt hash) for a short-lived JWT.
type authManager struct {
	cfg config.AuthConfig
}

func newAuthManager(cfg config.AuthConfig) *authManager {
	return &authManager{cfg: cfg}
}

// login verifies the presented admin token against the stored hash.
func (a *authManager) login(token string) (string, error) {
	if err := bcrypt.CompareHashAndPassword([]byte(a.cfg.AdminTokenBcrypt), []byte(token)); err != nil {
		return "", fmt.Errorf("invalid credentials")
	}
	return a.issue()
}

func (a *authManager) issue() (string, error) {
	now := time.Now()
	claims := operatorClaims{
		Role: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TokenDuration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.JWTSecret))
}

func (a *authManager) validate(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &operatorClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// middleware rejects requests without a valid bearer token. Disabled auth
// lets everything through, for local development.
func (a *authManager) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.cfg.Enabled {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if err := a.validate(strings.TrimPrefix(header, "Bearer ")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
