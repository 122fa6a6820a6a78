package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims identifies the operator behind a control API request.
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// TokenAuthority issues and validates HS256 control API tokens.
type TokenAuthority struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenAuthority(secret string, ttl time.Duration) *TokenAuthority {
	return &TokenAuthority{secret: []byte(secret), ttl: ttl}
}

func (a *TokenAuthority) Issue(operator string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *TokenAuthority) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// AuthMiddleware requires a valid bearer token. A nil authority lets every
// request through.
func AuthMiddleware(authority *TokenAuthority) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authority == nil {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims, err := authority.Validate(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set("operator", claims.Operator)
		c.Next()
	}
}

// QueryTokenAuthMiddleware accepts the token as ?token= as well, for
// websocket clients that cannot set headers.
func QueryTokenAuthMiddleware(authority *TokenAuthority) gin.HandlerFunc {
	header := AuthMiddleware(authority)
	return func(c *gin.Context) {
		if token := c.Query("token"); token != "" && c.GetHeader("Authorization") == "" {
			c.Request.Header.Set("Authorization", "Bearer "+token)
		}
		header(c)
	}
}
