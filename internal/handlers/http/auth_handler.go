package http

import (
	"net/http"
	"time"

	"rillmix/internal/infrastructure/middleware"
	"rillmix/pkg/errors"

	"github.com/gin-gonic/gin"
)

// AuthHandler rotates control API tokens for authenticated operators.
type AuthHandler struct {
	authority *middleware.TokenAuthority
	ttl       time.Duration
}

func NewAuthHandler(authority *middleware.TokenAuthority, ttl time.Duration) *AuthHandler {
	return &AuthHandler{authority: authority, ttl: ttl}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth", middleware.AuthMiddleware(h.authority))
	{
		api.POST("/refresh", h.RefreshToken)
	}
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	operator := c.GetString("operator")
	if operator == "" {
		c.Error(errors.NewUnauthorizedError("operator missing from token"))
		return
	}

	token, err := h.authority.Issue(operator)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to issue token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"expires_in":   int(h.ttl / time.Second),
	})
}
