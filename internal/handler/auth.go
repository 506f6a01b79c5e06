package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rocket-sync-lite/internal/auth"
	"rocket-sync-lite/internal/logger"
	"rocket-sync-lite/internal/middleware"
)

type AuthHandler struct {
	Keys        auth.KeySet
	TokenConfig auth.TokenConfig
	Limiter     *middleware.RateLimiter
	Now         func() time.Time
}

type authBody struct {
	PublicKey string `json:"publicKey"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
}

// Auth exchanges a signed timestamp challenge from an allowed key for a
// bearer token.
func (h *AuthHandler) Auth(c *gin.Context) {
	if h.Limiter != nil && !h.Limiter.Allow("auth:"+c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
		return
	}

	var body authBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	if err := h.Keys.VerifyChallenge(body.PublicKey, body.Challenge, body.Signature, now()); err != nil {
		logger.WarnF("control api: rejected sign-in from %s: %v", c.ClientIP(), err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	token, err := auth.CreateToken(body.PublicKey, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}
