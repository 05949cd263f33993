package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/validator"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	authService *service.AuthService
	devMode     bool
}

// NewAuthHandler creates a new AuthHandler. Token minting is only served
// when devMode is set.
func NewAuthHandler(authService *service.AuthService, devMode bool) *AuthHandler {
	return &AuthHandler{authService: authService, devMode: devMode}
}

// DevToken godoc
// POST /api/v1/dev/token
// Mints a candidate JWT for the given user id. Development fixture only.
func (h *AuthHandler) DevToken(c *gin.Context) {
	if !h.devMode {
		response.Fail(c, http.StatusForbidden, response.ErrDevOnly)
		return
	}

	var req model.DevTokenRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	token, expires, err := h.authService.GenerateStudentToken(req.UserID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusCreated, model.DevTokenResponse{Token: token, ExpiresAt: expires})
}

// Me godoc
// GET /api/v1/auth/me
// Returns the identity carried by the bearer token.
func (h *AuthHandler) Me(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"user_id":    claims.UserID,
		"token_type": claims.TokenType,
		"expires_at": claims.ExpiresAt,
	})
}
