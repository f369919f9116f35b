package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/YSAWORK/events-api/internal/auth"
	"github.com/YSAWORK/events-api/internal/tracing"
)

var validate = validator.New()

// AuthHandler handles account and token requests
type AuthHandler struct {
	auth   *auth.Service
	tracer tracing.Tracer
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *auth.Service, tracer tracing.Tracer) *AuthHandler {
	return &AuthHandler{
		auth:   authService,
		tracer: tracer,
	}
}

// credentialsRequest carries a register or login payload
type credentialsRequest struct {
	Email    string `json:"email" validate:"required,email,max=320"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// HandleRegister creates a new API account
func (h *AuthHandler) HandleRegister(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-auth-register")
	defer h.tracer.EndTransaction(txn)

	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and a password of at least 8 characters are required"})
		return
	}

	user, err := h.auth.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Msg("Failed to register user")
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": user.ID, "email": user.Email})
}

// HandleLogin verifies credentials and returns an access token
func (h *AuthHandler) HandleLogin(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-auth-login")
	defer h.tracer.EndTransaction(txn)

	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	token, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Msg("Failed to log in user")
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"access_token": token, "token_type": "bearer"})
}

// HandleLogout revokes the presented access token
func (h *AuthHandler) HandleLogout(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-auth-logout")
	defer h.tracer.EndTransaction(txn)

	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	if err := h.auth.Logout(c.Request.Context(), strings.TrimPrefix(header, "Bearer ")); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "could not validate credentials"})
			return
		}
		log.Error().Err(err).Msg("Failed to revoke token")
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
		return
	}

	c.Status(http.StatusNoContent)
}
