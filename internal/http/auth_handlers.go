package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tackle-tarts/giveaway-backend/internal/common/errors"
	"github.com/tackle-tarts/giveaway-backend/internal/service/auth"
)

type AuthHandlers struct {
	auth *auth.Service
}

func NewAuthHandlers(a *auth.Service) *AuthHandlers {
	return &AuthHandlers{auth: a}
}

func (h *AuthHandlers) Register(r gin.IRouter) {
	r.POST("/signup", h.signup)
	r.POST("/login", h.login)
}

func (h *AuthHandlers) signup(c *gin.Context) {
	var in auth.Credentials
	if err := c.ShouldBindJSON(&in); err != nil {
		_ = c.Error(errors.Wrap(err, errors.ErrCodeBadRequest, "Invalid request body"))
		return
	}
	tok, err := h.auth.Signup(c.Request.Context(), in)
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusCreated, tok)
}

func (h *AuthHandlers) login(c *gin.Context) {
	var in auth.Credentials
	if err := c.ShouldBindJSON(&in); err != nil {
		_ = c.Error(errors.Wrap(err, errors.ErrCodeBadRequest, "Invalid request body"))
		return
	}
	tok, err := h.auth.Login(c.Request.Context(), in)
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, tok)
}
