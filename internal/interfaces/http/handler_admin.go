package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"nutripilot/internal/infrastructure"
	"nutripilot/internal/usecases"
)

// WhatsAppPairing is the part of the WhatsApp Web client the admin API needs.
type WhatsAppPairing interface {
	QRPNG() ([]byte, bool, error)
	Status() infrastructure.WhatsAppStatus
}

type AdminHandler struct {
	admin  *usecases.AdminUsecase
	auth   *usecases.AuthUsecase
	wa     WhatsAppPairing
	logger zerolog.Logger
}

func NewAdminHandler(admin *usecases.AdminUsecase, auth *usecases.AuthUsecase, wa WhatsAppPairing, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		admin:  admin,
		auth:   auth,
		wa:     wa,
		logger: logger,
	}
}

func (h *AdminHandler) Login(c *gin.Context) {
	var loginReq struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&loginReq); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	token, err := h.auth.Login(loginReq.Username, loginReq.Password)
	switch {
	case errors.Is(err, usecases.ErrAdminDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Admin API not configured"})
		return
	case err != nil:
		h.logger.Warn().Str("username", loginReq.Username).Str("ip", c.ClientIP()).Msg("failed admin login")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// GetStats returns bot counters
func (h *AdminHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.admin.Stats())
}

// GetUsage returns daily message counts, ?days=7 by default
func (h *AdminHandler) GetUsage(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid days"})
		return
	}

	usage, err := h.admin.Usage(c.Request.Context(), days)
	if errors.Is(err, usecases.ErrUsageUnavailable) {
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load usage")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": usage})
}

func (h *AdminHandler) GetSession(c *gin.Context) {
	id := c.Param("id")
	if !ValidSenderID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return
	}

	sess, err := h.admin.Session(c.Request.Context(), id)
	if errors.Is(err, usecases.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("session", id).Msg("failed to load session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load session"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ResetSession sends the sender back to the main menu on their next message
func (h *AdminHandler) ResetSession(c *gin.Context) {
	id := c.Param("id")
	if !ValidSenderID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return
	}

	err := h.admin.ResetSession(c.Request.Context(), id)
	if errors.Is(err, usecases.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("session", id).Msg("failed to reset session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// SendMessage pushes an operator message to the sender over its own transport
func (h *AdminHandler) SendMessage(c *gin.Context) {
	id := c.Param("id")
	if !ValidSenderID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return
	}
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	err := h.admin.SendMessage(id, TruncateString(req.Text, MaxBodyLength))
	switch {
	case errors.Is(err, usecases.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, usecases.ErrNoTransport):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error().Err(err).Str("session", id).Msg("failed to push message")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to send message"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "sent"})
	}
}

// GetWhatsAppQR returns the pairing QR code as PNG
func (h *AdminHandler) GetWhatsAppQR(c *gin.Context) {
	if h.wa == nil {
		c.String(http.StatusServiceUnavailable, "WhatsApp not configured")
		return
	}

	png, ok, err := h.wa.QRPNG()
	if err != nil {
		c.String(http.StatusInternalServerError, "Failed to generate QR code")
		return
	}
	if !ok {
		if h.wa.Status().LoggedIn {
			c.String(http.StatusOK, "Already logged in")
			return
		}
		c.String(http.StatusAccepted, "QR code not yet available. Please wait...")
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *AdminHandler) GetWhatsAppStatus(c *gin.Context) {
	if h.wa == nil {
		c.JSON(http.StatusOK, gin.H{"connected": false, "error": "WhatsApp not configured"})
		return
	}
	c.JSON(http.StatusOK, h.wa.Status())
}
