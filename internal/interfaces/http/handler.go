package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go/twiml"

	"nutripilot/internal/entities"
	"nutripilot/internal/infrastructure"
	"nutripilot/internal/interfaces"
	"nutripilot/internal/usecases"
)

const slowDownText = "You're sending messages too fast. Please wait a moment and try again."

// fallbackTwiML is served when the reply itself cannot be rendered.
const fallbackTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response><Message>Sorry, something went wrong on our side. Please try again or type MENU.</Message></Response>`

type Handler struct {
	handle   infrastructure.MessageHandler
	limiter  *infrastructure.SenderLimiter
	agrocore interfaces.FormulaAnalyzer
	backend  string
	logger   zerolog.Logger
}

func NewHandler(handle infrastructure.MessageHandler, limiter *infrastructure.SenderLimiter, agrocore interfaces.FormulaAnalyzer, backend string, logger zerolog.Logger) *Handler {
	return &Handler{
		handle:   handle,
		limiter:  limiter,
		agrocore: agrocore,
		backend:  backend,
		logger:   logger,
	}
}

func SetupRoutes(r *gin.Engine, h *Handler, admin *AdminHandler, middleware *Middleware) {
	r.Use(middleware.RequestLogger())
	r.Use(SecurityHeaders())
	r.Use(RequestSizeLimiter(1 << 20)) // webhooks and admin JSON are small

	r.GET("/", h.Health)
	r.GET("/whatsapp", h.Health)
	r.GET("/healthz", h.Healthz)

	// Twilio webhook
	webhook := r.Group("")
	webhook.Use(WebhookRecovery(h.logger))
	webhook.Use(middleware.TwilioSignature())
	{
		webhook.POST("/", h.HandleTwilioMessage)
		webhook.POST("/whatsapp", h.HandleTwilioMessage)
	}

	api := r.Group("/api")
	api.Use(middleware.CORSMiddleware())
	api.Use(middleware.RateLimitPerClient(5, 20))
	{
		api.POST("/auth/login", admin.Login)
	}

	adminGroup := api.Group("/admin")
	adminGroup.Use(middleware.AuthRequired())
	{
		adminGroup.GET("/stats", admin.GetStats)
		adminGroup.GET("/usage", admin.GetUsage)
		adminGroup.GET("/sessions/:id", admin.GetSession)
		adminGroup.DELETE("/sessions/:id", admin.ResetSession)
		adminGroup.POST("/sessions/:id/message", admin.SendMessage)
		adminGroup.GET("/whatsapp/qr", admin.GetWhatsAppQR)
		adminGroup.GET("/whatsapp/status", admin.GetWhatsAppStatus)
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.String(http.StatusOK, usecases.Version)
}

func (h *Handler) Healthz(c *gin.Context) {
	agro := "disabled"
	if h.agrocore != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := h.agrocore.Health(ctx); err != nil {
			agro = "unreachable"
		} else {
			agro = "ok"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"version":  usecases.Version,
		"store":    h.backend,
		"agrocore": agro,
	})
}

// HandleTwilioMessage answers a Twilio WhatsApp webhook with TwiML. It always responds 200.
func (h *Handler) HandleTwilioMessage(c *gin.Context) {
	msg := ParseTwilioForm(c)

	if h.limiter != nil && !h.limiter.Allow(msg.From) {
		h.logger.Warn().Str("from", msg.From).Msg("rate limited")
		writeTwiML(c, slowDownText, h.logger)
		return
	}

	out := h.handle(c.Request.Context(), msg)
	writeTwiML(c, out.Text, h.logger)
}

// ParseTwilioForm reads the webhook form fields into a chat message.
func ParseTwilioForm(c *gin.Context) entities.Message {
	from := TruncateString(SanitizeString(strings.TrimSpace(c.PostForm("From"))), MaxSenderLength)
	if from == "" {
		from = "unknown"
	}
	msg := entities.Message{
		ID:       TruncateString(SanitizeString(c.PostForm("MessageSid")), MaxSenderLength),
		From:     from,
		Body:     TruncateString(SanitizeString(c.PostForm("Body")), MaxBodyLength),
		Platform: "twilio",
	}

	if n, err := strconv.Atoi(c.PostForm("NumMedia")); err == nil && n > 0 {
		if url := strings.TrimSpace(c.PostForm("MediaUrl0")); url != "" {
			msg.Media = []entities.Media{{URL: url, ContentType: strings.TrimSpace(c.PostForm("MediaContentType0"))}}
		}
	}
	return msg
}

func writeTwiML(c *gin.Context, text string, logger zerolog.Logger) {
	body, err := twiml.Messages([]twiml.Element{&twiml.MessagingMessage{Body: text}})
	if err != nil {
		logger.Error().Err(err).Msg("failed to render twiml")
		body = fallbackTwiML
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(body))
}
