package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
	"github.com/rkromero/PlataformaChatIA/internal/infrastructure"
	"github.com/rkromero/PlataformaChatIA/internal/interfaces"
	"github.com/rkromero/PlataformaChatIA/internal/usecases"
)

// ServiceName is reported by the health check.
const ServiceName = "ai-bot"

// pipelineTimeout bounds one message's processing after the ack.
const pipelineTimeout = 2 * time.Minute

type Pipeline interface {
	Process(ctx context.Context, m interfaces.Messenger, msg entities.InboundMessage) usecases.Outcome
}

type SessionControl interface {
	Status(session string) (infrastructure.SessionStatus, error)
	QR(session string) (string, error)
	Logout(ctx context.Context, session string) error
}

type UsageReader interface {
	GetUsage(ctx context.Context, tenantID, period string) (entities.UsageRecord, error)
}

// HandlerDeps wires the handler. Chatwoot, Waha, Sessions and Usage may be
// nil when the matching feature is not configured.
type HandlerDeps struct {
	Pipeline      Pipeline
	Chatwoot      interfaces.WebhookAdapter
	WebhookSecret string
	Waha          interfaces.WebhookAdapter
	Sessions      SessionControl
	Usage         UsageReader
}

type Handler struct {
	HandlerDeps
	inflight sync.WaitGroup
	now      func() time.Time
}

func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{HandlerDeps: deps, now: time.Now}
}

func SetupRoutes(r *gin.Engine, h *Handler, mw *Middleware, maxBodyBytes int64) {
	r.Use(RequestLogger())
	r.Use(SecurityHeaders())
	r.Use(RequestSizeLimiter(maxBodyBytes))

	r.GET("/health", h.Health)

	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/chatwoot", h.ChatwootWebhook)
		webhooks.POST("/waha", h.WahaWebhook)
	}

	internal := r.Group("/internal")
	internal.Use(mw.InternalAuth())
	internal.Use(mw.RateLimitPerSubject())
	{
		internal.GET("/sessions/:name", h.SessionStatus)
		internal.GET("/sessions/:name/qr", h.SessionQR)
		internal.POST("/sessions/:name/logout", h.SessionLogout)
		internal.GET("/tenants/:id/usage", h.TenantUsage)
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": ServiceName})
}

// ChatwootWebhook acks immediately; the message is processed afterwards.
// A sender-supplied secret that does not match is refused.
func (h *Handler) ChatwootWebhook(c *gin.Context) {
	if secret := c.GetHeader("x-webhook-secret"); secret != "" && !SecretsEqual(secret, h.WebhookSecret) {
		c.JSON(http.StatusOK, gin.H{"ok": false, "reason": "invalid_secret"})
		return
	}
	if h.Chatwoot == nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "reason": "chatwoot_not_configured"})
		return
	}
	h.acceptWebhook(c, h.Chatwoot)
}

func (h *Handler) WahaWebhook(c *gin.Context) {
	if h.Waha == nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "reason": "waha_not_configured"})
		return
	}
	h.acceptWebhook(c, h.Waha)
}

func (h *Handler) acceptWebhook(c *gin.Context, adapter interfaces.WebhookAdapter) {
	raw, err := c.GetRawData()
	if err != nil {
		// Webhooks always answer 200.
		zap.L().Debug("webhook body not read", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"ok": false, "reason": "invalid_body"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})

	ctx := context.WithoutCancel(c.Request.Context())
	h.track(func() {
		msg, ok := adapter.Normalize(raw)
		if !ok {
			return
		}
		h.process(ctx, adapter, msg)
	})
}

// Dispatch processes a message from a session provider in the background.
func (h *Handler) Dispatch(m interfaces.Messenger, msg entities.InboundMessage) {
	h.track(func() {
		h.process(context.Background(), m, msg)
	})
}

func (h *Handler) process(ctx context.Context, m interfaces.Messenger, msg entities.InboundMessage) {
	ctx, cancel := context.WithTimeout(ctx, pipelineTimeout)
	defer cancel()
	h.Pipeline.Process(ctx, m, msg)
}

func (h *Handler) track(fn func()) {
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("pipeline panic", zap.Any("panic", r))
			}
		}()
		fn()
	}()
}

// Wait blocks until in-flight messages finish or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) sessionName(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !ValidSessionName(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session name"})
		return "", false
	}
	if h.Sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sessions not enabled"})
		return "", false
	}
	return name, true
}

func sessionError(c *gin.Context, err error) {
	if errors.Is(err, infrastructure.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	zap.L().Error("session operation failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "session operation failed"})
}

func (h *Handler) SessionStatus(c *gin.Context) {
	name, ok := h.sessionName(c)
	if !ok {
		return
	}
	status, err := h.Sessions.Status(name)
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// SessionQR returns the pairing QR as a PNG.
func (h *Handler) SessionQR(c *gin.Context) {
	name, ok := h.sessionName(c)
	if !ok {
		return
	}
	code, err := h.Sessions.QR(name)
	if err != nil {
		sessionError(c, err)
		return
	}
	if code == "" {
		if status, err := h.Sessions.Status(name); err == nil && status.LoggedIn {
			c.JSON(http.StatusConflict, gin.H{"error": "session already paired"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "qr_pending"})
		return
	}

	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		zap.L().Error("qr encode failed", zap.String("session", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate qr code"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) SessionLogout(c *gin.Context) {
	name, ok := h.sessionName(c)
	if !ok {
		return
	}
	if err := h.Sessions.Logout(c.Request.Context(), name); err != nil {
		sessionError(c, err)
		return
	}
	zap.L().Info("session logged out", zap.String("session", name), zap.String("by", c.GetString(subjectKey)))
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

// TenantUsage reports a tenant's message count for ?period=YYYY-MM,
// defaulting to the current month.
func (h *Handler) TenantUsage(c *gin.Context) {
	tenantID := c.Param("id")
	if !ValidTenantID(tenantID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant id"})
		return
	}
	if h.Usage == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "usage not available"})
		return
	}

	period := c.DefaultQuery("period", entities.Period(h.now()))
	if _, err := time.Parse("2006-01", period); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "period must be YYYY-MM"})
		return
	}

	rec, err := h.Usage.GetUsage(c.Request.Context(), tenantID, period)
	if err != nil {
		zap.L().Error("usage lookup failed", zap.String("tenant_id", tenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tenantId": tenantID,
		"period":   rec.Period,
		"messages": rec.Messages,
	})
}
