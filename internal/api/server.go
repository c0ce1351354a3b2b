// Package api exposes the reply pipeline over HTTP: provider webhooks,
// operator endpoints and the authenticated document request routes.
package api

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abcotronics/docreply/internal/auth"
	"github.com/abcotronics/docreply/internal/delivery"
	"github.com/abcotronics/docreply/internal/email/inbound/postmaster"
	"github.com/abcotronics/docreply/internal/email/inbound/provider"
	"github.com/abcotronics/docreply/internal/email/outbound"
	"github.com/abcotronics/docreply/internal/middleware"
	"github.com/abcotronics/docreply/internal/models"
	"github.com/abcotronics/docreply/internal/webhooks"
)

const (
	maxWebhookBody = 5 << 20
	timeLayout     = time.RFC3339
)

// ReplyProcessor handles reply webhooks and operator replays.
type ReplyProcessor interface {
	Process(ctx context.Context, in postmaster.Input) (postmaster.Result, error)
}

// DeliveryUpdater applies delivery-status webhooks.
type DeliveryUpdater interface {
	ApplyBatch(ctx context.Context, batch provider.DeliveryBatch) (delivery.Result, error)
}

// DocumentSender sends document request emails.
type DocumentSender interface {
	Send(ctx context.Context, req outbound.Request, by outbound.Sender) (outbound.Result, error)
}

// CommentReader lists item comments.
type CommentReader interface {
	ListByItem(ctx context.Context, itemID string, year, month int) ([]models.ItemComment, error)
	ListRecent(ctx context.Context, limit int) ([]models.ItemComment, error)
}

// OutboundReader lists recent outbound message records.
type OutboundReader interface {
	ListRecent(ctx context.Context, limit int) ([]models.OutboundMessageRecord, error)
}

// JobLister reports scheduler state for the debug endpoint.
type JobLister interface {
	Jobs() []*models.ScheduledJob
}

// Server holds the dependencies of every handler. Nil collaborators disable
// the routes that need them.
type Server struct {
	Replies          ReplyProcessor
	Delivery         DeliveryUpdater
	Sender           DocumentSender
	Comments         CommentReader
	Outbound         OutboundReader
	Jobs             JobLister
	DB               middleware.Pinger
	Stats            *postmaster.Stats
	ReplyVerifier    *webhooks.Verifier
	DeliveryVerifier *webhooks.Verifier
	Auth             *middleware.AuthMiddleware
	OperatorSecrets  []string
	OperatorLimiter  *auth.FailureLimiter
	UploadsDir       string
	UploadsPrefix    string
	Logger           *log.Logger
	Now              func() time.Time
}

// RouterOption customizes NewRouter.
type RouterOption func(*gin.Engine)

// WithPrometheus mounts the default Prometheus registry at path.
func WithPrometheus(path string) RouterOption {
	return func(r *gin.Engine) {
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.Handler()))
	}
}

// NewRouter builds the gin engine.
func NewRouter(s *Server, opts ...RouterOption) *gin.Engine {
	r := gin.New()
	r.Use(gin.LoggerWithWriter(s.accessLog()), gin.Recovery(), middleware.RequestID())

	r.GET("/health", s.handleHealth)

	inbound := r.Group("/api/inbound", middleware.DatabaseHealthCheck(s.DB, 0))
	inbound.Any("/document-request-reply", s.handleReplyWebhook)
	inbound.Any("/email-delivery-status", s.handleDeliveryStatus)

	operator := inbound.Group("", middleware.SharedSecretLimited(s.OperatorLimiter, s.OperatorSecrets...))
	operator.GET("/document-request-reply-reprocess", s.handleReprocess)
	operator.POST("/document-request-reply-reprocess", s.handleReprocess)
	operator.GET("/document-request-reply-debug", s.handleDebug)

	projects := r.Group("/api/projects", middleware.DatabaseHealthCheck(s.DB, 0))
	if s.Auth != nil {
		projects.Use(s.Auth.RequireAuth())
	} else {
		projects.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication is not configured"})
		})
	}
	projects.POST("/:id/document-collection-send-email", s.handleSendEmail)
	projects.GET("/:id/documents/:documentId/comments", s.handleListComments)

	if s.UploadsDir != "" {
		prefix := s.UploadsPrefix
		if prefix == "" {
			prefix = "/uploads"
		}
		r.Static(prefix, s.UploadsDir)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	out := gin.H{"status": "ok", "time": s.now().UTC()}
	if s.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.DB.PingContext(ctx); err != nil {
			s.logf("health: database ping failed: %v", err)
			out["status"] = "degraded"
			out["database"] = "unavailable"
			c.JSON(http.StatusServiceUnavailable, out)
			return
		}
		out["database"] = "ok"
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// accessLog sends gin's request lines to the server logger when one is set.
func (s *Server) accessLog() io.Writer {
	if s.Logger != nil {
		return s.Logger.Writer()
	}
	return gin.DefaultWriter
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

func methodNotAllowed(c *gin.Context) {
	c.Header("Allow", http.MethodPost)
	c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
}
