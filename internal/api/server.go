package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"activity-relay/internal/config"
	"activity-relay/internal/db"
	"activity-relay/internal/models"
	"activity-relay/internal/redis"
	"activity-relay/internal/twitch"
)

// The server depends on narrow slices of the managers and stores so the
// handlers can be exercised against fakes.

type authManager interface {
	BeginAuthorization(ctx context.Context, accountRef string) (string, string, error)
	CompleteAuthorization(ctx context.Context, code, stateToken string) (models.Credential, error)
	Refresh(ctx context.Context, accountID string) (models.Credential, error)
	Revoke(ctx context.Context, accountID string) error
	Status(ctx context.Context, accountID string) (models.Credential, error)
}

type subscriptionManager interface {
	RegisterChannel(ctx context.Context, channelID, accountID string) (models.MonitoredChannel, error)
	SetupSubscriptions(ctx context.Context, channelID string) (twitch.SetupResult, error)
	DeleteSubscription(ctx context.Context, subscriptionID string) error
	TeardownChannel(ctx context.Context, channelID string) error
	Reconcile(ctx context.Context, channelID string) (twitch.ReconcileResult, error)
}

type channelReader interface {
	GetSubscriptionSecret(ctx context.Context, subscriptionID string) (string, error)
	SetSubscriptionStatus(ctx context.Context, subscriptionID string, status models.SubscriptionStatus) error
	ListChannels(ctx context.Context) ([]models.MonitoredChannel, error)
	ListChannelsByAccount(ctx context.Context, accountID string) ([]models.MonitoredChannel, error)
	ListSubscriptions(ctx context.Context, channelID string) ([]models.Subscription, error)
}

type eventSink interface {
	InsertDedup(ctx context.Context, ev models.InboundEvent) (bool, error)
	List(ctx context.Context, channelID string, limit int) ([]models.InboundEvent, error)
}

type activityReader interface {
	List(ctx context.Context, channelID string, forwarded *bool, limit int) ([]models.Activity, error)
}

type dispatcher interface {
	Dispatch(ev models.InboundEvent) bool
}

type Server struct {
	log        *slog.Logger
	cfg        config.Config
	db         *db.DB
	redis      *redis.Client
	auth       authManager
	subs       subscriptionManager
	channels   channelReader
	events     eventSink
	activities activityReader
	dispatch   dispatcher
	router     *gin.Engine
}

func NewServer(log *slog.Logger, cfg config.Config, dbConn *db.DB, redisClient *redis.Client, auth authManager, subs subscriptionManager, channels channelReader, events eventSink, activities activityReader, dispatch dispatcher) *Server {
	s := &Server{
		log:        log,
		cfg:        cfg,
		db:         dbConn,
		redis:      redisClient,
		auth:       auth,
		subs:       subs,
		channels:   channels,
		events:     events,
		activities: activities,
		dispatch:   dispatch,
	}
	s.buildRouter()
	return s
}

func (s *Server) buildRouter() {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())
	r.Use(s.loggingMiddleware())
	r.Use(s.rateLimitMiddleware())

	// provider-facing ingress; signature verification is the auth here
	r.POST("/webhook", s.handleWebhook)

	r.GET("/auth/login", s.authLogin)
	r.GET("/auth/callback", s.authCallback)
	r.GET("/auth/status", s.authStatus)

	r.GET("/events", s.listEvents)
	r.GET("/activities", s.listActivities)

	r.GET("/api/v1/health", s.health)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	// operator surface; mutations require the admin key
	admin := r.Group("/", s.adminAuthMiddleware())
	{
		admin.POST("/auth/refresh/:account_id", s.authRefresh)
		admin.POST("/auth/revoke/:account_id", s.authRevoke)

		admin.POST("/channels", s.registerChannel)
		admin.POST("/channels/:channel_id/subscriptions", s.setupSubscriptions)
		admin.POST("/channels/:channel_id/reconcile", s.reconcileChannel)
		admin.DELETE("/subscriptions/:subscription_id", s.deleteSubscription)
	}

	r.GET("/channels", s.listChannels)
	r.GET("/channels/:channel_id/subscriptions", s.listSubscriptions)

	s.router = r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 10*time.Second)
}
