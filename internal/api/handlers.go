package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"activity-relay/internal/relayerr"
)

func (s *Server) respondError(c *gin.Context, status int, err error, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": relayerr.Code(err), "message": message}})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, relayerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relayerr.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, relayerr.ErrReauthRequired):
		return http.StatusConflict
	case errors.Is(err, relayerr.ErrExchange):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// GET /auth/login?account_id= starts the authorization-code flow.
func (s *Server) authLogin(c *gin.Context) {
	accountID := strings.TrimSpace(c.Query("account_id"))
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_parameter", "message": "account_id is required"}})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	authURL, state, err := s.auth.BeginAuthorization(ctx, accountID)
	if err != nil {
		s.log.Error("begin_authorization_failed", "account_id", accountID, "error", err)
		s.respondError(c, http.StatusInternalServerError, err, "could not start authorization")
		return
	}

	s.log.Info("authorization_started", "account_id", accountID, "state", state)
	c.Redirect(http.StatusFound, authURL)
}

// GET /auth/callback?code=&state= is the provider redirect target.
func (s *Server) authCallback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_parameter", "message": "code and state are required"}})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	cred, err := s.auth.CompleteAuthorization(ctx, code, state)
	if err != nil {
		s.respondError(c, statusFor(err), err, "authorization failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "authorized",
		"account_id": cred.AccountID,
		"scopes":     cred.Scopes,
		"expires_at": cred.ExpiresAt,
	})
}

// GET /auth/status?account_id=
func (s *Server) authStatus(c *gin.Context) {
	accountID := strings.TrimSpace(c.Query("account_id"))
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_parameter", "message": "account_id is required"}})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	cred, err := s.auth.Status(ctx, accountID)
	if err != nil {
		s.respondError(c, statusFor(err), err, "credential not found")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id":       cred.AccountID,
		"scopes":           cred.Scopes,
		"expires_at":       cred.ExpiresAt,
		"created_at":       cred.CreatedAt,
		"reauth_required":  cred.ReauthRequired,
		"refresh_failures": cred.RefreshFailures,
	})
}

// POST /auth/refresh/:account_id
func (s *Server) authRefresh(c *gin.Context) {
	accountID := c.Param("account_id")

	ctx, cancel := s.ctx(c)
	defer cancel()

	cred, err := s.auth.Refresh(ctx, accountID)
	if err != nil {
		s.respondError(c, statusFor(err), err, "refresh failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "refreshed",
		"account_id": cred.AccountID,
		"expires_at": cred.ExpiresAt,
	})
}

// POST /auth/revoke/:account_id
// The account's channels are retired first: their provider-side
// subscriptions were created with the app token and survive a user-token
// revoke, so they must be deleted explicitly or the provider keeps
// delivering events nobody can verify.
func (s *Server) authRevoke(c *gin.Context) {
	accountID := c.Param("account_id")

	ctx, cancel := s.ctx(c)
	defer cancel()

	chans, err := s.channels.ListChannelsByAccount(ctx, accountID)
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err, "could not list account channels")
		return
	}

	disabled := make([]string, 0, len(chans))
	for _, ch := range chans {
		if err := s.subs.TeardownChannel(ctx, ch.ChannelID); err != nil {
			// the credential still gets revoked; reconcile picks up leftovers
			s.log.Error("channel_teardown_failed", "channel_id", ch.ChannelID, "error", err)
			continue
		}
		disabled = append(disabled, ch.ChannelID)
	}

	if err := s.auth.Revoke(ctx, accountID); err != nil {
		s.respondError(c, statusFor(err), err, "revoke failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            "revoked",
		"account_id":        accountID,
		"channels_disabled": disabled,
	})
}

type registerChannelRequest struct {
	ChannelID string `json:"channel_id" binding:"required"`
	AccountID string `json:"account_id" binding:"required"`
}

// POST /channels
func (s *Server) registerChannel(c *gin.Context) {
	var req registerChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_parameter", "message": "channel_id and account_id are required"}})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	ch, err := s.subs.RegisterChannel(ctx, req.ChannelID, req.AccountID)
	if err != nil {
		s.respondError(c, statusFor(err), err, "channel registration failed")
		return
	}

	c.JSON(http.StatusOK, ch)
}

// GET /channels
func (s *Server) listChannels(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	chans, err := s.channels.ListChannels(ctx)
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err, "could not list channels")
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": chans})
}

// POST /channels/:channel_id/subscriptions creates missing subscriptions.
// Partial failure returns 207 so the caller can retry just the failures.
func (s *Server) setupSubscriptions(c *gin.Context) {
	channelID := c.Param("channel_id")

	ctx, cancel := s.ctx(c)
	defer cancel()

	result, err := s.subs.SetupSubscriptions(ctx, channelID)
	if err != nil {
		s.respondError(c, statusFor(err), err, "subscription setup failed")
		return
	}

	status := http.StatusOK
	if len(result.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, result)
}

// GET /channels/:channel_id/subscriptions
func (s *Server) listSubscriptions(c *gin.Context) {
	channelID := c.Param("channel_id")

	ctx, cancel := s.ctx(c)
	defer cancel()

	subs, err := s.channels.ListSubscriptions(ctx, channelID)
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err, "could not list subscriptions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// DELETE /subscriptions/:subscription_id
func (s *Server) deleteSubscription(c *gin.Context) {
	subscriptionID := c.Param("subscription_id")

	ctx, cancel := s.ctx(c)
	defer cancel()

	if err := s.subs.DeleteSubscription(ctx, subscriptionID); err != nil {
		s.respondError(c, statusFor(err), err, "delete failed")
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /channels/:channel_id/reconcile
func (s *Server) reconcileChannel(c *gin.Context) {
	channelID := c.Param("channel_id")

	ctx, cancel := s.ctx(c)
	defer cancel()

	result, err := s.subs.Reconcile(ctx, channelID)
	if err != nil {
		s.respondError(c, statusFor(err), err, "reconcile failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

// GET /events?channel_id=&limit=
func (s *Server) listEvents(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := s.events.List(ctx, c.Query("channel_id"), limit)
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err, "could not list events")
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// GET /activities?channel_id=&forwarded=&limit=
func (s *Server) listActivities(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	var forwarded *bool
	if v := c.Query("forwarded"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_parameter", "message": "forwarded must be a boolean"}})
			return
		}
		forwarded = &b
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	// short-lived cache; the activity log is hot for dashboards
	cacheKey := fmt.Sprintf("activities:%s:%s:%d", c.Query("channel_id"), c.Query("forwarded"), limit)
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, cacheKey); err == nil && cached != "" {
			c.Header("X-Cache", "HIT")
			c.Data(http.StatusOK, "application/json", []byte(cached))
			return
		}
	}

	acts, err := s.activities.List(ctx, c.Query("channel_id"), forwarded, limit)
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err, "could not list activities")
		return
	}

	payload := gin.H{"activities": acts}
	if s.redis != nil {
		if data, err := json.Marshal(payload); err == nil {
			_ = s.redis.Set(ctx, cacheKey, data, 15*time.Second)
		}
	}
	c.JSON(http.StatusOK, payload)
}

// GET /api/v1/health
func (s *Server) health(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	dbStatus := "connected"
	if s.db != nil {
		if err := s.db.Pool.Ping(ctx); err != nil {
			dbStatus = "error"
		}
	} else {
		dbStatus = "not_configured"
	}

	redisStatus := "connected"
	if s.redis != nil {
		if err := s.redis.RDB().Ping(ctx).Err(); err != nil {
			redisStatus = "error"
		}
	} else {
		redisStatus = "not_configured"
	}

	status := http.StatusOK
	if dbStatus == "error" || redisStatus == "error" {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":   "ok",
		"database": dbStatus,
		"redis":    redisStatus,
	})
}
