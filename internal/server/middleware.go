package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/marketpulse/internal/authorization"
	obscontext "github.com/smallbiznis/marketpulse/internal/observability/context"
	"github.com/smallbiznis/marketpulse/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderAdminKey = "X-Admin-Key"

	defaultUserID = "default"

	contextUserIDKey = "user_id"
	contextActorKey  = "actor"
)

// UserContext trusts the X-User-ID header. An admin actor set earlier in the
// chain may act on behalf of ?user_id=.
func (s *Server) UserContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if isAdmin(c) {
			if override := strings.TrimSpace(c.Query("user_id")); override != "" {
				userID = override
			}
		}
		if userID == "" {
			userID = defaultUserID
		}

		c.Set(contextUserIDKey, userID)
		if _, ok := c.Get(contextActorKey); !ok {
			c.Set(contextActorKey, authorization.UserActor(userID))
		}
		c.Request = c.Request.WithContext(obscontext.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// AdminRequired accepts only requests carrying a key that matches
// ADMIN_KEY_HASH. Admin routes are closed when no hash is configured.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderAdminKey))
		if key == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if !s.adminKeyValid(key) {
			logger.FromContext(c.Request.Context()).Warn("admin key rejected", zap.String("route", c.FullPath()))
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Set(contextActorKey, authorization.ActorAdmin)
		c.Next()
	}
}

// OptionalAdmin upgrades the actor when a valid admin key is present and
// otherwise leaves the request untouched.
func (s *Server) OptionalAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := strings.TrimSpace(c.GetHeader(HeaderAdminKey)); key != "" && s.adminKeyValid(key) {
			c.Set(contextActorKey, authorization.ActorAdmin)
		}
		c.Next()
	}
}

func (s *Server) adminKeyValid(key string) bool {
	hash := strings.TrimSpace(s.cfg.AdminKeyHash)
	if hash == "" {
		return false
	}
	return authorization.VerifyAdminKey(key, hash)
}

func (s *Server) authorize(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authzSvc == nil {
			c.Next()
			return
		}
		actor, _ := c.Get(contextActorKey)
		actorID, _ := actor.(string)
		if err := s.authzSvc.Authorize(c.Request.Context(), actorID, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// SubmitRateLimit takes one token from the caller's submit bucket.
func (s *Server) SubmitRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := userIDFromContext(c)
		res := s.submitLimiter.Allow(c.Request.Context(), userID)
		if res.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		if !res.Allowed {
			logger.FromContext(c.Request.Context()).Warn("research submit rate limit exceeded",
				zap.String("user_id", userID),
				zap.Duration("retry_after", res.RetryAfter),
			)
			retryAfter := res.RetryAfterSeconds()
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func userIDFromContext(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetString(contextUserIDKey)); v != "" {
		return v
	}
	return defaultUserID
}

func isAdmin(c *gin.Context) bool {
	return c.GetString(contextActorKey) == authorization.ActorAdmin
}
