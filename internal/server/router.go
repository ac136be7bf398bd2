package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/recount/internal/auth"
	"github.com/MarcoPoloResearchLab/recount/internal/counts"
	"github.com/MarcoPoloResearchLab/recount/internal/realtime"
	"github.com/MarcoPoloResearchLab/recount/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	principalContextKey      = "recount_principal"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProfiles         = errors.New("profile resolver dependency required")
	errMissingCountsService    = errors.New("counts service dependency required")
	errMissingRealtime         = errors.New("realtime dispatcher dependency required")
)

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileResolver maps sessions to operator profiles and operators to display names.
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, claims auth.SessionClaims) (users.Profile, error)
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	SessionValidator  SessionValidator
	Profiles          ProfileResolver
	CountsService     *counts.Service
	Realtime          *realtime.Dispatcher
	Logger            *zap.Logger
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

// principal is the authenticated caller of a request.
type principal struct {
	UserID      string
	DisplayName string
	Email       string
	Role        auth.Role
}

// NewHTTPHandler builds the gin router serving the reconciliation API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Profiles == nil {
		return nil, errMissingProfiles
	}
	if deps.CountsService == nil {
		return nil, errMissingCountsService
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		profiles:  deps.Profiles,
		counts:    deps.CountsService,
		realtime:  deps.Realtime,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleWhoAmI)
	protected.GET("/inventories", requireCapability(auth.CapabilitySubmitCounts), handler.handleListInventories)
	protected.POST("/inventories", requireCapability(auth.CapabilityManageInventories), handler.handleCreateInventory)

	inventory := protected.Group("/inventories/:inventory_id")
	inventory.POST("/counts", requireCapability(auth.CapabilitySubmitCounts), handler.handleSubmitCount)
	inventory.GET("/counts", requireCapability(auth.CapabilityViewReconciliation), handler.handleListCounts)
	inventory.GET("/groups", requireCapability(auth.CapabilityViewReconciliation), handler.handleListGroups)
	inventory.GET("/stream", requireCapability(auth.CapabilityViewReconciliation), handler.handleStream)
	inventory.GET("/export.csv", requireCapability(auth.CapabilityViewReconciliation), handler.handleExport)

	return router, nil
}

type httpHandler struct {
	sessions  SessionValidator
	profiles  ProfileResolver
	counts    *counts.Service
	realtime  *realtime.Dispatcher
	logger    *zap.Logger
	heartbeat time.Duration
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		ExposeHeaders:    []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		// Credentials cannot be combined with a literal "*", so every origin is echoed back.
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	profile, err := h.profiles.ResolveProfile(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			h.logger.Warn("session identity rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to resolve operator profile", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "profile_resolve_failed"})
		return
	}

	role, err := auth.ParseRole(profile.Role)
	if err != nil {
		role = auth.RoleOperator
	}
	c.Set(principalContextKey, principal{
		UserID:      profile.UserID,
		DisplayName: profile.Name(),
		Email:       profile.Email,
		Role:        role,
	})
	c.Next()
}

func requireCapability(capability auth.Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := principalFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !caller.Role.Can(capability) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "capability": string(capability)})
			return
		}
		c.Next()
	}
}

func principalFrom(c *gin.Context) (principal, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return principal{}, false
	}
	caller, ok := value.(principal)
	return caller, ok && caller.UserID != ""
}
