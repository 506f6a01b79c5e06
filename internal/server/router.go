package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"rocket-sync-lite/internal/auth"
	"rocket-sync-lite/internal/handler"
	"rocket-sync-lite/internal/middleware"
	"rocket-sync-lite/internal/selection"
)

type Deps struct {
	Stores      handler.Stores
	Selection   *selection.Cache
	TokenConfig auth.TokenConfig
	Keys        auth.KeySet
	// WriteLimit caps writes per client per minute; 0 means 120.
	WriteLimit int
}

// NewRouter builds the control API. Handlers only touch store records and
// the selection state; workers pick the records up on their own.
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	versionHandler := &handler.VersionHandler{}
	r.GET("/v1/version", versionHandler.Check)

	authHandler := &handler.AuthHandler{
		Keys:        deps.Keys,
		TokenConfig: deps.TokenConfig,
		Limiter:     middleware.NewRateLimiter(10, time.Minute),
	}
	r.POST("/v1/auth", authHandler.Auth)

	limit := deps.WriteLimit
	if limit <= 0 {
		limit = 120
	}
	writes := middleware.RateLimitMiddleware(middleware.NewRateLimiter(limit, time.Minute))

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	serverHandler := &handler.ServerHandler{Stores: deps.Stores}
	protected.GET("/servers", serverHandler.List)
	protected.GET("/servers/:server/notifications", serverHandler.Notifications)

	stream := &handler.NotificationStream{Stores: deps.Stores}
	protected.GET("/servers/:server/notifications/ws", stream.Serve)

	selectionHandler := &handler.SelectionHandler{Stores: deps.Stores, Selection: deps.Selection}
	protected.GET("/selection", selectionHandler.Get)
	protected.PUT("/selection", writes, selectionHandler.Put)

	procedures := &handler.ProcedureHandler{Stores: deps.Stores}
	srv := protected.Group("/servers/:server")
	srv.POST("/method-calls", writes, procedures.CreateMethodCall)
	srv.GET("/method-calls/:id", procedures.GetMethodCall)
	srv.POST("/method-calls/:id/retry", writes, procedures.RetryMethodCall)

	srv.POST("/rooms/:room/history", writes, procedures.LoadHistory)
	srv.GET("/rooms/:room/history", procedures.GetHistory)
	srv.POST("/rooms/:room/members", writes, procedures.LoadMembers)
	srv.GET("/rooms/:room/members", procedures.GetMembers)
	srv.POST("/rooms/:room/messages", writes, procedures.SendMessage)
	srv.GET("/rooms/:room/messages", procedures.ListMessages)
	srv.POST("/messages/:id/resend", writes, procedures.ResendMessage)
	srv.DELETE("/messages/:id", writes, procedures.DiscardMessage)

	srv.POST("/uploads", writes, procedures.CreateUpload)
	srv.GET("/uploads/:id", procedures.GetUpload)
	srv.POST("/uploads/:id/retry", writes, procedures.RetryUpload)

	return r
}
