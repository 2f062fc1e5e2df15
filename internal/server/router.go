package server

import (
	"net/http"

	"roomchat/internal/auth"
	"roomchat/internal/config"
	"roomchat/internal/metrics"
	"roomchat/internal/mw"
	"roomchat/internal/service"
	"roomchat/internal/session"
	"roomchat/internal/store"
	"roomchat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 基于 db 构建 service 层，挂载 REST API、WebSocket 端点和运维路由。
func SetupRouter(cfg config.Config, db *gorm.DB, dir *session.Directory) *gin.Engine {
	st := store.New(db)
	opts := []service.Option{service.WithSenderValidation(cfg.ValidateSender)}
	memberSvc := service.NewMembershipService(st, dir, opts...)
	msgSvc := service.NewMessageService(st, memberSvc, dir, opts...)
	userSvc := service.NewUserService(st, cfg, opts...)
	h := NewHandler(userSvc, memberSvc, msgSvc)
	hub := ws.NewHub(dir, memberSvc, msgSvc, cfg)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 按 IP+路由+用户名 限速，同一出口 IP 后的用户互不影响。
	r.Use(mw.RateLimit(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst, mw.ByChatUser))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	authGroup := api.Group("/auth")
	authGroup.POST("/register", h.Register)
	authGroup.POST("/login", h.Login)
	authGroup.POST("/refresh", h.RefreshToken)
	authGroup.GET("/me", auth.Middleware(cfg.JWTSecret, st), h.Me)

	chat := api.Group("/chat")
	chat.POST("/one-to-one/create", h.CreateOneToOne)
	chat.POST("/group/create", h.CreateGroup)
	chat.POST("/join", h.Join)
	chat.POST("/leave", h.Leave)
	chat.GET("/rooms", h.ListRooms)

	api.POST("/messages/send", h.SendMessage)
	api.GET("/messages", h.ListMessages)

	r.GET("/ws/chat", hub.Serve())
	return r
}
