package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"habit-chat/internal/service"
)

// NewRouter configura el router de Gin con middlewares y rutas.
// Con jwtSvc nil la API queda abierta (uso local).
func NewRouter(
	logger *zap.Logger,
	chatH *ChatHandler,
	aiH *AiHandler,
	jwtSvc *service.JWTService,
	metricsHandler http.Handler,
) *gin.Engine {
	r := gin.New()

	// Middlewares basicos: logging, recovery y JSON content-type.
	r.Use(zapLoggerMiddleware(logger), gin.Recovery(), jsonContentTypeMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}

	api := r.Group("")
	if jwtSvc != nil {
		api.Use(JWTAuthMiddleware(jwtSvc))
	}

	conversations := api.Group("/conversations")
	conversations.GET("", chatH.ListConversations)
	conversations.GET("/stream", chatH.StreamConversations)
	conversations.GET("/:id/messages", chatH.ListMessages)
	conversations.POST("/:id/messages", chatH.SendMessage)
	conversations.POST("/:id/read", chatH.MarkRead)
	conversations.POST("/:id/typing", chatH.Typing)
	conversations.PATCH("/:id", chatH.UpdateFlags)

	messages := api.Group("/messages")
	messages.POST("/:id/retry", chatH.RetryMessage)
	messages.PATCH("/:id", chatH.EditMessage)
	messages.DELETE("/:id", chatH.DeleteMessage)

	api.POST("/sync", chatH.Sync)
	api.GET("/connection", chatH.Connection)

	api.POST("/ai/responses", aiH.RequestResponse)
	api.GET("/characters", aiH.ListCharacters)
	api.POST("/characters", aiH.CreateCharacter)
	api.POST("/characters/:id/select", aiH.SelectCharacter)

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// jsonContentTypeMiddleware fuerza Content-Type: application/json en responses.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}
