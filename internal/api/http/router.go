package http

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/immxrtalbeast/sigstream/internal/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterOptions struct {
	AllowedOrigins []string
	// Gatherer backs /metrics. Nil uses the default prometheus registry.
	Gatherer prometheus.Gatherer
}

func SetupRouter(roomController *RoomController, tokens *auth.TokenIssuer, ws http.HandlerFunc, opts RouterOptions) *gin.Engine {
	router := gin.Default()
	config := cors.DefaultConfig()
	config.AllowOrigins = opts.AllowedOrigins
	if len(config.AllowOrigins) == 0 {
		config.AllowOrigins = []string{"http://localhost:3000"}
	}
	config.AllowCredentials = true
	config.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"Origin",
		"Accept",
	}
	config.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	router.Use(cors.New(config))
	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	metricsHandler := promhttp.Handler()
	if opts.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})
	}
	router.GET("/metrics", gin.WrapH(metricsHandler))

	if ws != nil {
		router.GET("/ws", gin.WrapF(ws))
	}

	if roomController != nil {
		host := HostAuth(tokens)

		rooms := router.Group("/api/rooms")
		rooms.POST("", roomController.CreateRoom)
		rooms.GET("/:roomID", roomController.GetRoom)
		rooms.DELETE("/:roomID", host, roomController.EndRoom)
		rooms.GET("/:roomID/members", roomController.ListMembers)
		rooms.POST("/:roomID/request", OptionalHostAuth(tokens), roomController.RequestJoin)
		rooms.POST("/:roomID/members/:participantID/approve", host, roomController.Approve)
		rooms.POST("/:roomID/members/:participantID/reject", host, roomController.Reject)
		rooms.DELETE("/:roomID/members/:participantID", host, roomController.Remove)
		rooms.POST("/:roomID/admission", host, roomController.SetAdmissionMode)
		rooms.GET("/:roomID/chat", roomController.ChatHistory)
	}

	return router
}
