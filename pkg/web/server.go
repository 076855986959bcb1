package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/ferama/profcache/pkg/profile"
	"github.com/ferama/profcache/pkg/web/routes"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type webServer struct {
	router *gin.Engine
	server *http.Server

	address string
}

// NewWebServer builds the http api. If apiKey is not empty the cache admin
// routes require it in the X-API-Key header. publisher may be nil.
func NewWebServer(
	svc *profile.Service,
	publisher routes.Publisher,
	address string,
	apiKey string) *webServer {

	gin.SetMode(gin.ReleaseMode)
	ginrouter := gin.New()
	ginrouter.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		logMiddleware(),
	)

	s := &webServer{
		router:  ginrouter,
		address: address,
	}
	s.setupRoutes(svc, publisher, apiKey)

	s.server = &http.Server{
		Addr:    address,
		Handler: ginrouter,
	}
	return s
}

func (s *webServer) setupRoutes(svc *profile.Service, publisher routes.Publisher, apiKey string) {
	// setup health endpoint
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "ok",
		})
	})

	api := s.router.Group("/api")
	routes.ProfileRoutes(svc, api.Group("/profiles"))

	admin := api.Group("/cache")
	if apiKey != "" {
		admin.Use(authMiddleware(apiKey))
	}
	routes.CacheRoutes(svc, publisher, admin)
}

func (s *webServer) Start() {
	log.Info().Msgf("web listening on '%s'", s.address)
	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Msg(err.Error())
	}
}

func (s *webServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
