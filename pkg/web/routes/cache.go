package routes

import (
	"context"
	"net/http"

	"github.com/ferama/profcache/pkg/profile"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Publisher forwards invalidations to the other instances
type Publisher interface {
	PublishKey(ctx context.Context, key string) error
	PublishAll(ctx context.Context) error
}

type cacheGroup struct {
	svc       *profile.Service
	publisher Publisher
}

// CacheRoutes setup the cache admin routes
func CacheRoutes(svc *profile.Service, publisher Publisher, router *gin.RouterGroup) {
	r := &cacheGroup{
		svc:       svc,
		publisher: publisher,
	}

	router.GET("stats", r.stats)
	router.DELETE("profiles/:id", r.invalidate)
	router.DELETE("profiles", r.invalidateAll)
}

func (r *cacheGroup) stats(c *gin.Context) {
	c.JSON(http.StatusOK, r.svc.Stats())
}

func (r *cacheGroup) invalidate(c *gin.Context) {
	id := c.Param("id")
	r.svc.Invalidate(id)

	if r.publisher != nil {
		if err := r.publisher.PublishKey(c.Request.Context(), id); err != nil {
			log.Error().Err(err).Msgf("[web] cannot publish invalidation of %s", id)
		}
	}
	c.Status(http.StatusNoContent)
}

func (r *cacheGroup) invalidateAll(c *gin.Context) {
	r.svc.InvalidateAll()

	if r.publisher != nil {
		if err := r.publisher.PublishAll(c.Request.Context()); err != nil {
			log.Error().Err(err).Msg("[web] cannot publish full invalidation")
		}
	}
	c.Status(http.StatusNoContent)
}
