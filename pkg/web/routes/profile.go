package routes

import (
	"errors"
	"net/http"

	"github.com/ferama/profcache/pkg/profile"
	"github.com/gin-gonic/gin"
)

type profileGroup struct {
	svc *profile.Service
}

type profileResponse struct {
	*profile.Profile
	Dashboard string `json:"dashboard"`
}

// ProfileRoutes setup the profile lookup routes
func ProfileRoutes(svc *profile.Service, router *gin.RouterGroup) {
	r := &profileGroup{
		svc: svc,
	}

	router.GET(":id", r.get)
}

func (r *profileGroup) get(c *gin.Context) {
	p, err := r.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"status": 404, "message": err.Error()})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"status": 502, "message": "backend unavailable"})
		return
	}

	c.JSON(http.StatusOK, profileResponse{
		Profile:   p,
		Dashboard: p.Role.DashboardPath(),
	})
}
