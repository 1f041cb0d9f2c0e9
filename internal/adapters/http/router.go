package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quorumchat/calls/internal/adapters/signal"
	"github.com/quorumchat/calls/internal/app"
	"github.com/quorumchat/calls/internal/config"
	"github.com/quorumchat/calls/internal/domain"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware pins a stable identity cookie on every client. The
// token doubles as the participant id on the signaling socket.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func callJSON(snap domain.Call) gin.H {
	parts := make([]gin.H, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		parts = append(parts, gin.H{
			"id":     p.ID,
			"handle": p.Handle,
			"state":  p.State.String(),
			"audio":  p.Audio,
			"video":  p.Video,
			"screen": p.Screen,
		})
	}
	return gin.H{
		"id":           snap.ID,
		"kind":         snap.Kind,
		"creator":      snap.Creator,
		"state":        snap.State.String(),
		"createdAt":    snap.CreatedAt,
		"participants": parts,
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, orch *app.Orchestrator, ctl *signal.SignalWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CallSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")

	// GET /api/calls - list live calls
	api.GET("/calls", func(c *gin.Context) {
		machines := orch.Registry.List()
		out := make([]gin.H, 0, len(machines))
		for _, m := range machines {
			out = append(out, callJSON(m.Snapshot()))
		}
		c.JSON(http.StatusOK, gin.H{"calls": out})
	})

	// GET /api/calls/:id - one call
	api.GET("/calls/:id", func(c *gin.Context) {
		m, ok := orch.Registry.Get(domain.CallID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		c.JSON(http.StatusOK, callJSON(m.Snapshot()))
	})

	// DELETE /api/calls/:id - force-end a call
	api.DELETE("/calls/:id", func(c *gin.Context) {
		m, ok := orch.Registry.Get(domain.CallID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		_ = m.End(domain.ReasonEndedByAdmin)
		c.Status(http.StatusNoContent)
	})

	// DELETE /api/calls/:id/participants/:pid - remove a participant
	api.DELETE("/calls/:id/participants/:pid", func(c *gin.Context) {
		m, ok := orch.Registry.Get(domain.CallID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		if err := m.Kick(domain.ParticipantID(c.Param("pid")), "removed_by_admin"); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.GET("/ws/signal", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	return r
}
