package peer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/umicp/internal/auth"
	"github.com/danmuck/umicp/internal/node"
	"github.com/danmuck/umicp/internal/observability"
	"github.com/danmuck/umicp/internal/protocol"
	"github.com/danmuck/umicp/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func newAdminRouter(id string, corsOrigins []string) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	return r
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

// RegisterRoutes installs the admin routes. A non-empty token is required as
// a bearer token on DELETE routes.
func (p *Peer) RegisterRoutes(token string) {
	r := p.http
	var guard gin.HandlerFunc = func(c *gin.Context) { c.Next() }
	if token != "" {
		guard = auth.RequireBearer(auth.StaticToken{Token: token})
	}
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"uptime":      time.Since(p.Appeared).String(),
			"id":          p.ID,
			"node":        node.Describe(p),
			"role":        p.tr.Role(),
			"network":     p.tr.Network(),
			"addr":        p.tr.Addr(),
			"running":     p.tr.IsRunning(),
			"connections": len(p.tr.Connections()),
			"version":     protocol.Version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": p.tr.Connections()})
	})

	r.GET("/connections/:id", func(c *gin.Context) {
		info, ok := p.tr.Connection(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	r.DELETE("/connections/:id", guard, func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := p.tr.Connection(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := p.tr.Close(ctx, id); err != nil && !errors.Is(err, transport.ErrConnectionClosed) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		log.Info().Str("component", "admin").Str("conn_id", id).Msg("connection closed by admin")
		c.JSON(http.StatusOK, gin.H{"status": "closed", "id": id})
	})

	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, p.tr.Stats())
	})

	r.GET("/pending", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pending": p.tr.Pending()})
	})

	r.GET("/routes", func(c *gin.Context) {
		ops := p.router.Operations()
		names := make([]string, 0, len(ops))
		for _, op := range ops {
			names = append(names, op.String())
		}
		c.JSON(http.StatusOK, gin.H{"operations": names})
	})
}

// ServeAdmin serves the admin routes on addr until ctx is done.
func (p *Peer) ServeAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           p.http,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "admin").Str("addr", addr).Msg("admin http listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
