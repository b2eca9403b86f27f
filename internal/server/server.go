// Package server exposes the source registry over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"Fast-TileServer/internal/source"
	"Fast-TileServer/internal/tile"
)

// Fetcher serves tiles; the registry itself or a cache in front of it.
type Fetcher interface {
	Fetch(ctx context.Context, id string, z, x, y int) (*tile.Tile, error)
}

// Options configures the HTTP layer.
type Options struct {
	// PublicURL prefixes generated tile URLs. Empty means derive from the request.
	PublicURL string
	Title     string
	Version   string
}

// Server routes tile, TileJSON and listing requests.
type Server struct {
	reg    *source.Registry
	tiles  Fetcher
	opts   Options
	engine *gin.Engine
}

// New builds the router. fetcher may be nil to fetch from reg directly.
func New(reg *source.Registry, fetcher Fetcher, opts Options) *Server {
	if fetcher == nil {
		fetcher = reg
	}
	s := &Server{reg: reg, tiles: fetcher, opts: opts, engine: gin.New()}
	s.engine.Use(gin.Recovery(), accessLog())
	s.engine.GET("/health", s.health)
	s.engine.GET("/index.json", s.index)
	s.engine.GET("/data/:id", s.tileJSON)
	s.engine.GET("/data/:id/:z/:x/:y", s.tile)
	return s
}

// Handler returns the http.Handler to serve.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"title":   s.opts.Title,
		"version": s.opts.Version,
		"sources": len(s.reg.List()),
	})
}

// accessLog tags each request with an id and logs it once it completes.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		rid := c.GetHeader("X-Request-Id")
		if rid == "" {
			rid = uuid.New().String()
		}
		c.Header("X-Request-Id", rid)
		c.Set("rid", rid)

		c.Next()

		status := c.Writer.Status()
		entry := log.WithFields(log.Fields{
			"rid":     rid,
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  status,
			"latency": time.Since(start).Round(time.Microsecond),
		})
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed")
		default:
			entry.Debug("request")
		}
	}
}
