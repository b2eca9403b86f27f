package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"Fast-TileServer/internal/source"
	"Fast-TileServer/internal/tile"
)

// formats that may be requested under another extension
var extAliases = map[string]string{
	"jpeg": tile.JPG,
	"mvt":  tile.PBF,
}

func formatMatches(ext, format string) bool {
	if ext == format {
		return true
	}
	alias, ok := extAliases[ext]
	return ok && alias == format
}

// baseURL is the scheme and host tile URLs are generated under.
func (s *Server) baseURL(c *gin.Context) string {
	if s.opts.PublicURL != "" {
		return strings.TrimSuffix(s.opts.PublicURL, "/")
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if p := c.GetHeader("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + c.Request.Host
}

// publish returns the TileJSON document of a source as served to clients.
func (s *Server) publish(c *gin.Context, id string, meta *source.Metadata) *source.Metadata {
	out := meta.Clone()
	if len(out.Tiles) == 0 {
		out.Tiles = []string{s.baseURL(c) + "/data/" + id + "/{z}/{x}/{y}." + meta.Format}
	}
	if out.Extra == nil {
		out.Extra = make(map[string]any)
	}
	out.Extra["id"] = id
	return out
}

func (s *Server) index(c *gin.Context) {
	entries := s.reg.List()
	out := make([]*source.Metadata, 0, len(entries))
	for _, e := range entries {
		if e.Metadata == nil {
			continue
		}
		out = append(out, s.publish(c, e.ID, e.Metadata))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) tileJSON(c *gin.Context) {
	id, ok := strings.CutSuffix(c.Param("id"), ".json")
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	src, ok := s.reg.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown source " + id})
		return
	}
	meta := src.Meta()
	if meta == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "source not ready"})
		return
	}
	c.JSON(http.StatusOK, s.publish(c, id, meta))
}

func (s *Server) tile(c *gin.Context) {
	id := c.Param("id")
	ys, ext, _ := strings.Cut(c.Param("y"), ".")
	z, zerr := strconv.Atoi(c.Param("z"))
	x, xerr := strconv.Atoi(c.Param("x"))
	y, yerr := strconv.Atoi(ys)
	if zerr != nil || xerr != nil || yerr != nil {
		c.String(http.StatusBadRequest, "invalid tile coordinate")
		return
	}

	src, ok := s.reg.Get(id)
	if !ok {
		c.String(http.StatusNotFound, "unknown source")
		return
	}
	meta := src.Meta()
	if meta == nil {
		c.String(http.StatusServiceUnavailable, "source not ready")
		return
	}
	if ext != "" && !formatMatches(ext, meta.Format) {
		c.String(http.StatusNotFound, "source has no %s tiles", ext)
		return
	}
	if !(tile.Coord{Z: z, X: x, Y: y}).Valid() {
		c.String(http.StatusNotFound, "tile not found")
		return
	}

	td, err := s.tiles.Fetch(c.Request.Context(), id, z, x, y)
	switch {
	case err == nil:
	case errors.Is(err, tile.ErrNotFound), errors.Is(err, source.ErrUnknownSource):
		c.String(http.StatusNotFound, "tile not found")
		return
	case errors.Is(err, source.ErrNotReady):
		c.String(http.StatusServiceUnavailable, "source not ready")
		return
	default:
		log.WithFields(log.Fields{"source": id, "tile": tile.Coord{Z: z, X: x, Y: y}.String()}).Errorf("fetch tile error ~ %s", err)
		c.String(http.StatusInternalServerError, "tile fetch failed")
		return
	}

	for k, vs := range td.Header {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Data(http.StatusOK, td.Header.Get("Content-Type"), td.C)
}
