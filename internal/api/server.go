package api

import (
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/hive/internal/logger"
	"github.com/samcharles93/hive/internal/moe"
)

// Server exposes expert-load statistics over HTTP. It is read-only: the
// compute path never depends on it.
type Server struct {
	log logger.Logger
	reg *Registry
}

func NewServer(log logger.Logger, reg *Registry) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{log: log, reg: reg}
}

// LayerStats is the per-layer stats payload.
type LayerStats struct {
	ID           string       `json:"id"`
	Backend      string       `json:"backend"`
	Quant        string       `json:"quant"`
	Experts      int          `json:"experts"`
	LocalExperts int          `json:"local_experts"`
	ShardRank    int          `json:"shard_rank"`
	ShardCount   int          `json:"shard_count"`
	Load         moe.Snapshot `json:"load"`
}

// StatsResponse aggregates all registered layers.
type StatsResponse struct {
	Layers []LayerStats `json:"layers"`
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/moe/stats", s.handleStats)
	e.GET("/v1/moe/layers/:id/stats", s.handleLayerStats)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(c *echo.Context) error {
	resp := StatsResponse{Layers: make([]LayerStats, 0, len(s.reg.List()))}
	for _, l := range s.reg.List() {
		resp.Layers = append(resp.Layers, layerStats(l))
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleLayerStats(c *echo.Context) error {
	l := s.reg.Get(c.Param("id"))
	if l == nil {
		return writeNotFound(c, "unknown layer id")
	}
	return writeJSON(c, http.StatusOK, layerStats(l))
}

func layerStats(l *moe.Layer) LayerStats {
	cfg := l.Config()
	part := l.Partition()
	return LayerStats{
		ID:           l.ID(),
		Backend:      cfg.Backend.String(),
		Quant:        cfg.Quant.String(),
		Experts:      cfg.NumExperts,
		LocalExperts: part.LocalCount,
		ShardRank:    cfg.ShardRank,
		ShardCount:   cfg.ShardCount,
		Load:         l.LoadStats(),
	}
}

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, echo.MIMEApplicationJSON, b)
}

func writeNotFound(c *echo.Context, msg string) error {
	return c.JSON(http.StatusNotFound, map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    "not_found_error",
		},
	})
}
