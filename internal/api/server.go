package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/internal/metrics"
	"github.com/samcharles93/ptq/pkg/quant"
)

type Server struct {
	store    *SessionStore
	registry *quant.Registry
	log      logger.Logger
	clock    func() time.Time
}

func NewServer(store *SessionStore, registry *quant.Registry, log logger.Logger) *Server {
	if store == nil {
		store = NewSessionStore()
	}
	if registry == nil {
		registry = quant.DefaultRegistry()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		store:    store,
		registry: registry,
		log:      log,
		clock:    time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	// Calibration sessions
	e.POST("/v1/calibrators", s.handleCreateCalibrator)
	e.GET("/v1/calibrators/:id", s.handleGetCalibrator)
	e.DELETE("/v1/calibrators/:id", s.handleDeleteCalibrator)
	e.POST("/v1/calibrators/:id/collect", s.handleCollect)
	e.POST("/v1/calibrators/:id/reset", s.handleReset)

	// Stateless codecs
	e.GET("/v1/formats", s.handleFormats)
	e.POST("/v1/quantize", s.handleQuantize)
	e.POST("/v1/dequantize", s.handleDequantize)

	e.GET("/metrics", handleMetrics)
}

func handleMetrics(c *echo.Context) error {
	metrics.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *Server) handleFormats(c *echo.Context) error {
	resp := FormatsResponse{Object: "list"}
	for _, f := range s.registry.Formats() {
		codec, err := s.registry.Lookup(string(f))
		if err != nil {
			return writeErr(c, err)
		}
		resp.Formats = append(resp.Formats, FormatInfo{
			Format:         string(f),
			BitsPerElement: codec.BitsPerElement(),
			Divisor:        codec.Divisor(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}
