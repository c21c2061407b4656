// Package server wires the HTTP surface: resource CRUD, search, history,
// compartments, and operational endpoints.
package server

import (
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medstack/recordstore/internal/platform/metrics"
	mw "github.com/medstack/recordstore/internal/platform/middleware"
	"github.com/medstack/recordstore/internal/query"
	"github.com/medstack/recordstore/internal/store"
)

// Server handles the record API.
type Server struct {
	engine      *store.Engine
	proc        *query.Processor
	met         *metrics.Metrics
	log         zerolog.Logger
	reindexPage int
}

// Options configures a server.
type Options struct {
	Engine      *store.Engine
	Processor   *query.Processor
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	ReindexPage int
}

// New builds a server around an engine and query processor.
func New(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Server{
		engine:      opts.Engine,
		proc:        opts.Processor,
		met:         opts.Metrics,
		log:         opts.Logger,
		reindexPage: opts.ReindexPage,
	}
}

// Echo assembles the configured echo instance with all routes and middleware.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(
		mw.RequestID(),
		mw.Recovery(s.log),
		mw.Logger(s.log),
		s.met.Middleware(),
	)

	e.GET("/healthz", s.Health)
	e.GET("/metrics", s.met.Handler())

	g := e.Group("/fhir")
	g.GET("/metadata", s.Capability)
	g.POST("/$reindex", s.Reindex)

	g.GET("/Patient/:id/$everything", s.Everything)

	g.POST("/:type", s.Create)
	g.GET("/:type", s.Search)
	g.POST("/:type/_search", s.SearchPost)
	g.GET("/:type/:id", s.Read)
	g.PUT("/:type/:id", s.Update)
	g.DELETE("/:type/:id", s.Delete)
	g.GET("/:type/:id/_history", s.History)
	g.GET("/:type/:id/_history/:vid", s.VRead)

	return e
}
