package web

import (
	"gocurate/models"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
)

// Deps carries everything the HTTP layer serves. Hub and Workspace are
// nil when the process does not run that role; routes for a missing
// role are simply not mounted.
type Deps struct {
	Cfg       *models.Config
	Hub       *models.Hub
	Workspace *models.Workspace
	Engine    *models.SyncEngine
}

// NewServer creates and configures the RWeb server. Options come from
// the caller so production uses the configured listen address and tests
// use a dynamic port with a ready channel.
func NewServer(deps Deps, opts rweb.ServerOptions) *rweb.Server {
	s := rweb.NewServer(opts)

	s.Use(rweb.RequestInfo)
	s.Use(CorsMiddleware)
	s.Use(JWTAuthMiddleware)
	s.Use(LoggingMiddleware)

	setupRoutes(s, deps)

	return s
}

// Run starts the server
func Run(s *rweb.Server, address string) error {
	logger.Info("gocurate HTTP server starting", "address", address)
	return s.Run()
}
