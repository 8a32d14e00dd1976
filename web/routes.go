package web

import (
	"gocurate/web/api"
	"gocurate/web/pages"

	"github.com/rohanthewiz/rweb"
)

// setupRoutes mounts the routes for whichever roles this process runs.
// Hub routes serve the sync protocol; workspace routes serve the local
// queue's operational surface. The status page and health check are
// always mounted.
func setupRoutes(s *rweb.Server, deps Deps) {
	h := &api.Handlers{
		Hub:       deps.Hub,
		Workspace: deps.Workspace,
		Engine:    deps.Engine,
	}

	// Operator status page - HTML response
	s.Get("/", func(ctx rweb.Context) error {
		ctx.Response().SetHeader("Content-Type", "text/html; charset=utf-8")
		return ctx.WriteHTML(statusPage(deps).Render())
	})

	s.Get("/api/v1/health", h.Health)

	if deps.Hub != nil {
		// Authentication for sync clients
		s.Post("/api/v1/auth/register", h.Register)
		s.Post("/api/v1/auth/login", h.Login)
		s.Get("/api/v1/auth/me", h.GetCurrentUser)

		// Sync protocol
		s.Post("/api/v1/sync", h.SubmitChanges) // Accept a change batch
		s.Get("/api/v1/changes", h.GetChanges)  // Change feed after a cursor
	}

	if deps.Engine != nil {
		// Local queue operations
		s.Get("/api/v1/queue/status", h.QueueStatus)   // Engine state + queue counts + failures
		s.Get("/api/v1/queue/recent", h.RecentChanges) // Latest records, newest first
		s.Post("/api/v1/queue/retry", h.QueueRetry)    // Requeue failed changes
		s.Post("/api/v1/sync/now", h.SyncNow)          // Run a cycle immediately
		s.Post("/api/v1/sync/toggle", h.SyncToggle)    // Enable/disable the engine
	}
}

// statusPage assembles the status page model from live state.
func statusPage(deps Deps) pages.Status {
	page := pages.Status{Mode: deps.Cfg.Mode}
	page.Title = "gocurate"

	if deps.Engine != nil {
		st := deps.Engine.Status()
		page.Engine = &st

		if deps.Workspace != nil {
			if failed, err := deps.Workspace.Log().FailedChanges(10); err == nil {
				page.Failures = failed
			}
			if recent, err := deps.Workspace.Log().RecentChanges(10); err == nil {
				page.Recent = recent
			}
		}
	}

	return page
}
