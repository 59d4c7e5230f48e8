// Package handlers contains the thin HTTP layer over the job pipeline.
// Validation and authentication happen before these handlers run.
package handlers

import (
	"github.com/lumenforge/generation-service/internal/jobstore"
	"github.com/lumenforge/generation-service/internal/notify"
	"github.com/lumenforge/generation-service/internal/router"
)

// Handlers carries the injected collaborators. Constructed once at startup;
// there are no package-level lookups.
type Handlers struct {
	Jobs          *jobstore.Store
	Router        *router.Router
	Notifications *notify.Store
	Health        HealthDeps
}

func New(jobs *jobstore.Store, r *router.Router, notifications *notify.Store, health HealthDeps) *Handlers {
	return &Handlers{
		Jobs:          jobs,
		Router:        r,
		Notifications: notifications,
		Health:        health,
	}
}
