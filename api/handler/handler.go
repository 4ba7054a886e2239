package handler

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"fleet/api/channel"
	"fleet/api/hub"
	"fleet/api/registry"
	"fleet/api/scheduler"
	"fleet/api/tasks"
)

var validIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Pinger reports whether the durable store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RetentionStatus reports the most recent retention sweep.
type RetentionStatus interface {
	Last() (at time.Time, deleted int64, err error)
}

type Handler struct {
	registry  *registry.Registry
	queue     *tasks.Queue
	scheduler *scheduler.Scheduler
	channel   *channel.Hub
	events    *hub.Hub
	db        Pinger
	retention RetentionStatus
	version   string
}

type Deps struct {
	Registry  *registry.Registry
	Queue     *tasks.Queue
	Scheduler *scheduler.Scheduler
	Channel   *channel.Hub
	Events    *hub.Hub
	// DB is nil for the in-memory store.
	DB        Pinger
	Retention RetentionStatus
	Version   string
}

func New(d Deps) *Handler {
	return &Handler{
		registry:  d.Registry,
		queue:     d.Queue,
		scheduler: d.Scheduler,
		channel:   d.Channel,
		events:    d.Events,
		db:        d.DB,
		retention: d.Retention,
		version:   d.Version,
	}
}

// Mount registers every /api route on r. Operator routes are wrapped in
// operatorAuth; agent routes authenticate the node themselves.
func (h *Handler) Mount(r chi.Router, operatorAuth func(http.Handler) http.Handler) {
	if operatorAuth == nil {
		operatorAuth = func(next http.Handler) http.Handler { return next }
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/version", h.Version)

		r.Route("/agent", func(r chi.Router) {
			r.Post("/register", h.AgentRegister)
			r.Get("/connect", h.channel.HandleConnect)
			r.Group(func(r chi.Router) {
				r.Use(h.NodeAuth)
				r.Post("/heartbeat", h.AgentHeartbeat)
				r.Get("/tasks", h.AgentClaim)
				r.With(ValidateID("taskId")).Post("/tasks/{taskId}/status", h.AgentReportStatus)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(operatorAuth)
			r.Get("/events", h.events.HandleConnect)
			r.Post("/tokens", h.IssueToken)
			r.Get("/nodes", h.ListNodes)
			r.Route("/nodes/{nodeId}", func(r chi.Router) {
				r.Use(ValidateID("nodeId"))
				r.Get("/", h.GetNode)
				r.Put("/override", h.SetOverride)
				r.Delete("/", h.RemoveNode)
			})
			r.Post("/schedule", h.Schedule)
			r.Post("/tasks", h.EnqueueTask)
			r.Get("/tasks", h.ListTasks)
			r.Post("/tasks/cancel", h.CancelTasks)
			r.With(ValidateID("taskId")).Get("/tasks/{taskId}", h.GetTask)
		})
	})
}

// ValidateID is middleware that rejects requests whose URL parameter is not
// a plausible id.
func ValidateID(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, param)
			if id != "" && !validIDRe.MatchString(id) {
				http.Error(w, "invalid "+param, http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
