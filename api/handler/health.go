package handler

import (
	"context"
	"net/http"
	"time"
)

type ServiceHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // up, down
	Details string `json:"details,omitempty"`
}

type RetentionHealth struct {
	LastRun *time.Time `json:"lastRun,omitempty"`
	Deleted int64      `json:"deleted"`
	Error   string     `json:"error,omitempty"`
}

type healthResponse struct {
	Status    string           `json:"status"`
	Services  []ServiceHealth  `json:"services"`
	Sessions  int              `json:"sessions"`
	Retention *RetentionHealth `json:"retention,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := []ServiceHealth{h.checkStore(ctx)}
	status := "healthy"
	for _, s := range services {
		if s.Status == "down" {
			status = "degraded"
		}
	}
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{
		Status:    status,
		Services:  services,
		Sessions:  len(h.channel.Connected()),
		Retention: h.retentionHealth(),
	})
}

// A failed sweep is reported but does not degrade the service.
func (h *Handler) retentionHealth() *RetentionHealth {
	if h.retention == nil {
		return nil
	}
	at, deleted, err := h.retention.Last()
	out := &RetentionHealth{Deleted: deleted}
	if !at.IsZero() {
		out.LastRun = &at
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func (h *Handler) checkStore(ctx context.Context) ServiceHealth {
	if h.db == nil {
		return ServiceHealth{Name: "store", Status: "up", Details: "in-memory"}
	}
	if err := h.db.Ping(ctx); err != nil {
		return ServiceHealth{Name: "postgres", Status: "down", Details: err.Error()}
	}
	return ServiceHealth{Name: "postgres", Status: "up"}
}

func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.version})
}
