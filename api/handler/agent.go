package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"fleet/api/model"
)

type ctxKey int

const nodeKey ctxKey = iota

// NodeAuth authenticates a worker request by its X-Node-ID header and the
// session token in Authorization.
func (h *Handler) NodeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.Header.Get("X-Node-ID")
		auth := r.Header.Get("Authorization")
		if nodeID == "" || !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, r, model.ErrAuthFailed)
			return
		}
		node, err := h.registry.VerifySession(r.Context(), nodeID, strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), nodeKey, node)))
	})
}

func nodeFrom(ctx context.Context) *model.Node {
	n, _ := ctx.Value(nodeKey).(*model.Node)
	return n
}

type registerResponse struct {
	NodeID string `json:"nodeId"`
	Secret string `json:"secret"`
	Region string `json:"region"`
}

// AgentRegister redeems a registration token. The secret in the response is
// never returned again.
func (h *Handler) AgentRegister(w http.ResponseWriter, r *http.Request) {
	var req model.Registration
	if !decode(w, r, &req) {
		return
	}
	node, secret, err := h.registry.CompleteRegistration(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{NodeID: node.ID, Secret: secret, Region: node.Region})
}

func (h *Handler) AgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb model.Heartbeat
	if !decode(w, r, &hb) {
		return
	}
	if err := h.registry.Heartbeat(r.Context(), nodeFrom(r.Context()).ID, hb); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AgentClaim is the pull path: the same backlog and ordering as the
// connect-time flush.
func (h *Handler) AgentClaim(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		limit = n
	}
	claimed, err := h.queue.Claim(r.Context(), nodeFrom(r.Context()).ID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if claimed == nil {
		claimed = []model.Task{}
	}
	writeJSON(w, http.StatusOK, claimed)
}

type statusRequest struct {
	Status  model.TaskStatus `json:"status"`
	Output  string           `json:"output,omitempty"`
	Message string           `json:"message,omitempty"`
}

func (h *Handler) AgentReportStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.queue.Report(r.Context(), nodeFrom(r.Context()).ID, model.StatusReport{
		TaskID:  chi.URLParam(r, "taskId"),
		Status:  req.Status,
		Output:  req.Output,
		Message: req.Message,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
