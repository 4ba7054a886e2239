package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"fleet/api/model"
	"fleet/api/scheduler"
)

type issueTokenRequest struct {
	Org    string `json:"org"`
	Region string `json:"region"`
	Name   string `json:"name,omitempty"`
}

type issueTokenResponse struct {
	Token     string    `json:"token"`
	NodeID    string    `json:"nodeId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Org == "" || req.Region == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "org and region are required"})
		return
	}
	tok, err := h.registry.IssueRegistrationToken(r.Context(), req.Org, req.Region, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueTokenResponse{Token: tok.Token, NodeID: tok.NodeID, ExpiresAt: tok.ExpiresAt})
}

// NodeView is a node plus whether it currently holds a control channel.
type NodeView struct {
	model.Node
	Reachable bool `json:"reachable"`
}

func (h *Handler) view(n model.Node) NodeView {
	return NodeView{Node: n, Reachable: h.channel.IsOnline(n.ID)}
}

func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("region")
	var (
		nodes []model.Node
		err   error
	)
	if online, _ := strconv.ParseBool(r.URL.Query().Get("online")); online {
		nodes, err = h.registry.ListOnline(r.Context(), region)
	} else {
		nodes, err = h.registry.List(r.Context(), region)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, h.view(n))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	node, err := h.registry.Get(r.Context(), chi.URLParam(r, "nodeId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if node == nil {
		writeError(w, r, model.ErrUnknownNode)
		return
	}
	writeJSON(w, http.StatusOK, h.view(*node))
}

type overrideRequest struct {
	Override model.NodeOverride `json:"override"`
}

func (h *Handler) SetOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if !decode(w, r, &req) {
		return
	}
	node, err := h.registry.SetOverride(r.Context(), chi.URLParam(r, "nodeId"), req.Override)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(*node))
}

// RemoveNode deletes a node. Open tasks block removal unless drain=true, in
// which case they are failed with the drain marker first.
func (h *Handler) RemoveNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "nodeId")
	drain, _ := strconv.ParseBool(r.URL.Query().Get("drain"))

	node, err := h.registry.Get(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if node == nil {
		writeError(w, r, model.ErrUnknownNode)
		return
	}
	open, err := h.queue.OpenCount(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cancelled := 0
	if open > 0 {
		if !drain {
			writeError(w, r, model.ErrNodeBusy)
			return
		}
		if cancelled, err = h.queue.CancelForNode(ctx, id); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if err := h.registry.Remove(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}
	// Tasks enqueued after the count above would otherwise stay pending forever.
	late, err := h.queue.CancelForNode(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("component", "http").Str("node", id).Msg("cancel late tasks")
	}
	cancelled += late
	h.channel.Disconnect(id)
	log.Info().Str("component", "http").Str("node", id).Int("cancelled", cancelled).Msg("node removed")
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": cancelled})
}

type scheduleRequest struct {
	Region string `json:"region"`
	model.Capacity
	Explain bool `json:"explain,omitempty"`
}

type scheduleResponse struct {
	NodeID     string                `json:"nodeId"`
	Candidates []scheduler.Candidate `json:"candidates,omitempty"`
}

// Schedule answers a placement query. The decision is not a reservation.
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Explain {
		node, err := h.scheduler.SelectNode(r.Context(), req.Region, req.Capacity)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, scheduleResponse{NodeID: node.ID})
		return
	}
	ranked, err := h.scheduler.Rank(r.Context(), req.Region, req.Capacity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(ranked) == 0 {
		writeError(w, r, model.ErrNoCapacity)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{NodeID: ranked[0].Node.ID, Candidates: ranked})
}
