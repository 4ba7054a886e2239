package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"fleet/api/model"
	"fleet/api/tasks"
)

// TaskView is an enqueued task plus whether it was pushed right away.
type TaskView struct {
	*model.Task
	Delivered bool `json:"delivered"`
}

// EnqueueTask stores a task and pushes it at once when the node holds a
// session. Otherwise it waits for the node's next connect or pull.
func (h *Handler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req model.TaskRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.queue.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	delivered := h.channel.SendTask(r.Context(), task.NodeID, task)
	if delivered {
		if cur, err := h.queue.Get(r.Context(), task.ID); err == nil {
			task = cur
		}
	}
	writeJSON(w, http.StatusCreated, TaskView{Task: task, Delivered: delivered})
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := tasks.Filter{
		NodeID:       q.Get("node"),
		Status:       model.TaskStatus(q.Get("status")),
		ResourceType: model.ResourceType(q.Get("resourceType")),
		ResourceID:   q.Get("resourceId"),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown status " + string(f.Status)})
		return
	}
	if f.ResourceType != "" && !f.ResourceType.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown resource type " + string(f.ResourceType)})
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		f.Limit = n
	}
	list, err := h.queue.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.queue.Get(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type cancelRequest struct {
	ResourceType model.ResourceType `json:"resourceType"`
	ResourceID   string             `json:"resourceId"`
}

// CancelTasks fails every open task of a resource that is being deleted.
func (h *Handler) CancelTasks(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.ResourceType.Valid() || req.ResourceID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "resourceType and resourceId are required"})
		return
	}
	n, err := h.queue.CancelPending(r.Context(), req.ResourceType, req.ResourceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}
