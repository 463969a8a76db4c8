package httpx

import (
	"net/http"
	"strings"
)

func (r *Router) handleListSandboxes(w http.ResponseWriter, req *http.Request) {
	if r.svc.Sandboxes == nil {
		unavailable(w, "sandboxes")
		return
	}
	result, err := r.svc.Sandboxes.List(req.Context(), currentUser(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleCreateSandbox(w http.ResponseWriter, req *http.Request) {
	if r.svc.Sandboxes == nil {
		unavailable(w, "sandboxes")
		return
	}
	var payload struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	sb, err := r.svc.Sandboxes.Create(req.Context(), currentUser(req), strings.TrimSpace(payload.Name))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, sb)
}

func (r *Router) handleGetSandbox(w http.ResponseWriter, req *http.Request) {
	if r.svc.Sandboxes == nil {
		unavailable(w, "sandboxes")
		return
	}
	sb, err := r.svc.Sandboxes.Get(req.Context(), currentUser(req), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

func (r *Router) handleDeleteSandbox(w http.ResponseWriter, req *http.Request) {
	if r.svc.Sandboxes == nil {
		unavailable(w, "sandboxes")
		return
	}
	id := req.PathValue("id")
	if err := r.svc.Sandboxes.Delete(req.Context(), currentUser(req), id); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (r *Router) handleStartSandbox(w http.ResponseWriter, req *http.Request) {
	if r.svc.Sandboxes == nil {
		unavailable(w, "sandboxes")
		return
	}
	sb, err := r.svc.Sandboxes.Start(req.Context(), currentUser(req), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

func (r *Router) handleStopSandbox(w http.ResponseWriter, req *http.Request) {
	if r.svc.Sandboxes == nil {
		unavailable(w, "sandboxes")
		return
	}
	sb, err := r.svc.Sandboxes.Stop(req.Context(), currentUser(req), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

func (r *Router) handleSnapshot(w http.ResponseWriter, req *http.Request) {
	if r.svc.Sandboxes == nil {
		unavailable(w, "sandboxes")
		return
	}
	var payload struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	id := req.PathValue("id")
	snapshot, err := r.svc.Sandboxes.Snapshot(req.Context(), currentUser(req), id, strings.TrimSpace(payload.Name))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sandbox_id": id, "snapshot": snapshot})
}

func (r *Router) handleExecute(w http.ResponseWriter, req *http.Request) {
	if r.svc.Sandboxes == nil {
		unavailable(w, "sandboxes")
		return
	}
	var payload struct {
		Code     string `json:"code"`
		Language string `json:"language"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	result, err := r.svc.Sandboxes.Execute(req.Context(), currentUser(req), req.PathValue("id"), payload.Code, payload.Language)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handlePreview(w http.ResponseWriter, req *http.Request) {
	if r.svc.Sandboxes == nil {
		unavailable(w, "sandboxes")
		return
	}
	result, err := r.svc.Sandboxes.Preview(req.Context(), currentUser(req), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleListCleanup(w http.ResponseWriter, req *http.Request) {
	if r.svc.Sandboxes == nil {
		unavailable(w, "sandboxes")
		return
	}
	candidates, err := r.svc.Sandboxes.ListForCleanup(req.Context(), currentUser(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sandboxes": candidates, "count": len(candidates)})
}

func (r *Router) handleCleanup(w http.ResponseWriter, req *http.Request) {
	if r.svc.Sandboxes == nil {
		unavailable(w, "sandboxes")
		return
	}
	report, err := r.svc.Sandboxes.Cleanup(req.Context(), currentUser(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (r *Router) handleDeleteSelected(w http.ResponseWriter, req *http.Request) {
	if r.svc.Sandboxes == nil {
		unavailable(w, "sandboxes")
		return
	}
	var payload struct {
		SandboxIDs []string `json:"sandbox_ids"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	report, err := r.svc.Sandboxes.DeleteSelected(req.Context(), currentUser(req), payload.SandboxIDs)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
