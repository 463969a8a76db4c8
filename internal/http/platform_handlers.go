package httpx

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/modal"
	"github.com/JoeProAI/neural-weights-hub/internal/service/deploy"
	"github.com/JoeProAI/neural-weights-hub/internal/service/inference"
	"github.com/JoeProAI/neural-weights-hub/internal/service/project"
)

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(req))
}

func (r *Router) handleUsage(w http.ResponseWriter, req *http.Request) {
	if r.svc.Usage == nil {
		unavailable(w, "usage")
		return
	}
	summary, err := r.svc.Usage.Summary(req.Context(), currentUser(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (r *Router) handleServerHealth(w http.ResponseWriter, req *http.Request) {
	if r.svc.Inference == nil {
		unavailable(w, "inference")
		return
	}
	writeJSON(w, http.StatusOK, r.svc.Inference.Health(req.Context()))
}

func (r *Router) handleChat(w http.ResponseWriter, req *http.Request) {
	if r.svc.Inference == nil {
		unavailable(w, "inference")
		return
	}
	var payload struct {
		Model    string          `json:"model"`
		Messages []modal.Message `json:"messages"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	result, err := r.svc.Inference.Chat(req.Context(), currentUser(req), payload.Model, payload.Messages)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleAssist(w http.ResponseWriter, req *http.Request) {
	if r.svc.Inference == nil {
		unavailable(w, "inference")
		return
	}
	var payload inference.AssistInput
	if !decodeJSON(w, req, &payload) {
		return
	}
	result, err := r.svc.Inference.Assist(req.Context(), currentUser(req), payload)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleListApps(w http.ResponseWriter, req *http.Request) {
	if r.svc.Deploy == nil {
		unavailable(w, "deployments")
		return
	}
	deployments, err := r.svc.Deploy.List(req.Context(), currentUser(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": deployments, "count": len(deployments)})
}

func (r *Router) handleDeployApp(w http.ResponseWriter, req *http.Request) {
	if r.svc.Deploy == nil {
		unavailable(w, "deployments")
		return
	}
	var payload deploy.Input
	if !decodeJSON(w, req, &payload) {
		return
	}
	dep, err := r.svc.Deploy.Deploy(req.Context(), currentUser(req), payload)
	r.writeDeployment(w, req, dep, err)
}

// writeDeployment renders a deploy outcome. A failed bootstrap still leaves a
// record worth returning.
func (r *Router) writeDeployment(w http.ResponseWriter, req *http.Request, dep *domain.Deployment, err error) {
	if err == nil {
		writeJSON(w, http.StatusCreated, dep)
		return
	}
	if dep == nil {
		r.writeServiceError(w, req, err)
		return
	}
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "deployment": dep})
}

func (r *Router) handleAppSecrets(w http.ResponseWriter, req *http.Request) {
	if r.svc.Deploy == nil {
		unavailable(w, "deployments")
		return
	}
	id := req.PathValue("id")
	secrets, err := r.svc.Deploy.Secrets(req.Context(), currentUser(req), id)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if secrets == nil {
		secrets = map[string]string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "secrets": secrets})
}

func (r *Router) handleDeleteApp(w http.ResponseWriter, req *http.Request) {
	if r.svc.Deploy == nil {
		unavailable(w, "deployments")
		return
	}
	id := req.PathValue("id")
	if err := r.svc.Deploy.Delete(req.Context(), currentUser(req), id); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (r *Router) handleListProjects(w http.ResponseWriter, req *http.Request) {
	if r.svc.Projects == nil {
		unavailable(w, "projects")
		return
	}
	projects, err := r.svc.Projects.List(req.Context(), currentUser(req), queryInt(req, "limit", 0))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects, "count": len(projects)})
}

func (r *Router) handleSaveProject(w http.ResponseWriter, req *http.Request) {
	if r.svc.Projects == nil {
		unavailable(w, "projects")
		return
	}
	var payload project.SaveInput
	if !decodeJSON(w, req, &payload) {
		return
	}
	saved, err := r.svc.Projects.Save(req.Context(), currentUser(req), payload)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (r *Router) handleExportProject(w http.ResponseWriter, req *http.Request) {
	if r.svc.Projects == nil {
		unavailable(w, "projects")
		return
	}
	var payload struct {
		Format string `json:"format"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	if payload.Format == "" {
		payload.Format = req.URL.Query().Get("format")
	}
	out, err := r.svc.Projects.Export(req.Context(), currentUser(req), req.PathValue("id"), payload.Format)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.Header().Set("Content-Type", out.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", out.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Body)
}

func (r *Router) handleDeployProject(w http.ResponseWriter, req *http.Request) {
	if r.svc.Projects == nil {
		unavailable(w, "projects")
		return
	}
	dep, err := r.svc.Projects.Deploy(req.Context(), currentUser(req), req.PathValue("id"))
	r.writeDeployment(w, req, dep, err)
}
