package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/felipepmaragno/seo-llm-proxy/internal/auth"
	"github.com/felipepmaragno/seo-llm-proxy/internal/catalog"
	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/prompt"
)

// handleListModels lists the catalog. ?tier= keeps the models that tier may use and
// ?task= keeps the models that support the task.
func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tier := domain.Tier(q.Get("tier"))
	task := domain.Task(q.Get("task"))

	if tier != "" && !tier.Valid() {
		writeError(w, http.StatusBadRequest, "unknown tier: "+string(tier))
		return
	}

	data := make([]domain.Model, 0)
	for _, d := range catalog.All() {
		if tier != "" && !catalog.Eligible(tier, d) {
			continue
		}
		if task != "" && !d.Supports(task) {
			continue
		}
		data = append(data, domain.Model{
			ID:        d.ID,
			Object:    "model",
			OwnedBy:   string(d.Provider),
			Provider:  string(d.Provider),
			Hosting:   string(d.Hosting),
			Tier:      string(d.Tier),
			Tasks:     d.SupportedTasks,
			Context:   d.ContextWindowTokens,
			CostPer1K: d.CostPer1KTokens,
		})
	}

	writeJSON(w, http.StatusOK, domain.ModelsResponse{Object: "list", Data: data})
}

type templateView struct {
	prompt.Template
	Variables []string `json:"variables"`
}

func (h *Handler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates := prompt.List()
	out := make([]templateView, 0, len(templates))
	for _, t := range templates {
		out = append(out, templateView{Template: t, Variables: t.Variables()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": out})
}

type fillRequest struct {
	Variables map[string]string `json:"variables"`
}

type fillResponse struct {
	TemplateID string           `json:"template_id"`
	Task       domain.Task      `json:"task"`
	Messages   []domain.Message `json:"messages"`
}

func (h *Handler) handleFillTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	t, ok := prompt.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "template not found: "+id)
		return
	}

	var req fillRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	messages, _ := prompt.Fill(id, req.Variables)
	writeJSON(w, http.StatusOK, fillResponse{TemplateID: id, Task: t.Task, Messages: messages})
}

// handleQuota reports the caller's own monthly usage.
func (h *Handler) handleQuota(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	tier := h.tracker.GetTier(r.Context(), id.UserID)

	status, err := h.tracker.Status(r.Context(), id.UserID, tier)
	if err != nil {
		slog.Error("quota status failed", "user_id", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}
	writeJSON(w, http.StatusOK, status)
}
