package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/felipepmaragno/seo-llm-proxy/internal/auth"
	"github.com/felipepmaragno/seo-llm-proxy/internal/billing"
	"github.com/felipepmaragno/seo-llm-proxy/internal/crypto"
	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
	"github.com/felipepmaragno/seo-llm-proxy/internal/quota"
	"github.com/felipepmaragno/seo-llm-proxy/internal/repository"
)

type AdminConfig struct {
	Profiles repository.ProfileRepository
	Usage    repository.UsageRepository
	Tracker  *quota.Tracker
	Auth     *auth.AdminAuthenticator
	// Syncer is optional. Without it tier sync answers 501.
	Syncer *billing.TierSyncer
}

// AdminHandler serves the back-office API for support staff: profile edits, stored
// provider keys, usage reports and billing tier sync.
type AdminHandler struct {
	profiles repository.ProfileRepository
	usage    repository.UsageRepository
	tracker  *quota.Tracker
	syncer   *billing.TierSyncer
	mux      *http.ServeMux
	handler  http.Handler
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	h := &AdminHandler{
		profiles: cfg.Profiles,
		usage:    cfg.Usage,
		tracker:  cfg.Tracker,
		syncer:   cfg.Syncer,
		mux:      http.NewServeMux(),
	}

	rbac := auth.NewRBACMiddleware(cfg.Auth, writeError)
	handle := func(pattern string, perm auth.Permission, fn http.HandlerFunc) {
		h.mux.Handle(pattern, rbac.RequirePermission(perm)(fn))
	}

	handle("GET /admin/users/{id}", auth.PermissionProfileRead, h.getUser)
	handle("PUT /admin/users/{id}", auth.PermissionProfileWrite, h.updateUser)
	handle("GET /admin/users/{id}/usage", auth.PermissionUsageRead, h.getUsage)
	handle("POST /admin/users/{id}/sync-tier", auth.PermissionBillingSync, h.syncTier)

	h.handler = rbac.RequireAdmin(h.mux)
	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// profileView is a profile as shown to staff. Stored keys appear as fingerprints only.
type profileView struct {
	*domain.Profile
	StoredKeys map[domain.Provider]string `json:"stored_keys"`
}

func newProfileView(p *domain.Profile) profileView {
	keys := make(map[domain.Provider]string, len(p.Preferences.APIKeys))
	for provider, key := range p.Preferences.APIKeys {
		keys[provider] = crypto.Fingerprint(key)
	}
	return profileView{Profile: p, StoredKeys: keys}
}

func (h *AdminHandler) getUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	profile, err := h.profiles.GetProfile(r.Context(), id)
	if err != nil {
		h.profileError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, newProfileView(profile))
}

type UpdateUserRequest struct {
	Tier             *domain.Tier        `json:"tier,omitempty"`
	StripeCustomerID *string             `json:"stripe_customer_id,omitempty"`
	Preferences      *domain.Preferences `json:"preferences,omitempty"`
	// APIKeys merges into the stored keys. An empty value removes that provider's key.
	APIKeys map[domain.Provider]string `json:"api_keys,omitempty"`
}

// updateUser creates the profile when it does not exist yet.
func (h *AdminHandler) updateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req UpdateUserRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Tier != nil && !req.Tier.Valid() {
		writeError(w, http.StatusBadRequest, "unknown tier: "+string(*req.Tier))
		return
	}

	profile, err := h.profiles.GetProfile(ctx, id)
	switch {
	case errors.Is(err, domain.ErrProfileNotFound):
		profile = &domain.Profile{UserID: id, Tier: domain.TierFree, CreatedAt: time.Now().UTC()}
	case err != nil:
		h.profileError(w, id, err)
		return
	}

	if req.Tier != nil {
		profile.Tier = *req.Tier
	}
	if req.StripeCustomerID != nil {
		profile.StripeCustomerID = *req.StripeCustomerID
	}
	if req.Preferences != nil {
		keys := profile.Preferences.APIKeys
		profile.Preferences = *req.Preferences
		profile.Preferences.APIKeys = keys
	}
	if len(req.APIKeys) > 0 {
		if profile.Preferences.APIKeys == nil {
			profile.Preferences.APIKeys = make(map[domain.Provider]string)
		}
		for provider, key := range req.APIKeys {
			if key == "" {
				delete(profile.Preferences.APIKeys, provider)
				continue
			}
			profile.Preferences.APIKeys[provider] = key
		}
	}

	if err := h.profiles.UpsertProfile(ctx, profile); err != nil {
		slog.Error("failed to update profile", "user_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update profile")
		return
	}

	by := ""
	if admin, ok := auth.AdminFromContext(ctx); ok {
		by = admin.Name
	}
	slog.Info("profile updated",
		"user_id", id,
		"tier", profile.Tier,
		"stored_keys", storedProviders(profile.Preferences.APIKeys),
		"admin", by,
	)

	writeJSON(w, http.StatusOK, newProfileView(profile))
}

type usageReport struct {
	quota.Status
	Records []domain.UsageRecord `json:"records"`
}

func (h *AdminHandler) getUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	tier := h.tracker.GetTier(ctx, id)
	status, err := h.tracker.Status(ctx, id, tier)
	if err != nil {
		slog.Error("failed to read usage", "user_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}

	records, err := h.usage.ListSince(ctx, id, quota.MonthStart(time.Now()))
	if err != nil {
		slog.Error("failed to list usage", "user_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}
	if records == nil {
		records = []domain.UsageRecord{}
	}

	writeJSON(w, http.StatusOK, usageReport{Status: status, Records: records})
}

func (h *AdminHandler) syncTier(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if h.syncer == nil {
		writeError(w, http.StatusNotImplemented, "billing sync is not configured")
		return
	}

	tier, err := h.syncer.Sync(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrProfileNotFound):
		writeError(w, http.StatusNotFound, "profile not found")
		return
	case errors.Is(err, billing.ErrNoCustomer):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		slog.Error("tier sync failed", "user_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "tier sync failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"user_id": id, "tier": string(tier)})
}

func (h *AdminHandler) profileError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, domain.ErrProfileNotFound) {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	slog.Error("failed to load profile", "user_id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "failed to load profile")
}

func storedProviders(keys map[domain.Provider]string) []string {
	out := make([]string, 0, len(keys))
	for p := range keys {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}
