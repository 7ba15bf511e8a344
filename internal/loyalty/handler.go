// internal/loyalty/handler.go
package loyalty

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"creamcrm/internal/ledger"
	"creamcrm/internal/passgen"
)

// PassRenderer renders the signed .pkpass archive for a member.
type PassRenderer interface {
	Generate(ctx context.Context, m *ledger.Member) ([]byte, error)
}

type Handler struct {
	service Service
	passes  PassRenderer
	logger  *zap.Logger
}

func NewHandler(service Service, passes PassRenderer, logger *zap.Logger) *Handler {
	return &Handler{service: service, passes: passes, logger: logger.Named("loyalty.http")}
}

// Routes mounts the whole API without auth.
func (h *Handler) Routes(r chi.Router) {
	h.PublicRoutes(r)
	h.StaffRoutes(r)
}

// PublicRoutes mounts the self-service sign-up. It is bounded by the service's
// registration rate limit rather than by staff auth.
func (h *Handler) PublicRoutes(r chi.Router) {
	r.Post("/register", h.handleRegister)
}

// StaffRoutes mounts the dashboard API. The caller wraps it in StaffAuth when needed.
func (h *Handler) StaffRoutes(r chi.Router) {
	r.Get("/members", h.handleListMembers)
	r.Route("/members/{serial}", func(r chi.Router) {
		r.Get("/", h.handleGetMember)
		r.Delete("/", h.handleDeleteMember)
		r.Post("/stamp", h.handleStamp)
		r.Post("/redeem", h.handleRedeem)
		r.Post("/message", h.handleMessage)
		r.Post("/refresh", h.handleRefresh)
		r.Get("/history", h.handleHistory)
	})
	r.Get("/stats", h.handleStats)
	r.Get("/search", h.handleSearch)
	r.Get("/pass/{serial}", h.handlePass)
}

// audit records which staff member changed a member. Without StaffAuth the
// actor is logged as anonymous.
func (h *Handler) audit(r *http.Request, action, serial string) {
	actor, role := "anonymous", ""
	if claims, ok := StaffFromContext(r.Context()); ok {
		actor, role = claims.Subject, claims.Role
	}
	h.logger.Info("staff action",
		zap.String("action", action),
		zap.String("serial", serial),
		zap.String("staff", actor),
		zap.String("role", role),
	)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	member, err := h.service.RegisterMember(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "member": member})
}

func (h *Handler) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.service.ListMembers(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": nonNil(members)})
}

func (h *Handler) handleGetMember(w http.ResponseWriter, r *http.Request) {
	member, err := h.service.GetMember(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"member": member})
}

func (h *Handler) handleDeleteMember(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	if err := h.service.DeleteMember(r.Context(), serial); err != nil {
		h.fail(w, err)
		return
	}
	h.audit(r, "delete", serial)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) handleStamp(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	result, err := h.service.AddStamp(r.Context(), serial)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.audit(r, "stamp", serial)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"member":       result.Member,
		"rewardEarned": result.RewardEarned,
	})
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	member, err := h.service.RedeemReward(r.Context(), serial)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.audit(r, "redeem", serial)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "member": member})
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	serial := chi.URLParam(r, "serial")
	member, err := h.service.SendMessage(r.Context(), serial, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.audit(r, "message", serial)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "member": member})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RefreshPass(r.Context(), chi.URLParam(r, "serial")); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	if _, err := h.service.GetMember(r.Context(), serial); err != nil {
		h.fail(w, err)
		return
	}
	entries, err := h.service.History(r.Context(), serial)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": nonNil(entries)})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	members, err := h.service.SearchMembers(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": nonNil(members)})
}

func (h *Handler) handlePass(w http.ResponseWriter, r *http.Request) {
	if h.passes == nil {
		writeError(w, http.StatusServiceUnavailable, "pass generation is not configured")
		return
	}
	member, err := h.service.GetMember(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		h.fail(w, err)
		return
	}
	archive, err := h.passes.Generate(r.Context(), member)
	if err != nil {
		h.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.pkpass")
	w.Header().Set("Content-Disposition", `attachment; filename="`+member.Serial+`.pkpass"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

// fail maps service errors onto HTTP status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, passgen.ErrInvalidMember):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrMemberNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrDuplicateEmail), errors.Is(err, ErrInsufficientRewards):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
