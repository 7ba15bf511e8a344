// internal/wallet/handler.go
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"creamcrm/internal/ledger"
)

const maxBodyBytes = 64 << 10

// Passes renders and authenticates passes of one pass type.
type Passes interface {
	PassTypeID() string
	VerifyToken(serial, presented string) bool
	Generate(ctx context.Context, m *ledger.Member) ([]byte, error)
}

// MemberReader loads the member behind a serial.
type MemberReader interface {
	GetMember(ctx context.Context, serial string) (*ledger.Member, error)
}

// Handler serves Apple's PassKit web service protocol. Responses carry status
// codes only; Wallet ignores bodies on errors.
type Handler struct {
	registry *Registry
	members  MemberReader
	passes   Passes
	logger   *zap.Logger
}

func NewHandler(registry *Registry, members MemberReader, passes Passes, logger *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		members:  members,
		passes:   passes,
		logger:   logger.Named("wallet"),
	}
}

// Routes mounts the /v1 endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/devices/{deviceID}/registrations/{passTypeID}/{serial}", h.handleRegister)
		r.Delete("/devices/{deviceID}/registrations/{passTypeID}/{serial}", h.handleUnregister)
		r.Get("/devices/{deviceID}/registrations/{passTypeID}", h.handleListUpdated)
		r.Get("/passes/{passTypeID}/{serial}", h.handleFetchPass)
		r.Post("/log", h.handleLog)
	})
}

func applePassToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "ApplePass ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func (h *Handler) authorized(r *http.Request, serial string) bool {
	return h.passes.VerifyToken(serial, applePassToken(r))
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	passTypeID := chi.URLParam(r, "passTypeID")
	serial := chi.URLParam(r, "serial")

	if passTypeID != h.passes.PassTypeID() {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !h.authorized(r, serial) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var body struct {
		PushToken string `json:"pushToken"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil || body.PushToken == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	created, err := h.registry.Register(r.Context(), deviceID, passTypeID, serial, body.PushToken)
	switch {
	case errors.Is(err, ledger.ErrMemberNotFound):
		w.WriteHeader(http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("register device", zap.String("serial", serial), zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.logger.Info("device registered",
		zap.String("serial", serial),
		zap.String("device", deviceID),
		zap.Bool("created", created),
	)
	if created {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleUnregister(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	passTypeID := chi.URLParam(r, "passTypeID")
	serial := chi.URLParam(r, "serial")

	if passTypeID != h.passes.PassTypeID() || !h.authorized(r, serial) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := h.registry.Unregister(r.Context(), deviceID, passTypeID, serial); err != nil {
		h.logger.Error("unregister device", zap.String("serial", serial), zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.logger.Info("device unregistered", zap.String("serial", serial), zap.String("device", deviceID))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleListUpdated(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	passTypeID := chi.URLParam(r, "passTypeID")
	if passTypeID != h.passes.PassTypeID() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var since *time.Time
	if tag := r.URL.Query().Get("passesUpdatedSince"); tag != "" {
		t, err := ParseTag(tag)
		if err != nil {
			// an unreadable tag means the device re-downloads everything it holds
			h.logger.Debug("ignoring passesUpdatedSince", zap.String("tag", tag), zap.Error(err))
		} else {
			since = &t
		}
	}

	updated, err := h.registry.ListUpdatedSerials(r.Context(), deviceID, passTypeID, since)
	if err != nil {
		h.logger.Error("list updated serials", zap.String("device", deviceID), zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if updated.Empty() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(updated)
}

func (h *Handler) handleFetchPass(w http.ResponseWriter, r *http.Request) {
	passTypeID := chi.URLParam(r, "passTypeID")
	serial := chi.URLParam(r, "serial")

	if passTypeID != h.passes.PassTypeID() {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !h.authorized(r, serial) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	member, err := h.members.GetMember(r.Context(), serial)
	switch {
	case errors.Is(err, ledger.ErrMemberNotFound):
		w.WriteHeader(http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("load member for pass", zap.String("serial", serial), zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	// Last-Modified has whole seconds; the comparison uses the full cursor so a
	// second change within the same second is never answered with 304. The ETag
	// carries the full cursor for clients that revalidate with it.
	modified := member.UpdatedAt.UTC()
	etag := `"` + FormatTag(modified) + `"`
	if match := r.Header.Get("If-None-Match"); match != "" {
		if match == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	} else if ims, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil && !modified.After(ims) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	archive, err := h.passes.Generate(r.Context(), member)
	if err != nil {
		h.logger.Error("generate pass", zap.String("serial", serial), zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.pkpass")
	w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
	h.logger.Info("pass served", zap.String("serial", serial), zap.Int("version", member.Version))
}

func (h *Handler) handleLog(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Logs []string `json:"logs"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		h.logger.Debug("unreadable wallet log", zap.Error(err))
	}
	for _, line := range body.Logs {
		h.logger.Info("wallet log", zap.String("line", line))
	}
	w.WriteHeader(http.StatusOK)
}
