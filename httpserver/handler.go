package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dialtide/credsync-backend/engine"
	"github.com/dialtide/credsync-backend/interfaces"
	"github.com/dialtide/credsync-backend/tenant"
)

// Identity headers set by the authentication layer in front of this
// service. The engine trusts them and does not re-authenticate.
const (
	UserIDHeader    = "X-User-ID"
	TenantIDHeader  = "X-Tenant-ID"
	SessionIDHeader = "X-Session-ID"
	DeviceIDHeader  = "X-Device-ID"

	// maxBodySize bounds credential payloads (64KB).
	maxBodySize = 64 * 1024
)

// Handler processes credential API requests on behalf of the settings UI.
type Handler struct {
	engine *engine.Engine
	log    *slog.Logger
}

// NewHandler creates a request handler over the engine facade.
func NewHandler(eng *engine.Engine, log *slog.Logger) *Handler {
	return &Handler{engine: eng, log: log}
}

// credentialResponse is the wire shape for read and write results.
type credentialResponse struct {
	Key       string `json:"key"`
	Value     string `json:"value,omitempty"`
	Version   uint64 `json:"version"`
	UpdatedAt string `json:"updated_at"`
	Accepted  *bool  `json:"accepted,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// setCredentialRequest is the PUT body.
type setCredentialRequest struct {
	Value string `json:"value"`
}

func identityFrom(r *http.Request) (interfaces.Identity, error) {
	id := interfaces.Identity{
		UserID:    r.Header.Get(UserIDHeader),
		TenantID:  r.Header.Get(TenantIDHeader),
		SessionID: r.Header.Get(SessionIDHeader),
		DeviceID:  r.Header.Get(DeviceIDHeader),
	}
	return id, id.Validate()
}

// HandleGetCredential serves GET /api/credentials/{key}.
//
// A missing record is 404 "not configured". A record that exists but
// fails to decrypt is 409 "corrupted"; the UI must prompt for
// reconfiguration rather than show an empty form.
func (h *Handler) HandleGetCredential(w http.ResponseWriter, r *http.Request) {
	id, err := identityFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	key := chi.URLParam(r, "key")

	rec, err := h.engine.GetCredential(r.Context(), id, key)
	switch {
	case err == nil:
	case errors.Is(err, interfaces.ErrRecordNotFound):
		http.Error(w, "not configured", http.StatusNotFound)
		return
	case errors.Is(err, interfaces.ErrCorruptedRecord):
		http.Error(w, "corrupted, reconfiguration required", http.StatusConflict)
		return
	default:
		h.serveError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, credentialResponse{
		Key:       rec.Key,
		Value:     string(rec.Payload),
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// HandleSetCredential serves PUT /api/credentials/{key}. The response
// always carries the concrete accepted record; accepted=false means a
// concurrent write from another device won conflict resolution.
func (h *Handler) HandleSetCredential(w http.ResponseWriter, r *http.Request) {
	id, err := identityFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	key := chi.URLParam(r, "key")

	var req setCredentialRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Value == "" {
		http.Error(w, "value must not be empty", http.StatusBadRequest)
		return
	}

	rec, accepted, err := h.engine.SetCredential(r.Context(), id, key, []byte(req.Value))
	if err != nil && !isPartialFailure(err) {
		h.serveError(w, r, err)
		return
	}
	if err != nil {
		h.log.Warn("Credential write incomplete on some tiers",
			slog.String("key", key),
			"err", err)
	}

	writeJSON(w, http.StatusOK, credentialResponse{
		Key:       rec.Key,
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Accepted:  &accepted,
	})
}

// HandleDeleteCredential serves DELETE /api/credentials/{key} by
// committing a tombstone.
func (h *Handler) HandleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id, err := identityFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	key := chi.URLParam(r, "key")

	rec, accepted, err := h.engine.DeleteCredential(r.Context(), id, key)
	if err != nil && !isPartialFailure(err) {
		h.serveError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, credentialResponse{
		Key:       rec.Key,
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Accepted:  &accepted,
		Deleted:   true,
	})
}

// HandleListKeys serves GET /api/credentials.
func (h *Handler) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	id, err := identityFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	keys, err := h.engine.ListKeys(r.Context(), id)
	if err != nil {
		h.serveError(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"keys": keys})
}

// HandleCredentialEvents serves GET /api/credentials/{key}/events as a
// server-sent event stream. Events carry record metadata; the UI
// re-fetches the value on event.
func (h *Handler) HandleCredentialEvents(w http.ResponseWriter, r *http.Request) {
	id, err := identityFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	key := chi.URLParam(r, "key")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel, err := h.engine.Subscribe(r.Context(), id, key)
	if err != nil {
		h.serveError(w, r, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(credentialResponse{
				Key:       ev.Key,
				Version:   ev.Version,
				UpdatedAt: ev.UpdatedAt.UTC().Format(time.RFC3339Nano),
				Deleted:   ev.Deleted,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: credential\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (h *Handler) serveError(w http.ResponseWriter, r *http.Request, err error) {
	var ownerErr *tenant.OwnershipResolutionError
	if errors.As(err, &ownerErr) {
		http.Error(w, ownerErr.Error(), http.StatusForbidden)
		return
	}

	h.log.Error("Request failed",
		slog.String("path", r.URL.Path),
		"err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func isPartialFailure(err error) bool {
	var pf *interfaces.PartialFailure
	return errors.As(err, &pf)
}
