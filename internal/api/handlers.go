package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yubico/u2fval/internal/api/middleware"
	"github.com/yubico/u2fval/internal/api/validation"
	"github.com/yubico/u2fval/internal/engine"
	"github.com/yubico/u2fval/internal/platform/db"
)

// Handlers wires the ceremony engine to HTTP (spec §4.5, C5/C6).
type Handlers struct {
	engine *engine.Engine
}

// NewHandlers builds a Handlers over the given engine.
func NewHandlers(eng *engine.Engine) *Handlers {
	return &Handlers{engine: eng}
}

func (h *Handlers) resolveClient(w http.ResponseWriter, r *http.Request) (*db.Client, bool) {
	name := middleware.ClientName(r)
	if name == "" {
		writeError(w, &engine.Error{Code: engine.CodeBadInput, Message: "client not specified"})
		return nil, false
	}
	client, err := h.engine.ResolveClient(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return client, true
}

// TrustedFacets handles GET /.
func (h *Handlers) TrustedFacets(w http.ResponseWriter, r *http.Request) {
	client, ok := h.resolveClient(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.engine.TrustedFacets(client))
}

// ListDescriptors handles GET /{user}.
func (h *Handlers) ListDescriptors(w http.ResponseWriter, r *http.Request) {
	client, ok := h.resolveClient(w, r)
	if !ok {
		return
	}
	user := chi.URLParam(r, "user")
	descriptors, err := h.engine.ListDescriptors(r.Context(), client, user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, descriptors)
}

// DeleteUser handles DELETE /{user}.
func (h *Handlers) DeleteUser(w http.ResponseWriter, r *http.Request) {
	client, ok := h.resolveClient(w, r)
	if !ok {
		return
	}
	user := chi.URLParam(r, "user")
	if err := h.engine.DeleteUser(r.Context(), client, user); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegisterStart handles GET /{user}/register.
func (h *Handlers) RegisterStart(w http.ResponseWriter, r *http.Request) {
	client, ok := h.resolveClient(w, r)
	if !ok {
		return
	}
	user := chi.URLParam(r, "user")

	challenge, err := decodeQueryChallenge(r)
	if err != nil {
		writeError(w, &engine.Error{Code: engine.CodeBadInput, Message: "malformed challenge"})
		return
	}
	properties, err := decodeQueryProperties(r)
	if err != nil {
		writeError(w, &engine.Error{Code: engine.CodeBadInput, Message: "malformed properties"})
		return
	}

	dto, err := h.engine.RegisterStart(r.Context(), client, user, challenge, properties)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// RegisterComplete handles POST /{user}/register.
func (h *Handlers) RegisterComplete(w http.ResponseWriter, r *http.Request) {
	client, ok := h.resolveClient(w, r)
	if !ok {
		return
	}
	user := chi.URLParam(r, "user")

	var body engine.RegisterCompleteRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, &engine.Error{Code: engine.CodeBadInput, Message: "malformed request body"})
		return
	}

	descriptor, err := h.engine.RegisterComplete(r.Context(), client, user, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, descriptor)
}

// SignStart handles GET /{user}/sign.
func (h *Handlers) SignStart(w http.ResponseWriter, r *http.Request) {
	client, ok := h.resolveClient(w, r)
	if !ok {
		return
	}
	user := chi.URLParam(r, "user")

	challenge, err := decodeQueryChallenge(r)
	if err != nil {
		writeError(w, &engine.Error{Code: engine.CodeBadInput, Message: "malformed challenge"})
		return
	}
	properties, err := decodeQueryProperties(r)
	if err != nil {
		writeError(w, &engine.Error{Code: engine.CodeBadInput, Message: "malformed properties"})
		return
	}
	handles := r.URL.Query()["handle"]
	for _, handle := range handles {
		if verr := validation.ValidateHandle(handle); verr != nil {
			writeError(w, &engine.Error{Code: engine.CodeBadInput, Message: verr.Error()})
			return
		}
	}

	dto, err := h.engine.SignStart(r.Context(), client, user, challenge, handles, properties)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// SignComplete handles POST /{user}/sign.
func (h *Handlers) SignComplete(w http.ResponseWriter, r *http.Request) {
	client, ok := h.resolveClient(w, r)
	if !ok {
		return
	}
	user := chi.URLParam(r, "user")

	var body engine.SignCompleteRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, &engine.Error{Code: engine.CodeBadInput, Message: "malformed request body"})
		return
	}

	descriptor, err := h.engine.SignComplete(r.Context(), client, user, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, descriptor)
}

// GetDescriptor handles GET /{user}/{handle}.
func (h *Handlers) GetDescriptor(w http.ResponseWriter, r *http.Request) {
	client, ok := h.resolveClient(w, r)
	if !ok {
		return
	}
	user := chi.URLParam(r, "user")
	handle := chi.URLParam(r, "handle")

	descriptor, err := h.engine.GetDescriptor(r.Context(), client, user, handle)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, descriptor)
}

// SetProperties handles POST /{user}/{handle}.
func (h *Handlers) SetProperties(w http.ResponseWriter, r *http.Request) {
	client, ok := h.resolveClient(w, r)
	if !ok {
		return
	}
	user := chi.URLParam(r, "user")
	handle := chi.URLParam(r, "handle")

	var props map[string]*string
	if err := decodeJSON(r, &props); err != nil {
		writeError(w, &engine.Error{Code: engine.CodeBadInput, Message: "malformed request body"})
		return
	}

	descriptor, err := h.engine.SetDescriptorProperties(r.Context(), client, user, handle, props)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, descriptor)
}

// DeleteDevice handles DELETE /{user}/{handle}.
func (h *Handlers) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	client, ok := h.resolveClient(w, r)
	if !ok {
		return
	}
	user := chi.URLParam(r, "user")
	handle := chi.URLParam(r, "handle")

	if err := h.engine.DeleteDevice(r.Context(), client, user, handle); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Certificate handles GET /{user}/{handle}/certificate.
func (h *Handlers) Certificate(w http.ResponseWriter, r *http.Request) {
	client, ok := h.resolveClient(w, r)
	if !ok {
		return
	}
	user := chi.URLParam(r, "user")
	handle := chi.URLParam(r, "handle")

	pemBytes, err := h.engine.Certificate(r.Context(), client, user, handle)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	w.Write(pemBytes)
}

func decodeQueryChallenge(r *http.Request) ([]byte, error) {
	raw := r.URL.Query().Get("challenge")
	if raw == "" {
		return nil, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(raw)
}

func decodeQueryProperties(r *http.Request) (map[string]string, error) {
	raw := r.URL.Query().Get("properties")
	if raw == "" {
		return nil, nil
	}
	var props map[string]string
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return nil, err
	}
	return props, nil
}
