package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atinyakov/RealmKeeper/internal/middleware"
	"github.com/atinyakov/RealmKeeper/internal/remote"
	"github.com/atinyakov/RealmKeeper/internal/service"
)

// VlobHandler handles vlob reads and writes.
type VlobHandler struct {
	Vlobs *service.VlobService
}

// Create handles POST /api/vlobs/create.
func (h *VlobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req remote.VlobWrite
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	author := middleware.GetDeviceIDFromContext(r.Context())
	result, err := h.Vlobs.Create(r.Context(), author, &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}

// Update handles POST /api/vlobs/update.
func (h *VlobHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req remote.VlobWrite
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	author := middleware.GetDeviceIDFromContext(r.Context())
	result, err := h.Vlobs.Update(r.Context(), author, &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}

// Read handles GET /api/vlobs/{realm}/{vlob}?version=N. Version 0 or a
// missing parameter means latest.
func (h *VlobHandler) Read(w http.ResponseWriter, r *http.Request) {
	realmID, err := uuid.Parse(chi.URLParam(r, "realm"))
	if err != nil {
		http.Error(w, "invalid realm id", http.StatusBadRequest)
		return
	}
	vlobID, err := uuid.Parse(chi.URLParam(r, "vlob"))
	if err != nil {
		http.Error(w, "invalid vlob id", http.StatusBadRequest)
		return
	}
	var version uint32
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			http.Error(w, "invalid version", http.StatusBadRequest)
			return
		}
		version = uint32(v)
	}

	read, err := h.Vlobs.Read(r.Context(), realmID, vlobID, version)
	if errors.Is(err, service.ErrVlobNotFound) {
		http.Error(w, "vlob not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, read)
}
