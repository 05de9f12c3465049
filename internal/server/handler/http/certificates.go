// Package http provides the HTTP handlers and routing of the server API:
// certificate polling, realm creation and vlob reads/writes.
package http

import (
	"encoding/json"
	"net/http"

	"github.com/atinyakov/RealmKeeper/internal/certstore"
	"github.com/atinyakov/RealmKeeper/internal/middleware"
	"github.com/atinyakov/RealmKeeper/internal/models"
	"github.com/atinyakov/RealmKeeper/internal/service"
)

// CertificateHandler handles certificate polling, realm creation and the
// server clock endpoint.
type CertificateHandler struct {
	Certificates *service.CertificateService
}

type pollRequest struct {
	CommonAfter         models.DateTime                    `json:"common_after"`
	SequesterAfter      models.DateTime                    `json:"sequester_after"`
	ShamirRecoveryAfter models.DateTime                    `json:"shamir_recovery_after"`
	RealmAfter          map[models.RealmID]models.DateTime `json:"realm_after"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Poll handles POST /api/certificates/poll.
func (h *CertificateHandler) Poll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	batch, err := h.Certificates.Poll(r.Context(), certstore.PerTopicLastTimestamps{
		Common:         req.CommonAfter,
		Sequester:      req.SequesterAfter,
		ShamirRecovery: req.ShamirRecoveryAfter,
		Realm:          req.RealmAfter,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, batch)
}

// CreateRealm handles POST /api/realms.
func (h *CertificateHandler) CreateRealm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Certificate []byte `json:"certificate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	result, err := h.Certificates.CreateRealm(r.Context(), req.Certificate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, result)
}

// ShareRealm handles POST /api/realms/share.
func (h *CertificateHandler) ShareRealm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Certificate []byte `json:"certificate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	author := middleware.GetDeviceIDFromContext(r.Context())
	result, err := h.Certificates.ShareRealm(r.Context(), author, req.Certificate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, result)
}

// Now handles GET /api/now.
func (h *CertificateHandler) Now(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Now models.DateTime `json:"now"`
	}{Now: h.Certificates.Now()})
}
