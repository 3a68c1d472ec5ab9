package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/balu-dk/go-ocpi/internal/api/middleware"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

const maxBodySize = 1 << 20

// GetVersions lists the OCPI versions this node publishes
func (h *Handler) GetVersions(w http.ResponseWriter, r *http.Request) {
	ocpi.WriteResponse(w, http.StatusOK, ocpi.NewResponse(h.catalog.Versions(h.publicURL)))
}

// GetVersionDetails lists the module endpoints of one version
func (h *Handler) GetVersionDetails(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	details, ok := h.catalog.Details(h.publicURL, version)
	if !ok {
		ocpi.WriteError(w, fmt.Errorf("%w: %s", ocpi.ErrUnsupportedVersion, version))
		return
	}
	ocpi.WriteResponse(w, http.StatusOK, ocpi.NewResponse(details))
}

// GetCredentials returns this node's credentials carrying the token the partner presented
func (h *Handler) GetCredentials(w http.ResponseWriter, r *http.Request) {
	ocpi.WriteResponse(w, http.StatusOK, ocpi.NewResponse(h.registration.OwnCredentials(middleware.TokenFromContext(r.Context()))))
}

// PostCredentials completes the registration of the partner presenting the token
func (h *Handler) PostCredentials(w http.ResponseWriter, r *http.Request) {
	creds, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	client, err := h.registration.CompleteRegistration(r.Context(), middleware.TokenFromContext(r.Context()), creds, chi.URLParam(r, "version"))
	if err != nil {
		logrus.WithError(err).Warn("Credentials POST rejected")
		ocpi.WriteError(w, err)
		return
	}
	ocpi.WriteResponse(w, http.StatusOK, ocpi.NewResponse(h.registration.OwnCredentials(client.ServerToken)))
}

// PutCredentials rotates the tokens of a registered partner
func (h *Handler) PutCredentials(w http.ResponseWriter, r *http.Request) {
	creds, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	client, err := h.registration.ReRegister(r.Context(), middleware.TokenFromContext(r.Context()), creds, chi.URLParam(r, "version"))
	if err != nil {
		logrus.WithError(err).Warn("Credentials PUT rejected")
		ocpi.WriteError(w, err)
		return
	}
	ocpi.WriteResponse(w, http.StatusOK, ocpi.NewResponse(h.registration.OwnCredentials(client.ServerToken)))
}

// DeleteCredentials removes the registration of the partner presenting the token
func (h *Handler) DeleteCredentials(w http.ResponseWriter, r *http.Request) {
	if err := h.registration.Unregister(r.Context(), middleware.TokenFromContext(r.Context())); err != nil {
		ocpi.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PostCommand accepts a command from a registered partner. The synchronous answer only
// acknowledges it; the outcome is posted to the response_url later.
func (h *Handler) PostCommand(w http.ResponseWriter, r *http.Request) {
	client, ok := middleware.ClientFromContext(r.Context())
	if !ok {
		ocpi.WriteError(w, fmt.Errorf("%w: no partner on request", ocpi.ErrUnauthorized))
		return
	}

	commandType, err := ocpi.ParseCommandType(chi.URLParam(r, "commandType"))
	if err != nil {
		ocpi.WriteError(w, err)
		return
	}
	payload, err := ocpi.NewCommandPayload(commandType)
	if err != nil {
		ocpi.WriteError(w, err)
		return
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(payload); err != nil {
		ocpi.WriteError(w, fmt.Errorf("%w: invalid %s body: %v", ocpi.ErrBadRequest, commandType, err))
		return
	}

	origin, ok := middleware.FromPartyFromContext(r.Context())
	if !ok && len(client.Roles) > 0 {
		origin = client.Roles[0].Identity()
	}

	resp, err := h.commands.Submit(r.Context(), client, origin, payload)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"clientID":    client.ID,
			"commandType": commandType,
		}).Warn("Command not accepted")
		ocpi.WriteError(w, err)
		return
	}
	ocpi.WriteResponse(w, http.StatusOK, ocpi.NewResponse(resp))
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (ocpi.Credentials, bool) {
	var creds ocpi.Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&creds); err != nil {
		ocpi.WriteError(w, fmt.Errorf("%w: invalid credentials body: %v", ocpi.ErrBadRequest, err))
		return creds, false
	}
	return creds, true
}
