package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/balu-dk/go-ocpi/internal/authorization"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// DeviceCallback receives a device answer for a dispatched command
func (h *Handler) DeviceCallback(w http.ResponseWriter, r *http.Request) {
	partnerID, err := strconv.ParseInt(chi.URLParam(r, "partnerId"), 10, 64)
	if err != nil {
		ocpi.WriteError(w, fmt.Errorf("%w: invalid partner id %q", ocpi.ErrBadRequest, chi.URLParam(r, "partnerId")))
		return
	}
	commandType, err := ocpi.ParseCommandType(chi.URLParam(r, "commandType"))
	if err != nil {
		ocpi.WriteError(w, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		ocpi.WriteError(w, fmt.Errorf("%w: reading device answer: %v", ocpi.ErrBadRequest, err))
		return
	}

	err = h.commands.HandleDeviceCallback(r.Context(), partnerID, chi.URLParam(r, "version"), commandType, chi.URLParam(r, "commandId"), body)
	if err != nil {
		ocpi.WriteError(w, err)
		return
	}
	ocpi.WriteResponse(w, http.StatusOK, ocpi.NewResponse(nil))
}

// AuthorizeToken asks the home party of a token whether it may charge. The home party comes
// from the country_code and party_id parameters, or from the token table when they are absent.
func (h *Handler) AuthorizeToken(w http.ResponseWriter, r *http.Request) {
	tokenUID := chi.URLParam(r, "tokenId")
	query := r.URL.Query()

	tokenType, err := ocpi.ParseTokenType(query.Get("type"))
	if err != nil {
		ocpi.WriteError(w, err)
		return
	}

	var location *ocpi.LocationReferences
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		ocpi.WriteError(w, fmt.Errorf("%w: reading body: %v", ocpi.ErrBadRequest, err))
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		location = &ocpi.LocationReferences{}
		if err := json.Unmarshal(body, location); err != nil {
			ocpi.WriteError(w, fmt.Errorf("%w: invalid location references: %v", ocpi.ErrBadRequest, err))
			return
		}
	}

	var info *ocpi.AuthorizationInfo
	countryCode, partyID := query.Get("country_code"), query.Get("party_id")
	if countryCode != "" || partyID != "" {
		info, err = h.authorization.Authorize(r.Context(), authorization.Request{
			TokenUID:  tokenUID,
			TokenType: tokenType,
			HomeParty: ocpi.PartyIdentity{CountryCode: strings.ToUpper(countryCode), PartyID: strings.ToUpper(partyID)},
			Location:  location,
		})
	} else {
		info, err = h.authorization.AuthorizeToken(r.Context(), tokenUID, tokenType, location)
	}
	if err != nil {
		ocpi.WriteError(w, err)
		return
	}
	ocpi.WriteResponse(w, http.StatusOK, ocpi.NewResponse(info))
}

// CreatePartner initiates a partner from the token and versions url it handed over
func (h *Handler) CreatePartner(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		VersionsURL string `json:"versions_url"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		ocpi.WriteError(w, fmt.Errorf("%w: invalid request body: %v", ocpi.ErrBadRequest, err))
		return
	}

	client, err := h.registration.Initiate(r.Context(), req.Token, req.VersionsURL)
	if err != nil {
		logrus.WithError(err).WithField("versionsURL", req.VersionsURL).Warn("Failed to initiate partner")
		ocpi.WriteError(w, err)
		return
	}
	ocpi.WriteResponse(w, http.StatusCreated, ocpi.NewResponse(client))
}

// RegisterPartner posts this node's credentials to an initiated partner
func (h *Handler) RegisterPartner(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		ocpi.WriteError(w, fmt.Errorf("%w: invalid partner id", ocpi.ErrBadRequest))
		return
	}

	client, err := h.registration.RegisterWithPartner(r.Context(), id)
	if err != nil {
		if !errors.Is(err, ocpi.ErrNotFound) {
			logrus.WithError(err).WithField("clientID", id).Error("Failed to register with partner")
		}
		ocpi.WriteError(w, err)
		return
	}
	ocpi.WriteResponse(w, http.StatusOK, ocpi.NewResponse(client))
}
