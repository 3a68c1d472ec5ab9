package ocpi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// StatusCode is the OCPI status_code carried in every response envelope
type StatusCode int

const (
	StatusSuccess StatusCode = 1000

	StatusClientError         StatusCode = 2000
	StatusInvalidParameters   StatusCode = 2001
	StatusNotEnoughInfo       StatusCode = 2002
	StatusUnknownLocation     StatusCode = 2003
	StatusUnknownToken        StatusCode = 2004
	StatusServerError         StatusCode = 3000
	StatusUnableToUseClient   StatusCode = 3001
	StatusUnsupportedVersion  StatusCode = 3002
	StatusNoMatchingEndpoints StatusCode = 3003
	StatusHubError            StatusCode = 4000
)

// Success reports whether the code is in the 1xxx range
func (c StatusCode) Success() bool {
	return c >= 1000 && c < 2000
}

// Response is the envelope around every OCPI payload
type Response struct {
	Data          interface{} `json:"data,omitempty"`
	StatusCode    StatusCode  `json:"status_code"`
	StatusMessage string      `json:"status_message,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// RawResponse is the envelope as received from a partner, data left undecoded
type RawResponse struct {
	Data          json.RawMessage `json:"data,omitempty"`
	StatusCode    StatusCode      `json:"status_code"`
	StatusMessage string          `json:"status_message,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewResponse wraps data in a success envelope
func NewResponse(data interface{}) Response {
	return Response{
		Data:       data,
		StatusCode: StatusSuccess,
		Timestamp:  time.Now().UTC(),
	}
}

// NewErrorResponse builds an envelope without data
func NewErrorResponse(code StatusCode, message string) Response {
	return Response{
		StatusCode:    code,
		StatusMessage: message,
		Timestamp:     time.Now().UTC(),
	}
}

// ErrorStatus classifies err into the HTTP status and OCPI status code it is answered with
func ErrorStatus(err error) (int, StatusCode) {
	switch {
	case errors.Is(err, ErrUnsupportedVersion):
		return http.StatusBadRequest, StatusUnsupportedVersion
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, StatusClientError
	case errors.Is(err, ErrUnknownLocation):
		return http.StatusNotFound, StatusUnknownLocation
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, StatusClientError
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, StatusInvalidParameters
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, StatusClientError
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway, StatusUnableToUseClient
	}
	return http.StatusInternalServerError, StatusServerError
}

// WriteResponse writes the envelope as JSON with the given HTTP status
func WriteResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logrus.WithError(err).Error("Failed to encode OCPI response")
	}
}

// WriteError answers with the envelope err classifies to. Server side failures are not
// described to the caller.
func WriteError(w http.ResponseWriter, err error) {
	status, code := ErrorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	WriteResponse(w, status, NewErrorResponse(code, message))
}
