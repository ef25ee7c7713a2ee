package server

import (
	"encoding/json"
	"log"
	"net/http"

	"golang.org/x/text/language"

	apperrors "github.com/louisbranch/livetable/internal/platform/errors"
	"github.com/louisbranch/livetable/internal/platform/errors/i18n"
)

// Transport reasons with no domain equivalent.
const (
	reasonNotJoined      = "NOT_JOINED"
	reasonRateLimited    = "RATE_LIMITED"
	reasonResyncRequired = "RESYNC_REQUIRED"
)

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Reason    string `json:"reason,omitempty"`
	Notice    string `json:"notice,omitempty"`
	Retryable bool   `json:"retryable"`
}

type errorEnvelope struct {
	Error wsError `json:"error"`
}

// errorPayload renders err for the sender only. Messages of non-domain errors
// stay in the log.
func errorPayload(err error, notices *i18n.Catalog, tag language.Tag) wsError {
	code := apperrors.CodeOf(err)
	payload := wsError{
		Code:      string(code),
		Message:   "internal error",
		Retryable: code.Retryable(),
	}
	if domainErr, ok := apperrors.As(err); ok && code != apperrors.CodeInternal {
		payload.Message = domainErr.Message
		payload.Reason = domainErr.Reason()
	}
	if code == apperrors.CodeUnknown {
		payload.Code = string(apperrors.CodeInternal)
	}
	if notices != nil {
		payload.Notice = notices.Notice(tag, payload.Reason, payload.Code)
	}
	return payload
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("live: write response: %v", err)
	}
}

func writeHTTPError(w http.ResponseWriter, r *http.Request, notices *i18n.Catalog, err error) {
	payload := errorPayload(err, notices, notices.ResolveTag(r.Header.Get("Accept-Language")))
	writeJSON(w, apperrors.Code(payload.Code).HTTPStatus(), errorEnvelope{Error: payload})
}
