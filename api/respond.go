package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/garnizeh/chainlance/internal/apperr"
	"github.com/garnizeh/chainlance/internal/profile"
	"github.com/garnizeh/chainlance/internal/txn"
	"github.com/garnizeh/chainlance/pkg/repository"
)

const maxBodyBytes = 1 << 20

// Error kinds the HTTP surface adds to the apperr taxonomy.
const (
	KindBadRequest       = "BadRequest"
	KindValidationFailed = "ValidationFailed"
	KindNotFound         = "NotFound"
	KindInternal         = "Internal"
)

type errorBody struct {
	Kind     string   `json:"kind"`
	Op       string   `json:"op,omitempty"`
	Message  string   `json:"message"`
	Problems []string `json:"problems,omitempty"`
}

// badRequest marks a malformed request that never reached a service.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func badRequestf(format string, args ...any) error {
	return badRequest{msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response", slog.Any("err", err))
	}
}

// errorResponse maps an error to its status and body. Unknown errors are
// reported as internal without leaking their text.
func errorResponse(err error) (int, errorBody) {
	var (
		br badRequest
		ve *profile.ValidationError
		ae *apperr.Error
	)
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest, errorBody{Kind: KindBadRequest, Message: br.msg}
	case errors.As(err, &ve):
		return http.StatusBadRequest, errorBody{Kind: KindValidationFailed, Message: "profile does not match schema " + ve.Version, Problems: ve.Problems}
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, errorBody{Kind: KindNotFound, Message: "not found"}
	case errors.As(err, &ae):
		body := errorBody{Kind: string(ae.Kind), Op: ae.Op, Message: ae.Message}
		if errors.Is(err, txn.ErrConfirmTimeout) {
			return http.StatusGatewayTimeout, body
		}
		return kindStatus(ae.Kind), body
	}
	return http.StatusInternalServerError, errorBody{Kind: KindInternal, Message: "internal error"}
}

func kindStatus(k apperr.Kind) int {
	switch k {
	case apperr.WalletUnavailable:
		return http.StatusServiceUnavailable
	case apperr.UserRejected:
		return http.StatusForbidden
	case apperr.PreconditionFailed:
		return http.StatusConflict
	case apperr.RemoteRejected:
		return http.StatusUnprocessableEntity
	case apperr.NetworkError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			slog.String("method", r.Method), slog.String("path", r.URL.Path),
			slog.Int("status", status), slog.Any("err", err))
	} else {
		logger.Debug("request refused",
			slog.String("path", r.URL.Path), slog.Int("status", status), slog.String("kind", body.Kind))
	}
	writeJSON(w, body, status)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequestf("invalid json: %v", err)
	}
	return nil
}
