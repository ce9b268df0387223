package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/csrf"
)

// Machine-readable error codes.
const (
	CodeInvalidInput       = "invalid_input"
	CodeInvalidCredentials = "invalid_credentials"
	CodeUnauthenticated    = "unauthenticated"
	CodeRefreshInvalid     = "refresh_invalid"
	CodeTOTPInvalid        = "totp_invalid"
	CodeAccountDisabled    = "account_disabled"
	CodeForbidden          = "forbidden"
	CodeTOTPRequired       = "totp_required"
	CodeCSRFMissing        = "csrf_missing"
	CodeCSRFInvalid        = "csrf_invalid"
	CodeNotFound           = "not_found"
	CodeTOTPAlreadyEnabled = "totp_already_enabled"
	CodeTOTPNotEnabled     = "totp_not_enabled"
	CodeRateLimited        = "rate_limited"
	CodeBackendUnavailable = "backend_unavailable"
	CodeInternal           = "internal_error"
)

// backendRetryAfter is advertised on 503s that carry no hint of their own.
const backendRetryAfter = 5 * time.Second

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

type classified struct {
	status  int
	code    string
	message string
}

// errNotFound is rendered for unknown routes.
var errNotFound = errors.New("not found")

func classify(err error) classified {
	var rl *authcore.RateLimitError
	switch {
	case errors.As(err, &rl) && rl.Unavailable:
		return classified{http.StatusServiceUnavailable, CodeBackendUnavailable, "service temporarily unavailable"}
	case errors.Is(err, authcore.ErrRateLimited):
		return classified{http.StatusTooManyRequests, CodeRateLimited, "too many requests"}
	case errors.Is(err, authcore.ErrInvalidInput):
		return classified{http.StatusBadRequest, CodeInvalidInput, "invalid request"}
	case errors.Is(err, authcore.ErrInvalidCredentials):
		return classified{http.StatusUnauthorized, CodeInvalidCredentials, "invalid credentials"}
	case errors.Is(err, authcore.ErrRefreshInvalid):
		return classified{http.StatusUnauthorized, CodeRefreshInvalid, "refresh token invalid"}
	case errors.Is(err, authcore.ErrTOTPInvalid):
		return classified{http.StatusUnauthorized, CodeTOTPInvalid, "invalid code"}
	case errors.Is(err, authcore.ErrUnauthenticated):
		return classified{http.StatusUnauthorized, CodeUnauthenticated, "authentication required"}
	case errors.Is(err, authcore.ErrAccountDisabled):
		return classified{http.StatusForbidden, CodeAccountDisabled, "account disabled"}
	case errors.Is(err, authcore.ErrTOTPRequired):
		return classified{http.StatusForbidden, CodeTOTPRequired, "second factor required"}
	case errors.Is(err, authcore.ErrForbidden):
		return classified{http.StatusForbidden, CodeForbidden, "forbidden"}
	case errors.Is(err, csrf.ErrMissing):
		return classified{http.StatusForbidden, CodeCSRFMissing, "csrf token missing"}
	case errors.Is(err, csrf.ErrInvalid):
		return classified{http.StatusForbidden, CodeCSRFInvalid, "csrf token invalid"}
	case errors.Is(err, errNotFound):
		return classified{http.StatusNotFound, CodeNotFound, "not found"}
	case errors.Is(err, authcore.ErrTOTPAlreadyEnabled):
		return classified{http.StatusConflict, CodeTOTPAlreadyEnabled, "two-factor authentication already enabled"}
	case errors.Is(err, authcore.ErrTOTPNotEnabled):
		return classified{http.StatusConflict, CodeTOTPNotEnabled, "two-factor authentication not enabled"}
	case errors.Is(err, authcore.ErrTOTPSetupMissing):
		return classified{http.StatusBadRequest, CodeInvalidInput, "no two-factor setup in progress"}
	case errors.Is(err, authcore.ErrBackendUnavailable), errors.Is(err, authcore.ErrEngineNotReady):
		return classified{http.StatusServiceUnavailable, CodeBackendUnavailable, "service temporarily unavailable"}
	}
	return classified{http.StatusInternalServerError, CodeInternal, "internal error"}
}

// writeError is the single boundary translator from domain errors to HTTP.
// Error text never reaches the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	c := classify(err)
	reqID := authcore.RequestIDFrom(r.Context())

	switch c.status {
	case http.StatusTooManyRequests:
		retry, _ := authcore.RetryAfterOf(err)
		w.Header().Set("Retry-After", retryAfterSeconds(retry))
	case http.StatusServiceUnavailable:
		retry, ok := authcore.RetryAfterOf(err)
		if !ok || retry <= 0 {
			retry = backendRetryAfter
		}
		w.Header().Set("Retry-After", retryAfterSeconds(retry))
		s.logger.Warn("backend unavailable", zap.String("request_id", reqID), zap.String("path", r.URL.Path), zap.Error(err))
	case http.StatusInternalServerError:
		s.logger.Error("internal error", zap.String("request_id", reqID), zap.String("path", r.URL.Path), zap.Error(err))
	}

	writeJSON(w, c.status, errorBody{Error: c.message, Code: c.code, RequestID: reqID})
}

// retryAfterSeconds rounds up and never advertises less than one second.
func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
