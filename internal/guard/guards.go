package guard

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"alerthook/internal/alert"
	"alerthook/internal/counter"
	"alerthook/internal/security"
)

// RateLimitWarnPercent is the share of the limit above which a client is logged
const RateLimitWarnPercent = 80

// CORS sets permissive cross-origin headers and answers pre-flight requests
type CORS struct{}

func (CORS) Name() string { return "cors" }

func (CORS) Evaluate(w http.ResponseWriter, r *http.Request) (Verdict, *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Auth-Token, X-Request-ID")
	h.Set("Access-Control-Expose-Headers", "X-Request-ID")

	if r.Method == http.MethodOptions {
		h.Set("Access-Control-Max-Age", "86400")
		return Verdict{Status: http.StatusNoContent}, nil
	}

	return Allow(), nil
}

// AllowList rejects clients whose address matches no entry.
// An entry is an exact IP or "*". An empty list allows everyone.
type AllowList struct {
	entries []string
	logger  *slog.Logger
}

// NewAllowList creates the guard; entries are normalized once here
func NewAllowList(entries []string, logger *slog.Logger) *AllowList {
	normalized := make([]string, 0, len(entries))
	for _, e := range entries {
		if e = normalizeIP(e); e != "" {
			normalized = append(normalized, e)
		}
	}
	return &AllowList{entries: normalized, logger: orDefault(logger)}
}

func (a *AllowList) Name() string { return "ip_allowlist" }

// Allows reports whether key matches an entry
func (a *AllowList) Allows(key string) bool {
	if len(a.entries) == 0 {
		return true
	}
	for _, entry := range a.entries {
		if entry == "*" || entry == key {
			return true
		}
	}
	return false
}

func (a *AllowList) Evaluate(w http.ResponseWriter, r *http.Request) (Verdict, *http.Request) {
	key := clientKey(r)
	if a.Allows(key) {
		return Allow(), nil
	}

	a.logger.Warn("Client not in IP allow-list",
		"ip", key,
		"path", r.URL.Path,
		"request_id", RequestID(r.Context()))
	return Reject(http.StatusForbidden, "Forbidden"), nil
}

// RateLimit counts requests per client in the shared counter window
type RateLimit struct {
	store  *counter.Store
	stats  *counter.Stats
	limit  int
	logger *slog.Logger
}

// NewRateLimit creates the guard; limit is the number of requests allowed per window
func NewRateLimit(store *counter.Store, stats *counter.Stats, limit int, logger *slog.Logger) *RateLimit {
	return &RateLimit{store: store, stats: stats, limit: limit, logger: orDefault(logger)}
}

func (l *RateLimit) Name() string { return "rate_limit" }

func (l *RateLimit) Evaluate(w http.ResponseWriter, r *http.Request) (Verdict, *http.Request) {
	key := clientKey(r)
	count := l.store.Increment(key)

	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

	if count > l.limit {
		l.stats.IncBlocked()
		l.logger.Warn("Rate limit exceeded",
			"ip", key,
			"count", count,
			"limit", l.limit,
			"request_id", RequestID(r.Context()))
		return Reject(http.StatusTooManyRequests, "Too many requests"), nil
	}

	if count*100 > l.limit*RateLimitWarnPercent {
		l.logger.Warn("Client approaching rate limit",
			"ip", key,
			"count", count,
			"limit", l.limit,
			"request_id", RequestID(r.Context()))
	}

	return Allow(), nil
}

// TokenAuth compares the request token with the configured one.
// The token is read from "Authorization: Bearer <token>" or X-Auth-Token.
// An empty expected token disables the check.
type TokenAuth struct {
	token  string
	logger *slog.Logger
}

// NewTokenAuth creates the guard
func NewTokenAuth(token string, logger *slog.Logger) *TokenAuth {
	return &TokenAuth{token: token, logger: orDefault(logger)}
}

func (a *TokenAuth) Name() string { return "token_auth" }

func (a *TokenAuth) Evaluate(w http.ResponseWriter, r *http.Request) (Verdict, *http.Request) {
	if a.token == "" {
		return Allow(), nil
	}

	received := security.BearerToken(r.Header.Get("Authorization"))
	if received == "" {
		received = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}

	if received != "" && security.TokenEqual(a.token, received) {
		return Allow(), nil
	}

	a.logger.Warn("Authentication failed",
		"ip", clientKey(r),
		"token_present", received != "",
		"request_id", RequestID(r.Context()))
	return Reject(http.StatusUnauthorized, "Unauthorized"), nil
}

// PayloadValidator reads and validates the alert body. On success the
// decoded payload is available through PayloadFromContext.
type PayloadValidator struct {
	maxBytes int64
	logger   *slog.Logger
}

// NewPayloadValidator creates the guard; bodies above maxBytes are rejected with 413
func NewPayloadValidator(maxBytes int64, logger *slog.Logger) *PayloadValidator {
	return &PayloadValidator{maxBytes: maxBytes, logger: orDefault(logger)}
}

func (v *PayloadValidator) Name() string { return "payload" }

func (v *PayloadValidator) Evaluate(w http.ResponseWriter, r *http.Request) (Verdict, *http.Request) {
	if !isJSONContentType(r.Header.Get("Content-Type")) {
		return v.reject(r, "content type must be application/json"), nil
	}

	if r.ContentLength > v.maxBytes {
		return Reject(http.StatusRequestEntityTooLarge, "Payload too large"), nil
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, v.maxBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return Reject(http.StatusRequestEntityTooLarge, "Payload too large"), nil
			}
			v.logger.Warn("Failed to read request body", "error", err, "request_id", RequestID(r.Context()))
			return v.reject(r, "failed to read body"), nil
		}
	}

	payload, err := alert.Parse(body)
	if err != nil {
		return v.reject(r, validationMessage(err)), nil
	}

	return Allow(), r.WithContext(withPayload(r.Context(), payload))
}

func (v *PayloadValidator) reject(r *http.Request, reason string) Verdict {
	v.logger.Warn("Invalid payload",
		"reason", reason,
		"ip", clientKey(r),
		"request_id", RequestID(r.Context()))
	return Reject(http.StatusBadRequest, "Invalid payload: "+reason)
}

// validationMessage keeps JSON decoder details out of the response
func validationMessage(err error) string {
	for _, known := range []error{
		alert.ErrEmptyBody,
		alert.ErrNotObject,
		alert.ErrMissingStatus,
		alert.ErrInvalidStatus,
		alert.ErrInvalidAlerts,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "malformed body"
}

// isJSONContentType reports whether ct is application/json or a +json type.
// A missing header is not JSON.
func isJSONContentType(ct string) bool {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
