package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/drip/logger"
)

const bearerPrefix = "Bearer "

// bearerToken extracts the token from an Authorization header.
// The scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) <= len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(bearerPrefix):]), true
}

// authorized compares the presented token with the configured secret in
// constant time. An empty configured secret rejects every request.
func (s *DripServer) authorized(r *http.Request) bool {
	secret := s.secret()
	if secret == "" {
		return false
	}
	token, ok := bearerToken(r)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

// requireAuth rejects unauthenticated requests with 401 before next runs
func (s *DripServer) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			s.logger.Warnw("Unauthorized request",
				logger.FieldMethod, r.Method,
				logger.FieldPath, r.URL.Path,
				logger.FieldAddress, r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="drip"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// throttle applies the trigger limiter; rejected calls get 429 with Retry-After
func (s *DripServer) throttle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.limiter.Allow(); err != nil {
			retry := s.limiter.RetryAfter()
			secs := int((retry + time.Second - 1) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			s.logger.Warnw("Trigger throttled", logger.FieldError, err)
			writeError(w, statusFor(err), "too many run requests")
			return
		}
		next(w, r)
	}
}
