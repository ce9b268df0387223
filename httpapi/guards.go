package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/csrf"
)

// requireCSRF enforces the double-submit check. A failure is logged and
// counted against the caller's login bucket so probing gets throttled.
func (s *Server) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.csrf.Check(r); err != nil {
			ip := s.m.ClientIP(r)
			s.logger.Warn("csrf check failed",
				zap.String("request_id", authcore.RequestIDFrom(r.Context())),
				zap.String("client_ip", ip),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			s.m.Metrics().Inc(authcore.MetricCSRFRejected)
			s.m.RateHit(r.Context(), authcore.RateLogin, csrfFailureKey(ip))
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit limits a route by class, keyed by the principal's subject when
// a guard ran first and by client IP otherwise.
func (s *Server) RateLimit(class authcore.RateClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := s.m.CheckRate(r.Context(), class, s.rateKey(r)); err != nil {
				s.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// apiRateLimit picks api_read for safe methods and api_write otherwise.
func (s *Server) apiRateLimit(next http.Handler) http.Handler {
	read := s.RateLimit(authcore.RateAPIRead)(next)
	write := s.RateLimit(authcore.RateAPIWrite)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if csrf.Safe(r.Method) {
			read.ServeHTTP(w, r)
			return
		}
		write.ServeHTTP(w, r)
	})
}

func (s *Server) rateKey(r *http.Request) string {
	if p := authcore.PrincipalFrom(r.Context()); p != nil && p.SubjectID != "" {
		return "subject:" + p.SubjectID
	}
	return "ip:" + s.m.ClientIP(r)
}

// csrfFailureKey is the login bucket fed by CSRF failures and checked before
// every login from the same address.
func csrfFailureKey(ip string) string {
	if ip == "" {
		ip = "unknown"
	}
	return "csrf|" + ip
}
