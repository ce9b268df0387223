package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrEthical07/authcore"
)

const (
	maxBodyBytes  = 64 << 10
	healthTimeout = 2 * time.Second
)

type loginRequest struct {
	Email          string `json:"email"`
	Username       string `json:"username"`
	Identifier     string `json:"identifier"`
	AdminID        string `json:"admin_id"`
	ServiceID      string `json:"service_id"`
	Password       string `json:"password"`
	RememberUserID bool   `json:"remember_user_id"`
}

// identifier picks the field each actor class logs in with. Admins may use
// any of their handles.
func (req loginRequest) identifier(actor authcore.ActorClass) string {
	switch actor {
	case authcore.ActorUser:
		return strings.TrimSpace(req.Email)
	case authcore.ActorService:
		return strings.TrimSpace(req.ServiceID)
	}
	for _, v := range []string{req.Identifier, req.Username, req.Email, req.AdminID} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type sessionResponse struct {
	SessionID    string              `json:"session_id"`
	AccessToken  string              `json:"access_token"`
	RefreshToken string              `json:"refresh_token"`
	ExpiresIn    int64               `json:"expires_in"`
	ActorClass   authcore.ActorClass `json:"actor_class"`
	SubjectID    string              `json:"subject_id"`
	CSRFToken    string              `json:"csrf_token"`
	RequiresTOTP bool                `json:"requires_totp,omitempty"`
}

type statusResponse struct {
	Authenticated bool                `json:"authenticated"`
	ActorClass    authcore.ActorClass `json:"actor_class,omitempty"`
	SubjectID     string              `json:"subject_id,omitempty"`
	TOTPPending   bool                `json:"totp_pending,omitempty"`
}

func (s *Server) handleLogin(actor authcore.ActorClass) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := decodeJSON(w, r, &req, false); err != nil {
			s.writeError(w, r, err)
			return
		}
		ident := req.identifier(actor)
		if ident == "" || req.Password == "" {
			s.writeError(w, r, authcore.ErrInvalidInput)
			return
		}

		ctx := r.Context()
		info := s.m.RequestInfo(r)
		if err := s.m.RateExceeded(ctx, authcore.RateLogin, csrfFailureKey(info.IP)); err != nil {
			s.writeError(w, r, err)
			return
		}

		res, err := s.m.Login(ctx, authcore.LoginRequest{
			Actor:      actor,
			Identifier: ident,
			Password:   req.Password,
			Info:       info,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		csrfToken, err := s.issueSessionCookies(w, r, res.Tokens)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if req.RememberUserID {
			s.m.Cookies().SetSubject(w, r, res.Tokens.SubjectID)
		}
		writeJSON(w, http.StatusOK, s.sessionResponse(res.Tokens, csrfToken, res.RequiresTOTP))
	}
}

func (s *Server) handleRefresh(actor authcore.ActorClass) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := decodeJSON(w, r, &req, true); err != nil {
			s.writeError(w, r, err)
			return
		}
		handle := strings.TrimSpace(req.RefreshToken)
		if handle == "" {
			handle = s.m.Cookies().RefreshToken(r)
		}
		if handle == "" {
			s.writeError(w, r, authcore.ErrRefreshInvalid)
			return
		}

		tokens, err := s.m.RefreshSession(r.Context(), actor, handle, s.m.RequestInfo(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		csrfToken, err := s.issueSessionCookies(w, r, tokens)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.sessionResponse(tokens, csrfToken, false))
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	p := authcore.PrincipalFrom(r.Context())
	if err := s.m.Logout(r.Context(), p.SessionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.m.Cookies().ClearAll(w, r)
	writeJSON(w, http.StatusOK, map[string]bool{"logged_out": true})
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p := authcore.PrincipalFrom(r.Context())
	n, err := s.m.RevokeAllForSubject(r.Context(), p.SubjectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.m.Cookies().ClearAll(w, r)
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

// handleStatus never fails: anything short of a resolvable session reports
// unauthenticated.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, err := s.m.AuthenticateRequest(r)
	if err != nil {
		writeJSON(w, http.StatusOK, statusResponse{})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Authenticated: true,
		ActorClass:    p.ActorClass,
		SubjectID:     p.SubjectID,
		TOTPPending:   p.TOTPPending,
	})
}

func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.csrf.Issue(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.m.Ping(ctx); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", authcore.ErrBackendUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "kv_degraded": s.m.Degraded()})
}

// issueSessionCookies writes the session aliases, the refresh handle and a
// fresh CSRF token.
func (s *Server) issueSessionCookies(w http.ResponseWriter, r *http.Request, t *authcore.Tokens) (string, error) {
	c := s.m.Cookies()
	c.SetSession(w, r, t.SessionID)
	if t.RefreshToken != "" {
		c.SetRefresh(w, r, t.RefreshToken, t.RefreshExpiresAt)
	}
	return s.csrf.Issue(w, r)
}

func (s *Server) sessionResponse(t *authcore.Tokens, csrfToken string, requiresTOTP bool) sessionResponse {
	return sessionResponse{
		SessionID:    t.SessionID,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresIn:    int64(s.cfg.AccessTTL(t.ActorClass).Seconds()),
		ActorClass:   t.ActorClass,
		SubjectID:    t.SubjectID,
		CSRFToken:    csrfToken,
		RequiresTOTP: requiresTOTP,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", authcore.ErrInvalidInput, err)
	}
	return nil
}
