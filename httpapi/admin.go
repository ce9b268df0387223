package httpapi

import (
	"net/http"
	"time"

	"github.com/MrEthical07/authcore"
)

type secondFactorRequest struct {
	Code       string `json:"code"`
	BackupCode string `json:"backup_code"`
}

func (s *Server) handleVerifySecondFactor(w http.ResponseWriter, r *http.Request) {
	var req secondFactorRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, err := s.m.VerifySecondFactor(r.Context(), authcore.PrincipalFrom(r.Context()), authcore.SecondFactor{
		Code:       req.Code,
		BackupCode: req.BackupCode,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totp_verified": true,
		"access_token":  tok.AccessToken,
		"expires_in":    int64(s.cfg.AccessTTL(authcore.ActorAdmin).Seconds()),
	})
}

func (s *Server) handleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	setup, err := s.m.BeginTOTPSetup(r.Context(), authcore.PrincipalFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Secret          string    `json:"secret"`
		ProvisioningURI string    `json:"provisioning_uri"`
		QRCode          string    `json:"qr_code"`
		ExpiresAt       time.Time `json:"expires_at"`
	}{setup.Secret, setup.ProvisioningURI, setup.QRCode, setup.ExpiresAt})
}

func (s *Server) handleTOTPConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
		Code   string `json:"code"`
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Code == "" {
		s.writeError(w, r, authcore.ErrInvalidInput)
		return
	}
	codes, err := s.m.ConfirmTOTPSetup(r.Context(), authcore.PrincipalFrom(r.Context()), req.Secret, req.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totp_enabled": true, "backup_codes": codes})
}

func (s *Server) handleTOTPDisable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password   string `json:"password"`
		Code       string `json:"code"`
		BackupCode string `json:"backup_code"`
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.m.DisableTOTP(r.Context(), authcore.PrincipalFrom(r.Context()), authcore.DisableTOTPRequest{
		Password:   req.Password,
		Code:       req.Code,
		BackupCode: req.BackupCode,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"totp_enabled": false})
}

func (s *Server) handleRegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	codes, err := s.m.RegenerateBackupCodes(r.Context(), authcore.PrincipalFrom(r.Context()), req.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backup_codes": codes})
}

func (s *Server) handleTOTPStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.m.TwoFactorStatus(r.Context(), authcore.PrincipalFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":                  st.State,
		"backup_codes_remaining": st.BackupCodesRemaining,
		"setup_pending":          st.SetupPending,
	})
}
