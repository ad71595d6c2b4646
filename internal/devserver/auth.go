package devserver

import (
	"net/http"

	"github.com/ashureev/prdpilot/internal/httpapi"
)

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req httpapi.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.checkCredentials(req.Email, req.Password) {
		Error(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}

	access, refresh := s.tokens.issue(req.Email)
	s.logger.Info("User logged in", "user_id", req.Email)
	Data(w, http.StatusOK, map[string]any{
		"token": httpapi.LoginResponse{
			AccessToken:  access,
			RefreshToken: refresh,
			TokenType:    "bearer",
			ExpiresIn:    int64(s.opts.AccessTTL.Seconds()),
		},
		"user": httpapi.User{ID: req.Email, Email: req.Email},
	})
}

func (s *Server) checkCredentials(email, password string) bool {
	if email == "" || password == "" {
		return false
	}
	if s.opts.Users == nil {
		return true
	}
	want, ok := s.opts.Users[email]
	return ok && want == password
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		Error(w, http.StatusBadRequest, "refresh_token is required")
		return
	}
	userID, access, refresh, ok := s.tokens.rotate(req.RefreshToken)
	if !ok {
		Error(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	s.logger.Debug("Tokens refreshed", "user_id", userID)
	JSON(w, http.StatusOK, httpapi.RefreshResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.opts.AccessTTL.Seconds()),
	})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.tokens.revoke(bearerToken(r))
	JSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}
