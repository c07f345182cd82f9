package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taxmanager.org/internal/audit"
	"taxmanager.org/internal/auth"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
}

type registerResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"fullName"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type deactivateRequest struct {
	UserID string `json:"userId"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type principalResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// required collects "field: must not be blank" for every empty value.
func required(fields ...[2]string) []string {
	var errs []string
	for _, f := range fields {
		if strings.TrimSpace(f[1]) == "" {
			errs = append(errs, f[0]+": must not be blank")
		}
	}
	return errs
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if errs := required([2]string{"email", req.Email}, [2]string{"password", req.Password}, [2]string{"fullName", req.FullName}); len(errs) > 0 {
		writeProblem(w, r, http.StatusBadRequest, "one or more fields are invalid", errs...)
		return
	}

	res, err := a.svc.Register(r.Context(), auth.RegisterCommand{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.register", zap.String("identity_id", res.ID.String()))

	writeJSON(w, http.StatusCreated, registerResponse{
		ID:        res.ID.String(),
		Email:     res.Email,
		FullName:  res.FullName,
		Role:      string(res.Role),
		CreatedAt: res.CreatedAt,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if errs := required([2]string{"email", req.Email}, [2]string{"password", req.Password}); len(errs) > 0 {
		writeProblem(w, r, http.StatusBadRequest, "one or more fields are invalid", errs...)
		return
	}

	bundle, err := a.svc.Login(r.Context(), auth.LoginCommand{Email: req.Email, Password: req.Password})
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.login.failed", zap.String("email", auth.NormalizeEmail(req.Email)))
		a.fail(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login", zap.String("email", auth.NormalizeEmail(req.Email)))
	writeJSON(w, http.StatusOK, toTokenResponse(bundle))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if errs := required([2]string{"refreshToken", req.RefreshToken}); len(errs) > 0 {
		writeProblem(w, r, http.StatusBadRequest, "one or more fields are invalid", errs...)
		return
	}

	bundle, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.refresh")
	writeJSON(w, http.StatusOK, toTokenResponse(bundle))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if errs := required([2]string{"refreshToken", req.RefreshToken}); len(errs) > 0 {
		writeProblem(w, r, http.StatusBadRequest, "one or more fields are invalid", errs...)
		return
	}

	if err := a.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		a.fail(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout")
	writeJSON(w, http.StatusOK, messageResponse{Message: "logged out"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		a.fail(w, r, auth.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, principalResponse{
		ID:    principal.UserID.String(),
		Email: principal.Email,
		Role:  string(principal.Role),
	})
}

// handleDeactivate lets admins deactivate any identity and everyone else
// only their own.
func (a *API) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		a.fail(w, r, auth.ErrUnauthorized)
		return
	}
	var req deactivateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	target := principal.UserID
	if strings.TrimSpace(req.UserID) != "" {
		id, err := uuid.Parse(strings.TrimSpace(req.UserID))
		if err != nil {
			writeProblem(w, r, http.StatusBadRequest, "one or more fields are invalid", "userId: must be a UUID")
			return
		}
		target = id
	}
	if !principal.CanDeactivate(target) {
		writeProblem(w, r, http.StatusForbidden, "admin role required")
		return
	}

	if err := a.svc.Deactivate(r.Context(), target); err != nil {
		a.fail(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.deactivate", zap.String("identity_id", target.String()))
	writeJSON(w, http.StatusOK, messageResponse{Message: "identity deactivated"})
}

func toTokenResponse(b auth.TokenBundle) tokenResponse {
	return tokenResponse{
		AccessToken:  b.AccessToken,
		RefreshToken: b.RefreshToken,
		TokenType:    b.TokenType,
		ExpiresIn:    b.ExpiresIn,
	}
}
