package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/nileauth/internal/auth"
)

const (
	sessionCookie = "jwt"
	maxBodyBytes  = 10 << 10
)

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type registerRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required,max=72"`
}

type changePasswordRequest struct {
	PasswordCurrent string `json:"passwordCurrent" validate:"required"`
	Password        string `json:"password" validate:"required,max=72"`
}

var errInvalidBody = auth.BadRequest("Invalid request body")

// decode reads a JSON body of at most maxBodyBytes into dst and validates it.
// Decoding failures map to errInvalidBody; validation failures to invalid.
func (a *App) decode(w http.ResponseWriter, r *http.Request, dst any, invalid error) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errInvalidBody
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return invalid
		}
		return err
	}
	return nil
}

func (a *App) setSessionCookie(w http.ResponseWriter, refreshToken string) {
	ttl := a.flow.RefreshTTL()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    refreshToken,
		Path:     "/",
		Expires:  time.Now().Add(ttl),
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   a.cfg.IsProduction(),
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *App) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cfg.IsProduction(),
		SameSite: http.SameSiteStrictMode,
	})
}

// sendSession writes the access token and user, setting the refresh cookie
// when res carries a new refresh token.
func (a *App) sendSession(w http.ResponseWriter, status int, res *auth.Result) {
	if res.RefreshToken != "" {
		a.setSessionCookie(w, res.RefreshToken)
	}
	writeJSON(w, status, map[string]any{
		"status": "success",
		"token":  res.AccessToken,
		"data":   map[string]any{"user": res.User},
	})
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if err := a.decode(w, r, &in, auth.ErrMissingCredentials); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.flow.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.sendSession(w, http.StatusOK, res)
}

func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in registerRequest
	if err := a.decode(w, r, &in, auth.ErrRegistrationFailed); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.flow.Register(r.Context(), auth.RegisterInput{
		Name:     in.Name,
		Email:    in.Email,
		Password: in.Password,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.sendSession(w, http.StatusCreated, res)
}

func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var presented string
	if c, err := r.Cookie(sessionCookie); err == nil {
		presented = c.Value
	}
	res, err := a.flow.Refresh(r.Context(), presented)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.sendSession(w, http.StatusOK, res)
}

// HandleLogout answers 204 when there was no session to end and 200 when a
// slot was cleared. The cookie is expired either way.
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	revoked, err := a.flow.Logout(r.Context(), c.Value)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.clearSessionCookie(w)
	if !revoked {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data":   map[string]any{"user": u},
	})
}

func (a *App) HandleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	var in changePasswordRequest
	invalid := auth.BadRequest("Please provide your current and new password")
	if err := a.decode(w, r, &in, invalid); err != nil {
		a.writeError(w, r, err)
		return
	}
	u, _ := auth.UserFromContext(r.Context())
	res, err := a.flow.ChangePassword(r.Context(), u.ID, in.PasswordCurrent, in.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.sendSession(w, http.StatusOK, res)
}

func (a *App) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserFromContext(r.Context())
	if err := a.flow.DeleteUser(r.Context(), actor, mux.Vars(r)["id"]); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.users.Ping(r.Context()); err != nil {
		requestLogger(r, a.log).Warn("store not ready", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func (a *App) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	writeFail(w, http.StatusNotFound, "Can't find "+r.URL.Path+" on this server")
}
