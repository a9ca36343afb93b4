package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/nileauth/internal/auth"
)

const genericServerError = "Something went very wrong!"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeFail writes a client error envelope: {status:"fail", message}.
func writeFail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"status":  "fail",
		"message": message,
	})
}

// writeError renders err. Auth errors carry their own status and message;
// anything else is a 500 whose detail is shown only outside production.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *auth.Error
	if errors.As(err, &ae) {
		if ae.Err != nil {
			requestLogger(r, a.log).Debug("request rejected", zap.String("kind", string(ae.Kind)), zap.Error(ae.Err))
		}
		writeFail(w, ae.Status, ae.Message)
		return
	}

	requestLogger(r, a.log).Error("request failed", zap.Error(err))
	msg := genericServerError
	if !a.cfg.IsProduction() {
		msg = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"status":  "error",
		"message": msg,
	})
}
