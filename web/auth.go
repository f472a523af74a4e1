package web

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wispberry-tech/travelease/core"
	"github.com/wispberry-tech/travelease/gate"
	"github.com/wispberry-tech/travelease/session"
)

type registerRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	PhotoURL string `json:"photoURL" validate:"omitempty,url"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type profileRequest struct {
	DisplayName string `json:"displayName" validate:"omitempty,max=100"`
	PhotoURL    string `json:"photoURL" validate:"omitempty,url"`
}

// signedInResponse answers a successful sign-in or registration.
type signedInResponse struct {
	User     *core.Identity `json:"user"`
	Redirect string         `json:"redirect"`
}

type sessionResponse struct {
	session.State
	Decision gate.Decision `json:"decision"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	state := mustStore(r).Snapshot()
	writeJSON(w, http.StatusOK, sessionResponse{State: state, Decision: gate.Decide(state)})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := mustStore(r).Register(r.Context(), req.Email, req.Password, core.ProfileFields{
		DisplayName: req.Name,
		PhotoURL:    req.PhotoURL,
	})
	if err != nil {
		writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, signedInResponse{
		User:     user,
		Redirect: gate.IntentFromRequest(r).ReturnPath(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := mustStore(r).SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, signedInResponse{
		User:     user,
		Redirect: gate.IntentFromRequest(r).ReturnPath(),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := mustStore(r).SignOut(r.Context()); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if err := mustStore(r).SignOutEverywhere(r.Context()); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	store := mustStore(r)
	if err := store.UpdateProfile(r.Context(), core.ProfileFields(req)); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, store.Snapshot())
}

// handleFederatedStart sends the visitor to the provider's consent page.
func (s *Server) handleFederatedStart(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	returnTo := gate.IntentFromRequest(r).ReturnPath()

	authURL, err := mustStore(r).FederatedSignInURL(r.Context(), provider, returnTo)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) handleFederatedCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		slog.Debug("Federated sign in declined", "provider", chi.URLParam(r, "provider"), "error", providerErr)
		writeError(w, http.StatusBadRequest, "Sign-in was cancelled")
		return
	}

	result, err := mustStore(r).SignInWithFederatedProvider(r.Context(), core.FederatedCallback{
		Provider: chi.URLParam(r, "provider"),
		State:    q.Get("state"),
		Code:     q.Get("code"),
	})
	if err != nil {
		writeAuthError(w, err)
		return
	}

	target := gate.Intent{AttemptedPath: gate.SanitizePath(result.ReturnTo)}.ReturnPath()
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// writeAuthError maps session store errors to responses.
func writeAuthError(w http.ResponseWriter, err error) {
	var perr *session.ProviderError
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
	case errors.Is(err, session.ErrAccountExists):
		writeError(w, http.StatusConflict, "An account with this email already exists")
	case errors.Is(err, session.ErrOperationInFlight):
		writeError(w, http.StatusConflict, "Another sign-in is in progress")
	case errors.Is(err, session.ErrNetworkUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Network unavailable, please try again")
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "Service is shutting down")
	case errors.As(err, &perr):
		writeError(w, http.StatusBadRequest, perr.Message)
	default:
		slog.Error("Unexpected authentication error", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
