/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the HTTP surface: account endpoints, group
// lifecycle, discovery, and the group websocket upgrade.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tandemfm/tandem/internal/accounts"
	"github.com/tandemfm/tandem/internal/auth"
	"github.com/tandemfm/tandem/internal/groups"
	"github.com/tandemfm/tandem/internal/realtime"
	"github.com/tandemfm/tandem/internal/session"
)

const tokenTTL = 24 * time.Hour

// API exposes HTTP handlers.
type API struct {
	db        *gorm.DB
	jwtSecret []byte
	accounts  *accounts.Service
	groups    *groups.Service
	ws        *realtime.Handler
	logger    zerolog.Logger
}

// New creates the API router wrapper.
func New(database *gorm.DB, jwtSecret []byte, accountsSvc *accounts.Service, groupsSvc *groups.Service, wsHandler *realtime.Handler, logger zerolog.Logger) *API {
	return &API{
		db:        database,
		jwtSecret: jwtSecret,
		accounts:  accountsSvc,
		groups:    groupsSvc,
		ws:        wsHandler,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts all endpoints on the router.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		// Public endpoints (no auth required)
		r.Post("/auth/register", a.handleRegister)
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(pr chi.Router) {
			pr.Use(auth.Middleware(a.jwtSecret))

			pr.Route("/groups", func(r chi.Router) {
				r.Get("/", a.handleGroupsDiscover)
				r.Post("/", a.handleGroupsCreate)
				r.Post("/join", a.handleGroupsJoinByCode)

				r.Route("/{groupID}", func(r chi.Router) {
					r.Get("/", a.handleGroupsGet)
					r.Post("/join", a.handleGroupsJoin)
					r.Post("/leave", a.handleGroupsLeave)
					r.Delete("/", a.handleGroupsEnd)
					r.Get("/ws", a.ws.HandleGroupSocket)
				})
			})

			pr.Get("/me", a.handleMe)
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token    string `json:"token"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	user, err := a.accounts.Register(r.Context(), req.Username, req.Email, req.Password)
	switch {
	case errors.Is(err, accounts.ErrUsernameTaken):
		writeError(w, http.StatusConflict, "username_taken")
		return
	case errors.Is(err, accounts.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, "weak_password")
		return
	case errors.Is(err, accounts.ErrInvalidCredentials):
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	case err != nil:
		a.logger.Error().Err(err).Msg("register failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	a.issueToken(w, http.StatusCreated, user.ID, user.Username)
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	user, err := a.accounts.Authenticate(r.Context(), req.Login, req.Password)
	if errors.Is(err, accounts.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("login failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	a.issueToken(w, http.StatusOK, user.ID, user.Username)
}

func (a *API) issueToken(w http.ResponseWriter, status int, userID, username string) {
	token, err := auth.Issue(a.jwtSecret, auth.Claims{UserID: userID, Username: username}, tokenTTL)
	if err != nil {
		a.logger.Error().Err(err).Msg("token issue failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, status, authResponse{Token: token, UserID: userID, Username: username})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	user, err := a.accounts.Get(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"userId":   user.ID,
		"username": user.Username,
		"email":    user.Email,
	})
}

type createGroupRequest struct {
	Name       string `json:"name"`
	GroupType  string `json:"groupType"`
	Visibility string `json:"visibility"`
}

func (a *API) handleGroupsCreate(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	snap, err := a.groups.Create(r.Context(), groups.CreateParams{
		Name:         req.Name,
		GroupType:    session.GroupType(req.GroupType),
		Visibility:   session.Visibility(req.Visibility),
		HostUserID:   claims.UserID,
		HostUsername: claims.Username,
	})
	if err != nil {
		a.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (a *API) handleGroupsDiscover(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"groups": a.groups.Discover()})
}

func (a *API) handleGroupsGet(w http.ResponseWriter, r *http.Request) {
	snap, err := a.groups.Get(chi.URLParam(r, "groupID"))
	if err != nil {
		a.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type joinByCodeRequest struct {
	JoinCode string `json:"joinCode"`
}

func (a *API) handleGroupsJoinByCode(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	var req joinByCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	snap, err := a.groups.JoinByCode(r.Context(), req.JoinCode, claims.UserID, claims.Username)
	if err != nil {
		a.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleGroupsJoin(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	snap, err := a.groups.Join(r.Context(), chi.URLParam(r, "groupID"), claims.UserID, claims.Username)
	if err != nil {
		a.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleGroupsLeave(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	if err := a.groups.Leave(r.Context(), chi.URLParam(r, "groupID"), claims.UserID); err != nil {
		a.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (a *API) handleGroupsEnd(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	if err := a.groups.End(r.Context(), chi.URLParam(r, "groupID"), claims.UserID, "host-ended"); err != nil {
		a.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// writeSessionError maps session error codes onto HTTP statuses.
func (a *API) writeSessionError(w http.ResponseWriter, err error) {
	switch session.CodeOf(err) {
	case session.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case session.CodeNotMember, session.CodeNotAllowed:
		writeError(w, http.StatusForbidden, err.Error())
	case session.CodeInvalid:
		writeError(w, http.StatusBadRequest, err.Error())
	case session.CodeConflict:
		writeError(w, http.StatusConflict, err.Error())
	default:
		a.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
