package server

import (
	"errors"
	"net/http"

	"github.com/faultline-io/faultline/internal/auth"
	"github.com/faultline-io/faultline/internal/model"
	"github.com/faultline-io/faultline/internal/storage"
)

// HandleListUsers handles GET /api/users.
func (h *Handlers) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 20)
	offset := queryOffset(r)

	users, total, err := h.store.ListUsers(r.Context(), limit, offset)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeList(w, r, users, total, limit, offset)
}

// HandleCreateUser handles POST /api/users.
func (h *Handlers) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req model.CreateUserRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		h.handleError(w, r, errInvalidInput("invalid request body"))
		return
	}
	if err := model.Validate(req); err != nil {
		h.handleError(w, r, errInvalidInput(err.Error()))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	user, err := h.store.CreateUser(r.Context(), model.User{
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: hash,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, user)
}

// HandleGetUser handles GET /api/users/{id}.
func (h *Handlers) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseUserID(r)
	if err != nil {
		h.handleError(w, r, errInvalidInput(err.Error()))
		return
	}

	user, err := h.store.GetUser(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, user)
}

// HandleUpdateUser handles PUT /api/users/{id}.
func (h *Handlers) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseUserID(r)
	if err != nil {
		h.handleError(w, r, errInvalidInput(err.Error()))
		return
	}

	var req model.UpdateUserRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		h.handleError(w, r, errInvalidInput("invalid request body"))
		return
	}
	if err := model.Validate(req); err != nil {
		h.handleError(w, r, errInvalidInput(err.Error()))
		return
	}
	if req.Email == nil && req.Name == nil {
		h.handleError(w, r, errInvalidInput("at least one of email or name is required"))
		return
	}

	user, err := h.store.UpdateUser(r.Context(), id, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, user)
}

// HandleDeleteUser handles DELETE /api/users/{id}.
func (h *Handlers) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseUserID(r)
	if err != nil {
		h.handleError(w, r, errInvalidInput(err.Error()))
		return
	}

	if err := h.store.DeleteUser(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"deleted": id.String()})
}

// HandleLogin handles POST /api/auth/login.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		h.handleError(w, r, errInvalidInput("invalid request body"))
		return
	}
	if err := model.Validate(req); err != nil {
		h.handleError(w, r, errInvalidInput(err.Error()))
		return
	}

	user, err := h.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Burn the time a real verification takes so missing accounts
			// are not detectable by response latency.
			auth.DummyVerify()
			h.handleError(w, r, errUnauthorized("invalid credentials"))
			return
		}
		h.handleError(w, r, err)
		return
	}

	ok, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !ok {
		h.handleError(w, r, errUnauthorized("invalid credentials"))
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user,
	})
}
