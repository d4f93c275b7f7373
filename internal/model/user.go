package model

import (
	"time"

	"github.com/google/uuid"
)

// User is a stored account. PasswordHash never leaves the process.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateUserRequest is the request body for POST /api/users.
type CreateUserRequest struct {
	Email    string `json:"email" validate:"required,email,max=320"`
	Name     string `json:"name" validate:"required,min=1,max=200"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// UpdateUserRequest is the request body for PUT /api/users/{id}. Absent
// fields are left unchanged.
type UpdateUserRequest struct {
	Email *string `json:"email,omitempty" validate:"omitempty,email,max=320"`
	Name  *string `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
}

// LoginRequest is the request body for POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// AuthTokenResponse is the response for POST /api/auth/login.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}
