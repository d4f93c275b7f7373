package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/faultline-io/faultline/internal/auth"
	"github.com/faultline-io/faultline/internal/model"
)

// demoUsers are created on startup when seeding is enabled, so the API has
// data to serve before any client writes.
var demoUsers = []struct {
	email string
	name  string
}{
	{"ada@example.com", "Ada Lovelace"},
	{"grace@example.com", "Grace Hopper"},
	{"edsger@example.com", "Edsger Dijkstra"},
}

// DemoPassword is the password for all seeded demo users.
const DemoPassword = "faultline-demo"

// SeedDemoUsers inserts the demo accounts, skipping emails that already
// exist.
func SeedDemoUsers(ctx context.Context, store Store, logger *slog.Logger) error {
	for _, du := range demoUsers {
		hash, err := auth.HashPassword(DemoPassword)
		if err != nil {
			return fmt.Errorf("storage: seed: %w", err)
		}
		_, err = store.CreateUser(ctx, model.User{
			Email:        du.email,
			Name:         du.name,
			PasswordHash: hash,
		})
		if errors.Is(err, ErrEmailTaken) {
			continue
		}
		if err != nil {
			return fmt.Errorf("storage: seed %s: %w", du.email, err)
		}
		logger.Info("storage: seeded demo user", "email", du.email)
	}
	return nil
}
