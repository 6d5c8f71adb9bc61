package repository

import (
	"context"

	"billing-engine/internal/domain/model"
)

// UserRepository reads the user directory (external collaborator, read-only here).
type UserRepository interface {
	FindByID(ctx context.Context, qx any, id string) (*model.User, error)
}
