package repository

import (
	"context"

	"billing-engine/internal/domain/model"
)

// PlanRepository reads the plan catalog (external collaborator, read-only here).
type PlanRepository interface {
	FindByID(ctx context.Context, qx any, id string) (*model.Plan, error)
	ListAll(ctx context.Context, qx any) ([]*model.Plan, error)
}
