package repository

import (
	"context"

	"github.com/sakif/polyglot-runner/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
	// ClientID restricts the listing to one client. Empty lists everything.
	ClientID string
}

type ExecutionRepository interface {
	Create(ctx context.Context, exec *model.Execution) error
	GetByID(ctx context.Context, id string) (*model.Execution, error)
	List(ctx context.Context, opts ListOptions) ([]model.Execution, error)
}
