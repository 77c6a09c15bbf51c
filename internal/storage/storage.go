// Package storage persists a journal of deployments and pool creations.
package storage

import (
	"context"

	"github.com/Consensys/defi-fuzzing-toolbox/pkg/types"
)

// Journal records what the toolbox deployed. It is an audit trail only:
// entries are never used to skip a deployment.
type Journal interface {
	RecordDeployment(ctx context.Context, rec *types.DeploymentRecord) error
	RecordPool(ctx context.Context, rec *types.PoolRecord) error

	ListDeployments(ctx context.Context, chainID int64, limit, offset int) (*types.PaginatedDeployments, error)
	ListPools(ctx context.Context, chainID int64) ([]types.PoolRecord, error)

	Close() error
}
