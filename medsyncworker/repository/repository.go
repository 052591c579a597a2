// package repository contains all of the methods needed to interact with the medsync data
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/medsync/medsync-app/medsync/models"
)

type Repository interface {
	connectionRepository
	canonicalResourceRepository
	syncResultRepository
}

type connectionRepository interface {
	// CreateConnection inserts an active connection, deactivating all prior
	// active rows for the same (user, integration) in the same transaction.
	CreateConnection(ctx context.Context, conn models.Connection) (*models.Connection, error)

	GetConnectionByID(ctx context.Context, id uint) (*models.Connection, error)

	GetActiveConnection(ctx context.Context, userID, integration string) (*models.Connection, error)

	// GetActiveConnections returns every active connection for an integration.
	GetActiveConnections(ctx context.Context, integration string) ([]*models.Connection, error)

	// UpdateConnectionToken persists a refreshed session on the connection.
	UpdateConnectionToken(ctx context.Context, id uint, token *models.Token) error

	UpdateConnectionLastSync(ctx context.Context, id uint, lastSync time.Time) error

	// DeactivateConnections flips active rows off; rows are never deleted.
	DeactivateConnections(ctx context.Context, userID, integration string) (int64, error)
}

type canonicalResourceRepository interface {
	// ResourceExists reports whether the (connection, type, external id)
	// triple was already synced.
	ResourceExists(ctx context.Context, connectionID uint, resourceType models.ResourceType, externalID string) (bool, error)

	CreateResource(ctx context.Context, resource *models.CanonicalResource) error

	GetResourceCount(ctx context.Context, connectionID uint, resourceType models.ResourceType) (int, error)
}

type syncResultRepository interface {
	CreateSyncResult(ctx context.Context, result *models.SyncOperationResult) error
}

var (
	ErrConnectionNotFound   = errors.New("no connection found for given id")
	ErrConnectionNotUpdated = errors.New("connection was not updated, no match found")
)
