package repository

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/medsync/medsync-app/medsync/models"
)

// MockRepository is a testify mock of Repository.
type MockRepository struct {
	mock.Mock
}

var _ Repository = &MockRepository{}

func (m *MockRepository) CreateConnection(ctx context.Context, conn models.Connection) (*models.Connection, error) {
	args := m.Called(ctx, conn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Connection), args.Error(1)
}

func (m *MockRepository) GetConnectionByID(ctx context.Context, id uint) (*models.Connection, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Connection), args.Error(1)
}

func (m *MockRepository) GetActiveConnection(ctx context.Context, userID, integration string) (*models.Connection, error) {
	args := m.Called(ctx, userID, integration)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Connection), args.Error(1)
}

func (m *MockRepository) GetActiveConnections(ctx context.Context, integration string) ([]*models.Connection, error) {
	args := m.Called(ctx, integration)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Connection), args.Error(1)
}

func (m *MockRepository) UpdateConnectionToken(ctx context.Context, id uint, token *models.Token) error {
	args := m.Called(ctx, id, token)
	return args.Error(0)
}

func (m *MockRepository) UpdateConnectionLastSync(ctx context.Context, id uint, lastSync time.Time) error {
	args := m.Called(ctx, id, lastSync)
	return args.Error(0)
}

func (m *MockRepository) DeactivateConnections(ctx context.Context, userID, integration string) (int64, error) {
	args := m.Called(ctx, userID, integration)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) ResourceExists(ctx context.Context, connectionID uint, resourceType models.ResourceType, externalID string) (bool, error) {
	args := m.Called(ctx, connectionID, resourceType, externalID)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) CreateResource(ctx context.Context, resource *models.CanonicalResource) error {
	args := m.Called(ctx, resource)
	return args.Error(0)
}

func (m *MockRepository) GetResourceCount(ctx context.Context, connectionID uint, resourceType models.ResourceType) (int, error) {
	args := m.Called(ctx, connectionID, resourceType)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) CreateSyncResult(ctx context.Context, result *models.SyncOperationResult) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}
