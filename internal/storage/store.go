package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/Ario-Inc/spark-protocol/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Device key methods
	GetDeviceKey(ctx context.Context, id models.DeviceID) (*models.DeviceKey, error)
	SetDeviceKey(ctx context.Context, key *models.DeviceKey) error

	// Server keypair
	GetServerKey(ctx context.Context) ([]byte, error)
	SetServerKey(ctx context.Context, pemKey []byte) error

	// Device attribute methods
	GetDeviceAttributes(ctx context.Context, id models.DeviceID) (*models.DeviceAttributes, error)
	SaveDeviceAttributes(ctx context.Context, attrs *models.DeviceAttributes) error
	ListDeviceAttributes(ctx context.Context, limit, offset int) ([]*models.DeviceAttributes, int64, error)

	// Claim codes
	SaveClaimCode(ctx context.Context, code *models.ClaimCode) error

	// User methods
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	// Close the store
	Close() error
}
