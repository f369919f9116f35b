package repositories

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/YSAWORK/events-api/internal/models"
)

// UserRepository provides access to API account data
type UserRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *gorm.DB, readOnlyDB *gorm.DB) *UserRepository {
	return &UserRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create persists a new user account
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return errors.Wrap(err, "failed to create user")
	}
	return nil
}

// GetByEmail gets a user by email
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := r.readOnlyDB.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get user by email")
	}
	return &user, nil
}

// GetByID gets a user by id
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := r.readOnlyDB.WithContext(ctx).First(&user, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get user by id")
	}
	return &user, nil
}
