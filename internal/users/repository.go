package users

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	ErrNotFound   = errors.New("user not found")
	ErrEmailTaken = errors.New("email already registered")
)

// Repository persists users. Every method takes the handle to run on, so
// callers can pass a pool or an open transaction.
type Repository interface {
	Create(db *gorm.DB, u *User) error
	FindByEmail(db *gorm.DB, email string) (*User, error)
	FindByID(db *gorm.DB, id string) (*User, error)
	List(db *gorm.DB) ([]User, error)
	UpdateRole(db *gorm.DB, id string, role Role) error
	UpdatePassword(db *gorm.DB, id, passwordHash string) error
	Delete(db *gorm.DB, id string) error
}

type repositoryImpl struct{}

func NewRepository() Repository {
	return &repositoryImpl{}
}

func (r *repositoryImpl) Create(db *gorm.DB, u *User) error {
	if err := db.Create(u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrEmailTaken
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *repositoryImpl) FindByEmail(db *gorm.DB, email string) (*User, error) {
	var u User
	if err := db.Where("email = ?", NormalizeEmail(email)).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (r *repositoryImpl) FindByID(db *gorm.DB, id string) (*User, error) {
	var u User
	if err := db.Where("id = ?", id).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (r *repositoryImpl) List(db *gorm.DB) ([]User, error) {
	var out []User
	if err := db.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return out, nil
}

func (r *repositoryImpl) UpdateRole(db *gorm.DB, id string, role Role) error {
	res := db.Model(&User{}).Where("id = ?", id).Update("role", role)
	if res.Error != nil {
		return fmt.Errorf("update role: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repositoryImpl) UpdatePassword(db *gorm.DB, id, passwordHash string) error {
	res := db.Model(&User{}).Where("id = ?", id).Update("password", passwordHash)
	if res.Error != nil {
		return fmt.Errorf("update password: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the user; refresh tokens go with it through the foreign key cascade.
func (r *repositoryImpl) Delete(db *gorm.DB, id string) error {
	res := db.Where("id = ?", id).Delete(&User{})
	if res.Error != nil {
		return fmt.Errorf("delete user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("query user: %w", err)
}
