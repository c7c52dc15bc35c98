package users

import (
	"errors"
	"fmt"

	"github.com/officialexam/exam-api/internal/utils"
	"gorm.io/gorm"
)

// SeedAdmin creates the ADMIN account for email, or resets its password
// and role when it already exists. It reports whether a row was created.
func SeedAdmin(db *gorm.DB, repo Repository, email, password string) (*User, bool, error) {
	hash, err := utils.HashPassword(password)
	if err != nil {
		return nil, false, fmt.Errorf("hash admin password: %w", err)
	}

	var (
		user    *User
		created bool
	)
	err = db.Transaction(func(tx *gorm.DB) error {
		existing, err := repo.FindByEmail(tx, email)
		switch {
		case errors.Is(err, ErrNotFound):
			user = &User{Email: email, Password: hash, Role: RoleAdmin}
			created = true
			return repo.Create(tx, user)
		case err != nil:
			return err
		}

		if err := tx.Model(existing).Updates(map[string]any{"password": hash, "role": RoleAdmin}).Error; err != nil {
			return fmt.Errorf("update admin: %w", err)
		}
		existing.Password = hash
		existing.Role = RoleAdmin
		user = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return user, created, nil
}

// ResetPassword sets a new password for the account identified by email.
// An empty password is replaced by a generated one, which is returned.
func ResetPassword(db *gorm.DB, repo Repository, email, password string) (string, error) {
	if password == "" {
		generated, err := utils.GenerateTemporaryPassword()
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		password = generated
	}

	user, err := repo.FindByEmail(db, email)
	if err != nil {
		return "", err
	}
	hash, err := utils.HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	if err := repo.UpdatePassword(db, user.ID, hash); err != nil {
		return "", err
	}
	return password, nil
}
