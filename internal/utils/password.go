package utils

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// PasswordCost is the bcrypt work factor used for every stored password.
const PasswordCost = bcrypt.DefaultCost

// ErrPasswordTooLong is returned for inputs bcrypt would silently reject.
var ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

// HashPassword returns a salted bcrypt digest of the plaintext password.
func HashPassword(plain string) (string, error) {
	if len(plain) > 72 {
		return "", ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), PasswordCost)
	return string(hash), err
}

// CheckPassword compares a bcrypt hash with the plaintext. Mismatches and
// malformed hashes both yield false.
func CheckPassword(hash, plain string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	return err == nil
}
