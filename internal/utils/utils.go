package utils

import (
	"crypto/rand"
	"math/big"
)

const temporaryPasswordChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateTemporaryPassword returns a random 12 character password.
func GenerateTemporaryPassword() (string, error) {
	const length = 12
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(temporaryPasswordChars))))
		if err != nil {
			return "", err
		}
		result[i] = temporaryPasswordChars[num.Int64()]
	}
	return string(result), nil
}
