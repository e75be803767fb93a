package service

import (
	"strings"

	"github.com/gatehouse/gatehouse/pkg/errors"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 128

	passwordSymbols = "!@#$%^&*()_+-=[]{}|;:,.<>?"
)

// Sequences nobody gets to use, checked case-insensitively as substrings.
var weakSequences = []string{"123456", "abcdef", "qwerty", "password", "admin", "user"}

// ValidatePassword enforces the password policy applied on every
// password-accepting transition: register, change, reset.
func ValidatePassword(password string) *errors.AppError {
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return errors.Validation(map[string]string{
			"password": "must be between 8 and 128 characters",
		})
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune(passwordSymbols, r):
			symbol = true
		}
	}
	if !upper || !lower || !digit || !symbol {
		return errors.Validation(map[string]string{
			"password": "must contain an uppercase letter, a lowercase letter, a digit and a symbol",
		})
	}

	lowered := strings.ToLower(password)
	for _, seq := range weakSequences {
		if strings.Contains(lowered, seq) {
			return errors.Validation(map[string]string{
				"password": "contains a common sequence",
			})
		}
	}

	run := 1
	for i := 1; i < len(password); i++ {
		if password[i] == password[i-1] {
			run++
			if run > 2 {
				return errors.Validation(map[string]string{
					"password": "must not repeat the same character more than twice in a row",
				})
			}
		} else {
			run = 1
		}
	}

	return nil
}
