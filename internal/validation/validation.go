// Package validation содержит проверки пользовательского ввода до обращения к бэкенду.
package validation

import (
	"errors"
	"regexp"
	"sort"
	"strings"
)

// ErrValidation: общий признак ошибок валидации.
var ErrValidation = errors.New("validation failed")

const minPasswordLength = 6

var emailRx = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// FieldErrors сопоставляет имя поля с сообщением об ошибке.
type FieldErrors map[string]string

func (fe FieldErrors) Error() string {
	keys := make([]string, 0, len(fe))
	for k := range fe {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+fe[k])
	}
	return strings.Join(parts, "; ")
}

// Is позволяет проверять ошибку через errors.Is(err, ErrValidation).
func (fe FieldErrors) Is(target error) bool {
	return target == ErrValidation
}

func (fe FieldErrors) orNil() error {
	if len(fe) == 0 {
		return nil
	}
	return fe
}

// IsValidEmail проверяет адрес электронной почты.
func IsValidEmail(email string) bool {
	return emailRx.MatchString(email)
}

// LoginForm: данные формы входа.
type LoginForm struct {
	Email    string
	Password string
}

// Validate возвращает FieldErrors или nil.
func (f LoginForm) Validate() error {
	errs := FieldErrors{}

	if f.Email == "" {
		errs["email"] = "Email is required"
	} else if !IsValidEmail(f.Email) {
		errs["email"] = "Please enter a valid email"
	}

	if f.Password == "" {
		errs["password"] = "Password is required"
	}

	return errs.orNil()
}

// SignupForm: данные формы регистрации.
type SignupForm struct {
	FullName        string
	Email           string
	Password        string
	ConfirmPassword string
}

// Validate возвращает FieldErrors или nil.
func (f SignupForm) Validate() error {
	errs := FieldErrors{}

	if strings.TrimSpace(f.FullName) == "" {
		errs["fullName"] = "Full name is required"
	}

	if f.Email == "" {
		errs["email"] = "Email is required"
	} else if !IsValidEmail(f.Email) {
		errs["email"] = "Please enter a valid email"
	}

	if f.Password == "" {
		errs["password"] = "Password is required"
	} else if len(f.Password) < minPasswordLength {
		errs["password"] = "Password must be at least 6 characters"
	}

	if f.ConfirmPassword == "" {
		errs["confirmPassword"] = "Please confirm your password"
	} else if f.Password != f.ConfirmPassword {
		errs["confirmPassword"] = "Passwords do not match"
	}

	return errs.orNil()
}
