package core

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
)

// Password utilities
func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func checkPasswordHash(password, hash string) bool {
	if hash == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

var (
	upperPattern   = regexp.MustCompile(`[A-Z]`)
	lowerPattern   = regexp.MustCompile(`[a-z]`)
	numberPattern  = regexp.MustCompile(`[0-9]`)
	specialPattern = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

// ValidatePasswordStrength checks password against the configured policy.
func ValidatePasswordStrength(password string, config SecurityConfig) error {
	if len(password) < config.PasswordMinLength {
		return &ValidationError{Message: fmt.Sprintf("Password must be %d characters or longer", config.PasswordMinLength)}
	}

	if config.PasswordRequireUpper && config.PasswordRequireLower &&
		(!upperPattern.MatchString(password) || !lowerPattern.MatchString(password)) {
		return &ValidationError{Message: "Password must have at least one uppercase and one lowercase"}
	}

	if config.PasswordRequireUpper && !upperPattern.MatchString(password) {
		return &ValidationError{Message: "Password must contain at least one uppercase letter"}
	}

	if config.PasswordRequireLower && !lowerPattern.MatchString(password) {
		return &ValidationError{Message: "Password must contain at least one lowercase letter"}
	}

	if config.PasswordRequireNumber && !numberPattern.MatchString(password) {
		return &ValidationError{Message: "Password must contain at least one number"}
	}

	if config.PasswordRequireSpecial && !specialPattern.MatchString(password) {
		return &ValidationError{Message: "Password must contain at least one special character"}
	}

	return nil
}

// calculateSessionExpiry calculates when a session should expire
func calculateSessionExpiry(config SecurityConfig) time.Time {
	return time.Now().Add(config.SessionLifetime)
}

// FormatValidationErrors turns validator errors into a single message.
func FormatValidationErrors(err error) string {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var errorMessages []string
		for _, fieldError := range validationErrors {
			switch fieldError.Tag() {
			case "required":
				errorMessages = append(errorMessages, fmt.Sprintf("%s is required", fieldError.Field()))
			case "email":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be a valid email address", fieldError.Field()))
			case "url":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be a valid URL", fieldError.Field()))
			case "min":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be at least %s characters long", fieldError.Field(), fieldError.Param()))
			case "max":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be at most %s characters long", fieldError.Field(), fieldError.Param()))
			default:
				errorMessages = append(errorMessages, fmt.Sprintf("%s is invalid", fieldError.Field()))
			}
		}
		return strings.Join(errorMessages, "; ")
	}
	return err.Error()
}

// Security event types
const (
	EventLoginSuccess      = "login_success"
	EventLoginFailed       = "login_failed"
	EventAccountLocked     = "account_locked"
	EventUserSignup        = "user_signup"
	EventProfileUpdated    = "profile_updated"
	EventSessionCreated    = "session_created"
	EventSessionTerminated = "session_terminated"
	EventSessionsRevoked   = "sessions_revoked"
	EventOAuthLogin        = "oauth_login"
	EventOAuthSignup       = "oauth_signup"
	EventOAuthLinked       = "oauth_account_linked"
)
