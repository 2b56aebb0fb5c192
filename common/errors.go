// Package common provides shared constants, types, and utilities
// used across the VPN session manager.
package common

import "errors"

// Sentinel errors shared by the storage and configuration layers.
// These can be checked with errors.Is() for proper error handling.
var (
	// Registry errors.
	ErrProfileNotFound  = errors.New("profile not found")
	ErrProviderNotFound = errors.New("provider not found")
	ErrDuplicateName    = errors.New("name already exists")
	ErrInvalidProfile   = errors.New("invalid profile data")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrCredentialStorage   = errors.New("failed to store credentials")
	ErrEncryption          = errors.New("encryption error")
	ErrDecryption          = errors.New("decryption error")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")

	// Permission errors.
	ErrPermissionDenied = errors.New("permission denied")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
