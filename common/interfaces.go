// Package common provides shared constants, types, and utilities
// used across the VPN session manager.
package common

// SecretStore defines the interface for secret storage.
// Implementations may use the system keyring, encrypted files, etc.
type SecretStore interface {
	// Store saves a secret under the given key.
	Store(key, secret string) error
	// Get retrieves the secret stored under key.
	Get(key string) (string, error)
	// Delete removes the secret stored under key.
	Delete(key string) error
}

// Notifier defines the interface for sending desktop notifications.
type Notifier interface {
	// Notify sends a notification with the given title and message.
	Notify(title, message string) error
	// NotifyWithIcon sends a notification with a custom icon.
	NotifyWithIcon(title, message, icon string) error
}
