// Package keyring provides secure secret storage.
// It uses the system keyring when available, falling back to an
// encrypted local file when not.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/yllada/vpn-session-manager/common"
)

// ServiceName is the identifier used in the system keyring.
const ServiceName = "vpn-session-manager"

// Common errors returned by keyring operations.
var (
	ErrNotFound = common.ErrCredentialsNotFound
	ErrEmptyKey = errors.New("key cannot be empty")
)

const probeKey = "vpn-session-manager-probe"

// Store keeps secrets in the system keyring or, when that is unavailable,
// in an encrypted file.
type Store struct {
	service string
	system  bool

	mu    sync.RWMutex
	file  string
	key   []byte
	local map[string]string
}

var _ common.SecretStore = (*Store)(nil)

// New returns a Store for service. The system keyring is probed once; if
// it cannot be written, secrets go to an encrypted file in fallbackDir.
func New(service, fallbackDir string) (*Store, error) {
	if err := keyring.Set(service, probeKey, "probe"); err == nil {
		keyring.Delete(service, probeKey)
		return &Store{service: service, system: true}, nil
	}

	common.LogWarn("System keyring unavailable, using encrypted file storage")
	return NewFileStore(filepath.Join(fallbackDir, common.CredentialsFileName))
}

// NewFileStore returns a Store backed only by the encrypted file at path.
func NewFileStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}
	key, err := deriveKey()
	if err != nil {
		return nil, err
	}

	s := &Store{
		service: ServiceName,
		file:    path,
		key:     key,
		local:   make(map[string]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// UsesSystemKeyring reports whether secrets are kept by the OS keyring.
func (s *Store) UsesSystemKeyring() bool {
	return s.system
}

// deriveKey derives the file encryption key from machine-specific data.
func deriveKey() ([]byte, error) {
	hostname, _ := os.Hostname()
	secret := fmt.Sprintf("%s-%s-%d", hostname, machineID(), os.Getuid())

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), []byte(ServiceName), []byte("credentials-file"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}
	return key, nil
}

func machineID() string {
	data, err := os.ReadFile("/etc/machine-id")
	if err == nil {
		return strings.TrimSpace(string(data))
	}
	return "default-machine-id"
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	plaintext, err := s.decrypt(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(plaintext, &s.local)
}

// saveLocked writes the file. Caller must hold s.mu.
func (s *Store) saveLocked() error {
	data, err := json.Marshal(s.local)
	if err != nil {
		return err
	}
	encrypted, err := s.encrypt(data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.file, encrypted, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return nil
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}

	ciphertext := aead.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}

	nonce, ciphertext := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return plaintext, nil
}

// Store saves secret under key.
func (s *Store) Store(key, secret string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if secret == "" {
		return errors.New("secret cannot be empty")
	}

	if s.system {
		if err := keyring.Set(s.service, key, secret); err != nil {
			return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[key] = secret
	return s.saveLocked()
}

// Get retrieves the secret stored under key.
func (s *Store) Get(key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}

	if s.system {
		secret, err := keyring.Get(s.service, key)
		if err != nil {
			if errors.Is(err, keyring.ErrNotFound) {
				return "", ErrNotFound
			}
			return "", fmt.Errorf("keyring: %w", err)
		}
		return secret, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.local[key]
	if !ok {
		return "", ErrNotFound
	}
	return secret, nil
}

// Delete removes the secret stored under key. Deleting a missing key is
// not an error.
func (s *Store) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	if s.system {
		if err := keyring.Delete(s.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("keyring: %w", err)
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.local[key]; !ok {
		return nil
	}
	delete(s.local, key)
	return s.saveLocked()
}

// Exists checks if a secret exists under key.
func (s *Store) Exists(key string) bool {
	_, err := s.Get(key)
	return err == nil
}
