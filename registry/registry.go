// Package registry stores the providers and profiles the session core
// connects to. The registry is a single YAML file; OpenVPN configuration
// files are copied next to it.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/yllada/vpn-session-manager/common"
	"github.com/yllada/vpn-session-manager/vpn"
)

// ErrInvalidConfig is returned for unusable OpenVPN configuration files.
var ErrInvalidConfig = errors.New("invalid configuration file")

// ErrAmbiguous is returned when a lookup matches more than one profile.
var ErrAmbiguous = errors.New("query matches more than one profile")

type document struct {
	Providers []*vpn.Provider `yaml:"providers"`
	Profiles  []*vpn.Profile  `yaml:"profiles"`
}

// Registry holds providers and their profiles.
// It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	path       string
	configsDir string
	doc        document
}

// Group is a set of providers sharing a connection type.
type Group struct {
	ConnectionType vpn.ConnectionType
	Providers      []*vpn.Provider
}

// Open loads the registry at path. A missing file yields an empty registry.
func Open(path string) (*Registry, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	r := &Registry{
		path:       path,
		configsDir: filepath.Join(dir, "configs"),
	}
	if err := r.Load(); err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return r, nil
}

// Path returns the registry file location.
func (r *Registry) Path() string {
	return r.path
}

// Load reads the registry file, replacing in-memory contents.
// Returns nil if the file doesn't exist.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read registry file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse registry file: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc = doc
	return nil
}

// saveLocked persists the registry. Caller must hold r.mu.
func (r *Registry) saveLocked() error {
	data, err := yaml.Marshal(&r.doc)
	if err != nil {
		return fmt.Errorf("failed to serialize registry: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write registry file: %w", err)
	}
	return nil
}

// HasStoredProviders reports whether any provider has been added.
func (r *Registry) HasStoredProviders() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.doc.Providers) > 0
}

// AddProvider validates and stores a provider.
func (r *Registry) AddProvider(p *vpn.Provider) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidProfile, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.providerLocked(p.ID) != nil {
		return fmt.Errorf("provider %s: %w", p.ID, common.ErrDuplicateName)
	}
	r.doc.Providers = append(r.doc.Providers, p)
	return r.saveLocked()
}

// RemoveProvider removes a provider and all of its profiles.
func (r *Registry) RemoveProvider(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, p := range r.doc.Providers {
		if p.ID != id {
			continue
		}
		r.doc.Providers = append(r.doc.Providers[:i], r.doc.Providers[i+1:]...)

		kept := r.doc.Profiles[:0]
		for _, profile := range r.doc.Profiles {
			if profile.ProviderID == id {
				r.removeConfigFile(profile)
				continue
			}
			kept = append(kept, profile)
		}
		r.doc.Profiles = kept
		return r.saveLocked()
	}
	return common.ErrProviderNotFound
}

// Provider returns the provider with the given ID.
func (r *Registry) Provider(id string) (*vpn.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p := r.providerLocked(id); p != nil {
		return p, nil
	}
	return nil, common.ErrProviderNotFound
}

func (r *Registry) providerLocked(id string) *vpn.Provider {
	for _, p := range r.doc.Providers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Providers returns all providers in insertion order.
func (r *Registry) Providers() []*vpn.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*vpn.Provider(nil), r.doc.Providers...)
}

// Grouped returns providers grouped by connection type, in the fixed
// order secure internet, institute access, custom. Empty groups are
// omitted; providers within a group are sorted by display name.
func (r *Registry) Grouped() []Group {
	providers := r.Providers()

	var groups []Group
	for _, ct := range vpn.ConnectionTypes {
		var members []*vpn.Provider
		for _, p := range providers {
			if p.ConnectionType == ct {
				members = append(members, p)
			}
		}
		if len(members) == 0 {
			continue
		}
		sort.SliceStable(members, func(i, j int) bool {
			return strings.ToLower(members[i].DisplayName) < strings.ToLower(members[j].DisplayName)
		})
		groups = append(groups, Group{ConnectionType: ct, Providers: members})
	}
	return groups
}

// AddProfile stores a profile for an existing provider. When configSrc is
// set, the OpenVPN file is validated and copied into the registry's
// configs directory. The profile inherits the provider's connection type.
func (r *Registry) AddProfile(profile *vpn.Profile, configSrc string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	provider := r.providerLocked(profile.ProviderID)
	if provider == nil {
		return fmt.Errorf("profile %s: %w", profile.DisplayName, common.ErrProviderNotFound)
	}
	for _, existing := range r.doc.Profiles {
		if existing.ProviderID == profile.ProviderID && strings.EqualFold(existing.DisplayName, profile.DisplayName) {
			return fmt.Errorf("profile %s: %w", profile.DisplayName, common.ErrDuplicateName)
		}
	}

	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	profile.ConnectionType = provider.ConnectionType

	if configSrc != "" {
		if err := validateConfigFile(configSrc); err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}
		if err := os.MkdirAll(r.configsDir, 0700); err != nil {
			return fmt.Errorf("failed to create configs directory: %w", err)
		}
		destPath := filepath.Join(r.configsDir, profile.ID+".ovpn")
		if err := copyFile(configSrc, destPath); err != nil {
			return fmt.Errorf("failed to copy config file: %w", err)
		}
		profile.ConfigPath = destPath
	}

	if err := profile.Validate(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidProfile, err)
	}

	r.doc.Profiles = append(r.doc.Profiles, profile)
	return r.saveLocked()
}

// RemoveProfile removes a profile by ID and deletes its copied config file.
func (r *Registry) RemoveProfile(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, profile := range r.doc.Profiles {
		if profile.ID == id {
			r.removeConfigFile(profile)
			r.doc.Profiles = append(r.doc.Profiles[:i], r.doc.Profiles[i+1:]...)
			return r.saveLocked()
		}
	}
	return common.ErrProfileNotFound
}

func (r *Registry) removeConfigFile(profile *vpn.Profile) {
	if profile.ConfigPath == "" || filepath.Dir(profile.ConfigPath) != r.configsDir {
		return
	}
	if err := os.Remove(profile.ConfigPath); err != nil && !os.IsNotExist(err) {
		common.LogWarn("Failed to remove config file %s: %v", profile.ConfigPath, err)
	}
}

// Profile returns the profile with the given ID.
func (r *Registry) Profile(id string) (*vpn.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.doc.Profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, common.ErrProfileNotFound
}

// Profiles returns the profiles offered by a provider. An empty providerID
// returns every profile.
func (r *Registry) Profiles(providerID string) []*vpn.Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*vpn.Profile
	for _, p := range r.doc.Profiles {
		if providerID == "" || p.ProviderID == providerID {
			out = append(out, p)
		}
	}
	return out
}

// FindProfile looks a profile up by display name or ID prefix.
func (r *Registry) FindProfile(query string) (*vpn.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*vpn.Profile
	for _, p := range r.doc.Profiles {
		if p.ID == query {
			return p, nil
		}
		if common.MatchesNameOrID(query, p.DisplayName, p.ID) {
			matches = append(matches, p)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%q: %w", query, common.ErrProfileNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%q: %w", query, ErrAmbiguous)
	}
}

// ProviderOf returns the provider offering profile.
func (r *Registry) ProviderOf(profile *vpn.Profile) (*vpn.Provider, error) {
	return r.Provider(profile.ProviderID)
}

// validateConfigFile checks if the given file is a valid OpenVPN configuration.
func validateConfigFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file not found: %w", err)
	}
	if info.IsDir() {
		return ErrInvalidConfig
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".ovpn" && ext != ".conf" {
		return fmt.Errorf("%w: expected .ovpn or .conf extension", ErrInvalidConfig)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	content := string(data)
	for _, directive := range []string{"remote", "client"} {
		if strings.Contains(content, directive) {
			return nil
		}
	}
	return fmt.Errorf("%w: missing required OpenVPN directives", ErrInvalidConfig)
}

// copyFile copies a file from src to dst with secure permissions.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}
	if err := os.WriteFile(dst, data, 0600); err != nil {
		return fmt.Errorf("failed to write destination file: %w", err)
	}
	return nil
}
