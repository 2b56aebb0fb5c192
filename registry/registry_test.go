package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/yllada/vpn-session-manager/common"
	"github.com/yllada/vpn-session-manager/vpn"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), common.RegistryFileName))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return r
}

func provider(id, name string, ct vpn.ConnectionType) *vpn.Provider {
	return &vpn.Provider{
		ID:                id,
		DisplayName:       name,
		BaseURL:           "https://" + id + ".example.org/",
		ConnectionType:    ct,
		AuthorizationType: vpn.AuthorizationLocal,
	}
}

func TestRegistry_Empty(t *testing.T) {
	r := newTestRegistry(t)
	if r.HasStoredProviders() {
		t.Error("HasStoredProviders() = true for a new registry")
	}
	if got := r.Grouped(); len(got) != 0 {
		t.Errorf("Grouped() = %v, want empty", got)
	}
}

func TestRegistry_AddProvider(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.AddProvider(provider("uni", "University", vpn.ConnectionInstituteAccess)); err != nil {
		t.Fatalf("AddProvider() error = %v", err)
	}
	if err := r.AddProvider(provider("uni", "Again", vpn.ConnectionInstituteAccess)); !errors.Is(err, common.ErrDuplicateName) {
		t.Errorf("AddProvider(duplicate) error = %v, want %v", err, common.ErrDuplicateName)
	}
	if err := r.AddProvider(&vpn.Provider{ID: "bad"}); !errors.Is(err, common.ErrInvalidProfile) {
		t.Errorf("AddProvider(invalid) error = %v, want %v", err, common.ErrInvalidProfile)
	}
	if !r.HasStoredProviders() {
		t.Error("HasStoredProviders() = false after AddProvider")
	}
}

func TestRegistry_GroupedOrder(t *testing.T) {
	r := newTestRegistry(t)
	for _, p := range []*vpn.Provider{
		provider("own", "Own Server", vpn.ConnectionCustom),
		provider("zeta", "Zeta College", vpn.ConnectionInstituteAccess),
		provider("alpha", "Alpha University", vpn.ConnectionInstituteAccess),
		provider("nren", "NREN", vpn.ConnectionSecureInternet),
	} {
		if err := r.AddProvider(p); err != nil {
			t.Fatal(err)
		}
	}

	groups := r.Grouped()
	wantTypes := []vpn.ConnectionType{vpn.ConnectionSecureInternet, vpn.ConnectionInstituteAccess, vpn.ConnectionCustom}
	if len(groups) != len(wantTypes) {
		t.Fatalf("Grouped() returned %d groups, want %d", len(groups), len(wantTypes))
	}
	for i, g := range groups {
		if g.ConnectionType != wantTypes[i] {
			t.Errorf("group %d = %v, want %v", i, g.ConnectionType, wantTypes[i])
		}
	}
	institutes := groups[1].Providers
	if institutes[0].ID != "alpha" || institutes[1].ID != "zeta" {
		t.Errorf("institute order = %s, %s; want alpha, zeta", institutes[0].ID, institutes[1].ID)
	}
}

func TestRegistry_Profiles(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.AddProvider(provider("uni", "University", vpn.ConnectionInstituteAccess)); err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(t.TempDir(), "employees.ovpn")
	if err := os.WriteFile(src, []byte("client\nremote vpn.example.org 1194\n"), 0600); err != nil {
		t.Fatal(err)
	}

	profile := &vpn.Profile{ProviderID: "uni", DisplayName: "Employees", RequiresTwoFactor: true}
	if err := r.AddProfile(profile, src); err != nil {
		t.Fatalf("AddProfile() error = %v", err)
	}
	if profile.ID == "" {
		t.Error("AddProfile() should assign an ID")
	}
	if profile.ConnectionType != vpn.ConnectionInstituteAccess {
		t.Errorf("ConnectionType = %v, want %v", profile.ConnectionType, vpn.ConnectionInstituteAccess)
	}
	if !common.FileExists(profile.ConfigPath) || profile.ConfigPath == src {
		t.Errorf("ConfigPath = %v, want a copied file", profile.ConfigPath)
	}

	dup := &vpn.Profile{ProviderID: "uni", DisplayName: "employees"}
	if err := r.AddProfile(dup, ""); !errors.Is(err, common.ErrDuplicateName) {
		t.Errorf("AddProfile(duplicate) error = %v, want %v", err, common.ErrDuplicateName)
	}
	orphan := &vpn.Profile{ProviderID: "missing", DisplayName: "Orphan"}
	if err := r.AddProfile(orphan, ""); !errors.Is(err, common.ErrProviderNotFound) {
		t.Errorf("AddProfile(orphan) error = %v, want %v", err, common.ErrProviderNotFound)
	}

	if got := r.Profiles("uni"); len(got) != 1 {
		t.Errorf("Profiles(uni) = %d profiles, want 1", len(got))
	}

	reopened, err := Open(r.Path())
	if err != nil {
		t.Fatal(err)
	}
	got, err := reopened.Profile(profile.ID)
	if err != nil {
		t.Fatalf("Profile() after reopen error = %v", err)
	}
	if !got.RequiresTwoFactor || got.DisplayName != "Employees" {
		t.Errorf("Profile() = %+v", got)
	}
}

func TestRegistry_AddProfileRejectsBadConfig(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.AddProvider(provider("uni", "University", vpn.ConnectionInstituteAccess)); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"wrong extension", "profile.txt", "client\n"},
		{"no directives", "profile.ovpn", "dev tun\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			err := r.AddProfile(&vpn.Profile{ProviderID: "uni", DisplayName: tt.name}, path)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("AddProfile() error = %v, want %v", err, ErrInvalidConfig)
			}
		})
	}
}

func TestRegistry_FindProfile(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.AddProvider(provider("uni", "University", vpn.ConnectionInstituteAccess)); err != nil {
		t.Fatal(err)
	}
	for _, p := range []*vpn.Profile{
		{ID: "aa11", ProviderID: "uni", DisplayName: "Employees"},
		{ID: "aa22", ProviderID: "uni", DisplayName: "Students"},
	} {
		if err := r.AddProfile(p, ""); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		query   string
		wantID  string
		wantErr error
	}{
		{"employees", "aa11", nil},
		{"aa22", "aa22", nil},
		{"aa2", "aa22", nil},
		{"aa", "", ErrAmbiguous},
		{"guests", "", common.ErrProfileNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, err := r.FindProfile(tt.query)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("FindProfile() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || got.ID != tt.wantID {
				t.Errorf("FindProfile() = %v, %v, want %v", got, err, tt.wantID)
			}
		})
	}
}

func TestRegistry_RemoveProvider(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.AddProvider(provider("uni", "University", vpn.ConnectionInstituteAccess)); err != nil {
		t.Fatal(err)
	}
	if err := r.AddProfile(&vpn.Profile{ProviderID: "uni", DisplayName: "Employees"}, ""); err != nil {
		t.Fatal(err)
	}

	if err := r.RemoveProvider("uni"); err != nil {
		t.Fatalf("RemoveProvider() error = %v", err)
	}
	if len(r.Profiles("")) != 0 {
		t.Error("RemoveProvider() should remove the provider's profiles")
	}
	if err := r.RemoveProvider("uni"); !errors.Is(err, common.ErrProviderNotFound) {
		t.Errorf("RemoveProvider() error = %v, want %v", err, common.ErrProviderNotFound)
	}
	if err := r.RemoveProfile("nope"); !errors.Is(err, common.ErrProfileNotFound) {
		t.Errorf("RemoveProfile() error = %v, want %v", err, common.ErrProfileNotFound)
	}
}
