package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.yaml")
	content := `identities:
  - user: alice
    org: acme
    key_hash: ` + HashKey("alice-key") + `
    rate_limit: 5
    rules:
      - nodes: "db-*"
        deny: true
      - nodes: "*"
        run_as: deploy
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	d, err := LoadDirectory(path)
	if err != nil {
		t.Fatalf("LoadDirectory() error = %v", err)
	}
	if d.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", d.Len())
	}

	id, err := d.Authenticate(" alice-key ")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if id.User != "alice" || id.Org != "acme" {
		t.Errorf("identity = %+v", id)
	}
	if id.RateBurst != 5 {
		t.Errorf("RateBurst = %d, want default of rate limit", id.RateBurst)
	}

	m := id.Mapping()
	if m.Org() != "acme" {
		t.Errorf("Org() = %q", m.Org())
	}
	if _, ok := m.Select("db-1"); ok {
		t.Error("db-1 should be denied")
	}
	if runAs, ok := m.Select("web-1"); !ok || runAs != "deploy" {
		t.Errorf("Select(web-1) = (%q, %v)", runAs, ok)
	}
}

func TestAuthenticate_UnknownKey(t *testing.T) {
	d, err := NewDirectory(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Authenticate("nope"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("error = %v, want ErrUnknownKey", err)
	}
}

func TestNewDirectory_Validation(t *testing.T) {
	tests := []struct {
		name string
		ids  []Identity
	}{
		{"missing org", []Identity{{User: "a", KeyHash: "h"}}},
		{"duplicate hash", []Identity{
			{User: "a", Org: "o", KeyHash: "h"},
			{User: "b", Org: "o", KeyHash: "h"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDirectory(tt.ids); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadDirectory_MissingFile(t *testing.T) {
	if _, err := LoadDirectory(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("expected error")
	}
}
