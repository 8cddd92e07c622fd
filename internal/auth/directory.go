package auth

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"runplane/internal/access"
)

// ErrUnknownKey is returned when a token does not belong to any identity.
var ErrUnknownKey = errors.New("unknown API key")

// Identity is a caller of the dispatcher.
type Identity struct {
	User      string        `yaml:"user"`
	Org       string        `yaml:"org"`
	KeyHash   string        `yaml:"key_hash"`
	RateLimit int           `yaml:"rate_limit"`
	RateBurst int           `yaml:"rate_burst"`
	Rules     []access.Rule `yaml:"rules"`
}

// Mapping returns the access mapping derived from the identity's rules.
func (i *Identity) Mapping() access.Mapping {
	return access.NewRules(i.Org, i.Rules)
}

type directoryFile struct {
	Identities []Identity `yaml:"identities"`
}

// Directory resolves API keys to identities.
type Directory struct {
	byHash map[string]*Identity
}

// NewDirectory indexes identities by key hash.
func NewDirectory(identities []Identity) (*Directory, error) {
	d := &Directory{byHash: make(map[string]*Identity, len(identities))}
	for i := range identities {
		id := identities[i]
		if id.User == "" || id.Org == "" || id.KeyHash == "" {
			return nil, fmt.Errorf("identity %d: user, org and key_hash are required", i)
		}
		if _, dup := d.byHash[id.KeyHash]; dup {
			return nil, fmt.Errorf("identity %q: duplicate key_hash", id.User)
		}
		if id.RateLimit > 0 && id.RateBurst <= 0 {
			id.RateBurst = id.RateLimit
		}
		d.byHash[id.KeyHash] = &id
	}
	return d, nil
}

// LoadDirectory reads an identities YAML file.
func LoadDirectory(path string) (*Directory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identities: %w", err)
	}
	var f directoryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing identities: %w", err)
	}
	return NewDirectory(f.Identities)
}

// Authenticate returns the identity owning token.
func (d *Directory) Authenticate(token string) (*Identity, error) {
	id, ok := d.byHash[HashKey(token)]
	if !ok {
		return nil, ErrUnknownKey
	}
	return id, nil
}

// Len returns the number of identities.
func (d *Directory) Len() int { return len(d.byHash) }
