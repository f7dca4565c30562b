package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

const (
	apiKeySuffix  = "_API_KEY"
	baseURLSuffix = "_BASE_URL"
	modelSuffix   = "_MODEL"
)

// Credential is what a credentials store knows about one provider.
type Credential struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

// CredentialStore is the source of provider secrets used to bootstrap a
// configuration.
type CredentialStore interface {
	Get(provider string) (Credential, bool)
	List() []Credential
	Set(c Credential) error
	Delete(provider string) error
}

// EnvVarPrefix maps a provider name to its environment variable prefix:
// upper-cased with every non-alphanumeric rune replaced by '_'.
func EnvVarPrefix(provider string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, provider)
}

// EnvStore reads NAME_API_KEY, NAME_BASE_URL and NAME_MODEL from a .env file
// layered over the process environment. Writes go to the .env file only.
type EnvStore struct {
	mu      sync.Mutex
	path    string
	environ func() []string
	file    map[string]string
}

// NewEnvStore loads path if it exists. A missing file is not an error.
func NewEnvStore(path string) (*EnvStore, error) {
	s := &EnvStore{path: path, environ: os.Environ, file: map[string]string{}}

	values, err := godotenv.Read(path)
	switch {
	case err == nil:
		s.file = values
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return s, nil
}

func (s *EnvStore) values() map[string]string {
	out := make(map[string]string)
	for _, kv := range s.environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	for k, v := range s.file {
		out[k] = v
	}

	return out
}

func (s *EnvStore) Get(provider string) (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return credentialFrom(s.values(), provider, EnvVarPrefix(provider))
}

func credentialFrom(values map[string]string, provider, prefix string) (Credential, bool) {
	key := values[prefix+apiKeySuffix]
	if key == "" {
		return Credential{}, false
	}

	return Credential{
		Provider: provider,
		APIKey:   key,
		BaseURL:  values[prefix+baseURLSuffix],
		Model:    values[prefix+modelSuffix],
	}, true
}

// List returns every provider with a non-empty NAME_API_KEY, sorted by name.
// Names are the lower-cased prefix with '_' mapped to '-'.
func (s *EnvStore) List() []Credential {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := s.values()

	var out []Credential
	for k := range values {
		prefix, ok := strings.CutSuffix(k, apiKeySuffix)
		if !ok || prefix == "" {
			continue
		}
		name := strings.ReplaceAll(strings.ToLower(prefix), "_", "-")
		if c, ok := credentialFrom(values, name, prefix); ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })

	return out
}

func (s *EnvStore) Set(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := EnvVarPrefix(c.Provider)
	s.file[prefix+apiKeySuffix] = c.APIKey
	setOrDelete(s.file, prefix+baseURLSuffix, c.BaseURL)
	setOrDelete(s.file, prefix+modelSuffix, c.Model)

	return s.persist()
}

func (s *EnvStore) Delete(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := EnvVarPrefix(provider)
	for _, suffix := range []string{apiKeySuffix, baseURLSuffix, modelSuffix} {
		delete(s.file, prefix+suffix)
	}

	return s.persist()
}

func (s *EnvStore) persist() error {
	if err := godotenv.Write(s.file, s.path); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}

	return os.Chmod(s.path, 0o600)
}

func setOrDelete(m map[string]string, key, value string) {
	if value == "" {
		delete(m, key)
		return
	}
	m[key] = value
}

// MemoryCredentials is an in-memory CredentialStore.
type MemoryCredentials struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

func NewMemoryCredentials(creds ...Credential) *MemoryCredentials {
	s := &MemoryCredentials{creds: make(map[string]Credential)}
	for _, c := range creds {
		s.creds[strings.ToLower(c.Provider)] = c
	}

	return s
}

func (s *MemoryCredentials) Get(provider string) (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[strings.ToLower(provider)]

	return c, ok && c.APIKey != ""
}

func (s *MemoryCredentials) List() []Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Credential, 0, len(s.creds))
	for _, c := range s.creds {
		if c.APIKey != "" {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })

	return out
}

func (s *MemoryCredentials) Set(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds[strings.ToLower(c.Provider)] = c

	return nil
}

func (s *MemoryCredentials) Delete(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.creds, strings.ToLower(provider))

	return nil
}
