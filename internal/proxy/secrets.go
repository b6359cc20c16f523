package proxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Secret store errors.
var (
	ErrSecretNotFound     = errors.New("secret not found")
	ErrSecretAccessDenied = errors.New("secret access denied")
)

// SecretStore fetches a raw secret payload by reference. The engine knows
// only "give me a reference string, get back JSON or an error" — transport
// and provider protocol are the store's business.
type SecretStore interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// resourceRefRE matches fully-qualified secret resource names of the form
// projects/<p>/secrets/<name>[/versions/<v>]. Both the qualified form and a
// bare name resolve to the same short name — the engine treats them uniformly.
var resourceRefRE = regexp.MustCompile(`^projects/[^/]+/secrets/([^/]+)(?:/versions/[^/]+)?$`)

// secretName reduces a reference to its short name.
func secretName(ref string) string {
	if m := resourceRefRE.FindStringSubmatch(ref); m != nil {
		return m[1]
	}
	return ref
}

// FileStore resolves secret references to files under Dir.
type FileStore struct {
	Dir string
}

func (s FileStore) Fetch(_ context.Context, ref string) ([]byte, error) {
	name := secretName(ref)
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrSecretNotFound, ref)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir, name))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %q", ErrSecretNotFound, ref)
	case errors.Is(err, os.ErrPermission):
		return nil, fmt.Errorf("%w: %q", ErrSecretAccessDenied, ref)
	case err != nil:
		return nil, fmt.Errorf("read secret %q: %w", ref, err)
	}
	return data, nil
}

// EnvStore resolves secret references to environment variables. The short
// name is upper-cased with dashes folded to underscores.
type EnvStore struct{}

func (EnvStore) Fetch(_ context.Context, ref string) ([]byte, error) {
	key := strings.ToUpper(strings.ReplaceAll(secretName(ref), "-", "_"))
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return nil, fmt.Errorf("%w: %q", ErrSecretNotFound, ref)
	}
	return []byte(val), nil
}

// StaticStore serves a fixed payload regardless of reference. Used when the
// secret arrives inline via configuration, and in tests.
type StaticStore struct {
	Payload []byte
}

func (s StaticStore) Fetch(_ context.Context, _ string) ([]byte, error) {
	if len(s.Payload) == 0 {
		return nil, ErrSecretNotFound
	}
	return s.Payload, nil
}
