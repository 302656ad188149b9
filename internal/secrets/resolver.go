// Package secrets resolves credential references into secret values.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrSecretNotFound is returned when a reference does not resolve to a value.
var ErrSecretNotFound = errors.New("secret not found")

// Resolver turns a secret reference (for example an environment variable
// name) into the secret value.
type Resolver interface {
	Resolve(name string) (string, error)
}

// EnvResolver resolves references against the process environment.
// Values are read on every call and never retained.
type EnvResolver struct{}

// NewEnvResolver creates a resolver backed by os.LookupEnv.
func NewEnvResolver() EnvResolver {
	return EnvResolver{}
}

// Resolve returns the value of the named environment variable.
func (EnvResolver) Resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty reference", ErrSecretNotFound)
	}
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s environment variable not set", ErrSecretNotFound, name)
	}
	return value, nil
}

// StaticResolver resolves references from an in-memory map.
type StaticResolver struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewStaticResolver creates a resolver with the given initial values.
func NewStaticResolver(values map[string]string) *StaticResolver {
	r := &StaticResolver{values: make(map[string]string, len(values))}
	for k, v := range values {
		r.values[k] = v
	}
	return r
}

// Set stores or replaces a secret value.
func (r *StaticResolver) Set(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[name] = value
}

// Resolve returns the stored value for name.
func (r *StaticResolver) Resolve(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	value, ok := r.values[name]
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

// Ensure resolvers implement Resolver.
var (
	_ Resolver = EnvResolver{}
	_ Resolver = (*StaticResolver)(nil)
)
