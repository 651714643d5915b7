package sandbox

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// DefaultRuntimePreference is the discovery order of container tools.
var DefaultRuntimePreference = []string{"podman", "docker"}

// RuntimeResolver discovers the container runtime once per process.
type RuntimeResolver struct {
	explicit   string
	preference []string
	lookPath   func(file string) (string, error)

	once    sync.Once
	runtime string
	err     error
}

// RuntimeResolverOption defines a functional option for RuntimeResolver
type RuntimeResolverOption func(*RuntimeResolver)

// WithLookPath replaces exec.LookPath for discovery
func WithLookPath(lookPath func(file string) (string, error)) RuntimeResolverOption {
	return func(r *RuntimeResolver) {
		r.lookPath = lookPath
	}
}

// NewRuntimeResolver creates a resolver. A non-empty explicit runtime skips
// discovery entirely.
func NewRuntimeResolver(explicit string, preference []string, opts ...RuntimeResolverOption) *RuntimeResolver {
	if len(preference) == 0 {
		preference = DefaultRuntimePreference
	}
	r := &RuntimeResolver{
		explicit:   explicit,
		preference: preference,
		lookPath:   exec.LookPath,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Runtime returns the path of the runtime to invoke. The first result,
// success or failure, is cached for the life of the resolver.
func (r *RuntimeResolver) Runtime() (string, error) {
	r.once.Do(func() {
		if r.explicit != "" {
			r.runtime = r.explicit
			return
		}
		for _, name := range r.preference {
			if path, err := r.lookPath(name); err == nil {
				r.runtime = path
				return
			}
		}
		r.err = fmt.Errorf("no container runtime found, looked for: %s", strings.Join(r.preference, ", "))
	})
	return r.runtime, r.err
}
