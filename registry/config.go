package registry

import (
	"fmt"

	"go.uber.org/zap"
)

// Backend names a Registry implementation Config.Backend can select.
type Backend string

const (
	// BackendMemory is the default: occupied flags live only in process
	// memory and are lost on restart.
	BackendMemory Backend = "memory"

	// BackendEtcd durably records occupied flags in etcd so a claim
	// survives a server restart, guarded by a lease that expires the slot
	// automatically if the process never comes back (SPEC_FULL.md §10).
	BackendEtcd Backend = "etcd"
)

// defaultEtcdTTLSeconds is used when Config.EtcdTTLSeconds is unset.
const defaultEtcdTTLSeconds = 10

// Config describes how to build the registry a Server runs against: which
// backend, and where its provisional token set and (for BackendEtcd) its
// cluster endpoints are.
type Config struct {
	Backend   Backend
	TokenFile string

	EtcdEndpoints  []string
	EtcdTTLSeconds int64
}

// New loads the token set named by cfg.TokenFile and builds the Registry
// cfg.Backend selects. The server must be initialized with a non-empty
// token set before accepting connections (§6); a deployment that needs
// claims to outlive a restart sets Backend to BackendEtcd instead of the
// default in-memory registry.
func New(cfg Config, log *zap.Logger) (Registry, error) {
	tokens, err := LoadTokenSet(cfg.TokenFile)
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryRegistry(tokens, log), nil
	case BackendEtcd:
		ttl := cfg.EtcdTTLSeconds
		if ttl <= 0 {
			ttl = defaultEtcdTTLSeconds
		}
		return NewEtcdRegistry(cfg.EtcdEndpoints, tokens, ttl, log)
	default:
		return nil, fmt.Errorf("registry: unknown backend %q", cfg.Backend)
	}
}
