package registry

import (
	"sync"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// MemoryRegistry is the default Registry: an in-memory map guarded by a
// single mutex, held for the minimum interval each operation needs (§5).
type MemoryRegistry struct {
	mu       sync.Mutex
	occupied map[uuid.UUID]bool
	tokens   map[uuid.UUID]struct{}
	poisoned bool
	log      *zap.Logger
}

// NewMemoryRegistry creates a registry seeded with the given provisional
// token set. The token set is never mutated by the registry itself.
func NewMemoryRegistry(tokens []uuid.UUID, log *zap.Logger) *MemoryRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	tokenSet := make(map[uuid.UUID]struct{}, len(tokens))
	for _, id := range tokens {
		tokenSet[id] = struct{}{}
	}
	return &MemoryRegistry{
		occupied: make(map[uuid.UUID]bool),
		tokens:   tokenSet,
		log:      log,
	}
}

func (r *MemoryRegistry) Claim(id uuid.UUID) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.poisoned = true
			ok, err = false, ErrMutexPoison
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.poisoned {
		return false, ErrMutexPoison
	}
	if _, known := r.tokens[id]; !known {
		return false, nil
	}
	if r.occupied[id] {
		return false, nil
	}
	r.occupied[id] = true
	r.log.Info("device has joined", zap.String("machine_id", id.String()))
	return true, nil
}

func (r *MemoryRegistry) Release(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.poisoned {
		return ErrMutexPoison
	}
	if r.occupied[id] {
		r.log.Info("device has left", zap.String("machine_id", id.String()))
	}
	r.occupied[id] = false
	return nil
}

func (r *MemoryRegistry) KnownToken(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tokens[id]
	return ok
}
