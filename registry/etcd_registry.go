package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdRegistry is an optional persistence backend for the remote registry.
// Unlike the teacher's EtcdRegistry (a phonebook of interchangeable RPC
// instances behind a load balancer), RRMT has exactly one occupied flag per
// machine UUID — so this type durably records that single bit, using an
// etcd transaction to make the false->true claim atomic across a process
// restart: if the server crashes mid-session, the lease backing the claim
// expires and the slot frees itself automatically, exactly like the
// teacher's TTL-guarded service registration.
//
// EtcdRegistry wraps a MemoryRegistry for the token-set check (tokens are
// loaded once at startup, not stored in etcd) and only delegates the
// occupied-flag transition to etcd.
type EtcdRegistry struct {
	client *clientv3.Client
	tokens *MemoryRegistry // reused only for KnownToken; its occupied map is unused here
	ttl    int64
	log    *zap.Logger

	mu     sync.Mutex
	leases map[uuid.UUID]leaseHandle
}

// leaseHandle lets Release stop a claim's KeepAlive stream and revoke its
// lease instead of leaving both running until the TTL eventually expires.
type leaseHandle struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdRegistry connects to the given etcd endpoints and seeds the
// provisional token set.
func NewEtcdRegistry(endpoints []string, tokens []uuid.UUID, ttlSeconds int64, log *zap.Logger) (*EtcdRegistry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client: c,
		tokens: NewMemoryRegistry(tokens, log),
		ttl:    ttlSeconds,
		log:    log,
		leases: make(map[uuid.UUID]leaseHandle),
	}, nil
}

func occupiedKey(id uuid.UUID) string {
	return "/rrmt/occupied/" + id.String()
}

// Claim grants a short-lived lease and atomically creates the occupied key
// only if it does not already exist — the etcd equivalent of a
// compare-and-swap false->true transition.
func (r *EtcdRegistry) Claim(id uuid.UUID) (bool, error) {
	if !r.tokens.KnownToken(id) {
		return false, nil
	}

	ctx := context.Background()
	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return false, fmt.Errorf("registry: grant lease: %w", err)
	}

	key := occupiedKey(id)
	txn := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "1", clientv3.WithLease(lease.ID)))
	resp, err := txn.Commit()
	if err != nil {
		return false, fmt.Errorf("registry: claim transaction: %w", err)
	}
	if !resp.Succeeded {
		return false, nil // already occupied
	}

	keepAliveCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepAliveCtx, lease.ID)
	if err != nil {
		cancel()
		return false, fmt.Errorf("registry: keepalive: %w", err)
	}
	r.mu.Lock()
	r.leases[id] = leaseHandle{id: lease.ID, cancel: cancel}
	r.mu.Unlock()
	go func() {
		for range ch {
		}
	}()

	r.log.Info("device has joined", zap.String("machine_id", id.String()))
	return true, nil
}

// Release deletes the occupied key and revokes the claim's lease, stopping
// its KeepAlive stream immediately rather than leaving it renewing a lease
// for a key that no longer exists until the TTL eventually expires.
func (r *EtcdRegistry) Release(id uuid.UUID) error {
	_, err := r.client.Delete(context.Background(), occupiedKey(id))
	if err != nil {
		return err
	}

	r.mu.Lock()
	handle, ok := r.leases[id]
	delete(r.leases, id)
	r.mu.Unlock()

	if ok {
		handle.cancel()
		if _, revokeErr := r.client.Revoke(context.Background(), handle.id); revokeErr != nil && r.log != nil {
			r.log.Warn("registry: lease revoke failed", zap.Error(revokeErr))
		}
	}

	r.log.Info("device has left", zap.String("machine_id", id.String()))
	return nil
}

func (r *EtcdRegistry) KnownToken(id uuid.UUID) bool {
	return r.tokens.KnownToken(id)
}
