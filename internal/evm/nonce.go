package evm

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager allocates nonces for one account. It is safe for concurrent use.
// The local counter never moves backwards on Sync; Reset discards it so the
// next allocation refetches the pending nonce.
type NonceManager struct {
	backend PendingNoncer
	addr    common.Address

	mu   sync.Mutex
	next uint64
	have bool
}

func NewNonceManager(backend PendingNoncer, addr common.Address) *NonceManager {
	return &NonceManager{backend: backend, addr: addr}
}

func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.have {
		n, err := m.backend.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, err
		}
		m.next = n
		m.have = true
	}
	n := m.next
	m.next++
	return n, nil
}

func (m *NonceManager) Sync(ctx context.Context) (uint64, error) {
	n, err := m.backend.PendingNonceAt(ctx, m.addr)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.have || n > m.next {
		m.next = n
		m.have = true
	}
	return n, nil
}

// Reset is called after a failed broadcast: the reserved nonce was never
// used, and the node's view is the only reliable source.
func (m *NonceManager) Reset() {
	m.mu.Lock()
	m.have = false
	m.mu.Unlock()
}
