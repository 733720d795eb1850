// Package credentials tracks per-wallet trading credentials. Key material
// itself is held by the execution engine; this package only answers "does
// this wallet have credentials" and rate-limits verification probes.
package credentials

import (
	"context"
	"sync"
	"time"
)

// Status is the verification state for one wallet.
type Status struct {
	WalletAddress string
	HasPolymarket bool
	HasKalshi     bool
	VerifiedAt    time.Time
}

// Manager answers credential queries for the copy-trading and wizard paths.
type Manager interface {
	// HasCredentials reports whether the wallet can trade on the platform.
	HasCredentials(ctx context.Context, walletAddress, platform string) (bool, error)
	// Verify re-checks the wallet against the engine. Calls inside the
	// cooldown window return the cached status.
	Verify(ctx context.Context, walletAddress string) (*Status, error)
	// Invalidate drops the cached status for a wallet.
	Invalidate(walletAddress string)
}

// Prober is the engine-side check Verify delegates to.
type Prober func(ctx context.Context, walletAddress string) (*Status, error)

// verifyCooldown bounds how often one wallet hits the engine.
const verifyCooldown = 30 * time.Second

type memoryManager struct {
	mu    sync.RWMutex
	cache map[string]*Status
	probe Prober
	now   func() time.Time
}

// NewMemoryManager builds a Manager that caches probe results per wallet.
func NewMemoryManager(probe Prober) Manager {
	return &memoryManager{
		cache: make(map[string]*Status),
		probe: probe,
		now:   time.Now,
	}
}

func (m *memoryManager) HasCredentials(ctx context.Context, walletAddress, platform string) (bool, error) {
	st, err := m.Verify(ctx, walletAddress)
	if err != nil {
		return false, err
	}
	switch platform {
	case "kalshi":
		return st.HasKalshi, nil
	default:
		return st.HasPolymarket, nil
	}
}

func (m *memoryManager) Verify(ctx context.Context, walletAddress string) (*Status, error) {
	m.mu.RLock()
	cached, ok := m.cache[walletAddress]
	m.mu.RUnlock()
	if ok && m.now().Sub(cached.VerifiedAt) < verifyCooldown {
		return cached, nil
	}

	st, err := m.probe(ctx, walletAddress)
	if err != nil {
		if cached != nil {
			// A probe failure keeps the last known status.
			return cached, nil
		}
		return nil, err
	}
	st.WalletAddress = walletAddress
	st.VerifiedAt = m.now()

	m.mu.Lock()
	m.cache[walletAddress] = st
	m.mu.Unlock()
	return st, nil
}

func (m *memoryManager) Invalidate(walletAddress string) {
	m.mu.Lock()
	delete(m.cache, walletAddress)
	m.mu.Unlock()
}
