// Package authorization translates "payer X must allow operator Y to move
// amount Z" into the correct chain adapter call. It is the only place that
// dispatches on chain identity; everything downstream works against the
// ChainAdapter interface.
package authorization

import (
	"fmt"
	"sync"

	"github.com/paymux/usdtsettle/clients"
	ustypes "github.com/paymux/usdtsettle/types"
)

// Builder holds the adapter registry keyed by network. It has no state
// beyond the registry and performs no I/O of its own.
type Builder struct {
	mu       sync.RWMutex
	adapters map[ustypes.Network]clients.ChainAdapter
}

func NewBuilder() *Builder {
	return &Builder{adapters: make(map[ustypes.Network]clients.ChainAdapter)}
}

// Register adds an adapter for its network. Registering the same network
// twice replaces the previous adapter.
func (b *Builder) Register(adapter clients.ChainAdapter) error {
	network := adapter.Network()
	if !network.Known() {
		return ustypes.E(ustypes.ErrUnsupportedChain,
			fmt.Sprintf("unknown network %s", network))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adapters[network] = adapter
	return nil
}

// Adapter returns the adapter for a network or UnsupportedChain.
func (b *Builder) Adapter(network ustypes.Network) (clients.ChainAdapter, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	adapter, ok := b.adapters[network]
	if !ok {
		return nil, ustypes.E(ustypes.ErrUnsupportedChain,
			fmt.Sprintf("no adapter configured for network %s", network))
	}
	return adapter, nil
}

// Networks returns the registered networks.
func (b *Builder) Networks() []ustypes.Network {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ustypes.Network, 0, len(b.adapters))
	for n := range b.adapters {
		out = append(out, n)
	}
	return out
}

// BuildApproval produces the authorization payload for one payment on one
// network and stamps it with the payment ID.
func (b *Builder) BuildApproval(p *ustypes.Payment, network ustypes.Network) (*ustypes.AuthorizationRequest, error) {
	adapter, err := b.Adapter(network)
	if err != nil {
		return nil, err
	}
	req, err := adapter.BuildApproval(p.PayerAddress, p.Amount)
	if err != nil {
		return nil, err
	}
	req.PaymentID = p.ID
	return req, nil
}

// Close closes every registered adapter.
func (b *Builder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, adapter := range b.adapters {
		adapter.Close()
	}
}
