package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"bounty-payout-system/chains"
)

// ClientPool owns one RPC client and one adapter per network alias. Dialed
// lazily, reused for the life of the process, and injected into every
// component that talks to a chain — nothing else may hold an RPC client.
type ClientPool struct {
	registry *chains.Registry

	mu       sync.Mutex
	clients  map[string]*ethclient.Client
	adapters map[string]*Adapter
}

func NewClientPool(registry *chains.Registry) *ClientPool {
	return &ClientPool{
		registry: registry,
		clients:  map[string]*ethclient.Client{},
		adapters: map[string]*Adapter{},
	}
}

// Adapter returns the escrow adapter for alias, dialing the RPC endpoint on
// first use.
func (p *ClientPool) Adapter(alias string) (*Adapter, error) {
	cfg, err := p.registry.Resolve(alias)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.adapters[cfg.Alias]; ok {
		return a, nil
	}

	client, ok := p.clients[cfg.Alias]
	if !ok {
		client, err = ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial rpc for %s: %w", cfg.Alias, err)
		}
		p.clients[cfg.Alias] = client
	}

	a := NewAdapter(cfg, client)
	p.adapters[cfg.Alias] = a
	return a, nil
}

// Close releases every dialed client. Called on shutdown.
func (p *ClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
	p.clients = map[string]*ethclient.Client{}
	p.adapters = map[string]*Adapter{}
}

// The alias-keyed pass-throughs below are what the service layer consumes
// (services define a gateway interface and fake it in tests).

func (p *ClientPool) GetBounty(ctx context.Context, alias string, bountyID common.Hash) (OnChainBounty, error) {
	a, err := p.Adapter(alias)
	if err != nil {
		return OnChainBounty{}, err
	}
	return a.GetBounty(ctx, bountyID)
}

func (p *ClientPool) ResolveBounty(ctx context.Context, alias string, bountyID common.Hash, to common.Address) (WriteResult, error) {
	a, err := p.Adapter(alias)
	if err != nil {
		return WriteResult{}, err
	}
	return a.ResolveBounty(ctx, bountyID, to)
}

func (p *ClientPool) RefundExpired(ctx context.Context, alias string, bountyID common.Hash) (WriteResult, error) {
	a, err := p.Adapter(alias)
	if err != nil {
		return WriteResult{}, err
	}
	return a.RefundExpired(ctx, bountyID)
}

func (p *ClientPool) WithdrawFees(ctx context.Context, alias string, token, to common.Address, amount *big.Int) (WriteResult, error) {
	a, err := p.Adapter(alias)
	if err != nil {
		return WriteResult{}, err
	}
	return a.WithdrawFees(ctx, token, to, amount)
}

func (p *ClientPool) AvailableFees(ctx context.Context, alias string, token common.Address) (*big.Int, error) {
	a, err := p.Adapter(alias)
	if err != nil {
		return nil, err
	}
	return a.AvailableFees(ctx, token)
}

func (p *ClientPool) TotalFeesAccrued(ctx context.Context, alias string) (*big.Int, error) {
	a, err := p.Adapter(alias)
	if err != nil {
		return nil, err
	}
	return a.TotalFeesAccrued(ctx)
}

func (p *ClientPool) FeeBps(ctx context.Context, alias string) (uint16, error) {
	a, err := p.Adapter(alias)
	if err != nil {
		return 0, err
	}
	return a.FeeBps(ctx)
}

func (p *ClientPool) Owner(ctx context.Context, alias string) (common.Address, error) {
	a, err := p.Adapter(alias)
	if err != nil {
		return common.Address{}, err
	}
	return a.Owner(ctx)
}

// TransactionReceipt looks a transaction up on alias's chain. Used at bounty
// creation to verify the funding tx actually exists on the network the
// request claims it does.
func (p *ClientPool) TransactionReceipt(ctx context.Context, alias string, txHash common.Hash) (*types.Receipt, error) {
	if _, err := p.Adapter(alias); err != nil {
		return nil, err
	}
	p.mu.Lock()
	cfg, _ := p.registry.Resolve(alias)
	client := p.clients[cfg.Alias]
	p.mu.Unlock()
	return client.TransactionReceipt(ctx, txHash)
}
