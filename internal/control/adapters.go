package control

import (
	"fmt"

	"github.com/vietddude/chainlake/internal/core/config"
	"github.com/vietddude/chainlake/internal/core/domain"
	"github.com/vietddude/chainlake/internal/infra/chain"
	"github.com/vietddude/chainlake/internal/infra/chain/bitcoin"
	"github.com/vietddude/chainlake/internal/infra/chain/evm"
	"github.com/vietddude/chainlake/internal/infra/chain/solana"
	"github.com/vietddude/chainlake/internal/infra/rpc/pool"
)

// NewAdapterFactory returns the adapter constructor shared by subscribers and
// transaction workers. A chain reads through the pool network named after
// its chain id, else the one named after its network; otherwise a network
// is registered from the chain's rpc_url.
func NewAdapterFactory(p *pool.Pool, cfg config.AdaptersConfig) func(domain.ChainConfig) (chain.Adapter, error) {
	return func(c domain.ChainConfig) (chain.Adapter, error) {
		network, err := resolveNetwork(p, c)
		if err != nil {
			return nil, err
		}
		switch c.VMType {
		case domain.VMTypeEVM:
			return evm.NewAdapter(network, p, cfg.EVMReceipts), nil
		case domain.VMTypeUTXO:
			return bitcoin.NewAdapter(network, p), nil
		case domain.VMTypeSVM:
			return solana.NewAdapter(network, p, cfg.SolanaCommitment), nil
		default:
			return nil, fmt.Errorf("chain %s: unsupported vm_type %q", c.ChainID, c.VMType)
		}
	}
}

func resolveNetwork(p *pool.Pool, c domain.ChainConfig) (string, error) {
	known := make(map[string]bool)
	for _, name := range p.Networks() {
		known[name] = true
	}
	switch {
	case known[c.ChainID]:
		return c.ChainID, nil
	case c.Network != "" && known[c.Network]:
		return c.Network, nil
	case c.RPCURL == "":
		return "", fmt.Errorf("chain %s: no rpc_url and no pool network", c.ChainID)
	}
	err := p.RegisterNetwork(pool.NetworkConfig{
		Name:      c.ChainID,
		Endpoints: []string{c.RPCURL},
		JSONRPC10: c.VMType == domain.VMTypeUTXO,
	})
	if err != nil {
		return "", fmt.Errorf("chain %s: %w", c.ChainID, err)
	}
	return c.ChainID, nil
}
