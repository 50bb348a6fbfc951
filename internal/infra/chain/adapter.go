// Package chain holds the per-VM adapters that turn native node responses
// into the normalized header and transaction records.
package chain

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/vietddude/chainlake/internal/core/domain"
)

// ErrBlockNotFound is returned when the node has no block at the requested position.
var ErrBlockNotFound = errors.New("block not found")

// Caller issues JSON-RPC calls against a named network. It is satisfied by
// the endpoint pool.
type Caller interface {
	Call(ctx context.Context, network, method string, params []any) (json.RawMessage, error)
}

// Adapter is implemented by every VM family.
type Adapter interface {
	// LatestHeader returns the chain head, normalized. Identity fields
	// (network, subnet, chain id) are left for the caller to apply.
	LatestHeader(ctx context.Context) (*domain.BlockHeader, error)

	// Transactions fetches every transaction of the block described by header.
	Transactions(ctx context.Context, header *domain.BlockHeader) ([]domain.RawTransaction, error)
}
