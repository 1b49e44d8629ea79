package exactevm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainBackend is the narrow chain-access interface the scheme settles
// through. Connection management, gas policy and transport-level retries
// belong to the implementation (see the evm package), not to the scheme.
// Implementations must be safe for concurrent use; the scheme serializes
// nothing beyond the per-nonce ledger gate.
type ChainBackend interface {
	// TokenBalance returns the ERC-20 token balance of an account.
	TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error)

	// AuthorizationState reports whether an EIP-3009 nonce has already been
	// consumed on-chain for the given authorizer.
	AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce common.Hash) (bool, error)

	// SubmitTransfer submits transferWithAuthorization to the token contract
	// and blocks until the transaction is mined or ctx expires. A reverted
	// transaction is an error, not a hash.
	SubmitTransfer(ctx context.Context, token common.Address, auth *Authorization, signature []byte) (common.Hash, error)
}
