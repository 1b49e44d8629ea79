package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/niklabh/x402-go"
	"github.com/niklabh/x402-go/schemes/exactevm"
)

// eip3009ABI covers the three token calls a facilitator needs: the EIP-3009
// submission plus the read-only state checks backing verification.
const eip3009ABI = `[
	{
		"type": "function",
		"name": "transferWithAuthorization",
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "authorizationState",
		"stateMutability": "view",
		"inputs": [
			{"name": "authorizer", "type": "address"},
			{"name": "nonce", "type": "bytes32"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	},
	{
		"type": "function",
		"name": "balanceOf",
		"stateMutability": "view",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}]
	}
]`

const receiptPollInterval = 2 * time.Second

// ClientBackend implements exactevm.ChainBackend over an ethclient connection.
// The facilitator account pays gas for every submission, which is what lets
// payers settle without holding the chain's native token.
type ClientBackend struct {
	client     *ethclient.Client
	chainID    *big.Int
	privateKey *ecdsa.PrivateKey
	from       common.Address
	abi        abi.ABI
}

// NewClientBackend dials the RPC endpoint and prepares the facilitator
// account for gas payment. The network must be a known EVM network.
func NewClientBackend(rpcURL, network, privateKeyHex string) (*ClientBackend, error) {
	chainID := x402.ChainID(network)
	if chainID == nil {
		return nil, fmt.Errorf("%w: %s", x402.ErrInvalidNetwork, network)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidKey, err)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(eip3009ABI))
	if err != nil {
		return nil, fmt.Errorf("parse token ABI: %w", err)
	}

	return &ClientBackend{
		client:     client,
		chainID:    chainID,
		privateKey: privateKey,
		from:       crypto.PubkeyToAddress(privateKey.PublicKey),
		abi:        parsedABI,
	}, nil
}

// Close releases the underlying RPC connection.
func (b *ClientBackend) Close() {
	b.client.Close()
}

// FacilitatorAddress returns the gas-paying account.
func (b *ClientBackend) FacilitatorAddress() common.Address {
	return b.from
}

// TokenBalance implements exactevm.ChainBackend.
func (b *ClientBackend) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	data, err := b.abi.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}

	raw, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}

	out, err := b.abi.Unpack("balanceOf", raw)
	if err != nil || len(out) != 1 {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("unexpected balanceOf return type")
	}
	return balance, nil
}

// AuthorizationState implements exactevm.ChainBackend.
func (b *ClientBackend) AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce common.Hash) (bool, error) {
	data, err := b.abi.Pack("authorizationState", authorizer, nonce)
	if err != nil {
		return false, fmt.Errorf("pack authorizationState: %w", err)
	}

	raw, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("call authorizationState: %w", err)
	}

	out, err := b.abi.Unpack("authorizationState", raw)
	if err != nil || len(out) != 1 {
		return false, fmt.Errorf("unpack authorizationState: %w", err)
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, errors.New("unexpected authorizationState return type")
	}
	return used, nil
}

// SubmitTransfer implements exactevm.ChainBackend. It packs the call data,
// signs an EIP-1559 transaction with the facilitator key and blocks until the
// transaction is mined or ctx expires. A status-0 receipt is an error.
func (b *ClientBackend) SubmitTransfer(ctx context.Context, token common.Address, auth *exactevm.Authorization, signature []byte) (common.Hash, error) {
	if len(signature) != 65 {
		return common.Hash{}, fmt.Errorf("%w: signature length %d", x402.ErrInvalidSignature, len(signature))
	}

	var r, s [32]byte
	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])
	v := signature[64]
	if v == 0 || v == 1 {
		v += 27
	}

	txData, err := b.abi.Pack(
		"transferWithAuthorization",
		auth.From,
		auth.To,
		auth.Value,
		auth.ValidAfter,
		auth.ValidBefore,
		[32]byte(auth.Nonce),
		v,
		r,
		s,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack transferWithAuthorization: %w", err)
	}

	txNonce, err := b.client.PendingNonceAt(ctx, b.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}

	gasTipCap, err := b.client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas tip cap: %w", err)
	}

	header, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}
	if header.BaseFee == nil {
		return common.Hash{}, errors.New("missing base fee: network may not support EIP-1559")
	}

	// 2x base fee + tip leaves headroom for base fee growth while pending.
	gasFeeCap := new(big.Int).Add(
		new(big.Int).Mul(header.BaseFee, big.NewInt(2)),
		gasTipCap,
	)

	gasLimit, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
		From: b.from,
		To:   &token,
		Data: txData,
	})
	if err != nil {
		// Estimation executes the call, so an expired or already-used
		// authorization fails here rather than after submission.
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	gasLimit = gasLimit * 120 / 100

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     txNonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &token,
		Value:     big.NewInt(0),
		Data:      txData,
	})

	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewLondonSigner(b.chainID), b.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	if err := b.client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}

	receipt, err := b.waitMined(ctx, signedTx.Hash())
	if err != nil {
		return common.Hash{}, err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return common.Hash{}, fmt.Errorf("%w: transaction %s reverted", x402.ErrSettlementFailed, signedTx.Hash().Hex())
	}

	return signedTx.Hash(), nil
}

// waitMined polls for the transaction receipt until it appears or ctx expires.
func (b *ClientBackend) waitMined(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := b.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("transaction receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
