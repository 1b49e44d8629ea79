package exactevm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/niklabh/x402-go"
)

// Default EIP-712 domain parameters, used when the requirement's extra data
// does not carry token-specific ones. These match Circle's USDC deployment.
const (
	defaultDomainName    = "USD Coin"
	defaultDomainVersion = "2"
)

// Authorization is the typed form of an EIP-3009 transferWithAuthorization:
// the intent to transfer Value from From to To, valid only inside
// [ValidAfter, ValidBefore) and only once per Nonce.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       common.Hash
}

// Wire converts the authorization to its JSON wire representation.
func (a *Authorization) Wire() x402.EVMAuthorization {
	return x402.EVMAuthorization{
		From:        a.From.Hex(),
		To:          a.To.Hex(),
		Value:       a.Value.String(),
		ValidAfter:  a.ValidAfter.String(),
		ValidBefore: a.ValidBefore.String(),
		Nonce:       a.Nonce.Hex(),
	}
}

// parseAuthorization converts a wire authorization into its typed form,
// validating address, integer and nonce encodings.
func parseAuthorization(w x402.EVMAuthorization) (*Authorization, error) {
	if !common.IsHexAddress(w.From) {
		return nil, fmt.Errorf("%w: from address %q", x402.ErrInvalidAuthorization, w.From)
	}
	if !common.IsHexAddress(w.To) {
		return nil, fmt.Errorf("%w: to address %q", x402.ErrInvalidAuthorization, w.To)
	}

	value, ok := new(big.Int).SetString(w.Value, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("%w: value %q", x402.ErrInvalidAuthorization, w.Value)
	}

	validAfter, err := strconv.ParseInt(w.ValidAfter, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: validAfter %q", x402.ErrInvalidAuthorization, w.ValidAfter)
	}
	validBefore, err := strconv.ParseInt(w.ValidBefore, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: validBefore %q", x402.ErrInvalidAuthorization, w.ValidBefore)
	}
	if validAfter >= validBefore {
		return nil, fmt.Errorf("%w: empty validity window", x402.ErrInvalidAuthorization)
	}

	nonceBytes, err := hex.DecodeString(strings.TrimPrefix(w.Nonce, "0x"))
	if err != nil || len(nonceBytes) != 32 {
		return nil, fmt.Errorf("%w: nonce %q", x402.ErrInvalidAuthorization, w.Nonce)
	}

	return &Authorization{
		From:        common.HexToAddress(w.From),
		To:          common.HexToAddress(w.To),
		Value:       value,
		ValidAfter:  big.NewInt(validAfter),
		ValidBefore: big.NewInt(validBefore),
		Nonce:       common.BytesToHash(nonceBytes),
	}, nil
}

// generateNonce draws a 32-byte nonce from crypto/rand. Collision probability
// is negligible at 256 bits, so no coordination with the ledger is needed.
func generateNonce() (common.Hash, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(nonce[:]), nil
}

// typedDataDigest computes the EIP-712 digest binding the authorization to
// the token contract, chain ID and domain version. This binding is what keeps
// a signature from replaying across networks or tokens.
func typedDataDigest(token common.Address, chainID *big.Int, name, version string, auth *Authorization) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: token.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       auth.Nonce.Hex(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := typedData.HashStruct("TransferWithAuthorization", typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// keccak256("\x19\x01" || domainSeparator || messageHash)
	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// recoverSigner recovers the signing address from a 65-byte signature over
// the digest. Both 0/1 and 27/28 recovery id conventions are accepted.
func recoverSigner(digest, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("%w: signature length %d", x402.ErrInvalidSignature, len(signature))
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] == 27 || sig[64] == 28 {
		sig[64] -= 27
	}

	pubkey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", x402.ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pubkey), nil
}

// decodeSignature parses the hex-encoded wire signature.
func decodeSignature(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidSignature, err)
	}
	if len(raw) != 65 {
		return nil, fmt.Errorf("%w: signature length %d", x402.ErrInvalidSignature, len(raw))
	}
	return raw, nil
}

// encodeSignature renders a raw signature for the wire, normalizing the
// recovery id to the on-chain 27/28 convention.
func encodeSignature(sig []byte) string {
	out := make([]byte, len(sig))
	copy(out, sig)
	if len(out) == 65 && out[64] < 27 {
		out[64] += 27
	}
	return "0x" + hex.EncodeToString(out)
}

// domainParams picks the EIP-712 domain name and version for a requirement:
// explicit extra data wins, then the chain registry, then the USDC defaults.
func domainParams(req *x402.PaymentRequirement) (name, version string) {
	name, version = defaultDomainName, defaultDomainVersion
	if c, ok := x402.ChainByNetwork(req.Network); ok && c.EIP3009Name != "" {
		name, version = c.EIP3009Name, c.EIP3009Version
	}
	if req.Extra != nil {
		if n, ok := req.Extra["name"].(string); ok && n != "" {
			name = n
		}
		if v, ok := req.Extra["version"].(string); ok && v != "" {
			version = v
		}
	}
	return name, version
}
