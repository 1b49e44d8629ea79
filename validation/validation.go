// Package validation provides structural validation for x402 payment data.
// It checks requirements and payloads before they reach the scheme engine,
// so malformed input fails fast with a descriptive error.
package validation

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/niklabh/x402-go"
)

// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
var evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// ValidateAmount validates that an amount string is a valid positive integer.
// Returns an error if the amount is empty, malformed, or not greater than zero.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	// Parse as big.Int to handle uint256-sized values
	amt := new(big.Int)
	amt, ok := amt.SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}

	if amt.Sign() <= 0 {
		return fmt.Errorf("amount must be greater than 0, got: %s", amount)
	}

	return nil
}

// ValidateAddress validates an address based on the network type.
// It uses ValidateNetwork to determine the network type and then applies
// network-specific address validation rules.
func ValidateAddress(address string, network string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	networkType, err := x402.ValidateNetwork(network)
	if err != nil {
		return fmt.Errorf("cannot validate address: %w", err)
	}

	switch networkType {
	case x402.NetworkTypeEVM:
		if !evmAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
		}
		return nil

	default:
		return fmt.Errorf("unsupported network type for address validation: %d", networkType)
	}
}

// ValidatePaymentRequirement performs comprehensive validation of a payment
// requirement. It validates the amount, network, addresses, scheme, and
// timeout. A requirement with a non-positive timeout is rejected: it would
// describe an authorization window that can never be satisfied.
func ValidatePaymentRequirement(req x402.PaymentRequirement) error {
	if err := ValidateAmount(req.MaxAmountRequired); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if req.Network == "" {
		return fmt.Errorf("invalid requirement: network cannot be empty")
	}

	networkType, err := x402.ValidateNetwork(req.Network)
	if err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if err := ValidateAddress(req.PayTo, req.Network); err != nil {
		return fmt.Errorf("invalid requirement: payTo %w", err)
	}

	if req.Asset == "" {
		return fmt.Errorf("invalid requirement: asset address cannot be empty")
	}

	if err := ValidateAddress(req.Asset, req.Network); err != nil {
		return fmt.Errorf("invalid requirement: asset %w", err)
	}

	if req.Scheme == "" {
		return fmt.Errorf("invalid requirement: scheme cannot be empty")
	}

	if req.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("invalid requirement: timeout must be positive: %d", req.MaxTimeoutSeconds)
	}

	// Validate EIP-3009 domain parameters for EVM chains
	if networkType == x402.NetworkTypeEVM && req.Extra != nil {
		if name, ok := req.Extra["name"].(string); ok {
			if name == "" {
				return fmt.Errorf("invalid requirement: EIP-3009 name cannot be empty")
			}
		}
		if version, ok := req.Extra["version"].(string); ok {
			if version == "" {
				return fmt.Errorf("invalid requirement: EIP-3009 version cannot be empty")
			}
		}
	}

	return nil
}

// ValidatePaymentPayload validates a payment payload structure.
// It checks the version, scheme, network, and payload fields.
func ValidatePaymentPayload(payment x402.PaymentPayload) error {
	if payment.X402Version != x402.X402Version {
		return fmt.Errorf("%w: %d", x402.ErrUnsupportedVersion, payment.X402Version)
	}

	if payment.Scheme == "" {
		return fmt.Errorf("scheme cannot be empty")
	}

	if payment.Network == "" {
		return fmt.Errorf("network cannot be empty")
	}

	if _, err := x402.ValidateNetwork(payment.Network); err != nil {
		return fmt.Errorf("invalid network: %w", err)
	}

	if payment.Payload == nil {
		return fmt.Errorf("payload cannot be nil")
	}

	return nil
}
