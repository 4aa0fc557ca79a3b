package blockchain

import (
	"fmt"
	"strings"

	"faucet/internal/domain"

	"github.com/tonkeeper/tongo/ton"
)

// NormalizeAddress parses a raw (0:<hex>) or user-friendly wallet address and
// returns its raw form, so one wallet written two ways compares equal.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("%w: wallet address is empty", domain.ErrInvalidInput)
	}

	accountID, err := ton.ParseAccountID(address)
	if err != nil {
		return "", fmt.Errorf("%w: wallet address %q: %v", domain.ErrInvalidInput, address, err)
	}

	return accountID.ToRaw(), nil
}
