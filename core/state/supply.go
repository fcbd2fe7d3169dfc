package state

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

var tokenSupplyPrefix = []byte("token/supply/")

func tokenSupplyKey(symbol string) []byte {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	key := make([]byte, len(tokenSupplyPrefix)+len(normalized))
	copy(key, tokenSupplyPrefix)
	copy(key[len(tokenSupplyPrefix):], normalized)
	return key
}

// TokenSupply returns the persisted total supply of a backing asset. Missing
// entries default to zero.
func (m *Manager) TokenSupply(symbol string) (*uint256.Int, error) {
	if m == nil {
		return nil, fmt.Errorf("state manager unavailable")
	}
	if strings.TrimSpace(symbol) == "" {
		return nil, fmt.Errorf("token symbol required")
	}
	total := new(uint256.Int)
	if _, err := m.KVGet(tokenSupplyKey(symbol), total); err != nil {
		return nil, err
	}
	return total, nil
}

// Credit mints new units of a backing asset to addr and grows its recorded
// supply. It is used for genesis allocations and faucets; the vault never
// creates backing asset.
func (m *Manager) Credit(addr []byte, symbol string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	total, err := m.TokenSupply(symbol)
	if err != nil {
		return err
	}
	if _, overflow := total.AddOverflow(total, amount); overflow {
		return fmt.Errorf("token %s supply overflow", strings.ToUpper(symbol))
	}
	balance, err := m.Balance(addr, symbol)
	if err != nil {
		return err
	}
	if _, overflow := balance.AddOverflow(balance, amount); overflow {
		return fmt.Errorf("token %s balance overflow", strings.ToUpper(symbol))
	}
	if err := m.SetBalance(addr, symbol, balance); err != nil {
		return err
	}
	return m.KVPut(tokenSupplyKey(symbol), total)
}
