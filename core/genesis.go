package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"rebasechain/crypto"
)

// AssetSpec describes the backing asset the vault pegs to.
type AssetSpec struct {
	Symbol   string
	Name     string
	Decimals uint8
}

// Allocation credits backing asset to an address at genesis.
type Allocation struct {
	Address crypto.Address
	Amount  *uint256.Int
}

// Genesis is the initial state of one domain.
type Genesis struct {
	DomainID      uint64
	Name          string
	Asset         AssetSpec
	InitialRate   *uint256.Int
	Owner         crypto.Address
	RateAuthority crypto.Address
	// Pauser is optional; the owner may always toggle pauses.
	Pauser      crypto.Address
	Allocations []Allocation
}

var errInvalidGenesis = errors.New("core: invalid genesis")

func (g *Genesis) validate() error {
	switch {
	case g == nil:
		return fmt.Errorf("%w: nil genesis", errInvalidGenesis)
	case g.DomainID == 0:
		return fmt.Errorf("%w: domain id must be non-zero", errInvalidGenesis)
	case strings.TrimSpace(g.Asset.Symbol) == "":
		return fmt.Errorf("%w: asset symbol required", errInvalidGenesis)
	case g.Owner.IsZero():
		return fmt.Errorf("%w: owner required", errInvalidGenesis)
	case g.RateAuthority.IsZero():
		return fmt.Errorf("%w: rate authority required", errInvalidGenesis)
	}
	for i, alloc := range g.Allocations {
		if alloc.Address.IsZero() {
			return fmt.Errorf("%w: allocation %d has no address", errInvalidGenesis, i)
		}
	}
	return nil
}
