package events

import (
	"strconv"

	"github.com/holiman/uint256"

	"rebasechain/crypto"
)

func formatAmount(amount *uint256.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.Dec()
}

func formatAddress(addr crypto.Address) string {
	if len(addr.Bytes()) == 0 {
		return ""
	}
	return addr.String()
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
