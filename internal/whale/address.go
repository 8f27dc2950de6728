package whale

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAddress validates a counterparty address and returns its
// canonical lower-case hex form.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("whale: %q: %w", addr, domain.ErrInvalidAddress)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}
