package app

import (
	"fmt"

	"github.com/harunnryd/proddelta/internal/config"
)

// ChainNotice is the banner shown for a chain, or "" when there is nothing
// to say.
func ChainNotice(chainID uint64, mockChains map[uint64]string, relayerURL string) string {
	if endpoint, ok := mockChains[chainID]; ok {
		return fmt.Sprintf("Local test chain %d: encrypted values are simulated by the node at %s", chainID, endpoint)
	}
	if chainID == config.DefaultSepoliaChainID {
		return fmt.Sprintf("Sepolia testnet: decryption goes through the relayer at %s and may be slow or unavailable; switch to the local test chain (%d) if it fails", relayerURL, config.DefaultLocalChainID)
	}
	return ""
}
