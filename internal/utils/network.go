package utils

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	BNBMainnetChainId  = 56
	BNBTestnetChainId  = 97
	EthMainnnetChainId = 1
	EthSepoliaChainId  = 11155111
)

type Network struct {
	ChainId uint64 `yaml:"chainId" json:"chainId"`
	Name    string `yaml:"name" json:"name"`
	Symbol  string `yaml:"symbol" json:"symbol"`
}

// DefaultNetworks are the networks the wallet front end can switch between.
func DefaultNetworks() map[uint64]Network {
	return map[uint64]Network{
		BNBMainnetChainId:  {ChainId: BNBMainnetChainId, Name: "BNB Smart Chain", Symbol: "BNB"},
		BNBTestnetChainId:  {ChainId: BNBTestnetChainId, Name: "BNB Smart Chain Testnet", Symbol: "tBNB"},
		EthMainnnetChainId: {ChainId: EthMainnnetChainId, Name: "Ethereum", Symbol: "ETH"},
		EthSepoliaChainId:  {ChainId: EthSepoliaChainId, Name: "Sepolia", Symbol: "ETH"},
	}
}

// NormalizeAddress validates a hex account address and returns it lowercased.
func NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// LedgerKey is the persisted key of a (user, network) ledger entry.
func LedgerKey(addr string, chainId uint64) string {
	return fmt.Sprintf("%s_%d", strings.ToLower(addr), chainId)
}
