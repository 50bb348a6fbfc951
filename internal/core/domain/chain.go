package domain

import (
	"fmt"
	"strings"
)

// VMType identifies the execution environment family of a chain.
type VMType string

const (
	VMTypeEVM  VMType = "evm"
	VMTypeUTXO VMType = "utxo"
	VMTypeSVM  VMType = "svm"
)

// ParseVMType normalizes a vm type string. Unknown values are kept as-is so
// that newly onboarded families can be stored before they are supported.
func ParseVMType(s string) VMType {
	return VMType(strings.ToLower(strings.TrimSpace(s)))
}

// Known reports whether the VM family has a header collector.
func (v VMType) Known() bool {
	switch v {
	case VMTypeEVM, VMTypeUTXO, VMTypeSVM:
		return true
	}
	return false
}

// ChainConfig is the per-chain node configuration.
type ChainConfig struct {
	ChainID   string `json:"chain_id"   yaml:"chain_id"`
	Network   string `json:"network"    yaml:"network"`
	Subnet    string `json:"subnet"     yaml:"subnet"`
	VMType    VMType `json:"vm_type"    yaml:"vm_type"`
	ChainName string `json:"chain_name" yaml:"chain_name"`
	RPCURL    string `json:"rpc_url"    yaml:"rpc_url"`
	WSURL     string `json:"ws_url"     yaml:"ws_url"`
	Enabled   bool   `json:"enabled"    yaml:"enabled"`

	// PollInterval overrides the default polling cadence of non-WS collectors.
	PollIntervalSecs int `json:"poll_interval_secs,omitempty" yaml:"poll_interval_secs"`
}

// HeadersSubject is the bus subject block headers of this chain are published on.
func (c ChainConfig) HeadersSubject() string {
	return HeadersSubject(c.Network, c.Subnet, c.VMType)
}

// RawTransactionsSubject is the bus subject raw transactions of this chain's VM go to.
func (c ChainConfig) RawTransactionsSubject() string {
	return RawTransactionsSubject(c.VMType)
}

// LakeChainID is the "{network}_{subnet}" identifier used by lakehouse partitions.
func (c ChainConfig) LakeChainID() string {
	return c.Network + "_" + c.Subnet
}

// Validate checks the fields required to start a collector.
func (c ChainConfig) Validate() error {
	if c.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}
	if c.VMType == "" {
		return fmt.Errorf("chain %s: vm_type is required", c.ChainID)
	}
	if c.Network == "" || c.Subnet == "" {
		return fmt.Errorf("chain %s: network and subnet are required", c.ChainID)
	}
	return nil
}

// HeadersSubject builds "newheads.{network}.{subnet}.{vm_type}".
func HeadersSubject(network, subnet string, vm VMType) string {
	return fmt.Sprintf("newheads.%s.%s.%s", network, subnet, vm)
}

// RawTransactionsSubject builds "transactions.raw.{vm_type}".
func RawTransactionsSubject(vm VMType) string {
	return fmt.Sprintf("transactions.raw.%s", vm)
}
