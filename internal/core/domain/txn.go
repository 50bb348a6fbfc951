package domain

import "time"

// RawTransaction is a chain transaction as fetched from the node, flattened to
// the fields shared by every VM family.
type RawTransaction struct {
	Network          string `json:"network"`
	Subnet           string `json:"subnet"`
	VMType           VMType `json:"vm_type"`
	ChainID          string `json:"chain_id"`
	TransactionHash  string `json:"transaction_hash"`
	BlockNumber      uint64 `json:"block_number"`
	BlockHash        string `json:"block_hash"`
	BlockTimestamp   uint64 `json:"block_timestamp"`
	TransactionIndex uint32 `json:"transaction_index"`
	From             string `json:"from_address"`
	To               string `json:"to_address,omitempty"`
	Value            string `json:"value"`
	Input            string `json:"input,omitempty"`
	Gas              uint64 `json:"gas,omitempty"`
	GasPrice         string `json:"gas_price,omitempty"`
	Nonce            uint64 `json:"nonce,omitempty"`
	Fee              string `json:"fee,omitempty"`
	Status           string `json:"status,omitempty"`

	// Extra carries VM specific fields (vin/vout counts, signatures, ...).
	Extra map[string]any `json:"extra,omitempty"`
}

// DecodedParameter is one decoded ABI argument.
type DecodedParameter struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Value    string `json:"value"`
	RawValue string `json:"raw_value"`
}

// DecodedFunction is the decoded call of a transaction input.
type DecodedFunction struct {
	Name       string             `json:"name"`
	Signature  string             `json:"signature"`
	Selector   string             `json:"selector"`
	Parameters []DecodedParameter `json:"parameters"`
}

// DecodedTransaction is a RawTransaction enriched with its decoded call.
type DecodedTransaction struct {
	RawTransaction
	FunctionName   string             `json:"function_name,omitempty"`
	Selector       string             `json:"selector,omitempty"`
	Signature      string             `json:"signature,omitempty"`
	Parameters     []DecodedParameter `json:"parameters,omitempty"`
	DecodingStatus string             `json:"decoding_status"`
}

// RawTransactionMetadata describes the batch a RawTransactionMessage carries.
type RawTransactionMetadata struct {
	BatchID     string    `json:"batch_id"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
}

// RawTransactionMessage is the payload published on transactions.raw.{vm_type}.
// Transactions holds the JSON encoded []RawTransaction.
type RawTransactionMessage struct {
	Network      string                 `json:"network"`
	Transactions string                 `json:"transactions"`
	Metadata     RawTransactionMetadata `json:"metadata"`
}
