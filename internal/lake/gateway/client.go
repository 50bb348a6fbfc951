package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/vietddude/chainlake/internal/indexing/abi"
	"github.com/vietddude/chainlake/internal/infra/bus"
	"github.com/vietddude/chainlake/internal/lake/catalog"
	"github.com/vietddude/chainlake/internal/lake/schema"
	"github.com/vietddude/chainlake/internal/lake/subject"
)

// Client talks to the gateways over the bus.
type Client struct {
	bus bus.Bus
}

func NewClient(b bus.Bus) *Client {
	return &Client{bus: b}
}

// Write publishes a write request for record. Records are JSON objects or
// values that marshal to one.
func (c *Client) Write(ctx context.Context, table, chain, subnet string, record any, mode catalog.WriteMode, partition ...schema.PartitionValue) error {
	raw, ok := record.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode %s record: %w", table, err)
		}
		raw = b
	}
	data, err := json.Marshal(WriteRequest{
		TableName:       table,
		Chain:           chain,
		Subnet:          subnet,
		PartitionValues: partition,
		Record:          raw,
		WriteMode:       string(mode),
	})
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, subject.Format(table, chain, subnet, subject.ActionWrite), data)
}

// Query sends req and decodes the Arrow reply.
func (c *Client) Query(ctx context.Context, table, chain, subnet string, req QueryRequest) (arrow.Record, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	reply, err := c.bus.Request(ctx, subject.Format(table, chain, subnet, subject.ActionQuery), data)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	return DecodeQueryReply(reply.Data)
}

// DecodeQueryReply returns the Arrow record of a query reply, or the error
// carried by a JSON error reply.
func DecodeQueryReply(data []byte) (arrow.Record, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		var e ErrorReply
		if err := json.Unmarshal(trimmed, &e); err != nil {
			return nil, fmt.Errorf("malformed error reply: %w", err)
		}
		if e.Error == "" {
			e.Error = "unknown error"
		}
		return nil, errors.New(e.Error)
	}
	return catalog.DecodeIPC(data)
}

// ABIFetcher resolves contract ABIs from the contract_abis table through
// the read gateway. It backs the decoder's lakehouse tier.
type ABIFetcher struct {
	client *Client
}

var _ abi.Fetcher = (*ABIFetcher)(nil)

func NewABIFetcher(c *Client) *ABIFetcher {
	return &ABIFetcher{client: c}
}

// FetchABI looks up address on network, a "{chain}_{subnet}" identifier.
func (f *ABIFetcher) FetchABI(ctx context.Context, network, address string) (string, error) {
	chain, subnet, ok := subject.SplitChainID(network)
	if !ok {
		return "", fmt.Errorf("invalid chain id %q", network)
	}
	rec, err := f.client.Query(ctx, "contract_abis", chain, subnet, QueryRequest{
		Limit:      1,
		Columns:    []string{"abi_json"},
		Filters:    map[string]any{"address": strings.ToLower(address)},
		OrderBy:    "updated_at",
		Descending: true,
	})
	if err != nil {
		return "", err
	}
	defer rec.Release()

	if rec.NumRows() == 0 || rec.NumCols() == 0 {
		return "", abi.ErrABINotFound
	}
	col, ok := rec.Column(0).(*array.String)
	if !ok || col.IsNull(0) || col.Value(0) == "" {
		return "", abi.ErrABINotFound
	}
	return col.Value(0), nil
}
