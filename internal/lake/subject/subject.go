// Package subject parses and builds lakehouse bus subjects of the form
// ducklake.{table}.{chain}.{subnet}.{action}.
package subject

import (
	"errors"
	"fmt"
	"strings"
)

const Prefix = "ducklake"

// Schema service subjects.
const (
	SchemaList = "ducklake.schema.list"
	SchemaGet  = "ducklake.schema.get"
)

var ErrInvalidSubject = errors.New("invalid subject")

// Action is the last token of a lakehouse subject.
type Action string

const (
	ActionWrite   Action = "write"
	ActionQuery   Action = "query"
	ActionCompact Action = "compact"
)

func (a Action) valid() bool {
	switch a {
	case ActionWrite, ActionQuery, ActionCompact:
		return true
	}
	return false
}

// Subject is a parsed lakehouse subject.
type Subject struct {
	Table   string `json:"table"`
	Chain   string `json:"chain"`
	Subnet  string `json:"subnet"`
	Action  Action `json:"action"`
	ChainID string `json:"chain_id"`
}

// String formats s back into its subject.
func (s Subject) String() string {
	return Format(s.Table, s.Chain, s.Subnet, s.Action)
}

// TableChecker reports whether a table is registered.
type TableChecker func(table string) bool

// Parse splits raw into its parts. The table is checked with known unless the
// action is query, which may address virtual datasources. A nil known skips
// the check.
func Parse(raw string, known TableChecker) (Subject, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 5 {
		return Subject{}, fmt.Errorf("%w %q: expected 5 segments, got %d", ErrInvalidSubject, raw, len(parts))
	}
	if parts[0] != Prefix {
		return Subject{}, fmt.Errorf("%w %q: must start with %s", ErrInvalidSubject, raw, Prefix)
	}
	for i, p := range parts[1:4] {
		if p == "" {
			return Subject{}, fmt.Errorf("%w %q: empty segment %d", ErrInvalidSubject, raw, i+1)
		}
	}

	s := Subject{
		Table:  parts[1],
		Chain:  parts[2],
		Subnet: parts[3],
		Action: Action(parts[4]),
	}
	if !s.Action.valid() {
		return Subject{}, fmt.Errorf("%w %q: unknown action %q", ErrInvalidSubject, raw, parts[4])
	}
	if s.Action != ActionQuery && known != nil && !known(s.Table) {
		return Subject{}, fmt.Errorf("%w %q: unknown table %q", ErrInvalidSubject, raw, s.Table)
	}
	s.ChainID = ChainID(s.Chain, s.Subnet)
	return s, nil
}

// Format builds a lakehouse subject.
func Format(table, chain, subnet string, action Action) string {
	return fmt.Sprintf("%s.%s.%s.%s.%s", Prefix, table, chain, subnet, action)
}

// Pattern is the wildcard subject matching every table and chain for action.
func Pattern(action Action) string {
	return fmt.Sprintf("%s.*.*.*.%s", Prefix, action)
}

// ChainID is the lakehouse chain identifier "{chain}_{subnet}".
func ChainID(chain, subnet string) string {
	return chain + "_" + subnet
}

// SplitChainID reverses ChainID. The subnet is the part after the last
// underscore.
func SplitChainID(chainID string) (chain, subnet string, ok bool) {
	i := strings.LastIndexByte(chainID, '_')
	if i <= 0 || i == len(chainID)-1 {
		return "", "", false
	}
	return chainID[:i], chainID[i+1:], true
}

// ErrorSubject is where batches that exhaust their commit retries are sent.
func ErrorSubject(table string) string {
	return fmt.Sprintf("%s.errors.%s", Prefix, table)
}
