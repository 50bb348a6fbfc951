package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/vietddude/chainlake/internal/infra/bus"
	"github.com/vietddude/chainlake/internal/lake/catalog"
	"github.com/vietddude/chainlake/internal/lake/schema"
	"github.com/vietddude/chainlake/internal/lake/subject"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 10000

	// AllChains in the chain segment of a query subject disables the chain filter.
	AllChains = "all"
)

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Querier runs SQL against the catalog.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (arrow.Record, error)
	Qualified(table string) string
}

// QueryRequest is the payload of ducklake.{table}.{chain}.{subnet}.query.
// Filters are equality matches; an array value becomes IN.
type QueryRequest struct {
	Limit      int            `json:"limit"`
	Offset     int            `json:"offset,omitempty"`
	Columns    []string       `json:"columns,omitempty"`
	Filters    map[string]any `json:"filters,omitempty"`
	OrderBy    string         `json:"order_by,omitempty"`
	Descending bool           `json:"descending,omitempty"`
	From       *time.Time     `json:"from,omitempty"`
	To         *time.Time     `json:"to,omitempty"`
}

// SchemaGetRequest is the payload of ducklake.schema.get.
type SchemaGetRequest struct {
	Table string `json:"table"`
}

// ReadGateway answers queries with Arrow IPC and schema requests with JSON.
type ReadGateway struct {
	bus     bus.Bus
	reg     *schema.Registry
	querier Querier
	timeout time.Duration
	subs    []bus.Subscription
	log     *slog.Logger
}

func NewReadGateway(b bus.Bus, reg *schema.Registry, q Querier, timeout time.Duration) *ReadGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ReadGateway{
		bus:     b,
		reg:     reg,
		querier: q,
		timeout: timeout,
		log:     slog.Default().With("component", "read_gateway"),
	}
}

// Start subscribes to the query and schema subjects.
func (g *ReadGateway) Start() error {
	handlers := map[string]bus.Handler{
		subject.Pattern(subject.ActionQuery): g.handleQuery,
		subject.SchemaList:                   g.handleSchemaList,
		subject.SchemaGet:                    g.handleSchemaGet,
	}
	for subj, h := range handlers {
		sub, err := g.bus.QueueSubscribe(subj, ReadQueue, h)
		if err != nil {
			g.Stop()
			return fmt.Errorf("subscribe %s: %w", subj, err)
		}
		g.subs = append(g.subs, sub)
	}
	g.log.Info("Read gateway started")
	return nil
}

func (g *ReadGateway) Stop() {
	for _, s := range g.subs {
		_ = s.Unsubscribe()
	}
	g.subs = nil
}

func (g *ReadGateway) handleQuery(ctx context.Context, msg *bus.Message) {
	data, err := g.query(ctx, msg.Subject, msg.Data)
	observe("query", err)
	if err != nil {
		g.log.Warn("Query failed", "subject", msg.Subject, "error", err)
		respond(g.log, msg, ErrorReply{Error: err.Error()})
		return
	}
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(data); err != nil {
		g.log.Warn("Failed to send reply", "subject", msg.Subject, "error", err)
	}
}

func (g *ReadGateway) query(ctx context.Context, raw string, body []byte) ([]byte, error) {
	sub, err := subject.Parse(raw, nil)
	if err != nil {
		return nil, err
	}
	table, fixed, err := g.reg.Resolve(sub.Table)
	if err != nil {
		return nil, err
	}

	var req QueryRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("invalid query request: %w", err)
		}
	}
	if req.Filters, err = withFixed(req.Filters, fixed); err != nil {
		return nil, fmt.Errorf("datasource %s: %w", sub.Table, err)
	}
	stmt, args, err := BuildQuery(table, g.querier.Qualified(table.Name), sub, req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	rec, err := g.querier.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rec.Release()
	return catalog.EncodeIPC(rec)
}

// withFixed adds a datasource's filters to the request's own. A request
// may repeat a fixed filter but not contradict it.
func withFixed(filters map[string]any, fixed map[string]string) (map[string]any, error) {
	if len(fixed) == 0 {
		return filters, nil
	}
	out := make(map[string]any, len(filters)+len(fixed))
	for k, v := range filters {
		out[k] = v
	}
	for k, v := range fixed {
		if have, ok := out[k]; ok {
			if s, isString := have.(string); !isString || s != v {
				return nil, fmt.Errorf("filter %q is fixed to %q", k, v)
			}
		}
		out[k] = v
	}
	return out, nil
}

// BuildQuery renders req against table. Every identifier is checked
// against the table schema; values are always bound as arguments.
func BuildQuery(table *schema.Table, qualified string, sub subject.Subject, req QueryRequest) (string, []any, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	if req.Offset < 0 {
		return "", nil, fmt.Errorf("offset must not be negative")
	}

	column := func(name string) error {
		if !identifier.MatchString(name) {
			return fmt.Errorf("invalid identifier %q", name)
		}
		if !table.HasColumn(name) {
			return fmt.Errorf("unknown column %q in %s", name, table.Name)
		}
		return nil
	}

	cols := "*"
	if len(req.Columns) > 0 {
		for _, c := range req.Columns {
			if err := column(c); err != nil {
				return "", nil, err
			}
		}
		cols = strings.Join(req.Columns, ", ")
	}

	var conds []string
	var args []any
	if table.HasColumn("chain_id") && sub.Chain != AllChains {
		if _, set := req.Filters["chain_id"]; !set {
			conds = append(conds, "chain_id = ?")
			args = append(args, sub.ChainID)
		}
	}

	keys := make([]string, 0, len(req.Filters))
	for k := range req.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := column(k); err != nil {
			return "", nil, err
		}
		switch v := req.Filters[k].(type) {
		case []any:
			if len(v) == 0 {
				return "", nil, fmt.Errorf("filter %q has no values", k)
			}
			conds = append(conds, fmt.Sprintf("%s IN (%s)", k, strings.TrimSuffix(strings.Repeat("?, ", len(v)), ", ")))
			args = append(args, v...)
		case nil:
			conds = append(conds, k+" IS NULL")
		case map[string]any:
			return "", nil, fmt.Errorf("filter %q must be a scalar or a list", k)
		default:
			conds = append(conds, k+" = ?")
			args = append(args, v)
		}
	}

	if req.From != nil || req.To != nil {
		if !table.HasColumn("block_timestamp") {
			return "", nil, fmt.Errorf("table %s has no block_timestamp for time ranges", table.Name)
		}
		if req.From != nil {
			conds = append(conds, "block_timestamp >= ?")
			args = append(args, req.From.UTC())
		}
		if req.To != nil {
			conds = append(conds, "block_timestamp < ?")
			args = append(args, req.To.UTC())
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, qualified)
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	if req.OrderBy != "" {
		if err := column(req.OrderBy); err != nil {
			return "", nil, err
		}
		b.WriteString(" ORDER BY " + req.OrderBy)
		if req.Descending {
			b.WriteString(" DESC")
		}
	}
	fmt.Fprintf(&b, " LIMIT %d", limit)
	if req.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", req.Offset)
	}
	return b.String(), args, nil
}

func (g *ReadGateway) handleSchemaList(_ context.Context, msg *bus.Message) {
	tables := g.reg.Tables()
	infos := make([]schema.TableInfo, len(tables))
	for i, t := range tables {
		infos[i] = t.Info()
	}
	observe("schema_list", nil)
	respond(g.log, msg, Reply{Success: true, Tables: infos})
}

func (g *ReadGateway) handleSchemaGet(_ context.Context, msg *bus.Message) {
	var req SchemaGetRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		observe("schema_get", err)
		respond(g.log, msg, Reply{Error: fmt.Sprintf("invalid schema request: %v", err)})
		return
	}
	table, err := g.reg.Lookup(req.Table)
	observe("schema_get", err)
	if err != nil {
		respond(g.log, msg, Reply{Error: err.Error()})
		return
	}
	info := table.Info()
	respond(g.log, msg, Reply{Success: true, Table: &info})
}
