package schema

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownDatasource = errors.New("unknown datasource")

// Datasource is a read-only query name backed by a table and fixed
// equality filters.
type Datasource struct {
	Name    string
	Table   string
	Filters map[string]string
}

// AddDatasource registers ds. Its table and filter columns must exist and
// the name must not shadow a table.
func (r *Registry) AddDatasource(ds Datasource) error {
	if ds.Name == "" {
		return fmt.Errorf("datasource without a name")
	}
	if r.Has(ds.Name) {
		return fmt.Errorf("datasource %q shadows a table", ds.Name)
	}
	t, ok := r.tables[ds.Table]
	if !ok {
		return fmt.Errorf("datasource %q: %w %q", ds.Name, ErrUnknownTable, ds.Table)
	}
	for col := range ds.Filters {
		if !t.HasColumn(col) {
			return fmt.Errorf("datasource %q: no column %q in %s", ds.Name, col, t.Name)
		}
	}
	r.datasources[ds.Name] = ds
	return nil
}

// Datasources returns the registered datasources sorted by name.
func (r *Registry) Datasources() []Datasource {
	out := make([]Datasource, 0, len(r.datasources))
	for _, ds := range r.datasources {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve maps a query name to the table it reads and the filters the name
// implies. Tables resolve to themselves.
func (r *Registry) Resolve(name string) (*Table, map[string]string, error) {
	if t, ok := r.tables[name]; ok {
		return t, nil, nil
	}
	if ds, ok := r.datasources[name]; ok {
		return r.tables[ds.Table], ds.Filters, nil
	}
	return nil, nil, fmt.Errorf("%w %q", ErrUnknownDatasource, name)
}

func (r *Registry) mustDatasource(ds Datasource) {
	if err := r.AddDatasource(ds); err != nil {
		panic(err)
	}
}
