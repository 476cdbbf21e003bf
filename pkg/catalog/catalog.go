// Package catalog is the process-wide registry of queryable tables. It is
// populated once during single-threaded startup and read-only afterwards, so
// concurrent sessions share it without locking.
package catalog

import (
	"errors"
	"fmt"

	"github.com/flatgres/flatgres/pkg/typemap"
)

// ErrDuplicateName reports a second registration under an existing table name.
var ErrDuplicateName = errors.New("catalog: duplicate table name")

// SourceKind identifies the file format behind a registered table.
type SourceKind string

const (
	SourceCSV     SourceKind = "csv"
	SourceParquet SourceKind = "parquet"
)

// Entry describes one registered table: its name, the ordered output schema,
// and the source file it was built from. Entries are immutable after startup;
// the schema order is the order RowDescription and DataRow fields are emitted.
type Entry struct {
	Name    string
	Columns []typemap.Column
	Kind    SourceKind
	Path    string
}

// Catalog maps table names to entries. Register is startup-only and
// single-threaded; Lookup is safe for concurrent callers once startup
// completes because nothing mutates afterwards.
type Catalog struct {
	entries map[string]*Entry
	names   []string
}

// New creates an empty Catalog.
func New() *Catalog {
	return &Catalog{entries: map[string]*Entry{}}
}

// Register adds a table entry. It must only be called during startup, before
// any session is accepted.
func (c *Catalog) Register(e *Entry) error {
	if e.Name == "" {
		return fmt.Errorf("catalog: empty table name for %s source %q", e.Kind, e.Path)
	}
	if _, exists := c.entries[e.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, e.Name)
	}
	c.entries[e.Name] = e
	c.names = append(c.names, e.Name)
	return nil
}

// Lookup returns the entry for a table name, or nil if not registered.
func (c *Catalog) Lookup(name string) *Entry {
	return c.entries[name]
}

// Names returns the registered table names in registration order.
func (c *Catalog) Names() []string {
	return c.names
}

// Len returns the number of registered tables.
func (c *Catalog) Len() int {
	return len(c.entries)
}
