package schema

import (
	"reflect"
	"sync"

	"bulkupsert/internal/errs"
)

type cacheKey struct {
	t       reflect.Type
	session string
}

// Catalog caches EntityMetadata per (record type, provider session). It is
// safe for concurrent use; two goroutines racing on a cold key both build,
// and the first stored result wins.
type Catalog struct {
	cache sync.Map // cacheKey -> *EntityMetadata
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog { return &Catalog{} }

// Metadata returns the metadata for recordType (T or *T) under provider p.
func (c *Catalog) Metadata(rt reflect.Type, p Provider) (*EntityMetadata, error) {
	if c == nil {
		return nil, errs.Argument("catalog", "")
	}
	if rt == nil {
		return nil, errs.Argument("recordType", "")
	}
	if p == nil {
		return nil, errs.Argument("provider", "")
	}
	t := recordType(rt)
	key := cacheKey{t: t, session: p.Session()}
	if m, ok := c.cache.Load(key); ok {
		return m.(*EntityMetadata), nil
	}

	tm, err := p.Model(t)
	if err != nil {
		return nil, errs.Schema(typeName(t), "provider: %v", err)
	}
	m, err := build(t, key.session, tm)
	if err != nil {
		return nil, err
	}
	actual, _ := c.cache.LoadOrStore(key, m)
	return actual.(*EntityMetadata), nil
}

// Columns returns the mapped columns, optionally including identity columns.
func (c *Catalog) Columns(rt reflect.Type, p Provider, includeIdentity bool) ([]*ColumnDescriptor, error) {
	m, err := c.Metadata(rt, p)
	if err != nil {
		return nil, err
	}
	return m.Columns(includeIdentity), nil
}

// PrimaryKey returns the primary-key columns in declaration order.
func (c *Catalog) PrimaryKey(rt reflect.Type, p Provider) ([]*ColumnDescriptor, error) {
	m, err := c.Metadata(rt, p)
	if err != nil {
		return nil, err
	}
	return m.PrimaryKey(), nil
}

// Identity returns the identity columns in declaration order.
func (c *Catalog) Identity(rt reflect.Type, p Provider) ([]*ColumnDescriptor, error) {
	m, err := c.Metadata(rt, p)
	if err != nil {
		return nil, err
	}
	return m.Identity(), nil
}

// ClearCache drops every cached entry.
func (c *Catalog) ClearCache() { c.cache.Clear() }

// MetadataOf is Metadata for the type parameter T.
func MetadataOf[T any](c *Catalog, p Provider) (*EntityMetadata, error) {
	return c.Metadata(reflect.TypeFor[T](), p)
}
