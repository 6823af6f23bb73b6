package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Converter translates between a property's in-memory value and the value
// stored in its column. Converters are recorded on the ColumnDescriptor and
// applied by callers of the accessors, never inside them.
type Converter interface {
	ToStorage(v any) (any, error)
	FromStorage(v any) (any, error)
	// StorageType is the Go type ToStorage produces.
	StorageType() reflect.Type
}

// ConverterFactory builds a Converter for a property of the given type.
type ConverterFactory func(propertyType reflect.Type) (Converter, error)

var (
	convMu    sync.RWMutex
	convByKey = map[string]ConverterFactory{}
)

// RegisterConverter registers (or replaces) a named converter factory.
// Names are referenced from struct tags (converter=NAME) and job files.
func RegisterConverter(name string, f ConverterFactory) {
	convMu.Lock()
	defer convMu.Unlock()
	convByKey[name] = f
}

// NewConverter builds the named converter for propertyType.
func NewConverter(name string, propertyType reflect.Type) (Converter, error) {
	convMu.RLock()
	f, ok := convByKey[name]
	convMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown converter %q (registered: %v)", name, Converters())
	}
	return f(propertyType)
}

// Converters lists registered converter names, sorted.
func Converters() []string {
	convMu.RLock()
	defer convMu.RUnlock()
	out := make([]string, 0, len(convByKey))
	for k := range convByKey {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func init() {
	RegisterConverter("decimal", func(reflect.Type) (Converter, error) { return DecimalConverter{}, nil })
	RegisterConverter("uuid", func(reflect.Type) (Converter, error) { return UUIDConverter{}, nil })
	RegisterConverter("json", func(t reflect.Type) (Converter, error) { return JSONConverter{Type: t}, nil })
}

var stringType = reflect.TypeOf("")

// deref unwraps pointer values; a nil pointer yields (nil, true).
func deref(v any) (any, bool) {
	if v == nil {
		return nil, true
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, true
		}
		rv = rv.Elem()
	}
	return rv.Interface(), false
}

// DecimalConverter stores decimal.Decimal values as their exact string form.
type DecimalConverter struct{}

func (DecimalConverter) StorageType() reflect.Type { return stringType }

func (DecimalConverter) ToStorage(v any) (any, error) {
	v, isNil := deref(v)
	if isNil {
		return nil, nil
	}
	switch d := v.(type) {
	case decimal.Decimal:
		return d.String(), nil
	case decimal.NullDecimal:
		if !d.Valid {
			return nil, nil
		}
		return d.Decimal.String(), nil
	default:
		return nil, fmt.Errorf("decimal converter: unexpected %T", v)
	}
}

func (DecimalConverter) FromStorage(v any) (any, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case decimal.Decimal:
		return s, nil
	case string:
		return decimal.NewFromString(s)
	case []byte:
		return decimal.NewFromString(string(s))
	case float64:
		return decimal.NewFromFloat(s), nil
	case int64:
		return decimal.NewFromInt(s), nil
	default:
		return nil, fmt.Errorf("decimal converter: cannot read %T", v)
	}
}

// UUIDConverter stores uuid.UUID values in canonical text form.
type UUIDConverter struct{}

func (UUIDConverter) StorageType() reflect.Type { return stringType }

func (UUIDConverter) ToStorage(v any) (any, error) {
	v, isNil := deref(v)
	if isNil {
		return nil, nil
	}
	switch u := v.(type) {
	case uuid.UUID:
		return u.String(), nil
	case uuid.NullUUID:
		if !u.Valid {
			return nil, nil
		}
		return u.UUID.String(), nil
	default:
		return nil, fmt.Errorf("uuid converter: unexpected %T", v)
	}
}

func (UUIDConverter) FromStorage(v any) (any, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case uuid.UUID:
		return s, nil
	case string:
		return uuid.Parse(s)
	case []byte:
		if len(s) == 16 {
			return uuid.FromBytes(s)
		}
		return uuid.ParseBytes(s)
	case [16]byte:
		return uuid.UUID(s), nil
	default:
		return nil, fmt.Errorf("uuid converter: cannot read %T", v)
	}
}

// JSONConverter stores any value as JSON text. Type is the property type
// FromStorage decodes into.
type JSONConverter struct {
	Type reflect.Type
}

func (JSONConverter) StorageType() reflect.Type { return stringType }

func (JSONConverter) ToStorage(v any) (any, error) {
	if _, isNil := deref(v); isNil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json converter: %w", err)
	}
	return string(b), nil
}

func (c JSONConverter) FromStorage(v any) (any, error) {
	var raw []byte
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		raw = []byte(s)
	case []byte:
		raw = s
	default:
		return nil, fmt.Errorf("json converter: cannot read %T", v)
	}
	if c.Type == nil {
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("json converter: %w", err)
		}
		return out, nil
	}
	ptr := reflect.New(c.Type)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("json converter: %w", err)
	}
	return ptr.Elem().Interface(), nil
}
