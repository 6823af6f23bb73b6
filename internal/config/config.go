// Package config defines the configuration model for bulk upsert runs: the
// per-operation Options and the Job file the CLI executes.
//
// Job files are YAML (JSON is valid YAML, so JSON job files decode too).
// Fields absent from a file keep their defaults.
//
// Example (trimmed):
//
//	name: orders-sync
//	input: { path: "https://exports.example.com/orders.csv.gz", csv: { trim_space: true } }
//	storage: { kind: mssql, dsn: "sqlserver://...", schema: sales, table: orders }
//	columns:
//	  - { name: id, type: BIGINT, identity: true, key: true }
//	  - { name: code, type: NVARCHAR(32) }
//	  - { name: total, type: DECIMAL(18,2), converter: decimal }
//	match: [code]
//	delete: { scope: 'row.status == "open"' }
//	options: { batch_size: 5000, reconcile_identity: true }
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"bulkupsert/internal/datasource/httpds"
	"bulkupsert/internal/parser/csv"
	"bulkupsert/internal/predicate"
	"bulkupsert/internal/schema"
	"bulkupsert/internal/transformer"

	"gopkg.in/yaml.v3"
)

// Options tune one bulk operation.
type Options struct {
	// BatchSize is the number of rows per transport batch.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// Timeout bounds the whole operation, every SQL call and the load.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// EnforceConstraints checks CHECK and FOREIGN KEY constraints during the
	// bulk load.
	EnforceConstraints bool `yaml:"enforce_constraints" json:"enforce_constraints"`

	// FireTriggers runs insert triggers on the loaded table.
	FireTriggers bool `yaml:"fire_triggers" json:"fire_triggers"`

	// TableLock takes a bulk-update lock while loading. Must be false for
	// memory-optimized or otherwise lock-incompatible tables.
	TableLock bool `yaml:"table_lock" json:"table_lock"`

	// Streaming pulls records lazily during the load. When false every record
	// is buffered before the first row is sent.
	Streaming bool `yaml:"streaming" json:"streaming"`

	// InsertOnly suppresses the update clause: matched rows are left alone.
	InsertOnly bool `yaml:"insert_only" json:"insert_only"`

	// ReconcileIdentity writes server-generated identity values back onto the
	// records.
	ReconcileIdentity bool `yaml:"reconcile_identity" json:"reconcile_identity"`

	// KeepLastDuplicate collapses records sharing a match key to the last one
	// supplied. When false such batches fail in the engine.
	KeepLastDuplicate bool `yaml:"keep_last_duplicate" json:"keep_last_duplicate"`

	// ReadAhead buffers up to this many rows between record iteration and the
	// network writer. Zero pulls rows synchronously.
	ReadAhead int `yaml:"read_ahead" json:"read_ahead"`
}

// Default option values.
const (
	DefaultBatchSize = 10000
	DefaultTimeout   = 300 * time.Second
)

// Defaults returns the documented defaults.
func Defaults() Options {
	return Options{
		BatchSize:          DefaultBatchSize,
		Timeout:            DefaultTimeout,
		EnforceConstraints: true,
		FireTriggers:       false,
		TableLock:          true,
		Streaming:          true,
		InsertOnly:         false,
		ReconcileIdentity:  false,
		KeepLastDuplicate:  true,
	}
}

// Job describes one CLI run: where records come from, where they go and how
// they are reconciled.
type Job struct {
	// Name labels logs and metrics.
	Name string `yaml:"name" json:"name"`

	Input   Input    `yaml:"input" json:"input"`
	Output  Output   `yaml:"output" json:"output"`
	Storage Storage  `yaml:"storage" json:"storage"`
	Columns []Column `yaml:"columns" json:"columns"`

	// Mode is "upsert" (default) or "insert".
	Mode string `yaml:"mode" json:"mode"`

	// Match names the columns correlating records with target rows. Empty
	// means the key columns.
	Match []string `yaml:"match" json:"match"`

	// Update names the columns to update on match. Empty means every
	// non-match, non-identity column.
	Update []string `yaml:"update" json:"update"`

	// Delete, when set, removes target rows the batch does not match.
	Delete *Delete `yaml:"delete" json:"delete"`

	Options Options `yaml:"options" json:"options"`
	Metrics Metrics `yaml:"metrics" json:"metrics"`
	Log     Log     `yaml:"log" json:"log"`
}

// Input locates the record file: a path, "-" for stdin, or an http(s) URL.
// Names ending in .gz or .zst are decompressed.
type Input struct {
	Path string `yaml:"path" json:"path"`

	// Format is "jsonl" or "csv". Empty infers it from the file name.
	Format string `yaml:"format" json:"format"`

	// HeaderMap renames input keys to column names (original -> column).
	HeaderMap map[string]string `yaml:"header_map" json:"header_map"`

	CSV    csv.Options      `yaml:"csv" json:"csv"`
	HTTP   httpds.Config    `yaml:"http" json:"http"`
	Coerce transformer.Rules `yaml:"coerce" json:"coerce"`
}

// Output optionally writes the records back as JSON Lines after the run,
// carrying reconciled identity values. "-" writes stdout.
type Output struct {
	Path string `yaml:"path" json:"path"`
}

// Storage selects the engine and target table.
type Storage struct {
	// Kind is a registered storage backend: "mssql" or "postgres".
	Kind   string `yaml:"kind" json:"kind"`
	DSN    string `yaml:"dsn" json:"dsn"`
	Schema string `yaml:"schema" json:"schema"`
	Table  string `yaml:"table" json:"table"`

	// Introspect refines identity and computed flags from the live catalog.
	Introspect bool `yaml:"introspect" json:"introspect"`
}

// Column declares one target column.
type Column struct {
	Name      string `yaml:"name" json:"name"`
	Type      string `yaml:"type" json:"type"`
	Key       bool   `yaml:"key" json:"key"`
	Identity  bool   `yaml:"identity" json:"identity"`
	Computed  bool   `yaml:"computed" json:"computed"`
	Converter string `yaml:"converter" json:"converter"`
}

// Delete configures the not-matched-by-source delete. Exactly one of Scope
// and Unscoped must be set.
type Delete struct {
	// Scope is a CEL expression over "row", e.g. `row.tenant == tenant`.
	Scope string `yaml:"scope" json:"scope"`
	// Vars binds the free identifiers of Scope.
	Vars map[string]any `yaml:"vars" json:"vars"`
	// Unscoped deletes every unmatched target row.
	Unscoped bool `yaml:"unscoped" json:"unscoped"`
}

// Metrics selects a metrics backend: "none", "pushgateway" or "datadog".
type Metrics struct {
	Backend        string `yaml:"backend" json:"backend"`
	PushgatewayURL string `yaml:"pushgateway_url" json:"pushgateway_url"`
	DatadogAddr    string `yaml:"datadog_addr" json:"datadog_addr"`
}

// Log configures the CLI logger.
type Log struct {
	Level  string `yaml:"level" json:"level"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// NewJob returns a Job with default options.
func NewJob() Job {
	j := Job{Mode: "upsert", Options: Defaults()}
	j.Input.CSV.TrimSpace = true
	j.Input.HTTP.MaxRetries = 3
	return j
}

// Decode parses a YAML (or JSON) job document over the defaults. Unknown
// fields are rejected.
func Decode(b []byte) (Job, error) {
	j := NewJob()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return j, nil
}

// Load reads and decodes the job file at path.
func Load(path string) (Job, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Job{}, fmt.Errorf("read job: %w", err)
	}
	return Decode(b)
}

// Environment variables consulted by ApplyEnv.
const (
	EnvDSN            = "BULKUPSERT_DSN"
	EnvMetricsBackend = "METRICS_BACKEND"
	EnvPushgatewayURL = "PUSHGATEWAY_URL"
	EnvDatadogAddr    = "DD_AGENT_ADDR"
)

// ApplyEnv fills empty job settings from the environment. getenv is usually
// os.Getenv.
func (j *Job) ApplyEnv(getenv func(string) string) {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = getenv(key)
		}
	}
	fill(&j.Storage.DSN, EnvDSN)
	fill(&j.Metrics.Backend, EnvMetricsBackend)
	fill(&j.Metrics.PushgatewayURL, EnvPushgatewayURL)
	fill(&j.Metrics.DatadogAddr, EnvDatadogAddr)
}

// Expr compiles the delete scope. Inside the expression "row" stands for the
// target row, e.g. `row.tenant == tenant && row.status != "locked"`.
func (d *Delete) Expr() (predicate.Expr, error) {
	return predicate.Parse(d.Scope, "row", d.Vars)
}

// Provider describes the job's table for map-backed records.
func (j Job) Provider() *schema.DynamicProvider {
	p := &schema.DynamicProvider{Schema: j.Storage.Schema, Table: j.Storage.Table}
	for _, c := range j.Columns {
		p.Columns = append(p.Columns, schema.DynamicColumn{
			Name:      c.Name,
			SQLType:   c.Type,
			Key:       c.Key,
			Identity:  c.Identity,
			Computed:  c.Computed,
			Converter: c.Converter,
		})
	}
	return p
}

// Fields lists the declared columns with their SQL types.
func (j Job) Fields() []transformer.Field {
	out := make([]transformer.Field, 0, len(j.Columns))
	for _, c := range j.Columns {
		out = append(out, transformer.Field{Name: c.Name, Type: c.Type})
	}
	return out
}
