package config

import (
	"fmt"
	"slices"
	"strings"

	"bulkupsert/internal/parser"
	"bulkupsert/internal/schema"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a configuration warning that should be surfaced
	// to users but may not necessarily block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding.
//
// Path is a dotted path into the config (e.g. "storage.kind",
// "columns[1].converter"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether issues contains at least one SeverityError.
func HasErrors(issues []Issue) bool {
	return slices.ContainsFunc(issues, func(i Issue) bool { return i.Severity == SeverityError })
}

// Validate checks option bounds. prefix is prepended to issue paths; pass ""
// when validating standalone options.
func (o Options) Validate(prefix string) []Issue {
	var issues []Issue
	path := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "." + name
	}
	if o.BatchSize <= 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path("batch_size"),
			Message:  fmt.Sprintf("batch_size must be > 0 (got %d)", o.BatchSize),
		})
	}
	if o.Timeout <= 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path("timeout"),
			Message:  fmt.Sprintf("timeout must be > 0 (got %s)", o.Timeout),
		})
	}
	if o.ReadAhead < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path("read_ahead"),
			Message:  fmt.Sprintf("read_ahead must be >= 0 (got %d)", o.ReadAhead),
		})
	}
	if o.ReadAhead > 0 && !o.Streaming {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     path("read_ahead"),
			Message:  "read_ahead has no effect when streaming is false; records are already buffered",
		})
	}
	return issues
}

// ValidateJob performs static validation of a Job. It does not mutate the job
// and does not contact the database.
func ValidateJob(j Job) []Issue {
	var issues []Issue

	if strings.TrimSpace(j.Name) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "name",
			Message:  "name must not be empty; it is used for metrics labeling and identifying runs",
		})
	}
	issues = append(issues, validateInput(j.Input)...)
	issues = append(issues, validateStorage(j.Storage)...)
	issues = append(issues, validateColumns(j.Columns)...)
	issues = append(issues, validateMode(j)...)
	issues = append(issues, validateDelete(j)...)
	issues = append(issues, j.Options.Validate("options")...)
	issues = append(issues, validateMetrics(j.Metrics)...)
	return issues
}

func validateInput(in Input) []Issue {
	var issues []Issue
	if strings.TrimSpace(in.Path) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "input.path",
			Message:  `input.path must not be empty (use "-" for stdin)`,
		})
	}
	if in.Format != "" && !slices.Contains(parser.Formats(), in.Format) {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "input.format",
			Message:  fmt.Sprintf("unknown input format %q; want one of %s", in.Format, strings.Join(parser.Formats(), ", ")),
		})
	}
	if _, err := in.CSV.Delimiter(); err != nil {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "input.csv.comma",
			Message:  err.Error(),
		})
	}
	if in.HTTP.MaxRetries < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "input.http.max_retries",
			Message:  "input.http.max_retries must be >= 0",
		})
	}
	if in.HTTP.InsecureSkipVerify {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "input.http.insecure_skip_verify",
			Message:  "TLS certificate verification is disabled for the input download",
		})
	}
	return issues
}

var knownKinds = []string{"mssql", "postgres"}

func validateStorage(s Storage) []Issue {
	var issues []Issue
	switch {
	case strings.TrimSpace(s.Kind) == "":
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.kind",
			Message:  "storage.kind must not be empty",
		})
	case !slices.Contains(knownKinds, s.Kind):
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.kind",
			Message:  fmt.Sprintf("unknown storage kind %q; want one of %s", s.Kind, strings.Join(knownKinds, ", ")),
		})
	}
	if strings.TrimSpace(s.DSN) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.dsn",
			Message:  "storage.dsn must not be empty (or set " + EnvDSN + ")",
		})
	}
	if strings.TrimSpace(s.Table) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.table",
			Message:  "storage.table must not be empty",
		})
	}
	return issues
}

func validateColumns(cols []Column) []Issue {
	var issues []Issue
	if len(cols) == 0 {
		return append(issues, Issue{
			Severity: SeverityError,
			Path:     "columns",
			Message:  "at least one column is required",
		})
	}
	seen := make(map[string]int, len(cols))
	writable := 0
	converters := schema.Converters()
	for i, c := range cols {
		path := fmt.Sprintf("columns[%d]", i)
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path + ".name",
				Message:  "column name must not be empty",
			})
			continue
		}
		if prev, dup := seen[name]; dup {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path + ".name",
				Message:  fmt.Sprintf("duplicate column %q (first declared at columns[%d])", c.Name, prev),
			})
		}
		seen[name] = i
		if c.Converter != "" && !slices.Contains(converters, c.Converter) {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path + ".converter",
				Message:  fmt.Sprintf("unknown converter %q; want one of %s", c.Converter, strings.Join(converters, ", ")),
			})
		}
		if c.Identity && c.Computed {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     path,
				Message:  "column is both identity and computed; it will be skipped",
			})
		}
		if !c.Identity && !c.Computed {
			writable++
		}
	}
	if writable == 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "columns",
			Message:  "no writable columns; every column is identity or computed",
		})
	}
	return issues
}

func hasColumn(cols []Column, name string) bool {
	return slices.ContainsFunc(cols, func(c Column) bool { return strings.EqualFold(c.Name, name) })
}

func validateMode(j Job) []Issue {
	var issues []Issue
	switch j.Mode {
	case "", "upsert":
		if len(j.Match) == 0 && !slices.ContainsFunc(j.Columns, func(c Column) bool { return c.Key }) {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "match",
				Message:  "upsert needs match columns or at least one key column",
			})
		}
	case "insert":
		if len(j.Match) > 0 || len(j.Update) > 0 || j.Delete != nil {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     "mode",
				Message:  "match, update and delete are ignored in insert mode",
			})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "mode",
			Message:  fmt.Sprintf("unknown mode %q; want upsert or insert", j.Mode),
		})
	}
	for i, m := range j.Match {
		if !hasColumn(j.Columns, m) {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     fmt.Sprintf("match[%d]", i),
				Message:  fmt.Sprintf("match column %q is not declared in columns", m),
			})
		}
	}
	for i, u := range j.Update {
		if !hasColumn(j.Columns, u) {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     fmt.Sprintf("update[%d]", i),
				Message:  fmt.Sprintf("update column %q is not declared in columns", u),
			})
		}
	}
	if len(j.Update) > 0 && j.Options.InsertOnly {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "update",
			Message:  "update columns are ignored when options.insert_only is true",
		})
	}
	return issues
}

func validateDelete(j Job) []Issue {
	d := j.Delete
	if d == nil {
		return nil
	}
	var issues []Issue
	scoped := strings.TrimSpace(d.Scope) != ""
	switch {
	case scoped && d.Unscoped:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "delete",
			Message:  "delete.scope and delete.unscoped are mutually exclusive",
		})
	case !scoped && !d.Unscoped:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "delete",
			Message:  "delete needs a scope expression or unscoped: true",
		})
	case d.Unscoped:
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "delete.unscoped",
			Message:  "every target row missing from the input will be deleted",
		})
	case scoped:
		if _, err := d.Expr(); err != nil {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "delete.scope",
				Message:  err.Error(),
			})
		}
	}
	return issues
}

func validateMetrics(m Metrics) []Issue {
	var issues []Issue
	switch m.Backend {
	case "", "none":
	case "pushgateway":
		if strings.TrimSpace(m.PushgatewayURL) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "metrics.pushgateway_url",
				Message:  "pushgateway backend requires a URL (or set " + EnvPushgatewayURL + ")",
			})
		}
	case "datadog":
		if strings.TrimSpace(m.DatadogAddr) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "metrics.datadog_addr",
				Message:  "datadog backend requires an agent address (or set " + EnvDatadogAddr + ")",
			})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "metrics.backend",
			Message:  fmt.Sprintf("unknown metrics backend %q; want none, pushgateway or datadog", m.Backend),
		})
	}
	return issues
}
