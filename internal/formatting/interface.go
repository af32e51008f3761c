// Package formatting renders bridgectl results for the terminal as tables,
// or as JSON or YAML for scripts.
package formatting

import (
	"fmt"
	"io"
	"os"
	"strings"

	"bridgectl/internal/api"
	"bridgectl/internal/detector"
	"bridgectl/internal/events"
)

// OutputFormat represents the desired output format
type OutputFormat string

const (
	FormatTable OutputFormat = "table" // Rich table output
	FormatJSON  OutputFormat = "json"  // JSON output
	FormatYAML  OutputFormat = "yaml"  // YAML output
)

// ParseFormat accepts the -o flag values.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("unsupported output format %q (use table, json or yaml)", s)
}

// Options configures the formatter behavior
type Options struct {
	Format OutputFormat
	Quiet  bool // Suppress decorative elements
	Out    io.Writer
}

// Formatter renders the results of bridgectl commands.
type Formatter interface {
	Status(status api.BridgeStatus) error
	Detection(results []detector.Result) error
	Recommendation(rec detector.Recommendation) error
	Report(report api.ValidationReport) error
	Session(session api.InstallationSession) error
	Probe(address string, result api.HealthProbeResult) error
	Event(ev events.Event) error

	// Data renders any other value.
	Data(data interface{}) error
}

// New creates the formatter for options.Format.
func New(options Options) Formatter {
	if options.Out == nil {
		options.Out = os.Stdout
	}
	switch options.Format {
	case FormatJSON:
		return NewJSONFormatter(options)
	case FormatYAML:
		return NewYAMLFormatter(options)
	default:
		return NewTableFormatter(options)
	}
}
