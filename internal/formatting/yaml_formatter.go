package formatting

import (
	"gopkg.in/yaml.v3"
)

// NewYAMLFormatter creates a formatter writing YAML documents.
func NewYAMLFormatter(options Options) Formatter {
	return &structuredFormatter{options: options, marshal: yaml.Marshal}
}
