package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"bridgectl/internal/api"
	"bridgectl/pkg/logging"

	"sigs.k8s.io/yaml"
)

const storageSubsystem = "Storage"

// RecordStore persists the backend selection record as YAML. The file uses
// the same json field names as the HTTP API.
type RecordStore struct {
	mu   sync.RWMutex
	path string
}

// NewRecordStore creates a store for the record at path.
func NewRecordStore(path string) *RecordStore {
	return &RecordStore{path: path}
}

// Path returns the file backing the store.
func (s *RecordStore) Path() string {
	return s.path
}

// Load reads the record. A missing file yields an unconfigured record.
func (s *RecordStore) Load() (api.BackendRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readRecord(s.path)
}

// Save writes the record atomically.
func (s *RecordStore) Save(record api.BackendRecord) error {
	if record.DefaultBackend != nil && !record.DefaultBackend.Type.Valid() {
		return fmt.Errorf("%w: %q", api.ErrUnknownBackend, record.DefaultBackend.Type)
	}

	data, err := yaml.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode backend record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(s.path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".backend-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write backend record: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write backend record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write backend record: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}

	logging.Info(storageSubsystem, "Saved backend record to %s", s.path)
	return nil
}

func readRecord(path string) (api.BackendRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return api.BackendRecord{}, nil
		}
		return api.BackendRecord{}, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	var record api.BackendRecord
	if err := yaml.Unmarshal(data, &record); err != nil {
		return api.BackendRecord{}, &ConfigurationError{
			FilePath:  path,
			Source:    "record",
			ErrorType: "parse",
			Message:   err.Error(),
		}
	}
	if record.DefaultBackend != nil {
		if !record.DefaultBackend.Type.Valid() {
			return api.BackendRecord{}, &ConfigurationError{
				FilePath:  path,
				Source:    "record",
				ErrorType: "validation",
				Message:   fmt.Sprintf("unknown backend type %q", record.DefaultBackend.Type),
			}
		}
		withDefaults := record.DefaultBackend.WithDefaults()
		record.DefaultBackend = &withDefaults
	}
	return record, nil
}

// ProjectOverride holds per-project backend settings merged over the record's
// default backend. Empty fields keep the default.
type ProjectOverride struct {
	Type      api.BackendType      `json:"backend_type,omitempty"`
	Params    api.ConnectionParams `json:"connection_params,omitempty"`
	AutoStart *bool                `json:"auto_start,omitempty"`
}

// LoadProjectOverride reads <projectDir>/.bridgectl/backend.yaml. It returns
// nil when the project has none.
func LoadProjectOverride(projectDir string) (*ProjectOverride, error) {
	path := filepath.Join(projectDir, projectConfigDir, recordFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	var override ProjectOverride
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, &ConfigurationError{FilePath: path, Source: "project", ErrorType: "parse", Message: err.Error()}
	}
	if override.Type != "" && !override.Type.Valid() {
		return nil, &ConfigurationError{
			FilePath:  path,
			Source:    "project",
			ErrorType: "validation",
			Message:   fmt.Sprintf("unknown backend type %q", override.Type),
		}
	}
	return &override, nil
}

// Apply merges the override over base.
func (o *ProjectOverride) Apply(base api.BackendConfig) api.BackendConfig {
	if o == nil {
		return base
	}
	out := base
	if o.Type != "" && o.Type != base.Type {
		// a different kind starts from clean kind-specific params
		out = api.BackendConfig{
			Type:      o.Type,
			Params:    api.ConnectionParams{Host: base.Params.Host, Port: base.Params.Port},
			AutoStart: base.AutoStart,
		}
	}
	p := o.Params
	if p.PythonPath != "" {
		out.Params.PythonPath = p.PythonPath
	}
	if p.ContainerName != "" {
		out.Params.ContainerName = p.ContainerName
	}
	if p.Image != "" {
		out.Params.Image = p.Image
	}
	if p.Distro != "" {
		out.Params.Distro = p.Distro
	}
	if p.Host != "" {
		out.Params.Host = p.Host
	}
	if p.Port != 0 {
		out.Params.Port = p.Port
	}
	if o.AutoStart != nil {
		out.AutoStart = *o.AutoStart
	}
	return out.WithDefaults()
}
