package cli

import (
	"bridgectl/internal/api"
	"bridgectl/internal/config"
)

// Sources are the places a backend selection can come from, weakest first.
type Sources struct {
	Config   config.Config
	Record   api.BackendRecord
	Override *config.ProjectOverride
}

// ResolveBackend picks the backend configuration a command acts on: the
// configured default kind, then the persisted record, then the project
// override, then the command line flags.
func ResolveBackend(src Sources, flags BackendFlags) (api.BackendConfig, error) {
	var base api.BackendConfig
	if src.Config.Backend.Type != "" {
		base = src.Config.DefaultBackendConfig(src.Config.Backend.Type)
	}
	if src.Record.Configured && src.Record.DefaultBackend != nil {
		base = src.Record.DefaultBackend.WithDefaults()
	}
	if src.Override != nil {
		base = src.Override.Apply(base)
	}
	return flags.Apply(base, src.Config.DefaultBackendConfig)
}
